package domain

import (
	"encoding/hex"
	"errors"
	"strings"
)

// Fingerprint is the lowercase hex BitTorrent v1 info-hash that identifies a
// media session.
type Fingerprint string

const fingerprintLength = 40

var ErrInvalidFingerprint = errors.New("invalid fingerprint")

func ParseFingerprint(raw string) (Fingerprint, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if len(value) != fingerprintLength {
		return "", ErrInvalidFingerprint
	}
	if _, err := hex.DecodeString(value); err != nil {
		return "", ErrInvalidFingerprint
	}
	return Fingerprint(value), nil
}

func (f Fingerprint) String() string {
	return string(f)
}

// Short returns the first 8 characters, used in log lines and file names.
func (f Fingerprint) Short() string {
	if len(f) <= 8 {
		return string(f)
	}
	return string(f[:8])
}
