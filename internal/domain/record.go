package domain

import (
	"errors"
	"time"
)

// SessionRecord is the persisted form of a media session, used to reopen
// sessions after a restart.
type SessionRecord struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Title       string      `json:"title"`
	Descriptor  string      `json:"-"`
	TargetFile  string      `json:"targetFile"`
	State       StreamState `json:"state"`
	Progress    float64     `json:"progress"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Validate checks domain invariants for SessionRecord.
func (r SessionRecord) Validate() error {
	if r.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if r.Descriptor == "" {
		return errors.New("descriptor is required")
	}
	if r.Progress < 0 || r.Progress > 1 {
		return errors.New("progress must be within [0,1]")
	}
	switch r.State {
	case StateIdle, StateDownloading, StateStreamable, StateComplete, StateError:
		// valid
	case "":
		return errors.New("state is required")
	default:
		return errors.New("invalid state: " + string(r.State))
	}
	return nil
}
