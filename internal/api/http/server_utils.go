package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"mediastream/internal/domain"
	"mediastream/internal/transcode"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrSourceUnavailable):
		writeError(w, http.StatusBadRequest, "source_unavailable", err.Error())
	case errors.Is(err, domain.ErrMetadataUnavailable), errors.Is(err, domain.ErrMetadataTimeout):
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusConflict, "metadata_unavailable", err.Error())
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrUnitUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
	case errors.Is(err, domain.ErrBusy):
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusServiceUnavailable, "busy", err.Error())
	case errors.Is(err, domain.ErrRangeNotSatisfiable):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", err.Error())
	case errors.Is(err, transcode.ErrCancelled):
		writeError(w, http.StatusConflict, "cancelled", err.Error())
	case errors.Is(err, domain.ErrTranscodeFailed):
		writeError(w, http.StatusInternalServerError, "transcode_failed", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "operation timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseFingerprint(w http.ResponseWriter, raw string) (domain.Fingerprint, bool) {
	fp, err := domain.ParseFingerprint(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid fingerprint")
		return "", false
	}
	return fp, true
}

// parsePosition reads a playback position in [0,1]. ok is false when the
// value is absent.
func parsePosition(value string) (float64, bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false, nil
	}
	pos, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(pos) || pos < 0 || pos > 1 {
		return 0, false, errors.New("position must be within [0,1]")
	}
	return pos, true, nil
}

func parseSeconds(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return 0, errors.New("must be a non-negative number of seconds")
	}
	return secs, nil
}

func parseIndex(value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must be >= 0")
	}
	return n, nil
}

// formatSeconds renders seconds without a trailing ".0" for whole values.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func fallbackContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".mov":
		return "video/quicktime"
	case ".m4v":
		return "video/x-m4v"
	case ".wmv":
		return "video/x-ms-wmv"
	case ".flv":
		return "video/x-flv"
	default:
		return "application/octet-stream"
	}
}
