package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrSourceUnavailable   = errors.New("source unavailable")
	ErrMetadataTimeout     = errors.New("metadata timeout")
	ErrMetadataUnavailable = errors.New("metadata not available")
	ErrUnitUnavailable     = errors.New("storage unit unavailable")
	ErrNotReady            = errors.New("source not ready for streaming")
	ErrTranscodeFailed     = errors.New("transcode failed")
	ErrBusy                = errors.New("transcode capacity exhausted")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)
