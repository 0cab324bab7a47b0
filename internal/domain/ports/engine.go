package ports

import (
	"context"
	"time"

	"mediastream/internal/domain"
)

// FetchEngine adds sources to the background fetcher.
type FetchEngine interface {
	// Add starts fetching the source described by a magnet link or a
	// .torrent file path. Adding an already tracked source returns its handle.
	Add(ctx context.Context, descriptor string) (FetchHandle, error)
	Close() error
}

// FetchHandle is an opaque per-source handle. Unit availability is owned by
// the engine; tiers and deadlines are written only by the scheduler.
type FetchHandle interface {
	Fingerprint() domain.Fingerprint
	Status() domain.FetchStatus
	Files() []domain.FileRef
	NumUnits() int
	UnitSize() int64
	HaveUnit(index int) bool
	// SetPriorities replaces the whole tier assignment and clears all
	// previously requested deadlines. tiers[i] applies to unit i.
	SetPriorities(tiers []domain.Priority) error
	SetDeadline(unit int, deadline time.Duration) error
	// Remove stops fetching. When deleteFiles is set the downloaded data is
	// removed from disk as well.
	Remove(deleteFiles bool) error
}
