package anacrolix

import (
	"log/slog"
	"time"

	"github.com/anacrolix/torrent"

	"mediastream/internal/domain"
)

func mapPriority(prio domain.Priority) torrent.PiecePriority {
	switch prio {
	case domain.PriorityNone:
		return torrent.PiecePriorityNone
	case domain.PriorityMax:
		return torrent.PiecePriorityNow
	case domain.PriorityHigh:
		return torrent.PiecePriorityNext
	case domain.PriorityElevated:
		return torrent.PiecePriorityReadahead
	case domain.PriorityModerate:
		return torrent.PiecePriorityHigh
	default:
		return torrent.PiecePriorityNormal
	}
}

// deadlinePriority approximates a per-unit deadline. anacrolix has no
// deadline API, so a tighter deadline raises the piece to a more urgent tier.
func deadlinePriority(d time.Duration) domain.Priority {
	switch {
	case d <= 100*time.Millisecond:
		return domain.PriorityMax
	case d <= 500*time.Millisecond:
		return domain.PriorityHigh
	case d <= 2*time.Second:
		return domain.PriorityElevated
	default:
		return domain.PriorityModerate
	}
}

func effectivePriority(tier domain.Priority, deadline time.Duration, hasDeadline bool) domain.Priority {
	if !hasDeadline {
		return tier
	}
	if dp := deadlinePriority(deadline); dp > tier {
		return dp
	}
	return tier
}

func (h *Handle) SetPriorities(tiers []domain.Priority) (err error) {
	if !h.ready() {
		return domain.ErrMetadataUnavailable
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("SetPriorities recovered from panic",
				slog.Any("panic", rec),
				slog.String("fingerprint", h.fingerprint.Short()),
			)
			err = domain.ErrUnitUnavailable
		}
	}()

	n := h.torrent.NumPieces()
	next := make([]domain.Priority, n)
	for i := 0; i < n; i++ {
		next[i] = domain.PriorityLow
		if i < len(tiers) {
			next[i] = tiers[i]
		}
	}

	h.mu.Lock()
	prev := h.tiers
	prevDeadlines := h.deadlines
	h.tiers = next
	h.deadlines = make(map[int]time.Duration)
	h.mu.Unlock()

	for i := 0; i < n; i++ {
		old := domain.PriorityLow
		if i < len(prev) {
			d, ok := prevDeadlines[i]
			old = effectivePriority(prev[i], d, ok)
		}
		if prev != nil && old == next[i] {
			continue
		}
		h.torrent.Piece(i).SetPriority(mapPriority(next[i]))
	}
	return nil
}

func (h *Handle) SetDeadline(unit int, deadline time.Duration) error {
	if !h.ready() {
		return domain.ErrMetadataUnavailable
	}
	if unit < 0 || unit >= h.torrent.NumPieces() {
		return domain.ErrUnitUnavailable
	}

	h.mu.Lock()
	if h.deadlines == nil {
		h.deadlines = make(map[int]time.Duration)
	}
	h.deadlines[unit] = deadline
	tier := domain.PriorityLow
	if unit < len(h.tiers) {
		tier = h.tiers[unit]
	}
	h.mu.Unlock()

	h.torrent.Piece(unit).SetPriority(mapPriority(effectivePriority(tier, deadline, true)))
	return nil
}
