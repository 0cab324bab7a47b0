package anacrolix

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"mediastream/internal/domain"
)

// Handle is the fetch handle of one torrent.
type Handle struct {
	engine      *Engine
	torrent     *torrent.Torrent
	fingerprint domain.Fingerprint

	mu        sync.Mutex
	tiers     []domain.Priority
	deadlines map[int]time.Duration
	removed   bool
}

func (h *Handle) Fingerprint() domain.Fingerprint {
	return h.fingerprint
}

func (h *Handle) ready() bool {
	return torrentInfoReady(h.torrent)
}

func (h *Handle) Status() domain.FetchStatus {
	st := domain.FetchStatus{}
	select {
	case <-h.torrent.Closed():
		st.Closed = true
		return st
	default:
	}
	st.Peers = h.torrent.Stats().ActivePeers
	if !h.ready() {
		return st
	}
	st.HasMetadata = true
	if length := h.torrent.Length(); length > 0 {
		st.Progress = float64(h.torrent.BytesCompleted()) / float64(length)
		if st.Progress > 1 {
			st.Progress = 1
		}
	}
	st.Seeding = h.torrent.Seeding()
	return st
}

func (h *Handle) Files() []domain.FileRef {
	return mapFiles(h.torrent)
}

func (h *Handle) NumUnits() int {
	if !h.ready() {
		return 0
	}
	return h.torrent.NumPieces()
}

func (h *Handle) UnitSize() int64 {
	if !h.ready() {
		return 0
	}
	return h.torrent.Info().PieceLength
}

func (h *Handle) HaveUnit(index int) bool {
	if !h.ready() || index < 0 || index >= h.torrent.NumPieces() {
		return false
	}
	return h.torrent.PieceState(index).Complete
}

// Deadlines returns a copy of the deadlines requested since the last
// SetPriorities call.
func (h *Handle) Deadlines() map[int]time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[int]time.Duration, len(h.deadlines))
	for k, v := range h.deadlines {
		out[k] = v
	}
	return out
}

func (h *Handle) Remove(deleteFiles bool) error {
	h.mu.Lock()
	if h.removed {
		h.mu.Unlock()
		return nil
	}
	h.removed = true
	h.mu.Unlock()

	name := ""
	if h.ready() {
		name = h.torrent.Name()
	}
	h.engine.forget(h.fingerprint)
	h.torrent.Drop()
	freeOSMemory()

	if deleteFiles {
		if err := h.engine.removeData(name); err != nil {
			return err
		}
	}
	h.engine.logger.Info("source removed",
		slog.String("fingerprint", h.fingerprint.Short()),
		slog.Bool("deleteFiles", deleteFiles),
	)
	return nil
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

func mapFiles(t *torrent.Torrent) (mapped []domain.FileRef) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Length:         f.Length(),
			Offset:         f.Offset(),
			BytesCompleted: f.BytesCompleted(),
		})
	}
	return mapped
}
