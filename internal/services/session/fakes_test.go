package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
)

type fakeHandle struct {
	fp domain.Fingerprint

	mu           sync.Mutex
	status       domain.FetchStatus
	files        []domain.FileRef
	units        int
	unitSize     int64
	have         map[int]bool
	setPrioCalls int
	deadlines    map[int]time.Duration
	removed      bool
	deleted      bool
}

func newFakeHandle(fp domain.Fingerprint) *fakeHandle {
	return &fakeHandle{fp: fp, unitSize: 100, have: map[int]bool{}, deadlines: map[int]time.Duration{}}
}

func (h *fakeHandle) setStatus(fn func(s *domain.FetchStatus)) {
	h.mu.Lock()
	fn(&h.status)
	h.mu.Unlock()
}

// withMetadata exposes files laid out back to back over 100-byte units.
func (h *fakeHandle) withMetadata(files ...domain.FileRef) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var offset int64
	for i := range files {
		files[i].Index = i
		files[i].Offset = offset
		offset += files[i].Length
	}
	h.files = files
	h.units = int((offset + h.unitSize - 1) / h.unitSize)
	h.status.HasMetadata = true
}

func (h *fakeHandle) setHave(units ...int) {
	h.mu.Lock()
	for _, u := range units {
		h.have[u] = true
	}
	h.mu.Unlock()
}

func (h *fakeHandle) Fingerprint() domain.Fingerprint { return h.fp }

func (h *fakeHandle) Status() domain.FetchStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *fakeHandle) Files() []domain.FileRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.FileRef(nil), h.files...)
}

func (h *fakeHandle) NumUnits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.units
}

func (h *fakeHandle) UnitSize() int64 { return h.unitSize }

func (h *fakeHandle) HaveUnit(i int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.have[i]
}

func (h *fakeHandle) SetPriorities([]domain.Priority) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setPrioCalls++
	h.deadlines = map[int]time.Duration{}
	return nil
}

func (h *fakeHandle) SetDeadline(unit int, d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadlines[unit] = d
	return nil
}

func (h *fakeHandle) Remove(deleteFiles bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = true
	h.deleted = deleteFiles
	return nil
}

func (h *fakeHandle) prioCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setPrioCalls
}

func (h *fakeHandle) isRemoved() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removed
}

// fakeEngine treats the descriptor as the fingerprint.
type fakeEngine struct {
	mu      sync.Mutex
	handles map[domain.Fingerprint]*fakeHandle
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{handles: map[domain.Fingerprint]*fakeHandle{}}
}

func (e *fakeEngine) Add(_ context.Context, descriptor string) (ports.FetchHandle, error) {
	fp, err := domain.ParseFingerprint(descriptor)
	if err != nil {
		return nil, errors.Join(domain.ErrSourceUnavailable, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[fp]
	if !ok {
		h = newFakeHandle(fp)
		e.handles[fp] = h
	}
	return h, nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) handle(fp domain.Fingerprint) *fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[fp]
}

type fakeRepo struct {
	mu      sync.Mutex
	records map[domain.Fingerprint]domain.SessionRecord
	deletes int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: map[domain.Fingerprint]domain.SessionRecord{}}
}

func (r *fakeRepo) Upsert(_ context.Context, rec domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Fingerprint] = rec
	return nil
}

func (r *fakeRepo) Get(_ context.Context, fp domain.Fingerprint) (domain.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[fp]
	if !ok {
		return domain.SessionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) List(context.Context) ([]domain.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SessionRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out, nil
}

func (r *fakeRepo) Delete(_ context.Context, fp domain.Fingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	if _, ok := r.records[fp]; !ok {
		return domain.ErrNotFound
	}
	delete(r.records, fp)
	return nil
}

func (r *fakeRepo) get(fp domain.Fingerprint) (domain.SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[fp]
	return rec, ok
}

func fingerprint(c byte) domain.Fingerprint {
	return domain.Fingerprint(strings.Repeat(string(c), 40))
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
