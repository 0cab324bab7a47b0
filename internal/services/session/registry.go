package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/metrics"
	"mediastream/internal/scheduler"
)

const persistTimeout = 5 * time.Second

type Config struct {
	DataDir         string
	MaxSessions     int
	PollInterval    time.Duration
	MetadataTimeout time.Duration
	// StreamableProgress is the fetch progress at which a session with a
	// resolved target becomes streamable.
	StreamableProgress float64
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MetadataTimeout <= 0 {
		c.MetadataTimeout = 10 * time.Minute
	}
	if c.StreamableProgress <= 0 {
		c.StreamableProgress = 0.01
	}
	return c
}

// Target is the selected media file of a session with the number of bytes
// that can be served without waiting on the fetch engine.
type Target struct {
	File     domain.FileRef
	Path     string
	SafeSize int64
	Complete bool
}

// Registry owns every session. Lookups touch the session for LRU purposes;
// once more than MaxSessions exist the least recently used one is stopped.
type Registry struct {
	cfg    Config
	engine ports.FetchEngine
	sched  *scheduler.Scheduler
	repo   ports.SessionRepository
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[domain.Fingerprint]*Session
	cleaners []func(domain.Fingerprint)
	closed   bool
}

// NewRegistry builds a registry. repo may be nil to disable persistence.
func NewRegistry(cfg Config, engine ports.FetchEngine, sched *scheduler.Scheduler, repo ports.SessionRepository, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if sched == nil {
		sched = scheduler.New(scheduler.DefaultConfig(), logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg.withDefaults(),
		engine:   engine,
		sched:    sched,
		repo:     repo,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[domain.Fingerprint]*Session),
	}
}

// OnStop registers a hook that releases per-session resources held by other
// components. Hooks run when a session is stopped or evicted.
func (r *Registry) OnStop(fn func(domain.Fingerprint)) {
	r.mu.Lock()
	r.cleaners = append(r.cleaners, fn)
	r.mu.Unlock()
}

// Start adds a source and begins supervising it. Starting a fingerprint that
// is already active returns the existing session.
func (r *Registry) Start(ctx context.Context, descriptor, title string) (*Session, error) {
	h, err := r.engine.Add(ctx, descriptor)
	if err != nil {
		if errors.Is(err, domain.ErrSourceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	fp := h.Fingerprint()
	now := r.now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("registry closed")
	}
	if existing, ok := r.sessions[fp]; ok {
		r.mu.Unlock()
		existing.touch(now)
		return existing, nil
	}

	s := &Session{
		fp:         fp,
		title:      title,
		descriptor: descriptor,
		handle:     h,
		created:    now,
		state:      domain.StateIdle,
		updatedAt:  now,
		lastAccess: now,
		done:       make(chan struct{}),
	}
	s.mu.Lock()
	s.transitionLocked(domain.StateDownloading, now, r.logger)
	s.mu.Unlock()

	r.sessions[fp] = s
	victims := r.evictLocked(fp)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))

	monitorCtx, cancel := context.WithCancel(r.ctx)
	s.cancel = cancel
	r.mu.Unlock()

	go r.monitor(monitorCtx, s)

	for _, v := range victims {
		metrics.SessionEvictionsTotal.Inc()
		r.logger.Info("session evicted",
			slog.String("fingerprint", v.fp.Short()),
		)
		r.teardown(v)
	}

	r.persist(s)
	r.logger.Info("session started",
		slog.String("fingerprint", fp.Short()),
		slog.String("title", title),
	)
	return s, nil
}

// Open starts a session and returns its status snapshot.
func (r *Registry) Open(ctx context.Context, descriptor, title string) (domain.StreamStatus, error) {
	s, err := r.Start(ctx, descriptor, title)
	if err != nil {
		return domain.StreamStatus{}, err
	}
	return s.Status(), nil
}

// evictLocked removes the least recently used sessions beyond MaxSessions,
// never the one just added.
func (r *Registry) evictLocked(keep domain.Fingerprint) []*Session {
	excess := len(r.sessions) - r.cfg.MaxSessions
	if excess <= 0 {
		return nil
	}
	candidates := make([]*Session, 0, len(r.sessions))
	for fp, s := range r.sessions {
		if fp != keep {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccessed().Before(candidates[j].lastAccessed())
	})
	var victims []*Session
	for i := 0; i < excess && i < len(candidates); i++ {
		delete(r.sessions, candidates[i].fp)
		victims = append(victims, candidates[i])
	}
	return victims
}

func (r *Registry) Get(fp domain.Fingerprint) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[fp]
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	s.touch(r.now())
	return s, nil
}

func (r *Registry) Status(fp domain.Fingerprint) (domain.StreamStatus, error) {
	s, err := r.Get(fp)
	if err != nil {
		return domain.StreamStatus{}, err
	}
	return s.Status(), nil
}

// List returns the status of every session, oldest first. It does not touch
// the sessions.
func (r *Registry) List() []domain.StreamStatus {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].created.Equal(sessions[j].created) {
			return sessions[i].fp < sessions[j].fp
		}
		return sessions[i].created.Before(sessions[j].created)
	})
	out := make([]domain.StreamStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// Seek reprioritises the source for a playback position within the target
// file and reports whether playback can start there.
func (r *Registry) Seek(fp domain.Fingerprint, position float64) (scheduler.Availability, error) {
	s, err := r.Get(fp)
	if err != nil {
		return scheduler.Availability{}, err
	}
	pos := r.sourcePosition(s, position)
	if _, err := r.sched.Reconfigure(s.handle, pos); err != nil {
		return scheduler.Availability{}, err
	}
	return r.sched.Availability(s.handle, pos)
}

// Availability reports readiness at a position without changing priorities.
func (r *Registry) Availability(fp domain.Fingerprint, position float64) (scheduler.Availability, error) {
	s, err := r.Get(fp)
	if err != nil {
		return scheduler.Availability{}, err
	}
	return r.sched.Availability(s.handle, r.sourcePosition(s, position))
}

func (r *Registry) sourcePosition(s *Session, position float64) float64 {
	s.mu.Lock()
	target, ok := s.target, s.hasTarget
	s.mu.Unlock()
	if !ok {
		return position
	}
	return sourcePosition(target, position, s.handle.UnitSize(), s.handle.NumUnits())
}

// Target resolves the session's media file and its readable prefix.
func (r *Registry) Target(fp domain.Fingerprint) (Target, error) {
	s, err := r.Get(fp)
	if err != nil {
		return Target{}, err
	}
	s.mu.Lock()
	ref, ok, state := s.target, s.hasTarget, s.state
	s.mu.Unlock()
	if !ok {
		return Target{}, fmt.Errorf("%w: target file not resolved", domain.ErrNotReady)
	}

	t := Target{File: ref, Path: filepath.Join(r.cfg.DataDir, filepath.FromSlash(ref.Path))}
	if state == domain.StateComplete {
		t.SafeSize, t.Complete = ref.Length, true
		return t, nil
	}
	h := s.handle
	t.SafeSize = readablePrefix(ref, h.UnitSize(), h.NumUnits(), h.HaveUnit)
	t.Complete = t.SafeSize >= ref.Length
	return t, nil
}

// Stop tears down a session: monitor, cache hooks, and fetched data.
func (r *Registry) Stop(ctx context.Context, fp domain.Fingerprint) error {
	r.mu.Lock()
	s, ok := r.sessions[fp]
	if ok {
		delete(r.sessions, fp)
	}
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	r.teardown(s)
	if r.repo != nil {
		if err := r.repo.Delete(ctx, fp); err != nil && !errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn("session record delete failed",
				slog.String("fingerprint", fp.Short()),
				slog.String("error", err.Error()),
			)
		}
	}
	r.logger.Info("session stopped", slog.String("fingerprint", fp.Short()))
	return nil
}

func (r *Registry) teardown(s *Session) {
	s.stopMonitor()

	r.mu.Lock()
	cleaners := append([]func(domain.Fingerprint){}, r.cleaners...)
	r.mu.Unlock()
	for _, fn := range cleaners {
		fn(s.fp)
	}

	if err := s.handle.Remove(true); err != nil {
		r.logger.Warn("fetch engine remove failed",
			slog.String("fingerprint", s.fp.Short()),
			slog.String("error", err.Error()),
		)
	}
}

// Restore reopens persisted sessions. Records that fail to start are logged
// and skipped.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.repo == nil {
		return 0, nil
	}
	records, err := r.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, rec := range records {
		if rec.Descriptor == "" {
			continue
		}
		if _, err := r.Start(ctx, rec.Descriptor, rec.Title); err != nil {
			r.logger.Warn("session restore failed",
				slog.String("fingerprint", rec.Fingerprint.Short()),
				slog.String("error", err.Error()),
			)
			continue
		}
		restored++
	}
	return restored, nil
}

func (r *Registry) persist(s *Session) {
	if r.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, persistTimeout)
	defer cancel()
	if err := r.repo.Upsert(ctx, s.record()); err != nil {
		r.logger.Warn("session record save failed",
			slog.String("fingerprint", s.fp.Short()),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops every monitor. Fetched data is left on disk so sessions can be
// restored on the next start.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	r.cancel()
	for _, s := range sessions {
		s.stopMonitor()
	}
}
