// Package session keeps one media session per fingerprint and supervises
// each with a readiness monitor.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/metrics"
)

// Session is a single active source. Its state is written only by the
// monitor goroutine.
type Session struct {
	fp         domain.Fingerprint
	title      string
	descriptor string
	handle     ports.FetchHandle
	created    time.Time

	mu              sync.Mutex
	state           domain.StreamState
	progress        float64
	peers           int
	hasMetadata     bool
	metadataTimeout bool
	target          domain.FileRef
	hasTarget       bool
	initialized     bool
	updatedAt       time.Time
	lastAccess      time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (s *Session) Fingerprint() domain.Fingerprint { return s.fp }

func (s *Session) Handle() ports.FetchHandle { return s.handle }

func (s *Session) Status() domain.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := domain.StreamStatus{
		Fingerprint:     s.fp,
		Title:           s.title,
		State:           s.state,
		Progress:        s.progress,
		Peers:           s.peers,
		CanStream:       s.state.CanStream(),
		HasMetadata:     s.hasMetadata,
		MetadataTimeout: s.metadataTimeout,
		UpdatedAt:       s.updatedAt,
	}
	if s.hasTarget {
		st.TargetFile = s.target.Path
	}
	return st
}

func (s *Session) record() domain.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := domain.SessionRecord{
		Fingerprint: s.fp,
		Title:       s.title,
		Descriptor:  s.descriptor,
		State:       s.state,
		Progress:    s.progress,
		CreatedAt:   s.created,
		UpdatedAt:   s.updatedAt,
	}
	if s.hasTarget {
		r.TargetFile = s.target.Path
	}
	return r
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) lastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// transitionLocked moves the session to next if the lifecycle allows it.
func (s *Session) transitionLocked(next domain.StreamState, now time.Time, logger *slog.Logger) bool {
	if s.state == next || !domain.CanTransition(s.state, next) {
		return false
	}
	logger.Info("session state changed",
		slog.String("fingerprint", s.fp.Short()),
		slog.String("from", string(s.state)),
		slog.String("to", string(next)),
	)
	s.state = next
	s.updatedAt = now
	metrics.SessionTransitionsTotal.WithLabelValues(string(next)).Inc()
	return true
}

// stopMonitor cancels the monitor and waits for it. Safe to call repeatedly.
func (s *Session) stopMonitor() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	if s.done != nil {
		<-s.done
	}
}
