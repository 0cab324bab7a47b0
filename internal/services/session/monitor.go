package session

import (
	"context"
	"log/slog"
	"time"

	"mediastream/internal/domain"
)

// monitor polls the fetch engine until the session errors or is stopped.
func (r *Registry) monitor(ctx context.Context, s *Session) {
	defer close(s.done)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if r.poll(s) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll applies one engine status report. It returns true once the session
// reached a terminal state.
func (r *Registry) poll(s *Session) bool {
	st := s.handle.Status()
	now := r.now()

	s.mu.Lock()
	s.progress = clampProgress(st.Progress)
	s.peers = st.Peers
	s.hasMetadata = st.HasMetadata
	changed := false

	if st.Closed {
		changed = s.transitionLocked(domain.StateError, now, r.logger)
		s.mu.Unlock()
		if changed {
			r.persist(s)
		}
		return true
	}

	if st.HasMetadata && !s.hasTarget {
		if ref, ok := selectTarget(s.handle.Files()); ok {
			s.target, s.hasTarget = ref, true
			s.updatedAt = now
			changed = true
			r.logger.Info("session target resolved",
				slog.String("fingerprint", s.fp.Short()),
				slog.String("file", ref.Path),
				slog.Int64("length", ref.Length),
			)
		}
	}
	if !st.HasMetadata && !s.metadataTimeout && now.Sub(s.created) > r.cfg.MetadataTimeout {
		s.metadataTimeout = true
		r.logger.Warn("session metadata timeout",
			slog.String("fingerprint", s.fp.Short()),
			slog.Duration("elapsed", now.Sub(s.created)),
		)
	}
	if st.HasMetadata {
		s.metadataTimeout = false
	}

	switch {
	case st.HasMetadata && (s.progress >= 1 || st.Seeding):
		if s.state == domain.StateDownloading && s.hasTarget {
			s.transitionLocked(domain.StateStreamable, now, r.logger)
		}
		changed = s.transitionLocked(domain.StateComplete, now, r.logger) || changed
	case st.HasMetadata && s.hasTarget && s.progress >= r.cfg.StreamableProgress:
		changed = s.transitionLocked(domain.StateStreamable, now, r.logger) || changed
	}
	needSetup := st.HasMetadata && !s.initialized
	s.mu.Unlock()

	if needSetup {
		if _, err := r.sched.InitialSetup(s.handle); err != nil {
			r.logger.Warn("initial priority setup failed",
				slog.String("fingerprint", s.fp.Short()),
				slog.String("error", err.Error()),
			)
		} else {
			s.mu.Lock()
			s.initialized = true
			s.mu.Unlock()
		}
	}
	if changed {
		r.persist(s)
	}
	return false
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
