// Package segment renders and caches fixed-duration MPEG-TS segments of a
// session's target file for HLS playback.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/metrics"
	"mediastream/internal/telemetry"
	"mediastream/internal/transcode"
)

type Config struct {
	Dir             string
	SegmentDuration time.Duration
	Prefetch        int
	Workers         int
	// MinSize is the smallest file accepted as a valid cached segment.
	MinSize      int64
	InflightWait time.Duration
	Timeout      time.Duration
	RetryTimeout time.Duration
	KeepRange    int
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = filepath.Join(os.TempDir(), "mediastream", "segments")
	}
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = 6 * time.Second
	}
	if c.Prefetch < 0 {
		c.Prefetch = 0
	} else if c.Prefetch == 0 {
		c.Prefetch = 5
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MinSize <= 0 {
		c.MinSize = 1000
	}
	if c.InflightWait <= 0 {
		c.InflightWait = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = 30 * time.Second
	}
	if c.KeepRange <= 0 {
		c.KeepRange = 20
	}
	return c
}

// Info summarises the segment layout of a session.
type Info struct {
	Duration          float64 `json:"duration"`
	DurationFormatted string  `json:"durationFormatted"`
	SegmentDuration   float64 `json:"segmentDuration"`
	Segments          int     `json:"segments"`
	Cached            int     `json:"cached"`
}

var errSessionPurged = fmt.Errorf("%w: session purged", domain.ErrNotFound)

// sessionState is cancelled by Purge. Renders are counted in wg so Purge can
// wait for them before deleting the directory.
type sessionState struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	manifest *Manifest
	inflight map[int]chan struct{}
}

// beginLocked registers a render unless the session was purged.
func (st *sessionState) beginLocked() bool {
	if st.ctx.Err() != nil {
		return false
	}
	st.wg.Add(1)
	return true
}

// sessionContext derives a context from ctx that is also cancelled when the
// session is purged.
func sessionContext(ctx, session context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(session, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

type Cache struct {
	cfg    Config
	runner ports.Runner
	prober ports.MediaProber
	logger *slog.Logger
	pool   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[domain.Fingerprint]*sessionState
}

func NewCache(cfg Config, runner ports.Runner, prober ports.MediaProber, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		cfg:      cfg,
		runner:   runner,
		prober:   prober,
		logger:   logger,
		pool:     semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[domain.Fingerprint]*sessionState),
	}
}

func (c *Cache) session(fp domain.Fingerprint) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[fp]
	if !ok {
		ctx, cancel := context.WithCancel(c.ctx)
		st = &sessionState{ctx: ctx, cancel: cancel, inflight: make(map[int]chan struct{})}
		c.sessions[fp] = st
	}
	return st
}

func (c *Cache) dir(fp domain.Fingerprint) string {
	return filepath.Join(c.cfg.Dir, fp.String())
}

func (c *Cache) path(fp domain.Fingerprint, index int) string {
	return filepath.Join(c.dir(fp), segmentName(index))
}

func (c *Cache) valid(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > c.cfg.MinSize
}

// Manifest returns the segment list of source. The duration is probed once
// per session.
func (c *Cache) Manifest(ctx context.Context, fp domain.Fingerprint, source string) (Manifest, error) {
	st := c.session(fp)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.manifest != nil {
		return *st.manifest, nil
	}
	info, err := c.prober.Probe(ctx, source)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: probe: %v", domain.ErrMetadataUnavailable, err)
	}
	if info.Duration <= 0 {
		return Manifest{}, fmt.Errorf("%w: duration unknown", domain.ErrMetadataUnavailable)
	}
	m := BuildManifest(info.Duration, c.cfg.SegmentDuration.Seconds())
	st.manifest = &m
	return m, nil
}

// Segment returns the path of a rendered segment, rendering it synchronously
// on a miss, and schedules read-ahead of the following segments.
func (c *Cache) Segment(ctx context.Context, fp domain.Fingerprint, source string, index int) (string, error) {
	m, err := c.Manifest(ctx, fp, source)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(m.Segments) {
		return "", fmt.Errorf("%w: segment %d", domain.ErrNotFound, index)
	}
	path := c.path(fp, index)

	if c.valid(path) {
		metrics.SegmentRequestsTotal.WithLabelValues("hit").Inc()
		c.prefetch(fp, source, index, m)
		return path, nil
	}

	st := c.session(fp)
	st.mu.Lock()
	if wait, ok := st.inflight[index]; ok {
		st.mu.Unlock()
		return c.awaitInflight(ctx, wait, path)
	}
	// Another caller may have finished between the check above and the lock.
	if c.valid(path) {
		st.mu.Unlock()
		metrics.SegmentRequestsTotal.WithLabelValues("hit").Inc()
		return path, nil
	}
	if !st.beginLocked() {
		st.mu.Unlock()
		return "", errSessionPurged
	}
	done := make(chan struct{})
	st.inflight[index] = done
	st.mu.Unlock()

	err = c.render(ctx, st, fp, source, m.Segments[index], path)
	c.release(st, index, done)
	st.wg.Done()
	if err != nil {
		metrics.SegmentRequestsTotal.WithLabelValues("failed").Inc()
		return "", err
	}
	metrics.SegmentRequestsTotal.WithLabelValues("miss").Inc()
	c.prefetch(fp, source, index, m)
	return path, nil
}

func (c *Cache) release(st *sessionState, index int, done chan struct{}) {
	st.mu.Lock()
	if st.inflight[index] == done {
		delete(st.inflight, index)
	}
	st.mu.Unlock()
	close(done)
}

// awaitInflight waits a bounded time for another caller's render.
func (c *Cache) awaitInflight(ctx context.Context, done <-chan struct{}, path string) (string, error) {
	timer := time.NewTimer(c.cfg.InflightWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return "", fmt.Errorf("%w: segment still rendering", domain.ErrNotReady)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if c.valid(path) {
		metrics.SegmentRequestsTotal.WithLabelValues("hit").Inc()
		return path, nil
	}
	return "", fmt.Errorf("%w: concurrent render failed", domain.ErrTranscodeFailed)
}

// prefetch renders the next segments on the worker pool, skipping those
// already cached or in flight.
func (c *Cache) prefetch(fp domain.Fingerprint, source string, current int, m Manifest) {
	st := c.session(fp)
	for i := current + 1; i <= current+c.cfg.Prefetch && i < len(m.Segments); i++ {
		path := c.path(fp, i)
		st.mu.Lock()
		if _, ok := st.inflight[i]; ok || c.valid(path) {
			st.mu.Unlock()
			continue
		}
		if !st.beginLocked() {
			st.mu.Unlock()
			return
		}
		done := make(chan struct{})
		st.inflight[i] = done
		st.mu.Unlock()

		seg := m.Segments[i]
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer st.wg.Done()
			defer c.release(st, seg.Index, done)
			if err := c.pool.Acquire(st.ctx, 1); err != nil {
				return
			}
			defer c.pool.Release(1)
			if err := c.render(st.ctx, st, fp, source, seg, path); err != nil {
				c.logger.Debug("segment prefetch failed",
					slog.String("fingerprint", fp.Short()),
					slog.Int("segment", seg.Index),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// render produces one segment, retrying once with a full re-encode. Output
// goes to a temp file that is renamed into place on success, unless the
// session was purged meanwhile.
func (c *Cache) render(ctx context.Context, st *sessionState, fp domain.Fingerprint, source string, seg Segment, path string) (err error) {
	ctx, stop := sessionContext(ctx, st.ctx)
	defer stop()
	ctx, span := telemetry.StartSpan(ctx, "segment.render",
		attribute.String("fingerprint", fp.Short()),
		attribute.Int("segment", seg.Index),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("segment mkdir: %w", err)
	}
	tmp := path + ".tmp"
	defer os.Remove(tmp)

	err = c.encode(ctx, source, seg, tmp, transcode.CopyProfile, c.cfg.Timeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.TranscodeRetriesTotal.WithLabelValues("segment").Inc()
		c.logger.Warn("segment copy failed, retrying with re-encode",
			slog.String("fingerprint", fp.Short()),
			slog.Int("segment", seg.Index),
			slog.String("error", err.Error()),
		)
		err = c.encode(ctx, source, seg, tmp, transcode.SafeProfile, c.cfg.RetryTimeout)
	}
	if err != nil {
		return fmt.Errorf("%w: segment %d: %v", domain.ErrTranscodeFailed, seg.Index, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ctx.Err() != nil {
		return errSessionPurged
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: segment %d: %v", domain.ErrTranscodeFailed, seg.Index, err)
	}
	return nil
}

func (c *Cache) encode(ctx context.Context, source string, seg Segment, out string, p transcode.Profile, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Duration(seg.Start * float64(time.Second))
	dur := time.Duration(seg.Duration * float64(time.Second))
	args := []string{"-hide_banner", "-loglevel", "error", "-y",
		"-ss", transcode.Seconds(start),
		"-i", source,
		"-t", transcode.Seconds(dur),
		"-map", "0:v:0", "-map", "0:a:0?",
	}
	args = append(args, p.Video...)
	args = append(args, p.Audio...)
	args = append(args,
		"-output_ts_offset", transcode.Seconds(start),
		"-f", "mpegts", "-mpegts_copyts", "1",
		out,
	)

	began := time.Now()
	err := c.runner.Run(ctx, args)
	metrics.TranscodeEncodeDuration.WithLabelValues("segment").Observe(time.Since(began).Seconds())
	if err != nil {
		return err
	}
	if !c.valid(out) {
		return errors.New("output below minimum size")
	}
	return nil
}

// Cleanup deletes segments farther than keepRange from current and returns
// how many were removed. keepRange <= 0 uses the configured default.
func (c *Cache) Cleanup(fp domain.Fingerprint, current, keepRange int) int {
	if keepRange <= 0 {
		keepRange = c.cfg.KeepRange
	}
	entries, err := os.ReadDir(c.dir(fp))
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		idx, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		if dist := idx - current; dist >= -keepRange && dist <= keepRange {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir(fp), e.Name())); err != nil {
			metrics.CacheCleanupErrors.WithLabelValues("segment").Inc()
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues("segment").Add(float64(removed))
		c.logger.Debug("segments cleaned",
			slog.String("fingerprint", fp.Short()),
			slog.Int("current", current),
			slog.Int("removed", removed),
		)
	}
	return removed
}

func parseSegmentName(name string) (int, bool) {
	if !strings.HasPrefix(name, "segment_") || !strings.HasSuffix(name, ".ts") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".ts"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (c *Cache) Info(ctx context.Context, fp domain.Fingerprint, source string) (Info, error) {
	m, err := c.Manifest(ctx, fp, source)
	if err != nil {
		return Info{}, err
	}
	cached := 0
	for _, s := range m.Segments {
		if c.valid(c.path(fp, s.Index)) {
			cached++
		}
	}
	return Info{
		Duration:          m.Duration,
		DurationFormatted: FormatDuration(m.Duration),
		SegmentDuration:   m.SegmentDuration,
		Segments:          len(m.Segments),
		Cached:            cached,
	}, nil
}

// Purge forgets a session, stops its renders and deletes its segments.
func (c *Cache) Purge(fp domain.Fingerprint) {
	c.mu.Lock()
	st, ok := c.sessions[fp]
	delete(c.sessions, fp)
	c.mu.Unlock()
	if ok {
		st.mu.Lock()
		st.cancel()
		st.mu.Unlock()
		st.wg.Wait()
	}
	if err := os.RemoveAll(c.dir(fp)); err != nil {
		metrics.CacheCleanupErrors.WithLabelValues("segment").Inc()
		c.logger.Warn("segment purge failed",
			slog.String("fingerprint", fp.Short()),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops prefetch workers and waits for them.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}
