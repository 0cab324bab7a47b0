// Package audiochunk serves audio-only chunks of a session's target file
// from a memory tier backed by an on-disk cache.
package audiochunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/metrics"
	"mediastream/internal/segment"
	"mediastream/internal/telemetry"
	"mediastream/internal/transcode"
)

const (
	TierMemory    = "memory"
	TierDisk      = "disk"
	TierTranscode = "transcode"
)

type Config struct {
	Dir           string
	ChunkDuration time.Duration
	MemoryCap     int
	// MinSize is the smallest disk file trusted as a chunk.
	MinSize   int64
	Timeout   time.Duration
	KeepRange int
	Prefetch  int
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = filepath.Join(os.TempDir(), "mediastream", "audio")
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 90 * time.Second
	}
	if c.MemoryCap <= 0 {
		c.MemoryCap = 10
	}
	if c.MinSize <= 0 {
		c.MinSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.KeepRange <= 0 {
		c.KeepRange = 5
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 2
	}
	return c
}

// Chunk is one rendered audio window. Tier reports where it was served from.
type Chunk struct {
	Index    int
	Start    float64
	Duration float64
	Data     []byte
	Tier     string
}

type Info struct {
	Duration          float64 `json:"duration"`
	DurationFormatted string  `json:"durationFormatted"`
	ChunkDuration     float64 `json:"chunkDuration"`
	TotalChunks       int     `json:"totalChunks"`
	CachedInMemory    int     `json:"cachedInMemory"`
}

var errSessionPurged = fmt.Errorf("%w: session purged", domain.ErrNotFound)

// sessionCache is cancelled by Purge; renders are counted in wg.
type sessionCache struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	duration float64
	memory   *lru
	inflight map[int]chan struct{}
}

func (s *sessionCache) beginLocked() bool {
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
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

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[domain.Fingerprint]*sessionCache
}

func NewCache(cfg Config, runner ports.Runner, prober ports.MediaProber, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		cfg:      cfg.withDefaults(),
		runner:   runner,
		prober:   prober,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[domain.Fingerprint]*sessionCache),
	}
}

func (c *Cache) session(fp domain.Fingerprint) *sessionCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[fp]
	if !ok {
		ctx, cancel := context.WithCancel(c.ctx)
		s = &sessionCache{
			ctx:      ctx,
			cancel:   cancel,
			memory:   newLRU(c.cfg.MemoryCap),
			inflight: make(map[int]chan struct{}),
		}
		c.sessions[fp] = s
	}
	return s
}

func (c *Cache) ChunkDuration() time.Duration {
	return c.cfg.ChunkDuration
}

func (c *Cache) dir(fp domain.Fingerprint) string {
	return filepath.Join(c.cfg.Dir, fp.String())
}

func (c *Cache) path(fp domain.Fingerprint, index int) string {
	return filepath.Join(c.dir(fp), "chunk_"+strconv.Itoa(index)+".aac")
}

func (c *Cache) onDisk(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > c.cfg.MinSize
}

// ChunkCount returns ceil(duration / chunkDuration).
func ChunkCount(duration float64, chunkDur time.Duration) int {
	if duration <= 0 || chunkDur <= 0 {
		return 0
	}
	return int(math.Ceil(duration / chunkDur.Seconds()))
}

func (c *Cache) duration(ctx context.Context, fp domain.Fingerprint, source string) (float64, error) {
	s := c.session(fp)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.duration > 0 {
		return s.duration, nil
	}
	info, err := c.prober.Probe(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("%w: probe: %v", domain.ErrMetadataUnavailable, err)
	}
	if info.Duration <= 0 {
		return 0, fmt.Errorf("%w: duration unknown", domain.ErrMetadataUnavailable)
	}
	s.duration = info.Duration
	return s.duration, nil
}

func (c *Cache) window(index int, total float64) (float64, float64) {
	chunk := c.cfg.ChunkDuration.Seconds()
	start := float64(index) * chunk
	return start, math.Min(chunk, total-start)
}

func (c *Cache) Info(ctx context.Context, fp domain.Fingerprint, source string) (Info, error) {
	d, err := c.duration(ctx, fp, source)
	if err != nil {
		return Info{}, err
	}
	s := c.session(fp)
	s.mu.Lock()
	inMemory := s.memory.len()
	s.mu.Unlock()
	return Info{
		Duration:          d,
		DurationFormatted: segment.FormatDuration(d),
		ChunkDuration:     c.cfg.ChunkDuration.Seconds(),
		TotalChunks:       ChunkCount(d, c.cfg.ChunkDuration),
		CachedInMemory:    inMemory,
	}, nil
}

// Chunk returns chunk index from memory, then disk, then a synchronous
// transcode that populates both tiers.
func (c *Cache) Chunk(ctx context.Context, fp domain.Fingerprint, source string, index int) (Chunk, error) {
	total, err := c.duration(ctx, fp, source)
	if err != nil {
		return Chunk{}, err
	}
	if index < 0 || index >= ChunkCount(total, c.cfg.ChunkDuration) {
		return Chunk{}, fmt.Errorf("%w: chunk %d", domain.ErrNotFound, index)
	}
	start, dur := c.window(index, total)
	out := Chunk{Index: index, Start: start, Duration: dur}

	s := c.session(fp)
	path := c.path(fp, index)
	for {
		s.mu.Lock()
		if data, ok := s.memory.get(index); ok {
			s.mu.Unlock()
			out.Data, out.Tier = data, TierMemory
			metrics.AudioChunkRequestsTotal.WithLabelValues(TierMemory).Inc()
			return out, nil
		}
		if data, ok := c.readDisk(path); ok {
			c.storeLocked(fp, s, index, data)
			s.mu.Unlock()
			out.Data, out.Tier = data, TierDisk
			metrics.AudioChunkRequestsTotal.WithLabelValues(TierDisk).Inc()
			return out, nil
		}
		wait, busy := s.inflight[index]
		if !busy {
			break
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
		// The owner may have failed; loop to re-check the tiers or take over.
	}
	if !s.beginLocked() {
		s.mu.Unlock()
		return Chunk{}, errSessionPurged
	}
	done := make(chan struct{})
	s.inflight[index] = done
	s.mu.Unlock()

	data, err := c.render(ctx, s, fp, source, index, start, dur)
	c.release(fp, s, index, done, data)
	s.wg.Done()
	if err != nil {
		metrics.AudioChunkRequestsTotal.WithLabelValues("failed").Inc()
		return Chunk{}, err
	}
	out.Data, out.Tier = data, TierTranscode
	metrics.AudioChunkRequestsTotal.WithLabelValues(TierTranscode).Inc()
	return out, nil
}

func (c *Cache) readDisk(path string) ([]byte, bool) {
	if !c.onDisk(path) {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil || int64(len(data)) <= c.cfg.MinSize {
		return nil, false
	}
	return data, true
}

func (c *Cache) storeLocked(fp domain.Fingerprint, s *sessionCache, index int, data []byte) {
	if evicted := s.memory.put(index, data); len(evicted) > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues("audio_memory").Add(float64(len(evicted)))
		c.logger.Debug("audio chunks evicted from memory",
			slog.String("fingerprint", fp.Short()),
			slog.Any("chunks", evicted),
		)
	}
}

// release stores a successful render and wakes waiters.
func (c *Cache) release(fp domain.Fingerprint, s *sessionCache, index int, done chan struct{}, data []byte) {
	s.mu.Lock()
	if data != nil {
		c.storeLocked(fp, s, index, data)
	}
	if s.inflight[index] == done {
		delete(s.inflight, index)
	}
	s.mu.Unlock()
	close(done)
}

// render transcodes one chunk. The disk copy is skipped once the session
// was purged.
func (c *Cache) render(ctx context.Context, s *sessionCache, fp domain.Fingerprint, source string, index int, start, dur float64) (data []byte, err error) {
	ctx, stop := sessionContext(ctx, s.ctx)
	defer stop()
	ctx, span := telemetry.StartSpan(ctx, "audio.render",
		attribute.String("fingerprint", fp.Short()),
		attribute.Int("chunk", index),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	path := c.path(fp, index)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audio mkdir: %w", err)
	}
	tmp := path + ".tmp"
	defer os.Remove(tmp)

	args := []string{"-hide_banner", "-loglevel", "error", "-y",
		"-ss", strconv.FormatFloat(start, 'f', 3, 64),
		"-i", source,
		"-t", strconv.FormatFloat(dur, 'f', 3, 64),
		"-vn", "-map", "0:a:0",
	}
	args = append(args, transcode.AudioArgs()...)
	args = append(args, "-f", "adts", tmp)

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	began := time.Now()
	err = c.runner.Run(runCtx, args)
	metrics.TranscodeEncodeDuration.WithLabelValues("audio").Observe(time.Since(began).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: audio chunk %d: %v", domain.ErrTranscodeFailed, index, err)
	}

	data, err = os.ReadFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("%w: audio chunk %d: %v", domain.ErrTranscodeFailed, index, err)
	}
	if int64(len(data)) <= c.cfg.MinSize {
		return nil, fmt.Errorf("%w: audio chunk %d produced %d bytes", domain.ErrTranscodeFailed, index, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil, errSessionPurged
	}
	if err := os.Rename(tmp, path); err != nil {
		// Memory tier still gets the data; the disk copy is best effort.
		c.logger.Warn("audio chunk persist failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
	return data, nil
}

// Prefetch renders up to count chunks after current in the background,
// skipping chunks that are cached or in flight. count <= 0 uses the default.
func (c *Cache) Prefetch(fp domain.Fingerprint, source string, current, count int) {
	if count <= 0 {
		count = c.cfg.Prefetch
	}
	s := c.session(fp)
	s.mu.Lock()
	total := s.duration
	if total <= 0 {
		s.mu.Unlock()
		return
	}
	n := ChunkCount(total, c.cfg.ChunkDuration)
	var claimed []int
	claims := make(map[int]chan struct{})
	for i := current + 1; i <= current+count && i < n; i++ {
		if _, busy := s.inflight[i]; busy || s.memory.contains(i) || c.onDisk(c.path(fp, i)) {
			continue
		}
		if !s.beginLocked() {
			break
		}
		done := make(chan struct{})
		s.inflight[i] = done
		claims[i] = done
		claimed = append(claimed, i)
	}
	s.mu.Unlock()

	for _, i := range claimed {
		done := claims[i]
		start, dur := c.window(i, total)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer s.wg.Done()
			data, err := c.render(s.ctx, s, fp, source, i, start, dur)
			if err != nil {
				c.logger.Debug("audio prefetch failed",
					slog.String("fingerprint", fp.Short()),
					slog.Int("chunk", i),
					slog.String("error", err.Error()),
				)
			}
			c.release(fp, s, i, done, data)
		}()
	}
}

// IsCached reports whether a chunk is available without transcoding.
func (c *Cache) IsCached(fp domain.Fingerprint, index int) bool {
	s := c.session(fp)
	s.mu.Lock()
	inMemory := s.memory.contains(index)
	s.mu.Unlock()
	return inMemory || c.onDisk(c.path(fp, index))
}

// CleanupOldChunks drops memory and disk entries more than keepRange chunks
// from current. keepRange <= 0 uses the configured default.
func (c *Cache) CleanupOldChunks(fp domain.Fingerprint, current, keepRange int) int {
	if keepRange <= 0 {
		keepRange = c.cfg.KeepRange
	}
	far := func(i int) bool { return i < current-keepRange || i > current+keepRange }

	removed := 0
	s := c.session(fp)
	s.mu.Lock()
	for _, i := range s.memory.indices() {
		if far(i) && s.memory.remove(i) {
			removed++
		}
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(c.dir(fp))
	if err == nil {
		for _, e := range entries {
			i, ok := parseChunkName(e.Name())
			if !ok || !far(i) {
				continue
			}
			if err := os.Remove(filepath.Join(c.dir(fp), e.Name())); err != nil {
				metrics.CacheCleanupErrors.WithLabelValues("audio").Inc()
				continue
			}
			removed++
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		metrics.CacheCleanupErrors.WithLabelValues("audio").Inc()
	}
	if removed > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues("audio").Add(float64(removed))
	}
	return removed
}

func parseChunkName(name string) (int, bool) {
	if !strings.HasPrefix(name, "chunk_") || !strings.HasSuffix(name, ".aac") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "chunk_"), ".aac"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Purge forgets a session, stops its renders and deletes its chunks.
func (c *Cache) Purge(fp domain.Fingerprint) {
	c.mu.Lock()
	s, ok := c.sessions[fp]
	delete(c.sessions, fp)
	c.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
		s.wg.Wait()
	}
	if err := os.RemoveAll(c.dir(fp)); err != nil {
		metrics.CacheCleanupErrors.WithLabelValues("audio").Inc()
		c.logger.Warn("audio purge failed",
			slog.String("fingerprint", fp.Short()),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}
