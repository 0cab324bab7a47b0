// Package transcode supervises FFmpeg jobs that turn a partially fetched
// source into a progressively playable MP4.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/metrics"
	"mediastream/internal/telemetry"
)

// ErrCancelled is returned by Wait when the job was superseded or cancelled.
var ErrCancelled = errors.New("transcode cancelled")

type Config struct {
	Dir           string
	MaxConcurrent int
	MaxCompleted  int
	// SafeMargin is withheld from the end of a growing output.
	SafeMargin   int64
	MinFullSize  int64
	MinRangeSize int64
	PollInterval time.Duration
	NewProgress  func(path string) ports.ProgressSource
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = filepath.Join(os.TempDir(), "mediastream", "transcode")
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.MaxCompleted <= 0 {
		c.MaxCompleted = 5
	}
	if c.SafeMargin <= 0 {
		c.SafeMargin = 1 << 20
	}
	if c.MinFullSize <= 0 {
		c.MinFullSize = 1 << 20
	}
	if c.MinRangeSize <= 0 {
		c.MinRangeSize = 10000
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.NewProgress == nil {
		c.NewProgress = func(path string) ports.ProgressSource { return NewFileProgress(path) }
	}
	return c
}

// Request describes a job submission. Duration is the probed source
// duration in seconds; zero means unknown.
type Request struct {
	Key      domain.JobKey
	Source   string
	Duration float64
	Client   string
}

// Artifact is the servable view of a job's output.
type Artifact struct {
	Path     string
	SafeSize int64
	Complete bool
}

type job struct {
	id           string
	key          domain.JobKey
	source       string
	output       string
	progressPath string
	duration     float64
	created      time.Time
	done         chan struct{}
	cancelled    atomic.Bool

	mu       sync.Mutex
	client   string
	state    domain.JobState
	current  float64
	err      error
	proc     ports.Process
	finished time.Time
}

func (j *job) snapshot() (domain.JobState, float64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.current, j.err
}

func (j *job) terminate() {
	j.mu.Lock()
	proc := j.proc
	j.mu.Unlock()
	if proc != nil {
		proc.Terminate()
	}
}

// Manager runs at most MaxConcurrent jobs. Each client owns at most one
// running job; a new submission supersedes the previous one.
type Manager struct {
	cfg    Config
	runner ports.Runner
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	jobs     map[domain.JobKey]*job
	byClient map[string]*job
	active   int
	closed   bool
}

func NewManager(cfg Config, runner ports.Runner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg.withDefaults(),
		runner:   runner,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[domain.JobKey]*job),
		byClient: make(map[string]*job),
	}
}

func (m *Manager) minSize(kind domain.JobKind) int64 {
	if kind == domain.JobKindRange {
		return m.cfg.MinRangeSize
	}
	return m.cfg.MinFullSize
}

// Submit starts or joins a job for req.Key. Busy is a backpressure signal
// and is returned with a nil error.
func (m *Manager) Submit(req Request) (domain.SubmitStatus, error) {
	if req.Source == "" {
		return domain.SubmitError, fmt.Errorf("%w: empty source path", domain.ErrTranscodeFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.SubmitError, fmt.Errorf("%w: manager closed", domain.ErrTranscodeFailed)
	}

	if existing, ok := m.jobs[req.Key]; ok {
		state, _, _ := existing.snapshot()
		switch {
		case state == domain.JobReady && fileSize(existing.output) >= m.minSize(req.Key.Kind):
			m.supersedeLocked(req.Client, existing)
			return domain.SubmitReady, nil
		case !state.Done():
			m.supersedeLocked(req.Client, existing)
			m.assignLocked(existing, req.Client)
			return domain.SubmitTranscoding, nil
		default:
			// Failed, or a ready output that no longer passes the size check.
			m.dropLocked(existing)
		}
	}

	m.supersedeLocked(req.Client, nil)

	if m.active >= m.cfg.MaxConcurrent {
		metrics.TranscodeBusyTotal.Inc()
		m.logger.Info("transcode busy",
			slog.String("key", req.Key.String()),
			slog.Int("active", m.active),
		)
		return domain.SubmitBusy, nil
	}

	id := uuid.NewString()
	dir := filepath.Join(m.cfg.Dir, req.Key.Fingerprint.String())
	j := &job{
		id:           id,
		key:          req.Key,
		source:       req.Source,
		output:       filepath.Join(dir, outputName(req.Key, id)),
		progressPath: filepath.Join(dir, id+".progress"),
		duration:     req.Duration,
		created:      m.now(),
		done:         make(chan struct{}),
		client:       req.Client,
		state:        domain.JobPending,
	}
	m.jobs[req.Key] = j
	if req.Client != "" {
		m.byClient[req.Client] = j
	}
	m.active++
	metrics.TranscodeActiveJobs.Set(float64(m.active))
	metrics.TranscodeJobStartsTotal.WithLabelValues(string(req.Key.Kind)).Inc()

	m.wg.Add(1)
	go m.run(j)
	return domain.SubmitStarted, nil
}

func outputName(key domain.JobKey, id string) string {
	if key.Kind == domain.JobKindRange {
		return "range_" + strconv.FormatInt(int64(key.Start.Seconds()), 10) + "_" + id + ".mp4"
	}
	return "full_" + id + ".mp4"
}

// supersedeLocked cancels the client's running job unless it is keep.
func (m *Manager) supersedeLocked(client string, keep *job) {
	if client == "" {
		return
	}
	prev, ok := m.byClient[client]
	if !ok || prev == keep {
		return
	}
	delete(m.byClient, client)
	state, _, _ := prev.snapshot()
	if state.Done() {
		return
	}
	m.logger.Info("transcode superseded",
		slog.String("key", prev.key.String()),
		slog.String("client", client),
	)
	m.cancelLocked(prev)
}

func (m *Manager) assignLocked(j *job, client string) {
	if client == "" {
		return
	}
	j.mu.Lock()
	prevOwner := j.client
	j.client = client
	j.mu.Unlock()
	if prevOwner != "" && prevOwner != client && m.byClient[prevOwner] == j {
		delete(m.byClient, prevOwner)
	}
	m.byClient[client] = j
}

// cancelLocked releases the job's slot immediately; the process exits in
// the background within the runner's grace period.
func (m *Manager) cancelLocked(j *job) {
	if !j.cancelled.CompareAndSwap(false, true) {
		return
	}
	if m.jobs[j.key] == j {
		delete(m.jobs, j.key)
	}
	for client, owned := range m.byClient {
		if owned == j {
			delete(m.byClient, client)
		}
	}
	m.active--
	metrics.TranscodeActiveJobs.Set(float64(m.active))
	j.terminate()
}

// dropLocked forgets a finished job and removes its output.
func (m *Manager) dropLocked(j *job) {
	if m.jobs[j.key] == j {
		delete(m.jobs, j.key)
	}
	for client, owned := range m.byClient {
		if owned == j {
			delete(m.byClient, client)
		}
	}
	if err := os.Remove(j.output); err != nil && !os.IsNotExist(err) {
		metrics.CacheCleanupErrors.WithLabelValues("transcode").Inc()
		m.logger.Warn("transcode output remove failed",
			slog.String("path", j.output),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) run(j *job) {
	defer m.wg.Done()

	ctx, span := telemetry.StartSpan(m.ctx, "transcode.job",
		attribute.String("job.id", j.id),
		attribute.String("job.key", j.key.String()),
	)

	j.mu.Lock()
	j.state = domain.JobRunning
	j.mu.Unlock()

	err := m.attempt(ctx, j, CopyProfile)
	if err != nil && !j.cancelled.Load() && ctx.Err() == nil {
		metrics.TranscodeRetriesTotal.WithLabelValues("job").Inc()
		m.logger.Warn("transcode failed, retrying with safe profile",
			slog.String("key", j.key.String()),
			slog.String("error", err.Error()),
		)
		err = m.attempt(ctx, j, SafeProfile)
	}
	telemetry.EndSpan(span, err)
	m.finish(j, err)
}

func (m *Manager) attempt(ctx context.Context, j *job, p Profile) error {
	if j.cancelled.Load() {
		return ErrCancelled
	}
	if err := os.MkdirAll(filepath.Dir(j.output), 0o755); err != nil {
		return fmt.Errorf("transcode mkdir: %w", err)
	}
	_ = os.Remove(j.output)
	_ = os.Remove(j.progressPath)

	var start, duration time.Duration
	if j.key.Kind == domain.JobKindRange {
		start, duration = j.key.Start, j.key.Duration
	}
	args := mp4Args(j.source, j.output, j.progressPath, start, duration, p)

	began := time.Now()
	proc, err := m.runner.Start(ctx, args)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.proc = proc
	j.mu.Unlock()
	// A cancel that raced with Start saw no process to terminate.
	if j.cancelled.Load() {
		proc.Terminate()
	}

	src := m.cfg.NewProgress(j.progressPath)
	stop := make(chan struct{})
	polled := make(chan struct{})
	go m.pollProgress(j, src, stop, polled)

	waitErr := proc.Wait()
	close(stop)
	<-polled
	_ = src.Close()
	_ = os.Remove(j.progressPath)

	j.mu.Lock()
	j.proc = nil
	j.mu.Unlock()

	metrics.TranscodeEncodeDuration.WithLabelValues("job").Observe(time.Since(began).Seconds())

	if j.cancelled.Load() {
		return ErrCancelled
	}
	if waitErr != nil {
		return fmt.Errorf("%w: %s profile: %v", domain.ErrTranscodeFailed, p.Name, waitErr)
	}
	if size := fileSize(j.output); size < m.minSize(j.key.Kind) {
		return fmt.Errorf("%w: %s profile produced %d bytes", domain.ErrTranscodeFailed, p.Name, size)
	}
	return nil
}

func (m *Manager) pollProgress(j *job, src ports.ProgressSource, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			pos, _ := src.Position()
			j.mu.Lock()
			j.current = pos
			j.mu.Unlock()
			return
		case <-ticker.C:
			pos, _ := src.Position()
			j.mu.Lock()
			j.current = pos
			j.mu.Unlock()
		}
	}
}

func (m *Manager) finish(j *job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(j.done)

	if j.cancelled.Load() {
		_ = os.Remove(j.output)
		j.mu.Lock()
		j.state = domain.JobFailed
		j.err = ErrCancelled
		j.finished = m.now()
		j.mu.Unlock()
		return
	}

	m.active--
	metrics.TranscodeActiveJobs.Set(float64(m.active))

	j.mu.Lock()
	j.finished = m.now()
	if err != nil {
		j.state = domain.JobFailed
		j.err = err
	} else {
		j.state = domain.JobReady
	}
	j.mu.Unlock()

	if err != nil {
		metrics.TranscodeJobFailuresTotal.WithLabelValues(string(j.key.Kind)).Inc()
		m.logger.Error("transcode failed",
			slog.String("key", j.key.String()),
			slog.String("error", err.Error()),
		)
		_ = os.Remove(j.output)
		return
	}
	m.logger.Info("transcode ready",
		slog.String("key", j.key.String()),
		slog.Int64("size", fileSize(j.output)),
	)
	m.pruneCompletedLocked()
}

// pruneCompletedLocked keeps the MaxCompleted most recently finished jobs.
func (m *Manager) pruneCompletedLocked() {
	var finished []*job
	for _, j := range m.jobs {
		if state, _, _ := j.snapshot(); state.Done() {
			finished = append(finished, j)
		}
	}
	if len(finished) <= m.cfg.MaxCompleted {
		return
	}
	sort.Slice(finished, func(a, b int) bool {
		return finished[a].finishedAt().After(finished[b].finishedAt())
	})
	for _, j := range finished[m.cfg.MaxCompleted:] {
		m.dropLocked(j)
		metrics.CacheEvictionsTotal.WithLabelValues("transcode").Inc()
	}
}

func (j *job) finishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

func (m *Manager) lookup(key domain.JobKey) (*job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key]
	return j, ok
}

// Progress reports a job's state. Percent stays below 100 until the job is
// ready and is 0 when the source duration is unknown.
func (m *Manager) Progress(key domain.JobKey) (domain.JobProgress, error) {
	j, ok := m.lookup(key)
	if !ok {
		return domain.JobProgress{}, domain.ErrNotFound
	}
	state, current, err := j.snapshot()
	j.mu.Lock()
	client := j.client
	j.mu.Unlock()

	p := domain.JobProgress{
		JobID:       j.id,
		State:       state,
		SizeBytes:   fileSize(j.output),
		CurrentTime: current,
		Duration:    j.duration,
		Client:      client,
	}
	switch {
	case state == domain.JobReady:
		p.Percent = 100
	case j.duration > 0:
		p.Percent = current / j.duration * 100
		if p.Percent > 99 {
			p.Percent = 99
		}
		if p.Percent < 0 {
			p.Percent = 0
		}
	}
	if err != nil {
		p.Error = err.Error()
	}
	return p, nil
}

// Artifact returns the job output with the size that is safe to serve.
func (m *Manager) Artifact(key domain.JobKey) (Artifact, error) {
	j, ok := m.lookup(key)
	if !ok {
		return Artifact{}, domain.ErrNotFound
	}
	state, _, err := j.snapshot()
	size := fileSize(j.output)
	switch state {
	case domain.JobReady:
		return Artifact{Path: j.output, SafeSize: size, Complete: true}, nil
	case domain.JobFailed:
		return Artifact{}, err
	}
	safe := size - m.cfg.SafeMargin
	if safe < 0 {
		safe = 0
	}
	return Artifact{Path: j.output, SafeSize: safe}, nil
}

// SafeReadableSize is the byte count of the job output that the writer will
// not touch again.
func (m *Manager) SafeReadableSize(key domain.JobKey) (int64, error) {
	a, err := m.Artifact(key)
	if err != nil {
		return 0, err
	}
	return a.SafeSize, nil
}

// Wait blocks until the job finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, key domain.JobKey) error {
	j, ok := m.lookup(key)
	if !ok {
		return domain.ErrNotFound
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-j.done:
	}
	state, _, err := j.snapshot()
	if state == domain.JobReady {
		return nil
	}
	if errors.Is(err, ErrCancelled) {
		return ErrCancelled
	}
	if err == nil {
		err = domain.ErrTranscodeFailed
	}
	return err
}

// Cancel stops the client's running job. It reports whether one was found.
func (m *Manager) Cancel(client string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byClient[client]
	if !ok {
		return false
	}
	delete(m.byClient, client)
	if state, _, _ := j.snapshot(); state.Done() {
		return false
	}
	m.cancelLocked(j)
	return true
}

// PurgeSession cancels and removes every job of a session.
func (m *Manager) PurgeSession(fp domain.Fingerprint) {
	m.mu.Lock()
	for key, j := range m.jobs {
		if key.Fingerprint != fp {
			continue
		}
		if state, _, _ := j.snapshot(); state.Done() {
			m.dropLocked(j)
		} else {
			m.cancelLocked(j)
		}
	}
	m.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(m.cfg.Dir, fp.String())); err != nil {
		metrics.CacheCleanupErrors.WithLabelValues("transcode").Inc()
		m.logger.Warn("transcode purge failed",
			slog.String("fingerprint", fp.Short()),
			slog.String("error", err.Error()),
		)
	}
}

// ActiveJobs returns the number of running jobs.
func (m *Manager) ActiveJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close cancels all running jobs and waits for their processes to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, j := range m.jobs {
		if state, _, _ := j.snapshot(); !state.Done() {
			m.cancelLocked(j)
		}
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}
