package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
)

const testFP = domain.Fingerprint("0123456789abcdef0123456789abcdef01234567")

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeRunner) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.MinFullSize == 0 {
		cfg.MinFullSize = 100
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.NewProgress == nil {
		cfg.NewProgress = func(string) ports.ProgressSource { return &fakeProgress{} }
	}
	r := &fakeRunner{}
	m := NewManager(cfg, r, nil)
	t.Cleanup(m.Close)
	return m, r
}

func fullKey(fp domain.Fingerprint) domain.JobKey {
	return domain.JobKey{Fingerprint: fp, Kind: domain.JobKindFull}
}

func rangeKey(start int) domain.JobKey {
	return domain.JobKey{
		Fingerprint: testFP,
		Kind:        domain.JobKindRange,
		Start:       time.Duration(start) * time.Second,
		Duration:    60 * time.Second,
	}
}

func submit(t *testing.T, m *Manager, key domain.JobKey, client string) domain.SubmitStatus {
	t.Helper()
	status, err := m.Submit(Request{Key: key, Source: "/data/movie.mkv", Duration: 120, Client: client})
	if err != nil {
		t.Fatalf("Submit(%s): %v", key, err)
	}
	return status
}

func TestSubmitBusyStartsNoProcess(t *testing.T) {
	m, r := newTestManager(t, Config{MaxConcurrent: 2})

	if got := submit(t, m, rangeKey(0), "a"); got != domain.SubmitStarted {
		t.Fatalf("first = %s", got)
	}
	if got := submit(t, m, rangeKey(60), "b"); got != domain.SubmitStarted {
		t.Fatalf("second = %s", got)
	}
	r.proc(t, 1)

	if got := submit(t, m, rangeKey(120), "c"); got != domain.SubmitBusy {
		t.Fatalf("third = %s, want busy", got)
	}
	time.Sleep(20 * time.Millisecond)
	if r.count() != 2 {
		t.Fatalf("processes started = %d, want 2", r.count())
	}
	if m.ActiveJobs() != 2 {
		t.Fatalf("active = %d", m.ActiveJobs())
	}
}

func TestSubmitSupersedesClientJob(t *testing.T) {
	m, r := newTestManager(t, Config{MaxConcurrent: 1})

	submit(t, m, rangeKey(0), "viewer")
	first := r.proc(t, 0)

	// Only one slot: the superseded job must release it before the busy check.
	if got := submit(t, m, rangeKey(60), "viewer"); got != domain.SubmitStarted {
		t.Fatalf("second submit = %s, want started", got)
	}
	if !first.terminated.Load() {
		t.Fatal("previous job was not terminated")
	}
	r.proc(t, 1)

	if _, err := m.Progress(rangeKey(0)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("superseded job still tracked: %v", err)
	}
	if m.ActiveJobs() != 1 {
		t.Fatalf("active = %d, want 1", m.ActiveJobs())
	}
}

func TestSubmitJoinsRunningJobAndTakesOwnership(t *testing.T) {
	m, r := newTestManager(t, Config{})

	submit(t, m, fullKey(testFP), "a")
	r.proc(t, 0)

	if got := submit(t, m, fullKey(testFP), "b"); got != domain.SubmitTranscoding {
		t.Fatalf("got %s, want transcoding", got)
	}
	if r.count() != 1 {
		t.Fatalf("duplicate process started")
	}
	p, err := m.Progress(fullKey(testFP))
	if err != nil {
		t.Fatal(err)
	}
	if p.Client != "b" {
		t.Fatalf("owner = %q, want b", p.Client)
	}
	if m.Cancel("a") {
		t.Fatal("previous owner can still cancel the job")
	}
}

func TestSubmitReadyIsIdempotent(t *testing.T) {
	m, r := newTestManager(t, Config{})
	key := fullKey(testFP)

	submit(t, m, key, "a")
	r.proc(t, 0).succeed(t, 500)
	if err := m.Wait(context.Background(), key); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := submit(t, m, key, "a"); got != domain.SubmitReady {
		t.Fatalf("got %s, want ready", got)
	}
	if r.count() != 1 {
		t.Fatalf("processes = %d, want 1", r.count())
	}
	p, _ := m.Progress(key)
	if p.Percent != 100 || p.State != domain.JobReady || p.SizeBytes != 500 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestSubmitReadyStillSupersedesClientJob(t *testing.T) {
	m, r := newTestManager(t, Config{})
	other := domain.Fingerprint("89abcdef0123456789abcdef0123456789abcdef")

	submit(t, m, fullKey(testFP), "b")
	r.proc(t, 0).succeed(t, 500)
	if err := m.Wait(context.Background(), fullKey(testFP)); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	submit(t, m, fullKey(other), "a")
	running := r.proc(t, 1)

	if got := submit(t, m, fullKey(testFP), "a"); got != domain.SubmitReady {
		t.Fatalf("got %s, want ready", got)
	}
	if !running.terminated.Load() {
		t.Fatal("client's running job on another key was not terminated")
	}
	if m.ActiveJobs() != 0 {
		t.Fatalf("active = %d, want 0", m.ActiveJobs())
	}
	if _, err := m.Progress(fullKey(other)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("superseded job still tracked: %v", err)
	}
}

func TestReadyOutputFailingSizeCheckIsRegenerated(t *testing.T) {
	m, r := newTestManager(t, Config{})
	key := fullKey(testFP)

	submit(t, m, key, "a")
	first := r.proc(t, 0)
	first.succeed(t, 500)
	if err := m.Wait(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(first.output(), 10); err != nil {
		t.Fatal(err)
	}

	if got := submit(t, m, key, "a"); got != domain.SubmitStarted {
		t.Fatalf("got %s, want started", got)
	}
	r.proc(t, 1)
}

func TestRetryWithSafeProfile(t *testing.T) {
	m, r := newTestManager(t, Config{})
	key := fullKey(testFP)

	submit(t, m, key, "a")
	first := r.proc(t, 0)
	if !containsArg(first.args, "copy") {
		t.Fatalf("first attempt args = %v", first.args)
	}
	first.finish(errors.New("exit status 1"))

	second := r.proc(t, 1)
	if !containsArg(second.args, "libx264") {
		t.Fatalf("retry args = %v, want libx264", second.args)
	}
	second.succeed(t, 200)

	if err := m.Wait(context.Background(), key); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestFailsAfterRetry(t *testing.T) {
	m, r := newTestManager(t, Config{})
	key := fullKey(testFP)

	submit(t, m, key, "a")
	r.proc(t, 0).finish(errors.New("exit status 1"))
	// Clean exit with an undersized output also counts as a failure.
	r.proc(t, 1).succeed(t, 10)

	err := m.Wait(context.Background(), key)
	if !errors.Is(err, domain.ErrTranscodeFailed) {
		t.Fatalf("err = %v, want ErrTranscodeFailed", err)
	}
	p, _ := m.Progress(key)
	if p.State != domain.JobFailed || p.Error == "" {
		t.Fatalf("progress = %+v", p)
	}
	if m.ActiveJobs() != 0 {
		t.Fatalf("active = %d", m.ActiveJobs())
	}
	if _, err := m.Artifact(key); err == nil {
		t.Fatal("failed job exposed an artifact")
	}
}

func TestSafeReadableSize(t *testing.T) {
	m, r := newTestManager(t, Config{SafeMargin: 100})
	key := fullKey(testFP)

	submit(t, m, key, "a")
	proc := r.proc(t, 0)

	if got, err := m.SafeReadableSize(key); err != nil || got != 0 {
		t.Fatalf("before output: %d, %v", got, err)
	}
	if err := os.WriteFile(proc.output(), make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.SafeReadableSize(key); got != 900 {
		t.Fatalf("running size = %d, want 900", got)
	}
	a, _ := m.Artifact(key)
	if a.Complete {
		t.Fatal("running artifact reported complete")
	}

	proc.finish(nil)
	if err := m.Wait(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.SafeReadableSize(key); got != 1000 {
		t.Fatalf("ready size = %d, want 1000", got)
	}
	if _, err := m.SafeReadableSize(rangeKey(0)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown key err = %v", err)
	}
}

func TestProgressFromSource(t *testing.T) {
	src := &fakeProgress{}
	m, r := newTestManager(t, Config{
		NewProgress: func(string) ports.ProgressSource { return src },
	})
	key := fullKey(testFP)

	submit(t, m, key, "a")
	r.proc(t, 0)
	src.set(30)

	eventually(t, func() bool {
		p, _ := m.Progress(key)
		return p.Percent == 25 && p.CurrentTime == 30
	})

	src.set(500)
	eventually(t, func() bool {
		p, _ := m.Progress(key)
		return p.Percent == 99
	})
}

func TestProgressUnknownDurationIsZero(t *testing.T) {
	src := &fakeProgress{}
	m, r := newTestManager(t, Config{
		NewProgress: func(string) ports.ProgressSource { return src },
	})
	key := fullKey(testFP)
	if _, err := m.Submit(Request{Key: key, Source: "/data/a.mkv", Client: "a"}); err != nil {
		t.Fatal(err)
	}
	r.proc(t, 0)
	src.set(40)
	eventually(t, func() bool {
		p, _ := m.Progress(key)
		return p.CurrentTime == 40
	})
	if p, _ := m.Progress(key); p.Percent != 0 {
		t.Fatalf("percent = %v, want 0", p.Percent)
	}
}

func TestKeepsMaxCompletedJobs(t *testing.T) {
	m, r := newTestManager(t, Config{MaxCompleted: 2})

	var outputs []string
	for i := 0; i < 3; i++ {
		fp := domain.Fingerprint(strings.Repeat(string(rune('a'+i)), 40))
		submit(t, m, fullKey(fp), "a")
		p := r.proc(t, i)
		outputs = append(outputs, p.output())
		p.succeed(t, 200)
		if err := m.Wait(context.Background(), fullKey(fp)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := os.Stat(outputs[0]); !os.IsNotExist(err) {
		t.Fatalf("oldest output still on disk: %v", err)
	}
	for _, out := range outputs[1:] {
		if _, err := os.Stat(out); err != nil {
			t.Fatalf("recent output removed: %v", err)
		}
	}
	if _, err := m.Progress(fullKey(domain.Fingerprint(strings.Repeat("a", 40)))); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("oldest job still tracked")
	}
}

func TestCancelClient(t *testing.T) {
	m, r := newTestManager(t, Config{})
	key := rangeKey(0)

	submit(t, m, key, "viewer")
	p := r.proc(t, 0)

	if !m.Cancel("viewer") {
		t.Fatal("Cancel reported nothing to cancel")
	}
	if !p.terminated.Load() {
		t.Fatal("process not terminated")
	}
	if m.Cancel("viewer") {
		t.Fatal("second Cancel should be a no-op")
	}
	if m.ActiveJobs() != 0 {
		t.Fatalf("active = %d", m.ActiveJobs())
	}
}

func TestWaitReportsCancellation(t *testing.T) {
	m, r := newTestManager(t, Config{})
	key := rangeKey(0)
	submit(t, m, key, "viewer")
	r.proc(t, 0)

	j, _ := m.lookup(key)
	m.Cancel("viewer")
	<-j.done

	state, _, err := j.snapshot()
	if state != domain.JobFailed || !errors.Is(err, ErrCancelled) {
		t.Fatalf("state=%s err=%v", state, err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	m, r := newTestManager(t, Config{})
	key := fullKey(testFP)
	submit(t, m, key, "a")
	r.proc(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestPurgeSession(t *testing.T) {
	m, r := newTestManager(t, Config{})
	running := rangeKey(0)
	done := fullKey(testFP)

	submit(t, m, done, "a")
	r.proc(t, 0).succeed(t, 200)
	if err := m.Wait(context.Background(), done); err != nil {
		t.Fatal(err)
	}
	submit(t, m, running, "b")
	p := r.proc(t, 1)

	m.PurgeSession(testFP)

	if !p.terminated.Load() {
		t.Fatal("running job not terminated")
	}
	for _, key := range []domain.JobKey{running, done} {
		if _, err := m.Progress(key); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("%s still tracked", key)
		}
	}
	if _, err := os.Stat(filepath.Join(m.cfg.Dir, testFP.String())); !os.IsNotExist(err) {
		t.Fatalf("session directory still present: %v", err)
	}
}

func TestRangeJobArgs(t *testing.T) {
	m, r := newTestManager(t, Config{})
	submit(t, m, rangeKey(120), "a")
	args := r.proc(t, 0).args

	ss, in, tt := indexOf(args, "-ss"), indexOf(args, "-i"), indexOf(args, "-t")
	if ss < 0 || in < 0 || tt < 0 || ss > in || tt < in {
		t.Fatalf("unexpected arg order: %v", args)
	}
	if args[ss+1] != "120.000" || args[tt+1] != "60.000" {
		t.Fatalf("window args = %s/%s", args[ss+1], args[tt+1])
	}
	if !containsArg(args, "-progress") || args[len(args)-2] != "mp4" {
		t.Fatalf("args = %v", args)
	}
}

func TestSubmitRejectsEmptySource(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	status, err := m.Submit(Request{Key: fullKey(testFP), Client: "a"})
	if status != domain.SubmitError || !errors.Is(err, domain.ErrTranscodeFailed) {
		t.Fatalf("status=%s err=%v", status, err)
	}
}

func TestStartFailureRetriesThenFails(t *testing.T) {
	m, r := newTestManager(t, Config{})
	r.startErr = errors.New("no ffmpeg")
	key := fullKey(testFP)

	submit(t, m, key, "a")
	if err := m.Wait(context.Background(), key); err == nil {
		t.Fatal("expected failure")
	}
	if m.ActiveJobs() != 0 {
		t.Fatalf("active = %d", m.ActiveJobs())
	}
}

func containsArg(args []string, want string) bool {
	return indexOf(args, want) >= 0
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}
