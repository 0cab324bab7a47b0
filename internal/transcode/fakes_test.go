package transcode

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediastream/internal/domain/ports"
)

type fakeProcess struct {
	args       []string
	exit       chan error
	once       sync.Once
	terminated atomic.Bool
}

func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) Terminate() {
	p.terminated.Store(true)
	p.finish(errors.New("signal: terminated"))
}

func (p *fakeProcess) finish(err error) {
	p.once.Do(func() { p.exit <- err })
}

// output is the last argument, which every builder uses for the output path.
func (p *fakeProcess) output() string { return p.args[len(p.args)-1] }

// succeed writes size bytes to the output and exits cleanly.
func (p *fakeProcess) succeed(t *testing.T, size int) {
	t.Helper()
	if err := os.WriteFile(p.output(), make([]byte, size), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	p.finish(nil)
}

type fakeRunner struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	startErr error
}

func (r *fakeRunner) Start(_ context.Context, args []string) (ports.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	p := &fakeProcess{args: append([]string(nil), args...), exit: make(chan error, 1)}
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRunner) Run(ctx context.Context, args []string) error {
	p, err := r.Start(ctx, args)
	if err != nil {
		return err
	}
	return p.Wait()
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *fakeRunner) proc(t *testing.T, i int) *fakeProcess {
	t.Helper()
	eventually(t, func() bool { return r.count() > i })
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[i]
}

type fakeProgress struct {
	mu  sync.Mutex
	pos float64
}

func (f *fakeProgress) set(pos float64) {
	f.mu.Lock()
	f.pos = pos
	f.mu.Unlock()
}

func (f *fakeProgress) Position() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, false
}

func (f *fakeProgress) Close() error { return nil }

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
