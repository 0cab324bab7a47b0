package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"mediastream/internal/domain/ports"
)

const (
	defaultGrace   = 2 * time.Second
	stderrTailSize = 4 << 10
)

// ExecRunner starts FFmpeg as a child process. Terminate sends SIGTERM and
// the process is killed once the grace period expires.
type ExecRunner struct {
	path   string
	grace  time.Duration
	logger *slog.Logger
}

func NewExecRunner(path string, logger *slog.Logger) *ExecRunner {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{path: path, grace: defaultGrace, logger: logger}
}

func (r *ExecRunner) Start(ctx context.Context, args []string) (ports.Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, r.path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.grace

	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", r.path, err)
	}
	r.logger.Debug("ffmpeg started", slog.Int("pid", cmd.Process.Pid))
	return &execProcess{cmd: cmd, cancel: cancel, stderr: stderr}, nil
}

func (r *ExecRunner) Run(ctx context.Context, args []string) error {
	proc, err := r.Start(ctx, args)
	if err != nil {
		return err
	}
	return proc.Wait()
}

type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *tailBuffer
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.cancel()
	if err == nil {
		return nil
	}
	if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

func (p *execProcess) Terminate() {
	p.cancel()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(p) > b.limit {
		p = p[len(p)-b.limit:]
	}
	if over := b.buf.Len() + len(p) - b.limit; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
