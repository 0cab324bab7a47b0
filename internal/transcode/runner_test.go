package transcode

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

// TestHelperProcess is not a real test; it is the child process started by
// the runner tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	switch args[1] {
	case "ok":
		os.Exit(0)
	case "fail":
		fmt.Fprint(os.Stderr, "Invalid data found when processing input")
		os.Exit(1)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func helperRunner(t *testing.T) *ExecRunner {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	r := NewExecRunner(os.Args[0], nil)
	r.grace = 200 * time.Millisecond
	return r
}

func helperArgs(mode string) []string {
	return []string{"-test.run=TestHelperProcess", "--", mode}
}

func TestExecRunnerSuccess(t *testing.T) {
	r := helperRunner(t)
	if err := r.Run(context.Background(), helperArgs("ok")); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestExecRunnerFailureIncludesStderr(t *testing.T) {
	r := helperRunner(t)
	err := r.Run(context.Background(), helperArgs("fail"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("err = %v, want stderr tail", err)
	}
}

func TestExecRunnerTerminate(t *testing.T) {
	r := helperRunner(t)
	proc, err := r.Start(context.Background(), helperArgs("sleep"))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()
	proc.Terminate()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("terminated process exited cleanly")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Terminate")
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := NewExecRunner("/nonexistent/ffmpeg-binary", nil)
	if _, err := r.Start(context.Background(), nil); err == nil {
		t.Fatal("expected start error")
	}
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	b := &tailBuffer{limit: 8}
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	if got := b.String(); got != "lo world" {
		t.Fatalf("got %q", got)
	}
	n, _ := b.Write([]byte("0123456789"))
	if n != 10 {
		t.Fatalf("Write returned %d", n)
	}
	if got := b.String(); got != "23456789" {
		t.Fatalf("got %q", got)
	}
}
