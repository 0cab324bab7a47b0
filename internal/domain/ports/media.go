package ports

import (
	"context"

	"mediastream/internal/domain"
)

type MediaProber interface {
	Probe(ctx context.Context, filePath string) (domain.MediaInfo, error)
}

// Process is a running transcoder subprocess.
type Process interface {
	// Wait blocks until the process exits and returns its exit error.
	Wait() error
	// Terminate asks the process to stop and kills it after grace.
	Terminate()
}

// Runner starts transcoder subprocesses.
type Runner interface {
	Start(ctx context.Context, args []string) (Process, error)
	// Run executes to completion and returns combined stderr on failure.
	Run(ctx context.Context, args []string) error
}

// ProgressSource reports how far into the source timeline a transcode has
// advanced.
type ProgressSource interface {
	// Position returns the latest encoded timestamp and whether the tool
	// reported it finished.
	Position() (pos float64, finished bool)
	Close() error
}
