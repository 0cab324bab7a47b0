package domain

import (
	"fmt"
	"time"
)

// JobKind tags the flavour of a transcode job.
type JobKind string

const (
	JobKindFull  JobKind = "full"
	JobKindRange JobKind = "range"
)

type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobReady   JobState = "ready"
	JobFailed  JobState = "failed"
)

func (s JobState) Done() bool {
	return s == JobReady || s == JobFailed
}

// SubmitStatus is the outcome of a transcode submission.
type SubmitStatus string

const (
	SubmitStarted     SubmitStatus = "started"
	SubmitTranscoding SubmitStatus = "transcoding"
	SubmitReady       SubmitStatus = "ready"
	SubmitBusy        SubmitStatus = "busy"
	SubmitError       SubmitStatus = "error"
)

// JobKey identifies a transcode job. Start and Duration are only meaningful
// for range jobs.
type JobKey struct {
	Fingerprint Fingerprint
	Kind        JobKind
	Start       time.Duration
	Duration    time.Duration
}

func (k JobKey) String() string {
	if k.Kind == JobKindRange {
		return fmt.Sprintf("%s/%s/%d+%d", k.Fingerprint.Short(), k.Kind, int64(k.Start.Seconds()), int64(k.Duration.Seconds()))
	}
	return fmt.Sprintf("%s/%s", k.Fingerprint.Short(), k.Kind)
}

// JobProgress is the externally visible progress of a transcode job.
type JobProgress struct {
	JobID       string   `json:"jobId"`
	State       JobState `json:"state"`
	Percent     float64  `json:"progress"`
	SizeBytes   int64    `json:"sizeBytes"`
	CurrentTime float64  `json:"currentTime"`
	Duration    float64  `json:"duration"`
	Client      string   `json:"client,omitempty"`
	Error       string   `json:"error,omitempty"`
}
