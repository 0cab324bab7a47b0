package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediastream",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediastream",
		Name:      "active_sessions",
		Help:      "Number of media sessions held by the registry.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediastream",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})

	SessionTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "session_transitions_total",
		Help:      "Total session lifecycle transitions by target state.",
	}, []string{"to"})

	SessionEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "session_evictions_total",
		Help:      "Total sessions evicted by the registry LRU.",
	})

	SchedulerReconfiguresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "scheduler_reconfigures_total",
		Help:      "Total priority plans pushed to the fetch engine by reason.",
	}, []string{"reason"})

	TranscodeActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediastream",
		Name:      "transcode_active_jobs",
		Help:      "Number of running transcode jobs.",
	})

	TranscodeJobStartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "transcode_job_starts_total",
		Help:      "Total transcode jobs started by kind.",
	}, []string{"kind"})

	TranscodeJobFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "transcode_job_failures_total",
		Help:      "Total transcode jobs that failed after retry by kind.",
	}, []string{"kind"})

	TranscodeRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "transcode_retries_total",
		Help:      "Total transcodes retried with the safe profile by producer.",
	}, []string{"producer"})

	TranscodeBusyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "transcode_busy_total",
		Help:      "Total submissions rejected because every transcode slot was taken.",
	})

	TranscodeEncodeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediastream",
		Name:      "transcode_encode_duration_seconds",
		Help:      "Duration of FFmpeg runs in seconds by producer.",
		Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 900},
	}, []string{"producer"})

	SegmentRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "segment_requests_total",
		Help:      "Total segment requests by result (hit, miss, failed).",
	}, []string{"result"})

	AudioChunkRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "audio_chunk_requests_total",
		Help:      "Total audio chunk requests by serving tier (memory, disk, transcode, failed).",
	}, []string{"tier"})

	CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "cache_evictions_total",
		Help:      "Total cache entries removed by cache name.",
	}, []string{"cache"})

	CacheCleanupErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediastream",
		Name:      "cache_cleanup_errors_total",
		Help:      "Total cache cleanup failures by cache name.",
	}, []string{"cache"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		PeersConnected,
		SessionTransitionsTotal,
		SessionEvictionsTotal,
		SchedulerReconfiguresTotal,
		TranscodeActiveJobs,
		TranscodeJobStartsTotal,
		TranscodeJobFailuresTotal,
		TranscodeRetriesTotal,
		TranscodeBusyTotal,
		TranscodeEncodeDuration,
		SegmentRequestsTotal,
		AudioChunkRequestsTotal,
		CacheEvictionsTotal,
		CacheCleanupErrors,
	)
}
