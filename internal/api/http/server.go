package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mediastream/internal/audiochunk"
	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/scheduler"
	"mediastream/internal/segment"
	"mediastream/internal/services/session"
	"mediastream/internal/transcode"
)

type SessionRegistry interface {
	Open(ctx context.Context, descriptor, title string) (domain.StreamStatus, error)
	Status(fp domain.Fingerprint) (domain.StreamStatus, error)
	List() []domain.StreamStatus
	Seek(fp domain.Fingerprint, position float64) (scheduler.Availability, error)
	Availability(fp domain.Fingerprint, position float64) (scheduler.Availability, error)
	Target(fp domain.Fingerprint) (session.Target, error)
	Stop(ctx context.Context, fp domain.Fingerprint) error
}

type Transcoder interface {
	Submit(req transcode.Request) (domain.SubmitStatus, error)
	Progress(key domain.JobKey) (domain.JobProgress, error)
	Artifact(key domain.JobKey) (transcode.Artifact, error)
	Wait(ctx context.Context, key domain.JobKey) error
	Cancel(client string) bool
}

type SegmentCache interface {
	Manifest(ctx context.Context, fp domain.Fingerprint, source string) (segment.Manifest, error)
	Segment(ctx context.Context, fp domain.Fingerprint, source string, index int) (string, error)
	Info(ctx context.Context, fp domain.Fingerprint, source string) (segment.Info, error)
	Cleanup(fp domain.Fingerprint, current, keepRange int) int
}

type AudioCache interface {
	Info(ctx context.Context, fp domain.Fingerprint, source string) (audiochunk.Info, error)
	Chunk(ctx context.Context, fp domain.Fingerprint, source string, index int) (audiochunk.Chunk, error)
	Prefetch(fp domain.Fingerprint, source string, current, count int)
	IsCached(fp domain.Fingerprint, index int) bool
	CleanupOldChunks(fp domain.Fingerprint, current, keepRange int) int
	ChunkDuration() time.Duration
}

const (
	defaultChunkDuration = 60 * time.Second
	chunkWaitTimeout     = 2 * time.Minute
	startTimeout         = 30 * time.Second
)

type Server struct {
	sessions       SessionRegistry
	transcoder     Transcoder
	segments       SegmentCache
	audio          AudioCache
	prober         ports.MediaProber
	chunkDuration  time.Duration
	allowedOrigins []string
	rateRPS        float64
	rateBurst      int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithTranscoder(t Transcoder) ServerOption {
	return func(s *Server) {
		s.transcoder = t
	}
}

func WithSegments(c SegmentCache) ServerOption {
	return func(s *Server) {
		s.segments = c
	}
}

func WithAudio(c AudioCache) ServerOption {
	return func(s *Server) {
		s.audio = c
	}
}

// WithProber sets the prober used to learn source durations for progress
// reporting and time-range chunks.
func WithProber(p ports.MediaProber) ServerOption {
	return func(s *Server) {
		s.prober = p
	}
}

// WithChunkDuration sets the window length of time-range chunks.
func WithChunkDuration(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.chunkDuration = d
		}
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithRateLimit sets the global request budget. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(sessions SessionRegistry, opts ...ServerOption) *Server {
	s := &Server{
		sessions:      sessions,
		chunkDuration: defaultChunkDuration,
		rateRPS:       100,
		rateBurst:     200,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/streams", s.handleStreams)
	mux.HandleFunc("/streams/", s.handleStreamByID)
	mux.HandleFunc("/transcode", s.handleTranscodeCancel)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "mediastream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/ws" && !strings.Contains(p, "/hls/segment_")
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if s.sessions != nil {
		s.wsHub.sendTo(client, "streams", s.sessions.List())
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// BroadcastStatuses sends every session status to all WebSocket clients.
func (s *Server) BroadcastStatuses() {
	if s.sessions == nil {
		return
	}
	s.wsHub.Broadcast("streams", s.sessions.List())
}

// Close disconnects all WebSocket clients.
func (s *Server) Close() {
	s.wsHub.Close()
}
