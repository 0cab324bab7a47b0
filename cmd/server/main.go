package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "mediastream/internal/api/http"
	"mediastream/internal/app"
	"mediastream/internal/audiochunk"
	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/metrics"
	mongorepo "mediastream/internal/repository/mongo"
	"mediastream/internal/scheduler"
	"mediastream/internal/segment"
	"mediastream/internal/services/session"
	"mediastream/internal/services/torrent/engine/anacrolix"
	"mediastream/internal/services/torrent/engine/ffprobe"
	"mediastream/internal/telemetry"
	"mediastream/internal/transcode"
)

const (
	serviceName     = "mediastream"
	probeCacheTTL   = 10 * time.Minute
	broadcastPeriod = 2 * time.Second
)

func main() {
	if err := app.LoadEnvFiles(); err != nil {
		slog.Warn("env file load failed", slog.String("error", err.Error()))
	}
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("dataDir", cfg.DataDir),
		slog.Int("maxSessions", cfg.MaxSessions),
		slog.Int("transcodeMaxConcurrent", cfg.TranscodeMaxConcurrent),
		slog.Bool("persistence", cfg.MongoURI != ""),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var repo ports.SessionRepository
	mongoClient, sessionRepo := connectMongo(rootCtx, cfg, logger)
	if sessionRepo != nil {
		repo = sessionRepo
	}

	engine, err := anacrolix.New(anacrolix.Config{DataDir: cfg.DataDir}, logger)
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	prober := ffprobe.NewCached(ffprobe.New(cfg.FFProbePath), probeCacheTTL)
	redisClient := connectRedis(cfg, logger)
	if redisClient != nil {
		prober.WithStore(ffprobe.NewRedisStore(redisClient), cfg.ProbeStoreTTL, logger)
	}
	runner := transcode.NewExecRunner(cfg.FFMPEGPath, logger)

	transcoder := transcode.NewManager(transcode.Config{
		Dir:           cfg.TranscodeDir,
		MaxConcurrent: cfg.TranscodeMaxConcurrent,
		MaxCompleted:  cfg.TranscodeMaxCompleted,
		SafeMargin:    cfg.TranscodeSafeMarginBytes,
	}, runner, logger)

	segmentPrefetch := cfg.SegmentPrefetch
	if segmentPrefetch == 0 {
		// Zero from the environment means "off"; the cache treats 0 as default.
		segmentPrefetch = -1
	}
	segments := segment.NewCache(segment.Config{
		Dir:             cfg.SegmentDir,
		SegmentDuration: cfg.SegmentDuration,
		Prefetch:        segmentPrefetch,
		Workers:         cfg.SegmentWorkers,
	}, runner, prober, logger)

	audio := audiochunk.NewCache(audiochunk.Config{
		Dir:           cfg.AudioDir,
		ChunkDuration: cfg.AudioChunkDuration,
		MemoryCap:     cfg.AudioMemoryCap,
	}, runner, prober, logger)

	registry := session.NewRegistry(session.Config{
		DataDir:         cfg.DataDir,
		MaxSessions:     cfg.MaxSessions,
		PollInterval:    cfg.MonitorInterval,
		MetadataTimeout: cfg.MetadataTimeout,
	}, engine, scheduler.New(scheduler.DefaultConfig(), logger), repo, logger)
	registry.OnStop(transcoder.PurgeSession)
	registry.OnStop(segments.Purge)
	registry.OnStop(audio.Purge)

	// Restore in the background so the HTTP server starts immediately.
	go func() {
		n, err := registry.Restore(rootCtx)
		if err != nil {
			logger.Warn("session restore failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			logger.Info("sessions restored", slog.Int("count", n))
		}
	}()

	handler := apihttp.NewServer(registry,
		apihttp.WithLogger(logger),
		apihttp.WithTranscoder(transcoder),
		apihttp.WithSegments(segments),
		apihttp.WithAudio(audio),
		apihttp.WithProber(prober),
		apihttp.WithChunkDuration(cfg.ChunkDuration),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	go broadcastStatuses(rootCtx, registry, handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	registry.Close()
	transcoder.Close()
	segments.Close()
	audio.Close()
	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

// connectMongo opens the session store. Persistence is optional: an empty
// URI or an unreachable server leaves both results nil.
func connectMongo(ctx context.Context, cfg app.Config, logger *slog.Logger) (*mongo.Client, *mongorepo.SessionRepository) {
	if strings.TrimSpace(cfg.MongoURI) == "" {
		logger.Info("mongo disabled, sessions will not survive restarts")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Warn("mongo connect failed", slog.String("error", err.Error()))
		return nil, nil
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		logger.Warn("mongo ping failed", slog.String("error", err.Error()))
		_ = client.Disconnect(context.Background())
		return nil, nil
	}

	repo := mongorepo.NewSessionRepository(client, cfg.MongoDatabase, cfg.MongoCollection)
	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	return client, repo
}

// connectRedis returns nil when no URL is configured or the server is not
// reachable; probe results then stay in process memory only.
func connectRedis(cfg app.Config, logger *slog.Logger) *redis.Client {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory probe cache only", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory probe cache only", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", opts.Addr))
	return client
}

// broadcastStatuses pushes session statuses to WebSocket clients and keeps the
// peer gauge current.
func broadcastStatuses(ctx context.Context, registry *session.Registry, handler *apihttp.Server) {
	ticker := time.NewTicker(broadcastPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.PeersConnected.Set(float64(totalPeers(registry.List())))
			handler.BroadcastStatuses()
		}
	}
}

func totalPeers(statuses []domain.StreamStatus) int {
	total := 0
	for _, st := range statuses {
		total += st.Peers
	}
	return total
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
