package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr           string
	MongoURI           string
	MongoDatabase      string
	MongoCollection    string
	RedisURL           string
	ProbeStoreTTL      time.Duration
	LogLevel           string
	LogFormat          string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	DataDir      string
	TranscodeDir string
	SegmentDir   string
	AudioDir     string
	FFMPEGPath   string
	FFProbePath  string

	MaxSessions     int
	MonitorInterval time.Duration
	MetadataTimeout time.Duration

	TranscodeMaxConcurrent   int
	TranscodeMaxCompleted    int
	TranscodeSafeMarginBytes int64
	ChunkDuration            time.Duration

	SegmentDuration time.Duration
	SegmentPrefetch int
	SegmentWorkers  int

	AudioChunkDuration time.Duration
	AudioMemoryCap     int
}

// LoadEnvFiles loads .env style files into the process environment. Variables
// that are already set win. A missing file is not an error.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func LoadConfig() Config {
	dataDir := getEnv("DATA_DIR", "data")
	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		MongoURI:           getEnv("MONGO_URI", ""),
		MongoDatabase:      getEnv("MONGO_DB", "mediastream"),
		MongoCollection:    getEnv("MONGO_SESSIONS_COLLECTION", "sessions"),
		RedisURL:           getEnv("REDIS_URL", ""),
		ProbeStoreTTL:      getEnvDuration("PROBE_STORE_TTL", 24*time.Hour),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		CORSAllowedOrigins: parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", 100)),

		DataDir:      dataDir,
		TranscodeDir: getEnv("TRANSCODE_DIR", dataDir+"/.transcode"),
		SegmentDir:   getEnv("SEGMENT_DIR", dataDir+"/.segments"),
		AudioDir:     getEnv("AUDIO_DIR", dataDir+"/.audio"),
		FFMPEGPath:   getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath:  getEnv("FFPROBE_PATH", "ffprobe"),

		MaxSessions:     int(getEnvInt64("MAX_SESSIONS", 5)),
		MonitorInterval: getEnvDuration("MONITOR_INTERVAL", 2*time.Second),
		MetadataTimeout: getEnvDuration("METADATA_TIMEOUT", 10*time.Minute),

		TranscodeMaxConcurrent:   int(getEnvInt64("TRANSCODE_MAX_CONCURRENT", 2)),
		TranscodeMaxCompleted:    int(getEnvInt64("TRANSCODE_MAX_COMPLETED", 5)),
		TranscodeSafeMarginBytes: getEnvInt64("TRANSCODE_SAFE_MARGIN_BYTES", 1<<20),
		ChunkDuration:            getEnvDuration("CHUNK_DURATION", 60*time.Second),

		SegmentDuration: getEnvDuration("SEGMENT_DURATION", 6*time.Second),
		SegmentPrefetch: int(getEnvInt64("SEGMENT_PREFETCH", 5)),
		SegmentWorkers:  int(getEnvInt64("SEGMENT_WORKERS", 4)),

		AudioChunkDuration: getEnvDuration("AUDIO_CHUNK_DURATION", 90*time.Second),
		AudioMemoryCap:     int(getEnvInt64("AUDIO_MEMORY_CAP", 10)),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("90s", "2m") or a bare number
// of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func parseCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
