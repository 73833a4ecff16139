package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice-coaching service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	LogLevel  string
	LogFormat string

	// Upstream realtime provider (duplex audio/text socket).
	UpstreamAPIKey         string
	UpstreamWSBaseURL      string
	UpstreamModel          string
	UpstreamConnectTimeout time.Duration
	UpstreamWriteTimeout   time.Duration
	SessionSettleDelay     time.Duration

	// Coach profile tuning. Turn budget and termination phrases are product
	// defaults, overridable per deployment.
	CoachProfile    string
	CoachTurnBudget int

	// Audio upload commit thresholds.
	CommitMinBufferedMS float64
	CommitMaxInterval   time.Duration

	// Feedback generation endpoint (LLM completion proxy). Empty disables
	// feedback; sessions still return transcripts.
	FeedbackHTTPURL string
	FeedbackTimeout time.Duration

	// Server-sent event stream keep-alive interval.
	SSEKeepAlive time.Duration

	DatabaseURL string

	// Session-completed event export. Log-only when no brokers are set.
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "voxcoach"),
		LogLevel:          envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("APP_LOG_FORMAT", "json"),
		UpstreamAPIKey:    envTrimmed("UPSTREAM_API_KEY"),
		UpstreamWSBaseURL: envOrDefault("UPSTREAM_WS_BASE_URL", "wss://api.openai.com"),
		UpstreamModel:     envOrDefault("UPSTREAM_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		CoachProfile:      envOrDefault("COACH_PROFILE", "interview"),
		FeedbackHTTPURL:   envTrimmed("FEEDBACK_HTTP_URL"),
		KafkaTopic:        envOrDefault("KAFKA_SESSION_TOPIC", "coach.session.completed"),
		DatabaseURL:       envTrimmed("DATABASE_URL"),

		ShutdownTimeout:        15 * time.Second,
		UpstreamConnectTimeout: 15 * time.Second,
		UpstreamWriteTimeout:   10 * time.Second,
		SessionSettleDelay:     500 * time.Millisecond,
		CoachTurnBudget:        12,
		CommitMinBufferedMS:    320,
		CommitMaxInterval:      1200 * time.Millisecond,
		FeedbackTimeout:        60 * time.Second,
		SSEKeepAlive:           15 * time.Second,
	}

	if brokers := envTrimmed("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamConnectTimeout, err = durationFromEnv("UPSTREAM_CONNECT_TIMEOUT", cfg.UpstreamConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamWriteTimeout, err = durationFromEnv("UPSTREAM_WRITE_TIMEOUT", cfg.UpstreamWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSettleDelay, err = durationFromEnv("SESSION_SETTLE_DELAY", cfg.SessionSettleDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.CommitMaxInterval, err = durationFromEnv("COMMIT_MAX_INTERVAL", cfg.CommitMaxInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.FeedbackTimeout, err = durationFromEnv("FEEDBACK_TIMEOUT", cfg.FeedbackTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SSEKeepAlive, err = durationFromEnv("SSE_KEEPALIVE_INTERVAL", cfg.SSEKeepAlive)
	if err != nil {
		return Config{}, err
	}
	cfg.CoachTurnBudget, err = intFromEnv("COACH_TURN_BUDGET", cfg.CoachTurnBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.CommitMinBufferedMS, err = floatFromEnv("COMMIT_MIN_BUFFERED_MS", cfg.CommitMinBufferedMS)
	if err != nil {
		return Config{}, err
	}

	if cfg.CoachTurnBudget <= 0 {
		return Config{}, fmt.Errorf("COACH_TURN_BUDGET must be positive")
	}
	if cfg.CommitMinBufferedMS <= 0 {
		return Config{}, fmt.Errorf("COMMIT_MIN_BUFFERED_MS must be positive")
	}
	if cfg.CommitMaxInterval <= 0 {
		return Config{}, fmt.Errorf("COMMIT_MAX_INTERVAL must be positive")
	}
	if cfg.SSEKeepAlive < time.Second {
		return Config{}, fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be at least 1s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
