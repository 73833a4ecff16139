package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/voxlab/voxcoach/internal/coach"
	"github.com/voxlab/voxcoach/internal/config"
	"github.com/voxlab/voxcoach/internal/export"
	"github.com/voxlab/voxcoach/internal/feedback"
	"github.com/voxlab/voxcoach/internal/httpapi"
	"github.com/voxlab/voxcoach/internal/logging"
	"github.com/voxlab/voxcoach/internal/observability"
	"github.com/voxlab/voxcoach/internal/realtime"
	"github.com/voxlab/voxcoach/internal/registry"
	"github.com/voxlab/voxcoach/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archive, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("session store init failed")
	}
	defer archive.Close()
	if cfg.DatabaseURL == "" {
		log.Info().Msg("session store: in-memory")
	} else {
		log.Info().Msg("session store: postgres")
	}

	exporter := export.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer exporter.Close()

	var fb feedback.Strategy
	if cfg.FeedbackHTTPURL != "" {
		fb = feedback.NewHTTPStrategy(cfg.FeedbackHTTPURL, cfg.UpstreamAPIKey, cfg.FeedbackTimeout)
		log.Info().Str("url", cfg.FeedbackHTTPURL).Msg("feedback strategy: http")
	} else {
		log.Info().Msg("feedback strategy: disabled, sessions end transcript-only")
	}

	profile := coach.InterviewProfile(cfg.CoachTurnBudget)
	hasProvider := strings.TrimSpace(cfg.UpstreamAPIKey) != ""
	if !hasProvider {
		log.Warn().Msg("UPSTREAM_API_KEY not set, sessions will start degraded")
	}

	sessions := registry.New(func(id string) *coach.Session {
		var transport coach.Transport
		if hasProvider {
			transport = realtime.New(realtime.Config{
				APIKey:         cfg.UpstreamAPIKey,
				WSBaseURL:      cfg.UpstreamWSBaseURL,
				Model:          cfg.UpstreamModel,
				Voice:          profile.Voice,
				Instructions:   profile.Instructions,
				Modalities:     []string{"audio", "text"},
				ConnectTimeout: cfg.UpstreamConnectTimeout,
				WriteTimeout:   cfg.UpstreamWriteTimeout,
			})
		}
		return coach.NewSession(id, coach.Config{
			Transport:       transport,
			Profile:         profile,
			Feedback:        fb,
			Metrics:         metrics,
			SettleDelay:     cfg.SessionSettleDelay,
			CommitMinMS:     cfg.CommitMinBufferedMS,
			CommitInterval:  cfg.CommitMaxInterval,
			FeedbackTimeout: cfg.FeedbackTimeout,
		})
	}, metrics)

	api := httpapi.New(cfg, sessions, archive, exporter, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sessions.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
