package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/tth/internal/config"
	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/httpapi"
	"github.com/ent0n29/tth/internal/logging"
	"github.com/ent0n29/tth/internal/memory"
	"github.com/ent0n29/tth/internal/observability"
	"github.com/ent0n29/tth/internal/pipeline"
	"github.com/ent0n29/tth/internal/provider"
	"github.com/ent0n29/tth/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "json").Fatal().Err(err).Msg("config error")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	tracer, shutdownTracing, err := observability.SetupTracing(ctx, "tth", cfg.TraceStdout)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing init failed")
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	historyStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("history store init failed")
	}
	defer historyStore.Close()

	catalog, err := control.LoadCatalog(cfg.PersonasFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("persona catalog load failed")
	}

	text, speech, avatar, closeProviders := buildProviders(ctx, cfg, logger)
	defer closeProviders()

	sessions := session.NewManager(catalog, cfg.SessionInactivityTimeout, cfg.DriftWindow)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		if m, ok := historyStore.(*memory.InMemoryStore); ok {
			m.Forget(s.ID)
		}
		logger.Info().Str("session_id", s.ID).Msg("session expired")
	})

	engine := pipeline.NewEngine(pipeline.Deps{
		Text:    text,
		Speech:  speech,
		Avatar:  avatar,
		History: historyStore,
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logger,
	}, pipeline.Config{
		QueueSize:       cfg.SegmentQueueSize,
		MinSegmentChars: cfg.MinSegmentChars,
		StageTimeout:    cfg.StageTimeout,
		DriftBudgetMs:   cfg.DriftBudgetMs,
		HistoryLimit:    cfg.HistoryLimit,
		FirstAudioSLO:   cfg.FirstAudioSLO,
	})

	api := httpapi.New(cfg, sessions, catalog, engine, metrics, logger, text, speech, avatar)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Int("personas", len(catalog.List())).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sessions.CloseAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("trace flush failed")
	}

	logger.Info().Msg("shutdown complete")
}

// buildProviders resolves the configured capabilities. Remote providers are
// wrapped with the mock as a fallback for streams that fail to start. The
// realtime text and speech capabilities share one connection, which the
// returned func closes.
func buildProviders(ctx context.Context, cfg config.Config, logger zerolog.Logger) (provider.TextGenerator, provider.SpeechSynthesizer, provider.AvatarRenderer, func()) {
	openai := provider.OpenAIConfig{
		BaseURL:     cfg.OpenAIBaseURL,
		APIKey:      cfg.OpenAIAPIKey,
		MaxAttempts: cfg.OpenAIMaxAttempts,
	}

	var realtime *provider.Realtime
	if cfg.TextProvider == "openai_realtime" || cfg.TTSProvider == "openai_realtime" {
		realtime = provider.NewRealtime(provider.RealtimeConfig{
			URL:    cfg.OpenAIRealtimeURL,
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIRealtimeModel,
		})
		go func() {
			prewarmCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			if err := realtime.Prewarm(prewarmCtx); err != nil {
				logger.Warn().Err(err).Msg("realtime prewarm failed")
			}
		}()
	}

	var text provider.TextGenerator = provider.NewMockText()
	switch cfg.TextProvider {
	case "openai":
		c := openai
		c.Model = cfg.OpenAITextModel
		text = provider.NewFailoverText(provider.NewOpenAIText(c), text)
	case "openai_realtime":
		text = provider.NewFailoverText(realtime.Text(), text)
	}

	var speech provider.SpeechSynthesizer = provider.NewMockSpeech()
	switch cfg.TTSProvider {
	case "openai":
		c := openai
		c.Model = cfg.OpenAITTSModel
		speech = provider.NewFailoverSpeech(provider.NewOpenAISpeech(c), speech)
	case "openai_realtime":
		speech = provider.NewFailoverSpeech(realtime.Speech(), speech)
	}

	avatar := provider.NewStubAvatar()
	avatar.FPS = cfg.AvatarFPS
	avatar.Pace = cfg.AvatarPace

	logger.Info().
		Str("text", text.Capabilities().Name).
		Str("speech", speech.Capabilities().Name).
		Str("avatar", avatar.Capabilities().Name).
		Msg("providers resolved")
	return text, speech, avatar, func() {
		if realtime != nil {
			_ = realtime.Close()
		}
	}
}
