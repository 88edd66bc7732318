package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	adapteranthropic "github.com/tokligence/tokligence-chat/internal/adapter/anthropic"
	"github.com/tokligence/tokligence-chat/internal/adapter/fallback"
	"github.com/tokligence/tokligence-chat/internal/adapter/loopback"
	adapteropenai "github.com/tokligence/tokligence-chat/internal/adapter/openai"
	adapterrouter "github.com/tokligence/tokligence-chat/internal/adapter/router"
	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/chat"
	chatpostgres "github.com/tokligence/tokligence-chat/internal/chat/postgres"
	chatsqlite "github.com/tokligence/tokligence-chat/internal/chat/sqlite"
	"github.com/tokligence/tokligence-chat/internal/config"
	"github.com/tokligence/tokligence-chat/internal/health"
	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/httpserver"
	"github.com/tokligence/tokligence-chat/internal/logging"
	"github.com/tokligence/tokligence-chat/internal/metrics"
	"github.com/tokligence/tokligence-chat/internal/ratelimit"
	"github.com/tokligence/tokligence-chat/internal/relay"
	"github.com/tokligence/tokligence-chat/internal/userstore"
	userstorepostgres "github.com/tokligence/tokligence-chat/internal/userstore/postgres"
	userstoresqlite "github.com/tokligence/tokligence-chat/internal/userstore/sqlite"
	"github.com/tokligence/tokligence-chat/internal/version"
)

const (
	maxLogBytes     = int64(300 * 1024 * 1024)
	shutdownTimeout = 10 * time.Second
	upstreamTimeout = 5 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadChatConfig(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:    cfg.LogLevel,
		File:     cfg.LogFile,
		MaxBytes: maxLogBytes,
		Console:  cfg.IsDevelopment(),
		Service:  "chatd",
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	logger.Info().Str("version", version.FullInfo()).Str("env", cfg.Environment).Msg("starting chatd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chatStore, err := openChatStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer chatStore.Close()

	identity, err := openIdentityStore(cfg)
	if err != nil {
		return err
	}
	defer identity.Close()

	if cfg.AuthSecret == config.DefaultAuthSecret {
		if !cfg.IsDevelopment() {
			return errors.New("auth_secret must be set outside the dev environment")
		}
		logger.Warn().Msg("using the built-in development auth secret")
	}
	authManager := auth.NewManager(cfg.AuthSecret, cfg.SessionTTL)

	persona, err := chat.LoadPersona(cfg.PersonaFile)
	if err != nil {
		return err
	}
	if cfg.PersonaFile == "" {
		persona = persona.WithModel(cfg.Model)
		persona.MaxCompletionTokens = cfg.MaxCompletionTokens
	}

	upstream, err := buildUpstream(cfg, persona.Model, logger)
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector()
	}

	var dispatcher *hooks.Dispatcher
	if handler := cfg.Hooks.BuildScriptHandler(); handler != nil {
		dispatcher = &hooks.Dispatcher{}
		dispatcher.Register(handler)
		logger.Info().Str("script", cfg.Hooks.ScriptPath).Msg("hooks dispatcher enabled")
	}
	defer dispatcher.Wait()

	targets := []health.Target{
		{Name: "chat_store", Type: health.TypeStorage, Pinger: chatStore},
		{Name: "identity_store", Type: health.TypeStorage, Pinger: identity},
	}
	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limitCfg := ratelimit.Config{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         float64(cfg.RateLimitBurst),
			Logger:            logger,
		}
		if cfg.RedisURL != "" {
			redisStore, err := ratelimit.NewRedisStore(ctx, cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("connect rate limit redis: %w", err)
			}
			limitCfg.Store = redisStore
			targets = append(targets, health.Target{Name: "redis", Type: health.TypeCache, Pinger: redisStore})
			logger.Info().Msg("rate limiting backed by redis")
		}
		limiter = ratelimit.NewLimiter(limitCfg)
		defer limiter.Close()
	}

	rl, err := relay.New(relay.Config{
		Store:    chatStore,
		Upstream: upstream,
		Persona:  persona,
		Logger:   logger.With().Str("component", "relay").Logger(),
		Metrics:  collector,
		Hooks:    dispatcher,
	})
	if err != nil {
		return err
	}

	srv, err := httpserver.New(httpserver.Config{
		Chat:             chatStore,
		Identity:         identity,
		Auth:             authManager,
		Relay:            rl,
		Limiter:          limiter,
		RateLimitEnabled: cfg.RateLimitEnabled,
		Health:           health.New(health.Config{Targets: targets, UpstreamURL: upstreamHealthURL(cfg), Version: version.Info()}),
		Metrics:          collector,
		MetricsEnabled:   cfg.MetricsEnabled,
		Hooks:            dispatcher,
		Logger:           logger.With().Str("component", "http").Logger(),
		CORSOrigins:      cfg.CORSOrigins,
		SecureCookies:    !cfg.IsDevelopment(),
	})
	if err != nil {
		return err
	}

	// WriteTimeout stays zero: reply streams outlive any fixed write deadline.
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress).Str("model", persona.Model).Msg("chat server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

func openChatStore(ctx context.Context, cfg config.ChatConfig) (chat.Store, error) {
	if cfg.DatabaseDSN != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := chatpostgres.New(connectCtx, cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("open chat store: %w", err)
		}
		return store, nil
	}
	store, err := chatsqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	return store, nil
}

func openIdentityStore(cfg config.ChatConfig) (userstore.Store, error) {
	if cfg.IdentityDSN != "" {
		store, err := userstorepostgres.New(cfg.IdentityDSN, userstorepostgres.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("open identity store: %w", err)
		}
		return store, nil
	}
	store, err := userstoresqlite.New(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	return store, nil
}

// buildUpstream registers the configured providers on a model router and
// resolves the adapter that will serve model. When provider credentials are
// present, failed opens are retried before the request fails.
func buildUpstream(cfg config.ChatConfig, model string, logger zerolog.Logger) (adapter.ChatAdapter, error) {
	r := adapterrouter.New()
	lb := loopback.New()
	_ = r.RegisterAdapter("loopback", lb)

	var openaiRegistered, anthropicRegistered bool
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		oa, err := adapteropenai.New(adapteropenai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Organization:   cfg.OpenAIOrg,
			RequestTimeout: upstreamTimeout,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("openai adapter init failed")
		} else if err := r.RegisterAdapter("openai", oa); err == nil {
			openaiRegistered = true
		}
	}
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		aa, err := adapteranthropic.New(adapteranthropic.Config{
			APIKey:         cfg.AnthropicAPIKey,
			BaseURL:        cfg.AnthropicBaseURL,
			Version:        cfg.AnthropicVersion,
			RequestTimeout: upstreamTimeout,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("anthropic adapter init failed")
		} else if err := r.RegisterAdapter("anthropic", aa); err == nil {
			anthropicRegistered = true
		}
	}

	if len(cfg.Routes) > 0 {
		for pattern, name := range cfg.Routes {
			if err := r.RegisterRoute(pattern, name); err != nil {
				logger.Warn().Err(err).Str("pattern", pattern).Str("adapter", name).Msg("route rule rejected")
			}
		}
	} else {
		_ = r.RegisterRoute("loopback", "loopback")
		if openaiRegistered {
			_ = r.RegisterRoute("gpt-*", "openai")
		}
		if anthropicRegistered {
			_ = r.RegisterRoute("claude*", "anthropic")
		}
	}

	fallbackName := cfg.FallbackAdapter
	if fallbackName == "" {
		fallbackName = "loopback"
	}
	if err := r.SetFallback(fallbackName); err != nil {
		return nil, fmt.Errorf("fallback adapter: %w", err)
	}
	served, err := r.GetAdapterForModel(model)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", model, err)
	}
	logger.Info().
		Strs("adapters", r.ListAdapters()).
		Interface("routes", r.ListRoutes()).
		Str("fallback", fallbackName).
		Str("model", model).
		Str("model_adapter", served).
		Msg("upstream routing configured")

	if !openaiRegistered && !anthropicRegistered {
		logger.Warn().Msg("no provider credentials configured; replies come from the loopback adapter")
		return r, nil
	}
	return fallback.New(fallback.Config{
		Adapters:   []adapter.ChatAdapter{r},
		RetryCount: 2,
		RetryDelay: 500 * time.Millisecond,
	})
}

func upstreamHealthURL(cfg config.ChatConfig) string {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return ""
	}
	if cfg.OpenAIBaseURL != "" {
		return cfg.OpenAIBaseURL
	}
	return "https://api.openai.com/v1"
}
