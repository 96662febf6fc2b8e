// Command server starts the botforge control-plane service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"botforge/internal/ai"
	"botforge/internal/api"
	"botforge/internal/bot"
	"botforge/internal/breaker"
	"botforge/internal/bus"
	"botforge/internal/config"
	"botforge/internal/crypto"
	"botforge/internal/models"
	"botforge/internal/observability/logging"
	"botforge/internal/observability/metrics"
	"botforge/internal/platform"
	"botforge/internal/quota"
	"botforge/internal/server"
	"botforge/internal/stats"
	"botforge/internal/storage"
	"botforge/internal/supervisor"
	"botforge/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	repo, repoClose, err := openRepository(cfg)
	if err != nil {
		logger.Error("failed to open datastore", "driver", cfg.StorageDriver, "error", err)
		os.Exit(1)
	}

	redisClient, err := openRedis(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}

	rateLimit := server.RateLimitConfig{
		GlobalRPS:   cfg.GlobalRPS,
		GlobalBurst: cfg.GlobalBurst,
		AuthLimit:   cfg.AuthLimit,
		AuthWindow:  cfg.AuthWindow,
	}

	var quotaStore quota.CounterStore = quota.NewMemoryStore()
	var busOpts []bus.Option
	if redisClient != nil {
		quotaStore = quota.NewRedisStore(redisClient)
		busOpts = append(busOpts, bus.WithDurableSink(bus.NewRedisStream(redisClient, cfg.EventStream)))
		rateLimit.RedisAddr = redisClient.Options().Addr
		rateLimit.RedisPassword = redisClient.Options().Password
	}
	tracker := quota.NewTracker(quotaStore, logger)
	events := bus.New(logger, busOpts...)

	box, err := crypto.NewBox([]byte(cfg.SessionSecret))
	if err != nil {
		logger.Error("failed to build token box", "error", err)
		os.Exit(1)
	}
	signer, err := crypto.NewSigner([]byte(cfg.SessionSecret))
	if err != nil {
		logger.Error("failed to build overlay signer", "error", err)
		os.Exit(1)
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		logger.Error("failed to configure oauth providers", "error", err)
		os.Exit(1)
	}
	tokens := token.NewManager(repo, box, logger, providers)

	circuits := breaker.New(logger, breaker.WithHooks(breaker.Hooks{
		OnStateChange: func(p models.Platform, from, to models.CircuitState) {
			events.Publish(bus.Event{
				Type:     bus.TypeCircuitChange,
				Platform: p,
				Payload:  map[string]string{"from": string(from), "to": string(to)},
			})
		},
		Persist: func(health models.PlatformHealth) {
			if err := repo.SavePlatformHealth(health); err != nil {
				logger.Warn("failed to persist platform health", "platform", health.Platform, "error", err)
			}
		},
	}))
	for _, p := range models.ChatPlatforms() {
		if health, ok := repo.GetPlatformHealth(p); ok {
			circuits.Restore(health)
		}
	}

	var generator ai.Generator
	var moderator bot.Moderator
	aiClient, err := ai.NewClient(ai.Config{
		LocalURL:  cfg.OllamaURL,
		LocalOnly: cfg.LocalAIOnly,
		APIKey:    cfg.OpenAIAPIKey,
		Timeout:   cfg.AITimeout,
	}, logger)
	switch {
	case err == nil:
		generator = aiClient
		moderator = aiClient
	case errors.Is(err, ai.ErrNoBackend):
		logger.Info("automated posting disabled: no ai backend configured")
	default:
		logger.Error("failed to configure ai backend", "error", err)
		os.Exit(1)
	}

	adapters := map[models.Platform]platform.Adapter{
		models.PlatformTwitch:  platform.NewTwitchAdapter(logger, cfg.OAuth[models.PlatformTwitch].ClientID),
		models.PlatformYouTube: platform.NewYouTubeAdapter(logger),
		models.PlatformKick:    platform.NewKickAdapter(logger),
	}

	var spotify *platform.SpotifyClient
	if _, ok := cfg.OAuth[models.PlatformSpotify]; ok {
		// Workers rebind the token source to their own tenant.
		spotify = platform.NewSpotifyClient(logger, nil)
	}

	sup := supervisor.New(supervisor.Config{
		Repo:      repo,
		Logger:    logger,
		Events:    events,
		Adapters:  adapters,
		Tokens:    tokens,
		Quota:     tracker,
		Breaker:   circuits,
		AI:        generator,
		Moderator: moderator,
		Spotify:   spotify,
		Rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	})

	tokens.OnDisconnect = func(tenantID string, _ models.Platform) {
		sup.ReloadBot(tenantID)
	}
	tokens.OnAlert = func(alert models.TokenExpiryAlert) {
		events.Publish(bus.Event{
			Type:     bus.TypeTokenAlert,
			TenantID: alert.TenantID,
			Platform: alert.Platform,
			Payload: map[string]string{
				"alertType": string(alert.AlertType),
				"expiresAt": alert.TokenExpiresAt.UTC().Format(time.RFC3339),
			},
		})
	}

	handler := &api.Handler{
		Repo:         repo,
		Control:      sup,
		OAuth:        tokens,
		Stats:        stats.New(repo),
		Bus:          events,
		Signer:       signer,
		Quota:        tracker,
		ServiceToken: cfg.ServiceToken,
		SettingsURL:  cfg.SettingsURL,
		Logger:       logger,
	}

	srv, err := server.New(handler, server.Config{
		Addr:        cfg.Addr,
		TLS:         server.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		RateLimit:   rateLimit,
		CORS:        server.CORSConfig{AdminOrigins: cfg.AdminOrigins, OverlayOrigins: cfg.OverlayOrigins},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to configure server", "error", err)
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	go sup.Run(workerCtx)
	go tokens.Run(workerCtx)
	go metrics.Collect(workerCtx, events, recorder)

	logger.Info("server starting",
		"addr", cfg.Addr,
		"storage", cfg.StorageDriver,
		"redis", redisClient != nil,
		"providers", len(providers),
		"tls", cfg.TLSCert != "")

	errs := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	events.Close()

	if repoClose != nil {
		if err := repoClose(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close redis client", "error", err)
		}
	}

	logger.Info("server stopped")
}

// openRepository selects the datastore. The returned closer is nil for the
// in-memory store.
func openRepository(cfg config.Config) (storage.Repository, func(context.Context) error, error) {
	switch cfg.StorageDriver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pg, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             cfg.DatabaseURL,
			ApplicationName: "botforge",
		})
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return storage.NewStorage(), nil, nil
	}
}

func openRedis(rawURL string) (*redis.Client, error) {
	if rawURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func buildProviders(cfg config.Config) ([]token.Provider, error) {
	platforms := []models.Platform{
		models.PlatformTwitch,
		models.PlatformYouTube,
		models.PlatformKick,
		models.PlatformSpotify,
	}
	providers := make([]token.Provider, 0, len(platforms))
	for _, p := range platforms {
		creds, ok := cfg.OAuth[p]
		if !ok {
			continue
		}
		provider, err := token.NewProvider(p, token.ProviderCredentials{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURI:  creds.RedirectURI,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	return providers, nil
}
