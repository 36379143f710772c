// Command webpushd is a Web Push notification server.
//
// It loads (or generates) the VAPID identity, keeps browser subscriptions in
// SQLite, and exposes an HTTP API for subscribing and sending notifications:
//
//	GET  /api/vapid-public-key  application server key for PushManager.subscribe
//	POST /api/subscribe         register a subscription
//	POST /api/unsubscribe       remove a subscription by endpoint
//	POST /notify                send one notification to one subscription
//	POST /api/broadcast         send to every stored subscription
//
// All routes except the public key require the api_key header.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"

	"github.com/imjasonh/webpush-notificator"
	"github.com/imjasonh/webpush-notificator/keys"
	"github.com/imjasonh/webpush-notificator/storage"
	"github.com/imjasonh/webpush-notificator/vapid"
)

// Config is read from the environment.
type Config struct {
	Addr    string `env:"WEBPUSH_ADDR, default=:8080"`
	KeyPath string `env:"WEBPUSH_KEY_PATH, default=vapid.json"`
	// KMSKey is a Cloud KMS key version; when set it replaces KeyPath.
	KMSKey  string `env:"WEBPUSH_KMS_KEY"`
	Subject string `env:"WEBPUSH_SUBJECT, default=mailto:admin@example.com"`
	DBPath  string `env:"WEBPUSH_DB_PATH, default=subscriptions.db"`
	APIKey  string `env:"WEBPUSH_API_KEY, required"`

	MaxAttempts    int           `env:"WEBPUSH_MAX_ATTEMPTS, default=5"`
	AttemptTimeout time.Duration `env:"WEBPUSH_ATTEMPT_TIMEOUT, default=30s"`
	TokenTTL       time.Duration `env:"WEBPUSH_TOKEN_TTL, default=12h"`
	Concurrency    int           `env:"WEBPUSH_CONCURRENCY, default=16"`

	LogLevel slog.Level `env:"WEBPUSH_LOG_LEVEL, default=info"`
}

func loadConfig(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if err := keys.ValidateSubject(cfg.Subject); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("WEBPUSH_MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("WEBPUSH_CONCURRENCY must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.TokenTTL > vapid.MaxTTL {
		return nil, fmt.Errorf("WEBPUSH_TOKEN_TTL must not exceed %s", vapid.MaxTTL)
	}
	return &cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, envconfig.OsLookuper())
	if err != nil {
		clog.FromContext(ctx).Errorf("loading config: %v", err)
		os.Exit(1)
	}

	logger := clog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	ctx = clog.WithLogger(ctx, logger)

	if err := run(ctx, cfg); err != nil {
		logger.Errorf("webpushd: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	log := clog.FromContext(ctx)

	id, err := loadIdentity(ctx, cfg)
	if err != nil {
		return err
	}
	if c, ok := id.Signer.(io.Closer); ok {
		defer c.Close()
	}
	log.Infof("VAPID public key: %s", id.PublicKeyBase64())

	store, err := storage.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	log.Infof("SQLite storage initialized at %s", cfg.DBPath)

	tokens := vapid.NewTokenSigner(vapid.WithTTL(cfg.TokenTTL))
	client := webpush.NewClient(id, tokens).WithRetryPolicy(webpush.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		AttemptTimeout: cfg.AttemptTimeout,
	})

	srv := newServer(client, store, cfg.APIKey, cfg.Concurrency)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Addr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

func loadIdentity(ctx context.Context, cfg *Config) (*keys.Identity, error) {
	if cfg.KMSKey != "" {
		return keys.NewKMSIdentity(ctx, cfg.KMSKey, cfg.Subject)
	}
	return keys.NewManager(cfg.KeyPath, cfg.Subject).Identity(ctx)
}
