// Package app wires configuration, storage, and the relay registry into
// a runnable server process.
package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mcprelay/internal/aggregator"
	"mcprelay/internal/config"
	"mcprelay/internal/events"
	"mcprelay/internal/relay"
	"mcprelay/internal/storage"
	"mcprelay/internal/storage/file"
	"mcprelay/internal/storage/memory"
	"mcprelay/internal/storage/redis"
	"mcprelay/pkg/logging"
	"mcprelay/pkg/oauth"
)

const (
	shutdownTimeout = 10 * time.Second
	cleanupInterval = time.Minute
)

// Config carries the serve command's flags.
type Config struct {
	// ConfigPath overrides the default configuration directory.
	ConfigPath string

	// Debug forces debug-level logging regardless of configuration.
	Debug bool
}

// Application owns the process-wide components.
type Application struct {
	cfg      config.Config
	store    storage.Store
	bus      *events.Bus
	registry *relay.Registry
	server   *http.Server
}

// NewApplication loads configuration and assembles the application.
func NewApplication(appCfg Config) (*Application, error) {
	configPath := appCfg.ConfigPath
	if configPath == "" {
		var err error
		configPath, err = config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if appCfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	store, err := buildStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}

	bus := events.NewBus()

	registry, err := relay.NewRegistry(relay.RegistryConfig{
		Store:             store,
		Bus:               bus,
		OAuth:             oauth.NewClient(),
		Authenticator:     buildAuthenticator(cfg.Server.AuthToken),
		ClientName:        cfg.OAuth.ClientName,
		Scopes:            cfg.OAuth.Scopes,
		CallbackBaseURL:   cfg.OAuth.CallbackBaseURL,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		Sessions: relay.SessionSettings{
			BatchSize:      cfg.Sessions.BatchSize,
			ConnectTimeout: cfg.Sessions.ConnectTimeout,
			MaxRetries:     cfg.Sessions.MaxRetries,
			RetryDelay:     cfg.Sessions.RetryDelay,
			Naming:         aggregator.NamingPolicy(cfg.Sessions.Naming),
		},
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	app := &Application{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		registry: registry,
	}
	app.server = &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port)),
		Handler: newHandler(cfg, registry),
	}
	return app, nil
}

// buildStore constructs the configured storage backend.
func buildStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendFile:
		return file.New(cfg.File.Path)
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return redis.New(redis.Config{Client: client, KeyPrefix: cfg.Redis.Prefix})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// buildAuthenticator returns a bearer-token check, or nil when no token
// is configured.
func buildAuthenticator(authToken string) relay.Authenticator {
	if authToken == "" {
		return nil
	}
	expected := []byte(authToken)
	return relay.AuthenticatorFunc(func(ctx context.Context, identity, token string) error {
		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			return errors.New("invalid bearer token")
		}
		return nil
	})
}

// Run serves until the context is canceled, then shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("App", "Listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go a.cleanupLoop(cleanupCtx)

	var runErr error
	select {
	case runErr = <-errCh:
		logging.Error("App", runErr, "HTTP server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logging.Warn("App", "HTTP shutdown incomplete: %v", err)
	}

	a.registry.Shutdown()
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		logging.Warn("App", "Storage close failed: %v", err)
	}
	return runErr
}

// cleanupLoop periodically sweeps expired sessions on backends without
// native expiry.
func (a *Application) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.store.CleanupExpiredSessions(ctx)
			if err != nil {
				logging.Warn("App", "Session cleanup failed: %v", err)
				continue
			}
			if removed > 0 {
				logging.Debug("App", "Session cleanup removed %d expired entries", removed)
			}
		}
	}
}
