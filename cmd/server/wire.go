package main

import (
	"context"
	"fmt"
	"net/http"

	"glasshub/internal/auth"
	"glasshub/internal/config"
	"glasshub/internal/database"
	"glasshub/internal/directory"
	"glasshub/internal/display"
	"glasshub/internal/lifecycle"
	"glasshub/internal/observe"
	"glasshub/internal/realtime"
	"glasshub/internal/session"
	"glasshub/internal/subscription"
	"glasshub/internal/transcription"
	"glasshub/internal/users"
	"glasshub/internal/watcher"
	"glasshub/internal/webhook"

	"go.uber.org/zap"
)

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *database.Client
	watcher *watcher.Watcher
	gateway *realtime.Server
}

func connectMongo(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*database.Client, error) {
	return database.Connect(ctx, database.Config{
		URI:              cfg.Mongo.URI,
		Database:         cfg.Mongo.Database,
		AppName:          "glasshub",
		MinPoolSize:      cfg.Mongo.MinPoolSize,
		MaxPoolSize:      cfg.Mongo.MaxPoolSize,
		OperationTimeout: cfg.Mongo.OperationTimeout,
	}, logger.Named("database"))
}

// openDirectory builds the configured app directory. A file directory is
// returned separately so the caller can watch it.
func openDirectory(ctx context.Context, cfg *config.Config, db *database.Client, logger *zap.Logger) (directory.Directory, *directory.File, error) {
	switch cfg.Directory.Source {
	case config.SourceFile:
		f, err := directory.LoadFile(cfg.Directory.File, logger.Named("directory"))
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	case config.SourceMongo:
		m := directory.NewMongo(db.Database(), db.OperationTimeout())
		if err := m.EnsureIndexes(ctx); err != nil {
			return nil, nil, err
		}
		return m, nil, nil
	default:
		return directory.NewMemory(), nil, nil
	}
}

func wireApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.UsesMongo() {
		db, err := connectMongo(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.db = db
	}

	dir, file, err := openDirectory(ctx, cfg, a.db, logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("open app directory: %w", err)
	}
	if file != nil && cfg.Directory.Watch {
		a.watcher = watcher.New(watcher.DefaultDebounce, file.OnChange, logger.Named("watcher"))
		if err := file.Watch(a.watcher); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("watch app directory: %w", err)
		}
	}

	var store users.Store = users.NewMemory()
	if cfg.Users.Source == config.SourceMongo {
		store = users.NewMongo(a.db.Database(), a.db.OperationTimeout())
	}

	var metrics http.Handler
	observers := observe.Multi{observe.NewLog(logger)}
	if cfg.Metrics.Enabled {
		prom := observe.NewPrometheus()
		observers = append(observers, prom)
		metrics = prom.Handler()
	}

	subs := subscription.NewRegistry()
	sessions := session.NewRegistry(session.Options{
		ReconnectGrace:    cfg.Session.ReconnectGrace,
		AudioBufferFrames: cfg.Session.AudioBufferFrames,
		Display: display.Options{
			Throttle:      cfg.Display.Throttle,
			BootDuration:  cfg.Display.BootDuration,
			SystemPackage: cfg.Apps.SystemPackage,
		},
	}, logger.Named("session"))

	hooks := webhook.New(nil, webhook.Options{
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		BaseDelay:      cfg.Webhook.BaseDelay,
		RequestTimeout: cfg.Webhook.RequestTimeout,
	}, logger.Named("webhook"))

	apps := lifecycle.NewManager(dir, subs, hooks, observers, lifecycle.Options{
		ActivationTimeout: cfg.Apps.ActivationTimeout,
	}, logger)

	a.gateway = realtime.New(realtime.Deps{
		Sessions:      sessions,
		Subscriptions: subs,
		Apps:          apps,
		Directory:     dir,
		Users:         store,
		Verifier:      auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.AllowAnonymous),
		Transcription: transcription.NewNop(),
		Observer:      observers,
		Metrics:       metrics,
	}, realtime.Options{
		SystemPackage:  cfg.Apps.SystemPackage,
		MicDebounce:    cfg.Microphone.Debounce,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.gateway != nil {
		a.gateway.Shutdown()
	}
	if a.watcher != nil {
		a.watcher.Shutdown()
	}
	if a.db != nil {
		if err := a.db.Close(ctx); err != nil {
			a.logger.Warn("close database", zap.Error(err))
		}
	}
}
