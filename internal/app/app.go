// Package app wires the operator together from a Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"roomops/internal/audit"
	"roomops/internal/config"
	"roomops/internal/db"
	"roomops/internal/engine"
	"roomops/internal/events"
	"roomops/internal/migrate"
	"roomops/internal/repo"
	"roomops/internal/roomclient"
	"roomops/internal/server"
	"roomops/internal/service"
)

type Options struct {
	Logger *slog.Logger
	// Runtime replaces the runtime client built from config.
	Runtime roomclient.Runtime
}

type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	DB      *sql.DB
	Repo    *repo.Repo
	Audit   *audit.Log
	Runtime roomclient.Runtime
	Engine  engine.Engine
	Service *service.Service

	closers   []io.Closer
	stopAudit context.CancelFunc
	auditDone chan struct{}
}

// NewLogger builds the process logger from the log section of the config.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Build opens storage, creates audit sinks and the runtime client, and
// assembles engine and service. Call Start before serving and Close after.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg.Log, nil)
	}
	a := &App{Config: cfg, Logger: logger}

	var sinks []audit.Sink
	if cfg.Audit.SQLite {
		conn, err := db.Open(db.Config{StateDir: cfg.StateDir})
		if err != nil {
			return nil, fmt.Errorf("open state db: %w", err)
		}
		a.DB = conn
		a.closers = append(a.closers, conn)
		version, err := migrate.Migrate(ctx, conn)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("migrate state db: %w", err)
		}
		logger.Debug("state db ready", "path", db.Path(db.Config{StateDir: cfg.StateDir}), "schema_version", version)
		a.Repo = &repo.Repo{DB: conn}
		sinks = append(sinks, events.Writer{DB: conn})
	}
	if len(cfg.Audit.Kafka.Brokers) > 0 {
		k, err := audit.NewKafkaSink(cfg.Audit.Kafka)
		if err != nil {
			a.closeAll()
			return nil, err
		}
		a.closers = append(a.closers, k)
		sinks = append(sinks, k)
		logger.Info("exporting audit entries to kafka", "topic", cfg.Audit.Kafka.Topic)
	}
	if cfg.Audit.S3.Bucket != "" {
		s, err := audit.NewS3Sink(ctx, cfg.Audit.S3)
		if err != nil {
			a.closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
		logger.Info("archiving audit entries to s3", "bucket", cfg.Audit.S3.Bucket)
	}
	a.Audit = audit.New(audit.Options{
		Capacity:         cfg.Audit.Capacity,
		SubscriberBuffer: cfg.Audit.SubscriberBuffer,
		Sinks:            sinks,
		Logger:           logger,
	})

	rt := opts.Runtime
	if rt == nil {
		var err error
		rt, err = newRuntime(cfg)
		if err != nil {
			a.closeAll()
			return nil, err
		}
	}
	a.Runtime = rt

	a.Engine = engine.New(rt, a.Audit, cfg, logger)
	var runs service.RunStore
	if a.Repo != nil {
		runs = a.Repo
	}
	a.Service = service.New(service.Options{Engine: a.Engine, Audit: a.Audit, Runs: runs, Logger: logger})
	return a, nil
}

func newRuntime(cfg *config.Config) (roomclient.Runtime, error) {
	if cfg.Runtime.Memory {
		return roomclient.NewMemory(), nil
	}
	return roomclient.NewHTTPClient(roomclient.HTTPOptions{
		BaseURL:           cfg.Runtime.BaseURL,
		Token:             cfg.Runtime.Token,
		Timeout:           cfg.RuntimeTimeout(),
		RequestsPerSecond: cfg.Runtime.RequestsPerSecond,
		Burst:             cfg.Runtime.Burst,
	})
}

// Start begins exporting audit entries to the configured sinks.
func (a *App) Start(ctx context.Context) {
	if a.stopAudit != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.stopAudit = cancel
	a.auditDone = make(chan struct{})
	go func() {
		defer close(a.auditDone)
		a.Audit.Run(ctx)
	}()
}

// Handler builds the HTTP API over the app's service and audit log.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Service:     a.Service,
		Audit:       a.Audit,
		Repo:        a.Repo,
		BasePath:    a.Config.Server.BasePath,
		Auth:        server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret, Logger: a.Logger},
		ReplayCount: a.Config.Audit.ReplayCount,
		Version:     a.Config.Operator.Version,
		Logger:      a.Logger,
	})
}

// Close drains the service, flushes pending audit exports and releases
// storage and broker connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Service != nil {
		if err := a.Service.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain service: %w", err))
		}
	}
	if a.stopAudit != nil {
		a.stopAudit()
		<-a.auditDone
	}
	errs = append(errs, a.closeAll())
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
