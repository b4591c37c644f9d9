// Package server wires the filedrop components together and runs them: the
// HTTP API, the optional admin gRPC API, the lifecycle scheduler and the
// notification loop, until a termination signal arrives. SIGHUP reloads the
// live settings.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/cryptox"
	"github.com/dmitrijs2005/filedrop/internal/logging"
	"github.com/dmitrijs2005/filedrop/internal/observability"
	"github.com/dmitrijs2005/filedrop/internal/server/blobstore"
	"github.com/dmitrijs2005/filedrop/internal/server/cache"
	"github.com/dmitrijs2005/filedrop/internal/server/config"
	"github.com/dmitrijs2005/filedrop/internal/server/files"
	gs "github.com/dmitrijs2005/filedrop/internal/server/grpc"
	"github.com/dmitrijs2005/filedrop/internal/server/httpapi"
	"github.com/dmitrijs2005/filedrop/internal/server/notify"
	"github.com/dmitrijs2005/filedrop/internal/server/scheduler"
	"github.com/dmitrijs2005/filedrop/internal/server/settings"
	"github.com/dmitrijs2005/filedrop/internal/server/sharing"
	"github.com/dmitrijs2005/filedrop/internal/server/storage"
	"github.com/dmitrijs2005/filedrop/internal/tokenx"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	initTimeout     = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	settings  *settings.Store
	store     storage.Store
	cache     cache.Cache
	notifier  *notify.Notifier
	scheduler *scheduler.Scheduler
	server    *http.Server
	grpc      *gs.GRPCServer

	shutdownTracer observability.ShutdownFunc
}

func NewApp(c *config.Config) (*App, error) {
	logger, err := logging.New(c.LogBackend, c.LogLevel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	app := &App{config: c, logger: logger}
	if err := app.init(ctx); err != nil {
		app.close(context.Background())
		return nil, err
	}
	return app, nil
}

func (app *App) init(ctx context.Context) error {
	c := app.config

	shutdown, err := observability.InitTracer(ctx, "filedrop", c.TracingExporter, c.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing init error: %w", err)
	}
	app.shutdownTracer = shutdown

	metrics, err := observability.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("metrics init error: %w", err)
	}

	codec, err := tokenx.NewCodec(c.TokenLength)
	if err != nil {
		return err
	}
	engine, err := cryptox.NewEngine()
	if err != nil {
		return err
	}

	if app.store, err = storage.Open(ctx, c); err != nil {
		return err
	}
	blobs, err := blobstore.New(ctx, c)
	if err != nil {
		return fmt.Errorf("blob store init error: %w", err)
	}
	if app.cache, err = cache.New(ctx, c); err != nil {
		return fmt.Errorf("cache init error: %w", err)
	}

	if err := scheduler.ValidateSettings(c.Settings); err != nil {
		return err
	}
	app.settings = settings.NewStore(c.Settings, scheduler.ValidateSettings)

	app.notifier = notify.New(c.Settings, app.logger,
		notify.WithMetrics(metrics), notify.WithPollInterval(c.NotifyPollInterval))
	fileService := files.NewService(app.store, blobs, app.cache, app.notifier, engine, app.logger)
	shares := sharing.NewManager(app.store, blobs, app.cache, app.notifier, codec, engine, app.logger,
		sharing.WithPublicIDOnly(c.AllowPublicIDOnly), sharing.WithMetrics(metrics))
	app.scheduler = scheduler.New(app.store, blobs, fileService, app.logger, scheduler.WithMetrics(metrics))

	if err := app.settings.Watch(ctx, app.scheduler.Apply); err != nil {
		return err
	}
	if err := app.settings.Watch(ctx, app.notifier.Apply); err != nil {
		return err
	}

	handler := httpapi.NewHandler(httpapi.Deps{
		Files:     fileService,
		Shares:    shares,
		Sweeper:   app.scheduler,
		Notifier:  app.notifier,
		Settings:  app.settings,
		Ping:      app.store.Ping,
		Metrics:   metrics,
		JWTSecret: []byte(c.SecretKey),
		Log:       app.logger,
	})
	app.server = httpapi.NewServer(c.HTTPAddr, handler.Routes())

	if c.GRPCAddr != "" {
		app.grpc = gs.NewGRPCServer(c.GRPCAddr, app.logger, gs.Deps{
			Sweeper:  app.scheduler,
			Shares:   shares,
			Settings: app.settings,
			Notifier: app.notifier,
		}, c.SecretKey)
	}
	return nil
}

// Run serves until ctx is cancelled or a termination signal arrives, then
// shuts every component down.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	app.logger.Info(ctx, "Starting app...", "addr", app.config.HTTPAddr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.server.Shutdown(sctx)
	})

	if app.grpc != nil {
		g.Go(func() error {
			if err := app.grpc.Run(gctx); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return app.notifier.Run(gctx)
	})

	g.Go(func() error {
		if err := app.scheduler.Start(gctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.scheduler.Stop(sctx)
	})

	g.Go(func() error {
		app.watchReload(gctx)
		return nil
	})

	err := g.Wait()
	app.close(context.Background())
	app.logger.Info(context.Background(), "app stopped")
	return err
}

// watchReload re-reads the settings section of the config file on SIGHUP.
func (app *App) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := app.reloadSettings(ctx); err != nil {
				app.logger.Error(ctx, "settings reload failed", "error", err)
			}
		}
	}
}

func (app *App) reloadSettings(ctx context.Context) error {
	if app.config.ConfigFile == "" {
		return errors.New("no config file to reload from")
	}
	next, err := config.ReloadSettings(app.config.ConfigFile, app.settings.Current())
	if err != nil {
		return err
	}
	if err := app.settings.Update(ctx, next); err != nil {
		return err
	}
	app.logger.Info(ctx, "settings reloaded", "cron", next.CronExpression, "days", next.MaxFileLifetimeDays)
	return nil
}

func (app *App) close(ctx context.Context) {
	if c, ok := app.cache.(io.Closer); ok {
		if err := c.Close(); err != nil {
			app.logger.Warn(ctx, "cache close failed", "error", err)
		}
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Warn(ctx, "store close failed", "error", err)
		}
	}
	if app.shutdownTracer != nil {
		sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := app.shutdownTracer(sctx); err != nil {
			app.logger.Warn(ctx, "tracer shutdown failed", "error", err)
		}
	}
}
