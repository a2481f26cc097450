package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/scanner"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DLQ API and the background scanner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, flush, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()

	var otlp *exporters.OTLPConfig
	if cfg.OTLPEnabled {
		otlp = &exporters.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
		}
	}
	shutdownTracing, err := tracing.Setup(ctx, cfg.AppName, otlp)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	app := newApp(cfg, logger)
	checker := health.NewChecker(cfg.Version)

	var (
		scheduler *scanner.Scheduler
		server    *http.Server
		serveErr  = make(chan error, 1)
	)

	st := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	st.AddDependency(startup.Func{
		Name: "database",
		OnStart: func(ctx context.Context) error {
			if err := app.OpenStore(ctx); err != nil {
				return err
			}
			if app.DB != nil && cfg.DatabaseMigrateOnStart {
				return migrateUp(cfg, app)
			}
			return nil
		},
	})
	st.AddDependency(startup.Func{
		Name:    "redis",
		OnStart: app.OpenRedis,
	})
	st.AddDependency(startup.Func{
		Name:     "services",
		Requires: []string{"database", "redis"},
		OnStart: func(context.Context) error {
			if app.Executor != nil {
				return nil
			}
			return app.Wire()
		},
	})
	st.AddDependency(startup.Func{
		Name:     "scheduler",
		Requires: []string{"services"},
		OnStart: func(ctx context.Context) error {
			if !cfg.ScannerEnabled {
				logger.Info("Scanner disabled")
				return nil
			}
			scheduler = scanner.NewScheduler(app.Scanner, app.Directory, app.Locker(), scanner.SchedulerConfig{
				TickInterval:     cfg.ScannerTickInterval,
				ActiveInterval:   cfg.ScannerActiveInterval,
				InactiveInterval: cfg.ScannerInactiveInterval,
				MaxConcurrency:   cfg.ScannerMaxConcurrency,
				LockTTL:          cfg.ScannerLockTTL,
			}, logger)
			return scheduler.Start(context.WithoutCancel(ctx))
		},
		OnStop: func(ctx context.Context) error {
			if scheduler == nil {
				return nil
			}
			return scheduler.Stop(ctx)
		},
	})
	st.AddDependency(startup.Func{
		Name:     "http",
		Requires: []string{"services"},
		OnStart: func(context.Context) error {
			app.HealthChecks(checker)
			server = &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Port),
				Handler:           newServer(cfg, app, checker),
				ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
				WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
				IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
				ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
				MaxHeaderBytes:    cfg.MaxHeaderBytes,
			}
			go func() {
				logger.Infof("HTTP server listening on %s", server.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if server == nil {
				return nil
			}
			return server.Shutdown(ctx)
		},
	})

	if err := st.Start(ctx); err != nil {
		app.Close()
		return err
	}
	checker.SetReady(true)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serveErr:
		logger.WithError(err).Error("HTTP server failed")
	}
	checker.SetReady(false)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if stopErr := st.Stop(stopCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	app.Close()
	if traceErr := shutdownTracing(stopCtx); traceErr != nil {
		logger.WithError(traceErr).Warn("Failed to flush traces")
	}
	return err
}

func newServer(cfg *config.Config, app *App, checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(app.Logger)

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(app.Logger))

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	handlers.NewHistoryHandler(app.HistoryService, app.Logger).RegisterRoutes(api)
	handlers.NewRulesHandler(app.RuleService, app.Logger).RegisterRoutes(api)
	handlers.NewScanHandler(app.Scanner, app.Logger).RegisterRoutes(api)
	return e
}
