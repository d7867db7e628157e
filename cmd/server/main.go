// Command server is the composition root for the realtime event platform.
// It loads configuration, builds every component exactly once, wires them
// together and starts the HTTP/WebSocket/SSE listener. Nothing here is a
// package-level global: every dependency is a field on app, built here and
// threaded down through constructors.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxgate/realtime/internal/config"
	"github.com/fluxgate/realtime/internal/credentialgate"
	"github.com/fluxgate/realtime/internal/eventlog"
	"github.com/fluxgate/realtime/internal/fanout"
	"github.com/fluxgate/realtime/internal/httpapi"
	"github.com/fluxgate/realtime/internal/identitystore"
	"github.com/fluxgate/realtime/internal/infra"
	"github.com/fluxgate/realtime/internal/ingress"
	"github.com/fluxgate/realtime/internal/observability"
	"github.com/fluxgate/realtime/internal/quota"
	"github.com/fluxgate/realtime/internal/registry"
	"github.com/fluxgate/realtime/internal/replay"
	"github.com/fluxgate/realtime/internal/sseapi"
	"github.com/fluxgate/realtime/internal/wsapi"
)

// app bundles every component the composition root builds, so shutdown can
// walk them in reverse dependency order.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	eventLog   eventlog.Log
	identity   *identitystore.Store
	gate       *credentialgate.Gate
	tracker    *quota.Tracker
	coord      *quota.Coordinator
	reg        *registry.Registry
	dispatcher *fanout.Dispatcher
	recorder   *observability.Recorder
	alertSink  observability.AlertSink
	server     *http.Server
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	a, err := build(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.dispatcher.Start(ctx); err != nil {
		logger.Error("fanout dispatcher failed to start", "error", err)
		os.Exit(1)
	}

	a.tracker.StartFlushing(ctx)

	go func() {
		logger.Info("listening", "addr", a.cfg.Addr())
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	a.shutdown()
}

// buildLogger builds the process-wide structured logger, keyed by
// LOG_LEVEL.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Observability.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// build constructs every component and wires the publish path
// (gate -> ingress -> quota -> log -> fanout -> registry) and the
// subscribe path (gate -> registry).
func build(cfg *config.Config, logger *slog.Logger) (*app, error) {
	identity, err := identitystore.New(cfg.Database.URL, cfg.Database.ServiceKey)
	if err != nil {
		return nil, err
	}

	evLog, err := buildEventLog(cfg, logger)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics()
	alertSink, err := buildAlertSink(cfg, logger)
	if err != nil {
		return nil, err
	}
	recorder := observability.NewRecorder(metrics, alertSink, 30*time.Second, logger)

	gate := credentialgate.New(identity, cfg.Auth.JWTSecret, cfg.Auth.HashPepper)

	killSwitch := quota.NewKillSwitch()
	tracker := quota.NewTracker(identity, killSwitch, time.Now)

	reg := registry.New()
	coord := quota.NewCoordinator(tracker, identity, reg, recorder)

	schemas := ingress.NewSchemaRegistry()
	ingressGate := ingress.New(evLog, tracker, identity, identity, schemas, recorder)
	replayEngine := replay.New(evLog, identity)
	dispatcher := fanout.New(evLog, reg, recorder, tracker)

	httpServer := httpapi.New(httpapi.Deps{
		Auth:       gate,
		Publisher:  ingressGate,
		Replayer:   replayEngine,
		Usage:      tracker,
		Tenants:    identity,
		Keys:       gate,
		KeyRevoker: identity,
		Suspender:  coord,
		Health:     evLog,
		Schemas:    schemas,
		Logger:     logger,
	})

	wsHandler := wsapi.New(wsapi.Deps{
		Auth:     gate,
		Projects: identity,
		Registry: reg,
		Observer: recorder,
		Logger:   logger,
	})
	sseHandler := sseapi.New(sseapi.Deps{
		Auth:     gate,
		Projects: identity,
		Registry: reg,
		Observer: recorder,
		Logger:   logger,
	})

	mux := httpServer.Router()
	topMux := http.NewServeMux()
	topMux.Handle("/ws", wsHandler)
	topMux.Handle("/sse", sseHandler)
	topMux.Handle("/metrics", observability.MetricsHandler())
	topMux.Handle("/", mux)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      topMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		eventLog:   evLog,
		identity:   identity,
		gate:       gate,
		tracker:    tracker,
		coord:      coord,
		reg:        reg,
		dispatcher: dispatcher,
		recorder:   recorder,
		alertSink:  alertSink,
		server:     srv,
	}, nil
}

// buildEventLog dials NATS JetStream per config; there is no in-memory
// fallback in production startup (acknowledged appends must survive a
// restart), but internal/eventlog.NewMemoryLog remains available to every
// package's tests.
func buildEventLog(cfg *config.Config, logger *slog.Logger) (eventlog.Log, error) {
	retention := eventlog.RetentionLimits{
		MaxAge:      cfg.EventLog.MaxAge,
		MaxBytes:    cfg.EventLog.MaxBytes,
		MaxMessages: cfg.EventLog.MaxMessages,
	}
	return eventlog.Dial(cfg.EventLog.URL, cfg.EventLog.StreamName, retention, logger)
}

// buildAlertSink wires a cross-pod Redis alert bus when REDIS_ENABLED is
// set, otherwise an in-process-only sink — both satisfy
// observability.AlertSink.
func buildAlertSink(cfg *config.Config, logger *slog.Logger) (observability.AlertSink, error) {
	if !cfg.Redis.Enabled {
		return observability.NewLocalAlertSink(), nil
	}
	adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("redis unavailable, falling back to local-only alert delivery", "error", err)
		return observability.NewLocalAlertSink(), nil
	}
	return observability.NewRedisAlertSink(adapter, "realtime:alerts")
}

// shutdown tears every component down in reverse build order, bounded by
// the configured shutdown timeout.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("http server shutdown error", "error", err)
	}
	a.dispatcher.Stop()
	a.tracker.Stop()
	if err := a.alertSink.Close(); err != nil {
		a.logger.Warn("alert sink close error", "error", err)
	}
	if err := a.eventLog.Close(); err != nil {
		a.logger.Warn("event log close error", "error", err)
	}
}
