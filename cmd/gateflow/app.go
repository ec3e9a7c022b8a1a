package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flywheelhq/gateflow/assessor"
	"github.com/flywheelhq/gateflow/audit"
	"github.com/flywheelhq/gateflow/config"
	"github.com/flywheelhq/gateflow/controller"
	"github.com/flywheelhq/gateflow/deliverable"
	"github.com/flywheelhq/gateflow/gate"
	"github.com/flywheelhq/gateflow/metrics"
	"github.com/flywheelhq/gateflow/registry"
	"github.com/flywheelhq/gateflow/storage"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Engine
	store           *storage.Store
	auditLog        *audit.Log
	registry        *registry.Registry
	hook            *deliverable.Hook
	controller      *controller.Controller
	metricsRegistry *prometheus.Registry
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := storage.NewStore(ctx, a.js, storage.WithLeaseTTL(a.cfg.Engine.LeaseTTL))
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	auditLog, err := audit.NewLog(ctx, a.js, audit.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("initialize audit log: %w", err)
	}
	a.auditLog = auditLog

	reg, err := a.loadRegistry()
	if err != nil {
		return fmt.Errorf("load phase registry: %w", err)
	}
	a.registry = reg

	client := assessor.NewClient(a.cfg.Endpoints(),
		assessor.WithRetryConfig(a.cfg.RetryConfig()),
		assessor.WithTemperature(a.cfg.Assessor.Temperature),
		assessor.WithLogger(a.logger),
	)

	a.metricsRegistry = prometheus.NewRegistry()
	m := metrics.New(a.metricsRegistry)

	scorer := gate.NewScorer(client, store, auditLog,
		gate.WithScoreTimeout(a.cfg.Assessor.Timeout),
		gate.WithScorerLogger(a.logger),
		gate.WithScorerMetrics(m),
	)
	evaluator := gate.NewEvaluator(scorer, store, reg,
		gate.WithEvaluatorLogger(a.logger),
		gate.WithEvaluatorMetrics(m),
	)

	a.hook = deliverable.NewHook(reg, deliverable.NewClientGenerator(client), auditLog,
		a.cfg.Deliverables.TemplateDir,
		a.cfg.Deliverables.OutputDir,
		deliverable.WithGenerateTimeout(a.cfg.Deliverables.GenerateTimeout),
		deliverable.WithLogger(a.logger),
	)

	a.controller = controller.New(store, evaluator, reg, auditLog,
		controller.WithPhaseHook(a.hook),
		controller.WithMaxGateAttempts(a.cfg.Engine.MaxGateAttempts),
		controller.WithLogger(a.logger),
		controller.WithMetrics(m),
	)

	a.logger.Info("Components initialized", "phases", reg.Len())
	return nil
}

// MetricsHandler returns the HTTP handler exposing the engine's prometheus
// registry.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{})
}

// ServeMetrics serves /metrics on addr until ctx is cancelled. A no-op when
// addr is empty.
func (a *App) ServeMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.logger.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
}

// loadRegistry loads the phase catalog from the configured path, falling
// back to the built-in catalog.
func (a *App) loadRegistry() (*registry.Registry, error) {
	if a.cfg.Registry.Path != "" {
		return registry.Load(a.cfg.Registry.Path)
	}
	return registry.Default(), nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	return nil
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() {
	// Let in-flight deliverable generation finish before tearing down NATS.
	if a.hook != nil {
		a.hook.Wait()
	}

	if a.natsConn != nil {
		a.natsConn.Drain()
		a.natsConn.Close()
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
