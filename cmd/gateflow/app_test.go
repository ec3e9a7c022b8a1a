package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flywheelhq/gateflow/config"
)

func TestAppStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NATS.StoreDir = t.TempDir()

	app := NewApp(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}

	if app.natsConn == nil {
		t.Error("NATS connection not initialized")
	}
	if app.js == nil {
		t.Error("JetStream not initialized")
	}
	if app.store == nil {
		t.Error("Store not initialized")
	}
	if app.auditLog == nil {
		t.Error("Audit log not initialized")
	}
	if app.controller == nil {
		t.Error("Controller not initialized")
	}
	if app.embeddedServer == nil {
		t.Error("Embedded NATS server not started")
	}
	if app.registry.Len() == 0 {
		t.Error("Phase registry is empty")
	}

	app.Shutdown()

	if app.embeddedServer.Running() {
		t.Error("Embedded server still running after shutdown")
	}
}

func TestMetricsHandlerExposesEngineMetrics(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NATS.StoreDir = t.TempDir()

	app := NewApp(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	defer app.Shutdown()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	app.MetricsHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gateflow_") {
		t.Error("metrics output missing gateflow collectors")
	}
}

func TestCompactJSON(t *testing.T) {
	out, err := compactJSON([]byte(`{
		"phase": 1,
		"decision": "pass"
	}`))
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if out != `{"decision":"pass","phase":1}` {
		t.Errorf("unexpected output: %s", out)
	}

	if _, err := compactJSON([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
