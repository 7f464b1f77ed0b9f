package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/outflow-ai/outflow/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Queue.MaxAttempts != 4 {
		t.Errorf("expected 4 max attempts, got %d", cfg.Queue.MaxAttempts)
	}
	if !cfg.Budget.FailClosed {
		t.Error("expected fail_closed by default")
	}
	if cfg.Signing.MaxAge != 5*time.Minute {
		t.Errorf("expected 5m signing max age, got %v", cfg.Signing.MaxAge)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_SIGNING_SECRET", "s3cr3t")

	content := `
listen: ":9090"
db_path: "test.db"
signing:
  secret: ${TEST_SIGNING_SECRET}
  max_age: 2m
budget:
  per_request_max: 0.10
  daily_cap: 5
  monthly_cap: 100
  fail_closed: false
kill_switch:
  enabled: true
  global: false
  operations: [post.publish]
queue:
  max_attempts: 6
  backoff_base: 1s
  backoff_max: 45s
sink:
  timeout: 10s
  routes:
    - operation: "*"
      targets: ["https://sink.internal/v1"]
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Signing.Secret != "s3cr3t" {
		t.Errorf("env var not expanded: got %s", cfg.Signing.Secret)
	}
	if cfg.Signing.MaxAge != 2*time.Minute {
		t.Errorf("expected 2m max age, got %v", cfg.Signing.MaxAge)
	}
	if cfg.Budget.FailClosed {
		t.Error("expected fail_closed disabled")
	}
	if !cfg.Kill.Enabled {
		t.Error("expected kill switch enabled")
	}
	if len(cfg.Kill.Operations) != 1 || cfg.Kill.Operations[0] != models.OpPublishPost {
		t.Errorf("unexpected kill switch operations: %v", cfg.Kill.Operations)
	}
	if cfg.Queue.MaxAttempts != 6 {
		t.Errorf("expected 6 max attempts, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.BackoffMax != 45*time.Second {
		t.Errorf("expected 45s backoff max, got %v", cfg.Queue.BackoffMax)
	}
	if len(cfg.Sink.Routes) != 1 || cfg.Sink.Routes[0].Targets[0] != "https://sink.internal/v1" {
		t.Errorf("unexpected sink routes: %+v", cfg.Sink.Routes)
	}
	// Audit DB path defaults to the main DB path.
	if cfg.Audit.DBPath != "test.db" {
		t.Errorf("expected audit db to default to main db, got %s", cfg.Audit.DBPath)
	}
}

func TestRequiresConfirmation(t *testing.T) {
	cfg := Default()
	if !cfg.RequiresConfirmation(models.OpPublishPost) {
		t.Error("post.publish should require confirmation by default")
	}
	if cfg.RequiresConfirmation(models.OpRefreshAnalytics) {
		t.Error("analytics.refresh should not require confirmation")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}
