package sink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/outflow-ai/outflow/pkg/config"
	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/retry"
	"github.com/outflow-ai/outflow/pkg/signing"
)

func sinkConfig(targets ...string) config.SinkConfig {
	return config.SinkConfig{
		Timeout: 5 * time.Second,
		Routes: []config.RouteConfig{
			{Operation: "*", Targets: targets},
		},
	}
}

func TestSendSignsPayload(t *testing.T) {
	payload := []byte(`{"text":"hello"}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig := r.Header.Get(signing.Header)
		if !signing.Verify(payload, sig, "secret") {
			t.Errorf("sink received unverifiable signature %q", sig)
		}
		if r.Header.Get("X-Outflow-Operation") != string(models.OpPublishPost) {
			t.Errorf("missing operation header")
		}
		w.Write([]byte(`{"id":"ext-123"}`))
	}))
	defer srv.Close()

	s := NewHTTP(sinkConfig(srv.URL), "secret")
	id, err := s.Send(context.Background(), models.OpPublishPost, payload)
	if err != nil {
		t.Fatal(err)
	}
	if id != "ext-123" {
		t.Errorf("expected external id ext-123, got %q", id)
	}
}

func TestSendSurfacesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewHTTP(sinkConfig(srv.URL), "secret")
	_, err := s.Send(context.Background(), models.OpPublishPost, []byte(`{}`))
	var statusErr *retry.HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected HTTPStatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", statusErr.StatusCode)
	}
}

func TestSendFallsThroughOnRetryableFailure(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ext-2"}`))
	}))
	defer good.Close()

	s := NewHTTP(sinkConfig(bad.URL, good.URL), "secret")
	id, err := s.Send(context.Background(), models.OpPublishPost, []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if id != "ext-2" {
		t.Errorf("expected fallback target id, got %q", id)
	}
}

func TestSendStopsOnFatalFailure(t *testing.T) {
	calls := 0
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer bad.Close()

	never := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("second target should not be tried after a fatal failure")
	}))
	defer never.Close()

	s := NewHTTP(sinkConfig(bad.URL, never.URL), "secret")
	_, err := s.Send(context.Background(), models.OpPublishPost, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

func TestResolveExactRouteWins(t *testing.T) {
	cfg := config.SinkConfig{
		Routes: []config.RouteConfig{
			{Operation: "*", Targets: []string{"https://default"}},
			{Operation: models.OpPublishPost, Targets: []string{"https://posts"}},
		},
	}
	s := NewHTTP(cfg, "secret")

	targets, err := s.Resolve(models.OpPublishPost)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0] != "https://posts" {
		t.Errorf("unexpected targets %v", targets)
	}

	targets, err = s.Resolve(models.OpExportReport)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0] != "https://default" {
		t.Errorf("unexpected fallback targets %v", targets)
	}
}

func TestResolveNoRoute(t *testing.T) {
	s := NewHTTP(config.SinkConfig{}, "secret")
	if _, err := s.Resolve(models.OpPublishPost); err == nil {
		t.Error("expected error with no routes configured")
	}
}
