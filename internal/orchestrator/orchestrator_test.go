package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/indigoai-us/hq/internal/config"
)

func TestNewLauncherModes(t *testing.T) {
	l, err := New(config.OrchestratorConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(Noop); !ok {
		t.Errorf("empty mode: got %T, want Noop", l)
	}

	l, err = New(config.OrchestratorConfig{Mode: "http", URL: "http://manager:8080"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*HTTPLauncher); !ok {
		t.Errorf("http mode: got %T", l)
	}

	if _, err := New(config.OrchestratorConfig{Mode: "kubernetes"}); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestNoopLauncher(t *testing.T) {
	ctx := context.Background()
	ref, err := Noop{}.Launch(ctx, LaunchSpec{SessionID: "s1"})
	if err != nil || ref != "" {
		t.Errorf("Launch: ref=%q err=%v", ref, err)
	}
	if err := (Noop{}).Stop(ctx, "anything"); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestHTTPLauncherLaunch(t *testing.T) {
	var gotSpec LaunchSpec
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/launch" {
			t.Errorf("path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotSpec); err != nil {
			t.Errorf("decode spec: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"task_ref": "task-42"})
	}))
	defer srv.Close()

	l := NewHTTPLauncher(srv.URL, "manager-token", "wss://relay.example.com")
	ref, err := l.Launch(context.Background(), LaunchSpec{
		SessionID:   "s1",
		AccessToken: "tok",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ref != "task-42" {
		t.Errorf("task ref: %q", ref)
	}
	if gotAuth != "Bearer manager-token" {
		t.Errorf("auth header: %q", gotAuth)
	}
	if gotSpec.RelayURL != "wss://relay.example.com" {
		t.Errorf("relay URL default not applied: %q", gotSpec.RelayURL)
	}
	if gotSpec.SessionID != "s1" || gotSpec.AccessToken != "tok" {
		t.Errorf("spec: %+v", gotSpec)
	}
}

func TestHTTPLauncherLaunchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := NewHTTPLauncher(srv.URL, "", "")
	if _, err := l.Launch(context.Background(), LaunchSpec{SessionID: "s1"}); err == nil {
		t.Error("launch against failing manager succeeded")
	}
}

func TestHTTPLauncherStop(t *testing.T) {
	var gotRef string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stop" {
			t.Errorf("path: %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotRef = body["task_ref"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	l := NewHTTPLauncher(srv.URL, "", "")
	if err := l.Stop(context.Background(), "task-42"); err != nil {
		t.Fatal(err)
	}
	if gotRef != "task-42" {
		t.Errorf("task ref: %q", gotRef)
	}

	// Empty ref is a no-op; nothing should be called.
	if err := l.Stop(context.Background(), ""); err != nil {
		t.Errorf("empty ref: %v", err)
	}
}
