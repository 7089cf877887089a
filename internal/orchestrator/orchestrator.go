// Package orchestrator launches and stops the agent containers backing
// relay sessions.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/indigoai-us/hq/internal/config"
)

// LaunchSpec describes the container to start for a session. The access
// token and relay URL are injected into the container so the agent can dial
// back in.
type LaunchSpec struct {
	SessionID     string `json:"session_id"`
	AccessToken   string `json:"access_token"`
	RelayURL      string `json:"relay_url"`
	WorkerContext string `json:"worker_context,omitempty"`
}

// Launcher starts and stops agent containers. Launch returns an opaque task
// reference used later to stop the container.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (taskRef string, err error)
	Stop(ctx context.Context, taskRef string) error
}

// New creates a Launcher from configuration.
func New(cfg config.OrchestratorConfig) (Launcher, error) {
	switch cfg.Mode {
	case "", "none":
		return Noop{}, nil
	case "http":
		return NewHTTPLauncher(cfg.URL, cfg.Token, cfg.RelayURL), nil
	default:
		return nil, fmt.Errorf("unknown orchestrator mode: %q", cfg.Mode)
	}
}

// Noop is the development launcher: containers are started by hand and
// sessions simply wait for the agent to connect.
type Noop struct{}

func (Noop) Launch(ctx context.Context, spec LaunchSpec) (string, error) { return "", nil }
func (Noop) Stop(ctx context.Context, taskRef string) error              { return nil }
