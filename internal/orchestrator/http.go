package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPLauncher drives a container manager over HTTP: POST /launch starts a
// container, POST /stop tears one down.
type HTTPLauncher struct {
	baseURL  string
	token    string
	relayURL string
	client   *http.Client
}

// NewHTTPLauncher creates a launcher for the given container-manager URL.
func NewHTTPLauncher(baseURL, token, relayURL string) *HTTPLauncher {
	return &HTTPLauncher{
		baseURL:  baseURL,
		token:    token,
		relayURL: relayURL,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type launchResponse struct {
	TaskRef string `json:"task_ref"`
}

// Launch requests a container for the session and returns its task ref.
func (l *HTTPLauncher) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	if spec.RelayURL == "" {
		spec.RelayURL = l.relayURL
	}
	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("marshal launch spec: %w", err)
	}

	resp, err := l.do(ctx, l.baseURL+"/launch", body)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("launch failed: %s: %s", resp.Status, msg)
	}

	var out launchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode launch response: %w", err)
	}
	return out.TaskRef, nil
}

// Stop tears down a previously launched container.
func (l *HTTPLauncher) Stop(ctx context.Context, taskRef string) error {
	if taskRef == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"task_ref": taskRef})
	if err != nil {
		return fmt.Errorf("marshal stop request: %w", err)
	}

	resp, err := l.do(ctx, l.baseURL+"/stop", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("stop failed: %s: %s", resp.Status, msg)
	}
	return nil
}

func (l *HTTPLauncher) do(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	return l.client.Do(req)
}
