package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Logger is the minimal logging surface used by this package.
type Logger interface {
	Printf(format string, v ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// Reporter sends newly learned fingerprints to a remote aggregator. Reports
// are fire-and-forget: the local cache is the source of truth.
type Reporter struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
	Logger  Logger
}

type reportPayload struct {
	Version string            `json:"version"`
	Hashes  map[string]string `json:"hashes"`
}

// Report dispatches one fingerprint on a detached goroutine. It never blocks
// and never returns an error; failures are logged and dropped.
func (r Reporter) Report(version string, hashes map[string]string) {
	if r.URL == "" || version == "" || len(hashes) == 0 {
		return
	}
	cp := make(map[string]string, len(hashes))
	for k, v := range hashes {
		cp[k] = v
	}
	go func() {
		if err := r.send(version, cp); err != nil {
			r.logger().Printf("fingerprint report for %s dropped: %v", version, err)
		}
	}()
}

func (r Reporter) send(version string, hashes map[string]string) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	body, err := json.Marshal(reportPayload{Version: version, Hashes: hashes})
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func (r Reporter) logger() Logger {
	if r.Logger == nil {
		return noopLogger{}
	}
	return r.Logger
}
