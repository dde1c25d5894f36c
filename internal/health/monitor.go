// Package health answers "is the backend data store reachable",
// independent of transport connectivity. A websocket can be open while
// the store behind it is down; the two need different recovery, so the
// monitor is consulted before any transmit.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// pollInterval is how often the liveness endpoint is polled.
	pollInterval = 30 * time.Second

	// requestTimeout bounds a single liveness request.
	requestTimeout = 10 * time.Second

	// maxResponseBytes caps liveness response reads. The payload is a
	// tiny JSON object; anything larger is misbehaving.
	maxResponseBytes = 64 * 1024
)

// Status is the liveness endpoint's response body.
type Status struct {
	DatabaseConnected bool `json:"databaseConnected"`
}

// Monitor polls the liveness endpoint and tracks a backendDown flag.
// Inbound database_status frames update the flag reactively, avoiding
// a full poll cycle of staleness.
type Monitor struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu       sync.RWMutex
	down     bool
	onChange func(down bool)
}

// NewMonitor creates a monitor for the given liveness endpoint. If
// httpClient is nil, a client with a 10-second timeout is used.
func NewMonitor(endpoint string, httpClient *http.Client, logger *slog.Logger) *Monitor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Monitor{
		endpoint: endpoint,
		client:   httpClient,
		logger:   logger,
	}
}

// OnChange registers a callback invoked whenever the backendDown flag
// flips. Must be set before Run starts.
func (m *Monitor) OnChange(fn func(down bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// BackendDown reports whether the backend data store is currently
// considered unreachable.
func (m *Monitor) BackendDown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.down
}

// SetBackendDown updates the flag from an inbound database_status
// frame, bypassing the poll cycle.
func (m *Monitor) SetBackendDown(down bool) {
	m.update(down, "frame")
}

// Run polls the liveness endpoint once immediately and then every 30
// seconds until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check performs a single liveness poll and updates the flag. A failure
// to reach the endpoint at all counts as backend down: queueing a
// message that could have been sent is cheaper than losing one.
func (m *Monitor) Check(ctx context.Context) {
	status, err := m.fetch(ctx)
	if err != nil {
		m.logger.Debug("liveness check failed", slog.String("error", err.Error()))
		m.update(true, "poll")

		return
	}

	m.update(!status.DatabaseConnected, "poll")
}

func (m *Monitor) fetch(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating liveness request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", m.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("liveness endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading liveness response: %w", err)
	}

	var status Status
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decoding liveness response: %w", err)
	}

	return &status, nil
}

func (m *Monitor) update(down bool, source string) {
	m.mu.Lock()
	changed := m.down != down
	m.down = down
	fn := m.onChange
	m.mu.Unlock()

	if !changed {
		return
	}

	if down {
		m.logger.Warn("backend marked down", slog.String("source", source))
	} else {
		m.logger.Info("backend recovered", slog.String("source", source))
	}

	if fn != nil {
		fn(down)
	}
}
