package meshbind

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProbeResult is the outcome of one liveness probe. Probe failures are
// values, not errors: an unreachable server is an expected condition that
// callers turn into a state transition.
type ProbeResult struct {
	Healthy    bool
	Name       string
	ToolsCount int
	LatencyMs  float64
	Err        error
}

// healthBody is the optional JSON payload of a capability server's health
// endpoint
type healthBody struct {
	Name       string `json:"name"`
	ToolsCount int    `json:"tools_count"`
}

// HealthProber issues bounded-concurrency HTTP probes against capability
// server health endpoints. A shared semaphore caps in-flight probes across
// all callers so a wide mesh scan cannot starve bind-time checks of
// connections, and every probe carries its own short timeout.
type HealthProber struct {
	client  *http.Client
	timeout time.Duration
	sem     chan struct{}
}

// NewHealthProber creates a prober with the given per-probe timeout and
// concurrency bound
func NewHealthProber(cfg ProbeConfig) *HealthProber {
	return &HealthProber{
		// No client-level timeout: each probe carries a context
		// deadline, which per-call overrides can extend
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Concurrency,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		timeout: cfg.Timeout,
		sem:     make(chan struct{}, cfg.Concurrency),
	}
}

// Probe checks the liveness of one capability server endpoint with the
// configured timeout. The endpoint's tool URL is rewritten to its health
// endpoint; a 200 response counts as healthy, and an optional JSON body
// supplies the server's advertised name and tool count.
func (p *HealthProber) Probe(ctx context.Context, endpoint string) ProbeResult {
	return p.ProbeWithTimeout(ctx, endpoint, 0)
}

// ProbeWithTimeout probes with a caller-chosen timeout for this one call.
// A non-positive timeout means the configured default.
func (p *HealthProber) ProbeWithTimeout(ctx context.Context, endpoint string, timeout time.Duration) ProbeResult {
	if timeout <= 0 {
		timeout = p.timeout
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ProbeResult{Err: fmt.Errorf("probe canceled: %w", ctx.Err())}
	}
	defer func() { <-p.sem }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(endpoint), nil)
	if err != nil {
		return ProbeResult{Err: fmt.Errorf("invalid probe URL %s: %w", endpoint, err)}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{Err: fmt.Errorf("probe %s: %w", endpoint, ErrConnectionFailed)}
	}
	defer resp.Body.Close()

	latency := float64(time.Since(start).Microseconds()) / 1000.0

	if resp.StatusCode != http.StatusOK {
		return ProbeResult{
			LatencyMs: latency,
			Err:       fmt.Errorf("probe %s returned HTTP %d: %w", endpoint, resp.StatusCode, ErrHealthCheckFailed),
		}
	}

	result := ProbeResult{Healthy: true, LatencyMs: latency}

	// Body is optional; a bare 200 is a valid health response
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && len(body) > 0 {
		var parsed healthBody
		if json.Unmarshal(body, &parsed) == nil {
			result.Name = parsed.Name
			result.ToolsCount = parsed.ToolsCount
		}
	}

	return result
}
