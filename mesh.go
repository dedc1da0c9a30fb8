package meshbind

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MeshScanner actively discovers capability servers that never call
// register: ephemeral local sidecars exposing nothing but a health
// endpoint on a known port range. Each cycle probes the whole range
// concurrently, waits for every probe, and replaces the topology snapshot
// wholesale - partial results never leak into the visible topology.
//
// The registry stays authoritative for bind decisions; the mesh topology
// is advisory data and a fallback discovery signal.
type MeshScanner struct {
	cfg    MeshConfig
	prober *HealthProber
	logger Logger

	topoMu   sync.RWMutex
	topology []MeshNode

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMeshScanner creates a scanner for the configured host and port range
func NewMeshScanner(prober *HealthProber, cfg MeshConfig) *MeshScanner {
	return &MeshScanner{
		cfg:    cfg,
		prober: prober,
		logger: &NoOpLogger{},
	}
}

// SetLogger attaches a logger
func (m *MeshScanner) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Start launches the background scan loop. The first scan runs
// immediately; later scans follow the configured interval. A second Start
// reports ErrAlreadyStarted.
func (m *MeshScanner) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return fmt.Errorf("mesh scanner: %w", ErrAlreadyStarted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(ctx, m.done)

	m.logger.Info("Started mesh discovery scanner", map[string]interface{}{
		"host":       m.cfg.ScanHost,
		"port_start": m.cfg.PortStart,
		"port_end":   m.cfg.PortEnd,
		"interval":   m.cfg.ScanInterval.String(),
	})
	return nil
}

// Stop signals the loop to exit and waits until the in-flight cycle has
// finished. Idempotent.
func (m *MeshScanner) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	m.logger.Info("Stopped mesh discovery scanner", nil)
}

// GetTopology returns the latest snapshot, sorted by name. It reads the
// cache only and never blocks the probing loop.
func (m *MeshScanner) GetTopology() []MeshNode {
	m.topoMu.RLock()
	defer m.topoMu.RUnlock()

	out := make([]MeshNode, len(m.topology))
	copy(out, m.topology)
	return out
}

func (m *MeshScanner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	m.scanOnce(context.Background())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A stop signal lets this cycle complete; probes carry
			// their own timeouts
			m.scanOnce(context.Background())
		}
	}
}

// scanOnce probes every port in the range concurrently, gathers all
// results, and atomically swaps the topology cache. Connection failures
// are absence, not errors - most of the range is expected to be empty.
func (m *MeshScanner) scanOnce(ctx context.Context) {
	scanID := uuid.NewString()[:8]
	start := time.Now()

	type slot struct {
		port int
		node *MeshNode
	}

	total := m.cfg.PortEnd - m.cfg.PortStart + 1
	results := make(chan slot, total)

	var wg sync.WaitGroup
	for port := m.cfg.PortStart; port <= m.cfg.PortEnd; port++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			results <- slot{port: port, node: m.probePort(ctx, port)}
		}(port)
	}
	wg.Wait()
	close(results)

	nodes := make([]MeshNode, 0)
	for s := range results {
		if s.node != nil {
			nodes = append(nodes, *s.node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	m.topoMu.Lock()
	m.topology = nodes
	m.topoMu.Unlock()

	m.logger.Info("Mesh scan complete", map[string]interface{}{
		"scan_id":     scanID,
		"live_nodes":  len(nodes),
		"ports":       total,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// probePort checks one port for a live sidecar. Nil means nothing answered.
func (m *MeshScanner) probePort(ctx context.Context, port int) *MeshNode {
	endpoint := fmt.Sprintf("http://%s:%d/health", m.cfg.ScanHost, port)
	result := m.prober.Probe(ctx, endpoint)
	if !result.Healthy {
		return nil
	}

	name := result.Name
	if name == "" {
		name = fmt.Sprintf("sidecar-%d", port)
	}

	return &MeshNode{
		Name:        name,
		EndpointURL: fmt.Sprintf("http://%s:%d/sse", m.cfg.ScanHost, port),
		Status:      string(ServerHealthy),
		LatencyMs:   result.LatencyMs,
		ToolsCount:  result.ToolsCount,
		ObservedAt:  time.Now().UTC(),
	}
}
