package meshbind

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScanner(portStart, portEnd int) *MeshScanner {
	return NewMeshScanner(NewHealthProber(testProbeConfig()), MeshConfig{
		Enabled:      true,
		ScanHost:     "127.0.0.1",
		PortStart:    portStart,
		PortEnd:      portEnd,
		ScanInterval: time.Hour, // cycles driven manually in tests
	})
}

func TestScanDiscoversLiveNode(t *testing.T) {
	fs := newFakeServer(t, "prospector", 4)
	port := fs.Port(t)

	scanner := newTestScanner(port, port)
	scanner.scanOnce(context.Background())

	topology := scanner.GetTopology()
	require.Len(t, topology, 1)

	node := topology[0]
	assert.Equal(t, "prospector", node.Name)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/sse", port), node.EndpointURL)
	assert.Equal(t, string(ServerHealthy), node.Status)
	assert.Equal(t, 4, node.ToolsCount)
	assert.False(t, node.ObservedAt.IsZero())
}

func TestScanNameFallback(t *testing.T) {
	// A sidecar whose health endpoint answers but reports no name
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	fs := &fakeServer{srv: srv}
	port := fs.Port(t)

	scanner := newTestScanner(port, port)
	scanner.scanOnce(context.Background())

	topology := scanner.GetTopology()
	require.Len(t, topology, 1)
	assert.Equal(t, fmt.Sprintf("sidecar-%d", port), topology[0].Name)
}

func TestScanReplacesTopologyWholesale(t *testing.T) {
	fs := newFakeServer(t, "ephemeral", 1)
	port := fs.Port(t)

	scanner := newTestScanner(port, port)
	scanner.scanOnce(context.Background())
	require.Len(t, scanner.GetTopology(), 1)

	// The sidecar disappears; the next cycle must not leave it behind
	fs.healthy.Store(false)
	scanner.scanOnce(context.Background())
	assert.Empty(t, scanner.GetTopology())
}

func TestScanEmptyRange(t *testing.T) {
	// Port 1 is never a live sidecar; probes fail fast with refusals
	scanner := newTestScanner(1, 1)
	scanner.scanOnce(context.Background())
	assert.Empty(t, scanner.GetTopology())
}

func TestScannerStartStop(t *testing.T) {
	fs := newFakeServer(t, "prospector", 4)
	port := fs.Port(t)

	scanner := newTestScanner(port, port)
	require.NoError(t, scanner.Start())

	err := scanner.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	// The first scan runs on startup, not only at the first tick
	deadline := time.After(2 * time.Second)
	for len(scanner.GetTopology()) == 0 {
		select {
		case <-deadline:
			t.Fatal("startup scan did not populate the topology")
		case <-time.After(10 * time.Millisecond):
		}
	}

	scanner.Stop()
	scanner.Stop() // idempotent
}

func TestTopologySnapshotIsACopy(t *testing.T) {
	fs := newFakeServer(t, "prospector", 4)
	port := fs.Port(t)

	scanner := newTestScanner(port, port)
	scanner.scanOnce(context.Background())

	snapshot := scanner.GetTopology()
	require.Len(t, snapshot, 1)
	snapshot[0].Name = "tampered"

	assert.Equal(t, "prospector", scanner.GetTopology()[0].Name)
}
