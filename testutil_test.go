package meshbind

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// setupTestRedis creates a miniredis instance for testing
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return mr, client
}

// newTestStore creates a store over a fresh miniredis
func newTestStore(t *testing.T) *Store {
	t.Helper()
	_, client := setupTestRedis(t)
	return NewStoreWithClient(client, "meshbind-test")
}

// testProbeConfig keeps probe failures fast so tests against dead
// endpoints do not sit out full timeouts
func testProbeConfig() ProbeConfig {
	return ProbeConfig{Timeout: 500 * time.Millisecond, Concurrency: 16}
}

// newTestRegistry builds a registry with a short TTL over a fresh store
func newTestRegistry(t *testing.T) (*Registry, *Store) {
	t.Helper()
	store := newTestStore(t)
	registry := NewRegistry(store, NewHealthProber(testProbeConfig()), RegistryConfig{
		HeartbeatTTL: 90 * time.Second,
		StaleMaxAge:  24 * time.Hour,
	})
	return registry, store
}

// newTestBinder builds a full registry+binder stack over a fresh store.
// The default policy does not require health so most tests can run
// without fake servers; tests that probe install their own policy.
func newTestBinder(t *testing.T) (*Binder, *Registry, *Store) {
	t.Helper()
	store := newTestStore(t)
	prober := NewHealthProber(testProbeConfig())
	registry := NewRegistry(store, prober, RegistryConfig{
		HeartbeatTTL: 90 * time.Second,
		StaleMaxAge:  24 * time.Hour,
	})
	binder := NewBinder(registry, store, prober, BinderConfig{
		SupervisorInterval: time.Hour, // cycles driven manually in tests
		DefaultPolicy: BindingPolicy{
			AgentID:              "*",
			Allowed:              []string{"*"},
			MaxConcurrentServers: 10,
			RequireHealthy:       false,
		},
	})
	return binder, registry, store
}

// fakeServer is a capability-server stand-in whose health endpoint can be
// flipped between passing and failing
type fakeServer struct {
	srv     *httptest.Server
	healthy atomic.Bool
	name    string
	tools   int
}

func newFakeServer(t *testing.T, name string, tools int) *fakeServer {
	t.Helper()

	fs := &fakeServer{name: name, tools: tools}
	fs.healthy.Store(true)

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !fs.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"name":        fs.name,
			"tools_count": fs.tools,
		})
	}))
	t.Cleanup(fs.srv.Close)

	return fs
}

// Endpoint returns the server's tool endpoint, from which probes derive
// the health URL
func (fs *fakeServer) Endpoint() string {
	return fs.srv.URL + "/sse"
}

// Port returns the listening port, for mesh scan ranges
func (fs *fakeServer) Port(t *testing.T) int {
	t.Helper()
	u, err := url.Parse(fs.srv.URL)
	if err != nil {
		t.Fatalf("Failed to parse fake server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("Failed to parse fake server port: %v", err)
	}
	return port
}

// registerExternal registers a fake server under the given name and fails
// the test on error
func registerExternal(t *testing.T, registry *Registry, name, endpoint string) {
	t.Helper()
	ctx := context.Background()
	if _, err := registry.Register(ctx, RegisterRequest{Name: name, EndpointURL: endpoint}); err != nil {
		t.Fatalf("Failed to register %s: %v", name, err)
	}
}
