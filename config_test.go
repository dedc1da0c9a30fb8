package meshbind

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "meshbind", cfg.Namespace)
	assert.Equal(t, 90*time.Second, cfg.Registry.HeartbeatTTL)
	assert.Equal(t, 24*time.Hour, cfg.Registry.StaleMaxAge)
	assert.Equal(t, 60*time.Second, cfg.Binder.SupervisorInterval)
	assert.Equal(t, 3*time.Second, cfg.Probe.Timeout)
	assert.Equal(t, 32, cfg.Probe.Concurrency)
	assert.True(t, cfg.Mesh.Enabled)
	assert.Equal(t, 13000, cfg.Mesh.PortStart)
	assert.Equal(t, 13099, cfg.Mesh.PortEnd)
	assert.Equal(t, 30*time.Second, cfg.Mesh.ScanInterval)

	policy := cfg.Binder.DefaultPolicy
	assert.Equal(t, []string{"*"}, policy.Allowed)
	assert.Equal(t, 10, policy.MaxConcurrentServers)
	assert.True(t, policy.RequireHealthy)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MESHBIND_REDIS_URL", "redis://envhost:6379")
	t.Setenv("MESHBIND_NAMESPACE", "staging")
	t.Setenv("MESHBIND_HEARTBEAT_TTL", "45s")
	t.Setenv("MESHBIND_SUPERVISOR_INTERVAL", "2m")
	t.Setenv("MESHBIND_PROBE_TIMEOUT", "1s")
	t.Setenv("MESHBIND_SCAN_PORT_START", "14000")
	t.Setenv("MESHBIND_SCAN_PORT_END", "14049")
	t.Setenv("MESHBIND_MESH_ENABLED", "false")
	t.Setenv("MESHBIND_DEBUG", "yes")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "redis://envhost:6379", cfg.RedisURL)
	assert.Equal(t, "staging", cfg.Namespace)
	assert.Equal(t, 45*time.Second, cfg.Registry.HeartbeatTTL)
	assert.Equal(t, 2*time.Minute, cfg.Binder.SupervisorInterval)
	assert.Equal(t, time.Second, cfg.Probe.Timeout)
	assert.Equal(t, 14000, cfg.Mesh.PortStart)
	assert.Equal(t, 14049, cfg.Mesh.PortEnd)
	assert.False(t, cfg.Mesh.Enabled)
	assert.True(t, cfg.DebugLogging)
}

func TestRedisURLFallbackEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://fallback:6379")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "redis://fallback:6379", cfg.RedisURL)

	// The namespaced variable wins over the generic one
	t.Setenv("MESHBIND_REDIS_URL", "redis://specific:6379")
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "redis://specific:6379", cfg.RedisURL)
}

func TestOptionsOverrideEnv(t *testing.T) {
	t.Setenv("MESHBIND_NAMESPACE", "from-env")

	cfg, err := NewConfig(
		WithNamespace("from-option"),
		WithScanRange("10.0.0.1", 20000, 20009),
		WithHeartbeatTTL(30*time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, "from-option", cfg.Namespace)
	assert.Equal(t, "10.0.0.1", cfg.Mesh.ScanHost)
	assert.Equal(t, 20000, cfg.Mesh.PortStart)
	assert.Equal(t, 30*time.Second, cfg.Registry.HeartbeatTTL)
}

func TestNewConfigValidates(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"empty namespace", []Option{WithNamespace("")}},
		{"zero TTL", []Option{WithHeartbeatTTL(0)}},
		{"zero supervisor interval", []Option{WithSupervisorInterval(0)}},
		{"zero probe timeout", []Option{WithProbe(0, 32)}},
		{"inverted port range", []Option{WithScanRange("localhost", 13099, 13000)}},
		{"zero capacity policy", []Option{WithDefaultPolicy(BindingPolicy{Allowed: []string{"*"}})}},
		{"duplicate internal names", []Option{WithInternalServers([]InternalServerDef{
			{Name: "database", Port: 5008},
			{Name: "database", Port: 5009},
		})}},
		{"unnamed internal server", []Option{WithInternalServers([]InternalServerDef{
			{Port: 5008},
		})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opts...)
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err))
		})
	}
}

func TestMeshDisabledAllowsInvertedRange(t *testing.T) {
	cfg, err := NewConfig(
		WithMeshEnabled(false),
		WithScanRange("localhost", 100, 1),
	)
	require.NoError(t, err)
	assert.False(t, cfg.Mesh.Enabled)
}

func TestLoadInternalServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	content := `- name: database
  port: 5008
  description: document store operations
- name: conductor
  port: 5009
  backend_url: http://conductor:8080
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	defs, err := LoadInternalServers(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "database", defs[0].Name)
	assert.Equal(t, 5008, defs[0].Port)
	assert.Equal(t, "http://localhost:5008/sse", defs[0].EndpointURL())
	assert.Equal(t, "http://conductor:8080", defs[1].BackendURL)

	_, err = LoadInternalServers(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInternalServersFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- name: database\n  port: 5008\n"), 0o644))
	t.Setenv("MESHBIND_SERVERS_FILE", path)

	cfg, err := NewConfig()
	require.NoError(t, err)
	require.Len(t, cfg.InternalServers, 1)
	assert.Equal(t, "database", cfg.InternalServers[0].Name)
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "TRUE", "1", "yes", " on "} {
		assert.True(t, parseBool(v), v)
	}
	for _, v := range []string{"false", "0", "no", "off", "", "garbage"} {
		assert.False(t, parseBool(v), v)
	}
}
