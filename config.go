package meshbind

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the control plane.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithRedisURL("redis://localhost:6379"),
//	    WithScanRange("localhost", 13000, 13099),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Store configuration
	RedisURL  string `json:"redis_url" env:"MESHBIND_REDIS_URL,REDIS_URL"`
	Namespace string `json:"namespace" env:"MESHBIND_NAMESPACE" default:"meshbind"`

	// Registry configuration
	Registry RegistryConfig `json:"registry"`

	// Binder configuration
	Binder BinderConfig `json:"binder"`

	// Health probe configuration (shared by registry, binder and mesh)
	Probe ProbeConfig `json:"probe"`

	// Mesh scanner configuration
	Mesh MeshConfig `json:"mesh"`

	// Static table of internal capability servers, synced into the
	// registry at startup
	InternalServers []InternalServerDef `json:"internal_servers"`

	// Logging configuration
	DebugLogging bool `json:"debug_logging" env:"MESHBIND_DEBUG"`
}

// RegistryConfig contains registry liveness bookkeeping settings.
// HeartbeatTTL should be a small multiple of the sidecars' heartbeat
// cadence (default 90s against a 30s cadence).
type RegistryConfig struct {
	HeartbeatTTL time.Duration `json:"heartbeat_ttl" env:"MESHBIND_HEARTBEAT_TTL" default:"90s"`
	StaleMaxAge  time.Duration `json:"stale_max_age" env:"MESHBIND_STALE_MAX_AGE" default:"24h"`
}

// BinderConfig contains binder supervision settings and the process-wide
// default policy applied to agents without an explicit one.
type BinderConfig struct {
	SupervisorInterval time.Duration `json:"supervisor_interval" env:"MESHBIND_SUPERVISOR_INTERVAL" default:"60s"`
	AgentsConfigDir    string        `json:"agents_config_dir" env:"MESHBIND_AGENTS_CONFIG_DIR"`
	DefaultPolicy      BindingPolicy `json:"default_policy"`
}

// ProbeConfig bounds outbound health probes so that one unreachable server
// cannot stall a bind call or a scan cycle
type ProbeConfig struct {
	Timeout     time.Duration `json:"timeout" env:"MESHBIND_PROBE_TIMEOUT" default:"3s"`
	Concurrency int           `json:"concurrency" env:"MESHBIND_PROBE_CONCURRENCY" default:"32"`
}

// MeshConfig contains the active discovery scanner settings. The port range
// is probed in full every cycle; most ports are expected to be empty.
type MeshConfig struct {
	Enabled      bool          `json:"enabled" env:"MESHBIND_MESH_ENABLED" default:"true"`
	ScanHost     string        `json:"scan_host" env:"MESHBIND_SCAN_HOST" default:"localhost"`
	PortStart    int           `json:"port_start" env:"MESHBIND_SCAN_PORT_START" default:"13000"`
	PortEnd      int           `json:"port_end" env:"MESHBIND_SCAN_PORT_END" default:"13099"`
	ScanInterval time.Duration `json:"scan_interval" env:"MESHBIND_SCAN_INTERVAL" default:"30s"`
}

// InternalServerDef is one row of the static internal server table
type InternalServerDef struct {
	Name        string `json:"name" yaml:"name"`
	Port        int    `json:"port" yaml:"port"`
	Description string `json:"description" yaml:"description"`
	BackendURL  string `json:"backend_url" yaml:"backend_url"`
}

// EndpointURL renders the internal server's tool endpoint
func (d InternalServerDef) EndpointURL() string {
	return fmt.Sprintf("http://localhost:%d/sse", d.Port)
}

// Option is a functional option for configuring the control plane
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Namespace: "meshbind",
		Registry: RegistryConfig{
			HeartbeatTTL: 90 * time.Second,
			StaleMaxAge:  24 * time.Hour,
		},
		Binder: BinderConfig{
			SupervisorInterval: 60 * time.Second,
			DefaultPolicy: BindingPolicy{
				AgentID:              "*",
				Allowed:              []string{"*"},
				Denied:               []string{},
				MaxConcurrentServers: 10,
				RequireHealthy:       true,
			},
		},
		Probe: ProbeConfig{
			Timeout:     3 * time.Second,
			Concurrency: 32,
		},
		Mesh: MeshConfig{
			Enabled:      true,
			ScanHost:     "localhost",
			PortStart:    13000,
			PortEnd:      13099,
			ScanInterval: 30 * time.Second,
		},
	}
}

// LoadFromEnv overrides configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("MESHBIND_REDIS_URL"); v != "" {
		c.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("MESHBIND_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("MESHBIND_DEBUG"); v != "" {
		c.DebugLogging = parseBool(v)
	}

	// Registry settings
	if v := os.Getenv("MESHBIND_HEARTBEAT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Registry.HeartbeatTTL = d
		}
	}
	if v := os.Getenv("MESHBIND_STALE_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Registry.StaleMaxAge = d
		}
	}

	// Binder settings
	if v := os.Getenv("MESHBIND_SUPERVISOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Binder.SupervisorInterval = d
		}
	}
	if v := os.Getenv("MESHBIND_AGENTS_CONFIG_DIR"); v != "" {
		c.Binder.AgentsConfigDir = v
	}
	if v := os.Getenv("MESHBIND_MAX_CONCURRENT_SERVERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Binder.DefaultPolicy.MaxConcurrentServers = n
		}
	}

	// Probe settings
	if v := os.Getenv("MESHBIND_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Probe.Timeout = d
		}
	}
	if v := os.Getenv("MESHBIND_PROBE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Probe.Concurrency = n
		}
	}

	// Mesh settings
	if v := os.Getenv("MESHBIND_MESH_ENABLED"); v != "" {
		c.Mesh.Enabled = parseBool(v)
	}
	if v := os.Getenv("MESHBIND_SCAN_HOST"); v != "" {
		c.Mesh.ScanHost = v
	}
	if v := os.Getenv("MESHBIND_SCAN_PORT_START"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Mesh.PortStart = n
		}
	}
	if v := os.Getenv("MESHBIND_SCAN_PORT_END"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Mesh.PortEnd = n
		}
	}
	if v := os.Getenv("MESHBIND_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Mesh.ScanInterval = d
		}
	}

	// Static internal server table from YAML file
	if path := os.Getenv("MESHBIND_SERVERS_FILE"); path != "" {
		defs, err := LoadInternalServers(path)
		if err != nil {
			return fmt.Errorf("failed to load internal server table: %w", err)
		}
		c.InternalServers = defs
	}

	return nil
}

// Validate checks the final configuration for contradictions
func (c *Config) Validate() error {
	if c.Registry.HeartbeatTTL <= 0 {
		return fmt.Errorf("heartbeat TTL must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Binder.SupervisorInterval <= 0 {
		return fmt.Errorf("supervisor interval must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Probe.Timeout <= 0 || c.Probe.Concurrency <= 0 {
		return fmt.Errorf("probe timeout and concurrency must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Mesh.Enabled && c.Mesh.PortEnd < c.Mesh.PortStart {
		return fmt.Errorf("mesh port range is inverted (%d > %d): %w",
			c.Mesh.PortStart, c.Mesh.PortEnd, ErrInvalidConfiguration)
	}
	if c.Binder.DefaultPolicy.MaxConcurrentServers <= 0 {
		return fmt.Errorf("default policy must allow at least one server: %w", ErrInvalidConfiguration)
	}
	seen := make(map[string]bool)
	for _, def := range c.InternalServers {
		if def.Name == "" {
			return fmt.Errorf("internal server with empty name: %w", ErrInvalidConfiguration)
		}
		if seen[def.Name] {
			return fmt.Errorf("duplicate internal server %q: %w", def.Name, ErrInvalidConfiguration)
		}
		seen[def.Name] = true
	}
	return nil
}

// NewConfig creates a configuration with the given options applied on top
// of defaults and environment variables
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadInternalServers reads the static internal server table from a YAML
// file. The file is a list of {name, port, description, backend_url}.
func LoadInternalServers(path string) ([]InternalServerDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var defs []InternalServerDef
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return defs, nil
}

// WithRedisURL sets the document store URL
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.RedisURL = url
		return nil
	}
}

// WithNamespace sets the key namespace used in the document store
func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		if namespace == "" {
			return fmt.Errorf("namespace cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Namespace = namespace
		return nil
	}
}

// WithHeartbeatTTL sets the short-horizon liveness window for external
// entries
func WithHeartbeatTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		c.Registry.HeartbeatTTL = ttl
		return nil
	}
}

// WithStaleMaxAge sets the long-horizon garbage collection window
func WithStaleMaxAge(age time.Duration) Option {
	return func(c *Config) error {
		c.Registry.StaleMaxAge = age
		return nil
	}
}

// WithSupervisorInterval sets the binder health supervisor cadence
func WithSupervisorInterval(interval time.Duration) Option {
	return func(c *Config) error {
		c.Binder.SupervisorInterval = interval
		return nil
	}
}

// WithAgentsConfigDir points the binder at the directory of agent template
// definitions
func WithAgentsConfigDir(dir string) Option {
	return func(c *Config) error {
		c.Binder.AgentsConfigDir = dir
		return nil
	}
}

// WithDefaultPolicy replaces the process-wide fallback binding policy
func WithDefaultPolicy(policy BindingPolicy) Option {
	return func(c *Config) error {
		if policy.MaxConcurrentServers <= 0 {
			return fmt.Errorf("default policy must allow at least one server: %w", ErrInvalidConfiguration)
		}
		policy.AgentID = "*"
		c.Binder.DefaultPolicy = policy
		return nil
	}
}

// WithProbe sets the per-probe timeout and the probe concurrency bound
func WithProbe(timeout time.Duration, concurrency int) Option {
	return func(c *Config) error {
		c.Probe.Timeout = timeout
		c.Probe.Concurrency = concurrency
		return nil
	}
}

// WithScanRange sets the host and port range the mesh scanner probes
func WithScanRange(host string, start, end int) Option {
	return func(c *Config) error {
		c.Mesh.ScanHost = host
		c.Mesh.PortStart = start
		c.Mesh.PortEnd = end
		return nil
	}
}

// WithScanInterval sets the mesh scan cadence
func WithScanInterval(interval time.Duration) Option {
	return func(c *Config) error {
		c.Mesh.ScanInterval = interval
		return nil
	}
}

// WithMeshEnabled toggles active discovery
func WithMeshEnabled(enabled bool) Option {
	return func(c *Config) error {
		c.Mesh.Enabled = enabled
		return nil
	}
}

// WithInternalServers sets the static internal server table in code
func WithInternalServers(defs []InternalServerDef) Option {
	return func(c *Config) error {
		c.InternalServers = defs
		return nil
	}
}

// WithDebugLogging enables debug-level output on the default logger
func WithDebugLogging(enabled bool) Option {
	return func(c *Config) error {
		c.DebugLogging = enabled
		return nil
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
