package meshbind

import (
	"strings"
	"time"
)

// ServerKind distinguishes gateway-hosted capability servers from
// externally-run sidecars
type ServerKind string

const (
	ServerKindInternal ServerKind = "internal"
	ServerKindExternal ServerKind = "external"
)

// ServerStatus for registry entries
type ServerStatus string

const (
	ServerHealthy   ServerStatus = "healthy"
	ServerUnhealthy ServerStatus = "unhealthy"
	ServerUnknown   ServerStatus = "unknown"
)

// ServerMetadata carries descriptive, non-operational attributes of a
// capability server
type ServerMetadata struct {
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// RegistryEntry is one known capability server. Entries are keyed by Name;
// internal entries come from static configuration, external entries from
// self-registration or mesh discovery.
type RegistryEntry struct {
	Name          string          `json:"name"`
	Kind          ServerKind      `json:"kind"`
	EndpointURL   string          `json:"endpoint_url"`
	HostURL       string          `json:"host_url,omitempty"`
	BackendURL    string          `json:"backend_url,omitempty"`
	Auth          string          `json:"auth,omitempty"`
	Status        ServerStatus    `json:"status"`
	ToolsCount    int             `json:"tools_count"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	RegisteredAt  time.Time       `json:"registered_at"`
	Metadata      *ServerMetadata `json:"metadata,omitempty"`
}

// RegisterRequest carries the announce payload of an external sidecar
type RegisterRequest struct {
	Name        string          `json:"name"`
	EndpointURL string          `json:"endpoint_url"`
	HostURL     string          `json:"host_url,omitempty"`
	BackendURL  string          `json:"backend_url,omitempty"`
	Auth        string          `json:"auth,omitempty"`
	Metadata    *ServerMetadata `json:"metadata,omitempty"`
}

// ListFilter narrows ListAll results. Zero values mean "no filter".
type ListFilter struct {
	Kind        ServerKind
	Category    string
	Status      ServerStatus
	HealthyOnly bool
}

// HealthReport is the outcome of one active probe of a registry entry
type HealthReport struct {
	Name          string       `json:"name"`
	Status        ServerStatus `json:"status"`
	LatencyMs     float64      `json:"latency_ms,omitempty"`
	ToolsCount    int          `json:"tools_count,omitempty"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// RegistryStats aggregates entry counts by kind and status
type RegistryStats struct {
	Total     int `json:"total"`
	Internal  int `json:"internal"`
	External  int `json:"external"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
}

// BindingStatus for bindings and their per-server entries
type BindingStatus string

const (
	BindingActive    BindingStatus = "active"
	BindingSuspended BindingStatus = "suspended"
	BindingError     BindingStatus = "error"
	BindingUnbound   BindingStatus = "unbound"
)

// BindingEntry is one capability server within a binding
type BindingEntry struct {
	Name            string        `json:"name"`
	ResolvedURL     string        `json:"resolved_url"`
	Status          BindingStatus `json:"status"`
	BoundAt         time.Time     `json:"bound_at"`
	LastHealthCheck *time.Time    `json:"last_health_check,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// Binding records which capability servers one running agent instance may
// call. Each instance has at most one binding while it is active.
type Binding struct {
	InstanceID     string                   `json:"instance_id"`
	AgentID        string                   `json:"agent_id"`
	ConversationID string                   `json:"conversation_id,omitempty"`
	ContextID      string                   `json:"context_id,omitempty"`
	Servers        map[string]*BindingEntry `json:"servers"`
	Status         BindingStatus            `json:"status"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	TotalCalls     int64                    `json:"total_calls"`
}

// ActiveServerNames returns the names of servers currently usable by the
// instance, i.e. entries in ACTIVE state
func (b *Binding) ActiveServerNames() []string {
	names := make([]string, 0, len(b.Servers))
	for name, entry := range b.Servers {
		if entry.Status == BindingActive {
			names = append(names, name)
		}
	}
	return names
}

// ServerConfigMap renders the binding as a ready-to-use server config for
// the execution infrastructure. Only ACTIVE entries are included.
func (b *Binding) ServerConfigMap() map[string]ServerConfig {
	servers := make(map[string]ServerConfig)
	for name, entry := range b.Servers {
		if entry.Status == BindingActive {
			servers[name] = ServerConfig{Type: "sse", URL: entry.ResolvedURL}
		}
	}
	return servers
}

// addServer inserts a new ACTIVE entry. Returns false if the name is
// already present.
func (b *Binding) addServer(name, url string) bool {
	if _, exists := b.Servers[name]; exists {
		return false
	}
	b.Servers[name] = &BindingEntry{
		Name:        name,
		ResolvedURL: url,
		Status:      BindingActive,
		BoundAt:     time.Now().UTC(),
	}
	b.UpdatedAt = time.Now().UTC()
	return true
}

// removeServer drops an entry. Returns false if the name is not present.
func (b *Binding) removeServer(name string) bool {
	if _, exists := b.Servers[name]; !exists {
		return false
	}
	delete(b.Servers, name)
	b.UpdatedAt = time.Now().UTC()
	return true
}

// suspendServer moves an entry to SUSPENDED, recording the reason
func (b *Binding) suspendServer(name, reason string) bool {
	entry, exists := b.Servers[name]
	if !exists {
		return false
	}
	entry.Status = BindingSuspended
	entry.ErrorMessage = reason
	b.UpdatedAt = time.Now().UTC()
	return true
}

// reactivateServer moves an entry back to ACTIVE after a passed health check
func (b *Binding) reactivateServer(name string) bool {
	entry, exists := b.Servers[name]
	if !exists {
		return false
	}
	now := time.Now().UTC()
	entry.Status = BindingActive
	entry.ErrorMessage = ""
	entry.LastHealthCheck = &now
	b.UpdatedAt = now
	return true
}

// clone returns a deep copy so callers can read bindings without racing
// the binder's mutations
func (b *Binding) clone() *Binding {
	out := *b
	out.Servers = make(map[string]*BindingEntry, len(b.Servers))
	for name, entry := range b.Servers {
		e := *entry
		out.Servers[name] = &e
	}
	return &out
}

// ServerConfig is one entry of the server-config map handed to the
// execution infrastructure
type ServerConfig struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// BindResult is the outcome of Bind/Rebind. A degraded result (fewer
// servers than requested) is a valid outcome, not an error: names that
// could not be bound are reported in Failed alongside whatever succeeded.
type BindResult struct {
	InstanceID   string                  `json:"instance_id"`
	Bound        []string                `json:"bound"`
	Failed       []string                `json:"failed,omitempty"`
	Truncated    []string                `json:"truncated,omitempty"`
	ServerConfig map[string]ServerConfig `json:"server_config"`
	Message      string                  `json:"message,omitempty"`
}

// BinderStats summarizes the binder's active set
type BinderStats struct {
	TotalBindings  int            `json:"total_bindings"`
	ActiveBindings int            `json:"active_bindings"`
	ServerUsage    map[string]int `json:"server_usage"`
	SupervisorUp   bool           `json:"supervisor_up"`
}

// BindingPolicy is the per-agent-template authorization rule applied during
// bind and add operations. Deny always takes precedence over allow; "*" in
// Allowed permits any name.
type BindingPolicy struct {
	AgentID              string   `json:"agent_id"`
	Allowed              []string `json:"allowed"`
	Denied               []string `json:"denied,omitempty"`
	MaxConcurrentServers int      `json:"max_concurrent_servers"`
	RequireHealthy       bool     `json:"require_healthy"`
}

// IsAllowed reports whether the policy permits binding the named server
func (p *BindingPolicy) IsAllowed(name string) bool {
	for _, denied := range p.Denied {
		if denied == name {
			return false
		}
	}
	for _, allowed := range p.Allowed {
		if allowed == "*" || allowed == name {
			return true
		}
	}
	return false
}

// MeshNode is the ephemeral result of one discovery probe. Nodes are not
// persisted; the scanner replaces its whole topology each cycle.
type MeshNode struct {
	Name        string    `json:"name"`
	EndpointURL string    `json:"endpoint_url"`
	Status      string    `json:"status"`
	LatencyMs   float64   `json:"latency_ms"`
	ToolsCount  int       `json:"tools_count"`
	ObservedAt  time.Time `json:"observed_at"`
}

// AgentDefinition is the subset of an agent template definition the control
// plane cares about: the capability servers the template declares.
type AgentDefinition struct {
	AgentID       string   `json:"agent_id" yaml:"agent_id"`
	ServerConfigs []string `json:"server_configs" yaml:"server_configs"`
}

// healthURL derives the liveness endpoint from a capability server's
// endpoint URL. Servers expose tools on /sse (or similar) and health on
// /health next to it.
func healthURL(endpoint string) string {
	if strings.HasSuffix(endpoint, "/health") {
		return endpoint
	}
	if idx := strings.LastIndex(endpoint, "/sse"); idx >= 0 {
		return endpoint[:idx] + "/health"
	}
	return strings.TrimRight(endpoint, "/") + "/health"
}
