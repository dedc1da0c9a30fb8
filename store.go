package meshbind

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Collections within the document store. One JSON document per entity,
// keyed as {namespace}:{collection}:{key}.
const (
	collectionServers   = "servers"
	collectionBindings  = "bindings"
	collectionPolicies  = "policies"
	collectionAgents    = "agents"
	collectionInstances = "agent_instances"
)

// Store is the document-store layer shared by the registry and the binder.
// It owns key layout, JSON encoding, secondary index sets, and the
// normalization of legacy document shapes - none of which leaks into the
// core components.
type Store struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// NewStore connects to the document store and verifies the connection
func NewStore(redisURL, namespace string) (*Store, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	// Production-grade connection settings
	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrConnectionFailed)
	}

	return &Store{
		client:    client,
		namespace: namespace,
		logger:    &NoOpLogger{},
	}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests and by callers
// that manage the connection themselves.
func NewStoreWithClient(client *redis.Client, namespace string) *Store {
	return &Store{
		client:    client,
		namespace: namespace,
		logger:    &NoOpLogger{},
	}
}

// SetLogger attaches a logger for store-level diagnostics
func (s *Store) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(collection, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.namespace, collection, id)
}

func (s *Store) indexKey(name string) string {
	return fmt.Sprintf("%s:%s", s.namespace, name)
}

// --- Registry entries ---

// PutServer upserts a registry entry and maintains the name and kind
// indexes atomically
func (s *Store) PutServer(ctx context.Context, entry *RegistryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal registry entry %s: %w", entry.Name, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(collectionServers, entry.Name), data, 0)
	pipe.SAdd(ctx, s.indexKey("server_names"), entry.Name)
	pipe.SAdd(ctx, s.indexKey("server_kind:"+string(entry.Kind)), entry.Name)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to store registry entry", map[string]interface{}{
			"error": err,
			"name":  entry.Name,
		})
		return fmt.Errorf("failed to store registry entry %s: %w", entry.Name, err)
	}
	return nil
}

// GetServer fetches one registry entry by name. Returns ErrServerNotFound
// if no document exists.
func (s *Store) GetServer(ctx context.Context, name string) (*RegistryEntry, error) {
	data, err := s.client.Get(ctx, s.key(collectionServers, name)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("server %s: %w", name, ErrServerNotFound)
		}
		return nil, fmt.Errorf("failed to get registry entry %s: %w", name, err)
	}

	var entry RegistryEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registry entry %s: %w", name, err)
	}
	return &entry, nil
}

// DeleteServer removes one registry entry and its index memberships
func (s *Store) DeleteServer(ctx context.Context, name string, kind ServerKind) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(collectionServers, name))
	pipe.SRem(ctx, s.indexKey("server_names"), name)
	pipe.SRem(ctx, s.indexKey("server_kind:"+string(kind)), name)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete registry entry %s: %w", name, err)
	}
	return nil
}

// ListServers returns all registry entries. Entries whose documents have
// vanished since the index was read are skipped.
func (s *Store) ListServers(ctx context.Context) ([]*RegistryEntry, error) {
	names, err := s.client.SMembers(ctx, s.indexKey("server_names")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list registry entries: %w", err)
	}

	entries := make([]*RegistryEntry, 0, len(names))
	for _, name := range names {
		entry, err := s.GetServer(ctx, name)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// --- Bindings ---

// PutBinding upserts a binding document and maintains the active-status
// and per-agent indexes. Terminal (unbound) documents stay in the store
// for audit but leave the active index.
func (s *Store) PutBinding(ctx context.Context, binding *Binding) error {
	data, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("failed to marshal binding %s: %w", binding.InstanceID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(collectionBindings, binding.InstanceID), data, 0)
	pipe.SAdd(ctx, s.indexKey("agent_bindings:"+binding.AgentID), binding.InstanceID)
	if binding.Status == BindingActive {
		pipe.SAdd(ctx, s.indexKey("binding_status:active"), binding.InstanceID)
	} else {
		pipe.SRem(ctx, s.indexKey("binding_status:active"), binding.InstanceID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to persist binding", map[string]interface{}{
			"error":       err,
			"instance_id": binding.InstanceID,
		})
		return fmt.Errorf("failed to persist binding %s: %w", binding.InstanceID, err)
	}
	return nil
}

// GetBinding fetches one persisted binding by instance ID
func (s *Store) GetBinding(ctx context.Context, instanceID string) (*Binding, error) {
	data, err := s.client.Get(ctx, s.key(collectionBindings, instanceID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("binding %s: %w", instanceID, ErrBindingNotFound)
		}
		return nil, fmt.Errorf("failed to get binding %s: %w", instanceID, err)
	}

	var binding Binding
	if err := json.Unmarshal([]byte(data), &binding); err != nil {
		return nil, fmt.Errorf("failed to unmarshal binding %s: %w", instanceID, err)
	}
	if binding.Servers == nil {
		binding.Servers = make(map[string]*BindingEntry)
	}
	return &binding, nil
}

// ListActiveBindings is the startup query: every persisted binding still
// marked ACTIVE. Documents that fail to load are logged and skipped so one
// bad record cannot block recovery.
func (s *Store) ListActiveBindings(ctx context.Context) ([]*Binding, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey("binding_status:active")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active bindings: %w", err)
	}

	bindings := make([]*Binding, 0, len(ids))
	for _, id := range ids {
		binding, err := s.GetBinding(ctx, id)
		if err != nil {
			s.logger.Warn("Failed to load persisted binding", map[string]interface{}{
				"error":       err,
				"instance_id": id,
			})
			continue
		}
		bindings = append(bindings, binding)
	}
	return bindings, nil
}

// --- Binding policies ---

// PutPolicy upserts a per-agent binding policy
func (s *Store) PutPolicy(ctx context.Context, policy *BindingPolicy) error {
	data, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy %s: %w", policy.AgentID, err)
	}
	if err := s.client.Set(ctx, s.key(collectionPolicies, policy.AgentID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store policy %s: %w", policy.AgentID, err)
	}
	return nil
}

// GetPolicy fetches the policy for one agent template, or nil if none is
// stored
func (s *Store) GetPolicy(ctx context.Context, agentID string) (*BindingPolicy, error) {
	data, err := s.client.Get(ctx, s.key(collectionPolicies, agentID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get policy %s: %w", agentID, err)
	}

	var policy BindingPolicy
	if err := json.Unmarshal([]byte(data), &policy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy %s: %w", agentID, err)
	}
	return &policy, nil
}

// --- Agent templates and instances ---

// legacyAgentDoc tolerates the historical document shapes for agent
// templates: capability lists either flat or nested under "definition",
// under either field name. Normalization happens here and nowhere else.
type legacyAgentDoc struct {
	AgentID       string          `json:"agent_id"`
	ServerConfigs []string        `json:"server_configs"`
	MCPConfigs    []string        `json:"mcp_configs"`
	Definition    *legacyAgentDoc `json:"definition"`
}

func (d *legacyAgentDoc) serverNames() []string {
	if len(d.ServerConfigs) > 0 {
		return d.ServerConfigs
	}
	if len(d.MCPConfigs) > 0 {
		return d.MCPConfigs
	}
	if d.Definition != nil {
		return d.Definition.serverNames()
	}
	return nil
}

// GetAgentServers returns the capability names declared on an agent
// template document, or nil if no template is stored
func (s *Store) GetAgentServers(ctx context.Context, agentID string) ([]string, error) {
	data, err := s.client.Get(ctx, s.key(collectionAgents, agentID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent template %s: %w", agentID, err)
	}

	var doc legacyAgentDoc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent template %s: %w", agentID, err)
	}
	return doc.serverNames(), nil
}

// instanceDoc is the subset of an agent instance document the control
// plane reads: per-instance capability extras and the owning template
type instanceDoc struct {
	InstanceID    string   `json:"instance_id"`
	AgentID       string   `json:"agent_id"`
	ServerConfigs []string `json:"server_configs"`
	MCPConfigs    []string `json:"mcp_configs"`
}

// GetInstanceServers returns the capability names declared on a specific
// agent instance plus the instance's agent ID, or ("", nil) if no instance
// document is stored
func (s *Store) GetInstanceServers(ctx context.Context, instanceID string) (string, []string, error) {
	data, err := s.client.Get(ctx, s.key(collectionInstances, instanceID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("failed to get agent instance %s: %w", instanceID, err)
	}

	var doc instanceDoc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal agent instance %s: %w", instanceID, err)
	}
	names := doc.ServerConfigs
	if len(names) == 0 {
		names = doc.MCPConfigs
	}
	return doc.AgentID, names, nil
}
