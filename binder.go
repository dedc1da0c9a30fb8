package meshbind

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BindRequest asks the binder to attach capability servers to an agent
// instance before it starts executing. Names overrides the agent
// template's declared capability list when set.
type BindRequest struct {
	InstanceID     string   `json:"instance_id"`
	AgentID        string   `json:"agent_id"`
	Names          []string `json:"names,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	ContextID      string   `json:"context_id,omitempty"`
}

// Binder is the stateful kernel of the control plane. It resolves
// capability names through the registry, enforces per-agent binding
// policy, verifies liveness, and owns the lifecycle of every binding.
//
// The in-memory binding index is the source of truth for active bindings;
// every mutation is also persisted so the index can be rebuilt after a
// restart. Mutations are serialized per instance ID - binds for unrelated
// agents never wait on each other's health probes.
type Binder struct {
	registry *Registry
	store    *Store
	prober   *HealthProber
	cfg      BinderConfig
	logger   Logger

	mu       sync.RWMutex
	bindings map[string]*Binding
	locks    *keyMutex

	policyMu sync.RWMutex
	policies map[string]*BindingPolicy

	supervisor *supervisor
}

// NewBinder creates a binder over the given registry, store and prober
func NewBinder(registry *Registry, store *Store, prober *HealthProber, cfg BinderConfig) *Binder {
	b := &Binder{
		registry: registry,
		store:    store,
		prober:   prober,
		cfg:      cfg,
		logger:   &NoOpLogger{},
		bindings: make(map[string]*Binding),
		locks:    newKeyMutex(),
		policies: make(map[string]*BindingPolicy),
	}
	b.supervisor = newSupervisor(b, cfg.SupervisorInterval)
	return b
}

// SetLogger attaches a logger
func (b *Binder) SetLogger(logger Logger) {
	if logger != nil {
		b.logger = logger
		b.supervisor.logger = logger
	}
}

// Bind attaches capability servers to an agent instance.
//
// The operation is idempotent: a second bind for an already-bound instance
// returns the existing binding unchanged. A request that yields zero bound
// servers because of policy, resolution or health failures is still a
// successful bind - the agent may legitimately run without tools, and the
// caller decides whether a degraded set is acceptable.
func (b *Binder) Bind(ctx context.Context, req BindRequest) (*BindResult, error) {
	if req.AgentID == "" {
		return nil, &ControlError{
			Op:   "binder.Bind",
			Kind: "binder",
			Err:  fmt.Errorf("agent_id is required: %w", ErrInvalidConfiguration),
		}
	}
	if req.InstanceID == "" {
		req.InstanceID = uuid.NewString()
	}

	b.locks.Lock(req.InstanceID)
	defer b.locks.Unlock(req.InstanceID)

	// Retried bind calls return the existing binding unchanged
	if existing := b.lookup(req.InstanceID); existing != nil {
		b.logger.Warn("Instance already bound, returning existing binding", map[string]interface{}{
			"instance_id": req.InstanceID,
			"agent_id":    existing.AgentID,
		})
		return &BindResult{
			InstanceID:   req.InstanceID,
			Bound:        existing.ActiveServerNames(),
			ServerConfig: existing.ServerConfigMap(),
			Message:      "already bound",
		}, nil
	}

	candidates := req.Names
	if len(candidates) == 0 {
		var err error
		candidates, err = b.agentCandidates(ctx, req.AgentID)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	binding := &Binding{
		InstanceID:     req.InstanceID,
		AgentID:        req.AgentID,
		ConversationID: req.ConversationID,
		ContextID:      req.ContextID,
		Servers:        make(map[string]*BindingEntry),
		Status:         BindingActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// An agent with no configured capabilities still gets a binding; it
	// just runs without tools
	if len(candidates) == 0 {
		b.index(binding)
		b.persist(ctx, binding)
		b.logger.Info("Created empty binding", map[string]interface{}{
			"instance_id": req.InstanceID,
			"agent_id":    req.AgentID,
		})
		return &BindResult{
			InstanceID:   req.InstanceID,
			Bound:        []string{},
			ServerConfig: map[string]ServerConfig{},
			Message:      "no capability servers configured for this agent",
		}, nil
	}

	policy := b.policyFor(ctx, req.AgentID)

	allowed := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if policy.IsAllowed(name) {
			allowed = append(allowed, name)
		} else {
			b.logger.Warn("Capability denied by policy", map[string]interface{}{
				"instance_id": req.InstanceID,
				"agent_id":    req.AgentID,
				"name":        name,
			})
		}
	}

	// Capacity truncation keeps the input order; the excess is reported
	// but is neither an error nor a resolution failure
	var truncated []string
	if len(allowed) > policy.MaxConcurrentServers {
		truncated = allowed[policy.MaxConcurrentServers:]
		allowed = allowed[:policy.MaxConcurrentServers]
		b.logger.Warn("Truncated candidate servers to policy capacity", map[string]interface{}{
			"instance_id": req.InstanceID,
			"max":         policy.MaxConcurrentServers,
			"dropped":     truncated,
		})
	}

	resolved, notFound := b.registry.ResolveNames(ctx, allowed)
	failed := append([]string{}, notFound...)

	healthy := b.filterHealthy(ctx, policy, resolved, &failed)

	for _, name := range allowed {
		if url, ok := healthy[name]; ok {
			binding.addServer(name, url)
		}
	}

	b.index(binding)
	b.persist(ctx, binding)

	bound := binding.ActiveServerNames()
	sort.Strings(bound)
	sort.Strings(failed)

	b.logger.Info("Bound capability servers", map[string]interface{}{
		"instance_id": req.InstanceID,
		"agent_id":    req.AgentID,
		"bound":       bound,
		"failed":      failed,
	})

	return &BindResult{
		InstanceID:   req.InstanceID,
		Bound:        bound,
		Failed:       failed,
		Truncated:    truncated,
		ServerConfig: binding.ServerConfigMap(),
	}, nil
}

// Unbind terminates an instance's binding. The final state, including the
// accumulated call counter, is persisted for audit before the binding
// leaves the active index. Returns false if no binding existed.
func (b *Binder) Unbind(ctx context.Context, instanceID, reason string) (bool, error) {
	b.locks.Lock(instanceID)
	defer b.locks.Unlock(instanceID)

	binding := b.lookup(instanceID)
	if binding == nil {
		b.logger.Warn("Cannot unbind unknown instance", map[string]interface{}{
			"instance_id": instanceID,
		})
		return false, nil
	}

	binding.Status = BindingUnbound
	binding.UpdatedAt = time.Now().UTC()

	if err := b.store.PutBinding(ctx, binding); err != nil {
		return false, NewControlError("binder.Unbind", "binder", err)
	}

	b.mu.Lock()
	delete(b.bindings, instanceID)
	b.mu.Unlock()

	b.logger.Info("Unbound instance", map[string]interface{}{
		"instance_id": instanceID,
		"agent_id":    binding.AgentID,
		"total_calls": binding.TotalCalls,
		"reason":      reason,
	})
	return true, nil
}

// AddServer attaches one more capability server to a live binding without
// a full rebind. Policy, capacity, resolution and (when required) health
// are all re-checked; any failure returns false and leaves the binding
// untouched.
func (b *Binder) AddServer(ctx context.Context, instanceID, name string) (bool, error) {
	b.locks.Lock(instanceID)
	defer b.locks.Unlock(instanceID)

	binding := b.lookup(instanceID)
	if binding == nil {
		return false, nil
	}

	policy := b.policyFor(ctx, binding.AgentID)
	if !policy.IsAllowed(name) {
		b.logger.Warn("Capability denied by policy", map[string]interface{}{
			"instance_id": instanceID,
			"agent_id":    binding.AgentID,
			"name":        name,
		})
		return false, nil
	}
	if len(binding.Servers) >= policy.MaxConcurrentServers {
		b.logger.Warn("Cannot add server: policy capacity reached", map[string]interface{}{
			"instance_id": instanceID,
			"max":         policy.MaxConcurrentServers,
		})
		return false, nil
	}

	resolved, notFound := b.registry.ResolveNames(ctx, []string{name})
	if len(notFound) > 0 {
		b.logger.Warn("Cannot add server: not resolvable", map[string]interface{}{
			"instance_id": instanceID,
			"name":        name,
		})
		return false, nil
	}
	url := resolved[name]

	if policy.RequireHealthy {
		if result := b.prober.Probe(ctx, url); !result.Healthy {
			b.logger.Warn("Cannot add server: failed health check", map[string]interface{}{
				"instance_id": instanceID,
				"name":        name,
			})
			return false, nil
		}
	}

	if !binding.addServer(name, url) {
		return false, nil
	}
	b.persist(ctx, binding)

	b.logger.Info("Added server to binding", map[string]interface{}{
		"instance_id": instanceID,
		"name":        name,
	})
	return true, nil
}

// RemoveServer detaches one capability server from a live binding
func (b *Binder) RemoveServer(ctx context.Context, instanceID, name, reason string) (bool, error) {
	b.locks.Lock(instanceID)
	defer b.locks.Unlock(instanceID)

	binding := b.lookup(instanceID)
	if binding == nil {
		return false, nil
	}
	if !binding.removeServer(name) {
		return false, nil
	}
	b.persist(ctx, binding)

	b.logger.Info("Removed server from binding", map[string]interface{}{
		"instance_id": instanceID,
		"name":        name,
		"reason":      reason,
	})
	return true, nil
}

// Rebind re-resolves and re-probes every server currently on the binding,
// typically after a registry change or a recovery event. Servers that now
// fail resolution or health move to SUSPENDED rather than being dropped,
// preserving the record that they were once bound.
func (b *Binder) Rebind(ctx context.Context, instanceID string) (*BindResult, error) {
	b.locks.Lock(instanceID)
	defer b.locks.Unlock(instanceID)

	binding := b.lookup(instanceID)
	if binding == nil {
		return nil, &ControlError{
			Op:   "binder.Rebind",
			Kind: "binder",
			Name: instanceID,
			Err:  ErrBindingNotFound,
		}
	}

	names := make([]string, 0, len(binding.Servers))
	for name := range binding.Servers {
		names = append(names, name)
	}

	resolved, _ := b.registry.ResolveNames(ctx, names)

	var failed []string
	for _, name := range names {
		url, ok := resolved[name]
		if !ok {
			binding.suspendServer(name, "not found in registry during rebind")
			failed = append(failed, name)
			continue
		}
		if result := b.prober.Probe(ctx, url); result.Healthy {
			binding.Servers[name].ResolvedURL = url
			binding.reactivateServer(name)
		} else {
			binding.suspendServer(name, "health check failed during rebind")
			failed = append(failed, name)
		}
	}

	b.persist(ctx, binding)

	bound := binding.ActiveServerNames()
	sort.Strings(bound)
	sort.Strings(failed)

	b.logger.Info("Rebound instance", map[string]interface{}{
		"instance_id": instanceID,
		"active":      bound,
		"suspended":   failed,
	})

	return &BindResult{
		InstanceID:   instanceID,
		Bound:        bound,
		Failed:       failed,
		ServerConfig: binding.ServerConfigMap(),
	}, nil
}

// RecordCalls adds to the binding's tool-call counter. The counter is a
// metric carried through to the audit record at unbind time.
func (b *Binder) RecordCalls(ctx context.Context, instanceID string, calls int64) bool {
	b.locks.Lock(instanceID)
	defer b.locks.Unlock(instanceID)

	binding := b.lookup(instanceID)
	if binding == nil {
		return false
	}
	binding.TotalCalls += calls
	binding.UpdatedAt = time.Now().UTC()
	b.persist(ctx, binding)
	return true
}

// GetBinding returns a copy of the binding for one instance, or nil.
// Cloning happens under the instance's key lock: mutation paths hold that
// lock, not b.mu, while writing entry fields and the server map.
func (b *Binder) GetBinding(instanceID string) *Binding {
	b.locks.Lock(instanceID)
	defer b.locks.Unlock(instanceID)
	if binding := b.lookup(instanceID); binding != nil {
		return binding.clone()
	}
	return nil
}

// instanceIDs snapshots the keys of the active index
func (b *Binder) instanceIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.bindings))
	for id := range b.bindings {
		ids = append(ids, id)
	}
	return ids
}

// GetAllBindings returns copies of every active binding
func (b *Binder) GetAllBindings() []*Binding {
	ids := b.instanceIDs()
	out := make([]*Binding, 0, len(ids))
	for _, id := range ids {
		if binding := b.GetBinding(id); binding != nil {
			out = append(out, binding)
		}
	}
	return out
}

// GetBindingsForAgent returns copies of all bindings for one agent template
func (b *Binder) GetBindingsForAgent(agentID string) []*Binding {
	var out []*Binding
	for _, binding := range b.GetAllBindings() {
		if binding.AgentID == agentID {
			out = append(out, binding)
		}
	}
	return out
}

// GetBindingsUsing returns copies of all bindings that include the named
// capability server
func (b *Binder) GetBindingsUsing(name string) []*Binding {
	var out []*Binding
	for _, binding := range b.GetAllBindings() {
		if _, exists := binding.Servers[name]; exists {
			out = append(out, binding)
		}
	}
	return out
}

// Stats summarizes the active binding set and per-server usage
func (b *Binder) Stats() *BinderStats {
	bindings := b.GetAllBindings()

	stats := &BinderStats{
		TotalBindings: len(bindings),
		ServerUsage:   make(map[string]int),
		SupervisorUp:  b.supervisor.running(),
	}
	for _, binding := range bindings {
		if binding.Status == BindingActive {
			stats.ActiveBindings++
		}
		for name := range binding.Servers {
			stats.ServerUsage[name]++
		}
	}
	return stats
}

// SetPolicy installs (and persists) the binding policy for one agent
// template
func (b *Binder) SetPolicy(ctx context.Context, policy BindingPolicy) error {
	if policy.AgentID == "" {
		return fmt.Errorf("policy agent_id is required: %w", ErrInvalidConfiguration)
	}

	b.policyMu.Lock()
	p := policy
	b.policies[policy.AgentID] = &p
	b.policyMu.Unlock()

	if err := b.store.PutPolicy(ctx, &p); err != nil {
		return NewControlError("binder.SetPolicy", "binder", err)
	}

	b.logger.Info("Installed binding policy", map[string]interface{}{
		"agent_id": policy.AgentID,
		"allowed":  policy.Allowed,
		"denied":   policy.Denied,
		"max":      policy.MaxConcurrentServers,
	})
	return nil
}

// LoadActiveBindings repopulates the in-memory index from the document
// store after a restart, so supervision and queries stay consistent with
// the pre-restart world without every agent re-binding. Stored policies
// are reloaded alongside. Returns the number of bindings recovered.
func (b *Binder) LoadActiveBindings(ctx context.Context) (int, error) {
	bindings, err := b.store.ListActiveBindings(ctx)
	if err != nil {
		return 0, NewControlError("binder.LoadActiveBindings", "binder", err)
	}

	b.mu.Lock()
	for _, binding := range bindings {
		b.bindings[binding.InstanceID] = binding
	}
	b.mu.Unlock()

	b.logger.Info("Loaded active bindings from store", map[string]interface{}{
		"count": len(bindings),
	})
	return len(bindings), nil
}

// StartSupervision launches the background health supervisor. Safe to call
// once; a second call reports ErrAlreadyStarted.
func (b *Binder) StartSupervision() error {
	return b.supervisor.start()
}

// StopSupervision signals the supervisor to stop and waits for the current
// cycle to finish. Idempotent.
func (b *Binder) StopSupervision() {
	b.supervisor.stop()
}

// lookup returns the live (shared) binding; callers must hold the
// per-instance lock when mutating it
func (b *Binder) lookup(instanceID string) *Binding {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bindings[instanceID]
}

func (b *Binder) index(binding *Binding) {
	b.mu.Lock()
	b.bindings[binding.InstanceID] = binding
	b.mu.Unlock()
}

// persist writes the binding through to the store. Persistence failures
// are logged, not fatal: the in-memory index remains authoritative and
// the next mutation retries the write.
func (b *Binder) persist(ctx context.Context, binding *Binding) {
	if err := b.store.PutBinding(ctx, binding); err != nil {
		b.logger.Error("Failed to persist binding", map[string]interface{}{
			"error":       err,
			"instance_id": binding.InstanceID,
		})
	}
}

// agentCandidates reads the capability list declared on the agent
// template: the definition file first, then the stored template document
func (b *Binder) agentCandidates(ctx context.Context, agentID string) ([]string, error) {
	if def, err := LoadAgentDefinition(b.cfg.AgentsConfigDir, agentID); err != nil {
		b.logger.Error("Failed to read agent definition", map[string]interface{}{
			"error":    err,
			"agent_id": agentID,
		})
	} else if def != nil && len(def.ServerConfigs) > 0 {
		return def.ServerConfigs, nil
	}

	names, err := b.store.GetAgentServers(ctx, agentID)
	if err != nil {
		return nil, NewControlError("binder.Bind", "binder", err)
	}
	return names, nil
}

// policyFor returns the agent's policy: cached, then stored, then the
// process-wide default
func (b *Binder) policyFor(ctx context.Context, agentID string) *BindingPolicy {
	b.policyMu.RLock()
	if policy, exists := b.policies[agentID]; exists {
		b.policyMu.RUnlock()
		return policy
	}
	b.policyMu.RUnlock()

	if policy, err := b.store.GetPolicy(ctx, agentID); err == nil && policy != nil {
		b.policyMu.Lock()
		b.policies[agentID] = policy
		b.policyMu.Unlock()
		return policy
	}

	return &b.cfg.DefaultPolicy
}

// filterHealthy probes every resolved URL concurrently when the policy
// requires healthy servers, moving failures into the failed list. The
// prober bounds total in-flight probes; each probe has its own timeout.
func (b *Binder) filterHealthy(ctx context.Context, policy *BindingPolicy, resolved map[string]string, failed *[]string) map[string]string {
	if !policy.RequireHealthy {
		return resolved
	}

	type outcome struct {
		name    string
		healthy bool
	}

	results := make(chan outcome, len(resolved))
	var wg sync.WaitGroup
	for name, url := range resolved {
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			result := b.prober.Probe(ctx, url)
			results <- outcome{name: name, healthy: result.Healthy}
		}(name, url)
	}
	wg.Wait()
	close(results)

	healthy := make(map[string]string, len(resolved))
	for out := range results {
		if out.healthy {
			healthy[out.name] = resolved[out.name]
		} else {
			*failed = append(*failed, out.name)
			b.logger.Warn("Capability server failed bind-time health check", map[string]interface{}{
				"name": out.name,
			})
		}
	}
	return healthy
}
