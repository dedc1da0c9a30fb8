package meshbind

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Registry is the single source of truth for known capability servers.
// Internal entries come from static configuration and never expire;
// external entries are created by self-registration (or mesh discovery)
// and are flipped to unhealthy when their heartbeat goes stale.
//
// Mutations are serialized per server name. Reads evaluate heartbeat TTL
// before returning status, so a stale entry is reported unhealthy on the
// first read after expiry rather than on some background sweep.
type Registry struct {
	store        *Store
	prober       *HealthProber
	heartbeatTTL time.Duration
	staleMaxAge  time.Duration
	locks        *keyMutex
	logger       Logger
}

// NewRegistry creates a registry over the given store and prober
func NewRegistry(store *Store, prober *HealthProber, cfg RegistryConfig) *Registry {
	return &Registry{
		store:        store,
		prober:       prober,
		heartbeatTTL: cfg.HeartbeatTTL,
		staleMaxAge:  cfg.StaleMaxAge,
		locks:        newKeyMutex(),
		logger:       &NoOpLogger{},
	}
}

// SetLogger attaches a logger
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SyncInternal upserts the static internal server table into the registry.
// Called once at process start. Existing entries keep their registration
// time and last probed status; brand-new entries start as unknown until a
// probe or heartbeat says otherwise.
func (r *Registry) SyncInternal(ctx context.Context, defs []InternalServerDef) error {
	for _, def := range defs {
		r.locks.Lock(def.Name)

		entry := &RegistryEntry{
			Name:        def.Name,
			Kind:        ServerKindInternal,
			EndpointURL: def.EndpointURL(),
			BackendURL:  def.BackendURL,
			Status:      ServerUnknown,
			Metadata: &ServerMetadata{
				Category:    "core",
				Description: def.Description,
				Tags:        []string{"internal", "core"},
			},
			RegisteredAt: time.Now().UTC(),
		}

		if existing, err := r.store.GetServer(ctx, def.Name); err == nil {
			entry.RegisteredAt = existing.RegisteredAt
			if existing.Kind == ServerKindInternal {
				entry.Status = existing.Status
				entry.ToolsCount = existing.ToolsCount
				entry.LastHeartbeat = existing.LastHeartbeat
			}
		}

		err := r.store.PutServer(ctx, entry)
		r.locks.Unlock(def.Name)
		if err != nil {
			return fmt.Errorf("failed to sync internal server %s: %w", def.Name, err)
		}
	}

	r.logger.Info("Synced internal capability servers", map[string]interface{}{
		"count": len(defs),
	})
	return nil
}

// Register upserts an external entry. Re-registration after a sidecar
// restart is expected and idempotent. Self-registration implies the caller
// is alive now, so the entry always starts healthy with a fresh heartbeat.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegistryEntry, error) {
	if req.Name == "" || req.EndpointURL == "" {
		return nil, &ControlError{
			Op:   "registry.Register",
			Kind: "registry",
			Err:  fmt.Errorf("name and endpoint_url are required: %w", ErrInvalidConfiguration),
		}
	}

	r.locks.Lock(req.Name)
	defer r.locks.Unlock(req.Name)

	if existing, err := r.store.GetServer(ctx, req.Name); err == nil {
		if existing.Kind == ServerKindInternal {
			return nil, &ControlError{
				Op:   "registry.Register",
				Kind: "registry",
				Name: req.Name,
				Err:  ErrNameReserved,
			}
		}
	}

	now := time.Now().UTC()
	entry := &RegistryEntry{
		Name:          req.Name,
		Kind:          ServerKindExternal,
		EndpointURL:   req.EndpointURL,
		HostURL:       req.HostURL,
		BackendURL:    req.BackendURL,
		Auth:          req.Auth,
		Status:        ServerHealthy,
		LastHeartbeat: &now,
		RegisteredAt:  now,
		Metadata:      req.Metadata,
	}

	if err := r.store.PutServer(ctx, entry); err != nil {
		return nil, NewControlError("registry.Register", "registry", err)
	}

	r.logger.Info("Registered external capability server", map[string]interface{}{
		"name":         req.Name,
		"endpoint_url": req.EndpointURL,
	})
	return entry, nil
}

// Unregister removes an external entry. Returns false if the name is
// unknown; internal entries cannot be removed.
func (r *Registry) Unregister(ctx context.Context, name string) (bool, error) {
	r.locks.Lock(name)
	defer r.locks.Unlock(name)

	existing, err := r.store.GetServer(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, NewControlError("registry.Unregister", "registry", err)
	}

	if existing.Kind == ServerKindInternal {
		return false, &ControlError{
			Op:   "registry.Unregister",
			Kind: "registry",
			Name: name,
			Err:  ErrInternalProtected,
		}
	}

	if err := r.store.DeleteServer(ctx, name, existing.Kind); err != nil {
		return false, NewControlError("registry.Unregister", "registry", err)
	}

	r.logger.Info("Unregistered capability server", map[string]interface{}{
		"name": name,
	})
	return true, nil
}

// Heartbeat refreshes an entry's liveness. toolsCount < 0 means "no
// update". Returns false if the entry does not exist - heartbeats never
// create entries.
func (r *Registry) Heartbeat(ctx context.Context, name string, toolsCount int) (bool, error) {
	r.locks.Lock(name)
	defer r.locks.Unlock(name)

	entry, err := r.store.GetServer(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, NewControlError("registry.Heartbeat", "registry", err)
	}

	now := time.Now().UTC()
	entry.LastHeartbeat = &now
	entry.Status = ServerHealthy
	if toolsCount >= 0 {
		entry.ToolsCount = toolsCount
	}

	if err := r.store.PutServer(ctx, entry); err != nil {
		return false, NewControlError("registry.Heartbeat", "registry", err)
	}
	return true, nil
}

// GetByName fetches one entry, evaluating heartbeat TTL first
func (r *Registry) GetByName(ctx context.Context, name string) (*RegistryEntry, error) {
	entry, err := r.store.GetServer(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.expireIfStale(ctx, entry), nil
}

// ListAll returns entries matching the filter, sorted by name. Every
// returned entry has been TTL-checked.
func (r *Registry) ListAll(ctx context.Context, filter ListFilter) ([]*RegistryEntry, error) {
	entries, err := r.store.ListServers(ctx)
	if err != nil {
		return nil, NewControlError("registry.ListAll", "registry", err)
	}

	results := make([]*RegistryEntry, 0, len(entries))
	for _, entry := range entries {
		entry = r.expireIfStale(ctx, entry)

		if filter.Kind != "" && entry.Kind != filter.Kind {
			continue
		}
		if filter.Category != "" {
			if entry.Metadata == nil || entry.Metadata.Category != filter.Category {
				continue
			}
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.HealthyOnly && entry.Status != ServerHealthy {
			continue
		}
		results = append(results, entry)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Name < results[j].Name
	})
	return results, nil
}

// ResolveNames maps capability names to endpoint URLs. Only entries that
// exist and are not unhealthy resolve; everything else lands in notFound.
// A name in notFound is an expected partial failure, not an error.
func (r *Registry) ResolveNames(ctx context.Context, names []string) (map[string]string, []string) {
	resolved := make(map[string]string)
	var notFound []string

	for _, name := range names {
		entry, err := r.GetByName(ctx, name)
		if err != nil || entry.Status == ServerUnhealthy {
			notFound = append(notFound, name)
			continue
		}
		resolved[name] = entry.EndpointURL
	}

	return resolved, notFound
}

// CheckHealth actively probes one entry's health endpoint and updates its
// stored status from the result. This is on-demand verification, distinct
// from the passive heartbeat path. A positive timeout overrides the
// prober's configured timeout for this one probe.
func (r *Registry) CheckHealth(ctx context.Context, name string, timeout time.Duration) HealthReport {
	entry, err := r.GetByName(ctx, name)
	if err != nil {
		return HealthReport{
			Name:   name,
			Status: ServerUnknown,
			Error:  "server not found in registry",
		}
	}

	result := r.prober.ProbeWithTimeout(ctx, entry.EndpointURL, timeout)

	r.locks.Lock(name)
	defer r.locks.Unlock(name)

	// Reload under the lock; the probe may have raced a mutation
	entry, err = r.store.GetServer(ctx, name)
	if err != nil {
		return HealthReport{Name: name, Status: ServerUnknown, Error: "server not found in registry"}
	}

	if result.Healthy {
		now := time.Now().UTC()
		entry.Status = ServerHealthy
		entry.LastHeartbeat = &now
		if result.ToolsCount > 0 {
			entry.ToolsCount = result.ToolsCount
		}
		if err := r.store.PutServer(ctx, entry); err != nil {
			r.logger.Warn("Failed to persist health check result", map[string]interface{}{
				"error": err,
				"name":  name,
			})
		}
		return HealthReport{
			Name:          name,
			Status:        ServerHealthy,
			LatencyMs:     result.LatencyMs,
			ToolsCount:    entry.ToolsCount,
			LastHeartbeat: entry.LastHeartbeat,
		}
	}

	entry.Status = ServerUnhealthy
	if err := r.store.PutServer(ctx, entry); err != nil {
		r.logger.Warn("Failed to persist health check result", map[string]interface{}{
			"error": err,
			"name":  name,
		})
	}

	report := HealthReport{
		Name:      name,
		Status:    ServerUnhealthy,
		LatencyMs: result.LatencyMs,
	}
	if result.Err != nil {
		report.Error = result.Err.Error()
	}
	return report
}

// CleanupStaleEntries deletes external entries with no heartbeat within
// maxAge. This is long-horizon garbage collection, distinct from the
// short-horizon TTL marking done on reads. Returns the number removed.
func (r *Registry) CleanupStaleEntries(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := r.store.ListServers(ctx)
	if err != nil {
		return 0, NewControlError("registry.CleanupStaleEntries", "registry", err)
	}

	threshold := time.Now().UTC().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if entry.Kind != ServerKindExternal {
			continue
		}
		if entry.LastHeartbeat == nil || entry.LastHeartbeat.After(threshold) {
			continue
		}

		r.locks.Lock(entry.Name)
		err := r.store.DeleteServer(ctx, entry.Name, entry.Kind)
		r.locks.Unlock(entry.Name)
		if err != nil {
			r.logger.Warn("Failed to remove stale entry", map[string]interface{}{
				"error": err,
				"name":  entry.Name,
			})
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info("Cleaned up stale registry entries", map[string]interface{}{
			"removed": removed,
			"max_age": maxAge.String(),
		})
	}
	return removed, nil
}

// Stats aggregates entry counts by kind and status
func (r *Registry) Stats(ctx context.Context) (*RegistryStats, error) {
	entries, err := r.ListAll(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	stats := &RegistryStats{Total: len(entries)}
	for _, entry := range entries {
		switch entry.Kind {
		case ServerKindInternal:
			stats.Internal++
		case ServerKindExternal:
			stats.External++
		}
		switch entry.Status {
		case ServerHealthy:
			stats.Healthy++
		case ServerUnhealthy:
			stats.Unhealthy++
		default:
			stats.Unknown++
		}
	}
	return stats, nil
}

// ResolveConfigFor merges the capability names declared on the agent
// template with those declared on the specific instance, resolves each
// through the registry, and renders a ready-to-use server config. Names
// that fail to resolve or are unhealthy are silently dropped - a degraded
// config is preferable to a failed agent start. Stored auth tokens are
// attached to the resolved URLs, and a caller-reachable host URL is
// preferred over the in-network endpoint when one was registered.
func (r *Registry) ResolveConfigFor(ctx context.Context, instanceID, agentID string) (map[string]ServerConfig, error) {
	nameSet := make(map[string]bool)

	if instanceID != "" {
		instanceAgent, names, err := r.store.GetInstanceServers(ctx, instanceID)
		if err != nil {
			return nil, NewControlError("registry.ResolveConfigFor", "registry", err)
		}
		for _, name := range names {
			nameSet[name] = true
		}
		if agentID == "" {
			agentID = instanceAgent
		}
	}

	if agentID != "" {
		names, err := r.store.GetAgentServers(ctx, agentID)
		if err != nil {
			return nil, NewControlError("registry.ResolveConfigFor", "registry", err)
		}
		for _, name := range names {
			nameSet[name] = true
		}
	}

	servers := make(map[string]ServerConfig)
	for name := range nameSet {
		entry, err := r.GetByName(ctx, name)
		if err != nil || entry.Status == ServerUnhealthy {
			r.logger.Warn("Dropping unresolvable capability from config", map[string]interface{}{
				"name":        name,
				"instance_id": instanceID,
				"agent_id":    agentID,
			})
			continue
		}

		url := entry.EndpointURL
		if entry.HostURL != "" {
			url = entry.HostURL
		}
		if entry.Auth != "" {
			separator := "?"
			if strings.Contains(url, "?") {
				separator = "&"
			}
			url = url + separator + "auth=" + entry.Auth
		}
		servers[name] = ServerConfig{Type: "sse", URL: url}
	}

	r.logger.Debug("Resolved server config", map[string]interface{}{
		"instance_id": instanceID,
		"agent_id":    agentID,
		"requested":   len(nameSet),
		"resolved":    len(servers),
	})
	return servers, nil
}

// expireIfStale flips a healthy external entry to unhealthy when its last
// heartbeat is older than the TTL window. Internal entries never expire
// this way. The flip is persisted so later reads agree.
func (r *Registry) expireIfStale(ctx context.Context, entry *RegistryEntry) *RegistryEntry {
	if entry.Kind == ServerKindInternal {
		return entry
	}
	if entry.LastHeartbeat == nil || entry.Status != ServerHealthy {
		return entry
	}
	if time.Since(*entry.LastHeartbeat) <= r.heartbeatTTL {
		return entry
	}

	r.locks.Lock(entry.Name)
	defer r.locks.Unlock(entry.Name)

	// Re-read under the lock; a heartbeat may have landed meanwhile
	current, err := r.store.GetServer(ctx, entry.Name)
	if err != nil {
		return entry
	}
	if current.LastHeartbeat != nil && time.Since(*current.LastHeartbeat) <= r.heartbeatTTL {
		return current
	}
	if current.Status != ServerHealthy {
		return current
	}

	current.Status = ServerUnhealthy
	if err := r.store.PutServer(ctx, current); err != nil {
		r.logger.Warn("Failed to persist TTL expiry", map[string]interface{}{
			"error": err,
			"name":  entry.Name,
		})
	}

	r.logger.Warn("Capability server marked unhealthy (heartbeat expired)", map[string]interface{}{
		"name":           current.Name,
		"last_heartbeat": current.LastHeartbeat,
		"ttl":            r.heartbeatTTL.String(),
	})
	return current
}
