package meshbind

import (
	"context"
	"fmt"
	"sync"
)

// ControlPlane wires the registry, binder and mesh scanner together over a
// shared store and prober. Its lifetime is owned by the process bootstrap:
// construct it, Start it, pass the component handles to whoever needs
// them, and Stop it during graceful shutdown. There is no ambient global
// state - every consumer holds a reference.
type ControlPlane struct {
	config   *Config
	store    *Store
	registry *Registry
	binder   *Binder
	mesh     *MeshScanner
	logger   Logger

	mu      sync.Mutex
	started bool
}

// NewControlPlane creates a control plane from configuration options
func NewControlPlane(opts ...Option) (*ControlPlane, error) {
	config, err := NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}

	store, err := NewStore(config.RedisURL, config.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}

	return newControlPlane(config, store), nil
}

// NewControlPlaneWithStore builds a control plane over an existing store.
// Used by tests and by processes that manage the store connection
// themselves.
func NewControlPlaneWithStore(config *Config, store *Store) *ControlPlane {
	return newControlPlane(config, store)
}

func newControlPlane(config *Config, store *Store) *ControlPlane {
	var logger Logger = NewStdLogger(config.DebugLogging)

	prober := NewHealthProber(config.Probe)

	registry := NewRegistry(store, prober, config.Registry)
	binder := NewBinder(registry, store, prober, config.Binder)
	mesh := NewMeshScanner(prober, config.Mesh)

	store.SetLogger(logger)
	registry.SetLogger(logger)
	binder.SetLogger(logger)
	mesh.SetLogger(logger)

	return &ControlPlane{
		config:   config,
		store:    store,
		registry: registry,
		binder:   binder,
		mesh:     mesh,
		logger:   logger,
	}
}

// SetLogger replaces the default logger on every component
func (cp *ControlPlane) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	cp.logger = logger
	cp.store.SetLogger(logger)
	cp.registry.SetLogger(logger)
	cp.binder.SetLogger(logger)
	cp.mesh.SetLogger(logger)
}

// Registry returns the catalog component
func (cp *ControlPlane) Registry() *Registry { return cp.registry }

// Binder returns the binding kernel
func (cp *ControlPlane) Binder() *Binder { return cp.binder }

// Mesh returns the discovery scanner
func (cp *ControlPlane) Mesh() *MeshScanner { return cp.mesh }

// Start brings the control plane to its running state: the static internal
// server table is synced into the registry, bindings that survived a
// restart are reloaded, and the background loops begin.
func (cp *ControlPlane) Start(ctx context.Context) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.started {
		return fmt.Errorf("control plane: %w", ErrAlreadyStarted)
	}

	if err := cp.registry.SyncInternal(ctx, cp.config.InternalServers); err != nil {
		return err
	}

	if _, err := cp.binder.LoadActiveBindings(ctx); err != nil {
		return err
	}

	if err := cp.binder.StartSupervision(); err != nil {
		return err
	}

	if cp.config.Mesh.Enabled {
		if err := cp.mesh.Start(); err != nil {
			cp.binder.StopSupervision()
			return err
		}
	}

	cp.started = true
	cp.logger.Info("Control plane started", map[string]interface{}{
		"internal_servers": len(cp.config.InternalServers),
		"mesh_enabled":     cp.config.Mesh.Enabled,
	})
	return nil
}

// Stop shuts down the background loops, waiting for in-flight cycles to
// finish, and closes the store. Idempotent.
func (cp *ControlPlane) Stop() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if !cp.started {
		return nil
	}
	cp.started = false

	cp.mesh.Stop()
	cp.binder.StopSupervision()

	cp.logger.Info("Control plane stopped", nil)
	return cp.store.Close()
}
