package meshbind

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// supervisor is the binder's background health loop. Every cycle it
// re-probes each bound server: ACTIVE entries that fail move to SUSPENDED,
// SUSPENDED entries that recover move back to ACTIVE. This is the only
// path that heals a binding without caller intervention.
//
// A stop signal lets the current cycle finish rather than aborting
// mid-probe, and stop() does not return until the loop has exited.
type supervisor struct {
	binder   *Binder
	interval time.Duration
	logger   Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSupervisor(binder *Binder, interval time.Duration) *supervisor {
	return &supervisor{
		binder:   binder,
		interval: interval,
		logger:   &NoOpLogger{},
	}
}

func (s *supervisor) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("health supervisor: %w", ErrAlreadyStarted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)

	s.logger.Info("Started binding health supervisor", map[string]interface{}{
		"interval": s.interval.String(),
	})
	return nil
}

func (s *supervisor) stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.logger.Info("Stopped binding health supervisor", nil)
}

func (s *supervisor) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The cycle runs to completion even if stop() fires
			// mid-way; the probes carry their own timeouts
			s.runCycle(context.Background())
		}
	}
}

// runCycle probes every server of every binding and applies state
// transitions, then lets the registry collect long-stale external entries.
// Individual failures become transitions, never loop termination.
func (s *supervisor) runCycle(ctx context.Context) {
	for _, snapshot := range s.binder.GetAllBindings() {
		s.checkBinding(ctx, snapshot.InstanceID)
	}

	if _, err := s.binder.registry.CleanupStaleEntries(ctx, s.binder.registry.staleMaxAge); err != nil {
		s.logger.Warn("Stale-entry cleanup failed", map[string]interface{}{
			"error": err,
		})
	}
}

func (s *supervisor) checkBinding(ctx context.Context, instanceID string) {
	s.binder.locks.Lock(instanceID)
	defer s.binder.locks.Unlock(instanceID)

	// The binding may have been unbound while we walked the snapshot
	binding := s.binder.lookup(instanceID)
	if binding == nil {
		return
	}

	changed := false
	for name, entry := range binding.Servers {
		result := s.binder.prober.Probe(ctx, entry.ResolvedURL)
		now := time.Now().UTC()

		switch entry.Status {
		case BindingActive:
			if result.Healthy {
				entry.LastHealthCheck = &now
				continue
			}
			reason := "health check failed"
			if result.Err != nil {
				reason = fmt.Sprintf("health check failed: %v", result.Err)
			}
			binding.suspendServer(name, reason)
			changed = true
			s.logger.Warn("Suspended server in binding", map[string]interface{}{
				"instance_id": instanceID,
				"name":        name,
				"reason":      reason,
			})

		case BindingSuspended:
			if !result.Healthy {
				continue
			}
			binding.reactivateServer(name)
			changed = true
			s.logger.Info("Reactivated server in binding", map[string]interface{}{
				"instance_id": instanceID,
				"name":        name,
			})
		}
	}

	if changed {
		s.binder.persist(ctx, binding)
	}
}
