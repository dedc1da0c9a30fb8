package meshbind

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestControlPlane(t *testing.T, opts ...Option) (*ControlPlane, *Store) {
	t.Helper()

	base := []Option{
		WithMeshEnabled(false),
		WithSupervisorInterval(time.Hour),
		WithInternalServers([]InternalServerDef{
			{Name: "database", Port: 5008, Description: "document store operations"},
			{Name: "conductor", Port: 5009, Description: "agent orchestration"},
		}),
	}
	cfg, err := NewConfig(append(base, opts...)...)
	require.NoError(t, err)

	store := newTestStore(t)
	cp := NewControlPlaneWithStore(cfg, store)
	cp.SetLogger(&NoOpLogger{})
	return cp, store
}

func TestControlPlaneStartStop(t *testing.T) {
	cp, _ := newTestControlPlane(t)
	ctx := context.Background()

	require.NoError(t, cp.Start(ctx))

	// Startup synced the internal table
	entries, err := cp.Registry().ListAll(ctx, ListFilter{Kind: ServerKindInternal})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	assert.True(t, cp.Binder().Stats().SupervisorUp)

	err = cp.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	require.NoError(t, cp.Stop())
	require.NoError(t, cp.Stop()) // idempotent
}

func TestControlPlaneConcurrentStart(t *testing.T) {
	cp, _ := newTestControlPlane(t)
	ctx := context.Background()

	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- cp.Start(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	// Exactly one caller wins; the rest see the started state
	started := 0
	for err := range errs {
		if err == nil {
			started++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyStarted)
		}
	}
	assert.Equal(t, 1, started)
	require.NoError(t, cp.Stop())
}

func TestControlPlaneRecoversBindings(t *testing.T) {
	cp, store := newTestControlPlane(t)
	ctx := context.Background()

	require.NoError(t, cp.Start(ctx))

	// The default policy requires healthy servers, so alpha needs a live
	// health endpoint for the bind to take
	fs := newFakeServer(t, "alpha", 1)
	registerExternal(t, cp.Registry(), "alpha", fs.Endpoint())

	result, err := cp.Binder().Bind(ctx, BindRequest{
		InstanceID: "i1", AgentID: "Hunter_Agent", Names: []string{"alpha"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"alpha"}, result.Bound)

	cp.mesh.Stop()
	cp.binder.StopSupervision()
	cp.started = false

	// A second control plane over the same store, as after a restart
	cfg, err := NewConfig(
		WithMeshEnabled(false),
		WithSupervisorInterval(time.Hour),
	)
	require.NoError(t, err)

	fresh := NewControlPlaneWithStore(cfg, store)
	fresh.SetLogger(&NoOpLogger{})
	require.NoError(t, fresh.Start(ctx))
	defer fresh.Stop()

	recovered := fresh.Binder().GetBinding("i1")
	require.NotNil(t, recovered)
	assert.Equal(t, []string{"alpha"}, recovered.ActiveServerNames())
}

func TestControlPlaneMeshLifecycle(t *testing.T) {
	fs := newFakeServer(t, "prospector", 2)
	port := fs.Port(t)

	cp, _ := newTestControlPlane(t,
		WithMeshEnabled(true),
		WithScanRange("127.0.0.1", port, port),
		WithScanInterval(time.Hour),
	)
	ctx := context.Background()

	require.NoError(t, cp.Start(ctx))
	defer cp.Stop()

	deadline := time.After(2 * time.Second)
	for len(cp.Mesh().GetTopology()) == 0 {
		select {
		case <-deadline:
			t.Fatal("startup scan did not populate the topology")
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Equal(t, "prospector", cp.Mesh().GetTopology()[0].Name)
}

func TestNewControlPlaneRejectsBadConfig(t *testing.T) {
	_, err := NewControlPlane(WithHeartbeatTTL(-time.Second))
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}
