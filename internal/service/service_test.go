package service_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomops/internal/audit"
	"roomops/internal/config"
	"roomops/internal/domain"
	"roomops/internal/engine"
	"roomops/internal/roomclient"
	"roomops/internal/service"
)

type memRuns struct {
	mu   sync.Mutex
	runs []domain.ReconcileRun
}

func (m *memRuns) InsertRun(_ context.Context, run domain.ReconcileRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRuns) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.runs {
		out = append(out, r.CorrelationID)
	}
	return out
}

type testEnv struct {
	svc     *service.Service
	runtime *roomclient.Memory
	audit   *audit.Log
	runs    *memRuns
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.SeedDir = t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := roomclient.NewMemory()
	log := audit.New(audit.Options{})
	e := engine.New(rt, log, cfg, logger)
	e.Retry.Sleep = func(context.Context, time.Duration) error { return nil }
	runs := &memRuns{}
	svc := service.New(service.Options{Engine: e, Audit: log, Runs: runs, Logger: logger})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return &testEnv{svc: svc, runtime: rt, audit: log, runs: runs}
}

// blockFirstFetch holds the first state fetch until release is closed.
func (env *testEnv) blockFirstFetch() (started, release chan struct{}) {
	started, release = make(chan struct{}), make(chan struct{})
	var once sync.Once
	env.runtime.Faults = func(_ context.Context, op, _ string) error {
		if op == "get_state" {
			once.Do(func() {
				close(started)
				<-release
			})
		}
		return nil
	}
	return started, release
}

func roomSpec(entities ...string) domain.RoomSpec {
	s := domain.RoomSpec{
		APIVersion: "roomops/v1",
		Kind:       "RoomSpec",
		Metadata:   domain.SpecMetadata{Name: "demo", Version: 1},
		Spec:       domain.RoomSpecBody{RoomID: "room-1"},
	}
	for _, id := range entities {
		s.Spec.Entities = append(s.Spec.Entities, domain.EntitySpec{ID: id, Kind: "agent"})
	}
	return s
}

func hasAction(entries []domain.AuditEntry, action string) bool {
	for _, e := range entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

func TestSecondRequestIsQueuedThenRuns(t *testing.T) {
	env := newTestEnv(t)
	started, release := env.blockFirstFetch()
	ctx := context.Background()

	firstDone := make(chan domain.ReconcileResult, 1)
	go func() { firstDone <- env.svc.Apply(ctx, engine.Request{Spec: roomSpec("alice")}) }()
	<-started

	second := env.svc.Apply(ctx, engine.Request{Spec: roomSpec("alice", "bob")})
	assert.True(t, second.Queued)
	assert.False(t, second.Success)
	assert.Empty(t, second.Errors)
	assert.Equal(t, []string{service.QueuedWarning}, second.Warnings)
	assert.NotEmpty(t, second.CorrelationID)
	assert.Equal(t, 1, env.svc.QueueLength())
	assert.True(t, env.svc.Reconciling())
	assert.True(t, hasAction(env.audit.GetByCorrelation(second.CorrelationID), "reconcile.queued"))

	st, ok := env.svc.RoomStatus("room-1")
	require.True(t, ok)
	assert.True(t, st.IsReconciling)
	assert.Equal(t, domain.PhasePlanning, st.CurrentPhase)

	close(release)
	first := <-firstDone
	require.True(t, first.Success, "errors: %v", first.Errors)
	env.svc.Wait()

	assert.Zero(t, env.svc.QueueLength())
	assert.False(t, env.svc.Reconciling())
	assert.True(t, hasAction(env.audit.GetByCorrelation(second.CorrelationID), "reconcile.verify"))

	state, err := env.runtime.GetState(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, state.Entities, 2)

	st, _ = env.svc.RoomStatus("room-1")
	assert.False(t, st.IsReconciling)
	assert.Equal(t, domain.PhaseVerify, st.CurrentPhase)
	assert.Equal(t, second.CorrelationID, st.LastCorrelationID)
	assert.Zero(t, st.CyclesSinceConverged)
	assert.Equal(t, []string{first.CorrelationID, second.CorrelationID}, env.runs.ids())
}

func TestQueueIsFIFO(t *testing.T) {
	env := newTestEnv(t)
	started, release := env.blockFirstFetch()
	ctx := context.Background()

	go env.svc.Apply(ctx, engine.Request{Spec: roomSpec("a"), CorrelationID: "run-0"})
	<-started
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		res := env.svc.Apply(ctx, engine.Request{Spec: roomSpec("a"), CorrelationID: id})
		require.True(t, res.Queued)
	}
	assert.Equal(t, 3, env.svc.QueueLength())

	close(release)
	require.Eventually(t, func() bool { return len(env.runs.ids()) == 4 }, 2*time.Second, 10*time.Millisecond)
	env.svc.Wait()
	assert.Equal(t, []string{"run-0", "run-1", "run-2", "run-3"}, env.runs.ids())
}

func TestStatusCountsNonConvergedCycles(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.Faults = func(_ context.Context, op, key string) error {
		if op == "join" && key == "bob" {
			return roomclient.ErrNotFound
		}
		return nil
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res := env.svc.Apply(ctx, engine.Request{Spec: roomSpec("alice", "bob")})
		require.True(t, res.PartialSuccess)
	}

	status := env.svc.Status()
	assert.Equal(t, service.HealthHealthy, status.Health)
	assert.Equal(t, "0.3.0", status.Version)
	require.Len(t, status.Rooms, 1)
	assert.Equal(t, 2, status.Rooms[0].CyclesSinceConverged)
	require.NotNil(t, status.Rooms[0].PendingDiff)
	assert.Equal(t, []string{"bob"}, status.Rooms[0].PendingDiff.ToJoin)
}

func TestApplyAfterShutdown(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.svc.Shutdown(context.Background()))

	res := env.svc.Apply(context.Background(), engine.Request{Spec: roomSpec("alice")})
	assert.False(t, res.Success)
	assert.Equal(t, []string{service.ErrShuttingDown.Error()}, res.Errors)
	assert.Equal(t, service.HealthDraining, env.svc.Status().Health)
	assert.Zero(t, env.runtime.Calls("join"))
}
