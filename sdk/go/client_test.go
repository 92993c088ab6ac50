package roomopssdk_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomops/internal/app"
	"roomops/internal/config"
	"roomops/internal/server"
	roomopssdk "roomops/sdk/go"
)

func newClient(t *testing.T, secret string) *roomopssdk.Client {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.SeedDir = t.TempDir()
	cfg.Runtime.Memory = true
	cfg.Server.JWTSecret = secret
	a, err := app.Build(context.Background(), cfg, app.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	a.Start(context.Background())
	h, err := a.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		_ = a.Close(context.Background())
	})
	return roomopssdk.New(srv.URL)
}

func demoSpec(roomID string, entities ...string) map[string]any {
	var list []map[string]any
	for _, id := range entities {
		list = append(list, map[string]any{"id": id, "kind": "agent"})
	}
	return map[string]any{
		"apiVersion": "roomops/v1",
		"kind":       "RoomSpec",
		"metadata":   map[string]any{"name": "demo", "version": 2},
		"spec":       map[string]any{"roomId": roomID, "entities": list},
	}
}

func TestApplyStatusAndTrace(t *testing.T) {
	c := newClient(t, "")
	ctx := context.Background()

	plan, err := c.Plan(ctx, demoSpec("room-1", "alice"), false)
	require.NoError(t, err)
	assert.True(t, plan.DryRun)
	require.NotNil(t, plan.Diff)
	assert.Equal(t, []string{"alice"}, plan.Diff.ToJoin)

	res, err := c.Apply(ctx, demoSpec("room-1", "alice", "bob"), false, false)
	require.NoError(t, err)
	assert.False(t, res.Queued())
	assert.True(t, res.Success)
	assert.Equal(t, "VERIFY", res.Phase)
	require.NotNil(t, res.Applied)
	assert.Equal(t, 2, res.Applied.Joined)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", st.Health)
	require.Len(t, st.Rooms, 1)

	room, err := c.RoomStatus(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, res.CorrelationID, room.LastCorrelationID)
	assert.Zero(t, room.CyclesSinceConverged)

	trail, err := c.Trace(ctx, res.CorrelationID)
	require.NoError(t, err)
	require.NotEmpty(t, trail.Items)
	assert.Equal(t, "reconcile.verify", trail.Items[len(trail.Items)-1].Action)

	runs, err := c.Runs(ctx, "room-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, res.CorrelationID, runs[0].CorrelationID)

	run, err := c.Run(ctx, res.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Joined)
}

func TestAPIErrorDecoding(t *testing.T) {
	c := newClient(t, "")
	_, err := c.Apply(context.Background(), demoSpec("", "alice"), false, false)
	var apiErr *roomopssdk.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, "invalid_spec", apiErr.Code)

	_, err = c.Run(context.Background(), "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestBearerToken(t *testing.T) {
	c := newClient(t, "sdk-secret")
	_, err := c.Status(context.Background())
	var apiErr *roomopssdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode)

	token, err := server.IssueToken("sdk-secret", "tester", time.Hour)
	require.NoError(t, err)
	c.BearerToken = token
	_, err = c.Status(context.Background())
	require.NoError(t, err)
}

func TestStreamReplaysEntries(t *testing.T) {
	c := newClient(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Apply(ctx, demoSpec("room-1", "alice"), false, false)
	require.NoError(t, err)

	stop := errors.New("stop")
	var actions []string
	err = c.Stream(ctx, 100, func(e roomopssdk.AuditEntry) error {
		if e.CorrelationID == res.CorrelationID {
			actions = append(actions, e.Action)
		}
		if e.Action == "reconcile.verify" {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	assert.Contains(t, actions, "reconcile.planning")
	assert.Equal(t, "reconcile.verify", actions[len(actions)-1])
}
