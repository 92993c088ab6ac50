package app_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomops/internal/app"
	"roomops/internal/config"
	"roomops/internal/domain"
	"roomops/internal/engine"
	"roomops/internal/roomclient"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.SeedDir = t.TempDir()
	cfg.Runtime.Memory = true
	return cfg
}

func TestBuildPersistsAuditAndRuns(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	a, err := app.Build(context.Background(), cfg, app.Options{Logger: app.NewLogger(cfg.Log, &logs)})
	require.NoError(t, err)
	_, isMemory := a.Runtime.(*roomclient.Memory)
	assert.True(t, isMemory)
	require.NotNil(t, a.Repo)
	a.Start(context.Background())

	res := a.Service.Apply(context.Background(), engine.Request{Spec: domain.RoomSpec{
		APIVersion: "roomops/v1",
		Kind:       "RoomSpec",
		Metadata:   domain.SpecMetadata{Name: "demo", Version: 1},
		Spec: domain.RoomSpecBody{
			RoomID:   "room-1",
			Entities: []domain.EntitySpec{{ID: "alice", Kind: "human"}},
		},
	}})
	require.True(t, res.Success, "errors: %v", res.Errors)

	require.NoError(t, a.Close(context.Background()))
	assert.Contains(t, logs.String(), "reconcile finished")

	// Close flushed the sink queue before closing the database, so reopen to read.
	a2, err := app.Build(context.Background(), cfg, app.Options{Logger: app.NewLogger(cfg.Log, &logs)})
	require.NoError(t, err)
	defer a2.Close(context.Background())
	r := a2.Repo

	trail, err := r.AuditByCorrelation(context.Background(), res.CorrelationID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, "reconcile.requested", trail[0].Action)
	assert.Equal(t, "reconcile.verify", trail[len(trail)-1].Action)

	run, err := r.GetRun(context.Background(), res.CorrelationID)
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Equal(t, 1, run.Joined)
}

func TestBuildWithoutSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.SQLite = false
	a, err := app.Build(context.Background(), cfg, app.Options{Runtime: roomclient.NewMemory()})
	require.NoError(t, err)
	defer a.Close(context.Background())
	assert.Nil(t, a.Repo)
	assert.Nil(t, a.DB)

	h, err := a.Handler()
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestBuildHTTPRuntimeNeedsBaseURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.SQLite = false
	cfg.Runtime.Memory = false
	cfg.Runtime.BaseURL = ""
	_, err := app.Build(context.Background(), cfg, app.Options{})
	require.Error(t, err)
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := app.NewLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}
