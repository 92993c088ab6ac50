package roomclient_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomops/internal/artifacts"
	"roomops/internal/domain"
	"roomops/internal/roomclient"
)

func TestMemoryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := roomclient.NewMemory()
	alice := domain.EntitySpec{ID: "alice", Kind: "human"}

	require.NoError(t, m.JoinEntity(ctx, "r", alice))
	require.NoError(t, m.JoinEntity(ctx, "r", alice))
	require.NoError(t, m.KickEntity(ctx, "r", "bob"))
	require.NoError(t, m.DeleteArtifact(ctx, "r", "missing"))

	st, err := m.GetState(ctx, "r")
	require.NoError(t, err)
	require.Len(t, st.Entities, 1)
	assert.Equal(t, 1, m.Calls("join"))
	assert.Equal(t, 0, m.Calls("kick"))
}

func TestMemorySeedStoresFingerprint(t *testing.T) {
	ctx := context.Background()
	m := roomclient.NewMemory()
	a := domain.ArtifactSeedSpec{Name: "readme", Type: "doc", Workspace: "main"}

	require.NoError(t, m.SeedArtifact(ctx, "r", a, []byte("v1")))
	require.NoError(t, m.PromoteArtifact(ctx, "r", "readme"))

	hash, ok, err := m.GetArtifactHash(ctx, "r", "readme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, artifacts.Fingerprint(a, []byte("v1")), hash)

	st, _ := m.GetState(ctx, "r")
	assert.True(t, st.Artifacts[0].Promoted)

	require.NoError(t, m.SeedArtifact(ctx, "r", a, []byte("v2")))
	st, _ = m.GetState(ctx, "r")
	assert.False(t, st.Artifacts[0].Promoted)
}

func TestMemoryPromoteMissing(t *testing.T) {
	err := roomclient.NewMemory().PromoteArtifact(context.Background(), "r", "nope")
	assert.True(t, roomclient.IsNotFound(err))
}

func TestMemoryFaults(t *testing.T) {
	boom := errors.New("boom")
	m := roomclient.NewMemory()
	m.Faults = func(_ context.Context, op, key string) error {
		if op == "join" && key == "bob" {
			return boom
		}
		return nil
	}
	ctx := context.Background()
	require.NoError(t, m.JoinEntity(ctx, "r", domain.EntitySpec{ID: "alice"}))
	require.ErrorIs(t, m.JoinEntity(ctx, "r", domain.EntitySpec{ID: "bob"}), boom)
}
