package spec_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomops/internal/spec"
)

const sampleYAML = `apiVersion: roomops/v1
kind: RoomSpec
metadata:
  name: design-review
  version: 3
spec:
  roomId: room-42
  entities:
    - id: alice
      kind: human
      displayName: Alice
      capabilities: [chat, artifacts]
    - id: reviewer-bot
      kind: agent
      ownerUserId: alice
      policy:
        canDM: false
        maxMessagesPerMinute: 10
  artifacts:
    - name: brief
      type: markdown
      workspace: shared
      tags: [docs]
      seedFrom: seeds/brief.md
      promoteAfterSeed: true
    - name: checklist
      type: markdown
      workspace: shared
      seedFrom: seeds/checklist.md
      dependsOn: [brief]
  policies:
    dmVisibilityDefault: private
    maxArtifactsPerEntity: 5
  resources:
    - name: search
      kind: mcp
      uri: ws://tools.local/search
`

func TestFromYAML(t *testing.T) {
	s, err := spec.FromYAML([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "room-42", s.Spec.RoomID)
	assert.Equal(t, 3, s.Metadata.Version)
	require.Len(t, s.Spec.Entities, 2)
	assert.Equal(t, false, s.Spec.Entities[1].Policy["canDM"])
	assert.Equal(t, []string{"brief"}, s.Spec.Artifacts[1].DependsOn)
	assert.True(t, s.Spec.Artifacts[0].PromoteAfterSeed)
	assert.Equal(t, "private", s.Spec.Policies.DMVisibilityDefault)

	e, ok := spec.Entity(s, "reviewer-bot")
	require.True(t, ok)
	assert.Equal(t, "alice", e.OwnerUserID)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"apiVersion": "roomops/v1", "kind": "RoomSpec",
		"metadata": {"name": "lobby", "version": 1},
		"spec": {"roomId": "lobby", "entities": [{"id": "a", "kind": "human"}]}
	}`), 0o644))
	s, err := spec.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lobby", s.Metadata.Name)
}

func TestValidateCollectsProblems(t *testing.T) {
	_, err := spec.FromYAML([]byte(`apiVersion: v0
kind: Room
metadata: {}
spec:
  entities:
    - id: a
    - id: a
  artifacts:
    - name: x
      dependsOn: [y]
  policies:
    dmVisibilityDefault: everyone
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, spec.ErrInvalid)
	var verr *spec.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Problems), 6)
	assert.Contains(t, err.Error(), "duplicate entity id a")
	assert.Contains(t, err.Error(), "unknown artifact y")
}

func TestValidateRejectsCycles(t *testing.T) {
	_, err := spec.FromYAML([]byte(`apiVersion: roomops/v1
kind: RoomSpec
metadata: {name: c}
spec:
  roomId: r
  artifacts:
    - {name: a, dependsOn: [b]}
    - {name: b, dependsOn: [a]}
`))
	assert.ErrorContains(t, err, "cycle")
}
