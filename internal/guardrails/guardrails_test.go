package guardrails_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomops/internal/domain"
	"roomops/internal/guardrails"
)

func roomOf(n int) domain.RoomState {
	st := domain.RoomState{RoomID: "room-1"}
	for i := 0; i < n; i++ {
		st.Entities = append(st.Entities, domain.EntityState{ID: fmt.Sprintf("e%d", i)})
	}
	return st
}

func kicks(n int) domain.ReconcileDiff {
	d := domain.ReconcileDiff{}
	for i := 0; i < n; i++ {
		d.ToKick = append(d.ToKick, fmt.Sprintf("e%d", i))
	}
	return d
}

func TestChangeThresholdNeedsConfirmation(t *testing.T) {
	ev := guardrails.New(guardrails.Policy{
		MaxEntitiesKickPerCycle:    10,
		MaxArtifactsDeletePerCycle: 10,
		ChangeThreshold:            0.5,
		RequireConfirmHeader:       true,
	})
	state, d := roomOf(10), kicks(6)

	res := ev.Check(d, state, false)
	assert.False(t, res.Passed)
	require.Len(t, res.Violations, 1)
	assert.Contains(t, res.Violations[0], "confirmation")

	res = ev.Check(d, state, true)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Violations)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "High change ratio")
}

func TestThresholdWithoutConfirmHeaderOnlyWarns(t *testing.T) {
	ev := guardrails.New(guardrails.Policy{MaxEntitiesKickPerCycle: 10, MaxArtifactsDeletePerCycle: 10, ChangeThreshold: 0.5})
	res := ev.Check(kicks(6), roomOf(10), false)
	assert.True(t, res.Passed)
	assert.Len(t, res.Warnings, 1)
}

func TestKickLimitIgnoresConfirmation(t *testing.T) {
	ev := guardrails.New(guardrails.Policy{MaxEntitiesKickPerCycle: 3, MaxArtifactsDeletePerCycle: 10, ChangeThreshold: 1})
	for _, confirm := range []bool{false, true} {
		res := ev.Check(kicks(5), roomOf(20), confirm)
		assert.False(t, res.Passed)
		require.Len(t, res.Violations, 1)
		assert.Contains(t, res.Violations[0], "Kick count (5) exceeds limit (3)")
	}
}

func TestViolationsAreCollected(t *testing.T) {
	ev := guardrails.New(guardrails.Policy{MaxEntitiesKickPerCycle: 1, MaxArtifactsDeletePerCycle: 0, ChangeThreshold: 0.1, RequireConfirmHeader: true})
	d := kicks(2)
	d.ToDeleteArtifacts = []string{"old"}
	state := roomOf(4)
	state.Artifacts = []domain.ArtifactState{{Name: "old"}}

	res := ev.Check(d, state, false)
	assert.False(t, res.Passed)
	assert.Len(t, res.Violations, 3)
}

func TestEmptyDiffPasses(t *testing.T) {
	res := guardrails.New(guardrails.DefaultPolicy()).Check(domain.ReconcileDiff{}, domain.RoomState{}, false)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Warnings)
}
