// Package diff computes the delta between a desired RoomSpec and an observed
// RoomState. Everything here is pure: no I/O, no clocks, no randomness.
package diff

import (
	"fmt"

	"roomops/internal/domain"
)

// Calculate returns the entity, artifact and policy changes needed to move
// state towards spec. Entity and artifact ids keep their first-seen order so
// repeated calls on the same inputs yield identical output.
func Calculate(spec domain.RoomSpec, state domain.RoomState) domain.ReconcileDiff {
	d := domain.ReconcileDiff{
		ToJoin:            []string{},
		ToKick:            []string{},
		ToEnsure:          []string{},
		ToSeed:            []string{},
		ToPromote:         []string{},
		ToDeleteArtifacts: []string{},
		ToApply:           []string{},
		Blocked:           []string{},
	}

	current := make(map[string]bool, len(state.Entities))
	for _, e := range state.Entities {
		current[e.ID] = true
	}
	desired := make(map[string]bool, len(spec.Spec.Entities))
	for _, e := range spec.Spec.Entities {
		if desired[e.ID] {
			continue
		}
		desired[e.ID] = true
		if current[e.ID] {
			d.ToEnsure = append(d.ToEnsure, e.ID)
		} else {
			d.ToJoin = append(d.ToJoin, e.ID)
		}
	}
	kicked := make(map[string]bool)
	for _, e := range state.Entities {
		if desired[e.ID] || kicked[e.ID] {
			continue
		}
		kicked[e.ID] = true
		d.ToKick = append(d.ToKick, e.ID)
	}

	wanted := make(map[string]bool, len(spec.Spec.Artifacts))
	for _, a := range spec.Spec.Artifacts {
		if wanted[a.Name] {
			continue
		}
		wanted[a.Name] = true
		// Content comparison happens at apply time; any seed source is a candidate.
		if a.SeedFrom != "" {
			d.ToSeed = append(d.ToSeed, a.Name)
		}
		if a.PromoteAfterSeed {
			d.ToPromote = append(d.ToPromote, a.Name)
		}
	}
	deleted := make(map[string]bool)
	for _, a := range state.Artifacts {
		if wanted[a.Name] || deleted[a.Name] {
			continue
		}
		deleted[a.Name] = true
		d.ToDeleteArtifacts = append(d.ToDeleteArtifacts, a.Name)
	}

	if v := spec.Spec.Policies.DMVisibilityDefault; v != "" {
		d.ToApply = append(d.ToApply, fmt.Sprintf("dmVisibilityDefault=%s", v))
	}
	return d
}

// ChangeRatio is the share of existing entities and artifacts that d would
// remove. An empty room has a ratio of zero.
func ChangeRatio(d domain.ReconcileDiff, state domain.RoomState) float64 {
	total := len(state.Entities) + len(state.Artifacts)
	if total == 0 {
		return 0
	}
	return float64(len(d.ToKick)+len(d.ToDeleteArtifacts)) / float64(total)
}
