package guardrails

import (
	"fmt"

	"roomops/internal/diff"
	"roomops/internal/domain"
)

// Policy bounds how destructive a single reconciliation cycle may be.
type Policy struct {
	MaxEntitiesKickPerCycle    int     `yaml:"max_entities_kick_per_cycle" json:"max_entities_kick_per_cycle"`
	MaxArtifactsDeletePerCycle int     `yaml:"max_artifacts_delete_per_cycle" json:"max_artifacts_delete_per_cycle"`
	ChangeThreshold            float64 `yaml:"change_threshold" json:"change_threshold"`
	RequireConfirmHeader       bool    `yaml:"require_confirm_header" json:"require_confirm_header"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxEntitiesKickPerCycle:    5,
		MaxArtifactsDeletePerCycle: 10,
		ChangeThreshold:            0.3,
		RequireConfirmHeader:       true,
	}
}

type Evaluator struct {
	Policy Policy
}

func New(p Policy) Evaluator {
	return Evaluator{Policy: p}
}

// Check evaluates d against the policy. Every violation is collected so the
// caller sees all reasons for a rejection at once.
func (e Evaluator) Check(d domain.ReconcileDiff, state domain.RoomState, confirmProvided bool) domain.GuardrailsResult {
	res := domain.GuardrailsResult{Violations: []string{}, Warnings: []string{}}
	p := e.Policy

	if n := len(d.ToKick); n > p.MaxEntitiesKickPerCycle {
		res.Violations = append(res.Violations, fmt.Sprintf("Kick count (%d) exceeds limit (%d)", n, p.MaxEntitiesKickPerCycle))
	}
	if n := len(d.ToDeleteArtifacts); n > p.MaxArtifactsDeletePerCycle {
		res.Violations = append(res.Violations, fmt.Sprintf("Artifact delete count (%d) exceeds limit (%d)", n, p.MaxArtifactsDeletePerCycle))
	}

	ratio := diff.ChangeRatio(d, state)
	if ratio > p.ChangeThreshold {
		if p.RequireConfirmHeader && !confirmProvided {
			res.Violations = append(res.Violations, fmt.Sprintf(
				"Change ratio (%.1f%%) exceeds threshold (%.1f%%); explicit confirmation required",
				ratio*100, p.ChangeThreshold*100))
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"High change ratio (%.1f%%) exceeds threshold (%.1f%%); proceeding",
				ratio*100, p.ChangeThreshold*100))
		}
	}

	res.Passed = len(res.Violations) == 0
	return res
}
