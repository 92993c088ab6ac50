package server

import (
	"roomops/internal/domain"
)

// Request payloads

type ApplyRequest struct {
	Spec    domain.RoomSpec `json:"spec"`
	DryRun  bool            `json:"dry_run,omitempty"`
	Confirm bool            `json:"confirm,omitempty"`
}

type PlanRequest struct {
	Spec    domain.RoomSpec `json:"spec"`
	Confirm bool            `json:"confirm,omitempty"`
}

// Response payloads

// ApplyResponse covers both finished and queued applies. A queued apply only
// carries Message and CorrelationID.
type ApplyResponse struct {
	Message         string                `json:"message,omitempty" example:"queued"`
	CorrelationID   string                `json:"correlation_id"`
	RoomID          string                `json:"room_id,omitempty"`
	Success         bool                  `json:"success"`
	PartialSuccess  bool                  `json:"partial_success"`
	DryRun          bool                  `json:"dry_run,omitempty"`
	Phase           domain.Phase          `json:"phase,omitempty"`
	Diff            *domain.ReconcileDiff `json:"diff,omitempty"`
	Remaining       *domain.ReconcileDiff `json:"remaining,omitempty"`
	Applied         *domain.AppliedCounts `json:"applied,omitempty"`
	Warnings        []string              `json:"warnings,omitempty"`
	DurationSeconds float64               `json:"duration_seconds,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

type AuditListResponse struct {
	Items  []domain.AuditEntry `json:"items"`
	Source string              `json:"source" enum:"memory,db"`
}

type RunListResponse struct {
	Items []domain.ReconcileRun `json:"items"`
}

func applyResponse(res domain.ReconcileResult) ApplyResponse {
	if res.Queued {
		return ApplyResponse{Message: "queued", CorrelationID: res.CorrelationID, RoomID: res.RoomID}
	}
	applied := res.Applied
	return ApplyResponse{
		CorrelationID:   res.CorrelationID,
		RoomID:          res.RoomID,
		Success:         res.Success,
		PartialSuccess:  res.PartialSuccess,
		DryRun:          res.DryRun,
		Phase:           res.LastCompletedPhase,
		Diff:            res.Diff,
		Remaining:       res.Remaining,
		Applied:         &applied,
		Warnings:        res.Warnings,
		DurationSeconds: res.Duration().Seconds(),
	}
}
