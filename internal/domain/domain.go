package domain

import "time"

// JSONMap carries free-form, JSON-compatible values (strings, numbers, bools,
// nested objects and arrays).
type JSONMap map[string]any

type Phase string

const (
	PhasePlanning  Phase = "PLANNING"
	PhasePreChecks Phase = "PRE_CHECKS"
	PhaseApply     Phase = "APPLY"
	PhaseVerify    Phase = "VERIFY"
	// PhaseRollback is reserved; no cycle transitions into it.
	PhaseRollback Phase = "ROLLBACK"
)

type RoomSpec struct {
	APIVersion string       `json:"apiVersion" yaml:"apiVersion"`
	Kind       string       `json:"kind" yaml:"kind"`
	Metadata   SpecMetadata `json:"metadata" yaml:"metadata"`
	Spec       RoomSpecBody `json:"spec" yaml:"spec"`
}

type SpecMetadata struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version" yaml:"version"`
}

type RoomSpecBody struct {
	RoomID    string             `json:"roomId" yaml:"roomId"`
	Entities  []EntitySpec       `json:"entities,omitempty" yaml:"entities,omitempty"`
	Artifacts []ArtifactSeedSpec `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Policies  GlobalPolicies     `json:"policies,omitempty" yaml:"policies,omitempty"`
	Resources []ResourceSpec     `json:"resources,omitempty" yaml:"resources,omitempty"`
}

type EntitySpec struct {
	ID           string   `json:"id" yaml:"id"`
	Kind         string   `json:"kind" yaml:"kind"`
	DisplayName  string   `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Visibility   string   `json:"visibility,omitempty" yaml:"visibility,omitempty"`
	OwnerUserID  string   `json:"ownerUserId,omitempty" yaml:"ownerUserId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Policy       JSONMap  `json:"policy,omitempty" yaml:"policy,omitempty"`
}

type ArtifactSeedSpec struct {
	Name             string   `json:"name" yaml:"name"`
	Type             string   `json:"type" yaml:"type"`
	Workspace        string   `json:"workspace" yaml:"workspace"`
	Tags             []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	SeedFrom         string   `json:"seedFrom,omitempty" yaml:"seedFrom,omitempty"`
	PromoteAfterSeed bool     `json:"promoteAfterSeed,omitempty" yaml:"promoteAfterSeed,omitempty"`
	DependsOn        []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

type GlobalPolicies struct {
	DMVisibilityDefault   string `json:"dmVisibilityDefault,omitempty" yaml:"dmVisibilityDefault,omitempty"`
	AllowResourceCreation bool   `json:"allowResourceCreation,omitempty" yaml:"allowResourceCreation,omitempty"`
	MaxArtifactsPerEntity int    `json:"maxArtifactsPerEntity,omitempty" yaml:"maxArtifactsPerEntity,omitempty"`
}

type ResourceSpec struct {
	Name   string  `json:"name" yaml:"name"`
	Kind   string  `json:"kind" yaml:"kind"`
	URI    string  `json:"uri,omitempty" yaml:"uri,omitempty"`
	Config JSONMap `json:"config,omitempty" yaml:"config,omitempty"`
}

type RoomState struct {
	RoomID    string            `json:"roomId"`
	Entities  []EntityState     `json:"entities"`
	Artifacts []ArtifactState   `json:"artifacts"`
	Policies  map[string]string `json:"policies,omitempty"`
	Resources []ResourceState   `json:"resources,omitempty"`
}

type EntityState struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"displayName,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
	Connected   bool   `json:"connected"`
}

type ArtifactState struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Workspace   string `json:"workspace"`
	ContentHash string `json:"contentHash,omitempty"`
	Promoted    bool   `json:"promoted"`
}

type ResourceState struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	URI  string `json:"uri,omitempty"`
}

type ReconcileDiff struct {
	ToJoin            []string `json:"toJoin"`
	ToKick            []string `json:"toKick"`
	ToEnsure          []string `json:"toEnsure"`
	ToSeed            []string `json:"toSeed"`
	ToPromote         []string `json:"toPromote"`
	ToDeleteArtifacts []string `json:"toDeleteArtifacts"`
	ToApply           []string `json:"toApply"`
	Blocked           []string `json:"blocked"`
}

// Converged reports whether nothing is left to join, kick, seed or delete.
func (d ReconcileDiff) Converged() bool {
	return len(d.ToJoin) == 0 && len(d.ToKick) == 0 && len(d.ToSeed) == 0 && len(d.ToDeleteArtifacts) == 0
}

type GuardrailsResult struct {
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations"`
	Warnings   []string `json:"warnings"`
}

type ReconcileResult struct {
	CorrelationID      string         `json:"correlationId"`
	RoomID             string         `json:"roomId"`
	Success            bool           `json:"success"`
	PartialSuccess     bool           `json:"partialSuccess"`
	Queued             bool           `json:"queued,omitempty"`
	// Rejected marks a cycle stopped by guardrails before any mutation.
	Rejected           bool           `json:"rejected,omitempty"`
	DryRun             bool           `json:"dryRun,omitempty"`
	LastCompletedPhase Phase          `json:"lastCompletedPhase,omitempty" enum:"PLANNING,PRE_CHECKS,APPLY,VERIFY,ROLLBACK"`
	Errors             []string       `json:"errors"`
	Warnings           []string       `json:"warnings"`
	Diff               *ReconcileDiff `json:"diff,omitempty"`
	Remaining          *ReconcileDiff `json:"remaining,omitempty"`
	Applied            AppliedCounts  `json:"applied"`
	StartTime          time.Time      `json:"startTime" format:"date-time"`
	EndTime            time.Time      `json:"endTime" format:"date-time"`
}

func (r ReconcileResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// AppliedCounts tallies successful APPLY mutations in one cycle.
type AppliedCounts struct {
	Joined   int `json:"joined"`
	Kicked   int `json:"kicked"`
	Seeded   int `json:"seeded"`
	Promoted int `json:"promoted"`
	Deleted  int `json:"deleted"`
	Policies int `json:"policies"`
}

type EntryType string

const (
	EntryEvent   EntryType = "event"
	EntryCommand EntryType = "command"
)

type AuditEntry struct {
	Seq             int64     `json:"seq"`
	Type            EntryType `json:"type" enum:"event,command"`
	Action          string    `json:"action"`
	CorrelationID   string    `json:"correlationId"`
	Timestamp       time.Time `json:"timestamp" format:"date-time"`
	OperatorVersion string    `json:"operatorVersion"`
	SpecVersion     int       `json:"specVersion"`
	Metadata        JSONMap   `json:"metadata,omitempty"`
}

type RoomStatus struct {
	RoomID               string         `json:"roomId"`
	CurrentPhase         Phase          `json:"currentPhase"`
	IsReconciling        bool           `json:"isReconciling"`
	PendingDiff          *ReconcileDiff `json:"pendingDiff,omitempty"`
	Blocked              []string       `json:"blocked"`
	LastReconcile        time.Time      `json:"lastReconcile,omitempty" format:"date-time"`
	LastCorrelationID    string         `json:"lastCorrelationId,omitempty"`
	CyclesSinceConverged int            `json:"cyclesSinceConverged"`
}

type ReconcileRun struct {
	CorrelationID  string    `json:"correlation_id"`
	RoomID         string    `json:"room_id"`
	SpecName       string    `json:"spec_name"`
	SpecVersion    int       `json:"spec_version"`
	DryRun         bool      `json:"dry_run"`
	Success        bool      `json:"success"`
	PartialSuccess bool      `json:"partial_success"`
	LastPhase      Phase     `json:"last_phase"`
	Joined         int       `json:"joined"`
	Kicked         int       `json:"kicked"`
	Seeded         int       `json:"seeded"`
	Deleted        int       `json:"deleted"`
	Errors         []string  `json:"errors"`
	Warnings       []string  `json:"warnings"`
	StartedAt      time.Time `json:"started_at" format:"date-time"`
	FinishedAt     time.Time `json:"finished_at" format:"date-time"`
}

// OperatorStatus is the process-wide view served to pollers.
type OperatorStatus struct {
	Version        string       `json:"version"`
	Health         string       `json:"health" enum:"healthy,draining"`
	Rooms          []RoomStatus `json:"rooms"`
	QueuedRequests int          `json:"queuedRequests"`
	Reconciling    bool         `json:"reconciling"`
}
