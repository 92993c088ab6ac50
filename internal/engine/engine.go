package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"roomops/internal/artifacts"
	"roomops/internal/audit"
	"roomops/internal/config"
	"roomops/internal/diff"
	"roomops/internal/domain"
	"roomops/internal/guardrails"
	"roomops/internal/retry"
	"roomops/internal/roomclient"
	"roomops/internal/spec"
)

const (
	PolicyDMVisibility = "dmVisibilityDefault"

	NotConvergedWarning = "State not fully converged after reconciliation"
)

// Engine runs one reconciliation cycle at a time. It holds no per-cycle
// state; concurrency control lives in the service package.
type Engine struct {
	Rooms     roomclient.RoomClient
	Artifacts roomclient.ArtifactsClient
	Policies  roomclient.PoliciesClient

	Guardrails guardrails.Evaluator
	Retry      *retry.Executor
	Audit      *audit.Log
	Seeds      artifacts.SeedReader

	OperatorVersion     string
	DefaultDMVisibility string

	Logger *slog.Logger
	Tracer trace.Tracer
	Now    func() time.Time
	NewID  func() string
	// OnPhase, when set, is called as each phase begins.
	OnPhase func(roomID string, phase domain.Phase)
}

func New(rt roomclient.Runtime, log *audit.Log, cfg *config.Config, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")
	return Engine{
		Rooms:               rt,
		Artifacts:           rt,
		Policies:            rt,
		Guardrails:          guardrails.New(cfg.Guardrails),
		Retry:               retry.New(cfg.Retry, logger),
		Audit:               log,
		Seeds:               artifacts.SeedReader{Dir: cfg.SeedDir},
		OperatorVersion:     cfg.Operator.Version,
		DefaultDMVisibility: cfg.PolicyDefaultDMVisibility,
		Logger:              logger,
		Tracer:              otel.Tracer("roomops/engine"),
		Now:                 time.Now,
		NewID:               func() string { return uuid.NewString() },
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) retrier() *retry.Executor {
	if e.Retry != nil {
		return e.Retry
	}
	return retry.New(retry.DefaultConfig(), e.logger())
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer("roomops/engine")
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Request is one spec application.
type Request struct {
	Spec    domain.RoomSpec
	DryRun  bool
	Confirm bool
	// CorrelationID ties every audit entry of the cycle together. Empty means
	// a fresh one is generated.
	CorrelationID string
}

// Execute is Run without a caller-chosen correlation id.
func (e Engine) Execute(ctx context.Context, s domain.RoomSpec, dryRun, confirm bool) domain.ReconcileResult {
	return e.Run(ctx, Request{Spec: s, DryRun: dryRun, Confirm: confirm})
}

// Run executes PLANNING, PRE_CHECKS and, unless DryRun is set, APPLY and
// VERIFY. It never returns an error: fatal problems end up in Errors and
// per-item failures in Warnings.
func (e Engine) Run(ctx context.Context, req Request) (res domain.ReconcileResult) {
	corr := req.CorrelationID
	if corr == "" {
		corr = e.newID()
	}
	res = domain.ReconcileResult{
		CorrelationID: corr,
		RoomID:        req.Spec.Spec.RoomID,
		DryRun:        req.DryRun,
		Errors:        []string{},
		Warnings:      []string{},
		StartTime:     e.now(),
	}
	log := e.logger().With("correlation_id", corr, "room_id", res.RoomID)

	defer func() {
		if r := recover(); r != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("reconcile panic: %v", r))
		}
		res.Success = len(res.Errors) == 0
		res.PartialSuccess = res.Success && len(res.Warnings) > 0
		res.EndTime = e.now()
		log.Info("reconcile finished",
			"success", res.Success,
			"partial_success", res.PartialSuccess,
			"last_phase", res.LastCompletedPhase,
			"warnings", len(res.Warnings),
			"errors", len(res.Errors),
			"duration", res.Duration())
	}()

	c := &cycle{Engine: e, req: req, res: &res, log: log}
	if err := c.run(ctx); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	return res
}

type cycle struct {
	Engine
	req   Request
	res   *domain.ReconcileResult
	log   *slog.Logger
	state domain.RoomState
	diff  domain.ReconcileDiff
	// seeded maps artifact names to the fingerprint the runtime should hold
	// after this cycle.
	seeded map[string]string
	// failed holds artifacts that were blocked or failed to seed.
	failed map[string]bool
}

func (c *cycle) roomID() string { return c.req.Spec.Spec.RoomID }

func (c *cycle) audit(action string, metadata domain.JSONMap) {
	if c.Audit == nil {
		return
	}
	c.Audit.LogEvent(action, c.res.CorrelationID, c.OperatorVersion, c.req.Spec.Metadata.Version, metadata)
}

func (c *cycle) startPhase(ctx context.Context, p domain.Phase) (context.Context, trace.Span) {
	c.log.Info("phase started", "phase", p)
	if c.OnPhase != nil {
		c.OnPhase(c.roomID(), p)
	}
	return c.tracer().Start(ctx, "reconcile."+strings.ToLower(string(p)), trace.WithAttributes(
		attribute.String("roomops.room_id", c.roomID()),
		attribute.String("roomops.correlation_id", c.res.CorrelationID),
		attribute.Bool("roomops.dry_run", c.req.DryRun),
	))
}

func endPhase(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (c *cycle) warn(msg string, err error) {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	c.log.Warn("apply item failed", "warning", msg)
	c.res.Warnings = append(c.res.Warnings, msg)
}

func (c *cycle) run(ctx context.Context) error {
	if err := c.plan(ctx); err != nil {
		return err
	}
	if !c.preChecks(ctx) {
		return nil
	}
	if c.req.DryRun {
		c.log.Info("dry run; skipping apply")
		return nil
	}
	if err := c.apply(ctx); err != nil {
		return err
	}
	return c.verify(ctx)
}

func (c *cycle) fetchState(ctx context.Context) (domain.RoomState, error) {
	return retry.Do(ctx, c.retrier(), "get state "+c.roomID(), func(ctx context.Context) (domain.RoomState, error) {
		return c.Rooms.GetState(ctx, c.roomID())
	})
}

func (c *cycle) plan(ctx context.Context) (err error) {
	ctx, span := c.startPhase(ctx, domain.PhasePlanning)
	defer func() { endPhase(span, err) }()

	state, err := c.fetchState(ctx)
	if err != nil {
		return fmt.Errorf("fetch room state: %w", err)
	}
	c.state = state
	c.diff = diff.Calculate(c.req.Spec, state)
	c.res.Diff = &c.diff
	c.audit("reconcile.planning", domain.JSONMap{
		"roomId":   c.roomID(),
		"specName": c.req.Spec.Metadata.Name,
		"toJoin":   len(c.diff.ToJoin),
		"toKick":   len(c.diff.ToKick),
		"toSeed":   len(c.diff.ToSeed),
		"toDelete": len(c.diff.ToDeleteArtifacts),
	})
	c.res.LastCompletedPhase = domain.PhasePlanning
	return nil
}

func (c *cycle) preChecks(ctx context.Context) bool {
	_, span := c.startPhase(ctx, domain.PhasePreChecks)
	gr := c.Guardrails.Check(c.diff, c.state, c.req.Confirm)
	if !gr.Passed {
		c.res.Rejected = true
		c.res.Errors = append(c.res.Errors, gr.Violations...)
		c.res.Warnings = append(c.res.Warnings, gr.Warnings...)
		c.log.Warn("guardrails rejected cycle", "violations", gr.Violations)
		endPhase(span, errors.New("guardrails failed"))
		return false
	}
	c.res.Warnings = append(c.res.Warnings, gr.Warnings...)
	c.audit("reconcile.pre_checks", domain.JSONMap{
		"roomId":      c.roomID(),
		"changeRatio": diff.ChangeRatio(c.diff, c.state),
		"confirmed":   c.req.Confirm,
		"warnings":    len(gr.Warnings),
	})
	c.res.LastCompletedPhase = domain.PhasePreChecks
	endPhase(span, nil)
	return true
}

func (c *cycle) apply(ctx context.Context) (err error) {
	ctx, span := c.startPhase(ctx, domain.PhaseApply)
	defer func() { endPhase(span, err) }()

	steps := []func(context.Context){
		c.joinEntities,
		c.kickEntities,
		c.seedArtifacts,
		c.promoteArtifacts,
		c.deleteArtifacts,
		c.applyPolicies,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("apply interrupted: %w", err)
		}
		step(ctx)
	}
	applied := c.res.Applied
	c.audit("reconcile.apply", domain.JSONMap{
		"roomId":   c.roomID(),
		"joined":   applied.Joined,
		"kicked":   applied.Kicked,
		"seeded":   applied.Seeded,
		"promoted": applied.Promoted,
		"deleted":  applied.Deleted,
		"blocked":  len(c.diff.Blocked),
	})
	c.res.LastCompletedPhase = domain.PhaseApply
	return nil
}

func (c *cycle) mutate(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.retrier().Run(ctx, op, fn)
}

func (c *cycle) joinEntities(ctx context.Context) {
	for _, id := range c.diff.ToJoin {
		entity, ok := spec.Entity(c.req.Spec, id)
		if !ok {
			c.warn(fmt.Sprintf("Failed to join entity %s: not declared in spec", id), nil)
			continue
		}
		err := c.mutate(ctx, "join "+id, func(ctx context.Context) error {
			return c.Rooms.JoinEntity(ctx, c.roomID(), entity)
		})
		if err != nil {
			c.warn(fmt.Sprintf("Failed to join entity %s", id), err)
			continue
		}
		c.res.Applied.Joined++
		c.audit("entity.joined", domain.JSONMap{"entityId": id, "kind": entity.Kind})
	}
}

func (c *cycle) kickEntities(ctx context.Context) {
	for _, id := range c.diff.ToKick {
		err := c.mutate(ctx, "kick "+id, func(ctx context.Context) error {
			return c.Rooms.KickEntity(ctx, c.roomID(), id)
		})
		if err != nil {
			c.warn(fmt.Sprintf("Failed to kick entity %s", id), err)
			continue
		}
		c.res.Applied.Kicked++
		c.audit("entity.kicked", domain.JSONMap{"entityId": id})
	}
}

func (c *cycle) seedArtifacts(ctx context.Context) {
	c.seeded = map[string]string{}
	c.failed = map[string]bool{}
	want := make(map[string]bool, len(c.diff.ToSeed))
	for _, name := range c.diff.ToSeed {
		want[name] = true
	}
	ordered, err := artifacts.Order(c.req.Spec.Spec.Artifacts)
	if err != nil {
		c.warn("Failed to order artifacts for seeding", err)
		ordered = c.req.Spec.Spec.Artifacts
	}
	done := map[string]bool{}
	for _, a := range ordered {
		if !want[a.Name] || done[a.Name] {
			continue
		}
		done[a.Name] = true
		if dep := c.blockedDependency(a); dep != "" {
			c.block(a.Name)
			c.warn(fmt.Sprintf("Artifact %s blocked: dependency %s was not seeded", a.Name, dep), nil)
			continue
		}
		c.seedOne(ctx, a)
	}
}

func (c *cycle) blockedDependency(a domain.ArtifactSeedSpec) string {
	for _, dep := range a.DependsOn {
		if c.failed[dep] {
			return dep
		}
	}
	return ""
}

func (c *cycle) block(name string) {
	c.failed[name] = true
	c.diff.Blocked = append(c.diff.Blocked, name)
}

func (c *cycle) seedOne(ctx context.Context, a domain.ArtifactSeedSpec) {
	content, err := c.Seeds.Read(ctx, a)
	if err != nil {
		c.block(a.Name)
		if errors.Is(err, artifacts.ErrSeedMissing) {
			c.warn(fmt.Sprintf("Artifact %s blocked: seed file missing (%s)", a.Name, c.Seeds.Path(a)), nil)
		} else {
			c.warn(fmt.Sprintf("Artifact %s blocked", a.Name), err)
		}
		return
	}
	fp := artifacts.Fingerprint(a, content)
	current, err := retry.Do(ctx, c.retrier(), "get artifact hash "+a.Name, func(ctx context.Context) (string, error) {
		h, _, err := c.Artifacts.GetArtifactHash(ctx, c.roomID(), a.Name)
		return h, err
	})
	if err != nil {
		c.failed[a.Name] = true
		c.warn(fmt.Sprintf("Failed to seed artifact %s", a.Name), err)
		return
	}
	if current == fp {
		c.log.Debug("artifact unchanged; skipping seed", "artifact", a.Name)
		c.seeded[a.Name] = fp
		return
	}
	err = c.mutate(ctx, "seed "+a.Name, func(ctx context.Context) error {
		return c.Artifacts.SeedArtifact(ctx, c.roomID(), a, content)
	})
	if err != nil {
		c.failed[a.Name] = true
		c.warn(fmt.Sprintf("Failed to seed artifact %s", a.Name), err)
		return
	}
	c.seeded[a.Name] = fp
	c.res.Applied.Seeded++
	c.audit("artifact.seeded", domain.JSONMap{"artifact": a.Name, "contentHash": fp, "bytes": len(content)})
}

func (c *cycle) promoteArtifacts(ctx context.Context) {
	for _, name := range c.diff.ToPromote {
		if c.failed[name] {
			c.log.Info("skipping promotion of unseeded artifact", "artifact", name)
			continue
		}
		err := c.mutate(ctx, "promote "+name, func(ctx context.Context) error {
			return c.Artifacts.PromoteArtifact(ctx, c.roomID(), name)
		})
		if err != nil {
			c.warn(fmt.Sprintf("Failed to promote artifact %s", name), err)
			continue
		}
		c.res.Applied.Promoted++
		c.audit("artifact.promoted", domain.JSONMap{"artifact": name})
	}
}

func (c *cycle) deleteArtifacts(ctx context.Context) {
	for _, name := range c.diff.ToDeleteArtifacts {
		err := c.mutate(ctx, "delete "+name, func(ctx context.Context) error {
			return c.Artifacts.DeleteArtifact(ctx, c.roomID(), name)
		})
		if err != nil {
			c.warn(fmt.Sprintf("Failed to delete artifact %s", name), err)
			continue
		}
		c.res.Applied.Deleted++
		c.audit("artifact.deleted", domain.JSONMap{"artifact": name})
	}
}

func (c *cycle) applyPolicies(ctx context.Context) {
	value := c.req.Spec.Spec.Policies.DMVisibilityDefault
	if value == "" {
		value = c.DefaultDMVisibility
	}
	if value == "" {
		value = config.DefaultDMVisibility
	}
	err := c.mutate(ctx, "policy "+PolicyDMVisibility, func(ctx context.Context) error {
		return c.Policies.ApplyPolicy(ctx, c.roomID(), PolicyDMVisibility, value)
	})
	if err != nil {
		c.warn(fmt.Sprintf("Failed to apply policy %s", PolicyDMVisibility), err)
		return
	}
	c.res.Applied.Policies++
	c.audit("policy.applied", domain.JSONMap{"policy": PolicyDMVisibility, "value": value})
}

func (c *cycle) verify(ctx context.Context) (err error) {
	ctx, span := c.startPhase(ctx, domain.PhaseVerify)
	defer func() { endPhase(span, err) }()

	state, err := c.fetchState(ctx)
	if err != nil {
		return fmt.Errorf("verify room state: %w", err)
	}
	remaining := diff.Calculate(c.req.Spec, state)
	remaining.ToSeed = c.pendingSeeds(remaining.ToSeed, state)
	remaining.Blocked = append(remaining.Blocked, c.diff.Blocked...)
	c.res.Remaining = &remaining
	converged := remaining.Converged()
	if !converged {
		c.res.Warnings = append(c.res.Warnings, NotConvergedWarning)
	}
	c.audit("reconcile.verify", domain.JSONMap{"roomId": c.roomID(), "converged": converged})
	c.res.LastCompletedPhase = domain.PhaseVerify
	return nil
}

// pendingSeeds drops artifacts whose stored fingerprint matches what this
// cycle wrote or found in place.
func (c *cycle) pendingSeeds(names []string, state domain.RoomState) []string {
	stored := make(map[string]string, len(state.Artifacts))
	for _, a := range state.Artifacts {
		stored[a.Name] = a.ContentHash
	}
	out := []string{}
	for _, name := range names {
		fp, ok := c.seeded[name]
		if ok && stored[name] == fp {
			continue
		}
		out = append(out, name)
	}
	return out
}
