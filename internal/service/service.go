// Package service serializes reconciliation cycles. One cycle runs at a time
// per process; requests arriving while the slot is held are queued FIFO and
// run in order once it frees up.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomops/internal/audit"
	"roomops/internal/domain"
	"roomops/internal/engine"
)

const (
	QueuedWarning = "Request queued: another reconciliation is in progress"

	HealthHealthy  = "healthy"
	HealthDraining = "draining"
)

// ErrShuttingDown is reported for requests made after Shutdown.
var ErrShuttingDown = errors.New("reconciliation service is shutting down")

// RunStore persists finished cycles.
type RunStore interface {
	InsertRun(ctx context.Context, run domain.ReconcileRun) error
}

type Options struct {
	Engine engine.Engine
	Audit  *audit.Log
	Runs   RunStore
	Logger *slog.Logger
}

type Service struct {
	engine  engine.Engine
	audit   *audit.Log
	runs    RunStore
	logger  *slog.Logger
	version string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	closed  bool
	queue   []engine.Request
	rooms   map[string]domain.RoomStatus
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		engine:  opts.Engine,
		audit:   opts.Audit,
		runs:    opts.Runs,
		logger:  logger.With("component", "service"),
		version: opts.Engine.OperatorVersion,
		ctx:     ctx,
		cancel:  cancel,
		rooms:   map[string]domain.RoomStatus{},
	}
	s.engine.OnPhase = s.setPhase
	return s
}

// Apply runs req if the slot is free and returns its result. Otherwise req
// is queued and Apply returns at once with Queued set. Cycles run under the
// service's own context so a caller going away does not abort one midway.
func (s *Service) Apply(ctx context.Context, req engine.Request) domain.ReconcileResult {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	roomID := req.Spec.Spec.RoomID
	s.command("reconcile.requested", req, domain.JSONMap{"roomId": roomID, "dryRun": req.DryRun, "confirm": req.Confirm})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		now := time.Now().UTC()
		return domain.ReconcileResult{
			CorrelationID: req.CorrelationID,
			RoomID:        roomID,
			DryRun:        req.DryRun,
			Errors:        []string{ErrShuttingDown.Error()},
			Warnings:      []string{},
			StartTime:     now,
			EndTime:       now,
		}
	}
	if s.running {
		s.queue = append(s.queue, req)
		depth := len(s.queue)
		s.mu.Unlock()
		s.logger.Info("reconcile queued", "correlation_id", req.CorrelationID, "room_id", roomID, "queue_length", depth)
		s.command("reconcile.queued", req, domain.JSONMap{"roomId": roomID, "position": depth})
		now := time.Now().UTC()
		return domain.ReconcileResult{
			CorrelationID: req.CorrelationID,
			RoomID:        roomID,
			Queued:        true,
			DryRun:        req.DryRun,
			Errors:        []string{},
			Warnings:      []string{QueuedWarning},
			StartTime:     now,
			EndTime:       now,
		}
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	return s.runAndRelease(req)
}

func (s *Service) runAndRelease(req engine.Request) domain.ReconcileResult {
	defer s.wg.Done()
	res := s.execute(req)
	s.release()
	return res
}

// release hands the slot to the oldest queued request, if any.
func (s *Service) release() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.running = false
		s.mu.Unlock()
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("dequeued reconcile", "correlation_id", next.CorrelationID, "room_id", next.Spec.Spec.RoomID)
	go s.runAndRelease(next)
}

func (s *Service) execute(req engine.Request) domain.ReconcileResult {
	roomID := req.Spec.Spec.RoomID
	s.mu.Lock()
	st := s.rooms[roomID]
	st.RoomID = roomID
	st.IsReconciling = true
	st.CurrentPhase = domain.PhasePlanning
	if st.Blocked == nil {
		st.Blocked = []string{}
	}
	s.rooms[roomID] = st
	s.mu.Unlock()

	res := s.engine.Run(s.ctx, req)

	s.mu.Lock()
	prev := s.rooms[roomID]
	next := domain.RoomStatus{
		RoomID:               roomID,
		CurrentPhase:         res.LastCompletedPhase,
		LastReconcile:        res.EndTime,
		LastCorrelationID:    res.CorrelationID,
		Blocked:              []string{},
		CyclesSinceConverged: prev.CyclesSinceConverged,
	}
	pending := res.Remaining
	if pending == nil {
		pending = res.Diff
	}
	if pending != nil {
		d := *pending
		next.PendingDiff = &d
		next.Blocked = append(next.Blocked, d.Blocked...)
	}
	switch {
	case res.DryRun:
	case res.Success && res.Remaining != nil && res.Remaining.Converged():
		next.CyclesSinceConverged = 0
	default:
		next.CyclesSinceConverged++
	}
	s.rooms[roomID] = next
	s.mu.Unlock()

	s.record(req, res)
	return res
}

func (s *Service) setPhase(roomID string, phase domain.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.rooms[roomID]
	st.RoomID = roomID
	st.CurrentPhase = phase
	st.IsReconciling = true
	s.rooms[roomID] = st
}

func (s *Service) record(req engine.Request, res domain.ReconcileResult) {
	if s.runs == nil {
		return
	}
	run := domain.ReconcileRun{
		CorrelationID:  res.CorrelationID,
		RoomID:         res.RoomID,
		SpecName:       req.Spec.Metadata.Name,
		SpecVersion:    req.Spec.Metadata.Version,
		DryRun:         res.DryRun,
		Success:        res.Success,
		PartialSuccess: res.PartialSuccess,
		LastPhase:      res.LastCompletedPhase,
		Joined:         res.Applied.Joined,
		Kicked:         res.Applied.Kicked,
		Seeded:         res.Applied.Seeded,
		Deleted:        res.Applied.Deleted,
		Errors:         res.Errors,
		Warnings:       res.Warnings,
		StartedAt:      res.StartTime,
		FinishedAt:     res.EndTime,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()
	if err := s.runs.InsertRun(ctx, run); err != nil {
		s.logger.Error("record reconcile run", "correlation_id", res.CorrelationID, "error", err)
	}
}

func (s *Service) command(action string, req engine.Request, metadata domain.JSONMap) {
	if s.audit == nil {
		return
	}
	s.audit.LogCommand(action, req.CorrelationID, s.version, req.Spec.Metadata.Version, metadata)
}

func (s *Service) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Reconciling reports whether a cycle currently holds the slot.
func (s *Service) Reconciling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RoomStatus returns the last known status of one room.
func (s *Service) RoomStatus(roomID string) (domain.RoomStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	return st, ok
}

// Status returns every known room sorted by id plus queue depth.
func (s *Service) Status() domain.OperatorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := domain.OperatorStatus{
		Version:        s.version,
		Health:         HealthHealthy,
		Rooms:          make([]domain.RoomStatus, 0, len(s.rooms)),
		QueuedRequests: len(s.queue),
		Reconciling:    s.running,
	}
	if s.closed {
		out.Health = HealthDraining
	}
	for _, st := range s.rooms {
		out.Rooms = append(out.Rooms, st)
	}
	sort.Slice(out.Rooms, func(i, j int) bool { return out.Rooms[i].RoomID < out.Rooms[j].RoomID })
	return out
}

// Wait blocks until the running cycle and every queued one have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting requests and drains queued work. If ctx ends
// first, the queue is dropped and the running cycle is cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		dropped := len(s.queue)
		s.queue = nil
		s.mu.Unlock()
		if dropped > 0 {
			s.logger.Warn("dropped queued reconciles on shutdown", "count", dropped)
		}
		s.cancel()
		<-done
		return ctx.Err()
	}
}
