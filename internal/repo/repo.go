package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roomops/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const auditColumns = `seq,type,action,correlation_id,ts,operator_version,spec_version,metadata_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanAudit(s scanner) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var typ, ts, meta string
	if err := s.Scan(&e.Seq, &typ, &e.Action, &e.CorrelationID, &ts, &e.OperatorVersion, &e.SpecVersion, &meta); err != nil {
		return e, err
	}
	e.Type = domain.EntryType(typ)
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return e, fmt.Errorf("parse audit ts %q: %w", ts, err)
	}
	e.Timestamp = t
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return e, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	return e, nil
}

func (r Repo) queryAudit(ctx context.Context, q string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AuditEntry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListAuditEntries returns the latest limit entries, oldest first.
func (r Repo) ListAuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := r.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_entries ORDER BY ts DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

func (r Repo) AuditByCorrelation(ctx context.Context, correlationID string) ([]domain.AuditEntry, error) {
	return r.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_entries WHERE correlation_id=? ORDER BY seq ASC`, correlationID)
}

func (r Repo) InsertRun(ctx context.Context, run domain.ReconcileRun) error {
	errs, err := json.Marshal(nonNil(run.Errors))
	if err != nil {
		return err
	}
	warns, err := json.Marshal(nonNil(run.Warnings))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO reconcile_runs(correlation_id,room_id,spec_name,spec_version,dry_run,success,partial_success,last_phase,joined,kicked,seeded,deleted,errors_json,warnings_json,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.CorrelationID, run.RoomID, run.SpecName, run.SpecVersion, boolInt(run.DryRun), boolInt(run.Success), boolInt(run.PartialSuccess),
		string(run.LastPhase), run.Joined, run.Kicked, run.Seeded, run.Deleted, string(errs), string(warns),
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.CorrelationID, err)
	}
	return nil
}

const runColumns = `correlation_id,room_id,spec_name,spec_version,dry_run,success,partial_success,last_phase,joined,kicked,seeded,deleted,errors_json,warnings_json,started_at,finished_at`

func scanRun(s scanner) (domain.ReconcileRun, error) {
	var run domain.ReconcileRun
	var dry, ok, partial int
	var phase, errs, warns, started, finished string
	if err := s.Scan(&run.CorrelationID, &run.RoomID, &run.SpecName, &run.SpecVersion, &dry, &ok, &partial, &phase,
		&run.Joined, &run.Kicked, &run.Seeded, &run.Deleted, &errs, &warns, &started, &finished); err != nil {
		return run, err
	}
	run.DryRun, run.Success, run.PartialSuccess = dry == 1, ok == 1, partial == 1
	run.LastPhase = domain.Phase(phase)
	if err := json.Unmarshal([]byte(errs), &run.Errors); err != nil {
		return run, fmt.Errorf("decode run errors: %w", err)
	}
	if err := json.Unmarshal([]byte(warns), &run.Warnings); err != nil {
		return run, fmt.Errorf("decode run warnings: %w", err)
	}
	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return run, err
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return run, err
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, correlationID string) (domain.ReconcileRun, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM reconcile_runs WHERE correlation_id=?`, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	return run, err
}

// ListRuns returns runs newest first, optionally filtered by room.
func (r Repo) ListRuns(ctx context.Context, roomID string, limit int) ([]domain.ReconcileRun, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + runColumns + ` FROM reconcile_runs`
	var args []any
	if roomID != "" {
		q += ` WHERE room_id=?`
		args = append(args, roomID)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ReconcileRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
