// Package events persists audit entries to SQLite so history survives the
// in-memory ring and process restarts.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"roomops/internal/domain"
)

// Writer is an audit sink backed by the audit_entries table.
type Writer struct {
	DB *sql.DB
}

func (w Writer) Write(ctx context.Context, entry domain.AuditEntry) error {
	meta := entry.Metadata
	if meta == nil {
		meta = domain.JSONMap{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT OR REPLACE INTO audit_entries(seq,type,action,correlation_id,ts,operator_version,spec_version,metadata_json) VALUES (?,?,?,?,?,?,?,?)`,
		entry.Seq, string(entry.Type), entry.Action, entry.CorrelationID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.OperatorVersion, entry.SpecVersion, string(data))
	if err != nil {
		return fmt.Errorf("insert audit entry %d: %w", entry.Seq, err)
	}
	return nil
}
