package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is an append-only record of a security-relevant action:
// logins, credential changes, marking runs, admin operations.
type AuditEntry struct {
	TelegramID int64
	Action     string
	Detail     map[string]any
	CreatedAt  time.Time
}

// InsertAudit appends an audit event. The target table is immutable.
func (db *DB) InsertAudit(ctx context.Context, e AuditEntry) error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("storage: marshal audit detail: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_log (tg_id, action, detail) VALUES ($1, $2, $3)`,
		e.TelegramID, e.Action, detailJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}

// ListAuditByUser returns the most recent audit events for one user.
func (db *DB) ListAuditByUser(ctx context.Context, tgID int64, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT tg_id, action, detail, created_at
		 FROM audit_log WHERE tg_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		tgID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e          AuditEntry
			detailJSON []byte
		)
		if err := rows.Scan(&e.TelegramID, &e.Action, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit: %w", err)
		}
		if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
			return nil, fmt.Errorf("storage: unmarshal audit detail: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
