package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mireapprove/backend/internal/model"
)

// CreateExternalToken registers a third-party token awaiting user approval.
func (db *DB) CreateExternalToken(ctx context.Context, t model.ExternalToken) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO external_tokens (token, tg_id, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (token) DO NOTHING`,
		t.Token, t.TelegramID, t.Status, t.CreatedAt, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create external token: %w", err)
	}
	return nil
}

// GetExternalToken loads a token row; expired rows are treated as absent.
func (db *DB) GetExternalToken(ctx context.Context, token string, now time.Time) (model.ExternalToken, error) {
	var t model.ExternalToken
	err := db.pool.QueryRow(ctx,
		`SELECT token, tg_id, status, created_at, expires_at
		 FROM external_tokens WHERE token = $1 AND expires_at > $2`,
		token, now,
	).Scan(&t.Token, &t.TelegramID, &t.Status, &t.CreatedAt, &t.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ExternalToken{}, ErrNotFound
	}
	if err != nil {
		return model.ExternalToken{}, fmt.Errorf("storage: get external token: %w", err)
	}
	return t, nil
}

// SetExternalTokenStatus moves a token to approved or rejected.
func (db *DB) SetExternalTokenStatus(ctx context.Context, token, status string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE external_tokens SET status = $2 WHERE token = $1`, token, status)
	if err != nil {
		return fmt.Errorf("storage: set external token status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApproveExternalToken marks a pending token approved and binds it to the
// approving user.
func (db *DB) ApproveExternalToken(ctx context.Context, token string, tgID int64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE external_tokens SET status = 'approved', tg_id = $2
		 WHERE token = $1 AND status = 'pending'`, token, tgID)
	if err != nil {
		return fmt.Errorf("storage: approve external token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredExternalTokens sweeps tokens past their deadline.
func (db *DB) DeleteExpiredExternalTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM external_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired external tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
