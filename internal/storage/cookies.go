package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mireapprove/backend/internal/model"
)

// SaveCookies stores the user's cookie jar, replacing any previous one.
// The jar is serialized and encrypted as a single blob.
func (db *DB) SaveCookies(ctx context.Context, tgID int64, cookies []model.Cookie) error {
	raw, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("storage: marshal cookies: %w", err)
	}
	enc, err := db.box.Encrypt(string(raw))
	if err != nil {
		return fmt.Errorf("storage: encrypt cookies: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO session_cookies (tg_id, cookies_enc, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (tg_id) DO UPDATE SET cookies_enc = EXCLUDED.cookies_enc, updated_at = now()`,
		tgID, enc,
	)
	if err != nil {
		return fmt.Errorf("storage: save cookies: %w", err)
	}
	return nil
}

// GetCookies loads the user's cookie jar. ErrNotFound when no jar is stored.
func (db *DB) GetCookies(ctx context.Context, tgID int64) ([]model.Cookie, error) {
	var enc string
	err := db.pool.QueryRow(ctx,
		`SELECT cookies_enc FROM session_cookies WHERE tg_id = $1`, tgID,
	).Scan(&enc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get cookies: %w", err)
	}

	raw, err := db.box.Decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("storage: decrypt cookies for %d: %w", tgID, err)
	}
	var cookies []model.Cookie
	if err := json.Unmarshal([]byte(raw), &cookies); err != nil {
		return nil, fmt.Errorf("storage: unmarshal cookies: %w", err)
	}
	return cookies, nil
}

// DeleteCookies drops the stored jar, forcing a fresh login next time.
func (db *DB) DeleteCookies(ctx context.Context, tgID int64) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM session_cookies WHERE tg_id = $1`, tgID)
	if err != nil {
		return fmt.Errorf("storage: delete cookies: %w", err)
	}
	return nil
}
