package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mireapprove/backend/internal/model"
)

// UpsertChallenge stores a pending second-factor continuation, replacing any
// previous one for the user. The newer of the two notification timestamps
// survives the replacement: a background refresh that keeps hitting the
// second factor must not re-ping the user on every attempt.
func (db *DB) UpsertChallenge(ctx context.Context, ch model.PendingChallenge) error {
	continuationEnc, credsJSON, err := db.encodeChallengeBlobs(ch.ContinuationCookies, ch.AvailableCredentials)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO pending_challenges (tg_id, kind, origin, continuation_enc, submit_url,
		     credential_id, credentials, user_agent, created_at, expires_at, last_notified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (tg_id) DO UPDATE SET
		     kind = EXCLUDED.kind,
		     origin = EXCLUDED.origin,
		     continuation_enc = EXCLUDED.continuation_enc,
		     submit_url = EXCLUDED.submit_url,
		     credential_id = EXCLUDED.credential_id,
		     credentials = EXCLUDED.credentials,
		     user_agent = EXCLUDED.user_agent,
		     created_at = EXCLUDED.created_at,
		     expires_at = EXCLUDED.expires_at,
		     last_notified_at = GREATEST(pending_challenges.last_notified_at, EXCLUDED.last_notified_at)`,
		ch.TelegramID, ch.Kind, ch.Origin, continuationEnc, ch.SubmitURL,
		ch.CredentialID, credsJSON, ch.UserAgent, ch.CreatedAt, ch.ExpiresAt, ch.LastNotifiedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert challenge: %w", err)
	}
	return nil
}

// UpdateChallengeAfterWrongCode refreshes the continuation state after the
// portal re-presented the form. The stored credential id is kept when the
// re-presented page did not carry one.
func (db *DB) UpdateChallengeAfterWrongCode(ctx context.Context, ch model.PendingChallenge) error {
	continuationEnc, credsJSON, err := db.encodeChallengeBlobs(ch.ContinuationCookies, ch.AvailableCredentials)
	if err != nil {
		return err
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE pending_challenges SET
		     continuation_enc = $2,
		     submit_url = $3,
		     credential_id = CASE WHEN $4 = '' THEN credential_id ELSE $4 END,
		     credentials = $5,
		     expires_at = $6
		 WHERE tg_id = $1`,
		ch.TelegramID, continuationEnc, ch.SubmitURL, ch.CredentialID, credsJSON, ch.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetChallenge loads the user's pending challenge. Expired rows are treated
// as absent.
func (db *DB) GetChallenge(ctx context.Context, tgID int64, now time.Time) (model.PendingChallenge, error) {
	var (
		ch              model.PendingChallenge
		continuationEnc string
		credsJSON       []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT tg_id, kind, origin, continuation_enc, submit_url, credential_id,
		     credentials, user_agent, created_at, expires_at, last_notified_at
		 FROM pending_challenges
		 WHERE tg_id = $1 AND expires_at > $2`,
		tgID, now,
	).Scan(&ch.TelegramID, &ch.Kind, &ch.Origin, &continuationEnc, &ch.SubmitURL,
		&ch.CredentialID, &credsJSON, &ch.UserAgent, &ch.CreatedAt, &ch.ExpiresAt, &ch.LastNotifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PendingChallenge{}, ErrNotFound
	}
	if err != nil {
		return model.PendingChallenge{}, fmt.Errorf("storage: get challenge: %w", err)
	}

	raw, err := db.box.Decrypt(continuationEnc)
	if err != nil {
		return model.PendingChallenge{}, fmt.Errorf("storage: decrypt continuation for %d: %w", tgID, err)
	}
	if err := json.Unmarshal([]byte(raw), &ch.ContinuationCookies); err != nil {
		return model.PendingChallenge{}, fmt.Errorf("storage: unmarshal continuation: %w", err)
	}
	if err := json.Unmarshal(credsJSON, &ch.AvailableCredentials); err != nil {
		return model.PendingChallenge{}, fmt.Errorf("storage: unmarshal credentials: %w", err)
	}
	return ch, nil
}

// HasChallenge reports whether a non-expired challenge exists for the user.
func (db *DB) HasChallenge(ctx context.Context, tgID int64, now time.Time) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pending_challenges WHERE tg_id = $1 AND expires_at > $2)`,
		tgID, now,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has challenge: %w", err)
	}
	return exists, nil
}

// DeleteChallenge removes the user's pending challenge, if any.
func (db *DB) DeleteChallenge(ctx context.Context, tgID int64) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM pending_challenges WHERE tg_id = $1`, tgID)
	if err != nil {
		return fmt.Errorf("storage: delete challenge: %w", err)
	}
	return nil
}

// SetChallengeNotified records when the user was last pinged about this
// challenge.
func (db *DB) SetChallengeNotified(ctx context.Context, tgID int64, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE pending_challenges SET last_notified_at = $2 WHERE tg_id = $1`, tgID, at)
	if err != nil {
		return fmt.Errorf("storage: set challenge notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredChallenges sweeps rows past their deadline and returns how
// many were removed.
func (db *DB) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM pending_challenges WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) encodeChallengeBlobs(cookies []model.Cookie, creds []model.OTPCredential) (string, []byte, error) {
	rawCookies, err := json.Marshal(cookies)
	if err != nil {
		return "", nil, fmt.Errorf("storage: marshal continuation: %w", err)
	}
	enc, err := db.box.Encrypt(string(rawCookies))
	if err != nil {
		return "", nil, fmt.Errorf("storage: encrypt continuation: %w", err)
	}
	if creds == nil {
		creds = []model.OTPCredential{}
	}
	credsJSON, err := json.Marshal(creds)
	if err != nil {
		return "", nil, fmt.Errorf("storage: marshal credentials: %w", err)
	}
	return enc, credsJSON, nil
}
