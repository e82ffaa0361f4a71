package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mireapprove/backend/internal/model"
)

const userColumns = `tg_id, login, password_enc, user_group, user_agent, fio,
	 allow_confirm, admin_level, totp_seed_enc, totp_credential_id, created_at`

// CreateUser inserts a user row. Registration without credentials is allowed;
// login and password arrive later through the credentials flow.
func (db *DB) CreateUser(ctx context.Context, u model.User) error {
	passwordEnc, err := db.encryptOptional(u.Password)
	if err != nil {
		return fmt.Errorf("storage: encrypt password: %w", err)
	}
	seedEnc, err := db.encryptOptional(u.TOTPSeed)
	if err != nil {
		return fmt.Errorf("storage: encrypt totp seed: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO users (tg_id, login, password_enc, user_group, user_agent, fio,
		     allow_confirm, admin_level, totp_seed_enc, totp_credential_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tg_id) DO NOTHING`,
		u.TelegramID, u.Login, passwordEnc, u.Group, u.UserAgent, u.FIO,
		u.AllowConfirm, u.AdminLevel, seedEnc, u.TOTPCredentialID,
	)
	if err != nil {
		return fmt.Errorf("storage: create user: %w", err)
	}
	return nil
}

// GetUser loads a user with secrets decrypted. A row with an undecryptable
// secret is returned as an error wrapping secrets.ErrCorrupt; the row itself
// is kept for an operator to inspect.
func (db *DB) GetUser(ctx context.Context, tgID int64) (model.User, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tg_id = $1`, tgID)
	return db.scanUser(row)
}

// ListUsers returns all users ordered by registration time.
func (db *DB) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()
	return db.scanUsers(rows)
}

// ListGroupConfirmers returns the members of a group who stored credentials
// and opted into being marked by a group admin.
func (db *DB) ListGroupConfirmers(ctx context.Context, group string) ([]model.User, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE user_group = $1 AND allow_confirm AND login <> '' AND password_enc <> ''
		 ORDER BY fio, tg_id`, group)
	if err != nil {
		return nil, fmt.Errorf("storage: list group confirmers: %w", err)
	}
	defer rows.Close()
	return db.scanUsers(rows)
}

// UpdateCredentials replaces the stored login/password pair.
func (db *DB) UpdateCredentials(ctx context.Context, tgID int64, login, password string) error {
	passwordEnc, err := db.encryptOptional(password)
	if err != nil {
		return fmt.Errorf("storage: encrypt password: %w", err)
	}
	return db.updateUser(ctx, tgID,
		`UPDATE users SET login = $2, password_enc = $3 WHERE tg_id = $1`,
		login, passwordEnc)
}

// UpdateTOTPSeed replaces the stored authenticator seed and, when known, the
// SSO credential it belongs to.
func (db *DB) UpdateTOTPSeed(ctx context.Context, tgID int64, seed, credentialID string) error {
	seedEnc, err := db.encryptOptional(seed)
	if err != nil {
		return fmt.Errorf("storage: encrypt totp seed: %w", err)
	}
	return db.updateUser(ctx, tgID,
		`UPDATE users SET totp_seed_enc = $2, totp_credential_id = $3 WHERE tg_id = $1`,
		seedEnc, credentialID)
}

// SetTOTPCredentialID records which SSO credential the stored seed solves.
// The seed itself is left untouched.
func (db *DB) SetTOTPCredentialID(ctx context.Context, tgID int64, credentialID string) error {
	return db.updateUser(ctx, tgID,
		`UPDATE users SET totp_credential_id = $2 WHERE tg_id = $1`, credentialID)
}

// SetFIO stores the display name fetched from the portal profile.
func (db *DB) SetFIO(ctx context.Context, tgID int64, fio string) error {
	return db.updateUser(ctx, tgID, `UPDATE users SET fio = $2 WHERE tg_id = $1`, fio)
}

// SetGroup stores the academic group parsed from the portal.
func (db *DB) SetGroup(ctx context.Context, tgID int64, group string) error {
	return db.updateUser(ctx, tgID, `UPDATE users SET user_group = $2 WHERE tg_id = $1`, group)
}

// SetAllowConfirm flips the opt-in flag for group marking.
func (db *DB) SetAllowConfirm(ctx context.Context, tgID int64, allow bool) error {
	return db.updateUser(ctx, tgID, `UPDATE users SET allow_confirm = $2 WHERE tg_id = $1`, allow)
}

// SetAdminLevel changes a user's admin level.
func (db *DB) SetAdminLevel(ctx context.Context, tgID int64, level int) error {
	return db.updateUser(ctx, tgID, `UPDATE users SET admin_level = $2 WHERE tg_id = $1`, level)
}

// SetUserAgent pins the browser identity used for the user's portal requests.
func (db *DB) SetUserAgent(ctx context.Context, tgID int64, userAgent string) error {
	return db.updateUser(ctx, tgID, `UPDATE users SET user_agent = $2 WHERE tg_id = $1`, userAgent)
}

// DeleteUser removes a user row; the cookie jar goes with it via cascade.
func (db *DB) DeleteUser(ctx context.Context, tgID int64) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM users WHERE tg_id = $1`, tgID)
	if err != nil {
		return fmt.Errorf("storage: delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) updateUser(ctx context.Context, tgID int64, query string, args ...any) error {
	tag, err := db.pool.Exec(ctx, query, append([]any{tgID}, args...)...)
	if err != nil {
		return fmt.Errorf("storage: update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) scanUsers(rows pgx.Rows) ([]model.User, error) {
	var users []model.User
	for rows.Next() {
		u, err := db.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (db *DB) scanUser(row pgx.Row) (model.User, error) {
	var (
		u           model.User
		passwordEnc string
		seedEnc     string
	)
	err := row.Scan(&u.TelegramID, &u.Login, &passwordEnc, &u.Group, &u.UserAgent,
		&u.FIO, &u.AllowConfirm, &u.AdminLevel, &seedEnc, &u.TOTPCredentialID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: scan user: %w", err)
	}

	if u.Password, err = db.decryptOptional(passwordEnc); err != nil {
		return model.User{}, fmt.Errorf("storage: decrypt password for %d: %w", u.TelegramID, err)
	}
	if u.TOTPSeed, err = db.decryptOptional(seedEnc); err != nil {
		return model.User{}, fmt.Errorf("storage: decrypt totp seed for %d: %w", u.TelegramID, err)
	}
	return u, nil
}

// encryptOptional leaves empty secrets empty so absence stays observable.
func (db *DB) encryptOptional(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return db.box.Encrypt(plaintext)
}

func (db *DB) decryptOptional(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	return db.box.Decrypt(ciphertext)
}
