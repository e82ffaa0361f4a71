package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mireapprove/backend/internal/model"
	"github.com/mireapprove/backend/internal/storage"
	"github.com/mireapprove/backend/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var err error
	testDB, err = tc.NewTestDB(context.Background(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test db: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

var nextID int64 = 1000

func newUser(t *testing.T) model.User {
	t.Helper()
	nextID++
	u := model.User{
		TelegramID: nextID,
		Login:      fmt.Sprintf("student%d@example.com", nextID),
		Password:   "hunter2",
		Group:      "ИКБО-01-23",
		UserAgent:  "test-agent",
	}
	require.NoError(t, testDB.CreateUser(context.Background(), u))
	return u
}

func TestUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	u := newUser(t)

	got, err := testDB.GetUser(ctx, u.TelegramID)
	require.NoError(t, err)
	assert.Equal(t, u.Login, got.Login)
	assert.Equal(t, "hunter2", got.Password, "password decrypts to original")
	assert.True(t, got.HasCredentials())
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, testDB.UpdateCredentials(ctx, u.TelegramID, "new@example.com", "correct horse"))
	require.NoError(t, testDB.UpdateTOTPSeed(ctx, u.TelegramID, "JBSWY3DPEHPK3PXP", "cred-1"))
	require.NoError(t, testDB.SetFIO(ctx, u.TelegramID, "Иванов Иван"))
	require.NoError(t, testDB.SetAllowConfirm(ctx, u.TelegramID, true))
	require.NoError(t, testDB.SetAdminLevel(ctx, u.TelegramID, model.AdminLevelBasic))

	got, err = testDB.GetUser(ctx, u.TelegramID)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", got.Login)
	assert.Equal(t, "correct horse", got.Password)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", got.TOTPSeed)
	assert.Equal(t, "cred-1", got.TOTPCredentialID)
	assert.Equal(t, "Иванов Иван", got.FIO)
	assert.True(t, got.AllowConfirm)
	assert.Equal(t, model.AdminLevelBasic, got.AdminLevel)

	// The credential can be re-pinned without touching the seed.
	require.NoError(t, testDB.SetTOTPCredentialID(ctx, u.TelegramID, "cred-2"))
	got, err = testDB.GetUser(ctx, u.TelegramID)
	require.NoError(t, err)
	assert.Equal(t, "cred-2", got.TOTPCredentialID)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", got.TOTPSeed)
}

func TestGetUserNotFound(t *testing.T) {
	_, err := testDB.GetUser(context.Background(), 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListGroupConfirmers(t *testing.T) {
	ctx := context.Background()
	group := fmt.Sprintf("ИКБО-%d-23", time.Now().UnixNano()%100)

	optedIn := newUser(t)
	require.NoError(t, testDB.SetGroup(ctx, optedIn.TelegramID, group))
	require.NoError(t, testDB.SetAllowConfirm(ctx, optedIn.TelegramID, true))

	optedOut := newUser(t)
	require.NoError(t, testDB.SetGroup(ctx, optedOut.TelegramID, group))

	members, err := testDB.ListGroupConfirmers(ctx, group)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, optedIn.TelegramID, members[0].TelegramID)
}

func TestCookiesRoundTrip(t *testing.T) {
	ctx := context.Background()
	u := newUser(t)

	_, err := testDB.GetCookies(ctx, u.TelegramID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	exp := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	jar := []model.Cookie{
		{Name: ".AspNetCore.Cookies", Value: "tok", Domain: "attendance.mirea.ru", Path: "/", Secure: true, Expiry: &exp},
		{Name: "AUTH_SESSION_ID", Value: "sess", Domain: "sso.mirea.ru", Path: "/"},
	}
	require.NoError(t, testDB.SaveCookies(ctx, u.TelegramID, jar))

	got, err := testDB.GetCookies(ctx, u.TelegramID)
	require.NoError(t, err)
	assert.Equal(t, jar, got)

	// Replacing is idempotent.
	require.NoError(t, testDB.SaveCookies(ctx, u.TelegramID, jar[:1]))
	got, err = testDB.GetCookies(ctx, u.TelegramID)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, testDB.DeleteCookies(ctx, u.TelegramID))
	_, err = testDB.GetCookies(ctx, u.TelegramID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChallengeLifecycle(t *testing.T) {
	ctx := context.Background()
	u := newUser(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	ch := model.PendingChallenge{
		TelegramID:          u.TelegramID,
		Kind:                model.ChallengeTOTP,
		Origin:              model.OriginRefresh,
		ContinuationCookies: []model.Cookie{{Name: "AUTH_SESSION_ID", Value: "s1", Domain: "sso.mirea.ru", Path: "/"}},
		SubmitURL:           "https://sso.mirea.ru/otp",
		CredentialID:        "cred-1",
		AvailableCredentials: []model.OTPCredential{
			{Label: "Телефон", ID: "cred-1"},
		},
		UserAgent: "test-agent",
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	require.NoError(t, testDB.UpsertChallenge(ctx, ch))

	got, err := testDB.GetChallenge(ctx, u.TelegramID, now)
	require.NoError(t, err)
	assert.Equal(t, ch.SubmitURL, got.SubmitURL)
	assert.Equal(t, ch.ContinuationCookies, got.ContinuationCookies)
	assert.Equal(t, ch.AvailableCredentials, got.AvailableCredentials)
	assert.Nil(t, got.LastNotifiedAt)

	exists, err := testDB.HasChallenge(ctx, u.TelegramID, now)
	require.NoError(t, err)
	assert.True(t, exists)

	// Expired rows are invisible.
	_, err = testDB.GetChallenge(ctx, u.TelegramID, now.Add(10*time.Minute))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testDB.DeleteChallenge(ctx, u.TelegramID))
	_, err = testDB.GetChallenge(ctx, u.TelegramID, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChallengeReplacementKeepsNotification(t *testing.T) {
	ctx := context.Background()
	u := newUser(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	ch := model.PendingChallenge{
		TelegramID:          u.TelegramID,
		Kind:                model.ChallengeTOTP,
		Origin:              model.OriginRefresh,
		ContinuationCookies: []model.Cookie{{Name: "a", Value: "1", Domain: "sso.mirea.ru", Path: "/"}},
		SubmitURL:           "https://sso.mirea.ru/otp",
		CreatedAt:           now,
		ExpiresAt:           now.Add(5 * time.Minute),
	}
	require.NoError(t, testDB.UpsertChallenge(ctx, ch))

	notified := now.Add(-time.Hour)
	require.NoError(t, testDB.SetChallengeNotified(ctx, u.TelegramID, notified))

	// A refresh replaces the row; the notification timestamp must survive.
	ch.SubmitURL = "https://sso.mirea.ru/otp-2"
	ch.ExpiresAt = now.Add(5 * time.Minute)
	require.NoError(t, testDB.UpsertChallenge(ctx, ch))

	got, err := testDB.GetChallenge(ctx, u.TelegramID, now)
	require.NoError(t, err)
	assert.Equal(t, "https://sso.mirea.ru/otp-2", got.SubmitURL)
	require.NotNil(t, got.LastNotifiedAt)
	assert.WithinDuration(t, notified, *got.LastNotifiedAt, time.Second)

	// A replacement carrying a fresher timestamp wins over the stored one.
	fresher := now.Add(-time.Minute)
	ch.LastNotifiedAt = &fresher
	require.NoError(t, testDB.UpsertChallenge(ctx, ch))

	got, err = testDB.GetChallenge(ctx, u.TelegramID, now)
	require.NoError(t, err)
	require.NotNil(t, got.LastNotifiedAt)
	assert.WithinDuration(t, fresher, *got.LastNotifiedAt, time.Second)
}

func TestChallengeWrongCodeKeepsCredentialID(t *testing.T) {
	ctx := context.Background()
	u := newUser(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	ch := model.PendingChallenge{
		TelegramID:          u.TelegramID,
		Kind:                model.ChallengeTOTP,
		Origin:              model.OriginLogin,
		ContinuationCookies: []model.Cookie{{Name: "a", Value: "1", Domain: "sso.mirea.ru", Path: "/"}},
		SubmitURL:           "https://sso.mirea.ru/otp",
		CredentialID:        "cred-1",
		CreatedAt:           now,
		ExpiresAt:           now.Add(5 * time.Minute),
	}
	require.NoError(t, testDB.UpsertChallenge(ctx, ch))

	// The re-presented page carried no credential id; the stored one stays.
	update := ch
	update.CredentialID = ""
	update.SubmitURL = "https://sso.mirea.ru/otp-retry"
	update.ExpiresAt = now.Add(5 * time.Minute)
	require.NoError(t, testDB.UpdateChallengeAfterWrongCode(ctx, update))

	got, err := testDB.GetChallenge(ctx, u.TelegramID, now)
	require.NoError(t, err)
	assert.Equal(t, "cred-1", got.CredentialID)
	assert.Equal(t, "https://sso.mirea.ru/otp-retry", got.SubmitURL)
}

func TestDeleteExpiredChallenges(t *testing.T) {
	ctx := context.Background()
	u := newUser(t)
	now := time.Now().UTC()

	ch := model.PendingChallenge{
		TelegramID:          u.TelegramID,
		Kind:                model.ChallengeTOTP,
		Origin:              model.OriginLogin,
		ContinuationCookies: []model.Cookie{},
		SubmitURL:           "https://sso.mirea.ru/otp",
		CreatedAt:           now.Add(-10 * time.Minute),
		ExpiresAt:           now.Add(-5 * time.Minute),
	}
	require.NoError(t, testDB.UpsertChallenge(ctx, ch))

	n, err := testDB.DeleteExpiredChallenges(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestExternalTokens(t *testing.T) {
	ctx := context.Background()
	u := newUser(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	tok := model.ExternalToken{
		Token:      fmt.Sprintf("ext-%d", u.TelegramID),
		TelegramID: u.TelegramID,
		Status:     "pending",
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
	require.NoError(t, testDB.CreateExternalToken(ctx, tok))

	got, err := testDB.GetExternalToken(ctx, tok.Token, now)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)

	require.NoError(t, testDB.SetExternalTokenStatus(ctx, tok.Token, "approved"))
	got, err = testDB.GetExternalToken(ctx, tok.Token, now)
	require.NoError(t, err)
	assert.Equal(t, "approved", got.Status)

	_, err = testDB.GetExternalToken(ctx, tok.Token, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	u := newUser(t)

	require.NoError(t, testDB.InsertAudit(ctx, storage.AuditEntry{
		TelegramID: u.TelegramID,
		Action:     "login",
		Detail:     map[string]any{"origin": "login"},
	}))
	require.NoError(t, testDB.InsertAudit(ctx, storage.AuditEntry{
		TelegramID: u.TelegramID,
		Action:     "self_approve",
	}))

	entries, err := testDB.ListAuditByUser(ctx, u.TelegramID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "self_approve", entries[0].Action, "newest first")
}
