package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mireapprove/backend/internal/auth"
	"github.com/mireapprove/backend/internal/bot"
	"github.com/mireapprove/backend/internal/marking"
	"github.com/mireapprove/backend/internal/model"
	"github.com/mireapprove/backend/internal/ratelimit"
	"github.com/mireapprove/backend/internal/server"
	"github.com/mireapprove/backend/internal/storage"
	"github.com/mireapprove/backend/internal/upstream"
)

const (
	testBotToken = "12345:server-test-token"
	testAPIKey   = "trusted-key"
)

type fakeBroker struct {
	loginErr    error
	groups      []string
	codeErr     error
	identity    upstream.Identity
	identityErr error
	approveText string
	approveErr  error
	visits      []byte

	registered []int64
	codes      []string
}

func (f *fakeBroker) Register(_ context.Context, tgID int64) error {
	f.registered = append(f.registered, tgID)
	return nil
}

func (f *fakeBroker) SubmitLogin(_ context.Context, _ int64, _, _ string) ([]string, error) {
	return f.groups, f.loginErr
}

func (f *fakeBroker) SubmitCode(_ context.Context, _ int64, code string) error {
	f.codes = append(f.codes, code)
	return f.codeErr
}

func (f *fakeBroker) GetIdentity(_ context.Context, _ int64) (upstream.Identity, error) {
	return f.identity, f.identityErr
}

func (f *fakeBroker) SelfApprove(_ context.Context, _ int64, _ string) (string, error) {
	return f.approveText, f.approveErr
}

func (f *fakeBroker) VisitingLogs(_ context.Context, _ int64) ([]byte, error) {
	return f.visits, nil
}

type fakeMarker struct {
	sessionID string
	startErr  error
	session   model.MarkingSession
	statusErr error
	requeued  int

	startedBy int64
	targets   []int64
}

func (f *fakeMarker) Start(_ context.Context, ownerID int64, _ string, targets []int64) (string, error) {
	f.startedBy = ownerID
	f.targets = targets
	return f.sessionID, f.startErr
}

func (f *fakeMarker) Status(_ string) (model.MarkingSession, error) {
	return f.session, f.statusErr
}

func (f *fakeMarker) Continue(_ context.Context, _ string, _ int64, _ string) (int, error) {
	return f.requeued, f.statusErr
}

type fakeServerStore struct {
	users  map[int64]model.User
	tokens map[string]model.ExternalToken
}

func newFakeServerStore() *fakeServerStore {
	return &fakeServerStore{
		users:  make(map[int64]model.User),
		tokens: make(map[string]model.ExternalToken),
	}
}

func (f *fakeServerStore) GetUser(_ context.Context, tgID int64) (model.User, error) {
	u, ok := f.users[tgID]
	if !ok {
		return model.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeServerStore) ListGroupConfirmers(_ context.Context, group string) ([]model.User, error) {
	var out []model.User
	for _, u := range f.users {
		if u.Group == group && u.AllowConfirm {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeServerStore) CreateExternalToken(_ context.Context, t model.ExternalToken) error {
	f.tokens[t.Token] = t
	return nil
}

func (f *fakeServerStore) GetExternalToken(_ context.Context, token string, now time.Time) (model.ExternalToken, error) {
	t, ok := f.tokens[token]
	if !ok || t.ExpiresAt.Before(now) {
		return model.ExternalToken{}, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeServerStore) SetExternalTokenStatus(_ context.Context, token, status string) error {
	t, ok := f.tokens[token]
	if !ok {
		return storage.ErrNotFound
	}
	t.Status = status
	f.tokens[token] = t
	return nil
}

type fakeBridge struct {
	updates []bot.Update
}

func (f *fakeBridge) HandleUpdate(_ context.Context, upd bot.Update) {
	f.updates = append(f.updates, upd)
}

type testEnv struct {
	srv    *httptest.Server
	broker *fakeBroker
	marker *fakeMarker
	store  *fakeServerStore
	bridge *fakeBridge
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		broker: &fakeBroker{},
		marker: &fakeMarker{},
		store:  newFakeServerStore(),
		bridge: &fakeBridge{},
	}
	s := server.New(server.Config{
		Port:               0,
		BotToken:           testBotToken,
		TrustedAPIKey:      testAPIKey,
		RateLimitPerMinute: 100,
	}, env.broker, env.marker, env.store, env.bridge,
		ratelimit.New(nil, nil),
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func signedInitData(t *testing.T, tgID int64) string {
	t.Helper()
	params := url.Values{}
	params.Set("user", fmt.Sprintf(`{"id":%d,"first_name":"Test"}`, tgID))
	params.Set("auth_date", fmt.Sprintf("%d", time.Now().Unix()))
	return auth.SignInitData(params, testBotToken)
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type envelope struct {
	Data  map[string]any    `json:"data"`
	Error model.ErrorDetail `json:"error"`
	Meta  struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.srv, "/api/v1/register", map[string]string{
		"init_data": signedInitData(t, 42),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{42}, env.broker.registered)
}

func TestLoginRejectsBadInitData(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.srv, "/api/v1/login", map[string]string{
		"init_data": "user=%7B%22id%22%3A42%7D&hash=deadbeef",
		"login":     "student",
		"password":  "secret",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeEnvelope(t, resp).Error.Code)
}

func TestLoginChallengeRequired(t *testing.T) {
	env := newTestEnv(t)
	env.broker.loginErr = model.ErrChallengeRequired(model.ChallengeTOTP, model.OriginLogin,
		[]model.OTPCredential{{Label: "Authenticator", ID: "cred-1"}})

	resp := postJSON(t, env.srv, "/api/v1/login", map[string]string{
		"init_data": signedInitData(t, 42),
		"login":     "student",
		"password":  "secret",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	assert.Equal(t, model.ErrCodeChallengeRequired, body.Error.Code)
	assert.Equal(t, model.ChallengeTOTP, body.Error.Challenge)
	require.Len(t, body.Error.Credentials, 1)
	assert.Equal(t, "cred-1", body.Error.Credentials[0].ID)
}

func TestLoginReturnsGroups(t *testing.T) {
	env := newTestEnv(t)
	env.broker.groups = []string{"ЭФБО-05-22", "ИКБО-01-23"}

	resp := postJSON(t, env.srv, "/api/v1/login", map[string]string{
		"init_data": signedInitData(t, 42),
		"login":     "student",
		"password":  "secret",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	assert.Equal(t, "authorized", body.Data["status"])
	assert.Equal(t, []any{"ЭФБО-05-22", "ИКБО-01-23"}, body.Data["groups"])
}

func TestGroupMembers(t *testing.T) {
	env := newTestEnv(t)
	env.store.users[42] = model.User{TelegramID: 42, Group: "ИКБО-01-23"}
	env.store.users[43] = model.User{TelegramID: 43, Group: "ИКБО-01-23", FIO: "Петров Петр", AllowConfirm: true}
	env.store.users[44] = model.User{TelegramID: 44, Group: "ИКБО-01-23"}
	env.store.users[45] = model.User{TelegramID: 45, Group: "ЭФБО-05-22", AllowConfirm: true}

	resp, err := http.Get(env.srv.URL + "/api/v1/group?initData=" + url.QueryEscape(signedInitData(t, 42)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	assert.Equal(t, "ИКБО-01-23", body.Data["group"])
	members, ok := body.Data["members"].([]any)
	require.True(t, ok)
	require.Len(t, members, 1, "only opted-in groupmates are markable")
	member, ok := members[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(43), member["tg_id"])
	assert.Equal(t, "Петров Петр", member["fio"])
}

func TestGroupMembersWithoutGroup(t *testing.T) {
	env := newTestEnv(t)
	env.store.users[42] = model.User{TelegramID: 42}

	resp, err := http.Get(env.srv.URL + "/api/v1/group?initData=" + url.QueryEscape(signedInitData(t, 42)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	assert.Equal(t, "", body.Data["group"])
	assert.Equal(t, []any{}, body.Data["members"])
}

func TestSubmitCodeWrongCode(t *testing.T) {
	env := newTestEnv(t)
	env.broker.codeErr = model.ErrWrongCode(model.ChallengeTOTP, model.OriginLogin, nil)

	resp := postJSON(t, env.srv, "/api/v1/submit-code", map[string]string{
		"init_data": signedInitData(t, 42),
		"code":      "000000",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeWrongCode, decodeEnvelope(t, resp).Error.Code)
}

func TestSubmitCodeNoChallenge(t *testing.T) {
	env := newTestEnv(t)
	env.broker.codeErr = model.ErrNoActiveChallenge()

	resp := postJSON(t, env.srv, "/api/v1/submit-code", map[string]string{
		"init_data": signedInitData(t, 42),
		"code":      "123456",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.broker.identity = upstream.Identity{
		UUID:      "uuid-1",
		FirstName: "Иван",
		LastName:  "Иванов",
		Email:     "ivanov@example.org",
	}

	resp, err := http.Get(env.srv.URL + "/api/v1/identity?initData=" + url.QueryEscape(signedInitData(t, 42)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	assert.Equal(t, "uuid-1", body.Data["uuid"])
	assert.Equal(t, "Иван", body.Data["first_name"])
	assert.NotEmpty(t, body.Meta.RequestID)
}

func TestIdentityUserNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.broker.identityErr = model.ErrUserNotFound(42)

	resp, err := http.Get(env.srv.URL + "/api/v1/identity?initData=" + url.QueryEscape(signedInitData(t, 42)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApprove(t *testing.T) {
	env := newTestEnv(t)
	env.broker.approveText = "А-20 | Математический анализ | ЛК | Петров Петр | БСБО-31-24"

	resp := postJSON(t, env.srv, "/api/v1/approve", map[string]string{
		"init_data": signedInitData(t, 42),
		"url":       "https://attendance.example.org/confirm?token=tok-123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	assert.Equal(t, "БСБО-31-24", body.Data["group"])
	assert.Equal(t, "Математический анализ", body.Data["discipline"])
}

func TestApproveStaleToken(t *testing.T) {
	env := newTestEnv(t)
	env.broker.approveText = "<html>Страница не найдена</html>"

	resp := postJSON(t, env.srv, "/api/v1/approve", map[string]string{
		"init_data": signedInitData(t, 42),
		"url":       "https://attendance.example.org/confirm?token=expired",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeEnvelope(t, resp).Error.Message, "QR код истёк")
}

func TestApproveTokenlessURL(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.srv, "/api/v1/approve", map[string]string{
		"init_data": signedInitData(t, 42),
		"url":       "https://attendance.example.org/confirm",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMarkingStartRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	env.store.users[42] = model.User{TelegramID: 42}

	resp := postJSON(t, env.srv, "/api/v1/marking", map[string]any{
		"init_data": signedInitData(t, 42),
		"url":       "https://attendance.example.org/confirm?token=tok",
		"targets":   []int64{1, 2},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, decodeEnvelope(t, resp).Error.Code)
}

func TestMarkingStartUnregistered(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.srv, "/api/v1/marking", map[string]any{
		"init_data": signedInitData(t, 42),
		"url":       "https://attendance.example.org/confirm?token=tok",
		"targets":   []int64{1},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMarkingStart(t *testing.T) {
	env := newTestEnv(t)
	env.store.users[42] = model.User{TelegramID: 42, AllowConfirm: true}
	env.marker.sessionID = "sess-1"

	resp := postJSON(t, env.srv, "/api/v1/marking", map[string]any{
		"init_data": signedInitData(t, 42),
		"url":       "https://attendance.example.org/confirm?token=tok",
		"targets":   []int64{1, 2, 3},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	assert.Equal(t, "sess-1", body.Data["session_id"])
	assert.Equal(t, int64(42), env.marker.startedBy)
	assert.Equal(t, []int64{1, 2, 3}, env.marker.targets)
}

func TestMarkingStatus(t *testing.T) {
	env := newTestEnv(t)
	env.marker.session = model.MarkingSession{
		ID:         "sess-1",
		Status:     model.MarkingCompleted,
		Total:      3,
		Processed:  3,
		Successful: 2,
		Failed:     1,
		Group:      "БСБО-31-24",
		Discipline: "Математический анализ",
	}

	resp, err := http.Get(env.srv.URL + "/api/v1/marking/sess-1?initData=" + url.QueryEscape(signedInitData(t, 42)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	assert.Equal(t, "completed", body.Data["status"])
	assert.Equal(t, float64(2), body.Data["successful"])
}

func TestMarkingStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.marker.statusErr = marking.ErrSessionNotFound

	resp, err := http.Get(env.srv.URL + "/api/v1/marking/missing?initData=" + url.QueryEscape(signedInitData(t, 42)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMarkingContinueNotOwner(t *testing.T) {
	env := newTestEnv(t)
	env.marker.statusErr = marking.ErrNotOwner

	resp := postJSON(t, env.srv, "/api/v1/marking/sess-1/continue", map[string]string{
		"init_data": signedInitData(t, 42),
		"url":       "https://attendance.example.org/confirm?token=fresh",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebhookDispatch(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.srv, "/api/v1/telegram/webhook", map[string]any{
		"message": map[string]any{
			"chat": map[string]any{"id": 42},
			"from": map[string]any{"id": 42},
			"text": "/start",
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, env.bridge.updates, 1)
	assert.Equal(t, "/start", env.bridge.updates[0].Message.Text)
}

func TestWebhookMalformedStill200(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.srv.URL+"/api/v1/telegram/webhook", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, env.bridge.updates)
}

func TestExternalRegisterRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.srv, "/api/v1/external-auth/register", map[string]string{
		"token": "opaque-token-value-123",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestExternalTokenLifecycle(t *testing.T) {
	env := newTestEnv(t)

	raw, err := json.Marshal(map[string]string{"token": "opaque-token-value-123"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/external-auth/register", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "pending", decodeEnvelope(t, resp).Data["status"])

	statusReq, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/external-auth/opaque-token-value-123", nil)
	require.NoError(t, err)
	statusReq.Header.Set("X-API-Key", testAPIKey)
	statusResp, err := http.DefaultClient.Do(statusReq)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)
	assert.Equal(t, "pending", decodeEnvelope(t, statusResp).Data["status"])

	rejectReq, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/external-auth/opaque-token-value-123/reject", nil)
	require.NoError(t, err)
	rejectReq.Header.Set("X-API-Key", testAPIKey)
	rejectResp, err := http.DefaultClient.Do(rejectReq)
	require.NoError(t, err)
	defer rejectResp.Body.Close()
	require.Equal(t, http.StatusOK, rejectResp.StatusCode)
	assert.Equal(t, "rejected", env.store.tokens["opaque-token-value-123"].Status)
}

func TestExternalStatusUnknownToken(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/external-auth/no-such-token", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVisitsPassthrough(t *testing.T) {
	env := newTestEnv(t)
	env.broker.visits = []byte(`[{"date":"2026-03-01","status":"present"}]`)

	resp, err := http.Get(env.srv.URL + "/api/v1/visits?initData=" + url.QueryEscape(signedInitData(t, 42)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"date":"2026-03-01","status":"present"}]`, string(payload))
}
