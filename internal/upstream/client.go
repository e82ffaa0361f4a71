// Package upstream implements the HTTP client for the attendance portal:
// the Keycloak SSO login dance (including second-factor continuations) and
// the gRPC-Web-text calls an authorized session can make.
//
// The package deals in raw pages and cookie jars; interpreting outcomes and
// persisting sessions is the session broker's job.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mireapprove/backend/internal/model"
)

const (
	defaultBaseURL    = "https://attendance.mirea.ru"
	defaultAppBaseURL = "https://attendance-app.mirea.ru"

	methodGetMeInfo   = "rtu_tc.rtu_attend.app.UserService/GetMeInfo"
	methodSelfApprove = "rtu_tc.attendance.api.StudentService/SelfApproveAttendance"
	methodVisitingLog = "rtu_tc.attendance.api.VisitingLogService/GetAvailableVisitingLogsOfStudent"

	// Pages served by the SSO are small; anything bigger is not a login page.
	maxPageBytes = 2 << 20
)

var (
	// ErrUnauthorized means the portal rejected the replayed cookies.
	ErrUnauthorized = errors.New("upstream: unauthorized")
	// ErrEmptyReply means a call succeeded but carried no usable payload.
	ErrEmptyReply = errors.New("upstream: empty reply")
)

// Config holds the portal endpoints and per-phase timeouts.
type Config struct {
	BaseURL    string        // SSO and API host
	AppBaseURL string        // application host logins redirect to
	GetTimeout time.Duration // fetching the login page
	PostTimeout time.Duration // posting credentials or codes
	CallTimeout time.Duration // gRPC-Web calls
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.AppBaseURL == "" {
		c.AppBaseURL = defaultAppBaseURL
	}
	if c.GetTimeout <= 0 {
		c.GetTimeout = 10 * time.Second
	}
	if c.PostTimeout <= 0 {
		c.PostTimeout = 15 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Client talks to the attendance portal. Safe for concurrent use; every login
// attempt gets its own cookie jar.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	transport http.RoundTripper
}

// NewClient builds a portal client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "upstream"),
		transport: http.DefaultTransport,
	}
}

// LoginOutcome is the result of BeginLogin or SubmitCode. Exactly one of
// LoginSuccess, ChallengeRequired or BadCredentials is returned; transport
// failures come back as errors instead.
type LoginOutcome interface {
	loginOutcome()
}

// LoginSuccess carries the full authorized cookie jar.
type LoginSuccess struct {
	Cookies []model.Cookie
}

// ChallengeRequired carries everything needed to finish the login later:
// the half-authenticated jar, the submit URL and the credential list.
// WrongCode is set when the portal re-presented the form after a bad code.
type ChallengeRequired struct {
	Kind         model.ChallengeKind
	Continuation []model.Cookie
	SubmitURL    string
	CredentialID string
	Credentials  []model.OTPCredential
	WrongCode    bool
}

// BadCredentials means the portal rejected the login/password pair.
type BadCredentials struct {
	Message string
}

func (LoginSuccess) loginOutcome()      {}
func (ChallengeRequired) loginOutcome() {}
func (BadCredentials) loginOutcome()    {}

func (c *Client) appHost() string {
	u, err := url.Parse(c.cfg.AppBaseURL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(c.cfg.AppBaseURL, "https://")
	}
	return u.Host
}

func (c *Client) loginURL() string {
	return c.cfg.BaseURL + "/api/auth/login?redirectUri=" +
		url.QueryEscape(c.cfg.AppBaseURL+"/services") + "&rememberMe=True"
}

func browserHeaders(h http.Header, userAgent string) {
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "ru-RU,ru;q=0.8,en-US;q=0.5,en;q=0.3")
}

// BeginLogin runs the first leg of the SSO dance: fetch the login page,
// post the credentials, and classify where the portal landed us.
func (c *Client) BeginLogin(ctx context.Context, login, password, userAgent string) (LoginOutcome, error) {
	jar, err := newRecordingJar()
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Jar: jar, Transport: c.transport}

	pageURL, page, err := c.fetchLoginPage(ctx, httpClient, userAgent)
	if err != nil {
		return nil, err
	}

	action, err := extractFormAction(page, pageURL)
	if err != nil {
		return nil, err
	}

	form := url.Values{"username": {login}, "password": {password}}
	finalURL, body, status, err := c.postForm(ctx, httpClient, action, form, pageURL, userAgent)
	if err != nil {
		return nil, err
	}

	if status == http.StatusOK && isChallengePage(body) {
		return c.challengeOutcome(body, finalURL, jar, false)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("upstream: login post status %d", status)
	}
	if !strings.Contains(finalURL, c.appHost()) && strings.Contains(strings.ToLower(body), "error") {
		return BadCredentials{Message: "login or password rejected"}, nil
	}

	cookies := jar.snapshot()
	if !loginSucceeded(finalURL, c.appHost(), cookies) {
		return BadCredentials{Message: "no session cookie after login"}, nil
	}

	c.logger.Debug("login succeeded", "cookies", len(cookies))
	return LoginSuccess{Cookies: cookies}, nil
}

// SubmitCodeInput is the continuation state plus the user-supplied code.
type SubmitCodeInput struct {
	Code         string
	Kind         model.ChallengeKind
	SubmitURL    string
	CredentialID string
	Continuation []model.Cookie
	UserAgent    string
}

// SubmitCode runs the second leg of the SSO dance: replay the continuation
// jar and post the second-factor code. A wrong code comes back as a fresh
// ChallengeRequired with WrongCode set.
func (c *Client) SubmitCode(ctx context.Context, in SubmitCodeInput) (LoginOutcome, error) {
	jar, err := newRecordingJar()
	if err != nil {
		return nil, err
	}
	jar.seed(in.Continuation)
	httpClient := &http.Client{Jar: jar, Transport: c.transport}

	form := url.Values{"login": {"Вход"}}
	switch in.Kind {
	case model.ChallengeEmailCode:
		form.Set("emailCode", in.Code)
	default:
		form.Set("otp", in.Code)
		if in.CredentialID != "" {
			form.Set("selectedCredentialId", in.CredentialID)
		}
	}

	finalURL, body, status, err := c.postForm(ctx, httpClient, in.SubmitURL, form, in.SubmitURL, in.UserAgent)
	if err != nil {
		return nil, err
	}

	if status == http.StatusOK && isChallengePage(body) {
		return c.challengeOutcome(body, finalURL, jar, true)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("upstream: code post status %d", status)
	}

	cookies := jar.snapshot()
	if !loginSucceeded(finalURL, c.appHost(), cookies) {
		return nil, fmt.Errorf("upstream: no session after code submit")
	}
	return LoginSuccess{Cookies: cookies}, nil
}

func (c *Client) challengeOutcome(body, pageURL string, jar *recordingJar, wrongCode bool) (LoginOutcome, error) {
	form, err := extractChallengeForm(body, pageURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: challenge page without form: %w", err)
	}
	return ChallengeRequired{
		Kind:         challengeKind(body),
		Continuation: jar.snapshot(),
		SubmitURL:    form.SubmitURL,
		CredentialID: form.CredentialID,
		Credentials:  form.Credentials,
		WrongCode:    wrongCode,
	}, nil
}

func (c *Client) fetchLoginPage(ctx context.Context, httpClient *http.Client, userAgent string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GetTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.loginURL(), nil)
	if err != nil {
		return "", "", fmt.Errorf("upstream: build login request: %w", err)
	}
	browserHeaders(req.Header, userAgent)
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("upstream: fetch login page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("upstream: login page status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", "", fmt.Errorf("upstream: read login page: %w", err)
	}
	return resp.Request.URL.String(), string(body), nil
}

func (c *Client) postForm(ctx context.Context, httpClient *http.Client, action string, form url.Values, referer, userAgent string) (finalURL, body string, status int, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PostTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", 0, fmt.Errorf("upstream: build form post: %w", err)
	}
	browserHeaders(req.Header, userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", referer)
	if u, err := url.Parse(referer); err == nil && u.Host != "" {
		req.Header.Set("Origin", u.Scheme+"://"+u.Host)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", "", 0, fmt.Errorf("upstream: post form: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", "", 0, fmt.Errorf("upstream: read form response: %w", err)
	}
	return resp.Request.URL.String(), string(raw), resp.StatusCode, nil
}

// CallRequest is one gRPC-Web-text call made with a stored session.
type CallRequest struct {
	Method    string // service method path relative to the API host
	Body      string // base64 gRPC-Web frame
	Cookies   []model.Cookie
	UserAgent string
}

// Call posts a gRPC-Web-text request with the stored cookies replayed
// verbatim and returns the raw base64 response body. A 401 maps to
// ErrUnauthorized so callers can rebuild the session.
func (c *Client) Call(ctx context.Context, in CallRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	endpoint := c.cfg.BaseURL + "/" + in.Method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(in.Body))
	if err != nil {
		return "", fmt.Errorf("upstream: build call: %w", err)
	}

	h := req.Header
	h.Set("Accept", "application/grpc-web-text")
	h.Set("Accept-Language", "ru-RU,ru;q=0.8,en-US;q=0.5,en;q=0.3")
	h.Set("Content-Type", "application/grpc-web-text")
	h.Set("attendance-app-type", "student-app")
	h.Set("attendance-app-version", "1.0.0+1273")
	h.Set("Origin", c.cfg.AppBaseURL)
	h.Set("Referer", c.cfg.AppBaseURL+"/")
	h.Set("User-Agent", in.UserAgent)
	h.Set("X-Grpc-Web", "1")
	h.Set("X-User-Agent", "grpc-web-javascript/0.1")
	h.Set("x-requested-with", "XMLHttpRequest")

	for _, ck := range in.Cookies {
		req.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}

	httpClient := &http.Client{Transport: c.transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream: call %s: %w", in.Method, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("upstream: call %s status %d", in.Method, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("upstream: read call response: %w", err)
	}
	return string(raw), nil
}

// GetIdentity fetches the profile of the session owner. Doubles as the
// liveness probe: ErrUnauthorized or an empty profile both mean the session
// is dead.
func (c *Client) GetIdentity(ctx context.Context, cookies []model.Cookie, userAgent string) (Identity, error) {
	body, err := c.Call(ctx, CallRequest{
		Method:    methodGetMeInfo,
		Body:      c.identityRequestBody(),
		Cookies:   cookies,
		UserAgent: userAgent,
	})
	if err != nil {
		return Identity{}, err
	}

	payload, err := decodeFrame(body)
	if err != nil {
		return Identity{}, err
	}
	if len(payload) < 2 {
		return Identity{}, ErrEmptyReply
	}
	return parseIdentity(payload)
}

// SelfApprove redeems a scanned attendance token and returns the portal's
// human-readable confirmation line.
func (c *Client) SelfApprove(ctx context.Context, token string, cookies []model.Cookie, userAgent string) (string, error) {
	body, err := c.Call(ctx, CallRequest{
		Method:    methodSelfApprove,
		Body:      encodeTokenMessage(token),
		Cookies:   cookies,
		UserAgent: userAgent,
	})
	if err != nil {
		return "", err
	}

	text := extractText(body)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// GetVisitingLogs fetches the raw visiting-log feed of the session owner.
// The request body is an empty message; the decoded payload is returned for
// higher-level parsing.
func (c *Client) GetVisitingLogs(ctx context.Context, cookies []model.Cookie, userAgent string) ([]byte, error) {
	body, err := c.Call(ctx, CallRequest{
		Method:    methodVisitingLog,
		Body:      encodeFrame(nil),
		Cookies:   cookies,
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, err
	}
	return decodeFrame(body)
}
