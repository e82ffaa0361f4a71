package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mireapprove/backend/internal/challenge"
	"github.com/mireapprove/backend/internal/model"
	"github.com/mireapprove/backend/internal/secrets"
	"github.com/mireapprove/backend/internal/storage"
	"github.com/mireapprove/backend/internal/twofa"
	"github.com/mireapprove/backend/internal/upstream"
)

// The global meter delegates to whatever provider telemetry.Init installs.
var (
	meter              = otel.Meter("mireapprove/session")
	establishCount, _  = meter.Int64Counter("session.establish_count")
	rebuildCount, _    = meter.Int64Counter("session.rebuild_count")
	challengeParked, _ = meter.Int64Counter("session.challenge_parked_count")
)

// Upstream is the portal client surface the broker drives.
type Upstream interface {
	BeginLogin(ctx context.Context, login, password, userAgent string) (upstream.LoginOutcome, error)
	SubmitCode(ctx context.Context, in upstream.SubmitCodeInput) (upstream.LoginOutcome, error)
	GetIdentity(ctx context.Context, cookies []model.Cookie, userAgent string) (upstream.Identity, error)
	SelfApprove(ctx context.Context, token string, cookies []model.Cookie, userAgent string) (string, error)
	GetVisitingLogs(ctx context.Context, cookies []model.Cookie, userAgent string) ([]byte, error)
	GetGroups(ctx context.Context, cookies []model.Cookie, userAgent string) ([]string, error)
}

// Store is the subset of the storage layer the broker needs.
type Store interface {
	GetUser(ctx context.Context, tgID int64) (model.User, error)
	CreateUser(ctx context.Context, u model.User) error
	UpdateCredentials(ctx context.Context, tgID int64, login, password string) error
	UpdateTOTPSeed(ctx context.Context, tgID int64, seed, credentialID string) error
	SetTOTPCredentialID(ctx context.Context, tgID int64, credentialID string) error
	SetFIO(ctx context.Context, tgID int64, fio string) error
	SetGroup(ctx context.Context, tgID int64, group string) error
	SetUserAgent(ctx context.Context, tgID int64, userAgent string) error
	GetCookies(ctx context.Context, tgID int64) ([]model.Cookie, error)
	SaveCookies(ctx context.Context, tgID int64, cookies []model.Cookie) error
	DeleteCookies(ctx context.Context, tgID int64) error
	InsertAudit(ctx context.Context, e storage.AuditEntry) error
}

// Broker owns Upstream sessions. Every public operation takes a Telegram
// user id and hides the cookie lifecycle: replay, refresh, second factor.
type Broker struct {
	store      Store
	client     Upstream
	cache      *Cache
	challenges *challenge.Coordinator
	notifier   *challenge.Notifier
	logger     *slog.Logger
}

// NewBroker wires a broker.
func NewBroker(store Store, client Upstream, cache *Cache, coord *challenge.Coordinator, notifier *challenge.Notifier, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:      store,
		client:     client,
		cache:      cache,
		challenges: coord,
		notifier:   notifier,
		logger:     logger.With("component", "broker"),
	}
}

// Register creates a user row with a freshly generated browser identity.
// Registering twice is a no-op.
func (b *Broker) Register(ctx context.Context, tgID int64) error {
	err := b.store.CreateUser(ctx, model.User{
		TelegramID: tgID,
		UserAgent:  upstream.RandomMobileUserAgent(),
	})
	if err != nil {
		return err
	}
	return b.audit(ctx, tgID, "register", nil)
}

// SubmitLogin stores a new login/password pair, opens a session with it and
// returns the user's academic groups, newest semester last. A second-factor
// demand surfaces as KindChallengeRequired with origin login.
func (b *Broker) SubmitLogin(ctx context.Context, tgID int64, login, password string) ([]string, error) {
	user, err := b.getUser(ctx, tgID)
	if err != nil {
		return nil, err
	}

	if login == "" || password == "" {
		return nil, &model.BrokerError{Kind: model.KindValidation, Message: "login and password are required"}
	}
	if err := b.store.UpdateCredentials(ctx, tgID, login, password); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}
	user.Login, user.Password = login, password

	// New credentials invalidate whatever session or continuation existed.
	b.cache.Invalidate(tgID)
	if err := b.store.DeleteCookies(ctx, tgID); err != nil {
		return nil, err
	}
	if err := b.challenges.Resolve(ctx, tgID); err != nil {
		return nil, err
	}

	cookies, err := b.establishSession(ctx, user, model.OriginLogin)
	if err != nil {
		return nil, err
	}
	groups, err := b.refreshGroups(ctx, user, cookies)
	if err != nil {
		return nil, err
	}
	if err := b.audit(ctx, tgID, "login", map[string]any{"origin": model.OriginLogin}); err != nil {
		return nil, err
	}
	return groups, nil
}

// SubmitCode finishes a pending second-factor exchange with a user-supplied
// code. Wrong codes keep the challenge open and extend its deadline.
func (b *Broker) SubmitCode(ctx context.Context, tgID int64, code string) error {
	unlock := b.challenges.Lock(tgID)
	defer unlock()

	user, err := b.getUser(ctx, tgID)
	if err != nil {
		return err
	}

	ch, err := b.challenges.Get(ctx, tgID)
	if err != nil {
		return err
	}

	outcome, err := b.client.SubmitCode(ctx, upstream.SubmitCodeInput{
		Code:         code,
		Kind:         ch.Kind,
		SubmitURL:    ch.SubmitURL,
		CredentialID: ch.CredentialID,
		Continuation: ch.ContinuationCookies,
		UserAgent:    ch.UserAgent,
	})
	if err != nil {
		return model.ErrUpstreamTransient(err)
	}

	switch out := outcome.(type) {
	case upstream.LoginSuccess:
		if err := b.adoptSession(ctx, user, out.Cookies); err != nil {
			return err
		}
		if err := b.rememberCredential(ctx, user, ch.CredentialID); err != nil {
			return err
		}
		if ch.Origin == model.OriginLogin {
			if _, err := b.refreshGroups(ctx, user, out.Cookies); err != nil {
				b.logger.Warn("group refresh failed", "tg_id", tgID, "error", err)
			}
		}
		return b.audit(ctx, tgID, "second_factor_ok", map[string]any{"kind": ch.Kind})

	case upstream.ChallengeRequired:
		// The retry page may re-emit the portal's default credential; the
		// user's choice stays in force until the challenge resolves.
		retry := ch
		retry.ContinuationCookies = out.Continuation
		retry.SubmitURL = out.SubmitURL
		retry.AvailableCredentials = out.Credentials
		if err := b.challenges.RefreshAfterWrongCode(ctx, retry); err != nil {
			return err
		}
		return model.ErrWrongCode(ch.Kind, ch.Origin, out.Credentials)

	case upstream.BadCredentials:
		// The continuation died server-side; force a fresh login.
		if err := b.challenges.Resolve(ctx, tgID); err != nil {
			return err
		}
		return model.ErrCredentialsInvalid("session expired, log in again")

	default:
		return fmt.Errorf("unexpected login outcome %T", outcome)
	}
}

// GetIdentity returns the portal profile for the user, transparently
// rebuilding the session when the replayed cookies are dead.
func (b *Broker) GetIdentity(ctx context.Context, tgID int64) (upstream.Identity, error) {
	var id upstream.Identity
	err := b.withSession(ctx, tgID, model.OriginRefresh, func(cookies []model.Cookie, ua string) error {
		got, err := b.client.GetIdentity(ctx, cookies, ua)
		if err != nil {
			return err
		}
		if got.Empty() {
			// A 200 with an empty profile means the cookies are stale.
			return upstream.ErrEmptyReply
		}
		id = got
		return nil
	})
	return id, err
}

// SelfApprove redeems a scanned attendance token for the user and returns
// the portal's confirmation text.
func (b *Broker) SelfApprove(ctx context.Context, tgID int64, token string) (string, error) {
	if token == "" {
		return "", &model.BrokerError{Kind: model.KindValidation, Message: "token is required"}
	}

	var text string
	err := b.withSession(ctx, tgID, model.OriginRefresh, func(cookies []model.Cookie, ua string) error {
		got, err := b.client.SelfApprove(ctx, token, cookies, ua)
		if err != nil {
			return err
		}
		text = got
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := b.audit(ctx, tgID, "self_approve", map[string]any{"result": text}); err != nil {
		return "", err
	}
	return text, nil
}

// VisitingLogs fetches the raw visiting-log payload for the user.
func (b *Broker) VisitingLogs(ctx context.Context, tgID int64) ([]byte, error) {
	var payload []byte
	err := b.withSession(ctx, tgID, model.OriginRefresh, func(cookies []model.Cookie, ua string) error {
		got, err := b.client.GetVisitingLogs(ctx, cookies, ua)
		if err != nil {
			return err
		}
		payload = got
		return nil
	})
	return payload, err
}

// HasActiveChallenge reports whether the user has a pending second factor.
func (b *Broker) HasActiveChallenge(ctx context.Context, tgID int64) (bool, error) {
	return b.challenges.HasActive(ctx, tgID)
}

// ActiveChallenge returns the user's pending challenge for display.
func (b *Broker) ActiveChallenge(ctx context.Context, tgID int64) (model.PendingChallenge, error) {
	return b.challenges.Get(ctx, tgID)
}

// ImportSeed stores an authenticator seed from a decoded provisioning URI.
// Foreign issuers are rejected.
func (b *Broker) ImportSeed(ctx context.Context, tgID int64, uri string) error {
	seed, err := twofa.ParseProvisioningURI(uri)
	if err != nil {
		return &model.BrokerError{Kind: model.KindValidation, Message: "no usable authenticator entry", Err: err}
	}
	if !twofa.IsUniversityIssuer(seed.Issuer) {
		return &model.BrokerError{
			Kind:    model.KindValidation,
			Message: fmt.Sprintf("authenticator entry belongs to %q, not the university", seed.Issuer),
		}
	}
	if err := twofa.ValidateSeed(seed.Secret); err != nil {
		return &model.BrokerError{Kind: model.KindValidation, Message: "seed is not valid base32", Err: err}
	}

	if _, err := b.getUser(ctx, tgID); err != nil {
		return err
	}
	if err := b.store.UpdateTOTPSeed(ctx, tgID, seed.Secret, ""); err != nil {
		return err
	}
	return b.audit(ctx, tgID, "seed_imported", map[string]any{"issuer": seed.Issuer})
}

// withSession runs fn with a live cookie jar, transparently rebuilding the
// session once when the portal rejects the replayed cookies.
func (b *Broker) withSession(ctx context.Context, tgID int64, origin model.ChallengeOrigin, fn func(cookies []model.Cookie, ua string) error) error {
	user, err := b.getUser(ctx, tgID)
	if err != nil {
		return err
	}
	if !user.HasCredentials() {
		return model.ErrCredentialsInvalid("no stored credentials")
	}

	cookies, ok := b.cache.Get(tgID)
	if !ok {
		cookies, err = b.store.GetCookies(ctx, tgID)
		if errors.Is(err, storage.ErrNotFound) {
			cookies = nil
		} else if err != nil {
			return b.mapStoreErr(err)
		} else {
			b.cache.Put(tgID, cookies)
		}
	}

	if cookies == nil {
		cookies, err = b.establishSession(ctx, user, origin)
		if err != nil {
			return err
		}
	}

	err = fn(cookies, user.UserAgent)
	if err == nil {
		return nil
	}
	if !sessionDead(err) {
		return model.ErrUpstreamTransient(err)
	}

	// One rebuild, one retry. A second failure is reported as-is.
	rebuildCount.Add(ctx, 1)
	b.cache.Invalidate(tgID)
	if err := b.store.DeleteCookies(ctx, tgID); err != nil {
		return err
	}
	cookies, err = b.establishSession(ctx, user, origin)
	if err != nil {
		return err
	}
	if err := fn(cookies, user.UserAgent); err != nil {
		if sessionDead(err) {
			// Fresh session and still rejected: the stored credentials no
			// longer map to a working account.
			return model.ErrCredentialsInvalid("portal rejects a fresh session")
		}
		return model.ErrUpstreamTransient(err)
	}
	return nil
}

func sessionDead(err error) bool {
	return errors.Is(err, upstream.ErrUnauthorized) || errors.Is(err, upstream.ErrEmptyReply)
}

// establishSession runs the SSO dance for a user, solving the second factor
// automatically when a seed is stored, and persists the resulting jar.
func (b *Broker) establishSession(ctx context.Context, user model.User, origin model.ChallengeOrigin) ([]model.Cookie, error) {
	unlock := b.challenges.Lock(user.TelegramID)
	defer unlock()

	// A pending continuation short-circuits new dances: starting another
	// SSO exchange would invalidate the one the user may be solving.
	if ch, err := b.challenges.Get(ctx, user.TelegramID); err == nil {
		b.notifier.MaybeNotify(ctx, ch)
		return nil, model.ErrChallengeRequired(ch.Kind, ch.Origin, ch.AvailableCredentials)
	}

	outcome, err := b.client.BeginLogin(ctx, user.Login, user.Password, user.UserAgent)
	if err != nil {
		return nil, model.ErrUpstreamTransient(err)
	}

	switch out := outcome.(type) {
	case upstream.LoginSuccess:
		if err := b.adoptSession(ctx, user, out.Cookies); err != nil {
			return nil, err
		}
		establishCount.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", "success")))
		return out.Cookies, nil

	case upstream.ChallengeRequired:
		return b.handleChallenge(ctx, user, origin, out)

	case upstream.BadCredentials:
		return nil, model.ErrCredentialsInvalid(out.Message)

	default:
		return nil, fmt.Errorf("unexpected login outcome %T", outcome)
	}
}

// handleChallenge tries the stored seed first; only when that is absent or
// rejected does the challenge land on the user.
func (b *Broker) handleChallenge(ctx context.Context, user model.User, origin model.ChallengeOrigin, ch upstream.ChallengeRequired) ([]model.Cookie, error) {
	if ch.Kind == model.ChallengeTOTP && user.TOTPSeed != "" {
		cookies, rotated, err := b.trySeed(ctx, user, ch)
		if err != nil {
			return nil, err
		}
		if cookies != nil {
			return cookies, nil
		}
		// Seed rejected: park the challenge for the user. The rejection
		// consumed the original continuation, so the rotated one from the
		// retry page is what gets parked.
		if rotated != nil {
			ch = *rotated
		}
	}

	pending := model.PendingChallenge{
		TelegramID:           user.TelegramID,
		Kind:                 ch.Kind,
		Origin:               origin,
		ContinuationCookies:  ch.Continuation,
		SubmitURL:            ch.SubmitURL,
		CredentialID:         resolveCredential(user, ch),
		AvailableCredentials: ch.Credentials,
		UserAgent:            user.UserAgent,
	}
	if err := b.challenges.Put(ctx, pending); err != nil {
		return nil, err
	}

	stored, err := b.challenges.Get(ctx, user.TelegramID)
	if err == nil {
		pending = stored
	}
	b.notifier.MaybeNotify(ctx, pending)

	challengeParked.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", string(ch.Kind))))
	return nil, model.ErrChallengeRequired(ch.Kind, origin, ch.Credentials)
}

// trySeed submits one generated code. A single attempt only: a clock-skewed
// or stale seed must not burn through the portal's attempt budget. On success
// the fresh jar comes back; on rejection the retry page's challenge does, so
// the caller parks a continuation the portal still accepts.
func (b *Broker) trySeed(ctx context.Context, user model.User, ch upstream.ChallengeRequired) ([]model.Cookie, *upstream.ChallengeRequired, error) {
	code, err := twofa.Code(user.TOTPSeed, time.Now())
	if err != nil {
		b.logger.Warn("stored seed unusable", "tg_id", user.TelegramID, "error", err)
		return nil, nil, nil
	}

	cred := resolveCredential(user, ch)
	outcome, err := b.client.SubmitCode(ctx, upstream.SubmitCodeInput{
		Code:         code,
		Kind:         ch.Kind,
		SubmitURL:    ch.SubmitURL,
		CredentialID: cred,
		Continuation: ch.Continuation,
		UserAgent:    user.UserAgent,
	})
	if err != nil {
		return nil, nil, model.ErrUpstreamTransient(err)
	}

	switch out := outcome.(type) {
	case upstream.LoginSuccess:
		if err := b.adoptSession(ctx, user, out.Cookies); err != nil {
			return nil, nil, err
		}
		if err := b.rememberCredential(ctx, user, cred); err != nil {
			return nil, nil, err
		}
		b.logger.Info("second factor solved with stored seed", "tg_id", user.TelegramID)
		return out.Cookies, nil, nil
	case upstream.ChallengeRequired:
		b.logger.Info("stored seed rejected", "tg_id", user.TelegramID)
		return nil, &out, nil
	default:
		b.logger.Info("stored seed rejected", "tg_id", user.TelegramID)
		return nil, nil, nil
	}
}

// resolveCredential picks the SSO credential to submit the code against: the
// credential a previous success was remembered for wins over the page's
// pre-selected one.
func resolveCredential(user model.User, ch upstream.ChallengeRequired) string {
	if user.TOTPCredentialID != "" {
		return user.TOTPCredentialID
	}
	return ch.CredentialID
}

// rememberCredential pins the SSO credential a successful code went through,
// so future auto-solves target it. Only the first success writes; later logins
// keep the remembered choice.
func (b *Broker) rememberCredential(ctx context.Context, user model.User, credentialID string) error {
	if credentialID == "" || user.TOTPSeed == "" || user.TOTPCredentialID != "" {
		return nil
	}
	return b.store.SetTOTPCredentialID(ctx, user.TelegramID, credentialID)
}

// refreshGroups re-derives the user's academic groups from the portal and
// stores the newest semester's entry as the current group.
func (b *Broker) refreshGroups(ctx context.Context, user model.User, cookies []model.Cookie) ([]string, error) {
	groups, err := b.client.GetGroups(ctx, cookies, user.UserAgent)
	if err != nil {
		return nil, model.ErrUpstreamTransient(err)
	}
	if len(groups) == 0 {
		return nil, nil
	}
	if current := groups[len(groups)-1]; current != user.Group {
		if err := b.store.SetGroup(ctx, user.TelegramID, current); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// adoptSession persists a fresh jar, resolves any pending challenge and
// refreshes the profile fields derived from the portal.
func (b *Broker) adoptSession(ctx context.Context, user model.User, cookies []model.Cookie) error {
	if err := b.store.SaveCookies(ctx, user.TelegramID, cookies); err != nil {
		return err
	}
	b.cache.Put(user.TelegramID, cookies)
	if err := b.challenges.Resolve(ctx, user.TelegramID); err != nil {
		return err
	}

	id, err := b.client.GetIdentity(ctx, cookies, user.UserAgent)
	if err != nil {
		return model.ErrUpstreamTransient(err)
	}
	if id.Empty() {
		// The SSO accepted the credentials but the portal does not know the
		// account. Treat as bad credentials, not as a session glitch.
		b.cache.Invalidate(user.TelegramID)
		if err := b.store.DeleteCookies(ctx, user.TelegramID); err != nil {
			return err
		}
		return model.ErrCredentialsInvalid("portal has no profile for this account")
	}

	if fio := id.FIO(); fio != "" && fio != user.FIO {
		if err := b.store.SetFIO(ctx, user.TelegramID, fio); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) getUser(ctx context.Context, tgID int64) (model.User, error) {
	user, err := b.store.GetUser(ctx, tgID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.User{}, model.ErrUserNotFound(tgID)
	}
	if err != nil {
		return model.User{}, b.mapStoreErr(err)
	}
	return user, nil
}

func (b *Broker) mapStoreErr(err error) error {
	if errors.Is(err, secrets.ErrCorrupt) {
		return model.ErrCredentialCorruption(err)
	}
	return err
}

func (b *Broker) audit(ctx context.Context, tgID int64, action string, detail map[string]any) error {
	if err := b.store.InsertAudit(ctx, storage.AuditEntry{TelegramID: tgID, Action: action, Detail: detail}); err != nil {
		b.logger.Warn("audit insert failed", "action", action, "error", err)
	}
	return nil
}
