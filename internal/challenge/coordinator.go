// Package challenge manages pending second-factor continuations: persistence
// with a short TTL, per-user serialization of submit attempts, and the
// out-of-band notification policy.
package challenge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mireapprove/backend/internal/model"
	"github.com/mireapprove/backend/internal/storage"
)

// TTL is how long a half-finished SSO exchange stays resumable. Keycloak
// invalidates the server side of the continuation shortly after, so keeping
// rows longer only produces confusing failures.
const TTL = 5 * time.Minute

// Store is the subset of the storage layer the coordinator needs.
type Store interface {
	UpsertChallenge(ctx context.Context, ch model.PendingChallenge) error
	UpdateChallengeAfterWrongCode(ctx context.Context, ch model.PendingChallenge) error
	GetChallenge(ctx context.Context, tgID int64, now time.Time) (model.PendingChallenge, error)
	HasChallenge(ctx context.Context, tgID int64, now time.Time) (bool, error)
	DeleteChallenge(ctx context.Context, tgID int64) error
	SetChallengeNotified(ctx context.Context, tgID int64, at time.Time) error
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

// Coordinator owns the lifecycle of pending challenges. All broker paths that
// touch a user's challenge go through the per-user lock so a code submit
// cannot race a concurrent refresh replacing the continuation.
type Coordinator struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

// NewCoordinator builds a coordinator over the given store.
func NewCoordinator(store Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  store,
		logger: logger.With("component", "challenge"),
		now:    time.Now,
		locks:  make(map[int64]*userLock),
	}
}

// Lock serializes challenge operations for one user. The returned func
// releases the lock.
func (c *Coordinator) Lock(tgID int64) func() {
	c.mu.Lock()
	l, ok := c.locks[tgID]
	if !ok {
		l = &userLock{}
		c.locks[tgID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Mutex.Lock()
	return func() {
		l.Mutex.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, tgID)
		}
		c.mu.Unlock()
	}
}

// Put stores a fresh challenge, stamping creation time and TTL.
func (c *Coordinator) Put(ctx context.Context, ch model.PendingChallenge) error {
	now := c.now()
	ch.CreatedAt = now
	ch.ExpiresAt = now.Add(TTL)
	return c.store.UpsertChallenge(ctx, ch)
}

// Get returns the user's active challenge, or model.ErrNoActiveChallenge.
func (c *Coordinator) Get(ctx context.Context, tgID int64) (model.PendingChallenge, error) {
	ch, err := c.store.GetChallenge(ctx, tgID, c.now())
	if errors.Is(err, storage.ErrNotFound) {
		return model.PendingChallenge{}, model.ErrNoActiveChallenge()
	}
	return ch, err
}

// HasActive reports whether a non-expired challenge exists.
func (c *Coordinator) HasActive(ctx context.Context, tgID int64) (bool, error) {
	return c.store.HasChallenge(ctx, tgID, c.now())
}

// RefreshAfterWrongCode replaces the continuation state after the portal
// re-presented the form, extending the TTL for another attempt.
func (c *Coordinator) RefreshAfterWrongCode(ctx context.Context, ch model.PendingChallenge) error {
	ch.ExpiresAt = c.now().Add(TTL)
	return c.store.UpdateChallengeAfterWrongCode(ctx, ch)
}

// Resolve drops the user's challenge after a successful (or abandoned) login.
func (c *Coordinator) Resolve(ctx context.Context, tgID int64) error {
	return c.store.DeleteChallenge(ctx, tgID)
}

// CleanupExpired sweeps expired rows. Meant to be called periodically.
func (c *Coordinator) CleanupExpired(ctx context.Context) {
	n, err := c.store.DeleteExpiredChallenges(ctx, c.now())
	if err != nil {
		c.logger.Warn("challenge cleanup failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("expired challenges removed", "count", n)
	}
}
