package marking

import (
	"errors"
	"sync"
	"time"

	"github.com/mireapprove/backend/internal/model"
)

// DefaultSessionTTL is how long a marking session stays pollable after it
// started when no retention is configured. The Mini App polls for a few
// minutes at most; an hour leaves slack for a teacher who re-scans a fresh QR
// to finish a half-done run.
const DefaultSessionTTL = time.Hour

var (
	ErrSessionNotFound = errors.New("marking: session not found")
	ErrNotOwner        = errors.New("marking: session belongs to another user")
	errNoToken         = errors.New("marking: url carries no token")
)

// sessionStore holds marking sessions in memory. Sessions are ephemeral
// progress trackers; losing them on restart only costs a re-scan.
type sessionStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*model.MarkingSession
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*model.MarkingSession),
	}
}

func (s *sessionStore) create(sess *model.MarkingSession) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

// snapshot returns a deep copy safe to hand to callers while the engine
// keeps mutating the session.
func (s *sessionStore) snapshot(id string) (model.MarkingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.MarkingSession{}, ErrSessionNotFound
	}
	out := *sess
	out.Remaining = append([]int64(nil), sess.Remaining...)
	out.Results = append([]model.MarkOutcome(nil), sess.Results...)
	return out, nil
}

// update runs fn on the live session under the store lock.
func (s *sessionStore) update(id string, fn func(*model.MarkingSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	fn(sess)
	return nil
}

// evictExpired drops sessions past the TTL and returns how many went.
func (s *sessionStore) evictExpired() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, sess := range s.sessions {
		if sess.StartedAt.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
