package marking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/mireapprove/backend/internal/model"
	"github.com/mireapprove/backend/internal/storage"
)

var (
	meter            = otel.Meter("mireapprove/marking")
	targetsMarked, _ = meter.Int64Counter("marking.targets_processed")
	runDuration, _   = meter.Float64Histogram("marking.run_duration", otelmetric.WithUnit("ms"))
)

// waveSize bounds how many portal calls run concurrently per session. The
// portal throttles per-IP; three at a time finishes a full group in well
// under a minute without tripping it.
const waveSize = 3

// Approver redeems an attendance token for one user. Satisfied by the
// session broker.
type Approver interface {
	SelfApprove(ctx context.Context, tgID int64, token string) (string, error)
}

// Directory resolves display names for targets.
type Directory interface {
	GetUser(ctx context.Context, tgID int64) (model.User, error)
}

// Sender delivers a Telegram message. May be nil to disable notifications.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Auditor records marking runs in the audit log.
type Auditor interface {
	InsertAudit(ctx context.Context, e storage.AuditEntry) error
}

// Engine owns mass-marking sessions: it fans one token out over the selected
// targets in bounded waves and tracks per-target outcomes.
type Engine struct {
	approver  Approver
	directory Directory
	sender    Sender
	auditor   Auditor
	store     *sessionStore
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewEngine wires a marking engine. sender and auditor may be nil; a
// non-positive ttl falls back to DefaultSessionTTL.
func NewEngine(approver Approver, directory Directory, sender Sender, auditor Auditor, ttl time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Engine{
		approver:  approver,
		directory: directory,
		sender:    sender,
		auditor:   auditor,
		store:     newSessionStore(ttl),
		logger:    logger.With("component", "marking"),
		active:    make(map[string]bool),
	}
}

// Start creates a session for the given QR URL and targets and begins
// processing in the background. It returns the session id for polling.
func (e *Engine) Start(ctx context.Context, ownerID int64, url string, targets []int64) (string, error) {
	token, err := TakeToken(url)
	if err != nil {
		return "", err
	}

	sess := &model.MarkingSession{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Token:     token,
		Status:    model.MarkingStarting,
		Total:     len(targets),
		Remaining: append([]int64(nil), targets...),
		StartedAt: time.Now(),
	}
	e.store.create(sess)

	e.audit(ctx, ownerID, "mass_mark_start", map[string]any{
		"session_id":  sess.ID,
		"users_count": len(targets),
	})

	e.launch(ctx, sess.ID)
	return sess.ID, nil
}

// Status returns a snapshot of the session's progress.
func (e *Engine) Status(sessionID string) (model.MarkingSession, error) {
	return e.store.snapshot(sessionID)
}

// Continue resumes a session with a fresh QR URL, re-attempting the targets
// still remaining. Continuing a completed session is a no-op.
func (e *Engine) Continue(ctx context.Context, sessionID string, ownerID int64, url string) (int, error) {
	sess, err := e.store.snapshot(sessionID)
	if err != nil {
		return 0, err
	}
	if sess.OwnerID != ownerID {
		return 0, ErrNotOwner
	}
	if sess.Status == model.MarkingCompleted || len(sess.Remaining) == 0 {
		return 0, nil
	}

	token, err := TakeToken(url)
	if err != nil {
		return 0, err
	}
	err = e.store.update(sessionID, func(s *model.MarkingSession) {
		s.Token = token
		s.Status = model.MarkingContinuing
		s.Error = ""
	})
	if err != nil {
		return 0, err
	}

	e.audit(ctx, ownerID, "mass_mark_continue", map[string]any{
		"session_id":      sessionID,
		"remaining_users": len(sess.Remaining),
	})

	e.launch(ctx, sessionID)
	return len(sess.Remaining), nil
}

// EvictExpired drops sessions past the TTL. Meant to be called periodically.
func (e *Engine) EvictExpired() {
	if n := e.store.evictExpired(); n > 0 {
		e.logger.Debug("expired marking sessions evicted", "count", n)
	}
}

// launch spawns the processing goroutine unless one is already running for
// the session. The run outlives the triggering request.
func (e *Engine) launch(ctx context.Context, sessionID string) {
	e.mu.Lock()
	if e.active[sessionID] {
		e.mu.Unlock()
		return
	}
	e.active[sessionID] = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.active, sessionID)
			e.mu.Unlock()
		}()
		e.run(context.WithoutCancel(ctx), sessionID)
	}()
}

func (e *Engine) run(ctx context.Context, sessionID string) {
	runStart := time.Now()
	sess, err := e.store.snapshot(sessionID)
	if err != nil {
		return
	}
	if err := e.store.update(sessionID, func(s *model.MarkingSession) {
		s.Status = model.MarkingProcessing
	}); err != nil {
		return
	}

	e.logger.Info("marking run started",
		"session_id", sessionID, "remaining", len(sess.Remaining))

	targets := append([]int64(nil), sess.Remaining...)
	for start := 0; start < len(targets); start += waveSize {
		end := min(start+waveSize, len(targets))

		var g errgroup.Group
		for _, tgID := range targets[start:end] {
			g.Go(func() error {
				out := e.markOne(ctx, tgID, sess.Token)
				targetsMarked.Add(ctx, 1, otelmetric.WithAttributes(attribute.Bool("success", out.Success)))
				return e.apply(sessionID, out)
			})
		}
		if err := g.Wait(); err != nil {
			// The session vanished mid-run (evicted); nothing left to track.
			e.logger.Warn("marking run halted", "session_id", sessionID, "error", err)
			return
		}
	}

	runDuration.Record(ctx, float64(time.Since(runStart).Milliseconds()))
	e.finish(ctx, sessionID)
}

// markOne redeems the token for one target. Every path produces an outcome;
// a target is never retried within a run.
func (e *Engine) markOne(ctx context.Context, tgID int64, token string) model.MarkOutcome {
	out := model.MarkOutcome{TelegramID: tgID, FIO: fmt.Sprintf("ID: %d", tgID)}
	if user, err := e.directory.GetUser(ctx, tgID); err == nil && user.FIO != "" {
		out.FIO = user.FIO
	}

	text, err := e.approver.SelfApprove(ctx, tgID, token)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	info := ExtractInfo(text)
	if !info.Recognized() {
		out.Error = "QR код истёк или неверный ответ"
		return out
	}

	out.Success = true
	out.Group = info.Group
	out.Subject = info.Subject
	return out
}

// apply folds one outcome into the session.
func (e *Engine) apply(sessionID string, out model.MarkOutcome) error {
	return e.store.update(sessionID, func(s *model.MarkingSession) {
		s.Processed++
		if out.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		s.Results = append(s.Results, out)
		for i, id := range s.Remaining {
			if id == out.TelegramID {
				s.Remaining = append(s.Remaining[:i], s.Remaining[i+1:]...)
				break
			}
		}
		if s.Group == "" && out.Group != "" {
			s.Group = out.Group
		}
		if s.Discipline == "" && out.Subject != "" {
			s.Discipline = out.Subject
		}
	})
}

func (e *Engine) finish(ctx context.Context, sessionID string) {
	var final model.MarkingSession
	err := e.store.update(sessionID, func(s *model.MarkingSession) {
		if len(s.Remaining) == 0 {
			s.Status = model.MarkingCompleted
		} else {
			s.Status = model.MarkingPartiallyCompleted
		}
		final = *s
		final.Results = append([]model.MarkOutcome(nil), s.Results...)
	})
	if err != nil {
		return
	}

	e.logger.Info("marking run finished",
		"session_id", sessionID,
		"status", final.Status,
		"successful", final.Successful,
		"failed", final.Failed)

	e.audit(ctx, final.OwnerID, "mass_mark_completed", map[string]any{
		"session_id": sessionID,
		"total":      final.Total,
		"successful": final.Successful,
		"failed":     final.Failed,
		"group":      final.Group,
		"discipline": final.Discipline,
	})

	e.notifySuccessful(ctx, final)
}

// notifySuccessful pings every successfully marked student. Skipped when no
// subject was recognized; "you were marked" without the lesson name reads
// like spam.
func (e *Engine) notifySuccessful(ctx context.Context, sess model.MarkingSession) {
	if e.sender == nil || sess.Discipline == "" {
		return
	}
	text := fmt.Sprintf("✅ Тебя отметили на паре\n\n<b>%s</b>", sess.Discipline)
	for _, out := range sess.Results {
		if !out.Success {
			continue
		}
		if err := e.sender.SendMessage(ctx, out.TelegramID, text); err != nil {
			e.logger.Warn("marking notification failed", "tg_id", out.TelegramID, "error", err)
		}
	}
}

func (e *Engine) audit(ctx context.Context, tgID int64, action string, detail map[string]any) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.InsertAudit(ctx, storage.AuditEntry{TelegramID: tgID, Action: action, Detail: detail}); err != nil {
		e.logger.Warn("audit insert failed", "action", action, "error", err)
	}
}
