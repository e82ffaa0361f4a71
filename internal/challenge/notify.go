package challenge

import (
	"context"
	"log/slog"
	"time"

	"github.com/mireapprove/backend/internal/model"
)

// NotifyFloor is the minimum interval between out-of-band pings for the same
// user. Background refreshes can hit the second factor many times a day;
// the user gets at most one message per floor window.
const NotifyFloor = 24 * time.Hour

// Sender delivers an out-of-band message to the user.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Notifier decides when a pending challenge warrants pinging the user.
type Notifier struct {
	store  Store
	sender Sender
	logger *slog.Logger
	now    func() time.Time
}

// NewNotifier builds a notifier. sender may be nil, which disables pings
// (useful in tests and when no bot token is configured).
func NewNotifier(store Store, sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:  store,
		sender: sender,
		logger: logger.With("component", "challenge-notify"),
		now:    time.Now,
	}
}

// MaybeNotify pings the user about a pending challenge when appropriate:
// never for interactive logins (the user is looking at the screen already),
// and at most once per NotifyFloor for background flows. Send failures are
// logged, not returned; notification is best-effort.
func (n *Notifier) MaybeNotify(ctx context.Context, ch model.PendingChallenge) {
	if n.sender == nil || ch.Origin == model.OriginLogin {
		return
	}

	now := n.now()
	if ch.LastNotifiedAt != nil && now.Sub(*ch.LastNotifiedAt) < NotifyFloor {
		return
	}

	if err := n.sender.SendMessage(ctx, ch.TelegramID, challengeText(ch.Kind)); err != nil {
		n.logger.Warn("challenge notification failed", "tg_id", ch.TelegramID, "error", err)
		return
	}
	if err := n.store.SetChallengeNotified(ctx, ch.TelegramID, now); err != nil {
		n.logger.Warn("challenge notification not recorded", "tg_id", ch.TelegramID, "error", err)
	}
}

func challengeText(kind model.ChallengeKind) string {
	if kind == model.ChallengeEmailCode {
		return "🔐 Для обновления сессии требуется код из письма.\n\n" +
			"Проверьте почту и отправьте код ответным сообщением."
	}
	return "🔐 Для обновления сессии требуется код из приложения-аутентификатора.\n\n" +
		"Отправьте 6-значный код ответным сообщением."
}
