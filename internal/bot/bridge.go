package bot

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mireapprove/backend/internal/model"
	"github.com/mireapprove/backend/internal/storage"
)

var codeRe = regexp.MustCompile(`^\d{6}$`)

// Broker is the session-broker surface the bridge drives.
type Broker interface {
	Register(ctx context.Context, tgID int64) error
	SubmitCode(ctx context.Context, tgID int64, code string) error
	HasActiveChallenge(ctx context.Context, tgID int64) (bool, error)
	ImportSeed(ctx context.Context, tgID int64, uri string) error
}

// Store is the storage surface the bridge needs for external tokens and
// seed removal.
type Store interface {
	GetUser(ctx context.Context, tgID int64) (model.User, error)
	UpdateTOTPSeed(ctx context.Context, tgID int64, seed, credentialID string) error
	GetExternalToken(ctx context.Context, token string, now time.Time) (model.ExternalToken, error)
	ApproveExternalToken(ctx context.Context, token string, tgID int64) error
}

// Replier sends messages back to the chat. Satisfied by Client.
type Replier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessageWithMarkup(ctx context.Context, chatID int64, text string, markup *InlineKeyboard) error
}

// Bridge routes incoming webhook updates to broker actions: second-factor
// codes, authenticator exports, external-auth confirmations.
type Bridge struct {
	broker    Broker
	store     Store
	replier   Replier
	webAppURL string
	logger    *slog.Logger
	now       func() time.Time
}

// NewBridge wires a webhook bridge. webAppURL is where the /start button
// points.
func NewBridge(broker Broker, store Store, replier Replier, webAppURL string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		broker:    broker,
		store:     store,
		replier:   replier,
		webAppURL: webAppURL,
		logger:    logger.With("component", "bot-bridge"),
		now:       time.Now,
	}
}

// HandleUpdate processes one webhook update. It never returns an error to
// the webhook caller; Telegram retries failed deliveries and a retried
// duplicate is worse than a dropped reply.
func (b *Bridge) HandleUpdate(ctx context.Context, upd Update) {
	if upd.Message == nil {
		return
	}

	chatID := upd.Message.Chat.ID
	text := strings.TrimSpace(upd.Message.Text)

	switch {
	case strings.HasPrefix(strings.ToLower(text), "/start"):
		b.handleStart(ctx, chatID)

	case strings.EqualFold(text, "/delete_totp"):
		b.handleDeleteSeed(ctx, chatID)

	case strings.HasPrefix(text, "otpauth://"), strings.HasPrefix(text, "otpauth-migration://"):
		b.handleSeedImport(ctx, chatID, text)

	case codeRe.MatchString(text):
		b.handleCode(ctx, chatID, text)

	case len(text) >= 20 && !strings.HasPrefix(text, "/"):
		b.handleExternalToken(ctx, chatID, text)
	}
}

func (b *Bridge) handleStart(ctx context.Context, chatID int64) {
	if err := b.broker.Register(ctx, chatID); err != nil {
		b.logger.Error("register failed", "tg_id", chatID, "error", err)
		b.reply(ctx, chatID, "❌ Произошла ошибка при регистрации, попробуйте позже.")
		return
	}

	markup := &InlineKeyboard{InlineKeyboard: [][]InlineButton{{
		{Text: "Отметка посещаемости", WebApp: &WebAppInfo{URL: b.webAppURL}},
	}}}
	text := "👋 Привет! Я бот для отметки посещаемости.\n\n" +
		"Нажмите на кнопку ниже, чтобы запустить приложение для отметки посещаемости."
	if err := b.replier.SendMessageWithMarkup(ctx, chatID, text, markup); err != nil {
		b.logger.Warn("welcome message failed", "tg_id", chatID, "error", err)
	}
}

// handleCode treats a bare six-digit message as a second-factor code when a
// challenge is pending. Without one the digits are ignored; people paste all
// sorts of numbers into chats.
func (b *Bridge) handleCode(ctx context.Context, chatID int64, code string) {
	active, err := b.broker.HasActiveChallenge(ctx, chatID)
	if err != nil {
		b.logger.Error("challenge lookup failed", "tg_id", chatID, "error", err)
		return
	}
	if !active {
		return
	}

	err = b.broker.SubmitCode(ctx, chatID, code)
	if err == nil {
		b.reply(ctx, chatID, "✅ Код принят, сессия обновлена.")
		return
	}

	be := model.AsBroker(err)
	switch {
	case be != nil && be.WrongCode:
		b.reply(ctx, chatID, "❌ Код не подошёл. Попробуйте ещё раз.")
	case be != nil && be.Kind == model.KindNoActiveChallenge:
		b.reply(ctx, chatID, "ℹ️ Код уже не нужен: попробуйте войти заново.")
	case be != nil && be.Kind == model.KindCredentialsInvalid:
		b.reply(ctx, chatID, "❌ Сессия истекла. Войдите заново через приложение.")
	default:
		b.logger.Error("code submit failed", "tg_id", chatID, "error", err)
		b.reply(ctx, chatID, "❌ Не получилось отправить код, попробуйте позже.")
	}
}

func (b *Bridge) handleSeedImport(ctx context.Context, chatID int64, uri string) {
	if err := b.broker.ImportSeed(ctx, chatID, uri); err != nil {
		be := model.AsBroker(err)
		if be != nil && be.Kind == model.KindValidation {
			b.reply(ctx, chatID, "❌ "+be.Message+"\n\n"+
				"Экспортируйте только ключ от аккаунта университета.")
			return
		}
		b.logger.Error("seed import failed", "tg_id", chatID, "error", err)
		b.reply(ctx, chatID, "❌ Не удалось сохранить ключ, попробуйте позже.")
		return
	}
	b.reply(ctx, chatID, "✅ TOTP-ключ успешно сохранён!\n\n"+
		"Теперь код двухфакторной аутентификации будет вводиться автоматически.\n\n"+
		"Удалить ключ можно командой /delete_totp")
}

func (b *Bridge) handleDeleteSeed(ctx context.Context, chatID int64) {
	user, err := b.store.GetUser(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(ctx, chatID, "❌ Вы не зарегистрированы в системе.")
		return
	}
	if err != nil {
		b.logger.Error("user lookup failed", "tg_id", chatID, "error", err)
		return
	}
	if user.TOTPSeed == "" {
		b.reply(ctx, chatID, "ℹ️ У вас нет сохранённого TOTP-ключа.")
		return
	}

	if err := b.store.UpdateTOTPSeed(ctx, chatID, "", ""); err != nil {
		b.logger.Error("seed delete failed", "tg_id", chatID, "error", err)
		b.reply(ctx, chatID, "❌ Не удалось удалить ключ, попробуйте позже.")
		return
	}
	b.reply(ctx, chatID, "✅ TOTP-ключ удалён.\n\n"+
		"Теперь код при входе нужно будет вводить вручную.")
}

// handleExternalToken confirms a third-party auth token the user pasted in.
// Unknown tokens are ignored silently; most long messages are just messages.
func (b *Bridge) handleExternalToken(ctx context.Context, chatID int64, token string) {
	t, err := b.store.GetExternalToken(ctx, token, b.now())
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		b.logger.Error("external token lookup failed", "tg_id", chatID, "error", err)
		return
	}

	switch t.Status {
	case "approved":
		b.reply(ctx, chatID, "ℹ️ Этот токен уже был подтверждён ранее.")
		return
	case "rejected":
		b.reply(ctx, chatID, "ℹ️ Этот токен был отклонён.")
		return
	}

	if _, err := b.store.GetUser(ctx, chatID); errors.Is(err, storage.ErrNotFound) {
		b.reply(ctx, chatID, "❌ Вы не зарегистрированы в системе.\n"+
			"Сначала пройдите регистрацию через /start")
		return
	} else if err != nil {
		b.logger.Error("user lookup failed", "tg_id", chatID, "error", err)
		return
	}

	if err := b.store.ApproveExternalToken(ctx, token, chatID); err != nil {
		b.logger.Error("token approve failed", "tg_id", chatID, "error", err)
		return
	}
	b.reply(ctx, chatID, "✅ Авторизация успешна!\n\n"+
		"Теперь вы можете использовать внешний сервис.")
}

func (b *Bridge) reply(ctx context.Context, chatID int64, text string) {
	if err := b.replier.SendMessage(ctx, chatID, text); err != nil {
		b.logger.Warn("reply failed", "tg_id", chatID, "error", err)
	}
}
