package delivery

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"storenotify/internal/apperr"
	"storenotify/internal/model"
)

// LinkStore is the platform link subset of storage.
type LinkStore interface {
	GetPlatformLink(ctx context.Context, userID string) (model.PlatformLink, bool, error)
}

// Messenger sends a text message to a chat on the local platform.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// LocalPlatform is the second chain step. It runs only when the user has
// granted permission and linked a chat; it never asks for permission.
type LocalPlatform struct {
	links LinkStore
	msg   Messenger
}

func NewLocalPlatform(links LinkStore, msg Messenger) *LocalPlatform {
	return &LocalPlatform{links: links, msg: msg}
}

func (l *LocalPlatform) Name() model.SourceChannel { return model.SourceLocal }

func (l *LocalPlatform) Send(ctx context.Context, userID string, ev model.Event) error {
	const op = "delivery.local"
	link, ok, err := l.links.GetPlatformLink(ctx, userID)
	if err != nil {
		return apperr.New(apperr.KindTransient, op, err)
	}
	if !ok || link.Permission != model.PermissionGranted {
		return apperr.Newf(apperr.KindPermission, op, "permission not granted")
	}
	if link.ChatID == 0 {
		return apperr.Newf(apperr.KindPermission, op, "no linked chat")
	}
	if err := l.msg.SendMessage(ctx, link.ChatID, formatLocal(ev)); err != nil {
		return apperr.New(apperr.KindTransient, op, err)
	}
	return nil
}

func formatLocal(ev model.Event) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(ev.Title))
	b.WriteString("</b>")
	if body := strings.TrimSpace(ev.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(body))
	}
	if ev.TargetURL != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(ev.TargetURL))
	}
	return b.String()
}

// Telegram is a send-only Messenger over the Telegram bot API.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(token string, timeout time.Duration) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	return err
}
