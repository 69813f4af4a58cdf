package publisher

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"feed_relay/internal/domain"
)

const telegramTextMax = 4096

type TelegramConfig struct {
	Token      string
	APIURL     string
	Silent     bool
	CaptionMax int
	Format     Format
}

// Telegram sends articles to chats. The destination target is a numeric
// chat id or a public @channel name.
type Telegram struct {
	cfg    TelegramConfig
	bot    *tele.Bot
	logger *slog.Logger
}

func NewTelegram(cfg TelegramConfig, client *http.Client, logger *slog.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.CaptionMax <= 0 {
		cfg.CaptionMax = 1024
	}

	// Offline skips getMe; the relay only sends.
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Telegram{cfg: cfg, bot: bot, logger: logger}, nil
}

type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

func (t *Telegram) Publish(ctx context.Context, article *domain.Article, dest domain.Destination) (domain.Outcome, error) {
	if dest.Target == "" {
		return domain.OutcomeFatal, domain.NewFatal(fmt.Errorf("telegram chat: %w", errNoTarget))
	}
	if err := ctx.Err(); err != nil {
		return domain.OutcomeRetryable, domain.NewRetryable(err)
	}

	opts := &tele.SendOptions{
		ParseMode:           tele.ModeHTML,
		DisableNotification: t.cfg.Silent,
	}

	var what any
	if article.Media != nil {
		what = &tele.Photo{
			File:    tele.FromURL(article.Media.URL),
			Caption: t.render(article, t.cfg.CaptionMax),
		}
	} else {
		what = t.render(article, telegramTextMax)
	}

	msg, err := t.bot.Send(chatRecipient(dest.Target), what, opts)
	if err != nil {
		err = classifyTelegram(err)
		outcome, _ := domain.ClassifyPublishError(err)
		return outcome, fmt.Errorf("send to %s: %w", dest.Target, err)
	}

	t.logger.Debug("published article",
		"article_id", article.ID,
		"chat", dest.Target,
		"message_id", msg.ID,
	)
	return domain.OutcomeDelivered, nil
}

// render builds the HTML message, shrinking the summary so the whole text fits limit.
func (t *Telegram) render(a *domain.Article, limit int) string {
	title := "<b>" + html.EscapeString(Truncate(a.Title, 256)) + "</b>"
	footer := fmt.Sprintf(`<a href="%s">Read more</a>`, html.EscapeString(t.cfg.Format.link(a, ChannelTelegram)))
	if tags := Hashtags(a.Tags, 5); tags != "" {
		footer = html.EscapeString(tags) + "\n" + footer
	}

	budget := limit - runeLen(title) - runeLen(footer) - 4
	if m := t.cfg.Format.SummaryMax; m > 0 && m < budget {
		budget = m
	}

	parts := []string{title}
	if budget > 0 && a.Summary != "" {
		parts = append(parts, html.EscapeString(Truncate(a.Summary, budget)))
	}
	parts = append(parts, footer)
	return strings.Join(parts, "\n\n")
}

func runeLen(s string) int { return len([]rune(s)) }

// classifyTelegram maps Bot API errors to publish errors.
// Flood control carries its own retry delay.
func classifyTelegram(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return domain.NewRetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code >= http.StatusInternalServerError:
			return domain.NewRetryable(err)
		case apiErr.Code >= http.StatusBadRequest:
			return domain.NewFatal(err)
		}
	}

	return domain.NewRetryable(err)
}
