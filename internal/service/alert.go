package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"feed_relay/internal/domain"
)

const alertTitle = "Feed relay alert"

// Alerter posts operator notices to the destinations of the alert channels,
// reusing their publishers. Delivery is best effort.
type Alerter struct {
	router     Router
	publishers map[string]Publisher
	channels   map[string]bool
	link       string
	now        func() time.Time
	logger     *slog.Logger
}

func NewAlerter(router Router, publishers map[string]Publisher, channels []string, link string, logger *slog.Logger) *Alerter {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[strings.ToLower(strings.TrimSpace(ch))] = true
	}
	return &Alerter{
		router:     router,
		publishers: publishers,
		channels:   set,
		link:       link,
		now:        time.Now,
		logger:     logger.With("component", "alerter"),
	}
}

// Alert sends message to every destination of an alert channel other than exclude.
func (a *Alerter) Alert(ctx context.Context, exclude, message string) {
	notice := &domain.Article{
		ID:          "alert:" + uuid.NewString(),
		Title:       alertTitle,
		Summary:     message,
		Link:        a.link,
		PublishedAt: a.now().UTC(),
	}

	sent := 0
	for _, dest := range a.router.Destinations() {
		if dest.Channel == exclude || !a.channels[dest.Channel] {
			continue
		}
		pub, ok := a.publishers[dest.Channel]
		if !ok {
			continue
		}
		if _, err := pub.Publish(ctx, notice, dest); err != nil {
			a.logger.Warn("alert not delivered", "destination", dest.String(), "error", err)
			continue
		}
		sent++
	}
	a.logger.Info("alert sent", "message", message, "destinations", sent)
}
