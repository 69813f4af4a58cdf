// Package publisher holds the channel adapters. Every adapter exposes
//
//	Publish(ctx, article, destination) (domain.Outcome, error)
//
// and reports failures as *domain.PublishError so the dispatcher can tell
// retryable faults from permanent rejections.
package publisher

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"feed_relay/internal/domain"
)

const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelWebhook  = "webhook"
	ChannelRabbitMQ = "rabbitmq"
	ChannelKafka    = "kafka"
)

// Format controls how article text is rendered for chat channels.
type Format struct {
	SummaryMax int
	UTM        bool
}

// ArticlePayload is the JSON shape sent to machine consumers (queues, webhooks).
type ArticlePayload struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary,omitempty"`
	Body        string     `json:"body,omitempty"`
	Author      string     `json:"author,omitempty"`
	Category    string     `json:"category,omitempty"`
	Link        string     `json:"link"`
	MediaURL    string     `json:"media_url,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

func NewArticlePayload(a *domain.Article) ArticlePayload {
	p := ArticlePayload{
		ID:          a.ID,
		Title:       a.Title,
		Summary:     a.Summary,
		Body:        a.Body,
		Author:      a.Author,
		Category:    a.Category,
		Link:        a.Link,
		Tags:        a.Tags,
		PublishedAt: a.PublishedAt,
		UpdatedAt:   a.UpdatedAt,
	}
	if a.Media != nil {
		p.MediaURL = a.Media.URL
	}
	return p
}

// AddUTM tags link with campaign parameters. Existing values win.
func AddUTM(link, source string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	q := u.Query()
	for k, v := range map[string]string{
		"utm_source":   source,
		"utm_medium":   "social",
		"utm_campaign": "rss",
	} {
		if q.Get(k) == "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (f Format) link(a *domain.Article, channel string) string {
	if f.UTM {
		return AddUTM(a.Link, channel)
	}
	return a.Link
}

// Truncate shortens s to at most limit runes, ending with "..." when cut.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 3 {
		return string([]rune(s)[:limit])
	}
	return strings.TrimRightFunc(string([]rune(s)[:limit-3]), isSpace) + "..."
}

func isSpace(r rune) bool { return r == ' ' || r == '\n' || r == '\t' }

// Hashtags renders up to max tags as hashtags, dropping inner whitespace.
func Hashtags(tags []string, max int) string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if max > 0 && len(out) == max {
			break
		}
		t = strings.Join(strings.Fields(t), "")
		if t == "" {
			continue
		}
		out = append(out, "#"+t)
	}
	return strings.Join(out, " ")
}

// classifyHTTP maps an HTTP answer from a destination to a publish error.
// Callers handle 2xx and duplicate answers before calling it.
func classifyHTTP(resp *http.Response, body string) error {
	err := fmt.Errorf("status %d: %s", resp.StatusCode, Truncate(strings.TrimSpace(body), 200))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewRetryAfter(err, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= http.StatusInternalServerError:
		return domain.NewRetryable(err)
	default:
		return domain.NewFatal(err)
	}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

var errNoTarget = errors.New("destination has no target")
