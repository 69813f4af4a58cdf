package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"feed_relay/internal/domain"
)

const (
	discordTitleMax       = 256
	discordDescriptionMax = 4096
)

type DiscordConfig struct {
	Username  string
	AvatarURL string
	Color     int
	Format    Format
}

// Discord posts articles to channel webhooks. The destination target is
// the webhook URL.
type Discord struct {
	cfg       DiscordConfig
	client    *http.Client
	converter *md.Converter
	logger    *slog.Logger
}

func NewDiscord(cfg DiscordConfig, client *http.Client, logger *slog.Logger) *Discord {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Discord{
		cfg:       cfg,
		client:    client,
		converter: md.NewConverter("", true, nil),
		logger:    logger,
	}
}

type discordMessage struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Content   string         `json:"content,omitempty"`
	Embeds    []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Author      *discordName   `json:"author,omitempty"`
	Footer      *discordName   `json:"footer,omitempty"`
	Image       *discordImage  `json:"image,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordName struct {
	Name string `json:"name"`
}

type discordImage struct {
	URL string `json:"url"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func (d *Discord) Publish(ctx context.Context, article *domain.Article, dest domain.Destination) (domain.Outcome, error) {
	if dest.Target == "" {
		return domain.OutcomeFatal, domain.NewFatal(fmt.Errorf("discord webhook: %w", errNoTarget))
	}

	body, err := json.Marshal(d.message(article))
	if err != nil {
		return domain.OutcomeFatal, domain.NewFatal(fmt.Errorf("marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL(dest.Target), bytes.NewReader(body))
	if err != nil {
		return domain.OutcomeFatal, domain.NewFatal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return domain.OutcomeRetryable, domain.NewRetryable(fmt.Errorf("post webhook: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		d.logger.Debug("published article", "article_id", article.ID, "destination", dest.Scope)
		return domain.OutcomeDelivered, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = classifyHTTP(resp, string(raw))
	outcome, _ := domain.ClassifyPublishError(err)
	return outcome, fmt.Errorf("discord webhook: %w", err)
}

func (d *Discord) message(a *domain.Article) discordMessage {
	embed := discordEmbed{
		Title:       Truncate(a.Title, discordTitleMax),
		URL:         d.cfg.Format.link(a, ChannelDiscord),
		Description: Truncate(d.description(a), d.descriptionLimit()),
		Color:       d.cfg.Color,
		Timestamp:   a.PublishedAt.UTC().Format(time.RFC3339),
	}
	if a.Author != "" {
		embed.Author = &discordName{Name: a.Author}
	}
	if a.Category != "" {
		embed.Footer = &discordName{Name: a.Category}
	}
	if a.Media != nil {
		embed.Image = &discordImage{URL: a.Media.URL}
	}
	if tags := Hashtags(a.Tags, 8); tags != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Tags", Value: tags})
	}

	return discordMessage{
		Username:  d.cfg.Username,
		AvatarURL: d.cfg.AvatarURL,
		Embeds:    []discordEmbed{embed},
	}
}

func (d *Discord) descriptionLimit() int {
	if m := d.cfg.Format.SummaryMax; m > 0 && m < discordDescriptionMax {
		return m
	}
	return discordDescriptionMax
}

// description renders the sanitized body as Markdown and falls back to the plain summary.
func (d *Discord) description(a *domain.Article) string {
	if strings.TrimSpace(a.Body) != "" {
		text, err := d.converter.ConvertString(a.Body)
		if err != nil {
			d.logger.Debug("markdown conversion failed", "article_id", a.ID, "error", err)
		} else if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return a.Summary
}

// webhookURL asks Discord to answer with the created message so failures surface synchronously.
func webhookURL(target string) string {
	if strings.Contains(target, "wait=") {
		return target
	}
	if strings.Contains(target, "?") {
		return target + "&wait=true"
	}
	return target + "?wait=true"
}
