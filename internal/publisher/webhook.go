package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"feed_relay/internal/domain"
)

// Webhook POSTs the article as JSON to the destination target. The article id
// travels as Idempotency-Key; a 409 answer means the receiver already has it.
type Webhook struct {
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

func NewWebhook(headers map[string]string, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Webhook{headers: headers, client: client, logger: logger}
}

func (w *Webhook) Publish(ctx context.Context, article *domain.Article, dest domain.Destination) (domain.Outcome, error) {
	if dest.Target == "" {
		return domain.OutcomeFatal, domain.NewFatal(fmt.Errorf("webhook url: %w", errNoTarget))
	}

	body, err := json.Marshal(NewArticlePayload(article))
	if err != nil {
		return domain.OutcomeFatal, domain.NewFatal(fmt.Errorf("marshal article: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Target, bytes.NewReader(body))
	if err != nil {
		return domain.OutcomeFatal, domain.NewFatal(fmt.Errorf("create request: %w", err))
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	for k, v := range dest.Options {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", article.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.OutcomeRetryable, domain.NewRetryable(fmt.Errorf("post webhook: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		w.logger.Debug("published article", "article_id", article.ID, "url", dest.Target)
		return domain.OutcomeDelivered, nil
	case resp.StatusCode == http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		w.logger.Info("webhook already has article", "article_id", article.ID, "url", dest.Target)
		return domain.OutcomeDuplicate, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = classifyHTTP(resp, string(raw))
	outcome, _ := domain.ClassifyPublishError(err)
	return outcome, fmt.Errorf("webhook: %w", err)
}
