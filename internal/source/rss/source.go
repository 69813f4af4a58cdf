package rss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"feed_relay/internal/domain"
)

// Config holds feed source configuration.
type Config struct {
	URL            string
	UserAgent      string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// FetchResult is what one fetch produced. Entries are in feed order, usually newest first.
type FetchResult struct {
	Entries     []*gofeed.Item
	FeedLink    string
	Validator   domain.Validator
	NotModified bool
}

// Source fetches an RSS, Atom or JSON feed over HTTP with conditional requests.
type Source struct {
	httpClient     *http.Client
	url            string
	userAgent      string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	parser         *gofeed.Parser
	logger         *slog.Logger
}

// New creates a new feed source.
func New(cfg Config, logger *slog.Logger) *Source {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Source{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		url:            cfg.URL,
		userAgent:      cfg.UserAgent,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		parser:         gofeed.NewParser(),
		logger:         logger.With("feed", cfg.URL),
	}
}

func (s *Source) URL() string {
	return s.url
}

// Fetch downloads and parses the feed. When the server answers 304 relative to
// last, the result is empty, keeps last and has NotModified set.
func (s *Source) Fetch(ctx context.Context, last domain.Validator) (*FetchResult, error) {
	var res *FetchResult
	var err error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		res, err = s.doRequest(ctx, last)
		if err == nil {
			return res, nil
		}

		var te *transientError
		if !errors.As(err, &te) {
			return nil, s.fetchError(err)
		}

		if attempt == s.maxAttempts {
			break
		}

		backoff := s.calculateBackoff(attempt)
		s.logger.Warn("request failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, s.fetchError(ctx.Err())
		case <-time.After(backoff):
		}
	}

	return nil, s.fetchError(fmt.Errorf("after %d attempts: %w", s.maxAttempts, err))
}

func (s *Source) doRequest(ctx context.Context, last domain.Validator) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")
	req.Header.Set("User-Agent", s.userAgent)
	if last.ETag != "" {
		req.Header.Set("If-None-Match", last.ETag)
	}
	if last.LastModified != "" {
		req.Header.Set("If-Modified-Since", last.LastModified)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execute request: %w", err)
		}
		return nil, &transientError{err: fmt.Errorf("execute request: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		_, _ = io.Copy(io.Discard, resp.Body)
		s.logger.Debug("feed not modified")
		return &FetchResult{Validator: last, NotModified: true}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &transientError{err: &statusError{code: resp.StatusCode}}
	case resp.StatusCode != http.StatusOK:
		return nil, &statusError{code: resp.StatusCode}
	}

	feed, err := s.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	res := &FetchResult{
		Entries:  feed.Items,
		FeedLink: feed.Link,
		Validator: domain.Validator{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
	}

	s.logger.Debug("fetched feed",
		"entries", len(res.Entries),
		"etag", res.Validator.ETag,
	)

	return res, nil
}

func (s *Source) fetchError(err error) error {
	fe := &domain.FetchError{URL: s.url, Err: err}
	var se *statusError
	if errors.As(err, &se) {
		fe.StatusCode = se.code
	}
	return fe
}

func (s *Source) calculateBackoff(attempt int) time.Duration {
	backoff := s.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > s.maxBackoff {
		backoff = s.maxBackoff
	}
	return backoff
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status: %d", e.code)
}
