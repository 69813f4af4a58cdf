package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"feed_relay/internal/config"
	"feed_relay/internal/domain"
)

type dispatcher struct {
	publishers map[string]Publisher
	timeout    time.Duration
	retry      config.RetryConfig
	now        func() time.Time
	logger     *slog.Logger
}

// dispatch fans article out to every destination and waits for all of them.
// Calls run on a context detached from ctx so shutdown never aborts a send
// halfway; ctx only cuts the pauses between retries.
func (d *dispatcher) dispatch(ctx context.Context, article *domain.Article, dests []domain.Destination) []domain.PublishAttempt {
	results := make([]domain.PublishAttempt, len(dests))

	var g errgroup.Group
	for i, dest := range dests {
		g.Go(func() error {
			results[i] = d.publish(ctx, article, dest)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (d *dispatcher) publish(ctx context.Context, article *domain.Article, dest domain.Destination) domain.PublishAttempt {
	attempt := domain.PublishAttempt{
		ArticleID:   article.ID,
		Destination: dest,
		StartedAt:   d.now(),
	}

	pub, ok := d.publishers[dest.Channel]
	if !ok {
		attempt.Outcome = domain.OutcomeFatal
		attempt.Err = domain.NewFatal(fmt.Errorf("no publisher registered for channel %q", dest.Channel))
		attempt.FinishedAt = attempt.StartedAt
		return attempt
	}

	maxAttempts := max(d.retry.MaxAttempts, 1)
	detached := context.WithoutCancel(ctx)

	for n := 1; ; n++ {
		attempt.Attempts = n

		outcome, err := d.call(detached, pub, article, dest)
		attempt.Outcome, attempt.Err = outcome, err
		if err == nil || outcome == domain.OutcomeFatal || n >= maxAttempts {
			break
		}

		_, retryAfter := domain.ClassifyPublishError(err)
		delay := max(d.backoff(n), retryAfter)

		d.logger.Debug("publish failed, retrying",
			"article_id", article.ID,
			"destination", dest.String(),
			"attempt", n,
			"delay", delay,
			"error", err,
		)

		if !sleep(ctx, delay) {
			break
		}
	}

	attempt.FinishedAt = d.now()
	return attempt
}

type publishResult struct {
	outcome domain.Outcome
	err     error
}

// call runs one bounded publish and normalizes its outcome. The deadline is
// enforced here as well, since some clients block without watching ctx; a
// call still running at the deadline is abandoned and counts as retryable.
func (d *dispatcher) call(ctx context.Context, pub Publisher, article *domain.Article, dest domain.Destination) (domain.Outcome, error) {
	var res publishResult
	if d.timeout <= 0 {
		res.outcome, res.err = pub.Publish(ctx, article, dest)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		done := make(chan publishResult, 1)
		go func() {
			outcome, err := pub.Publish(callCtx, article, dest)
			done <- publishResult{outcome: outcome, err: err}
		}()

		select {
		case res = <-done:
		case <-callCtx.Done():
			return domain.OutcomeRetryable, domain.NewRetryable(fmt.Errorf("publish timed out after %s: %w", d.timeout, callCtx.Err()))
		}

		if res.err != nil && (errors.Is(res.err, context.DeadlineExceeded) || callCtx.Err() != nil) {
			return domain.OutcomeRetryable, domain.NewRetryable(fmt.Errorf("publish timed out after %s: %w", d.timeout, res.err))
		}
	}

	if res.err == nil {
		switch res.outcome {
		case domain.OutcomeDuplicate:
			return domain.OutcomeDuplicate, nil
		case domain.OutcomeFatal:
			return domain.OutcomeFatal, domain.NewFatal(errors.New("publisher reported a fatal outcome"))
		case domain.OutcomeRetryable:
			return domain.OutcomeRetryable, domain.NewRetryable(errors.New("publisher reported a retryable outcome"))
		default:
			return domain.OutcomeDelivered, nil
		}
	}

	outcome, _ := domain.ClassifyPublishError(res.err)
	return outcome, res.err
}

func (d *dispatcher) backoff(attempt int) time.Duration {
	delay := d.retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if d.retry.MaxBackoff > 0 && delay >= d.retry.MaxBackoff {
			break
		}
	}
	if d.retry.MaxBackoff > 0 {
		delay = min(delay, d.retry.MaxBackoff)
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
