package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"feed_relay/internal/config"
	"feed_relay/internal/domain"
	"feed_relay/internal/source/rss"
)

// ErrLeaseHeld is returned when another process is running a cycle.
var ErrLeaseHeld = errors.New("cycle lease held by another relay")

type Relay struct {
	source     Source
	normalizer Normalizer
	store      StateStore
	router     Router
	dispatcher *dispatcher
	limiter    *rate.Limiter
	locker     Locker
	health     HealthRecorder
	baseURL    string
	logger     *slog.Logger
	config     config.SyncConfig
	now        func() time.Time

	mu sync.Mutex

	lastMu sync.RWMutex
	last   *domain.CycleStats
}

type Option func(*Relay)

func WithLocker(l Locker) Option {
	return func(r *Relay) { r.locker = l }
}

func WithHealth(h HealthRecorder) Option {
	return func(r *Relay) { r.health = h }
}

// WithBaseURL sets the base for relative links when the feed names no link of its own.
func WithBaseURL(u string) Option {
	return func(r *Relay) { r.baseURL = u }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
		r.dispatcher.now = now
	}
}

func NewRelay(
	source Source,
	normalizer Normalizer,
	store StateStore,
	router Router,
	publishers map[string]Publisher,
	logger *slog.Logger,
	syncCfg config.SyncConfig,
	dispatchCfg config.DispatchConfig,
	opts ...Option,
) *Relay {
	logger = logger.With("feed", source.URL())

	limit := rate.Inf
	if dispatchCfg.Pace > 0 {
		limit = rate.Every(dispatchCfg.Pace)
	}

	r := &Relay{
		source:     source,
		normalizer: normalizer,
		store:      store,
		router:     router,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
		config:     syncCfg,
		now:        time.Now,
		dispatcher: &dispatcher{
			publishers: publishers,
			timeout:    dispatchCfg.Timeout,
			retry:      dispatchCfg.Retry,
			now:        time.Now,
			logger:     logger,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LastCycle returns the stats of the most recent cycle, or nil.
func (r *Relay) LastCycle() *domain.CycleStats {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.last
}

// Cycle runs one poll: fetch, diff against the stored cursor, dispatch the
// delta oldest first and commit what every destination confirmed.
func (r *Relay) Cycle(ctx context.Context) (*domain.CycleStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	release, err := r.lease(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	startTime := r.now()
	stats := &domain.CycleStats{CycleID: uuid.NewString()}
	logger := r.logger.With("cycle_id", stats.CycleID)

	err = r.cycle(ctx, stats, logger)
	stats.Duration = r.now().Sub(startTime)
	r.setLast(stats)

	if err != nil {
		return stats, err
	}

	logger.Info("cycle completed",
		"fetched", stats.Fetched,
		"skipped", stats.Skipped,
		"duplicates", stats.Duplicates,
		"new", stats.New,
		"late", stats.Late,
		"dispatched", stats.Dispatched,
		"confirmed", stats.Confirmed,
		"failed", stats.Failed,
		"deferred", stats.Deferred,
		"cold_start", stats.ColdStart,
		"not_modified", stats.NotModified,
		"committed", stats.Committed,
		"per_channel", channelSummary(stats.PerChannel),
		"duration", stats.Duration,
	)
	return stats, nil
}

func (r *Relay) cycle(ctx context.Context, stats *domain.CycleStats, logger *slog.Logger) error {
	state, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	result, err := r.source.Fetch(ctx, state.Validator)
	if err != nil {
		logger.Warn("fetch failed, skipping cycle", "error", err)
		return fmt.Errorf("fetch feed: %w", err)
	}
	if result.NotModified {
		stats.NotModified = true
		return nil
	}

	articles := r.normalize(result, stats, logger)

	if state.IsColdStart() {
		stats.ColdStart = true
		logger.Info("cold start, recording current feed without publishing", "articles", len(articles))
		return r.commitAll(ctx, articles, result.Validator, stats)
	}

	delta, late := pending(state, articles)
	stats.New = len(delta)
	stats.Late = len(late)
	for _, a := range late {
		logger.Warn("new entry is older than the high-water mark",
			"article_id", a.ID,
			"published_at", a.PublishedAt,
			"last_seen_id", state.LastSeenID,
			"last_seen_at", state.LastSeenAt,
		)
	}

	batch := delta
	if r.config.MaxPerCycle > 0 && len(batch) > r.config.MaxPerCycle {
		batch = batch[:r.config.MaxPerCycle]
		stats.Deferred = len(delta) - len(batch)
	}

	var dests []domain.Destination
	if len(batch) > 0 {
		dests = r.router.Destinations()
		if len(dests) == 0 {
			logger.Warn("no enabled destinations, leaving new articles pending", "new", len(delta))
			return nil
		}
	}

	var (
		confirmed []string
		hwm       *domain.Article
		broken    bool
		stopped   bool
	)

	for _, article := range batch {
		if ctx.Err() != nil {
			stopped = true
			break
		}
		if err := r.limiter.Wait(ctx); err != nil {
			stopped = true
			break
		}

		attempts := r.dispatcher.dispatch(ctx, article, dests)
		stats.Dispatched++

		if r.record(attempts, stats, logger) {
			confirmed = append(confirmed, article.ID)
			stats.Confirmed++
			if !broken {
				hwm = article
			}
		} else {
			stats.Failed++
			broken = true
		}
	}

	if stopped {
		logger.Info("cycle interrupted, committing confirmed articles", "confirmed", len(confirmed))
	}

	c := domain.Commit{IDs: confirmed}
	if hwm != nil {
		c.LastSeenID, c.LastSeenAt = hwm.ID, hwm.PublishedAt
	}
	drained := !stopped && !broken && stats.Deferred == 0
	if drained && result.Validator != state.Validator {
		v := result.Validator
		c.Validator = &v
	}
	if c.Empty() {
		return nil
	}

	// the commit must land even when ctx was cancelled during dispatch
	if _, err := r.store.Commit(context.WithoutCancel(ctx), c); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	stats.Committed = true
	return nil
}

// Resync marks everything currently in the feed as published without
// invoking any publisher.
func (r *Relay) Resync(ctx context.Context) (*domain.CycleStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	release, err := r.lease(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	startTime := r.now()
	stats := &domain.CycleStats{CycleID: uuid.NewString()}
	logger := r.logger.With("cycle_id", stats.CycleID)

	if _, err := r.store.Load(ctx); err != nil {
		return stats, fmt.Errorf("load state: %w", err)
	}

	result, err := r.source.Fetch(ctx, domain.Validator{})
	if err != nil {
		return stats, fmt.Errorf("fetch feed: %w", err)
	}

	articles := r.normalize(result, stats, logger)
	if err := r.commitAll(ctx, articles, result.Validator, stats); err != nil {
		return stats, err
	}
	stats.Duration = r.now().Sub(startTime)
	r.setLast(stats)

	logger.Info("resync completed", "recorded", len(articles), "duration", stats.Duration)
	return stats, nil
}

// commitAll records every article as published, moves the high-water mark to
// the newest one and stores the validator. It always commits, so a cold start
// on an empty feed still leaves a committed state behind.
func (r *Relay) commitAll(ctx context.Context, articles []*domain.Article, v domain.Validator, stats *domain.CycleStats) error {
	c := domain.Commit{
		IDs:       make([]string, 0, len(articles)),
		Validator: &v,
	}
	var newest *domain.Article
	for _, a := range articles {
		c.IDs = append(c.IDs, a.ID)
		if newest == nil || a.PublishedAt.After(newest.PublishedAt) {
			newest = a
		}
	}
	if newest != nil {
		c.LastSeenID, c.LastSeenAt = newest.ID, newest.PublishedAt
	}

	if _, err := r.store.Commit(context.WithoutCancel(ctx), c); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	stats.Committed = true
	return nil
}

// normalize converts feed entries to articles in feed order. Entries that
// fail to normalize are skipped and repeated ids keep their first occurrence.
func (r *Relay) normalize(result *rss.FetchResult, stats *domain.CycleStats, logger *slog.Logger) []*domain.Article {
	stats.Fetched = len(result.Entries)

	base := result.FeedLink
	if base == "" {
		base = r.baseURL
	}

	seen := make(map[string]struct{}, len(result.Entries))
	articles := make([]*domain.Article, 0, len(result.Entries))
	for _, entry := range result.Entries {
		article, err := r.normalizer.Normalize(entry, base)
		if err != nil {
			stats.Skipped++
			logger.Debug("skipping entry", "error", err)
			continue
		}
		if _, dup := seen[article.ID]; dup {
			stats.Duplicates++
			continue
		}
		seen[article.ID] = struct{}{}
		articles = append(articles, article)
	}
	return articles
}

// pending returns the articles not yet published, oldest first. Feeds list
// newest first, so equal timestamps keep the reversed feed order. The
// published ids alone decide what is new; the high-water mark only reports
// entries that showed up behind it.
func pending(state *domain.CursorState, articles []*domain.Article) (delta, late []*domain.Article) {
	for _, a := range articles {
		if state.IsPublished(a.ID) {
			continue
		}
		delta = append(delta, a)
		if !state.LastSeenAt.IsZero() && a.PublishedAt.Before(state.LastSeenAt) {
			late = append(late, a)
		}
	}

	slices.Reverse(delta)
	sort.SliceStable(delta, func(i, j int) bool {
		return delta[i].PublishedAt.Before(delta[j].PublishedAt)
	})
	return delta, late
}

// record folds the attempts of one article into stats and reports whether
// every destination confirmed it.
func (r *Relay) record(attempts []domain.PublishAttempt, stats *domain.CycleStats, logger *slog.Logger) bool {
	ok := true
	for _, a := range attempts {
		stats.Record(a)
		if a.Outcome.Confirmed() {
			if r.health != nil {
				r.health.RecordSuccess(a.Destination.Channel)
			}
			continue
		}

		ok = false
		if r.health != nil {
			r.health.RecordFailure(a.Destination.Channel, a.Err)
		}
		logger.Warn("publish failed",
			"article_id", a.ArticleID,
			"destination", a.Destination.String(),
			"outcome", a.Outcome.String(),
			"attempts", a.Attempts,
			"error", a.Err,
		)
	}
	return ok
}

func (r *Relay) lease(ctx context.Context) (func(), error) {
	if r.locker == nil {
		return func() {}, nil
	}
	release, ok, err := r.locker.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire cycle lease: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return release, nil
}

func (r *Relay) setLast(stats *domain.CycleStats) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	r.last = stats
}

func channelSummary(per map[string]*domain.ChannelStats) map[string]string {
	out := make(map[string]string, len(per))
	for ch, cs := range per {
		out[ch] = fmt.Sprintf("delivered=%d duplicate=%d failed=%d", cs.Delivered, cs.Duplicates, cs.Failed)
	}
	return out
}
