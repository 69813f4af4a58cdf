package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"golang.org/x/time/rate"

	"feed_relay/internal/config"
	"feed_relay/internal/domain"
	"feed_relay/internal/normalize"
	"feed_relay/internal/service/mocks"
	"feed_relay/internal/source/rss"
	"feed_relay/internal/storage/file"
)

var (
	telegramDest = domain.Destination{Channel: "telegram", Scope: "main", Target: "@news"}
	discordDest  = domain.Destination{Channel: "discord", Scope: "main", Target: "https://discord.test/hook"}
	base         = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
)

type RelayTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	source   *mocks.MockSource
	router   *mocks.MockRouter
	telegram *mocks.MockPublisher
	discord  *mocks.MockPublisher

	store       *file.Store
	syncCfg     config.SyncConfig
	dispatchCfg config.DispatchConfig
	logger      *slog.Logger

	mu        sync.Mutex
	published map[string][]string // channel -> article ids in call order
}

func (s *RelayTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.source = mocks.NewMockSource(s.ctrl)
	s.router = mocks.NewMockRouter(s.ctrl)
	s.telegram = mocks.NewMockPublisher(s.ctrl)
	s.discord = mocks.NewMockPublisher(s.ctrl)

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.store = file.New(filepath.Join(s.T().TempDir(), "state.json"), s.logger)

	s.syncCfg = config.SyncConfig{MaxPerCycle: 20}
	s.dispatchCfg = config.DispatchConfig{
		Timeout: time.Second,
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}
	s.published = make(map[string][]string)

	s.source.EXPECT().URL().Return("https://example.com/feed.xml").AnyTimes()
	s.router.EXPECT().Destinations().Return([]domain.Destination{telegramDest, discordDest}).AnyTimes()
}

func (s *RelayTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestRelayTestSuite(t *testing.T) {
	suite.Run(t, new(RelayTestSuite))
}

func (s *RelayTestSuite) relay(opts ...Option) *Relay {
	return NewRelay(
		s.source,
		normalize.New().WithClock(func() time.Time { return base }),
		s.store,
		s.router,
		map[string]Publisher{"telegram": s.telegram, "discord": s.discord},
		s.logger,
		s.syncCfg,
		s.dispatchCfg,
		opts...,
	)
}

func item(id string, at time.Time) *gofeed.Item {
	return &gofeed.Item{
		GUID:            id,
		Title:           "Title " + id,
		Link:            "https://example.com/" + id,
		PublishedParsed: &at,
	}
}

func (s *RelayTestSuite) feed(etag string, items ...*gofeed.Item) {
	s.source.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(&rss.FetchResult{
		Entries:   items,
		FeedLink:  "https://example.com",
		Validator: domain.Validator{ETag: etag},
	}, nil)
}

// seed stores a committed state as a previous run would have left it.
func (s *RelayTestSuite) seed(etag string, lastSeen time.Time, ids ...string) {
	v := domain.Validator{ETag: etag}
	_, err := s.store.Commit(context.Background(), domain.Commit{
		IDs:        ids,
		Validator:  &v,
		LastSeenID: ids[len(ids)-1],
		LastSeenAt: lastSeen,
	})
	s.Require().NoError(err)
}

func (s *RelayTestSuite) record(channel string) func(context.Context, *domain.Article, domain.Destination) (domain.Outcome, error) {
	return func(_ context.Context, a *domain.Article, _ domain.Destination) (domain.Outcome, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.published[channel] = append(s.published[channel], a.ID)
		return domain.OutcomeDelivered, nil
	}
}

func (s *RelayTestSuite) acceptAll() {
	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).DoAndReturn(s.record("telegram")).AnyTimes()
	s.discord.EXPECT().Publish(gomock.Any(), gomock.Any(), discordDest).DoAndReturn(s.record("discord")).AnyTimes()
}

func (s *RelayTestSuite) state() *domain.CursorState {
	state, err := s.store.Load(context.Background())
	s.Require().NoError(err)
	return state
}

func (s *RelayTestSuite) TestCycle_ColdStartRecordsFeedWithoutPublishing() {
	s.feed(`"v1"`,
		item("c", base.Add(3*time.Hour)),
		item("b", base.Add(2*time.Hour)),
		item("a", base.Add(time.Hour)),
	)

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.True(stats.ColdStart)
	s.True(stats.Committed)
	s.Zero(stats.Dispatched)

	state := s.state()
	s.False(state.IsColdStart())
	s.ElementsMatch([]string{"a", "b", "c"}, state.PublishedIDs)
	s.Equal("c", state.LastSeenID)
	s.True(base.Add(3 * time.Hour).Equal(state.LastSeenAt))
	s.Equal(`"v1"`, state.Validator.ETag)
}

func (s *RelayTestSuite) TestCycle_ColdStartOnEmptyFeedStillCommits() {
	s.feed(`"v1"`)

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.True(stats.ColdStart)
	s.False(s.state().IsColdStart())
}

func (s *RelayTestSuite) TestCycle_DispatchesOldestFirst() {
	s.seed(`"v1"`, base, "a")
	s.acceptAll()
	s.feed(`"v2"`,
		item("d", base.Add(3*time.Hour)),
		item("c", base.Add(3*time.Hour)),
		item("b", base.Add(2*time.Hour)),
		item("a", base),
	)

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(3, stats.New)
	s.Equal(3, stats.Confirmed)
	s.Equal([]string{"b", "c", "d"}, s.published["telegram"])
	s.Equal([]string{"b", "c", "d"}, s.published["discord"])

	state := s.state()
	s.Equal([]string{"a", "b", "c", "d"}, state.PublishedIDs)
	s.Equal("d", state.LastSeenID)
	s.Equal(`"v2"`, state.Validator.ETag)
	s.Equal(3, stats.PerChannel["telegram"].Delivered)
}

func (s *RelayTestSuite) TestCycle_IsIdempotent() {
	s.seed(`"v1"`, base, "a")
	s.acceptAll()
	items := []*gofeed.Item{item("b", base.Add(time.Hour)), item("a", base)}
	s.feed(`"v2"`, items...)
	s.feed(`"v2"`, items...)

	relay := s.relay()
	first, err := relay.Cycle(context.Background())
	s.Require().NoError(err)
	second, err := relay.Cycle(context.Background())
	s.Require().NoError(err)

	s.Equal(1, first.Dispatched)
	s.Zero(second.New)
	s.Zero(second.Dispatched)
	s.False(second.Committed)
	s.Equal([]string{"b"}, s.published["telegram"])
}

func (s *RelayTestSuite) TestCycle_CommitsOnlyWhenEveryDestinationConfirms() {
	s.seed(`"v1"`, base, "a")
	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).DoAndReturn(s.record("telegram")).Times(2)
	s.discord.EXPECT().Publish(gomock.Any(), gomock.Any(), discordDest).DoAndReturn(
		func(_ context.Context, a *domain.Article, _ domain.Destination) (domain.Outcome, error) {
			if a.ID == "b" {
				return domain.OutcomeFatal, domain.NewFatal(errors.New("webhook deleted"))
			}
			return domain.OutcomeDelivered, nil
		},
	).Times(2)
	s.feed(`"v2"`,
		item("c", base.Add(2*time.Hour)),
		item("b", base.Add(time.Hour)),
		item("a", base),
	)

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(1, stats.Confirmed)
	s.Equal(1, stats.Failed)
	s.Equal(1, stats.PerChannel["discord"].Failed)

	state := s.state()
	s.False(state.IsPublished("b"))
	s.True(state.IsPublished("c"))
	// b still sits above the high-water mark so the next cycle retries it
	s.Equal("a", state.LastSeenID)
	s.Equal(`"v1"`, state.Validator.ETag)
}

func (s *RelayTestSuite) TestCycle_RetriesFailedArticleNextCycle() {
	s.seed(`"v1"`, base, "a")
	calls := 0
	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).DoAndReturn(s.record("telegram")).Times(2)
	s.discord.EXPECT().Publish(gomock.Any(), gomock.Any(), discordDest).DoAndReturn(
		func(context.Context, *domain.Article, domain.Destination) (domain.Outcome, error) {
			calls++
			if calls == 1 {
				return domain.OutcomeFatal, domain.NewFatal(errors.New("rejected"))
			}
			return domain.OutcomeDuplicate, nil
		},
	).Times(2)
	items := []*gofeed.Item{item("b", base.Add(time.Hour)), item("a", base)}
	s.feed(`"v2"`, items...)
	s.feed(`"v2"`, items...)

	relay := s.relay()
	first, err := relay.Cycle(context.Background())
	s.Require().NoError(err)
	second, err := relay.Cycle(context.Background())
	s.Require().NoError(err)

	s.Equal(1, first.Failed)
	s.False(first.Committed)
	s.Equal(1, second.Confirmed)
	s.Equal(1, second.PerChannel["discord"].Duplicates)

	state := s.state()
	s.True(state.IsPublished("b"))
	s.Equal("b", state.LastSeenID)
	s.Equal(`"v2"`, state.Validator.ETag)
}

func (s *RelayTestSuite) TestCycle_RetryableErrorsAreRetried() {
	s.seed(`"v1"`, base, "a")
	attempts := 0
	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).DoAndReturn(
		func(context.Context, *domain.Article, domain.Destination) (domain.Outcome, error) {
			attempts++
			if attempts < 3 {
				return domain.OutcomeRetryable, domain.NewRetryAfter(errors.New("flood"), time.Millisecond)
			}
			return domain.OutcomeDelivered, nil
		},
	).Times(3)
	s.discord.EXPECT().Publish(gomock.Any(), gomock.Any(), discordDest).Return(domain.OutcomeDelivered, nil)
	s.feed(`"v2"`, item("b", base.Add(time.Hour)), item("a", base))

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(1, stats.Confirmed)
	s.True(s.state().IsPublished("b"))
}

func (s *RelayTestSuite) TestCycle_FatalErrorsAreNotRetried() {
	s.seed(`"v1"`, base, "a")
	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).
		Return(domain.OutcomeFatal, domain.NewFatal(errors.New("chat not found"))).Times(1)
	s.discord.EXPECT().Publish(gomock.Any(), gomock.Any(), discordDest).Return(domain.OutcomeDelivered, nil)
	s.feed(`"v2"`, item("b", base.Add(time.Hour)), item("a", base))

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(1, stats.Failed)
	s.False(s.state().IsPublished("b"))
}

func (s *RelayTestSuite) TestCycle_TimeoutCountsAsRetryable() {
	s.seed(`"v1"`, base, "a")
	s.dispatchCfg.Timeout = 10 * time.Millisecond
	s.dispatchCfg.Retry.MaxAttempts = 1
	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).DoAndReturn(
		func(ctx context.Context, _ *domain.Article, _ domain.Destination) (domain.Outcome, error) {
			<-ctx.Done()
			return domain.OutcomeUnknown, ctx.Err()
		},
	)
	s.discord.EXPECT().Publish(gomock.Any(), gomock.Any(), discordDest).Return(domain.OutcomeDelivered, nil)
	s.feed(`"v2"`, item("b", base.Add(time.Hour)), item("a", base))

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(1, stats.Failed)
	s.Equal(1, stats.PerChannel["telegram"].Failed)
	s.False(s.state().IsPublished("b"))
}

func (s *RelayTestSuite) TestCycle_CollapsesDuplicateIdentities() {
	s.seed(`"v1"`, base, "a")
	s.acceptAll()
	dup := item("b", base.Add(2*time.Hour))
	dup.Title = "Edited title"
	s.feed(`"v2"`, dup, item("b", base.Add(time.Hour)), item("a", base))

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(1, stats.Duplicates)
	s.Equal(1, stats.Dispatched)
	s.Equal([]string{"b"}, s.published["telegram"])
	s.Equal([]string{"a", "b"}, s.state().PublishedIDs)
}

func (s *RelayTestSuite) TestCycle_DeliversEntriesBehindHighWaterMark() {
	s.seed(`"v1"`, base.Add(2*time.Hour), "x")
	s.acceptAll()
	s.feed(`"v2"`, item("x", base.Add(2*time.Hour)), item("late", base.Add(time.Hour)))

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(1, stats.New)
	s.Equal(1, stats.Late)
	s.Equal([]string{"late"}, s.published["telegram"])
	s.Equal([]string{"late"}, s.published["discord"])

	state := s.state()
	s.True(state.IsPublished("late"))
	s.Equal("x", state.LastSeenID, "an older entry never moves the high-water mark back")
	s.Equal(`"v2"`, state.Validator.ETag)
}

func (s *RelayTestSuite) TestCycle_UndatedEntryDoesNotHideOlderOnes() {
	s.seed(`"v1"`, base.Add(-time.Hour), "a")
	s.acceptAll()
	undated := item("undated", base)
	undated.PublishedParsed = nil
	s.feed(`"v2"`, undated, item("b", base.Add(-30*time.Minute)), item("a", base.Add(-time.Hour)))

	stats, err := s.relay().Cycle(context.Background())
	s.Require().NoError(err)
	s.Equal(2, stats.Confirmed)

	// the undated entry took the fetch time as its date; a backdated entry
	// arriving afterwards is still delivered
	s.feed(`"v3"`, item("c", base.Add(-20*time.Minute)), undated, item("b", base.Add(-30*time.Minute)))
	stats, err = s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(1, stats.Late)
	s.Equal([]string{"b", "undated", "c"}, s.published["telegram"])
}

func (s *RelayTestSuite) TestCycle_SkipsMalformedEntries() {
	s.seed(`"v1"`, base, "a")
	s.acceptAll()
	broken := item("x", base.Add(time.Hour))
	broken.Link = ""
	s.feed(`"v2"`, broken, item("b", base.Add(time.Hour)), item("a", base))

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(3, stats.Fetched)
	s.Equal(1, stats.Skipped)
	s.Equal([]string{"b"}, s.published["telegram"])
}

func (s *RelayTestSuite) TestCycle_NotModifiedDoesNothing() {
	s.seed(`"v1"`, base, "a")
	s.source.EXPECT().Fetch(gomock.Any(), domain.Validator{ETag: `"v1"`}).
		Return(&rss.FetchResult{NotModified: true, Validator: domain.Validator{ETag: `"v1"`}}, nil)

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.True(stats.NotModified)
	s.False(stats.Committed)
}

func (s *RelayTestSuite) TestCycle_FetchErrorLeavesStateUntouched() {
	s.seed(`"v1"`, base, "a")
	before, err := os.ReadFile(s.store.Path())
	s.Require().NoError(err)
	s.source.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(nil, &domain.FetchError{URL: "https://example.com/feed.xml", StatusCode: 502, Err: errors.New("bad gateway")})

	stats, err := s.relay().Cycle(context.Background())

	s.Require().Error(err)
	var fe *domain.FetchError
	s.ErrorAs(err, &fe)
	s.False(stats.Committed)

	after, err := os.ReadFile(s.store.Path())
	s.Require().NoError(err)
	s.Equal(before, after)
}

func (s *RelayTestSuite) TestCycle_CorruptStateFailsClosed() {
	store := mocks.NewMockStateStore(s.ctrl)
	store.EXPECT().Load(gomock.Any()).
		Return(nil, &domain.StateCorruptError{Location: "state.json", Err: errors.New("bad json")})

	relay := NewRelay(s.source, normalize.New(), store, s.router,
		map[string]Publisher{"telegram": s.telegram}, s.logger, s.syncCfg, s.dispatchCfg)

	_, err := relay.Cycle(context.Background())

	s.Require().Error(err)
	s.True(domain.IsStateCorrupt(err))
}

func (s *RelayTestSuite) TestCycle_MaxPerCycleDefersTheRest() {
	s.seed(`"v1"`, base, "a")
	s.syncCfg.MaxPerCycle = 2
	s.acceptAll()
	s.feed(`"v2"`,
		item("d", base.Add(3*time.Hour)),
		item("c", base.Add(2*time.Hour)),
		item("b", base.Add(time.Hour)),
		item("a", base),
	)

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(3, stats.New)
	s.Equal(2, stats.Dispatched)
	s.Equal(1, stats.Deferred)
	s.Equal([]string{"b", "c"}, s.published["telegram"])

	state := s.state()
	s.Equal("c", state.LastSeenID)
	s.Equal(`"v1"`, state.Validator.ETag)
}

func (s *RelayTestSuite) TestCycle_NoDestinationsLeavesDeltaPending() {
	s.seed(`"v1"`, base, "a")
	router := mocks.NewMockRouter(s.ctrl)
	router.EXPECT().Destinations().Return(nil)
	s.feed(`"v2"`, item("b", base.Add(time.Hour)), item("a", base))

	relay := NewRelay(s.source, normalize.New(), s.store, router,
		map[string]Publisher{"telegram": s.telegram}, s.logger, s.syncCfg, s.dispatchCfg)
	stats, err := relay.Cycle(context.Background())

	s.Require().NoError(err)
	s.False(stats.Committed)
	s.False(s.state().IsPublished("b"))
}

func (s *RelayTestSuite) TestCycle_UnregisteredChannelIsFatal() {
	s.seed(`"v1"`, base, "a")
	router := mocks.NewMockRouter(s.ctrl)
	router.EXPECT().Destinations().Return([]domain.Destination{telegramDest, {Channel: "kafka", Target: "articles"}})
	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).Return(domain.OutcomeDelivered, nil)
	s.feed(`"v2"`, item("b", base.Add(time.Hour)), item("a", base))

	relay := NewRelay(s.source, normalize.New(), s.store, router,
		map[string]Publisher{"telegram": s.telegram}, s.logger, s.syncCfg, s.dispatchCfg)
	stats, err := relay.Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(1, stats.Failed)
	s.Equal(1, stats.PerChannel["kafka"].Failed)
}

func (s *RelayTestSuite) TestCycle_PacesArticles() {
	s.seed(`"v1"`, base, "a")
	s.dispatchCfg.Pace = 40 * time.Millisecond

	var (
		mu    sync.Mutex
		times []time.Time
	)
	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).DoAndReturn(
		func(context.Context, *domain.Article, domain.Destination) (domain.Outcome, error) {
			mu.Lock()
			defer mu.Unlock()
			times = append(times, time.Now())
			return domain.OutcomeDelivered, nil
		},
	).Times(3)
	s.discord.EXPECT().Publish(gomock.Any(), gomock.Any(), discordDest).Return(domain.OutcomeDelivered, nil).Times(3)
	s.feed(`"v2"`,
		item("d", base.Add(3*time.Hour)),
		item("c", base.Add(2*time.Hour)),
		item("b", base.Add(time.Hour)),
		item("a", base),
	)

	_, err := s.relay().Cycle(context.Background())
	s.Require().NoError(err)

	s.Require().Len(times, 3)
	for i := 1; i < len(times); i++ {
		s.GreaterOrEqual(times[i].Sub(times[i-1]), 30*time.Millisecond)
	}
}

func (s *RelayTestSuite) TestNewRelay_NegativePaceDisablesPacing() {
	s.dispatchCfg.Pace = -time.Second
	s.Equal(rate.Inf, s.relay().limiter.Limit())

	s.dispatchCfg.Pace = time.Second
	s.Equal(rate.Every(time.Second), s.relay().limiter.Limit())
}

func (s *RelayTestSuite) TestCycle_CancelBetweenArticlesCommitsConfirmed() {
	s.seed(`"v1"`, base, "a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).DoAndReturn(
		func(callCtx context.Context, _ *domain.Article, _ domain.Destination) (domain.Outcome, error) {
			cancel()
			// the send itself is detached from the cycle context
			if callCtx.Err() != nil {
				return domain.OutcomeRetryable, callCtx.Err()
			}
			return domain.OutcomeDelivered, nil
		},
	).Times(1)
	s.discord.EXPECT().Publish(gomock.Any(), gomock.Any(), discordDest).Return(domain.OutcomeDelivered, nil).Times(1)
	s.feed(`"v2"`,
		item("c", base.Add(2*time.Hour)),
		item("b", base.Add(time.Hour)),
		item("a", base),
	)

	stats, err := s.relay().Cycle(ctx)

	s.Require().NoError(err)
	s.Equal(1, stats.Confirmed)
	s.True(stats.Committed)

	state := s.state()
	s.True(state.IsPublished("b"))
	s.False(state.IsPublished("c"))
	s.Equal(`"v1"`, state.Validator.ETag)
}

func (s *RelayTestSuite) TestResync_RecordsFeedWithoutPublishing() {
	s.seed(`"v1"`, base, "a")
	s.source.EXPECT().Fetch(gomock.Any(), domain.Validator{}).Return(&rss.FetchResult{
		Entries:   []*gofeed.Item{item("c", base.Add(2*time.Hour)), item("b", base.Add(time.Hour))},
		Validator: domain.Validator{ETag: `"v3"`},
	}, nil)

	stats, err := s.relay().Resync(context.Background())

	s.Require().NoError(err)
	s.True(stats.Committed)

	state := s.state()
	s.Equal([]string{"a", "c", "b"}, state.PublishedIDs)
	s.Equal("c", state.LastSeenID)
	s.Equal(`"v3"`, state.Validator.ETag)
}

func (s *RelayTestSuite) TestCycle_LeaseHeldElsewhere() {
	locker := mocks.NewMockLocker(s.ctrl)
	locker.EXPECT().TryLock(gomock.Any()).Return(nil, false, nil)

	_, err := s.relay(WithLocker(locker)).Cycle(context.Background())

	s.ErrorIs(err, ErrLeaseHeld)
}

func (s *RelayTestSuite) TestCycle_ReportsHealth() {
	s.seed(`"v1"`, base, "a")
	health := mocks.NewMockHealthRecorder(s.ctrl)
	health.EXPECT().RecordSuccess("telegram")
	health.EXPECT().RecordFailure("discord", gomock.Any())
	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).Return(domain.OutcomeDelivered, nil)
	s.discord.EXPECT().Publish(gomock.Any(), gomock.Any(), discordDest).
		Return(domain.OutcomeFatal, domain.NewFatal(errors.New("gone")))
	s.feed(`"v2"`, item("b", base.Add(time.Hour)), item("a", base))

	_, err := s.relay(WithHealth(health)).Cycle(context.Background())

	s.Require().NoError(err)
}

func (s *RelayTestSuite) TestCycle_FansOutConcurrentlyAndJoinsBeforeCommit() {
	s.seed(`"v1"`, base, "a")

	var arrived sync.WaitGroup
	arrived.Add(2)
	bothCalled := make(chan struct{})
	go func() {
		arrived.Wait()
		close(bothCalled)
	}()

	rendezvous := func(ctx context.Context) error {
		arrived.Done()
		select {
		case <-bothCalled:
			return nil
		case <-ctx.Done():
			return domain.NewRetryable(errors.New("other destination was never called"))
		}
	}

	s.dispatchCfg.Retry.MaxAttempts = 1
	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).DoAndReturn(
		func(ctx context.Context, _ *domain.Article, _ domain.Destination) (domain.Outcome, error) {
			if err := rendezvous(ctx); err != nil {
				return domain.OutcomeRetryable, err
			}
			return domain.OutcomeDelivered, nil
		},
	)
	s.discord.EXPECT().Publish(gomock.Any(), gomock.Any(), discordDest).DoAndReturn(
		func(ctx context.Context, _ *domain.Article, _ domain.Destination) (domain.Outcome, error) {
			if err := rendezvous(ctx); err != nil {
				return domain.OutcomeRetryable, err
			}
			// the slower destination decides the outcome
			time.Sleep(50 * time.Millisecond)
			return domain.OutcomeFatal, domain.NewFatal(errors.New("webhook deleted"))
		},
	)
	s.feed(`"v2"`, item("b", base.Add(time.Hour)), item("a", base))

	stats, err := s.relay().Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(1, stats.PerChannel["telegram"].Delivered)
	s.Equal(1, stats.PerChannel["discord"].Failed)
	s.Equal(1, stats.Failed)
	s.Zero(stats.Confirmed)
	s.False(s.state().IsPublished("b"))
}

func (s *RelayTestSuite) TestCycle_ResolvesRelativeLinksAgainstConfiguredBase() {
	s.seed(`"v1"`, base, "a")
	rel := item("b", base.Add(time.Hour))
	rel.Link = "/posts/b"
	s.source.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(&rss.FetchResult{
		Entries:   []*gofeed.Item{rel, item("a", base)},
		Validator: domain.Validator{ETag: `"v2"`},
	}, nil)

	var links []string
	s.telegram.EXPECT().Publish(gomock.Any(), gomock.Any(), telegramDest).DoAndReturn(
		func(_ context.Context, a *domain.Article, _ domain.Destination) (domain.Outcome, error) {
			links = append(links, a.Link)
			return domain.OutcomeDelivered, nil
		},
	)
	s.discord.EXPECT().Publish(gomock.Any(), gomock.Any(), discordDest).Return(domain.OutcomeDelivered, nil)

	stats, err := s.relay(WithBaseURL("https://news.example.org")).Cycle(context.Background())

	s.Require().NoError(err)
	s.Equal(1, stats.Confirmed)
	s.Equal([]string{"https://news.example.org/posts/b"}, links)
}
