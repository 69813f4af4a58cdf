package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"github.com/mmcdole/gofeed"

	"feed_relay/internal/domain"
	"feed_relay/internal/source/rss"
)

type Source interface {
	URL() string
	Fetch(ctx context.Context, last domain.Validator) (*rss.FetchResult, error)
}

type Normalizer interface {
	Normalize(item *gofeed.Item, base string) (*domain.Article, error)
}

type StateStore interface {
	Load(ctx context.Context) (*domain.CursorState, error)
	Commit(ctx context.Context, c domain.Commit) (*domain.CursorState, error)
}

type Publisher interface {
	Publish(ctx context.Context, article *domain.Article, dest domain.Destination) (domain.Outcome, error)
}

// Router resolves the destinations of every enabled channel.
type Router interface {
	Destinations() []domain.Destination
}

// Locker guards a cycle against relays running in other processes.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

type HealthRecorder interface {
	RecordSuccess(channel string)
	RecordFailure(channel string, err error)
}
