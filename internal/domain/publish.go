package domain

import "time"

// Destination is one delivery target of a channel, e.g. a Telegram chat or a Kafka topic.
type Destination struct {
	Channel string            `json:"channel" yaml:"channel"`
	Scope   string            `json:"scope" yaml:"scope"`
	Target  string            `json:"target" yaml:"target"`
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

func (d Destination) String() string {
	if d.Scope == "" {
		return d.Channel + ":" + d.Target
	}
	return d.Channel + "/" + d.Scope + ":" + d.Target
}

type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeDelivered
	// OutcomeDuplicate means the destination rejected the item as already posted.
	// It counts as delivered.
	OutcomeDuplicate
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Confirmed reports whether the outcome counts toward full confirmation.
func (o Outcome) Confirmed() bool {
	return o == OutcomeDelivered || o == OutcomeDuplicate
}

// PublishAttempt records the result of dispatching one article to one destination within a cycle.
type PublishAttempt struct {
	ArticleID   string
	Destination Destination
	Outcome     Outcome
	Attempts    int
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}
