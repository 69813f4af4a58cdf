package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Alerter delivers operator notices. exclude names a channel that must not
// carry the notice, usually the one that is failing.
type Alerter interface {
	Alert(ctx context.Context, exclude, message string)
}

// Health tracks consecutive publish failures per channel. It raises an alert
// once when a channel crosses the threshold and a recovery notice when it
// succeeds again. Notices are logged and, with an Alerter, sent out.
type Health struct {
	threshold    int
	now          func() time.Time
	logger       *slog.Logger
	alerter      Alerter
	alertTimeout time.Duration

	mu       sync.Mutex
	channels map[string]*channelHealth
}

type channelHealth struct {
	failures    int
	alerted     bool
	lastError   string
	lastSuccess time.Time
	lastFailure time.Time
}

// ChannelStatus is a point-in-time view of one channel.
type ChannelStatus struct {
	Channel             string    `json:"channel"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

func New(threshold int, logger *slog.Logger) *Health {
	if threshold < 1 {
		threshold = 1
	}
	return &Health{
		threshold: threshold,
		now:       time.Now,
		logger:    logger,
		channels:  make(map[string]*channelHealth),
	}
}

// WithAlerter sends threshold and recovery notices through a. Each send is
// bounded by timeout and runs off the caller's goroutine.
func (h *Health) WithAlerter(a Alerter, timeout time.Duration) *Health {
	h.alerter = a
	h.alertTimeout = timeout
	return h
}

func (h *Health) notify(exclude, message string) {
	if h.alerter == nil {
		return
	}
	go func() {
		ctx := context.Background()
		if h.alertTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.alertTimeout)
			defer cancel()
		}
		h.alerter.Alert(ctx, exclude, message)
	}()
}

func (h *Health) get(channel string) *channelHealth {
	c, ok := h.channels[channel]
	if !ok {
		c = &channelHealth{}
		h.channels[channel] = c
	}
	return c
}

func (h *Health) RecordSuccess(channel string) {
	h.mu.Lock()
	c := h.get(channel)
	recovered, failures := c.alerted, c.failures
	c.failures = 0
	c.alerted = false
	c.lastError = ""
	c.lastSuccess = h.now()
	h.mu.Unlock()

	if recovered {
		h.logger.Info("channel recovered",
			"channel", channel,
			"failures", failures,
		)
		h.notify("", fmt.Sprintf("%s is delivering again after %d consecutive failures.", channel, failures))
	}
}

func (h *Health) RecordFailure(channel string, err error) {
	h.mu.Lock()
	c := h.get(channel)
	c.failures++
	c.lastFailure = h.now()
	if err != nil {
		c.lastError = err.Error()
	}
	crossed := c.failures >= h.threshold && !c.alerted
	if crossed {
		c.alerted = true
	}
	failures, lastError := c.failures, c.lastError
	h.mu.Unlock()

	if crossed {
		h.logger.Error("channel failing repeatedly",
			"channel", channel,
			"consecutive_failures", failures,
			"last_error", lastError,
		)
		h.notify(channel, fmt.Sprintf("%s failed %d times in a row. Last error: %s", channel, failures, lastError))
	}
}

// Status returns every channel seen so far, sorted by name.
func (h *Health) Status() []ChannelStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ChannelStatus, 0, len(h.channels))
	for name, c := range h.channels {
		out = append(out, ChannelStatus{
			Channel:             name,
			Healthy:             c.failures < h.threshold,
			ConsecutiveFailures: c.failures,
			LastError:           c.lastError,
			LastSuccess:         c.lastSuccess,
			LastFailure:         c.lastFailure,
		})
	}
	slices.SortFunc(out, func(a, b ChannelStatus) int {
		if a.Channel < b.Channel {
			return -1
		}
		if a.Channel > b.Channel {
			return 1
		}
		return 0
	})
	return out
}
