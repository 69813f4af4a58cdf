package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"feed_relay/internal/domain"
)

type RabbitMQ struct {
	mu         sync.Mutex
	cfg        RabbitMQConfig
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	dial       func(url string) (*amqp.Connection, error)
	routingKey string
}

type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
}

func NewRabbitMQ(cfg RabbitMQConfig, logger *slog.Logger) (*RabbitMQ, error) {
	r := &RabbitMQ{
		cfg:        cfg,
		logger:     logger,
		dial:       amqp.Dial,
		routingKey: cfg.RoutingKey,
	}
	if err := r.connect(); err != nil {
		return nil, err
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"queue", cfg.QueueName,
		"routing_key", cfg.RoutingKey,
	)
	return r, nil
}

// connect dials the broker, declares the topology and puts the channel in
// confirm mode. Caller holds mu or has exclusive access.
func (r *RabbitMQ) connect() error {
	conn, err := r.dial(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	fail := func(step string, err error) error {
		ch.Close()
		conn.Close()
		return fmt.Errorf("%s: %w", step, err)
	}

	if err := ch.ExchangeDeclare(r.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}

	q, err := ch.QueueDeclare(r.cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}

	if err := ch.QueueBind(q.Name, r.cfg.RoutingKey, r.cfg.Exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}

	if err := ch.Confirm(false); err != nil {
		return fail("enable publisher confirms", err)
	}

	r.conn = conn
	r.channel = ch
	return nil
}

func (r *RabbitMQ) ensureChannel() (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil && !r.channel.IsClosed() {
		return r.channel, nil
	}
	if r.conn != nil {
		r.conn.Close()
	}
	r.logger.Warn("rabbitmq channel closed, reconnecting", "exchange", r.cfg.Exchange)
	if err := r.connect(); err != nil {
		return nil, err
	}
	return r.channel, nil
}

type ArticleMessage struct {
	Action    string         `json:"action"`
	Article   ArticlePayload `json:"article"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publish sends the article to the exchange and waits for the broker confirm.
// A non-empty destination target overrides the configured routing key.
func (r *RabbitMQ) Publish(ctx context.Context, article *domain.Article, dest domain.Destination) (domain.Outcome, error) {
	routingKey := r.routingKey
	if dest.Target != "" {
		routingKey = dest.Target
	}

	msg := ArticleMessage{
		Action:    "publish",
		Article:   NewArticlePayload(article),
		Timestamp: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return domain.OutcomeFatal, domain.NewFatal(fmt.Errorf("marshal message: %w", err))
	}

	ch, err := r.ensureChannel()
	if err != nil {
		return domain.OutcomeRetryable, domain.NewRetryable(err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		r.cfg.Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    article.ID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return domain.OutcomeRetryable, domain.NewRetryable(fmt.Errorf("publish message: %w", err))
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return domain.OutcomeRetryable, domain.NewRetryable(fmt.Errorf("wait for confirm: %w", err))
	}
	if !acked {
		return domain.OutcomeRetryable, domain.NewRetryable(errors.New("broker nacked message"))
	}

	r.logger.Debug("published article",
		"article_id", article.ID,
		"routing_key", routingKey,
	)

	return domain.OutcomeDelivered, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
