package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"feed_relay/internal/domain"
)

type KafkaConfig struct {
	Brokers  []string
	ClientID string
}

// Kafka writes articles to the topic named by the destination target,
// keyed by article id so consumers can deduplicate.
type Kafka struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
}

func NewKafka(cfg KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	// retries are owned by the dispatcher
	sc.Producer.Retry.Max = 0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.Info("connected to kafka", "brokers", cfg.Brokers)
	return NewKafkaWithProducer(producer, logger), nil
}

func NewKafkaWithProducer(producer sarama.SyncProducer, logger *slog.Logger) *Kafka {
	return &Kafka{producer: producer, logger: logger}
}

func (k *Kafka) Publish(ctx context.Context, article *domain.Article, dest domain.Destination) (domain.Outcome, error) {
	if dest.Target == "" {
		return domain.OutcomeFatal, domain.NewFatal(fmt.Errorf("kafka topic: %w", errNoTarget))
	}
	if err := ctx.Err(); err != nil {
		return domain.OutcomeRetryable, domain.NewRetryable(err)
	}

	body, err := json.Marshal(NewArticlePayload(article))
	if err != nil {
		return domain.OutcomeFatal, domain.NewFatal(fmt.Errorf("marshal article: %w", err))
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: dest.Target,
		Key:   sarama.StringEncoder(article.ID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
	})
	if err != nil {
		err = fmt.Errorf("send to %s: %w", dest.Target, err)
		if isPermanentKafkaError(err) {
			return domain.OutcomeFatal, domain.NewFatal(err)
		}
		return domain.OutcomeRetryable, domain.NewRetryable(err)
	}

	k.logger.Debug("published article",
		"article_id", article.ID,
		"topic", dest.Target,
		"partition", partition,
		"offset", offset,
	)
	return domain.OutcomeDelivered, nil
}

func isPermanentKafkaError(err error) bool {
	for _, kerr := range []sarama.KError{
		sarama.ErrMessageSizeTooLarge,
		sarama.ErrInvalidTopic,
		sarama.ErrTopicAuthorizationFailed,
		sarama.ErrInvalidMessage,
	} {
		if errors.Is(err, kerr) {
			return true
		}
	}
	return false
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}
