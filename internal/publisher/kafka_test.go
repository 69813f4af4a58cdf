package publisher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed_relay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testArticle() *domain.Article {
	return &domain.Article{
		ID:          "guid-42",
		Title:       "Launch day",
		Summary:     "The thing shipped.",
		Body:        "<p>The <b>thing</b> shipped.</p>",
		Link:        "https://example.com/launch",
		Tags:        []string{"Go", "New York"},
		PublishedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestKafka_PublishDelivered(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var p ArticlePayload
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		assert.Equal(t, "guid-42", p.ID)
		assert.Equal(t, "Launch day", p.Title)
		return nil
	})

	k := NewKafkaWithProducer(producer, testLogger())
	outcome, err := k.Publish(context.Background(), testArticle(), domain.Destination{Channel: ChannelKafka, Target: "articles"})

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDelivered, outcome)
	require.NoError(t, k.Close())
}

func TestKafka_PublishClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.Outcome
	}{
		{name: "broker unavailable", err: sarama.ErrOutOfBrokers, want: domain.OutcomeRetryable},
		{name: "leader moved", err: sarama.ErrNotLeaderForPartition, want: domain.OutcomeRetryable},
		{name: "message too large", err: sarama.ErrMessageSizeTooLarge, want: domain.OutcomeFatal},
		{name: "not authorized", err: sarama.ErrTopicAuthorizationFailed, want: domain.OutcomeFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := mocks.NewSyncProducer(t, nil)
			producer.ExpectSendMessageAndFail(tt.err)

			k := NewKafkaWithProducer(producer, testLogger())
			outcome, err := k.Publish(context.Background(), testArticle(), domain.Destination{Channel: ChannelKafka, Target: "articles"})

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.want, outcome)
			got, _ := domain.ClassifyPublishError(err)
			assert.Equal(t, tt.want, got)
			require.NoError(t, k.Close())
		})
	}
}

func TestKafka_PublishWithoutTopicIsFatal(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	k := NewKafkaWithProducer(producer, testLogger())

	outcome, err := k.Publish(context.Background(), testArticle(), domain.Destination{Channel: ChannelKafka})

	require.Error(t, err)
	assert.Equal(t, domain.OutcomeFatal, outcome)
	require.NoError(t, k.Close())
}
