package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripmail/dripmail/pkg/engine"
	"github.com/dripmail/dripmail/pkg/models"
)

type fakeTriggerer struct {
	events []models.TriggerEvent
}

func (f *fakeTriggerer) Trigger(_ context.Context, event models.TriggerEvent) (*engine.TriggerResult, error) {
	f.events = append(f.events, event)

	return &engine.TriggerResult{}, nil
}

func newTestConsumer(t *testing.T, triggerer Triggerer) *Consumer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	consumer, err := NewConsumer(Config{Queue: "test:events"}, triggerer, logger)
	require.NoError(t, err)

	return consumer
}

func TestNewConsumerRequiresQueueName(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewConsumer(Config{}, &fakeTriggerer{}, logger)
	assert.Error(t, err)
}

func TestHandleRaw(t *testing.T) {
	ctx := context.Background()

	t.Run("valid message dispatches", func(t *testing.T) {
		triggerer := &fakeTriggerer{}
		consumer := newTestConsumer(t, triggerer)

		consumer.handleRaw(ctx, `{
			"type": "tag_added",
			"contact_id": "c-1",
			"context": {"tag": "vip"},
			"occurred_at": "2025-06-01T12:00:00Z"
		}`)

		require.Len(t, triggerer.events, 1)

		event := triggerer.events[0]
		assert.Equal(t, models.TriggerTagAdded, event.Type)
		assert.Equal(t, "c-1", event.ContactID)
		assert.Equal(t, "vip", event.Context[models.ContextKeyTag])
		assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), event.OccurredAt)
	})

	t.Run("missing occurred_at defaults to now", func(t *testing.T) {
		triggerer := &fakeTriggerer{}
		consumer := newTestConsumer(t, triggerer)

		consumer.handleRaw(ctx, `{"type": "contact_subscribed", "contact_id": "c-1"}`)

		require.Len(t, triggerer.events, 1)
		assert.WithinDuration(t, time.Now().UTC(), triggerer.events[0].OccurredAt, time.Minute)
	})

	t.Run("malformed messages are dropped", func(t *testing.T) {
		triggerer := &fakeTriggerer{}
		consumer := newTestConsumer(t, triggerer)

		consumer.handleRaw(ctx, `{not json`)
		consumer.handleRaw(ctx, `{"type": "page_viewed", "contact_id": "c-1"}`)
		consumer.handleRaw(ctx, `{"type": "tag_added"}`)

		assert.Empty(t, triggerer.events)
	})
}
