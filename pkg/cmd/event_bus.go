package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/dripmail/dripmail/pkg/channels/kafka"
	"github.com/dripmail/dripmail/pkg/eventbus"
)

// NewEventBus creates the event bus for the given provider. Kafka is the
// production channel; gochannel is an in-process bus for development.
func NewEventBus(provider, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "gochannel":
		channel := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))

		return eventbus.NewWatermillEventBus(channel, channel), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
