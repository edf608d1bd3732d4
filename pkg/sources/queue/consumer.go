// Package queue consumes trigger events from a redis list. The surrounding
// application pushes JSON-encoded events (contact_subscribed, tag_added and
// the rest) onto the list; each message fans out to the engine's trigger
// evaluation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/dripmail/dripmail/pkg/engine"
	"github.com/dripmail/dripmail/pkg/models"
)

const (
	popTimeout     = 1 * time.Second
	connectTimeout = 5 * time.Second
	errorBackoff   = 1 * time.Second
)

// Triggerer receives decoded trigger events. The engine implements it.
type Triggerer interface {
	Trigger(ctx context.Context, event models.TriggerEvent) (*engine.TriggerResult, error)
}

// Config holds the redis connection and queue settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

// message is the wire shape pushed onto the list.
type message struct {
	Type       models.TriggerType       `json:"type"`
	ContactID  string                   `json:"contact_id"`
	Context    models.EnrollmentContext `json:"context,omitempty"`
	OccurredAt *time.Time               `json:"occurred_at,omitempty"`
}

// Consumer pops trigger events from a redis list and hands them to the
// engine.
type Consumer struct {
	config    Config
	triggerer Triggerer
	logger    *slog.Logger

	client  redis.UniversalClient
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewConsumer creates a queue consumer. The queue name is required.
func NewConsumer(config Config, triggerer Triggerer, logger *slog.Logger) (*Consumer, error) {
	if config.Queue == "" {
		return nil, errors.New("queue source requires a queue name")
	}

	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}

	return &Consumer{
		config:    config,
		triggerer: triggerer,
		logger:    logger.With("module", "queue_source", "queue", config.Queue),
	}, nil
}

// Start connects to redis and begins consuming in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	c.client = redis.NewClient(&redis.Options{
		Addr:     c.config.Addr,
		Password: c.config.Password,
		DB:       c.config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := c.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", c.config.Addr, err)
	}

	c.logger.InfoContext(ctx, "Connected to redis", "addr", c.config.Addr, "db", c.config.DB)

	c.stopCh = make(chan struct{})
	c.started = true

	c.wg.Add(1)

	go c.consume(ctx)

	return nil
}

// Stop shuts the consumer down and closes the redis client.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	c.logger.InfoContext(ctx, "Stopping queue source")

	close(c.stopCh)
	c.wg.Wait()
	c.started = false

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}

func (c *Consumer) consume(ctx context.Context) {
	defer c.wg.Done()

	c.logger.InfoContext(ctx, "Starting queue consumer")

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if err := c.processMessage(ctx); err != nil {
				c.logger.ErrorContext(ctx, "Error processing queue message", "error", err)
				time.Sleep(errorBackoff)
			}
		}
	}
}

// processMessage pops one message. A malformed message is logged and
// dropped; it must not wedge the queue.
func (c *Consumer) processMessage(ctx context.Context) error {
	result, err := c.client.BLPop(ctx, popTimeout, c.config.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	c.handleRaw(ctx, result[1])

	return nil
}

// handleRaw decodes and dispatches one raw list entry.
func (c *Consumer) handleRaw(ctx context.Context, raw string) {
	var msg message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		c.logger.WarnContext(ctx, "Dropping malformed queue message", "error", err)

		return
	}

	if !msg.Type.IsValid() || msg.ContactID == "" {
		c.logger.WarnContext(ctx, "Dropping queue message without valid type or contact",
			"type", msg.Type, "contact_id", msg.ContactID)

		return
	}

	occurredAt := time.Now().UTC()
	if msg.OccurredAt != nil {
		occurredAt = *msg.OccurredAt
	}

	event := models.TriggerEvent{
		Type:       msg.Type,
		ContactID:  msg.ContactID,
		Context:    msg.Context,
		OccurredAt: occurredAt,
	}

	outcome, err := c.triggerer.Trigger(ctx, event)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to process trigger event",
			"trigger_type", msg.Type, "contact_id", msg.ContactID, "error", err)

		return
	}

	c.logger.InfoContext(ctx, "Trigger event processed",
		"trigger_type", msg.Type,
		"contact_id", msg.ContactID,
		"enrolled", len(outcome.Enrolled),
		"duplicates", outcome.Duplicates)
}
