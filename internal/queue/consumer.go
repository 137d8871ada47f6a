package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timkrebs/photo-variants/internal/metrics"
	"github.com/timkrebs/photo-variants/internal/models"
)

// Consumer reads batches from the Redis stream
type Consumer struct {
	client        *redis.Client
	metrics       *metrics.QueueMetrics
	logger        *slog.Logger
	streamName    string
	consumerGroup string
	consumerName  string
	pollTimeout   time.Duration
	claimMinIdle  time.Duration
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	StreamName    string
	ConsumerGroup string
	ConsumerName  string
	PollTimeout   time.Duration
	// ClaimMinIdle takes over messages another consumer left unacknowledged
	// for at least this long. Zero disables it.
	ClaimMinIdle time.Duration
}

// NewConsumer creates a new queue consumer
func NewConsumer(client *redis.Client, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:        client,
		streamName:    cfg.StreamName,
		consumerGroup: cfg.ConsumerGroup,
		consumerName:  cfg.ConsumerName,
		pollTimeout:   cfg.PollTimeout,
		claimMinIdle:  cfg.ClaimMinIdle,
		logger:        logger,
	}
}

// Named returns a consumer of the same group reading under another name
func (c *Consumer) Named(name string) *Consumer {
	named := *c
	named.consumerName = name
	return &named
}

// SetMetrics injects metrics collectors into the consumer
func (c *Consumer) SetMetrics(m *metrics.QueueMetrics) {
	c.metrics = m
}

// EnsureGroup creates the consumer group if it doesn't exist
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.streamName, c.consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Message represents a message from the queue
type Message struct {
	ID    string
	Batch *models.BatchMessage
	Data  string
}

// Consume reads the next message. Messages this consumer read but never
// acknowledged come first, then stale messages of other consumers, then new
// ones. It returns nil, nil when the poll times out.
func (c *Consumer) Consume(ctx context.Context) (*Message, error) {
	start := time.Now()
	msg, err := c.consume(ctx)
	if c.metrics != nil {
		if err != nil {
			c.metrics.MessagesFailed.Inc()
		} else if msg != nil {
			c.metrics.MessagesConsumed.Inc()
			c.metrics.ConsumeDuration.Observe(time.Since(start).Seconds())
		}
	}
	return msg, err
}

func (c *Consumer) consume(ctx context.Context) (*Message, error) {
	pendingMessages, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.consumerGroup,
		Consumer: c.consumerName,
		Streams:  []string{c.streamName, "0"},
		Count:    1,
		Block:    0, // Non-blocking for pending
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read pending messages: %w", err)
	}

	if len(pendingMessages) > 0 && len(pendingMessages[0].Messages) > 0 {
		return c.parseMessage(pendingMessages[0].Messages[0])
	}

	if c.claimMinIdle > 0 {
		claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.streamName,
			Group:    c.consumerGroup,
			Consumer: c.consumerName,
			MinIdle:  c.claimMinIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to claim idle messages: %w", err)
		}
		if len(claimed) > 0 {
			c.logger.Info("claimed idle message", "message_id", claimed[0].ID)
			return c.parseMessage(claimed[0])
		}
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.consumerGroup,
		Consumer: c.consumerName,
		Streams:  []string{c.streamName, ">"},
		Count:    1,
		Block:    c.pollTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // No messages available
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	return c.parseMessage(streams[0].Messages[0])
}

func (c *Consumer) parseMessage(redisMsg redis.XMessage) (*Message, error) {
	data, ok := redisMsg.Values["data"].(string)
	if !ok {
		return nil, &MalformedError{ID: redisMsg.ID, Err: errors.New("missing data field")}
	}

	var batchMsg models.BatchMessage
	if err := json.Unmarshal([]byte(data), &batchMsg); err != nil {
		return nil, &MalformedError{ID: redisMsg.ID, Err: err}
	}

	return &Message{
		ID:    redisMsg.ID,
		Batch: &batchMsg,
		Data:  data,
	}, nil
}

// MalformedError reports a message that can never be decoded. Callers should
// acknowledge ID so the message is not delivered again.
type MalformedError struct {
	Err error
	ID  string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("invalid message %s: %v", e.ID, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Acknowledge marks a message as processed
func (c *Consumer) Acknowledge(ctx context.Context, messageID string) error {
	_, err := c.client.XAck(ctx, c.streamName, c.consumerGroup, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}
	return nil
}

// Extend claims a message this consumer already holds, resetting its idle
// time so ClaimMinIdle in other consumers does not take it over
func (c *Consumer) Extend(ctx context.Context, messageID string) error {
	err := c.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.streamName,
		Group:    c.consumerGroup,
		Consumer: c.consumerName,
		MinIdle:  0,
		Messages: []string{messageID},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to extend message: %w", err)
	}
	return nil
}

// GetPendingCount returns the number of pending messages in the consumer group
func (c *Consumer) GetPendingCount(ctx context.Context) (int64, error) {
	pending, err := c.client.XPending(ctx, c.streamName, c.consumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}
