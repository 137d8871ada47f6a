package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/timkrebs/photo-variants/internal/metrics"
	"github.com/timkrebs/photo-variants/internal/models"
)

// DefaultMaxLen bounds the stream. Trimming is approximate, so Redis may
// keep slightly more entries.
const DefaultMaxLen = 10000

// Producer publishes batches to the Redis stream
type Producer struct {
	client     *redis.Client
	metrics    *metrics.QueueMetrics
	streamName string
	maxLen     int64
}

// NewProducer creates a new queue producer
func NewProducer(client *redis.Client, streamName string) *Producer {
	return &Producer{
		client:     client,
		streamName: streamName,
		maxLen:     DefaultMaxLen,
	}
}

// SetMetrics injects metrics collectors into the producer
func (p *Producer) SetMetrics(m *metrics.QueueMetrics) {
	p.metrics = m
}

// Enqueue adds a batch to the queue
func (p *Producer) Enqueue(ctx context.Context, msg *models.BatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal batch message: %w", err)
	}

	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamName,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	if p.metrics != nil {
		p.metrics.MessagesProduced.Inc()
	}
	return nil
}

// GetStats returns queue statistics
func (p *Producer) GetStats(ctx context.Context, consumerGroup string) (*models.QueueStats, error) {
	stats := &models.QueueStats{}

	length, err := p.client.XLen(ctx, p.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream length: %w", err)
	}
	stats.StreamLength = length

	pending, err := p.client.XPending(ctx, p.streamName, consumerGroup).Result()
	if err != nil {
		// Group might not exist yet
		stats.PendingMessages = 0
		stats.ConsumerCount = 0
	} else {
		stats.PendingMessages = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}

	return stats, nil
}
