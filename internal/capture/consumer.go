package capture

import (
	"context"
	"encoding/json"
	"log/slog"
)

// BatchResult summarizes one Consume invocation so an external scheduler can
// decide whether to re-invoke immediately.
type BatchResult struct {
	Processed int   `json:"processed"`
	Failed    int   `json:"failed"`
	Remaining int64 `json:"remaining"`
}

// Consumer drains the ephemeral queue into the durable store. It is designed
// to be triggered periodically from outside the request path.
type Consumer struct {
	queue    Queue
	queueKey string
	store    Store
	logger   *slog.Logger
	// OnFailure is invoked for every failed item, for metrics.
	OnFailure func(err error)
}

func NewConsumer(queue Queue, queueKey string, store Store, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:    queue,
		queueKey: queueKey,
		store:    store,
		logger:   logger,
	}
}

// Consume drains up to batchSize items, persisting each independently. Items
// are popped one at a time so a crash mid-batch loses at most the in-flight
// item. A malformed or unpersistable item is counted, logged, and dropped;
// it never halts the batch.
func (c *Consumer) Consume(ctx context.Context, batchSize int) BatchResult {
	result := BatchResult{}

	for i := 0; i < batchSize; i++ {
		raw, ok, err := c.queue.Pop(ctx, c.queueKey)
		if err != nil {
			c.logger.Error("queue pop failed; stopping batch", "error", err)
			break
		}
		if !ok {
			break
		}

		if err := c.persistItem(ctx, raw); err != nil {
			result.Failed++
			c.logger.Error(
				"capture item persistence failed; dropping item",
				"error_class", ClassifyWriteError(err),
				"error", err,
			)
			if c.OnFailure != nil {
				c.OnFailure(err)
			}
			continue
		}
		result.Processed++
	}

	remaining, err := c.queue.Len(ctx, c.queueKey)
	if err != nil {
		c.logger.Warn("queue depth check failed", "error", err)
	} else {
		result.Remaining = remaining
	}
	return result
}

func (c *Consumer) persistItem(ctx context.Context, raw string) error {
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return err
	}
	return persistPayload(ctx, c.store, &payload)
}
