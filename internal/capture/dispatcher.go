package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DispatcherOptions configures payload delivery. Queue and Store are both
// optional; with neither set (or Enabled false) dispatch is a no-op, which is
// a valid production configuration.
type DispatcherOptions struct {
	Enabled  bool
	Queue    Queue
	QueueKey string
	Store    Store
	Logger   *slog.Logger
	// OnFailure is invoked for every swallowed delivery error, for metrics.
	OnFailure func(operation string, err error)
}

// Dispatcher delivers capture payloads without the caller ever waiting on or
// learning about the outcome. The queue path is preferred; the store path is
// the direct-write fallback.
type Dispatcher struct {
	enabled   bool
	queue     Queue
	queueKey  string
	store     Store
	logger    *slog.Logger
	onFailure func(string, error)
	wg        sync.WaitGroup
}

func NewDispatcher(options DispatcherOptions) *Dispatcher {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		enabled:   options.Enabled,
		queue:     options.Queue,
		queueKey:  options.QueueKey,
		store:     options.Store,
		logger:    logger,
		onFailure: options.OnFailure,
	}
}

// Dispatch hands off a payload and returns immediately. Delivery runs on its
// own goroutine; any failure is logged and swallowed, never re-thrown into
// the request path.
func (d *Dispatcher) Dispatch(payload *Payload) {
	if d == nil || !d.enabled || payload == nil {
		return
	}
	if d.queue == nil && d.store == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(context.Background(), payload)
	}()
}

// Drain blocks until in-flight dispatches finish or ctx expires. Used at
// shutdown so accepted payloads are not lost with the process.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, payload *Payload) {
	if d.queue != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			d.fail("queue_serialize", payload, err)
			return
		}
		if err := d.queue.Push(ctx, d.queueKey, string(data)); err != nil {
			d.fail("queue_push", payload, err)
		}
		return
	}

	if err := persistPayload(ctx, d.store, payload); err != nil {
		d.fail("store_write", payload, err)
	}
}

func (d *Dispatcher) fail(operation string, payload *Payload, err error) {
	d.logger.Error(
		"capture dispatch failed; dropping payload",
		"operation", operation,
		"conversation_id", payload.ConversationID,
		"error_class", ClassifyWriteError(err),
		"error", err,
	)
	if d.onFailure != nil {
		d.onFailure(operation, err)
	}
}

// persistPayload collapses a payload into its conversation and turn records
// and writes them. Duplicate conversations are tolerated: the direct-write
// path and a queue replay may both create the same id.
func persistPayload(ctx context.Context, store Store, payload *Payload) error {
	conversation, turns := payload.Records(time.Now().UTC())
	if err := store.UpsertConversation(ctx, conversation); err != nil && !errors.Is(err, ErrDuplicateConversation) {
		return fmt.Errorf("upsert conversation %q: %w", conversation.ID, err)
	}
	if err := store.InsertTurns(ctx, turns); err != nil {
		return fmt.Errorf("insert turns for conversation %q: %w", conversation.ID, err)
	}
	return nil
}
