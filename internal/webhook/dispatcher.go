package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"airtimebridge/internal/common/events"
	"airtimebridge/internal/common/middleware"
	natsclient "airtimebridge/internal/common/nats"
	"airtimebridge/internal/purchase"
)

// ErrQueueFull is returned when the in-process queue cannot take an event.
var ErrQueueFull = errors.New("callback queue full")

// QueueDispatcher processes events on a bounded in-process queue.
type QueueDispatcher struct {
	queue      chan purchase.PaymentEvent
	handler    EventHandler
	workers    int
	maxTries   int
	retryDelay time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewQueueDispatcher creates a dispatcher; call Start to run its workers.
func NewQueueDispatcher(handler EventHandler, workers, size int, logger *slog.Logger) *QueueDispatcher {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	return &QueueDispatcher{
		queue:      make(chan purchase.PaymentEvent, size),
		handler:    handler,
		workers:    workers,
		maxTries:   3,
		retryDelay: time.Second,
		logger:     logger.With("component", "callback-queue"),
	}
}

// Dispatch enqueues ev without blocking.
func (d *QueueDispatcher) Dispatch(ctx context.Context, ev purchase.PaymentEvent) error {
	select {
	case d.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Start runs the workers until ctx is cancelled. Events still queued at
// shutdown are left to reconciliation.
func (d *QueueDispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-d.queue:
					d.process(ctx, ev)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (d *QueueDispatcher) Wait() {
	d.wg.Wait()
}

func (d *QueueDispatcher) process(ctx context.Context, ev purchase.PaymentEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("panic handling callback",
				"panic", rec,
				"checkout_reference", ev.CheckoutReference,
			)
		}
	}()

	for try := 1; ; try++ {
		err := d.handler.HandlePaymentEvent(ctx, ev)
		if err == nil {
			return
		}
		if purchase.IsValidation(err) || try >= d.maxTries {
			d.logger.Error("callback not applied; reconciliation will resolve it",
				"error", err,
				"checkout_reference", ev.CheckoutReference,
				"tries", try,
			)
			return
		}

		d.logger.Warn("callback handling failed; retrying",
			"error", err,
			"checkout_reference", ev.CheckoutReference,
			"try", try,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(try) * d.retryDelay):
		}
	}
}

// JetStreamDispatcher publishes events to the broker; Consume processes
// them with redelivery on failure.
type JetStreamDispatcher struct {
	publisher events.EventPublisher
}

// NewJetStreamDispatcher creates a broker-backed dispatcher.
func NewJetStreamDispatcher(publisher events.EventPublisher) *JetStreamDispatcher {
	return &JetStreamDispatcher{publisher: publisher}
}

// Dispatch publishes ev as mpesa.callback.received.
func (d *JetStreamDispatcher) Dispatch(ctx context.Context, ev purchase.PaymentEvent) error {
	evt, err := events.NewEvent(events.EventMpesaCallbackReceived, "checkout", ev.CheckoutReference, ev)
	if err != nil {
		return fmt.Errorf("encoding callback event: %w", err)
	}
	return d.publisher.Publish(ctx, evt.WithCorrelation(middleware.GetCorrelationID(ctx), ""))
}

// ConsumerName is the durable consumer for deferred callbacks.
const ConsumerName = "mpesa-callbacks"

// Consume applies broker-delivered callbacks until ctx is cancelled.
// Validation errors are acknowledged and dropped; other errors are
// redelivered.
func Consume(ctx context.Context, consumer jetstream.Consumer, handler EventHandler, logger *slog.Logger) error {
	sub := natsclient.NewSubscriber(consumer, logger.With("component", "callback-consumer"))
	return sub.Start(ctx, func(ctx context.Context, evt *events.Event) error {
		if evt.Type != events.EventMpesaCallbackReceived {
			return nil
		}
		var ev purchase.PaymentEvent
		if err := evt.DecodeData(&ev); err != nil {
			logger.Error("undecodable callback event", "error", err, "event_id", evt.ID)
			return nil
		}
		err := handler.HandlePaymentEvent(middleware.WithCorrelationID(ctx, evt.CorrelationID), ev)
		if purchase.IsValidation(err) {
			logger.Warn("invalid callback event dropped", "error", err, "event_id", evt.ID)
			return nil
		}
		return err
	})
}
