package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/slot-booking-engine/internal/clock"
	"github.com/hackgods/slot-booking-engine/internal/metrics"
	"github.com/hackgods/slot-booking-engine/internal/outbox"
	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

var tracer = otel.Tracer("github.com/hackgods/slot-booking-engine/internal/webhook")

const maxErrorBody = 512

// Dispatcher fans committed events out to subscribers. It is an
// outbox.Publisher: Publish only enqueues, and Run drains the queue.
type Dispatcher struct {
	cfg     Config
	store   Store
	source  outbox.Source
	clock   clock.Clock
	metrics *metrics.WebhookMetrics
	logger  *logging.Logger
	queue   chan outbox.Event
	workers int
}

var _ outbox.Publisher = (*Dispatcher)(nil)

type DispatcherOption func(*Dispatcher)

func WithClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

func WithMetrics(m *metrics.WebhookMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(l *logging.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithWorkers sets the number of queue consumers and the queue size.
func WithWorkers(workers, queueSize int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workers = workers
		}
		if queueSize > 0 {
			d.queue = make(chan outbox.Event, queueSize)
		}
	}
}

func NewDispatcher(cfg Config, store Store, source outbox.Source, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg.withDefaults(),
		store:   store,
		source:  source,
		clock:   clock.System(),
		logger:  logging.Default(),
		queue:   make(chan outbox.Event, 256),
		workers: 4,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish enqueues without blocking. A full queue drops the event; the relay
// finds it again in the outbox.
func (d *Dispatcher) Publish(events ...outbox.Event) {
	for _, e := range events {
		select {
		case d.queue <- e:
		default:
			d.logger.Warn("webhook queue full, leaving event to the relay",
				"event_id", e.ID,
				"event_type", e.Type,
			)
		}
	}
}

// Run consumes the queue with the configured number of workers until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-d.queue:
					if err := d.Dispatch(ctx, e); err != nil {
						d.logger.Error("dispatch event failed",
							"event_id", e.ID,
							"event_type", e.Type,
							"error", err,
						)
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Dispatch records one delivery per matching subscription, marks the event
// dispatched, and attempts the deliveries this call created. Delivery
// failures are stored for the retrier, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, e outbox.Event) error {
	subs, err := d.store.MatchingSubscriptions(ctx, e.AccountID, e.Type)
	if err != nil {
		return fmt.Errorf("match subscriptions: %w", err)
	}

	var created []Delivery
	var targets []Subscription
	if len(subs) > 0 {
		body, err := Body(e)
		if err != nil {
			return fmt.Errorf("render body: %w", err)
		}
		now := d.clock.Now()
		lease := now.Add(d.cfg.Lease)
		for _, sub := range subs {
			del := Delivery{
				ID:             uuid.New(),
				AccountID:      e.AccountID,
				EventID:        e.ID,
				SubscriptionID: sub.ID,
				EventType:      e.Type,
				Body:           body,
				Status:         StatusPending,
				NextRetryAt:    &lease,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			inserted, err := d.store.InsertDelivery(ctx, del)
			if err != nil {
				return err
			}
			if inserted {
				created = append(created, del)
				targets = append(targets, sub)
			}
		}
	}

	if _, err := d.source.MarkDispatched(ctx, e.ID, d.clock.Now()); err != nil {
		return fmt.Errorf("mark event dispatched: %w", err)
	}

	for i, del := range created {
		d.attempt(ctx, targets[i], del)
	}
	return nil
}

// Relay dispatches events that were committed at least grace ago but never
// marked dispatched, covering dropped queue entries and crashed instances.
func (d *Dispatcher) Relay(ctx context.Context, grace time.Duration, limit int) (int, error) {
	events, err := d.source.ListUndispatched(ctx, d.clock.Now().Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("list undispatched events: %w", err)
	}
	n := 0
	for _, e := range events {
		if err := d.Dispatch(ctx, e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RetryDue leases due deliveries and attempts each once more.
func (d *Dispatcher) RetryDue(ctx context.Context, limit int) (int, error) {
	now := d.clock.Now()
	due, err := d.store.ClaimDue(ctx, now, now.Add(d.cfg.Lease), limit)
	if err != nil {
		return 0, err
	}

	for _, del := range due {
		sub, err := d.store.GetSubscription(ctx, del.AccountID, del.SubscriptionID)
		switch {
		case errors.Is(err, ErrSubscriptionNotFound) || (err == nil && !sub.Enabled):
			d.giveUp(ctx, del, "subscription disabled")
			continue
		case err != nil:
			return 0, err
		}
		d.attempt(ctx, sub, del)
	}
	return len(due), nil
}

func (d *Dispatcher) giveUp(ctx context.Context, del Delivery, reason string) {
	prev := del.Attempts
	del.Status = StatusFailed
	del.LastError = reason
	del.NextRetryAt = nil
	del.UpdatedAt = d.clock.Now()
	if _, err := d.store.RecordAttempt(ctx, del, prev); err != nil {
		d.logger.Error("record webhook give-up failed", "delivery_id", del.ID, "error", err)
	}
}

// attempt sends del once and records the outcome.
func (d *Dispatcher) attempt(ctx context.Context, sub Subscription, del Delivery) Delivery {
	ctx, span := tracer.Start(ctx, "webhook.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("webhook.event_type", del.EventType),
			attribute.String("webhook.delivery_id", del.ID.String()),
			attribute.Int("webhook.attempt", del.Attempts+1),
		),
	)
	defer span.End()

	started := time.Now()
	status, sendErr := d.send(ctx, sub, del)
	elapsed := time.Since(started).Seconds()

	prev := del.Attempts
	now := d.clock.Now()
	del.Attempts++
	del.ResponseStatus = status
	del.UpdatedAt = now

	result := "sent"
	if sendErr == nil {
		del.Status = StatusSent
		del.LastError = ""
		del.NextRetryAt = nil
		del.SentAt = &now
	} else {
		span.SetStatus(codes.Error, sendErr.Error())
		del.Status = StatusFailed
		del.LastError = sendErr.Error()
		if wait, ok := d.cfg.nextRetry(del.Attempts); ok {
			next := now.Add(wait)
			del.NextRetryAt = &next
			result = "failed"
		} else {
			del.NextRetryAt = nil
			result = "exhausted"
			d.metrics.IncExhausted()
			d.logger.Warn("webhook delivery exhausted retries",
				"delivery_id", del.ID,
				"subscription_id", sub.ID,
				"event_type", del.EventType,
				"attempts", del.Attempts,
				"error", sendErr,
			)
		}
	}
	d.metrics.ObserveDelivery(result, elapsed)

	recorded, err := d.store.RecordAttempt(ctx, del, prev)
	if err != nil {
		d.logger.Error("record webhook attempt failed", "delivery_id", del.ID, "error", err)
	} else if !recorded {
		d.logger.Debug("webhook attempt superseded", "delivery_id", del.ID, "attempts", prev)
	}
	return del
}

func (d *Dispatcher) send(ctx context.Context, sub Subscription, del Delivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(del.Body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, del.Body))
	req.Header.Set(HeaderEventType, del.EventType)
	req.Header.Set(HeaderDeliveryID, del.ID.String())

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
