package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/slot-booking-engine/internal/clock"
	"github.com/hackgods/slot-booking-engine/internal/metrics"
	"github.com/hackgods/slot-booking-engine/internal/outbox"
	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

type fakeSource struct {
	mu         sync.Mutex
	events     []outbox.Event
	dispatched map[uuid.UUID]bool
}

func newFakeSource(events ...outbox.Event) *fakeSource {
	return &fakeSource{events: events, dispatched: map[uuid.UUID]bool{}}
}

func (s *fakeSource) ListUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Event
	for _, e := range s.events {
		if !s.dispatched[e.ID] && !e.OccurredAt.After(olderThan) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeSource) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatched[id] {
		return false, nil
	}
	s.dispatched[id] = true
	return true, nil
}

type endpoint struct {
	mu       sync.Mutex
	statuses []int
	requests []*http.Request
	bodies   [][]byte
}

// next status is taken from statuses; the last one repeats.
func (e *endpoint) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	e.mu.Lock()
	e.requests = append(e.requests, r)
	e.bodies = append(e.bodies, body)
	status := e.statuses[0]
	if len(e.statuses) > 1 {
		e.statuses = e.statuses[1:]
	}
	e.mu.Unlock()
	w.WriteHeader(status)
}

func (e *endpoint) hits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

type harness struct {
	store    *MemoryStore
	source   *fakeSource
	clock    *clock.Fixed
	registry *prometheus.Registry
	disp     *Dispatcher
	subs     *Subscriptions
	server   *httptest.Server
	ep       *endpoint
	account  uuid.UUID
	event    outbox.Event
}

func newHarness(t *testing.T, backoff []time.Duration, statuses ...int) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		clock:    clock.NewFixed(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)),
		registry: prometheus.NewRegistry(),
		ep:       &endpoint{statuses: statuses},
		account:  uuid.New(),
	}
	h.server = httptest.NewServer(http.HandlerFunc(h.ep.handler))
	t.Cleanup(h.server.Close)

	e, err := outbox.NewEvent(h.account, outbox.AppointmentCreated, map[string]string{"appointment_id": "a1"}, h.clock.Now())
	require.NoError(t, err)
	h.event = e
	h.source = newFakeSource(e)

	h.disp = NewDispatcher(Config{Timeout: time.Second, Backoff: backoff}, h.store, h.source,
		WithClock(h.clock),
		WithMetrics(metrics.NewWebhookMetrics(h.registry)),
		WithLogger(logging.New("error")),
		WithWorkers(2, 8),
	)
	h.subs = NewSubscriptions(h.store, h.clock)
	return h
}

func (h *harness) subscribe(t *testing.T, types ...string) Subscription {
	t.Helper()
	sub, err := h.subs.Create(context.Background(), CreateSubscriptionInput{
		AccountID: h.account, URL: h.server.URL + "/hook", Secret: "shh", EventTypes: types,
	})
	require.NoError(t, err)
	return sub
}

func (h *harness) onlyDelivery(t *testing.T) Delivery {
	t.Helper()
	list, err := h.store.ListDeliveries(context.Background(), h.account, "", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestDispatchRetriesUntilSent(t *testing.T) {
	h := newHarness(t, []time.Duration{time.Minute, 5 * time.Minute}, http.StatusInternalServerError, http.StatusOK)
	h.subscribe(t, outbox.AppointmentCreated)
	ctx := context.Background()

	require.NoError(t, h.disp.Dispatch(ctx, h.event))

	d := h.onlyDelivery(t)
	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, http.StatusInternalServerError, d.ResponseStatus)
	require.NotNil(t, d.NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(time.Minute), *d.NextRetryAt)

	n, err := h.disp.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	h.clock.Advance(time.Minute)
	n, err = h.disp.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d = h.onlyDelivery(t)
	assert.Equal(t, StatusSent, d.Status)
	assert.Equal(t, 2, d.Attempts)
	assert.Nil(t, d.NextRetryAt)
	assert.NotNil(t, d.SentAt)
	assert.Equal(t, 2, h.ep.hits())

	// both attempts carried the same bytes
	assert.Equal(t, h.ep.bodies[0], h.ep.bodies[1])
	expected := `
# HELP webhook_deliveries_total Webhook delivery attempts by result
# TYPE webhook_deliveries_total counter
webhook_deliveries_total{result="failed"} 1
webhook_deliveries_total{result="sent"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.registry, strings.NewReader(expected), "webhook_deliveries_total"))
}

func TestDispatchExhaustsBackoff(t *testing.T) {
	h := newHarness(t, []time.Duration{time.Minute}, http.StatusBadGateway)
	h.subscribe(t, outbox.AppointmentCreated)
	ctx := context.Background()

	require.NoError(t, h.disp.Dispatch(ctx, h.event))
	h.clock.Advance(time.Minute)
	_, err := h.disp.RetryDue(ctx, 10)
	require.NoError(t, err)

	d := h.onlyDelivery(t)
	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, 2, d.Attempts)
	assert.Nil(t, d.NextRetryAt)
	assert.Contains(t, d.LastError, "502")

	h.clock.Advance(24 * time.Hour)
	n, err := h.disp.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, h.ep.hits())

	expected := `
# HELP webhook_deliveries_exhausted_total Deliveries that ran out of retries
# TYPE webhook_deliveries_exhausted_total counter
webhook_deliveries_exhausted_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.registry, strings.NewReader(expected), "webhook_deliveries_exhausted_total"))
}

func TestDispatchSignsRequests(t *testing.T) {
	h := newHarness(t, nil, http.StatusNoContent)
	sub := h.subscribe(t, outbox.AppointmentCreated)

	require.NoError(t, h.disp.Dispatch(context.Background(), h.event))
	require.Equal(t, 1, h.ep.hits())

	req, body := h.ep.requests[0], h.ep.bodies[0]
	d := h.onlyDelivery(t)
	assert.Equal(t, "/hook", req.URL.Path)
	assert.Equal(t, Sign(sub.Secret, body), req.Header.Get(HeaderSignature))
	assert.True(t, strings.HasPrefix(req.Header.Get(HeaderSignature), "sha256="))
	assert.True(t, Verify(sub.Secret, body, req.Header.Get(HeaderSignature)))
	assert.Equal(t, outbox.AppointmentCreated, req.Header.Get(HeaderEventType))
	assert.Equal(t, d.ID.String(), req.Header.Get(HeaderDeliveryID))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, defaultUserAgent, req.Header.Get("User-Agent"))

	var env map[string]any
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, h.event.ID.String(), env["id"])
	assert.Equal(t, "appointment_created", env["event"])
	assert.Equal(t, StatusSent, d.Status)
}

func TestDispatchSkipsUninterestedSubscriptions(t *testing.T) {
	h := newHarness(t, nil, http.StatusOK)
	h.subscribe(t, outbox.HoldCreated)

	require.NoError(t, h.disp.Dispatch(context.Background(), h.event))
	assert.Zero(t, h.ep.hits())
	assert.True(t, h.source.dispatched[h.event.ID])
}

func TestDispatchTwiceDeliversOnce(t *testing.T) {
	h := newHarness(t, nil, http.StatusOK)
	h.subscribe(t, outbox.AppointmentCreated)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.disp.Dispatch(ctx, h.event))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.ep.hits())
}

func TestRelayPicksUpUndispatched(t *testing.T) {
	h := newHarness(t, nil, http.StatusOK)
	h.subscribe(t, outbox.AppointmentCreated)
	ctx := context.Background()

	n, err := h.disp.Relay(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "inside the grace period")

	h.clock.Advance(2 * time.Minute)
	n, err = h.disp.Relay(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.disp.Relay(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.ep.hits())
}

func TestRetryAbandonedPendingDelivery(t *testing.T) {
	h := newHarness(t, nil, http.StatusOK)
	sub := h.subscribe(t, outbox.AppointmentCreated)
	ctx := context.Background()

	lease := h.clock.Now().Add(20 * time.Second)
	body, err := Body(h.event)
	require.NoError(t, err)
	_, err = h.store.InsertDelivery(ctx, Delivery{
		ID: uuid.New(), AccountID: h.account, EventID: h.event.ID, SubscriptionID: sub.ID,
		EventType: h.event.Type, Body: body, Status: StatusPending, NextRetryAt: &lease,
	})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	n, err := h.disp.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusSent, h.onlyDelivery(t).Status)
}

func TestRetryGivesUpOnDisabledSubscription(t *testing.T) {
	h := newHarness(t, []time.Duration{time.Minute}, http.StatusInternalServerError)
	sub := h.subscribe(t, outbox.AppointmentCreated)
	ctx := context.Background()

	require.NoError(t, h.disp.Dispatch(ctx, h.event))
	require.NoError(t, h.subs.Disable(ctx, h.account, sub.ID))

	h.clock.Advance(time.Minute)
	_, err := h.disp.RetryDue(ctx, 10)
	require.NoError(t, err)

	d := h.onlyDelivery(t)
	assert.Equal(t, StatusFailed, d.Status)
	assert.Nil(t, d.NextRetryAt)
	assert.Equal(t, 1, h.ep.hits())
}

func TestRunDrainsQueue(t *testing.T) {
	h := newHarness(t, nil, http.StatusOK)
	h.subscribe(t, outbox.AppointmentCreated)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.disp.Run(ctx)
		close(done)
	}()

	h.disp.Publish(h.event)
	require.Eventually(t, func() bool { return h.ep.hits() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
