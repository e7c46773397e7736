package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/slot-booking-engine/internal/clock"
	"github.com/hackgods/slot-booking-engine/internal/metrics"
	"github.com/hackgods/slot-booking-engine/internal/outbox"
	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

// 2025-03-10 is a Monday.
var monday = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(day time.Time, h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []outbox.Event
}

func (p *recordingPublisher) Publish(events ...outbox.Event) {
	p.mu.Lock()
	p.events = append(p.events, events...)
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store   *MemoryStore
	clock   *clock.Fixed
	pub     *recordingPublisher
	svc     *Service
	account uuid.UUID
	prof    uuid.UUID
	prof2   uuid.UUID
	room    uuid.UUID
	consult uuid.UUID // 30 minutes, no buffers
	surgery uuid.UUID // 60 minutes, needs an operating room, 15 minute buffer after
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   NewMemoryStore(),
		clock:   clock.NewFixed(time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)),
		pub:     &recordingPublisher{},
		account: uuid.New(),
		prof:    uuid.New(),
		prof2:   uuid.New(),
		room:    uuid.New(),
		consult: uuid.New(),
		surgery: uuid.New(),
	}

	f.store.AddProfessional(Professional{ID: f.prof, AccountID: f.account, Name: "Dr. Ana", Active: true, DefaultDurationMinutes: 30})
	f.store.AddProfessional(Professional{ID: f.prof2, AccountID: f.account, Name: "Dr. Bruno", Active: true, DefaultDurationMinutes: 30})
	f.store.AddResource(Resource{ID: f.room, AccountID: f.account, Name: "Room 1", ResourceType: "operating_room", Capacity: 1, Active: true})
	f.store.AddProcedure(Procedure{ID: f.consult, AccountID: f.account, Name: "Consultation", DurationMinutes: 30})
	f.store.AddProcedure(Procedure{
		ID: f.surgery, AccountID: f.account, Name: "Minor surgery", DurationMinutes: 60,
		BufferAfterMinutes: 15, RequiresResource: true, RequiredResourceType: "operating_room",
	})

	f.svc = f.serviceWith(NewMemoryLocker(time.Second))
	return f
}

// serviceWith builds a second service over the fixture's store and clock.
func (f *fixture) serviceWith(locker Locker) *Service {
	return NewService(f.store, locker,
		WithClock(f.clock),
		WithPublisher(f.pub),
		WithMetrics(metrics.NewBookingMetrics(prometheus.NewRegistry())),
		WithLogger(logging.New("error")),
		WithHoldTTL(15 * time.Minute),
	)
}

// gateLocker makes n callers wait at WithLock until all of them have arrived,
// so every caller finishes its unlocked reads before anyone takes the lock.
// Each gated caller must call WithLock exactly once.
type gateLocker struct {
	inner   Locker
	arrived sync.WaitGroup
}

func newGateLocker(n int) *gateLocker {
	g := &gateLocker{inner: NewMemoryLocker(5 * time.Second)}
	g.arrived.Add(n)
	return g
}

func (g *gateLocker) WithLock(ctx context.Context, scopes []Scope, fn func(ctx context.Context) error) error {
	g.arrived.Done()
	g.arrived.Wait()
	return g.inner.WithLock(ctx, scopes, fn)
}

// race runs fn on n goroutines and waits for all of them.
func race(n int, fn func(i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// mondayMorning gives prof the rule Mon 09:00-12:00 in 30 minute steps.
func (f *fixture) mondayMorning(t *testing.T) {
	t.Helper()
	_, err := f.svc.ReplaceRules(context.Background(), f.account, f.prof, 1, []RuleInput{
		{StartTime: "09:00", EndTime: "12:00", GranularityMinutes: 30},
	})
	require.NoError(t, err)
}

func (f *fixture) hold(t *testing.T, start time.Time) Hold {
	t.Helper()
	h, _, err := f.svc.CreateHold(context.Background(), CreateHoldInput{
		AccountID:      f.account,
		ProfessionalID: &f.prof,
		ProcedureID:    f.consult,
		Start:          start,
	})
	require.NoError(t, err)
	return h
}

func requireConflict(t *testing.T, err error, kind ConflictKind) {
	t.Helper()
	c, ok := AsConflict(err)
	require.Truef(t, ok, "expected a slot conflict, got %v", err)
	require.Equal(t, kind, c.Kind)
}
