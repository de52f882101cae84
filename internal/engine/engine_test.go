package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/memory"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctx     context.Context
	eng     *engine.Engine
	store   *memory.Store
	clock   *fakeClock
	eventID uuid.UUID
	tierID  uuid.UUID
}

// newFixture provisions one event with a general admission tier of
// tierQty units at 25.00 and section A, rows 1-2, seats 1-10.
func newFixture(t *testing.T, tierQty int) *fixture {
	t.Helper()
	f := &fixture{
		ctx:     context.Background(),
		store:   memory.NewStore(),
		clock:   newFakeClock(),
		eventID: uuid.New(),
		tierID:  uuid.New(),
	}
	return f.provision(t, tierQty, engine.Store(f.store))
}

func (f *fixture) provision(t *testing.T, tierQty int, store engine.Store) *fixture {
	t.Helper()
	f.eng = engine.New(store, engine.Config{HoldTTL: 5 * time.Minute, MaxHoldTTL: 30 * time.Minute},
		observability.NewNopLogger(), engine.WithClock(f.clock))

	var seats []domain.Seat
	for _, row := range []string{"1", "2"} {
		for n := 1; n <= 10; n++ {
			seats = append(seats, domain.Seat{Ref: domain.SeatRef{Section: "A", Row: row, Number: n}})
		}
	}
	err := f.eng.Provision(f.ctx, engine.EventSetup{
		EventID: f.eventID,
		Tiers: []domain.Tier{{
			ID:       f.tierID,
			Name:     "General Admission",
			Price:    decimal.RequireFromString("25.00"),
			Quantity: tierQty,
		}},
		Seats: seats,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	return f
}

func buyer(id string) domain.Actor {
	return domain.Actor{Kind: domain.ActorBuyer, ID: id}
}

func (f *fixture) holdTier(t *testing.T, actor domain.Actor, qty int) domain.Hold {
	t.Helper()
	hold, err := f.eng.CreateHold(f.ctx, engine.HoldRequest{
		EventID: f.eventID,
		Actor:   actor,
		Units:   []engine.UnitRequest{{TierID: f.tierID, Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("hold %d units: %v", qty, err)
	}
	return hold
}

func (f *fixture) seatRequest(actor domain.Actor, row string, number int) engine.HoldRequest {
	return engine.HoldRequest{
		EventID: f.eventID,
		Actor:   actor,
		Units:   []engine.UnitRequest{{Seat: &engine.SeatSelector{Section: "A", Row: row, Number: number}}},
	}
}

func (f *fixture) available(t *testing.T) engine.TierAvailability {
	t.Helper()
	av, err := f.eng.Availability(f.ctx, f.tierID)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	return av
}

func (f *fixture) eventTypes() []string {
	var types []string
	for _, ev := range f.store.Outbox() {
		types = append(types, ev.EventType)
	}
	return types
}

func (f *fixture) countEvents(eventType string) int {
	n := 0
	for _, ev := range f.store.Outbox() {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}
