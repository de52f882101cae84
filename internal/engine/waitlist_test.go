package engine_test

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
)

func TestPromoteWaitlist_StrictJoinOrder(t *testing.T) {
	f := newFixture(t, 3)
	blocker := f.holdTier(t, buyer("blocker"), 3)

	join := func(id string, qty int) domain.WaitlistEntry {
		t.Helper()
		e, err := f.eng.JoinWaitlist(f.ctx, f.eventID, f.tierID, buyer(id), qty)
		if err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(time.Second)
		return e
	}
	a := join("a", 1)
	b := join("b", 3)
	c := join("c", 1)

	offered, err := f.eng.PromoteWaitlist(f.ctx, f.eventID, f.tierID)
	if err != nil {
		t.Fatal(err)
	}
	if len(offered) != 0 {
		t.Fatalf("nothing is free yet, got %d offers", len(offered))
	}

	if err := f.eng.CancelHold(f.ctx, blocker.ID); err != nil {
		t.Fatal(err)
	}
	offered, err = f.eng.PromoteWaitlist(f.ctx, f.eventID, f.tierID)
	if err != nil {
		t.Fatal(err)
	}
	if len(offered) != 1 || offered[0].ID != a.ID {
		t.Fatalf("expected only a to be offered, got %+v", offered)
	}
	if got, _ := f.eng.GetWaitlistEntry(f.ctx, c.ID); got.Status != domain.WaitlistActive {
		t.Errorf("c must wait behind b, got %s", got.Status)
	}

	if _, err := f.eng.ConfirmHold(f.ctx, offered[0].HoldID); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.eng.GetWaitlistEntry(f.ctx, a.ID); got.Status != domain.WaitlistConverted {
		t.Errorf("expected a CONVERTED, got %s", got.Status)
	}
	if err := f.eng.LeaveWaitlist(f.ctx, a.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("a converted entry cannot leave, got %v", err)
	}

	if err := f.eng.LeaveWaitlist(f.ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	offered, err = f.eng.PromoteWaitlist(f.ctx, f.eventID, f.tierID)
	if err != nil {
		t.Fatal(err)
	}
	if len(offered) != 1 || offered[0].ID != c.ID {
		t.Fatalf("expected c to be offered after b left, got %+v", offered)
	}

	f.clock.Advance(16 * time.Minute)
	if _, err := f.eng.SweepExpired(f.ctx, 10); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.eng.GetWaitlistEntry(f.ctx, c.ID); got.Status != domain.WaitlistExpired {
		t.Errorf("expected c EXPIRED after its offer lapsed, got %s", got.Status)
	}
	if n := f.countEvents(domain.EventWaitlistOffered); n != 2 {
		t.Errorf("expected 2 waitlist.offered, got %d", n)
	}
}

func TestPromoteWaitlist_ConcurrentReleasesKeepJoinOrder(t *testing.T) {
	const released, waiting = 6, 10
	f := newFixture(t, released)
	blockers := make([]domain.Hold, released)
	for i := range blockers {
		blockers[i] = f.holdTier(t, buyer("blocker"), 1)
	}
	entries := make([]domain.WaitlistEntry, waiting)
	for i := range entries {
		e, err := f.eng.JoinWaitlist(f.ctx, f.eventID, f.tierID, buyer(string(rune('a'+i))), 1)
		if err != nil {
			t.Fatal(err)
		}
		entries[i] = e
		f.clock.Advance(time.Second)
	}

	var wg sync.WaitGroup
	errs := make(chan error, released)
	for _, h := range blockers {
		wg.Add(1)
		go func(h domain.Hold) {
			defer wg.Done()
			if err := f.eng.CancelHold(f.ctx, h.ID); err != nil {
				errs <- err
				return
			}
			if _, err := f.eng.PromoteWaitlist(f.ctx, f.eventID, f.tierID); err != nil {
				errs <- err
			}
		}(h)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	for i, e := range entries {
		got, err := f.eng.GetWaitlistEntry(f.ctx, e.ID)
		if err != nil {
			t.Fatal(err)
		}
		want := domain.WaitlistActive
		if i < released {
			want = domain.WaitlistOffered
		}
		if got.Status != want {
			t.Errorf("entry %d: expected %s, got %s", i, want, got.Status)
		}
	}
	if n := f.countEvents(domain.EventWaitlistOffered); n != released {
		t.Errorf("expected %d waitlist.offered, got %d", released, n)
	}
}

func TestPromoteWaitlist_ReleasedUnitsStayPublic(t *testing.T) {
	f := newFixture(t, 1)
	blocker := f.holdTier(t, buyer("blocker"), 1)
	entry, err := f.eng.JoinWaitlist(f.ctx, f.eventID, f.tierID, buyer("waiting"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.eng.CancelHold(f.ctx, blocker.ID); err != nil {
		t.Fatal(err)
	}

	// Until the promoter runs, a freed unit goes to whoever asks first.
	f.holdTier(t, buyer("walk-up"), 1)
	offered, err := f.eng.PromoteWaitlist(f.ctx, f.eventID, f.tierID)
	if err != nil {
		t.Fatal(err)
	}
	if len(offered) != 0 {
		t.Fatalf("expected no offer while the unit is held, got %+v", offered)
	}
	if got, _ := f.eng.GetWaitlistEntry(f.ctx, entry.ID); got.Status != domain.WaitlistActive {
		t.Errorf("entry must stay ACTIVE, got %s", got.Status)
	}
}

func TestJoinWaitlist_Validation(t *testing.T) {
	f := newFixture(t, 3)
	if _, err := f.eng.JoinWaitlist(f.ctx, f.eventID, f.tierID, buyer("a"), 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
	if _, err := f.eng.JoinWaitlist(f.ctx, f.eventID, f.tierID, domain.Actor{Kind: domain.ActorBuyer}, 1); !errors.Is(err, domain.ErrMissingActor) {
		t.Errorf("expected missing actor, got %v", err)
	}
}
