package engine_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/memory"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	"github.com/shopspring/decimal"
)

var codePattern = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{4}(-[0-9A-HJKMNP-TV-Z]{4}){3}$`)

func TestFinalize_IssuesOneTicketPerUnit(t *testing.T) {
	f := newFixture(t, 10)
	hold, err := f.eng.CreateHold(f.ctx, engine.HoldRequest{
		EventID: f.eventID,
		Actor:   buyer("b"),
		Units: []engine.UnitRequest{
			{TierID: f.tierID, Quantity: 3},
			{Seat: &engine.SeatSelector{Section: "A", Row: "2", Number: 9}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	tickets, err := f.eng.Finalize(f.ctx, hold.ID, engine.SaleContext{PaymentRef: "pi_1", AttendeeID: "ann@example.com", Channel: engine.ChannelOnline})
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 4 {
		t.Fatalf("expected 4 tickets, got %d", len(tickets))
	}
	codes := map[string]bool{}
	seated := 0
	for _, tk := range tickets {
		if !codePattern.MatchString(tk.Code) {
			t.Errorf("bad ticket code %q", tk.Code)
		}
		codes[tk.Code] = true
		if tk.Status != domain.TicketValid || tk.HoldID != hold.ID || tk.AttendeeID != "ann@example.com" {
			t.Errorf("unexpected ticket %+v", tk)
		}
		if tk.Seat != nil {
			seated++
		} else if !tk.Price.Equal(decimal.RequireFromString("25")) {
			t.Errorf("expected tier price 25, got %s", tk.Price)
		}
	}
	if len(codes) != 4 || seated != 1 {
		t.Errorf("expected 4 distinct codes and 1 seated ticket, got %d and %d", len(codes), seated)
	}

	if av := f.available(t); av.Sold != 3 || av.Held != 0 || av.Available != 7 {
		t.Errorf("unexpected availability after finalize: %+v", av)
	}
	status, err := f.eng.SeatStatus(f.ctx, f.eventID, domain.SeatRef{Section: "A", Row: "2", Number: 9})
	if err != nil {
		t.Fatal(err)
	}
	if status != domain.SeatReserved {
		t.Errorf("expected RESERVED, got %s", status)
	}
	got, err := f.eng.GetHold(f.ctx, hold.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.HoldConfirmed || got.PaymentRef != "pi_1" {
		t.Errorf("expected CONFIRMED with payment ref, got %s %q", got.Status, got.PaymentRef)
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	f := newFixture(t, 10)
	hold := f.holdTier(t, buyer("b"), 5)

	first, err := f.eng.ConfirmHold(f.ctx, hold.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.eng.ConfirmHold(f.ctx, hold.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 5 || len(second) != 5 {
		t.Fatalf("expected 5 tickets both times, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("position %d: replay returned %s, first call %s", i, second[i].ID, first[i].ID)
		}
	}
	if av := f.available(t); av.Sold != 5 {
		t.Errorf("replay must not sell twice, sold=%d", av.Sold)
	}
	if n := f.countEvents(domain.EventTicketsIssued); n != 1 {
		t.Errorf("expected one tickets.issued, got %d", n)
	}
}

func TestFinalize_PaymentRefMismatch(t *testing.T) {
	f := newFixture(t, 10)
	hold := f.holdTier(t, buyer("b"), 1)
	if err := f.eng.AttachPayment(f.ctx, hold.ID, "pi_first"); err != nil {
		t.Fatal(err)
	}

	_, err := f.eng.Finalize(f.ctx, hold.ID, engine.SaleContext{PaymentRef: "pi_other", Channel: engine.ChannelOnline})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for a second payment ref, got %v", err)
	}
	if av := f.available(t); av.Sold != 0 || av.Held != 1 {
		t.Errorf("rejected finalize must leave the hold alone: %+v", av)
	}

	if _, err := f.eng.Finalize(f.ctx, hold.ID, engine.SaleContext{PaymentRef: "pi_first", Channel: engine.ChannelOnline}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.Finalize(f.ctx, hold.ID, engine.SaleContext{PaymentRef: "pi_other"}); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict on a confirmed hold too, got %v", err)
	}
}

func TestFinalize_CancelledHold(t *testing.T) {
	f := newFixture(t, 10)
	hold := f.holdTier(t, buyer("b"), 1)
	if err := f.eng.CancelHold(f.ctx, hold.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.ConfirmHold(f.ctx, hold.ID); !errors.Is(err, domain.ErrHoldNotActive) {
		t.Fatalf("expected hold not active, got %v", err)
	}
	if _, err := f.eng.ConfirmHold(f.ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConfirmByPaymentRef(t *testing.T) {
	f := newFixture(t, 10)
	paid := f.holdTier(t, buyer("a"), 1)
	declined := f.holdTier(t, buyer("b"), 1)
	if err := f.eng.AttachPayment(f.ctx, paid.ID, "pi_ok"); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.AttachPayment(f.ctx, declined.ID, "pi_declined"); err != nil {
		t.Fatal(err)
	}

	tickets, err := f.eng.ConfirmByPaymentRef(f.ctx, "pi_ok", engine.SaleContext{Channel: engine.ChannelOnline})
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 1 {
		t.Fatalf("expected 1 ticket, got %d", len(tickets))
	}
	if err := f.eng.CancelByPaymentRef(f.ctx, "pi_declined"); err != nil {
		t.Fatal(err)
	}
	if av := f.available(t); av.Sold != 1 || av.Held != 0 {
		t.Errorf("unexpected availability: %+v", av)
	}
	if _, err := f.eng.ConfirmByPaymentRef(f.ctx, "pi_unknown", engine.SaleContext{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestVoidTicket_ReturnsInventory(t *testing.T) {
	f := newFixture(t, 10)
	hold, err := f.eng.CreateHold(f.ctx, engine.HoldRequest{
		EventID: f.eventID,
		Actor:   buyer("b"),
		Units: []engine.UnitRequest{
			{TierID: f.tierID, Quantity: 1},
			{Seat: &engine.SeatSelector{Section: "A", Row: "1", Number: 5}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	tickets, err := f.eng.ConfirmHold(f.ctx, hold.ID)
	if err != nil {
		t.Fatal(err)
	}

	for _, tk := range tickets {
		voided, err := f.eng.VoidTicket(f.ctx, tk.ID)
		if err != nil {
			t.Fatal(err)
		}
		if voided.Status != domain.TicketVoid {
			t.Errorf("expected VOID, got %s", voided.Status)
		}
		if _, err := f.eng.VoidTicket(f.ctx, tk.ID); err != nil {
			t.Errorf("voiding twice should be a no-op, got %v", err)
		}
	}

	if av := f.available(t); av.Sold != 0 || av.Available != 10 {
		t.Errorf("expected tier back to 10 available, got %+v", av)
	}
	status, err := f.eng.SeatStatus(f.ctx, f.eventID, domain.SeatRef{Section: "A", Row: "1", Number: 5})
	if err != nil {
		t.Fatal(err)
	}
	if status != domain.SeatAvailable {
		t.Errorf("expected A/1/5 AVAILABLE after void, got %s", status)
	}
	if _, err := f.eng.CreateHold(f.ctx, f.seatRequest(buyer("next"), "1", 5)); err != nil {
		t.Errorf("expected voided seat to be sellable, got %v", err)
	}
	if n := f.countEvents(domain.EventTicketVoided); n != 2 {
		t.Errorf("expected 2 ticket.voided, got %d", n)
	}
}

func TestRedeemAndTransfer(t *testing.T) {
	f := newFixture(t, 10)
	hold := f.holdTier(t, buyer("b"), 2)
	tickets, err := f.eng.ConfirmHold(f.ctx, hold.ID)
	if err != nil {
		t.Fatal(err)
	}

	used, err := f.eng.RedeemTicket(f.ctx, tickets[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if used.Status != domain.TicketUsed {
		t.Errorf("expected USED, got %s", used.Status)
	}
	if _, err := f.eng.RedeemTicket(f.ctx, tickets[0].ID); !errors.Is(err, domain.ErrTicketNotValid) {
		t.Errorf("expected second redeem to fail, got %v", err)
	}
	if _, err := f.eng.VoidTicket(f.ctx, tickets[0].ID); !errors.Is(err, domain.ErrTicketNotValid) {
		t.Errorf("expected void of used ticket to fail, got %v", err)
	}

	moved, err := f.eng.TransferTicket(f.ctx, tickets[1].ID, "bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if moved.TransferredFrom != tickets[1].ID || moved.Code == tickets[1].Code || moved.AttendeeID != "bob@example.com" {
		t.Errorf("unexpected transferred ticket %+v", moved)
	}
	if _, err := f.eng.RedeemTicket(f.ctx, tickets[1].ID); !errors.Is(err, domain.ErrTicketNotValid) {
		t.Errorf("old code must stop working after transfer, got %v", err)
	}
	if av := f.available(t); av.Sold != 2 {
		t.Errorf("transfer must not change sold, got %d", av.Sold)
	}
}

type oversellStore struct {
	*memory.Store
}

func (s oversellStore) WithTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx engine.Tx) error {
		return fn(oversellTx{tx})
	})
}

type oversellTx struct {
	engine.Tx
}

func (t oversellTx) AddTierSold(ctx context.Context, id uuid.UUID, delta int) error {
	if delta > 0 {
		return errors.Wrapf(domain.ErrOversell, "tier %s", id)
	}
	return t.Tx.AddTierSold(ctx, id, delta)
}

func TestFinalize_InventoryConflictCancelsHold(t *testing.T) {
	f := &fixture{
		ctx:     context.Background(),
		store:   memory.NewStore(),
		clock:   newFakeClock(),
		eventID: uuid.New(),
		tierID:  uuid.New(),
	}
	f.provision(t, 10, oversellStore{f.store})

	hold := f.holdTier(t, buyer("unlucky"), 2)
	if err := f.eng.AttachPayment(f.ctx, hold.ID, "pi_charged"); err != nil {
		t.Fatal(err)
	}

	_, err := f.eng.ConfirmByPaymentRef(f.ctx, "pi_charged", engine.SaleContext{Channel: engine.ChannelOnline})
	if !errors.Is(err, domain.ErrInventoryConflict) {
		t.Fatalf("expected inventory conflict, got %v", err)
	}
	if !errors.Is(err, domain.ErrOversell) {
		t.Errorf("expected the cause to be kept, got %v", err)
	}

	got, err := f.eng.GetHold(f.ctx, hold.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.HoldCancelled {
		t.Errorf("expected conflicted hold to be cancelled, got %s", got.Status)
	}
	if n := f.countEvents(domain.EventHoldConflict); n != 1 {
		t.Errorf("expected one hold.conflict, got %d", n)
	}
	if av := f.available(t); av.Available != 10 || av.Sold != 0 {
		t.Errorf("expected units back, got %+v", av)
	}
}
