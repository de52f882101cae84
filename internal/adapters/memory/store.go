// Package memory is a single-process Store for tests and local runs. Each
// transaction works on a copy of the state under one mutex and is committed
// by swapping the copy in, so it is serializable by construction.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	"github.com/shopspring/decimal"
)

type seatKey struct {
	eventID uuid.UUID
	ref     domain.SeatRef
}

type state struct {
	tiers        map[uuid.UUID]domain.Tier
	seats        map[seatKey]domain.Seat
	holds        map[uuid.UUID]domain.Hold
	paymentIndex map[string]uuid.UUID
	tickets      map[uuid.UUID]domain.Ticket
	codes        map[string]uuid.UUID
	staff        map[uuid.UUID]domain.StaffAllocation
	waitlist     map[uuid.UUID]domain.WaitlistEntry
	outbox       []domain.OutboxEvent
}

func newState() *state {
	return &state{
		tiers:        map[uuid.UUID]domain.Tier{},
		seats:        map[seatKey]domain.Seat{},
		holds:        map[uuid.UUID]domain.Hold{},
		paymentIndex: map[string]uuid.UUID{},
		tickets:      map[uuid.UUID]domain.Ticket{},
		codes:        map[string]uuid.UUID{},
		staff:        map[uuid.UUID]domain.StaffAllocation{},
		waitlist:     map[uuid.UUID]domain.WaitlistEntry{},
	}
}

func (s *state) clone() *state {
	c := &state{
		tiers:        make(map[uuid.UUID]domain.Tier, len(s.tiers)),
		seats:        make(map[seatKey]domain.Seat, len(s.seats)),
		holds:        make(map[uuid.UUID]domain.Hold, len(s.holds)),
		paymentIndex: make(map[string]uuid.UUID, len(s.paymentIndex)),
		tickets:      make(map[uuid.UUID]domain.Ticket, len(s.tickets)),
		codes:        make(map[string]uuid.UUID, len(s.codes)),
		staff:        make(map[uuid.UUID]domain.StaffAllocation, len(s.staff)),
		waitlist:     make(map[uuid.UUID]domain.WaitlistEntry, len(s.waitlist)),
		outbox:       append([]domain.OutboxEvent(nil), s.outbox...),
	}
	for k, v := range s.tiers {
		c.tiers[k] = v
	}
	for k, v := range s.seats {
		c.seats[k] = v
	}
	for k, v := range s.holds {
		v.Items = append([]domain.HoldItem(nil), v.Items...)
		c.holds[k] = v
	}
	for k, v := range s.paymentIndex {
		c.paymentIndex[k] = v
	}
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.staff {
		c.staff[k] = v
	}
	for k, v := range s.waitlist {
		c.waitlist[k] = v
	}
	return c
}

type Store struct {
	mu    sync.Mutex
	state *state
}

func NewStore() *Store {
	return &Store{state: newState()}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Outbox returns every event committed so far, oldest first.
func (s *Store) Outbox() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxEvent(nil), s.state.outbox...)
}

type tx struct {
	st *state
}

func notFound(kind string, id interface{}) error {
	return errors.Wrapf(domain.ErrNotFound, "%s %v", kind, id)
}

func (t *tx) InsertTier(_ context.Context, tier domain.Tier) error {
	if _, ok := t.st.tiers[tier.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "tier %s exists", tier.ID)
	}
	t.st.tiers[tier.ID] = tier
	return nil
}

func (t *tx) GetTier(_ context.Context, id uuid.UUID) (domain.Tier, error) {
	tier, ok := t.st.tiers[id]
	if !ok {
		return domain.Tier{}, notFound("tier", id)
	}
	return tier, nil
}

func (t *tx) AddTierSold(_ context.Context, id uuid.UUID, delta int) error {
	tier, ok := t.st.tiers[id]
	if !ok {
		return notFound("tier", id)
	}
	next := tier.Sold + delta
	if next < 0 || next > tier.Quantity {
		return errors.Wrapf(domain.ErrOversell, "tier %s: sold %d%+d exceeds [0,%d]", id, tier.Sold, delta, tier.Quantity)
	}
	tier.Sold = next
	t.st.tiers[id] = tier
	return nil
}

func (t *tx) activeHolds(now time.Time, keep func(domain.Hold) bool) []domain.Hold {
	var out []domain.Hold
	for _, h := range t.st.holds {
		if h.Status == domain.HoldActive && now.Before(h.ExpiresAt) && keep(h) {
			out = append(out, h)
		}
	}
	return out
}

func (t *tx) ActiveTierHeld(_ context.Context, tierID uuid.UUID, now time.Time) (int, error) {
	n := 0
	for _, h := range t.activeHolds(now, func(domain.Hold) bool { return true }) {
		n += h.TierQuantity(tierID)
	}
	return n, nil
}

func (t *tx) InsertSeats(_ context.Context, seats []domain.Seat) error {
	for _, s := range seats {
		k := seatKey{s.EventID, s.Ref}
		if _, ok := t.st.seats[k]; ok {
			return errors.Wrapf(domain.ErrConflict, "seat %s exists", s.Ref)
		}
		t.st.seats[k] = s
	}
	return nil
}

func (t *tx) GetSeat(_ context.Context, eventID uuid.UUID, ref domain.SeatRef) (domain.Seat, error) {
	s, ok := t.st.seats[seatKey{eventID, ref}]
	if !ok {
		return domain.Seat{}, notFound("seat", ref)
	}
	return s, nil
}

func (t *tx) ListSeats(_ context.Context, eventID uuid.UUID, section, row string) ([]domain.Seat, error) {
	var out []domain.Seat
	for k, s := range t.st.seats {
		if k.eventID != eventID {
			continue
		}
		if section != "" && s.Ref.Section != section {
			continue
		}
		if row != "" && s.Ref.Row != row {
			continue
		}
		out = append(out, s)
	}
	engine.SortSeats(out)
	return out, nil
}

func (t *tx) ClaimSeat(_ context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID, heldUntil, now time.Time) (bool, error) {
	k := seatKey{eventID, ref}
	s, ok := t.st.seats[k]
	if !ok {
		return false, notFound("seat", ref)
	}
	if s.EffectiveStatus(now) != domain.SeatAvailable {
		return false, nil
	}
	s.Status = domain.SeatHeld
	s.HoldID = holdID
	s.HeldUntil = heldUntil
	t.st.seats[k] = s
	return true, nil
}

func (t *tx) ExtendSeatClaim(_ context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID, heldUntil time.Time) error {
	k := seatKey{eventID, ref}
	s, ok := t.st.seats[k]
	if !ok {
		return notFound("seat", ref)
	}
	if s.Status == domain.SeatHeld && s.HoldID == holdID {
		s.HeldUntil = heldUntil
		t.st.seats[k] = s
	}
	return nil
}

func (t *tx) ReserveSeat(_ context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID) (bool, error) {
	k := seatKey{eventID, ref}
	s, ok := t.st.seats[k]
	if !ok {
		return false, notFound("seat", ref)
	}
	if s.Status != domain.SeatHeld || s.HoldID != holdID {
		return false, nil
	}
	s.Status = domain.SeatReserved
	s.HeldUntil = time.Time{}
	t.st.seats[k] = s
	return true, nil
}

func (t *tx) ReleaseSeat(_ context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID) (bool, error) {
	k := seatKey{eventID, ref}
	s, ok := t.st.seats[k]
	if !ok {
		return false, notFound("seat", ref)
	}
	if (s.Status != domain.SeatHeld && s.Status != domain.SeatReserved) || s.HoldID != holdID {
		return false, nil
	}
	s.Status = domain.SeatAvailable
	s.HoldID = uuid.Nil
	s.HeldUntil = time.Time{}
	t.st.seats[k] = s
	return true, nil
}

func (t *tx) InsertHold(_ context.Context, hold domain.Hold) error {
	if _, ok := t.st.holds[hold.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "hold %s exists", hold.ID)
	}
	hold.Items = append([]domain.HoldItem(nil), hold.Items...)
	t.st.holds[hold.ID] = hold
	if hold.PaymentRef != "" {
		t.st.paymentIndex[hold.PaymentRef] = hold.ID
	}
	return nil
}

func (t *tx) GetHold(_ context.Context, id uuid.UUID) (domain.Hold, error) {
	h, ok := t.st.holds[id]
	if !ok {
		return domain.Hold{}, notFound("hold", id)
	}
	h.Items = append([]domain.HoldItem(nil), h.Items...)
	return h, nil
}

func (t *tx) GetHoldByPaymentRef(ctx context.Context, paymentRef string) (domain.Hold, error) {
	id, ok := t.st.paymentIndex[paymentRef]
	if !ok {
		return domain.Hold{}, notFound("payment", paymentRef)
	}
	return t.GetHold(ctx, id)
}

func (t *tx) UpdateHoldStatus(_ context.Context, id uuid.UUID, from, to domain.HoldStatus) (bool, error) {
	h, ok := t.st.holds[id]
	if !ok {
		return false, notFound("hold", id)
	}
	if h.Status != from {
		return false, nil
	}
	h.Status = to
	t.st.holds[id] = h
	return true, nil
}

func (t *tx) UpdateHoldExpiry(_ context.Context, id uuid.UUID, expiresAt time.Time) error {
	h, ok := t.st.holds[id]
	if !ok {
		return notFound("hold", id)
	}
	h.ExpiresAt = expiresAt
	t.st.holds[id] = h
	return nil
}

func (t *tx) SetHoldPaymentRef(_ context.Context, id uuid.UUID, paymentRef string) error {
	h, ok := t.st.holds[id]
	if !ok {
		return notFound("hold", id)
	}
	if other, ok := t.st.paymentIndex[paymentRef]; ok && other != id {
		return errors.Wrapf(domain.ErrConflict, "payment %s belongs to hold %s", paymentRef, other)
	}
	if h.PaymentRef != "" {
		delete(t.st.paymentIndex, h.PaymentRef)
	}
	h.PaymentRef = paymentRef
	t.st.holds[id] = h
	t.st.paymentIndex[paymentRef] = id
	return nil
}

func (t *tx) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var expired []domain.Hold
	for _, h := range t.st.holds {
		if h.Status == domain.HoldActive && h.ExpiredAt(now) {
			expired = append(expired, h)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]uuid.UUID, len(expired))
	for i, h := range expired {
		ids[i] = h.ID
	}
	return ids, nil
}

func (t *tx) InsertTickets(_ context.Context, tickets []domain.Ticket) error {
	for _, tk := range tickets {
		if _, ok := t.st.codes[tk.Code]; ok {
			return errors.Wrapf(domain.ErrConflict, "ticket code %s taken", tk.Code)
		}
		if _, ok := t.st.tickets[tk.ID]; ok {
			return errors.Wrapf(domain.ErrConflict, "ticket %s exists", tk.ID)
		}
		t.st.tickets[tk.ID] = tk
		t.st.codes[tk.Code] = tk.ID
	}
	return nil
}

func (t *tx) GetTicket(_ context.Context, id uuid.UUID) (domain.Ticket, error) {
	tk, ok := t.st.tickets[id]
	if !ok {
		return domain.Ticket{}, notFound("ticket", id)
	}
	return tk, nil
}

func (t *tx) TicketsByHold(_ context.Context, holdID uuid.UUID) ([]domain.Ticket, error) {
	var out []domain.Ticket
	for _, tk := range t.st.tickets {
		if tk.HoldID == holdID && tk.TransferredFrom == uuid.Nil {
			out = append(out, tk)
		}
	}
	domain.SortTickets(out)
	return out, nil
}

func (t *tx) UpdateTicketStatus(_ context.Context, id uuid.UUID, from, to domain.TicketStatus) (bool, error) {
	tk, ok := t.st.tickets[id]
	if !ok {
		return false, notFound("ticket", id)
	}
	if tk.Status != from {
		return false, nil
	}
	tk.Status = to
	t.st.tickets[id] = tk
	return true, nil
}

func (t *tx) InsertStaffAllocation(_ context.Context, alloc domain.StaffAllocation) error {
	if _, ok := t.st.staff[alloc.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "allocation %s exists", alloc.ID)
	}
	t.st.staff[alloc.ID] = alloc
	return nil
}

func (t *tx) GetStaffAllocation(_ context.Context, id uuid.UUID) (domain.StaffAllocation, error) {
	a, ok := t.st.staff[id]
	if !ok {
		return domain.StaffAllocation{}, notFound("allocation", id)
	}
	return a, nil
}

func (t *tx) ListStaffAllocations(_ context.Context, tierID uuid.UUID) ([]domain.StaffAllocation, error) {
	var out []domain.StaffAllocation
	for _, a := range t.st.staff {
		if a.TierID == tierID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *tx) ActiveStaffHeld(_ context.Context, allocationID uuid.UUID, now time.Time) (int, error) {
	n := 0
	for _, h := range t.activeHolds(now, func(h domain.Hold) bool { return h.StaffAllocationID == allocationID }) {
		for _, item := range h.Items {
			if u, ok := item.Unit.(domain.TierUnit); ok {
				n += u.Quantity
			}
		}
	}
	return n, nil
}

func (t *tx) AddStaffSale(_ context.Context, id uuid.UUID, qty int, commission, cash decimal.Decimal) error {
	a, ok := t.st.staff[id]
	if !ok {
		return notFound("allocation", id)
	}
	next := a.TicketsSold + qty
	if next < 0 || next > a.AllocatedTickets {
		return errors.Wrapf(domain.ErrStaffQuotaExceeded, "allocation %s: sold %d%+d exceeds [0,%d]", id, a.TicketsSold, qty, a.AllocatedTickets)
	}
	a.TicketsSold = next
	a.CommissionEarned = a.CommissionEarned.Add(commission)
	a.CashCollected = a.CashCollected.Add(cash)
	t.st.staff[id] = a
	return nil
}

func (t *tx) InsertWaitlistEntry(_ context.Context, entry domain.WaitlistEntry) error {
	if _, ok := t.st.waitlist[entry.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "waitlist entry %s exists", entry.ID)
	}
	t.st.waitlist[entry.ID] = entry
	return nil
}

func (t *tx) GetWaitlistEntry(_ context.Context, id uuid.UUID) (domain.WaitlistEntry, error) {
	e, ok := t.st.waitlist[id]
	if !ok {
		return domain.WaitlistEntry{}, notFound("waitlist entry", id)
	}
	return e, nil
}

func (t *tx) NextWaitlistEntry(_ context.Context, eventID, tierID uuid.UUID) (domain.WaitlistEntry, error) {
	var (
		next  domain.WaitlistEntry
		found bool
	)
	for _, e := range t.st.waitlist {
		if e.EventID != eventID || e.TierID != tierID || e.Status != domain.WaitlistActive {
			continue
		}
		if !found || e.JoinedAt.Before(next.JoinedAt) ||
			(e.JoinedAt.Equal(next.JoinedAt) && bytes.Compare(e.ID[:], next.ID[:]) < 0) {
			next, found = e, true
		}
	}
	if !found {
		return domain.WaitlistEntry{}, notFound("waitlist entry for tier", tierID)
	}
	return next, nil
}

func (t *tx) UpdateWaitlistEntry(_ context.Context, id uuid.UUID, from, to domain.WaitlistStatus, holdID uuid.UUID) (bool, error) {
	e, ok := t.st.waitlist[id]
	if !ok {
		return false, notFound("waitlist entry", id)
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	if holdID != uuid.Nil {
		e.HoldID = holdID
	}
	t.st.waitlist[id] = e
	return true, nil
}

func (t *tx) InsertOutbox(_ context.Context, event domain.OutboxEvent) error {
	t.st.outbox = append(t.st.outbox, event)
	return nil
}
