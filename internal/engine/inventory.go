package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"go.opentelemetry.io/otel/attribute"
)

// TierAvailability is a point-in-time view of one tier. It is advisory as
// soon as the transaction that produced it ends.
type TierAvailability struct {
	TierID   uuid.UUID `json:"tier_id"`
	Quantity int       `json:"quantity"`
	Sold     int       `json:"sold"`
	Held     int       `json:"held"`
	// StaffReserved counts units still owed to staff pools.
	StaffReserved int `json:"staff_reserved"`
	// Available is quantity - sold - held.
	Available int `json:"available"`
	// PublicAvailable further excludes StaffReserved.
	PublicAvailable int `json:"public_available"`
}

func (e *Engine) tierAvailability(ctx context.Context, tx Tx, tierID uuid.UUID, now time.Time) (domain.Tier, TierAvailability, error) {
	tier, err := tx.GetTier(ctx, tierID)
	if err != nil {
		return domain.Tier{}, TierAvailability{}, err
	}
	held, err := tx.ActiveTierHeld(ctx, tierID, now)
	if err != nil {
		return domain.Tier{}, TierAvailability{}, err
	}
	allocs, err := tx.ListStaffAllocations(ctx, tierID)
	if err != nil {
		return domain.Tier{}, TierAvailability{}, err
	}
	reserved := 0
	for _, a := range allocs {
		staffHeld, err := tx.ActiveStaffHeld(ctx, a.ID, now)
		if err != nil {
			return domain.Tier{}, TierAvailability{}, err
		}
		if r := a.Remaining() - staffHeld; r > 0 {
			reserved += r
		}
	}
	av := TierAvailability{
		TierID:        tier.ID,
		Quantity:      tier.Quantity,
		Sold:          tier.Sold,
		Held:          held,
		StaffReserved: reserved,
		Available:     tier.Quantity - tier.Sold - held,
	}
	if av.Available < 0 {
		av.Available = 0
	}
	av.PublicAvailable = av.Available - reserved
	if av.PublicAvailable < 0 {
		av.PublicAvailable = 0
	}
	return tier, av, nil
}

func (e *Engine) Availability(ctx context.Context, tierID uuid.UUID) (TierAvailability, error) {
	var av TierAvailability
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		_, av, err = e.tierAvailability(ctx, tx, tierID, e.now())
		return err
	})
	return av, err
}

// AvailableCount is quantity - sold - active unexpired holds.
func (e *Engine) AvailableCount(ctx context.Context, tierID uuid.UUID) (int, error) {
	av, err := e.Availability(ctx, tierID)
	if err != nil {
		return 0, err
	}
	return av.Available, nil
}

func (e *Engine) SeatStatus(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef) (domain.SeatStatus, error) {
	var status domain.SeatStatus
	err := e.store.WithTx(ctx, func(tx Tx) error {
		seat, err := tx.GetSeat(ctx, eventID, ref)
		if err != nil {
			return err
		}
		status = seat.EffectiveStatus(e.now())
		return nil
	})
	return status, err
}

// ListSeats returns seats with their effective status.
func (e *Engine) ListSeats(ctx context.Context, eventID uuid.UUID, section, row string) ([]domain.Seat, error) {
	var seats []domain.Seat
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		seats, err = tx.ListSeats(ctx, eventID, section, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := e.now()
	for i := range seats {
		if st := seats[i].EffectiveStatus(now); st != seats[i].Status {
			seats[i].Status = st
			seats[i].HoldID = uuid.Nil
			seats[i].HeldUntil = time.Time{}
		}
	}
	return seats, nil
}

// CommitSale makes a held unit permanent: tier sold += qty, or the seat
// goes HELD -> RESERVED. Each is one conditional write; a lost race comes
// back as ErrOversell or ErrSeatUnavailable.
func (e *Engine) CommitSale(ctx context.Context, tx Tx, eventID, holdID uuid.UUID, unit domain.Unit) error {
	switch u := unit.(type) {
	case domain.TierUnit:
		return tx.AddTierSold(ctx, u.TierID, u.Quantity)
	case domain.SeatUnit:
		ok, err := tx.ReserveSeat(ctx, eventID, u.Ref, holdID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(domain.ErrSeatUnavailable, "seat %s no longer held by %s", u.Ref, holdID)
		}
		return nil
	}
	return errors.Wrapf(domain.ErrInvalidInput, "unknown unit kind %T", unit)
}

// ReleaseUnit returns a seat owned by holdID to AVAILABLE. Tier units have
// nothing to release: sold never moved for an unconfirmed hold.
func (e *Engine) ReleaseUnit(ctx context.Context, tx Tx, eventID, holdID uuid.UUID, unit domain.Unit) error {
	switch u := unit.(type) {
	case domain.TierUnit:
		return nil
	case domain.SeatUnit:
		_, err := tx.ReleaseSeat(ctx, eventID, u.Ref, holdID)
		return err
	}
	return errors.Wrapf(domain.ErrInvalidInput, "unknown unit kind %T", unit)
}

type EventSetup struct {
	EventID uuid.UUID
	Tiers   []domain.Tier
	Seats   []domain.Seat
}

// Provision copies tier and seat identities for an event. Chart topology is
// owned by the catalog; this is the only place the engine creates units.
func (e *Engine) Provision(ctx context.Context, setup EventSetup) (err error) {
	ctx, span := e.startSpan(ctx, "Provision", attribute.String("event_id", setup.EventID.String()))
	defer func() { endSpan(span, err) }()

	if setup.EventID == uuid.Nil {
		return errors.Wrap(domain.ErrInvalidInput, "event id required")
	}
	seen := make(map[domain.SeatRef]bool, len(setup.Seats))
	for i := range setup.Seats {
		s := &setup.Seats[i]
		if !s.Ref.Valid() {
			return errors.Wrapf(domain.ErrInvalidInput, "invalid seat %s", s.Ref)
		}
		if seen[s.Ref] {
			return errors.Wrapf(domain.ErrInvalidInput, "duplicate seat %s", s.Ref)
		}
		seen[s.Ref] = true
		s.EventID = setup.EventID
		if s.Status != domain.SeatBlocked {
			s.Status = domain.SeatAvailable
		}
		s.HoldID = uuid.Nil
	}
	for i := range setup.Tiers {
		t := &setup.Tiers[i]
		if t.Quantity < 0 || t.Sold != 0 {
			return errors.Wrapf(domain.ErrInvalidInput, "tier %q: quantity must be >= 0 and sold 0", t.Name)
		}
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.EventID = setup.EventID
	}

	return e.store.WithTx(ctx, func(tx Tx) error {
		for _, t := range setup.Tiers {
			if err := tx.InsertTier(ctx, t); err != nil {
				return err
			}
		}
		if len(setup.Seats) == 0 {
			return nil
		}
		return tx.InsertSeats(ctx, setup.Seats)
	})
}
