package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type AllocationRequest struct {
	EventID             uuid.UUID
	TierID              uuid.UUID
	StaffID             string
	Tickets             int
	CommissionPerTicket decimal.Decimal
}

// CreateAllocation carves a staff pool out of the tier's public inventory.
// The pool reserves a count, not specific units.
func (e *Engine) CreateAllocation(ctx context.Context, req AllocationRequest) (domain.StaffAllocation, error) {
	if req.StaffID == "" {
		return domain.StaffAllocation{}, domain.ErrMissingActor
	}
	if req.Tickets <= 0 || req.CommissionPerTicket.IsNegative() {
		return domain.StaffAllocation{}, errors.Wrap(domain.ErrInvalidInput, "allocation needs tickets > 0 and commission >= 0")
	}
	alloc := domain.StaffAllocation{
		ID:                  uuid.New(),
		EventID:             req.EventID,
		TierID:              req.TierID,
		StaffID:             req.StaffID,
		AllocatedTickets:    req.Tickets,
		CommissionPerTicket: req.CommissionPerTicket,
		CommissionEarned:    decimal.Zero,
		CashCollected:       decimal.Zero,
	}
	now := e.now()
	err := e.store.WithTx(ctx, func(tx Tx) error {
		tier, av, err := e.tierAvailability(ctx, tx, req.TierID, now)
		if err != nil {
			return err
		}
		if tier.EventID != req.EventID {
			return errors.Wrapf(domain.ErrInvalidInput, "tier %s does not belong to event %s", req.TierID, req.EventID)
		}
		if req.Tickets > av.PublicAvailable {
			return errors.Wrapf(domain.ErrHoldConflict, "tier %s: %d requested for staff, %d publicly available", req.TierID, req.Tickets, av.PublicAvailable)
		}
		return tx.InsertStaffAllocation(ctx, alloc)
	})
	if err != nil {
		return domain.StaffAllocation{}, err
	}
	return alloc, nil
}

func (e *Engine) GetAllocation(ctx context.Context, id uuid.UUID) (domain.StaffAllocation, error) {
	var alloc domain.StaffAllocation
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		alloc, err = tx.GetStaffAllocation(ctx, id)
		return err
	})
	return alloc, err
}

// checkStaffQuota fails with ErrStaffQuotaExceeded when the seller's own
// pool cannot cover qty, whatever the tier has left.
func (e *Engine) checkStaffQuota(ctx context.Context, tx Tx, allocationID, tierID uuid.UUID, qty int, now time.Time) error {
	alloc, err := tx.GetStaffAllocation(ctx, allocationID)
	if err != nil {
		return err
	}
	if alloc.TierID != tierID {
		return errors.Wrapf(domain.ErrInvalidInput, "allocation %s is for tier %s", allocationID, alloc.TierID)
	}
	held, err := tx.ActiveStaffHeld(ctx, allocationID, now)
	if err != nil {
		return err
	}
	if remaining := alloc.Remaining() - held; qty > remaining {
		return errors.Wrapf(domain.ErrStaffQuotaExceeded, "staff %s: %d requested, %d left of %d", alloc.StaffID, qty, max(remaining, 0), alloc.AllocatedTickets)
	}
	return nil
}

type StaffSaleRequest struct {
	AllocationID uuid.UUID
	Actor        domain.Actor
	Quantity     int
	AttendeeID   string
	OrderID      uuid.UUID
}

// StaffSale sells from a staff pool for cash: hold and finalize back to
// back. The sale counts against the pool and the tier's sold counter.
func (e *Engine) StaffSale(ctx context.Context, req StaffSaleRequest) (tickets []domain.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "StaffSale", attribute.String("allocation_id", req.AllocationID.String()))
	defer func() { endSpan(span, err) }()

	if err := req.Actor.Validate(); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "quantity must be positive")
	}
	alloc, err := e.GetAllocation(ctx, req.AllocationID)
	if err != nil {
		return nil, err
	}
	if alloc.StaffID != req.Actor.ID {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "allocation %s belongs to another seller", alloc.ID)
	}

	hold, err := e.CreateHold(ctx, HoldRequest{
		EventID:           alloc.EventID,
		Actor:             req.Actor,
		Units:             []UnitRequest{{TierID: alloc.TierID, Quantity: req.Quantity}},
		staffAllocationID: alloc.ID,
	})
	if err != nil {
		return nil, err
	}
	tickets, err = e.Finalize(ctx, hold.ID, SaleContext{
		OrderID:    req.OrderID,
		AttendeeID: req.AttendeeID,
		Channel:    ChannelCash,
	})
	if err != nil {
		if cerr := e.CancelHold(ctx, hold.ID); cerr != nil {
			e.logger.WithError(cerr).WithField("hold_id", hold.ID).Warn("cancel after failed staff sale")
		}
		return nil, err
	}
	return tickets, nil
}
