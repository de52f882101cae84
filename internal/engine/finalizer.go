package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type Channel string

const (
	ChannelOnline Channel = "online"
	ChannelCash   Channel = "cash"
	ChannelGuest  Channel = "guest"
)

// SaleContext describes the confirmed payment or sale behind a finalize.
type SaleContext struct {
	OrderID    uuid.UUID
	PaymentRef string
	AttendeeID string
	Channel    Channel
	// Complimentary issues zero-priced tickets.
	Complimentary bool
}

// ConfirmHold finalizes a hold with no extra sale details.
func (e *Engine) ConfirmHold(ctx context.Context, holdID uuid.UUID) ([]domain.Ticket, error) {
	return e.Finalize(ctx, holdID, SaleContext{Channel: ChannelOnline})
}

// ConfirmByPaymentRef finalizes the hold a payment webhook refers to.
func (e *Engine) ConfirmByPaymentRef(ctx context.Context, paymentRef string, sale SaleContext) ([]domain.Ticket, error) {
	holdID, err := e.holdIDByPaymentRef(ctx, paymentRef)
	if err != nil {
		return nil, err
	}
	sale.PaymentRef = paymentRef
	return e.Finalize(ctx, holdID, sale)
}

// CancelByPaymentRef releases the hold behind a failed or denied payment.
func (e *Engine) CancelByPaymentRef(ctx context.Context, paymentRef string) error {
	holdID, err := e.holdIDByPaymentRef(ctx, paymentRef)
	if err != nil {
		return err
	}
	return e.CancelHold(ctx, holdID)
}

func (e *Engine) holdIDByPaymentRef(ctx context.Context, paymentRef string) (uuid.UUID, error) {
	if paymentRef == "" {
		return uuid.Nil, errors.Wrap(domain.ErrInvalidInput, "payment ref required")
	}
	var id uuid.UUID
	err := e.store.WithTx(ctx, func(tx Tx) error {
		hold, err := tx.GetHoldByPaymentRef(ctx, paymentRef)
		if err != nil {
			return err
		}
		id = hold.ID
		return nil
	})
	return id, err
}

// Finalize turns an ACTIVE hold into tickets, one per unit. Calling it again
// for a CONFIRMED hold returns the tickets issued the first time.
func (e *Engine) Finalize(ctx context.Context, holdID uuid.UUID, sale SaleContext) (tickets []domain.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "Finalize",
		attribute.String("hold_id", holdID.String()),
		attribute.String("channel", string(sale.Channel)))
	defer func() { endSpan(span, err) }()

	now := e.now()
	var (
		hold    domain.Hold
		expired bool
		replay  bool
	)
	err = e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		hold, err = tx.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if sale.PaymentRef != "" && hold.PaymentRef != "" && sale.PaymentRef != hold.PaymentRef {
			return errors.Wrapf(domain.ErrConflict, "hold %s already has payment %s", holdID, hold.PaymentRef)
		}
		switch hold.Status {
		case domain.HoldConfirmed:
			replay = true
			tickets, err = tx.TicketsByHold(ctx, holdID)
			return err
		case domain.HoldExpired:
			return errors.Wrapf(domain.ErrHoldExpired, "hold %s", holdID)
		case domain.HoldCancelled:
			return errors.Wrapf(domain.ErrHoldNotActive, "hold %s is cancelled", holdID)
		}
		if hold.ExpiredAt(now) {
			expired = true
			return e.releaseHoldTx(ctx, tx, hold, domain.HoldExpired)
		}
		tickets, err = e.finalizeTx(ctx, tx, hold, sale, now)
		return err
	})
	switch {
	case err == nil && expired:
		return nil, errors.Wrapf(domain.ErrHoldExpired, "hold %s expired at %s", holdID, hold.ExpiresAt.Format(time.RFC3339))
	case err == nil:
		if !replay {
			observability.TicketsIssued.Add(float64(len(tickets)))
			e.auditTickets(ctx, hold, tickets)
		}
		return tickets, nil
	case isCommitFailure(err):
		err = errors.Mark(errors.Wrapf(err, "finalize hold %s", holdID), domain.ErrInventoryConflict)
		e.reportConflict(ctx, hold, sale, err)
		return nil, err
	}
	return nil, err
}

func (e *Engine) finalizeTx(ctx context.Context, tx Tx, hold domain.Hold, sale SaleContext, now time.Time) ([]domain.Ticket, error) {
	units := 0
	amount := decimal.Zero
	for _, item := range hold.Items {
		if err := e.CommitSale(ctx, tx, hold.EventID, hold.ID, item.Unit); err != nil {
			return nil, err
		}
		n := 1
		if u, ok := item.Unit.(domain.TierUnit); ok {
			n = u.Quantity
		}
		units += n
		if !sale.Complimentary {
			amount = amount.Add(item.Price.Mul(decimal.NewFromInt(int64(n))))
		}
	}

	if hold.StaffAllocationID != uuid.Nil {
		alloc, err := tx.GetStaffAllocation(ctx, hold.StaffAllocationID)
		if err != nil {
			return nil, err
		}
		commission := alloc.CommissionPerTicket.Mul(decimal.NewFromInt(int64(units)))
		if err := tx.AddStaffSale(ctx, alloc.ID, units, commission, amount); err != nil {
			return nil, err
		}
	}

	orderID := sale.OrderID
	if orderID == uuid.Nil {
		orderID = uuid.New()
	}
	tickets := make([]domain.Ticket, 0, units)
	for _, item := range hold.Items {
		price := item.Price
		if sale.Complimentary {
			price = decimal.Zero
		}
		switch u := item.Unit.(type) {
		case domain.TierUnit:
			for i := 0; i < u.Quantity; i++ {
				t, err := domain.NewTicket(hold, domain.TierUnit{TierID: u.TierID, Quantity: 1}, price, orderID, sale.AttendeeID, now)
				if err != nil {
					return nil, err
				}
				tickets = append(tickets, t)
			}
		case domain.SeatUnit:
			t, err := domain.NewTicket(hold, u, price, orderID, sale.AttendeeID, now)
			if err != nil {
				return nil, err
			}
			tickets = append(tickets, t)
		}
	}
	domain.SortTickets(tickets)
	if err := tx.InsertTickets(ctx, tickets); err != nil {
		return nil, err
	}

	ok, err := tx.UpdateHoldStatus(ctx, hold.ID, domain.HoldActive, domain.HoldConfirmed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(domain.ErrHoldNotActive, "hold %s changed during finalize", hold.ID)
	}
	if sale.PaymentRef != "" && hold.PaymentRef == "" {
		if err := tx.SetHoldPaymentRef(ctx, hold.ID, sale.PaymentRef); err != nil {
			return nil, err
		}
	}
	if hold.WaitlistEntryID != uuid.Nil {
		if _, err := tx.UpdateWaitlistEntry(ctx, hold.WaitlistEntryID, domain.WaitlistOffered, domain.WaitlistConverted, hold.ID); err != nil {
			return nil, err
		}
	}

	ids := make([]uuid.UUID, len(tickets))
	for i, t := range tickets {
		ids[i] = t.ID
	}
	if err := e.emit(ctx, tx, "hold", hold.ID, domain.EventTicketsIssued, map[string]interface{}{
		"hold_id":     hold.ID,
		"event_id":    hold.EventID,
		"order_id":    orderID,
		"payment_ref": sale.PaymentRef,
		"channel":     sale.Channel,
		"amount":      amount,
		"ticket_ids":  ids,
	}); err != nil {
		return nil, err
	}
	return tickets, nil
}

func isCommitFailure(err error) bool {
	return errors.Is(err, domain.ErrOversell) ||
		errors.Is(err, domain.ErrSeatUnavailable) ||
		errors.Is(err, domain.ErrStaffQuotaExceeded)
}

// reportConflict handles a hold that passed reservation but could not be
// committed. The charge may already have gone through, so the hold is
// cancelled and a hold.conflict event tells the payment side to refund.
func (e *Engine) reportConflict(ctx context.Context, hold domain.Hold, sale SaleContext, cause error) {
	observability.InventoryConflicts.Inc()
	paymentRef := sale.PaymentRef
	if paymentRef == "" {
		paymentRef = hold.PaymentRef
	}
	fields := map[string]interface{}{
		"hold_id":     hold.ID,
		"event_id":    hold.EventID,
		"actor":       hold.Actor.ID,
		"payment_ref": paymentRef,
		"cause":       cause.Error(),
	}
	e.logger.WithFields(fields).Error("inventory conflict during finalize; refund required")
	if err := e.audit.LogAnomaly(ctx, domain.EventHoldConflict, hold.Actor, fields); err != nil {
		e.logger.WithError(err).Warn("audit anomaly failed")
	}

	err := e.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.GetHold(ctx, hold.ID)
		if err != nil {
			return err
		}
		if current.Status == domain.HoldActive {
			if err := e.releaseHoldTx(ctx, tx, current, domain.HoldCancelled); err != nil {
				return err
			}
		}
		return e.emit(ctx, tx, "hold", hold.ID, domain.EventHoldConflict, fields)
	})
	if err != nil {
		e.logger.WithError(err).WithField("hold_id", hold.ID).Error("failed to record inventory conflict")
	}
}

func (e *Engine) TicketsForHold(ctx context.Context, holdID uuid.UUID) ([]domain.Ticket, error) {
	var tickets []domain.Ticket
	err := e.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetHold(ctx, holdID); err != nil {
			return err
		}
		var err error
		tickets, err = tx.TicketsByHold(ctx, holdID)
		return err
	})
	return tickets, err
}

// VoidTicket refunds a VALID ticket: the ticket goes VOID in the same
// transaction that frees its seat or decrements its tier. Voiding a VOID
// ticket returns it unchanged.
func (e *Engine) VoidTicket(ctx context.Context, ticketID uuid.UUID) (ticket domain.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "VoidTicket", attribute.String("ticket_id", ticketID.String()))
	defer func() { endSpan(span, err) }()

	var changed bool
	err = e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		ticket, err = tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		switch ticket.Status {
		case domain.TicketVoid:
			return nil
		case domain.TicketValid:
		default:
			return errors.Wrapf(domain.ErrTicketNotValid, "ticket %s is %s", ticketID, ticket.Status)
		}
		ok, err := tx.UpdateTicketStatus(ctx, ticketID, domain.TicketValid, domain.TicketVoid)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(domain.ErrTicketNotValid, "ticket %s changed concurrently", ticketID)
		}

		unit := ticket.Unit()
		switch u := unit.(type) {
		case domain.TierUnit:
			if err := tx.AddTierSold(ctx, u.TierID, -1); err != nil {
				return err
			}
		case domain.SeatUnit:
			ok, err := tx.ReleaseSeat(ctx, ticket.EventID, u.Ref, ticket.HoldID)
			if err != nil {
				return err
			}
			if !ok {
				e.logger.WithField("ticket_id", ticketID).WithField("seat", u.Ref.String()).Warn("voided ticket's seat was not reserved by its hold")
			}
		}

		if ticket.StaffAllocationID != uuid.Nil {
			alloc, err := tx.GetStaffAllocation(ctx, ticket.StaffAllocationID)
			if err != nil {
				return err
			}
			if err := tx.AddStaffSale(ctx, alloc.ID, -1, alloc.CommissionPerTicket.Neg(), ticket.Price.Neg()); err != nil {
				return err
			}
		}

		if err := e.emit(ctx, tx, "ticket", ticket.ID, domain.EventTicketVoided, map[string]interface{}{
			"ticket_id": ticket.ID,
			"hold_id":   ticket.HoldID,
			"event_id":  ticket.EventID,
			"code":      ticket.Code,
		}); err != nil {
			return err
		}
		if err := e.emitReleased(ctx, tx, ticket.EventID, []domain.HoldItem{{Unit: unit}}, "voided"); err != nil {
			return err
		}
		ticket.Status = domain.TicketVoid
		changed = true
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	if changed {
		observability.TicketsVoided.Inc()
	}
	return ticket, nil
}

// RedeemTicket marks a VALID ticket USED at the door.
func (e *Engine) RedeemTicket(ctx context.Context, ticketID uuid.UUID) (domain.Ticket, error) {
	var ticket domain.Ticket
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		ticket, err = tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		ok, err := tx.UpdateTicketStatus(ctx, ticketID, domain.TicketValid, domain.TicketUsed)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(domain.ErrTicketNotValid, "ticket %s is %s", ticketID, ticket.Status)
		}
		ticket.Status = domain.TicketUsed
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	return ticket, nil
}

// TransferTicket retires a VALID ticket and issues a new code for the same
// unit to attendeeID. Inventory counts do not change.
func (e *Engine) TransferTicket(ctx context.Context, ticketID uuid.UUID, attendeeID string) (domain.Ticket, error) {
	if attendeeID == "" {
		return domain.Ticket{}, errors.Wrap(domain.ErrInvalidInput, "attendee required")
	}
	now := e.now()
	var next domain.Ticket
	err := e.store.WithTx(ctx, func(tx Tx) error {
		old, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		ok, err := tx.UpdateTicketStatus(ctx, ticketID, domain.TicketValid, domain.TicketTransferred)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(domain.ErrTicketNotValid, "ticket %s is %s", ticketID, old.Status)
		}
		code, err := domain.NewTicketCode()
		if err != nil {
			return err
		}
		next = old
		next.ID = uuid.New()
		next.Code = code
		next.AttendeeID = attendeeID
		next.Status = domain.TicketValid
		next.IssuedAt = now
		next.TransferredFrom = old.ID
		return tx.InsertTickets(ctx, []domain.Ticket{next})
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	return next, nil
}
