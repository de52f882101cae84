package engine

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
)

// GuestRow is one line of a guest list. Seat is optional; without it the
// guest gets Quantity units of TierID.
type GuestRow struct {
	Line       int
	Name       string
	Email      string
	TierID     uuid.UUID
	Seat       *SeatSelector
	Quantity   int
	AttendeeID string
}

type GuestResult struct {
	Line    int
	Tickets []domain.Ticket
	Err     error
}

// ImportGuests issues complimentary tickets row by row. A failing row is
// reported and the rest of the list still runs. Rows are handled in order so
// seat picks are deterministic.
func (e *Engine) ImportGuests(ctx context.Context, eventID uuid.UUID, actor domain.Actor, rows []GuestRow) []GuestResult {
	results := make([]GuestResult, 0, len(rows))
	for _, row := range rows {
		res := GuestResult{Line: row.Line}
		res.Tickets, res.Err = e.importGuest(ctx, eventID, actor, row)
		if res.Err != nil {
			e.logger.WithError(res.Err).WithField("line", row.Line).Warn("guest row rejected")
		}
		results = append(results, res)
	}
	return results
}

func (e *Engine) importGuest(ctx context.Context, eventID uuid.UUID, actor domain.Actor, row GuestRow) ([]domain.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qty := row.Quantity
	if qty <= 0 {
		qty = 1
	}
	unit := UnitRequest{TierID: row.TierID, Quantity: qty, Seat: row.Seat}
	if row.Seat == nil && row.TierID == uuid.Nil {
		return nil, errors.Wrap(domain.ErrInvalidInput, "row needs a tier or a seat")
	}
	hold, err := e.CreateHold(ctx, HoldRequest{
		EventID: eventID,
		Actor:   actor,
		Units:   []UnitRequest{unit},
	})
	if err != nil {
		return nil, err
	}
	attendee := row.AttendeeID
	if attendee == "" {
		attendee = row.Email
	}
	tickets, err := e.Finalize(ctx, hold.ID, SaleContext{
		AttendeeID:    attendee,
		Channel:       ChannelGuest,
		Complimentary: true,
	})
	if err != nil {
		if cerr := e.CancelHold(ctx, hold.ID); cerr != nil {
			e.logger.WithError(cerr).WithField("hold_id", hold.ID).Warn("cancel after failed guest row")
		}
		return nil, err
	}
	return tickets, nil
}
