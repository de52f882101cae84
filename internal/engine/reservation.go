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

// UnitRequest asks for Quantity units of a tier, or for seats matching Seat.
type UnitRequest struct {
	TierID   uuid.UUID     `json:"tier_id,omitempty"`
	Quantity int           `json:"quantity"`
	Seat     *SeatSelector `json:"seat,omitempty"`
}

type HoldRequest struct {
	EventID uuid.UUID
	Actor   domain.Actor
	Units   []UnitRequest
	// TTL <= 0 uses the configured default; larger than MaxHoldTTL is capped.
	TTL time.Duration

	staffAllocationID uuid.UUID
	waitlistEntryID   uuid.UUID
}

// CreateHold claims every requested unit or none of them.
func (e *Engine) CreateHold(ctx context.Context, req HoldRequest) (hold domain.Hold, err error) {
	ctx, span := e.startSpan(ctx, "CreateHold",
		attribute.String("event_id", req.EventID.String()),
		attribute.String("actor.kind", string(req.Actor.Kind)))
	defer func() { endSpan(span, err) }()

	req.TTL = e.ttl(req.TTL)
	now := e.now()
	err = e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		hold, err = e.createHoldTx(ctx, tx, req, now)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrSerializationFailure) {
			err = errors.Mark(err, domain.ErrHoldConflict)
		}
		observability.HoldConflicts.WithLabelValues(conflictReason(err)).Inc()
		return domain.Hold{}, err
	}

	observability.HoldsCreated.WithLabelValues(string(hold.Actor.Kind)).Inc()
	e.logger.WithFields(map[string]interface{}{
		"hold_id":    hold.ID,
		"event_id":   hold.EventID,
		"actor":      hold.Actor.ID,
		"items":      len(hold.Items),
		"expires_at": hold.ExpiresAt,
	}).Debug("hold created")
	e.auditHold(ctx, hold)
	return hold, nil
}

func (e *Engine) createHoldTx(ctx context.Context, tx Tx, req HoldRequest, now time.Time) (domain.Hold, error) {
	if err := req.Actor.Validate(); err != nil {
		return domain.Hold{}, err
	}
	if req.EventID == uuid.Nil {
		return domain.Hold{}, errors.Wrap(domain.ErrInvalidInput, "event id required")
	}
	if len(req.Units) == 0 {
		return domain.Hold{}, errors.Wrap(domain.ErrInvalidInput, "no units requested")
	}

	hold := domain.NewHold(req.EventID, req.Actor, nil, now, req.TTL)
	hold.StaffAllocationID = req.staffAllocationID
	hold.WaitlistEntryID = req.waitlistEntryID

	// Tier quantities are summed per tier so one request for the same tier
	// twice is checked against availability once.
	var tierOrder []uuid.UUID
	tierQty := make(map[uuid.UUID]int)
	for _, u := range req.Units {
		if u.Quantity < 0 {
			return domain.Hold{}, errors.Wrap(domain.ErrInvalidInput, "negative quantity")
		}
		if u.Seat != nil {
			items, err := e.claimSeats(ctx, tx, hold, *u.Seat, max(u.Quantity, 1), now)
			if err != nil {
				return domain.Hold{}, err
			}
			hold.Items = append(hold.Items, items...)
			continue
		}
		if u.TierID == uuid.Nil || u.Quantity == 0 {
			return domain.Hold{}, errors.Wrap(domain.ErrInvalidInput, "tier request needs tier id and quantity")
		}
		if _, ok := tierQty[u.TierID]; !ok {
			tierOrder = append(tierOrder, u.TierID)
		}
		tierQty[u.TierID] += u.Quantity
	}

	if hold.StaffAllocationID != uuid.Nil && (len(tierOrder) != 1 || len(hold.Items) != 0) {
		return domain.Hold{}, errors.Wrap(domain.ErrInvalidInput, "staff sales hold exactly one tier")
	}

	for _, tierID := range tierOrder {
		qty := tierQty[tierID]
		if hold.StaffAllocationID != uuid.Nil {
			if err := e.checkStaffQuota(ctx, tx, hold.StaffAllocationID, tierID, qty, now); err != nil {
				return domain.Hold{}, err
			}
		}
		tier, av, err := e.tierAvailability(ctx, tx, tierID, now)
		if err != nil {
			return domain.Hold{}, err
		}
		if tier.EventID != req.EventID {
			return domain.Hold{}, errors.Wrapf(domain.ErrInvalidInput, "tier %s does not belong to event %s", tierID, req.EventID)
		}
		// Staff pools are carved out of the public count, so a staff sale
		// draws on Available while everyone else sees PublicAvailable.
		limit := av.PublicAvailable
		if hold.StaffAllocationID != uuid.Nil {
			limit = av.Available
		}
		if qty > limit {
			return domain.Hold{}, errors.Wrapf(domain.ErrHoldConflict, "tier %s: %d requested, %d available", tierID, qty, limit)
		}
		hold.Items = append(hold.Items, domain.HoldItem{
			Unit:  domain.TierUnit{TierID: tierID, Quantity: qty},
			Price: tier.Price,
		})
	}

	if err := tx.InsertHold(ctx, hold); err != nil {
		return domain.Hold{}, err
	}
	if err := e.emit(ctx, tx, "hold", hold.ID, domain.EventHoldCreated, map[string]interface{}{
		"hold_id":    hold.ID,
		"event_id":   hold.EventID,
		"actor":      hold.Actor,
		"expires_at": hold.ExpiresAt,
	}); err != nil {
		return domain.Hold{}, err
	}
	return hold, nil
}

// claimSeats resolves sel to concrete seats and moves each to HELD.
func (e *Engine) claimSeats(ctx context.Context, tx Tx, hold domain.Hold, sel SeatSelector, qty int, now time.Time) ([]domain.HoldItem, error) {
	seats, err := e.selectSeats(ctx, tx, hold.EventID, sel, qty, now)
	if err != nil {
		return nil, err
	}
	items := make([]domain.HoldItem, 0, len(seats))
	for _, seat := range seats {
		ok, err := tx.ClaimSeat(ctx, hold.EventID, seat.Ref, hold.ID, hold.ExpiresAt, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Wrapf(domain.ErrSeatUnavailable, "seat %s", seat.Ref)
		}
		price := decimal.Zero
		if seat.TierID != uuid.Nil {
			tier, err := tx.GetTier(ctx, seat.TierID)
			if err != nil {
				return nil, err
			}
			price = tier.Price
		}
		items = append(items, domain.HoldItem{
			Unit:  domain.SeatUnit{Ref: seat.Ref, TierID: seat.TierID},
			Price: price,
		})
	}
	return items, nil
}

// GetHold reports a lapsed ACTIVE hold as EXPIRED even if the sweeper has
// not reached it yet.
func (e *Engine) GetHold(ctx context.Context, holdID uuid.UUID) (domain.Hold, error) {
	var hold domain.Hold
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		hold, err = tx.GetHold(ctx, holdID)
		return err
	})
	if err != nil {
		return domain.Hold{}, err
	}
	if hold.Status == domain.HoldActive && hold.ExpiredAt(e.now()) {
		hold.Status = domain.HoldExpired
	}
	return hold, nil
}

// ExtendHold pushes the expiry of a live hold to now+ttl.
func (e *Engine) ExtendHold(ctx context.Context, holdID uuid.UUID, ttl time.Duration) (hold domain.Hold, err error) {
	ctx, span := e.startSpan(ctx, "ExtendHold", attribute.String("hold_id", holdID.String()))
	defer func() { endSpan(span, err) }()

	now := e.now()
	expiresAt := now.Add(e.ttl(ttl))
	err = e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		hold, err = tx.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if err := checkLive(hold, now); err != nil {
			return err
		}
		if !expiresAt.After(hold.ExpiresAt) {
			return nil
		}
		if err := tx.UpdateHoldExpiry(ctx, holdID, expiresAt); err != nil {
			return err
		}
		for _, item := range hold.Items {
			if u, ok := item.Unit.(domain.SeatUnit); ok {
				if err := tx.ExtendSeatClaim(ctx, hold.EventID, u.Ref, hold.ID, expiresAt); err != nil {
					return err
				}
			}
		}
		hold.ExpiresAt = expiresAt
		return nil
	})
	if err != nil {
		return domain.Hold{}, err
	}
	return hold, nil
}

// AttachPayment records the gateway's payment id so webhooks can find the
// hold by index.
func (e *Engine) AttachPayment(ctx context.Context, holdID uuid.UUID, paymentRef string) error {
	if paymentRef == "" {
		return errors.Wrap(domain.ErrInvalidInput, "payment ref required")
	}
	now := e.now()
	return e.store.WithTx(ctx, func(tx Tx) error {
		hold, err := tx.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.PaymentRef == paymentRef {
			return nil
		}
		if err := checkLive(hold, now); err != nil {
			return err
		}
		if hold.PaymentRef != "" {
			return errors.Wrapf(domain.ErrConflict, "hold %s already has payment %s", holdID, hold.PaymentRef)
		}
		return tx.SetHoldPaymentRef(ctx, holdID, paymentRef)
	})
}

// CancelHold releases an ACTIVE hold. Cancelling a hold that already ended
// without confirming is a no-op.
func (e *Engine) CancelHold(ctx context.Context, holdID uuid.UUID) (err error) {
	ctx, span := e.startSpan(ctx, "CancelHold", attribute.String("hold_id", holdID.String()))
	defer func() { endSpan(span, err) }()

	return e.store.WithTx(ctx, func(tx Tx) error {
		hold, err := tx.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		switch hold.Status {
		case domain.HoldCancelled, domain.HoldExpired:
			return nil
		case domain.HoldConfirmed:
			return errors.Wrapf(domain.ErrHoldNotActive, "hold %s is confirmed; void its tickets instead", holdID)
		}
		return e.releaseHoldTx(ctx, tx, hold, domain.HoldCancelled)
	})
}

// SweepExpired moves up to limit lapsed ACTIVE holds to EXPIRED and frees
// their seats. Each hold is handled in its own transaction.
func (e *Engine) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := e.now()
	var ids []uuid.UUID
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		ids, err = tx.ListExpiredHolds(ctx, now, limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	var combined error
	expired := 0
	for _, id := range ids {
		var released bool
		err := e.store.WithTx(ctx, func(tx Tx) error {
			hold, err := tx.GetHold(ctx, id)
			if err != nil {
				return err
			}
			if hold.Status != domain.HoldActive || !hold.ExpiredAt(now) {
				return nil
			}
			released = true
			return e.releaseHoldTx(ctx, tx, hold, domain.HoldExpired)
		})
		if err != nil {
			e.logger.WithError(err).WithField("hold_id", id).Error("expire hold failed")
			combined = errors.CombineErrors(combined, err)
			continue
		}
		if released {
			expired++
		}
	}
	return expired, combined
}

// releaseHoldTx ends an ACTIVE hold with status to and frees its units.
func (e *Engine) releaseHoldTx(ctx context.Context, tx Tx, hold domain.Hold, to domain.HoldStatus) error {
	ok, err := tx.UpdateHoldStatus(ctx, hold.ID, domain.HoldActive, to)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for _, item := range hold.Items {
		if err := e.ReleaseUnit(ctx, tx, hold.EventID, hold.ID, item.Unit); err != nil {
			return err
		}
	}
	if hold.WaitlistEntryID != uuid.Nil {
		if _, err := tx.UpdateWaitlistEntry(ctx, hold.WaitlistEntryID, domain.WaitlistOffered, domain.WaitlistExpired, hold.ID); err != nil {
			return err
		}
	}

	eventType := domain.EventHoldCancelled
	reason := "cancelled"
	if to == domain.HoldExpired {
		eventType = domain.EventHoldExpired
		reason = "expired"
		observability.HoldsExpired.Inc()
	}
	if err := e.emit(ctx, tx, "hold", hold.ID, eventType, map[string]interface{}{
		"hold_id":     hold.ID,
		"event_id":    hold.EventID,
		"payment_ref": hold.PaymentRef,
	}); err != nil {
		return err
	}
	return e.emitReleased(ctx, tx, hold.EventID, hold.Items, reason)
}

func (e *Engine) emitReleased(ctx context.Context, tx Tx, eventID uuid.UUID, items []domain.HoldItem, reason string) error {
	for _, item := range items {
		payload := domain.InventoryReleased{EventID: eventID, Reason: reason, Quantity: 1}
		switch u := item.Unit.(type) {
		case domain.TierUnit:
			payload.TierID = u.TierID
			payload.Quantity = u.Quantity
		case domain.SeatUnit:
			ref := u.Ref
			payload.Seat = &ref
		}
		if err := e.emit(ctx, tx, "inventory", eventID, domain.EventInventoryReleased, payload); err != nil {
			return err
		}
	}
	return nil
}

func checkLive(hold domain.Hold, now time.Time) error {
	switch hold.Status {
	case domain.HoldExpired:
		return errors.Wrapf(domain.ErrHoldExpired, "hold %s", hold.ID)
	case domain.HoldActive:
		if hold.ExpiredAt(now) {
			return errors.Wrapf(domain.ErrHoldExpired, "hold %s", hold.ID)
		}
		return nil
	}
	return errors.Wrapf(domain.ErrHoldNotActive, "hold %s is %s", hold.ID, hold.Status)
}

func conflictReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrStaffQuotaExceeded):
		return "staff_quota"
	case errors.Is(err, domain.ErrSeatUnavailable):
		return "seat_unavailable"
	case errors.Is(err, domain.ErrHoldConflict):
		return "insufficient"
	case errors.Is(err, domain.ErrMissingActor), errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	}
	return "error"
}
