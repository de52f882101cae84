package engine

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

func (e *Engine) JoinWaitlist(ctx context.Context, eventID, tierID uuid.UUID, actor domain.Actor, quantity int) (domain.WaitlistEntry, error) {
	if err := actor.Validate(); err != nil {
		return domain.WaitlistEntry{}, err
	}
	if quantity <= 0 {
		return domain.WaitlistEntry{}, errors.Wrap(domain.ErrInvalidInput, "quantity must be positive")
	}
	entry := domain.NewWaitlistEntry(eventID, tierID, actor, quantity, e.now())
	err := e.store.WithTx(ctx, func(tx Tx) error {
		tier, err := tx.GetTier(ctx, tierID)
		if err != nil {
			return err
		}
		if tier.EventID != eventID {
			return errors.Wrapf(domain.ErrInvalidInput, "tier %s does not belong to event %s", tierID, eventID)
		}
		return tx.InsertWaitlistEntry(ctx, entry)
	})
	if err != nil {
		return domain.WaitlistEntry{}, err
	}
	return entry, nil
}

func (e *Engine) GetWaitlistEntry(ctx context.Context, entryID uuid.UUID) (domain.WaitlistEntry, error) {
	var entry domain.WaitlistEntry
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		entry, err = tx.GetWaitlistEntry(ctx, entryID)
		return err
	})
	return entry, err
}

// LeaveWaitlist cancels an entry that has not been offered a hold yet.
func (e *Engine) LeaveWaitlist(ctx context.Context, entryID uuid.UUID) error {
	return e.store.WithTx(ctx, func(tx Tx) error {
		entry, err := tx.GetWaitlistEntry(ctx, entryID)
		if err != nil {
			return err
		}
		switch entry.Status {
		case domain.WaitlistCancelled:
			return nil
		case domain.WaitlistActive:
		default:
			return errors.Wrapf(domain.ErrConflict, "waitlist entry %s is %s", entryID, entry.Status)
		}
		_, err = tx.UpdateWaitlistEntry(ctx, entryID, domain.WaitlistActive, domain.WaitlistCancelled, uuid.Nil)
		return err
	})
}

// PromoteWaitlist offers freed tier units to waiting buyers strictly in
// join order. It stops at the first entry that does not fit rather than
// letting a smaller, later request jump the queue.
func (e *Engine) PromoteWaitlist(ctx context.Context, eventID, tierID uuid.UUID) (offered []domain.WaitlistEntry, err error) {
	ctx, span := e.startSpan(ctx, "PromoteWaitlist", attribute.String("tier_id", tierID.String()))
	defer func() { endSpan(span, err) }()

	for {
		var (
			entry domain.WaitlistEntry
			done  bool
		)
		now := e.now()
		err := e.store.WithTx(ctx, func(tx Tx) error {
			var err error
			entry, err = tx.NextWaitlistEntry(ctx, eventID, tierID)
			if errors.Is(err, domain.ErrNotFound) {
				done = true
				return nil
			}
			if err != nil {
				return err
			}
			_, av, err := e.tierAvailability(ctx, tx, tierID, now)
			if err != nil {
				return err
			}
			if av.PublicAvailable < entry.Quantity {
				done = true
				return nil
			}
			hold, err := e.createHoldTx(ctx, tx, HoldRequest{
				EventID:         eventID,
				Actor:           entry.Actor,
				Units:           []UnitRequest{{TierID: tierID, Quantity: entry.Quantity}},
				TTL:             e.cfg.WaitlistOfferTTL,
				waitlistEntryID: entry.ID,
			}, now)
			if err != nil {
				return err
			}
			ok, err := tx.UpdateWaitlistEntry(ctx, entry.ID, domain.WaitlistActive, domain.WaitlistOffered, hold.ID)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(domain.ErrConflict, "waitlist entry %s changed during promotion", entry.ID)
			}
			entry.Status = domain.WaitlistOffered
			entry.HoldID = hold.ID
			return e.emit(ctx, tx, "waitlist", entry.ID, domain.EventWaitlistOffered, map[string]interface{}{
				"entry_id":   entry.ID,
				"hold_id":    hold.ID,
				"event_id":   eventID,
				"tier_id":    tierID,
				"actor":      entry.Actor,
				"quantity":   entry.Quantity,
				"expires_at": hold.ExpiresAt,
			})
		})
		if err != nil {
			return offered, err
		}
		if done {
			return offered, nil
		}
		observability.WaitlistOffers.Inc()
		e.logger.WithFields(map[string]interface{}{
			"entry_id": entry.ID,
			"hold_id":  entry.HoldID,
			"tier_id":  tierID,
		}).Info("waitlist entry offered")
		offered = append(offered, entry)
	}
}
