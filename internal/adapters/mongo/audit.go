package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// AuditLogger implements engine.Auditor on an append-only collection.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	ActorKind string    `bson:"actor_kind"`
	ActorID   string    `bson:"actor_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, action string, actor domain.Actor, data map[string]interface{}) error {
	log := AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		ActorKind: string(actor.Kind),
		ActorID:   actor.ID,
		Timestamp: time.Now().UTC(),
		Data:      bson.M(data),
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.WithError(err).WithField("action", action).Error("failed to insert audit log")
		return err
	}
	return nil
}

func (a *AuditLogger) LogHold(ctx context.Context, hold domain.Hold) error {
	units := make([]bson.M, 0, len(hold.Items))
	for _, item := range hold.Items {
		switch u := item.Unit.(type) {
		case domain.TierUnit:
			units = append(units, bson.M{"tier_id": u.TierID.String(), "quantity": u.Quantity, "price": item.Price.String()})
		case domain.SeatUnit:
			units = append(units, bson.M{"seat": u.Ref.String(), "price": item.Price.String()})
		}
	}
	data := map[string]interface{}{
		"hold_id":    hold.ID.String(),
		"event_id":   hold.EventID.String(),
		"units":      units,
		"expires_at": hold.ExpiresAt.Format(time.RFC3339),
	}
	if hold.StaffAllocationID != uuid.Nil {
		data["staff_allocation_id"] = hold.StaffAllocationID.String()
	}
	return a.LogEvent(ctx, domain.EventHoldCreated, hold.Actor, data)
}

func (a *AuditLogger) LogTickets(ctx context.Context, hold domain.Hold, tickets []domain.Ticket) error {
	codes := make([]string, len(tickets))
	for i, t := range tickets {
		codes[i] = t.Code
	}
	data := map[string]interface{}{
		"hold_id":  hold.ID.String(),
		"event_id": hold.EventID.String(),
		"codes":    codes,
	}
	if len(tickets) > 0 {
		data["order_id"] = tickets[0].OrderID.String()
	}
	return a.LogEvent(ctx, domain.EventTicketsIssued, hold.Actor, data)
}

func (a *AuditLogger) LogAnomaly(ctx context.Context, action string, actor domain.Actor, data map[string]interface{}) error {
	flat := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		if id, ok := v.(uuid.UUID); ok {
			v = id.String()
		}
		flat[k] = v
	}
	flat["anomaly"] = true
	return a.LogEvent(ctx, action, actor, flat)
}
