package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventHoldCreated       = "hold.created"
	EventHoldCancelled     = "hold.cancelled"
	EventHoldExpired       = "hold.expired"
	EventHoldConflict      = "hold.conflict"
	EventTicketsIssued     = "tickets.issued"
	EventTicketVoided      = "ticket.voided"
	EventInventoryReleased = "inventory.released"
	EventWaitlistOffered   = "waitlist.offered"
)

// OutboxEvent is written in the same transaction as the state change it
// describes and relayed to the broker afterwards.
type OutboxEvent struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	DedupeKey     string
}

// InventoryReleased tells the waitlist that units of a tier may be free.
type InventoryReleased struct {
	EventID  uuid.UUID `json:"event_id"`
	TierID   uuid.UUID `json:"tier_id,omitempty"`
	Seat     *SeatRef  `json:"seat,omitempty"`
	Quantity int       `json:"quantity"`
	Reason   string    `json:"reason"`
}

func NewOutboxEvent(aggregateType string, aggregateID uuid.UUID, eventType string, payload interface{}, now time.Time) (OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxEvent{}, err
	}
	id := uuid.New()
	return OutboxEvent{
		ID:            id,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		CreatedAt:     now,
		DedupeKey:     id.String(),
	}, nil
}
