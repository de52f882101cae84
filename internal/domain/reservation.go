package domain

import (
	"time"

	"github.com/google/uuid"
)

func NewHold(eventID uuid.UUID, actor Actor, items []HoldItem, now time.Time, ttl time.Duration) Hold {
	return Hold{
		ID:        uuid.New(),
		EventID:   eventID,
		Actor:     actor,
		Items:     items,
		Status:    HoldActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func NewWaitlistEntry(eventID, tierID uuid.UUID, actor Actor, quantity int, now time.Time) WaitlistEntry {
	return WaitlistEntry{
		ID:       uuid.New(),
		EventID:  eventID,
		TierID:   tierID,
		Actor:    actor,
		Quantity: quantity,
		Status:   WaitlistActive,
		JoinedAt: now,
	}
}
