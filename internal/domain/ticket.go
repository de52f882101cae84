package domain

import (
	"crypto/rand"
	"encoding/base32"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Crockford alphabet: no I, L, O or U, so codes survive being read aloud.
var codeEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// NewTicketCode returns an 80-bit random code formatted as XXXX-XXXX-XXXX-XXXX.
// Uniqueness is enforced again by the store.
func NewTicketCode() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	raw := codeEncoding.EncodeToString(b)
	parts := make([]string, 0, 4)
	for i := 0; i < len(raw); i += 4 {
		parts = append(parts, raw[i:i+4])
	}
	return strings.Join(parts, "-"), nil
}

func NewTicket(hold Hold, unit Unit, price decimal.Decimal, orderID uuid.UUID, attendeeID string, now time.Time) (Ticket, error) {
	code, err := NewTicketCode()
	if err != nil {
		return Ticket{}, err
	}
	t := Ticket{
		ID:                uuid.New(),
		EventID:           hold.EventID,
		HoldID:            hold.ID,
		OrderID:           orderID,
		StaffAllocationID: hold.StaffAllocationID,
		AttendeeID:        attendeeID,
		Status:            TicketValid,
		Code:              code,
		Price:             price,
		IssuedAt:          now,
	}
	switch u := unit.(type) {
	case TierUnit:
		t.TierID = u.TierID
	case SeatUnit:
		ref := u.Ref
		t.Seat = &ref
		t.TierID = u.TierID
	}
	return t, nil
}

// SortTickets puts tickets in the order they are reported everywhere:
// issue time, then code.
func SortTickets(tickets []Ticket) {
	sort.Slice(tickets, func(i, j int) bool {
		if !tickets[i].IssuedAt.Equal(tickets[j].IssuedAt) {
			return tickets[i].IssuedAt.Before(tickets[j].IssuedAt)
		}
		return tickets[i].Code < tickets[j].Code
	})
}
