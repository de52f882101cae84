package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SeatStatus string

const (
	SeatAvailable SeatStatus = "AVAILABLE"
	SeatHeld      SeatStatus = "HELD"
	SeatReserved  SeatStatus = "RESERVED"
	SeatBlocked   SeatStatus = "BLOCKED"
)

type HoldStatus string

const (
	HoldActive    HoldStatus = "ACTIVE"
	HoldConfirmed HoldStatus = "CONFIRMED"
	HoldExpired   HoldStatus = "EXPIRED"
	HoldCancelled HoldStatus = "CANCELLED"
)

type TicketStatus string

const (
	TicketValid       TicketStatus = "VALID"
	TicketUsed        TicketStatus = "USED"
	TicketVoid        TicketStatus = "VOID"
	TicketTransferred TicketStatus = "TRANSFERRED"
)

type WaitlistStatus string

const (
	WaitlistActive    WaitlistStatus = "ACTIVE"
	WaitlistOffered   WaitlistStatus = "OFFERED"
	WaitlistConverted WaitlistStatus = "CONVERTED"
	WaitlistExpired   WaitlistStatus = "EXPIRED"
	WaitlistCancelled WaitlistStatus = "CANCELLED"
)

// Tier is a fungible ticket category. Sold only moves on finalize and void.
type Tier struct {
	ID       uuid.UUID
	EventID  uuid.UUID
	Name     string
	Price    decimal.Decimal
	Quantity int
	Sold     int
}

// SeatRef is the stable identity of a seat inside an event's chart.
type SeatRef struct {
	Section string `json:"section"`
	Row     string `json:"row"`
	Number  int    `json:"number"`
}

func (r SeatRef) String() string {
	return fmt.Sprintf("%s/%s/%d", r.Section, r.Row, r.Number)
}

func (r SeatRef) Valid() bool {
	return r.Section != "" && r.Row != "" && r.Number > 0
}

type Seat struct {
	EventID   uuid.UUID
	Ref       SeatRef
	TierID    uuid.UUID
	Status    SeatStatus
	HoldID    uuid.UUID
	HeldUntil time.Time
}

// EffectiveStatus overlays hold expiry on the stored status. A seat whose
// hold has lapsed reads AVAILABLE even before the sweeper gets to it.
func (s Seat) EffectiveStatus(now time.Time) SeatStatus {
	if s.Status == SeatHeld && !now.Before(s.HeldUntil) {
		return SeatAvailable
	}
	return s.Status
}

type Hold struct {
	ID                uuid.UUID
	EventID           uuid.UUID
	Actor             Actor
	Items             []HoldItem
	Status            HoldStatus
	CreatedAt         time.Time
	ExpiresAt         time.Time
	PaymentRef        string
	StaffAllocationID uuid.UUID
	WaitlistEntryID   uuid.UUID
}

func (h Hold) ExpiredAt(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// TierQuantity sums the tier units the hold claims on tierID.
func (h Hold) TierQuantity(tierID uuid.UUID) int {
	n := 0
	for _, item := range h.Items {
		if u, ok := item.Unit.(TierUnit); ok && u.TierID == tierID {
			n += u.Quantity
		}
	}
	return n
}

type HoldItem struct {
	Unit  Unit
	Price decimal.Decimal
}

type Ticket struct {
	ID                uuid.UUID
	EventID           uuid.UUID
	HoldID            uuid.UUID
	TierID            uuid.UUID
	Seat              *SeatRef
	OrderID           uuid.UUID
	StaffAllocationID uuid.UUID
	AttendeeID        string
	Status            TicketStatus
	Code              string
	Price             decimal.Decimal
	IssuedAt          time.Time
	TransferredFrom   uuid.UUID
}

// Unit returns the inventory unit this ticket consumed.
func (t Ticket) Unit() Unit {
	if t.Seat != nil {
		return SeatUnit{Ref: *t.Seat, TierID: t.TierID}
	}
	return TierUnit{TierID: t.TierID, Quantity: 1}
}

// StaffAllocation is a sub-pool of a tier carved out for one seller.
type StaffAllocation struct {
	ID                  uuid.UUID
	EventID             uuid.UUID
	TierID              uuid.UUID
	StaffID             string
	AllocatedTickets    int
	TicketsSold         int
	CommissionPerTicket decimal.Decimal
	CommissionEarned    decimal.Decimal
	CashCollected       decimal.Decimal
}

func (a StaffAllocation) Remaining() int {
	return a.AllocatedTickets - a.TicketsSold
}

type WaitlistEntry struct {
	ID       uuid.UUID
	EventID  uuid.UUID
	TierID   uuid.UUID
	Actor    Actor
	Quantity int
	Status   WaitlistStatus
	JoinedAt time.Time
	HoldID   uuid.UUID
}
