package http

import (
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/shopspring/decimal"
)

type unitView struct {
	Kind     domain.UnitKind `json:"kind"`
	TierID   *uuid.UUID      `json:"tier_id,omitempty"`
	Quantity int             `json:"quantity"`
	Seat     *domain.SeatRef `json:"seat,omitempty"`
	Price    decimal.Decimal `json:"price"`
}

type holdView struct {
	ID         uuid.UUID         `json:"hold_id"`
	EventID    uuid.UUID         `json:"event_id"`
	Actor      domain.Actor      `json:"actor"`
	Status     domain.HoldStatus `json:"status"`
	Units      []unitView        `json:"units"`
	CreatedAt  string            `json:"created_at"`
	ExpiresAt  string            `json:"expires_at"`
	PaymentRef string            `json:"payment_ref,omitempty"`
}

func newHoldView(h domain.Hold) holdView {
	v := holdView{
		ID:         h.ID,
		EventID:    h.EventID,
		Actor:      h.Actor,
		Status:     h.Status,
		Units:      make([]unitView, 0, len(h.Items)),
		CreatedAt:  h.CreatedAt.Format(time.RFC3339),
		ExpiresAt:  h.ExpiresAt.Format(time.RFC3339),
		PaymentRef: h.PaymentRef,
	}
	for _, item := range h.Items {
		uv := unitView{Kind: item.Unit.Kind(), Price: item.Price}
		switch u := item.Unit.(type) {
		case domain.TierUnit:
			id := u.TierID
			uv.TierID = &id
			uv.Quantity = u.Quantity
		case domain.SeatUnit:
			ref := u.Ref
			uv.Seat = &ref
			uv.Quantity = 1
			if u.TierID != uuid.Nil {
				id := u.TierID
				uv.TierID = &id
			}
		}
		v.Units = append(v.Units, uv)
	}
	return v
}

type ticketView struct {
	ID              uuid.UUID           `json:"ticket_id"`
	Code            string              `json:"code"`
	Status          domain.TicketStatus `json:"status"`
	EventID         uuid.UUID           `json:"event_id"`
	HoldID          uuid.UUID           `json:"hold_id"`
	OrderID         uuid.UUID           `json:"order_id"`
	TierID          *uuid.UUID          `json:"tier_id,omitempty"`
	Seat            *domain.SeatRef     `json:"seat,omitempty"`
	AttendeeID      string              `json:"attendee_id,omitempty"`
	Price           decimal.Decimal     `json:"price"`
	IssuedAt        string              `json:"issued_at"`
	TransferredFrom *uuid.UUID          `json:"transferred_from,omitempty"`
}

func newTicketView(t domain.Ticket) ticketView {
	v := ticketView{
		ID:         t.ID,
		Code:       t.Code,
		Status:     t.Status,
		EventID:    t.EventID,
		HoldID:     t.HoldID,
		OrderID:    t.OrderID,
		Seat:       t.Seat,
		AttendeeID: t.AttendeeID,
		Price:      t.Price,
		IssuedAt:   t.IssuedAt.Format(time.RFC3339),
	}
	if t.TierID != uuid.Nil {
		id := t.TierID
		v.TierID = &id
	}
	if t.TransferredFrom != uuid.Nil {
		id := t.TransferredFrom
		v.TransferredFrom = &id
	}
	return v
}

func newTicketViews(tickets []domain.Ticket) []ticketView {
	out := make([]ticketView, len(tickets))
	for i, t := range tickets {
		out[i] = newTicketView(t)
	}
	return out
}

type allocationView struct {
	ID                  uuid.UUID       `json:"allocation_id"`
	EventID             uuid.UUID       `json:"event_id"`
	TierID              uuid.UUID       `json:"tier_id"`
	StaffID             string          `json:"staff_id"`
	AllocatedTickets    int             `json:"allocated_tickets"`
	TicketsSold         int             `json:"tickets_sold"`
	CommissionPerTicket decimal.Decimal `json:"commission_per_ticket"`
	CommissionEarned    decimal.Decimal `json:"commission_earned"`
	CashCollected       decimal.Decimal `json:"cash_collected"`
}

func newAllocationView(a domain.StaffAllocation) allocationView {
	return allocationView{
		ID:                  a.ID,
		EventID:             a.EventID,
		TierID:              a.TierID,
		StaffID:             a.StaffID,
		AllocatedTickets:    a.AllocatedTickets,
		TicketsSold:         a.TicketsSold,
		CommissionPerTicket: a.CommissionPerTicket,
		CommissionEarned:    a.CommissionEarned,
		CashCollected:       a.CashCollected,
	}
}

type waitlistView struct {
	ID       uuid.UUID             `json:"entry_id"`
	EventID  uuid.UUID             `json:"event_id"`
	TierID   uuid.UUID             `json:"tier_id"`
	Actor    domain.Actor          `json:"actor"`
	Quantity int                   `json:"quantity"`
	Status   domain.WaitlistStatus `json:"status"`
	JoinedAt string                `json:"joined_at"`
	HoldID   *uuid.UUID            `json:"hold_id,omitempty"`
}

func newWaitlistView(e domain.WaitlistEntry) waitlistView {
	v := waitlistView{
		ID:       e.ID,
		EventID:  e.EventID,
		TierID:   e.TierID,
		Actor:    e.Actor,
		Quantity: e.Quantity,
		Status:   e.Status,
		JoinedAt: e.JoinedAt.Format(time.RFC3339),
	}
	if e.HoldID != uuid.Nil {
		id := e.HoldID
		v.HoldID = &id
	}
	return v
}

type seatView struct {
	Ref    domain.SeatRef    `json:"seat"`
	Status domain.SeatStatus `json:"status"`
	TierID *uuid.UUID        `json:"tier_id,omitempty"`
}

func newSeatView(s domain.Seat) seatView {
	v := seatView{Ref: s.Ref, Status: s.Status}
	if s.TierID != uuid.Nil {
		id := s.TierID
		v.TierID = &id
	}
	return v
}
