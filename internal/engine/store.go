package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// Store runs fn in one serializable transaction. Returning an error from fn
// rolls back every write made through tx.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the storage surface the engine needs. Every mutating method is a
// single compare-and-set against the row's current state; a false result
// means the precondition did not hold and nothing was written.
type Tx interface {
	InsertTier(ctx context.Context, tier domain.Tier) error
	// GetTier locks the tier row for the rest of the transaction.
	GetTier(ctx context.Context, id uuid.UUID) (domain.Tier, error)
	// AddTierSold applies delta to sold. Fails with ErrOversell if the
	// result would leave [0, quantity].
	AddTierSold(ctx context.Context, id uuid.UUID, delta int) error
	ActiveTierHeld(ctx context.Context, tierID uuid.UUID, now time.Time) (int, error)

	InsertSeats(ctx context.Context, seats []domain.Seat) error
	GetSeat(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef) (domain.Seat, error)
	// ListSeats returns seats ordered by row then number. Empty section or
	// row widens the filter.
	ListSeats(ctx context.Context, eventID uuid.UUID, section, row string) ([]domain.Seat, error)
	// ClaimSeat moves an AVAILABLE seat, or a HELD seat whose claim lapsed
	// before now, to HELD by holdID.
	ClaimSeat(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID, heldUntil, now time.Time) (bool, error)
	ExtendSeatClaim(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID, heldUntil time.Time) error
	// ReserveSeat moves a seat HELD by holdID to RESERVED.
	ReserveSeat(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID) (bool, error)
	// ReleaseSeat returns a HELD or RESERVED seat owned by holdID to
	// AVAILABLE.
	ReleaseSeat(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID) (bool, error)

	InsertHold(ctx context.Context, hold domain.Hold) error
	// GetHold locks the hold row.
	GetHold(ctx context.Context, id uuid.UUID) (domain.Hold, error)
	GetHoldByPaymentRef(ctx context.Context, paymentRef string) (domain.Hold, error)
	UpdateHoldStatus(ctx context.Context, id uuid.UUID, from, to domain.HoldStatus) (bool, error)
	UpdateHoldExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	SetHoldPaymentRef(ctx context.Context, id uuid.UUID, paymentRef string) error
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	InsertTickets(ctx context.Context, tickets []domain.Ticket) error
	GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	TicketsByHold(ctx context.Context, holdID uuid.UUID) ([]domain.Ticket, error)
	UpdateTicketStatus(ctx context.Context, id uuid.UUID, from, to domain.TicketStatus) (bool, error)

	InsertStaffAllocation(ctx context.Context, alloc domain.StaffAllocation) error
	GetStaffAllocation(ctx context.Context, id uuid.UUID) (domain.StaffAllocation, error)
	ListStaffAllocations(ctx context.Context, tierID uuid.UUID) ([]domain.StaffAllocation, error)
	ActiveStaffHeld(ctx context.Context, allocationID uuid.UUID, now time.Time) (int, error)
	// AddStaffSale applies qty to ticketsSold. Fails with
	// ErrStaffQuotaExceeded if the result would leave [0, allocated].
	AddStaffSale(ctx context.Context, id uuid.UUID, qty int, commission, cash decimal.Decimal) error

	InsertWaitlistEntry(ctx context.Context, entry domain.WaitlistEntry) error
	GetWaitlistEntry(ctx context.Context, id uuid.UUID) (domain.WaitlistEntry, error)
	// NextWaitlistEntry returns the oldest ACTIVE entry for the tier,
	// ordered by joined_at then id, and locks it.
	NextWaitlistEntry(ctx context.Context, eventID, tierID uuid.UUID) (domain.WaitlistEntry, error)
	UpdateWaitlistEntry(ctx context.Context, id uuid.UUID, from, to domain.WaitlistStatus, holdID uuid.UUID) (bool, error)

	InsertOutbox(ctx context.Context, event domain.OutboxEvent) error
}
