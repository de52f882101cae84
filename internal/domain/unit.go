package domain

import "github.com/google/uuid"

type UnitKind string

const (
	UnitKindTier UnitKind = "TIER"
	UnitKindSeat UnitKind = "SEAT"
)

// Unit is either a TierUnit or a SeatUnit. The set is closed; callers
// switch on the concrete type.
type Unit interface {
	Kind() UnitKind
	unit()
}

// TierUnit is a count of fungible units of one tier.
type TierUnit struct {
	TierID   uuid.UUID
	Quantity int
}

func (TierUnit) Kind() UnitKind { return UnitKindTier }
func (TierUnit) unit()          {}

// SeatUnit is one addressable seat. TierID, when set, only prices the seat.
type SeatUnit struct {
	Ref    SeatRef
	TierID uuid.UUID
}

func (SeatUnit) Kind() UnitKind { return UnitKindSeat }
func (SeatUnit) unit()          {}

type ActorKind string

const (
	ActorBuyer       ActorKind = "buyer"
	ActorStaff       ActorKind = "staff"
	ActorGuestImport ActorKind = "guest_import"
	ActorWaitlist    ActorKind = "waitlist"
)

// Actor identifies who asked for inventory. The engine never authenticates
// it; an empty ID is a caller error.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

func (a Actor) Validate() error {
	if a.ID == "" {
		return ErrMissingActor
	}
	switch a.Kind {
	case ActorBuyer, ActorStaff, ActorGuestImport, ActorWaitlist:
		return nil
	}
	return Wrapf(ErrInvalidInput, "unknown actor kind %q", a.Kind)
}
