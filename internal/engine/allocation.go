package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
)

// SeatSelector names a seat fully (Section, Row, Number) or partially. A
// partial selector is filled with the lowest available seats: numeric rows
// first in numeric order, then lettered rows in shortlex order
// ("9" < "10" < "Z" < "AA"), then seat number ascending.
type SeatSelector struct {
	Section string `json:"section"`
	Row     string `json:"row,omitempty"`
	Number  int    `json:"number,omitempty"`
}

func (s SeatSelector) exact() bool {
	return s.Section != "" && s.Row != "" && s.Number > 0
}

func (s SeatSelector) ref() domain.SeatRef {
	return domain.SeatRef{Section: s.Section, Row: s.Row, Number: s.Number}
}

func (e *Engine) selectSeats(ctx context.Context, tx Tx, eventID uuid.UUID, sel SeatSelector, qty int, now time.Time) ([]domain.Seat, error) {
	if sel.Section == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "seat selector needs a section")
	}
	if sel.Number > 0 {
		if !sel.exact() {
			return nil, errors.Wrap(domain.ErrInvalidInput, "seat number given without row")
		}
		if qty != 1 {
			return nil, errors.Wrap(domain.ErrInvalidInput, "exact seat selector holds one seat")
		}
		seat, err := tx.GetSeat(ctx, eventID, sel.ref())
		if err != nil {
			return nil, err
		}
		if st := seat.EffectiveStatus(now); st != domain.SeatAvailable {
			return nil, errors.Wrapf(domain.ErrSeatUnavailable, "seat %s is %s", seat.Ref, st)
		}
		return []domain.Seat{seat}, nil
	}

	seats, err := tx.ListSeats(ctx, eventID, sel.Section, sel.Row)
	if err != nil {
		return nil, err
	}
	SortSeats(seats)
	picked := make([]domain.Seat, 0, qty)
	for _, s := range seats {
		if s.EffectiveStatus(now) == domain.SeatAvailable {
			picked = append(picked, s)
			if len(picked) == qty {
				return picked, nil
			}
		}
	}
	where := sel.Section
	if sel.Row != "" {
		where += "/" + sel.Row
	}
	return nil, errors.Wrapf(domain.ErrSeatUnavailable, "%s: %d seats requested, %d available", where, qty, len(picked))
}

// SortSeats orders seats by section, row and number. Rows compare as in
// SeatSelector.
func SortSeats(seats []domain.Seat) {
	sort.SliceStable(seats, func(i, j int) bool {
		a, b := seats[i].Ref, seats[j].Ref
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		if a.Row != b.Row {
			return rowLess(a.Row, b.Row)
		}
		return a.Number < b.Number
	})
}

func rowLess(a, b string) bool {
	an, bn := numericRow(a), numericRow(b)
	if an != bn {
		return an
	}
	if an {
		ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if ta != tb {
			return shortlexLess(ta, tb)
		}
	}
	return shortlexLess(a, b)
}

func shortlexLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func numericRow(r string) bool {
	if r == "" {
		return false
	}
	for _, c := range r {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
