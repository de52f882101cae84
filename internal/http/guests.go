package http

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
)

// parseGuestCSV reads a guest list with a header row. Unknown columns are
// ignored. Lines that cannot be parsed come back as failed results so the
// rest of the list can still be imported.
func parseGuestCSV(r io.Reader) ([]engine.GuestRow, []engine.GuestResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, errors.Wrap(domain.ErrInvalidInput, "empty guest list")
	}
	if err != nil {
		return nil, nil, errors.Wrap(domain.ErrInvalidInput, err.Error())
	}
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.ToLower(strings.TrimSpace(col))] = i
	}
	_, hasTier := index["tier_id"]
	_, hasSection := index["section"]
	if !hasTier && !hasSection {
		return nil, nil, errors.Wrap(domain.ErrInvalidInput, "guest list needs a tier_id or section column")
	}

	var rows []engine.GuestRow
	var rejected []engine.GuestResult
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			rejected = append(rejected, engine.GuestResult{Line: line, Err: errors.Wrap(domain.ErrInvalidInput, err.Error())})
			continue
		}
		field := func(name string) string {
			i, ok := index[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		if isBlank(rec) {
			continue
		}
		row, err := guestRow(line, field)
		if err != nil {
			rejected = append(rejected, engine.GuestResult{Line: line, Err: err})
			continue
		}
		rows = append(rows, row)
	}
	return rows, rejected, nil
}

func guestRow(line int, field func(string) string) (engine.GuestRow, error) {
	row := engine.GuestRow{
		Line:       line,
		Name:       field("name"),
		Email:      field("email"),
		AttendeeID: field("attendee_id"),
		Quantity:   1,
	}
	if v := field("tier_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return row, errors.Wrapf(domain.ErrInvalidInput, "tier_id %q", v)
		}
		row.TierID = id
	}
	if v := field("quantity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return row, errors.Wrapf(domain.ErrInvalidInput, "quantity %q", v)
		}
		row.Quantity = n
	}
	if section := field("section"); section != "" {
		sel := engine.SeatSelector{Section: section, Row: field("row")}
		if v := field("seat"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return row, errors.Wrapf(domain.ErrInvalidInput, "seat %q", v)
			}
			sel.Number = n
		}
		row.Seat = &sel
	}
	return row, nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
