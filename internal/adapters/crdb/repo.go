package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"github.com/shopspring/decimal"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn in a SERIALIZABLE transaction. Retry-class errors come back
// as domain.ErrSerializationFailure; the caller decides whether to retry.
func (r *Repository) WithTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	if err := fn(&txRepo{tx: tx}); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case SerializationFailureCode:
			return errors.Mark(errors.Wrap(err, "restart transaction"), domain.ErrSerializationFailure)
		case UniqueViolationCode:
			return errors.Mark(errors.Wrap(err, pgErr.ConstraintName), domain.ErrConflict)
		}
	}
	return err
}

func notFound(err error, kind string, id interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(domain.ErrNotFound, "%s %v", kind, id)
	}
	return err
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "decimal %q", s)
	}
	return d, nil
}

// txRepo implements engine.Tx over one pgx transaction. Reads that precede
// a conditional write lock their row with FOR UPDATE.
type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) InsertTier(ctx context.Context, tier domain.Tier) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tiers (id, event_id, name, price, quantity, sold)
		VALUES ($1, $2, $3, $4::DECIMAL, $5, $6)
	`, tier.ID, tier.EventID, tier.Name, tier.Price.String(), tier.Quantity, tier.Sold)
	return err
}

func (t *txRepo) GetTier(ctx context.Context, id uuid.UUID) (domain.Tier, error) {
	var (
		tier  domain.Tier
		price string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, event_id, name, price::STRING, quantity, sold
		FROM tiers WHERE id = $1 FOR UPDATE
	`, id).Scan(&tier.ID, &tier.EventID, &tier.Name, &price, &tier.Quantity, &tier.Sold)
	if err != nil {
		return domain.Tier{}, notFound(err, "tier", id)
	}
	tier.Price, err = parseDecimal(price)
	return tier, err
}

func (t *txRepo) AddTierSold(ctx context.Context, id uuid.UUID, delta int) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE tiers SET sold = sold + $2
		WHERE id = $1 AND sold + $2 BETWEEN 0 AND quantity
	`, id, delta)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 1 {
		return nil
	}
	if _, err := t.GetTier(ctx, id); err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrOversell, "tier %s: sold%+d out of range", id, delta)
}

func (t *txRepo) ActiveTierHeld(ctx context.Context, tierID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(i.quantity), 0)::INT
		FROM hold_items i JOIN holds h ON h.id = i.hold_id
		WHERE i.kind = 'TIER' AND i.tier_id = $1 AND h.status = 'ACTIVE' AND h.expires_at > $2
	`, tierID, now).Scan(&n)
	return n, err
}

func (t *txRepo) InsertSeats(ctx context.Context, seats []domain.Seat) error {
	b := &pgx.Batch{}
	for _, s := range seats {
		b.Queue(`
			INSERT INTO seats (event_id, section, row_label, seat_no, tier_id, status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, s.EventID, s.Ref.Section, s.Ref.Row, s.Ref.Number, s.TierID, string(s.Status))
	}
	return t.execBatch(ctx, b)
}

func (t *txRepo) execBatch(ctx context.Context, b *pgx.Batch) error {
	br := t.tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapError(err)
		}
	}
	return br.Close()
}

const seatColumns = `event_id, section, row_label, seat_no, tier_id, status, hold_id, held_until`

func scanSeat(row pgx.Row) (domain.Seat, error) {
	var (
		s         domain.Seat
		status    string
		heldUntil *time.Time
	)
	if err := row.Scan(&s.EventID, &s.Ref.Section, &s.Ref.Row, &s.Ref.Number, &s.TierID, &status, &s.HoldID, &heldUntil); err != nil {
		return domain.Seat{}, err
	}
	s.Status = domain.SeatStatus(status)
	if heldUntil != nil {
		s.HeldUntil = heldUntil.UTC()
	}
	return s, nil
}

func (t *txRepo) GetSeat(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef) (domain.Seat, error) {
	s, err := scanSeat(t.tx.QueryRow(ctx, `
		SELECT `+seatColumns+` FROM seats
		WHERE event_id = $1 AND section = $2 AND row_label = $3 AND seat_no = $4
	`, eventID, ref.Section, ref.Row, ref.Number))
	if err != nil {
		return domain.Seat{}, notFound(err, "seat", ref)
	}
	return s, nil
}

func (t *txRepo) ListSeats(ctx context.Context, eventID uuid.UUID, section, row string) ([]domain.Seat, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+seatColumns+` FROM seats
		WHERE event_id = $1 AND ($2 = '' OR section = $2) AND ($3 = '' OR row_label = $3)
	`, eventID, section, row)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seats []domain.Seat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		seats = append(seats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	engine.SortSeats(seats)
	return seats, nil
}

func (t *txRepo) seatExists(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef) error {
	_, err := t.GetSeat(ctx, eventID, ref)
	return err
}

func (t *txRepo) ClaimSeat(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID, heldUntil, now time.Time) (bool, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE seats SET status = 'HELD', hold_id = $5, held_until = $6
		WHERE event_id = $1 AND section = $2 AND row_label = $3 AND seat_no = $4
		  AND (status = 'AVAILABLE' OR (status = 'HELD' AND held_until <= $7))
	`, eventID, ref.Section, ref.Row, ref.Number, holdID, heldUntil, now)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	return false, t.seatExists(ctx, eventID, ref)
}

func (t *txRepo) ExtendSeatClaim(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID, heldUntil time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE seats SET held_until = $6
		WHERE event_id = $1 AND section = $2 AND row_label = $3 AND seat_no = $4
		  AND status = 'HELD' AND hold_id = $5
	`, eventID, ref.Section, ref.Row, ref.Number, holdID, heldUntil)
	return err
}

func (t *txRepo) ReserveSeat(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID) (bool, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE seats SET status = 'RESERVED', held_until = NULL
		WHERE event_id = $1 AND section = $2 AND row_label = $3 AND seat_no = $4
		  AND status = 'HELD' AND hold_id = $5
	`, eventID, ref.Section, ref.Row, ref.Number, holdID)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	return false, t.seatExists(ctx, eventID, ref)
}

func (t *txRepo) ReleaseSeat(ctx context.Context, eventID uuid.UUID, ref domain.SeatRef, holdID uuid.UUID) (bool, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE seats SET status = 'AVAILABLE', hold_id = `+nilUUID+`, held_until = NULL
		WHERE event_id = $1 AND section = $2 AND row_label = $3 AND seat_no = $4
		  AND status IN ('HELD', 'RESERVED') AND hold_id = $5
	`, eventID, ref.Section, ref.Row, ref.Number, holdID)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	return false, t.seatExists(ctx, eventID, ref)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *txRepo) InsertHold(ctx context.Context, hold domain.Hold) error {
	b := &pgx.Batch{}
	b.Queue(`
		INSERT INTO holds (id, event_id, actor_kind, actor_id, status, created_at, expires_at, payment_ref, staff_allocation_id, waitlist_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, hold.ID, hold.EventID, string(hold.Actor.Kind), hold.Actor.ID, string(hold.Status), hold.CreatedAt, hold.ExpiresAt,
		nullString(hold.PaymentRef), hold.StaffAllocationID, hold.WaitlistEntryID)
	for i, item := range hold.Items {
		switch u := item.Unit.(type) {
		case domain.TierUnit:
			b.Queue(`
				INSERT INTO hold_items (hold_id, idx, kind, tier_id, quantity, price)
				VALUES ($1, $2, 'TIER', $3, $4, $5::DECIMAL)
			`, hold.ID, i, u.TierID, u.Quantity, item.Price.String())
		case domain.SeatUnit:
			b.Queue(`
				INSERT INTO hold_items (hold_id, idx, kind, tier_id, quantity, section, row_label, seat_no, price)
				VALUES ($1, $2, 'SEAT', $3, 1, $4, $5, $6, $7::DECIMAL)
			`, hold.ID, i, u.TierID, u.Ref.Section, u.Ref.Row, u.Ref.Number, item.Price.String())
		default:
			return errors.Wrapf(domain.ErrInvalidInput, "unknown unit %T", item.Unit)
		}
	}
	return t.execBatch(ctx, b)
}

const holdColumns = `id, event_id, actor_kind, actor_id, status, created_at, expires_at, COALESCE(payment_ref, ''), staff_allocation_id, waitlist_entry_id`

func (t *txRepo) getHold(ctx context.Context, where string, arg interface{}) (domain.Hold, error) {
	var (
		h         domain.Hold
		kind      string
		status    string
		createdAt time.Time
		expiresAt time.Time
	)
	err := t.tx.QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE `+where+` FOR UPDATE`, arg).Scan(
		&h.ID, &h.EventID, &kind, &h.Actor.ID, &status, &createdAt, &expiresAt, &h.PaymentRef, &h.StaffAllocationID, &h.WaitlistEntryID)
	if err != nil {
		return domain.Hold{}, notFound(err, "hold", arg)
	}
	h.Actor.Kind = domain.ActorKind(kind)
	h.Status = domain.HoldStatus(status)
	h.CreatedAt = createdAt.UTC()
	h.ExpiresAt = expiresAt.UTC()

	rows, err := t.tx.Query(ctx, `
		SELECT kind, tier_id, quantity, section, row_label, seat_no, price::STRING
		FROM hold_items WHERE hold_id = $1 ORDER BY idx
	`, h.ID)
	if err != nil {
		return domain.Hold{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			itemKind string
			tierID   uuid.UUID
			qty      int
			ref      domain.SeatRef
			price    string
		)
		if err := rows.Scan(&itemKind, &tierID, &qty, &ref.Section, &ref.Row, &ref.Number, &price); err != nil {
			return domain.Hold{}, err
		}
		item := domain.HoldItem{}
		if item.Price, err = parseDecimal(price); err != nil {
			return domain.Hold{}, err
		}
		if domain.UnitKind(itemKind) == domain.UnitKindSeat {
			item.Unit = domain.SeatUnit{Ref: ref, TierID: tierID}
		} else {
			item.Unit = domain.TierUnit{TierID: tierID, Quantity: qty}
		}
		h.Items = append(h.Items, item)
	}
	return h, rows.Err()
}

func (t *txRepo) GetHold(ctx context.Context, id uuid.UUID) (domain.Hold, error) {
	return t.getHold(ctx, "id = $1", id)
}

func (t *txRepo) GetHoldByPaymentRef(ctx context.Context, paymentRef string) (domain.Hold, error) {
	return t.getHold(ctx, "payment_ref = $1", paymentRef)
}

func (t *txRepo) UpdateHoldStatus(ctx context.Context, id uuid.UUID, from, to domain.HoldStatus) (bool, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE holds SET status = $3 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (t *txRepo) UpdateHoldExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	result, err := t.tx.Exec(ctx, `UPDATE holds SET expires_at = $2 WHERE id = $1`, id, expiresAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "hold %s", id)
	}
	return nil
}

func (t *txRepo) SetHoldPaymentRef(ctx context.Context, id uuid.UUID, paymentRef string) error {
	result, err := t.tx.Exec(ctx, `UPDATE holds SET payment_ref = $2 WHERE id = $1`, id, paymentRef)
	if err != nil {
		return mapError(err)
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "hold %s", id)
	}
	return nil
}

func (t *txRepo) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM holds
		WHERE status = 'ACTIVE' AND expires_at <= $1
		ORDER BY expires_at LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (t *txRepo) InsertTickets(ctx context.Context, tickets []domain.Ticket) error {
	b := &pgx.Batch{}
	for _, tk := range tickets {
		var ref domain.SeatRef
		if tk.Seat != nil {
			ref = *tk.Seat
		}
		b.Queue(`
			INSERT INTO tickets (id, event_id, hold_id, tier_id, section, row_label, seat_no, order_id,
				staff_allocation_id, attendee_id, status, code, price, issued_at, transferred_from)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::DECIMAL, $14, $15)
		`, tk.ID, tk.EventID, tk.HoldID, tk.TierID, ref.Section, ref.Row, ref.Number, tk.OrderID,
			tk.StaffAllocationID, tk.AttendeeID, string(tk.Status), tk.Code, tk.Price.String(), tk.IssuedAt, tk.TransferredFrom)
	}
	return t.execBatch(ctx, b)
}

const ticketColumns = `id, event_id, hold_id, tier_id, section, row_label, seat_no, order_id,
	staff_allocation_id, attendee_id, status, code, price::STRING, issued_at, transferred_from`

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var (
		tk       domain.Ticket
		ref      domain.SeatRef
		status   string
		price    string
		issuedAt time.Time
	)
	err := row.Scan(&tk.ID, &tk.EventID, &tk.HoldID, &tk.TierID, &ref.Section, &ref.Row, &ref.Number, &tk.OrderID,
		&tk.StaffAllocationID, &tk.AttendeeID, &status, &tk.Code, &price, &issuedAt, &tk.TransferredFrom)
	if err != nil {
		return domain.Ticket{}, err
	}
	if ref.Valid() {
		tk.Seat = &ref
	}
	tk.Status = domain.TicketStatus(status)
	tk.IssuedAt = issuedAt.UTC()
	tk.Price, err = parseDecimal(price)
	return tk, err
}

func (t *txRepo) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	tk, err := scanTicket(t.tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Ticket{}, notFound(err, "ticket", id)
	}
	return tk, nil
}

func (t *txRepo) TicketsByHold(ctx context.Context, holdID uuid.UUID) ([]domain.Ticket, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE hold_id = $1 AND transferred_from = `+nilUUID+`
		ORDER BY issued_at, code
	`, holdID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, tk)
	}
	return tickets, rows.Err()
}

func (t *txRepo) UpdateTicketStatus(ctx context.Context, id uuid.UUID, from, to domain.TicketStatus) (bool, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE tickets SET status = $3 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (t *txRepo) InsertStaffAllocation(ctx context.Context, a domain.StaffAllocation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO staff_allocations (id, event_id, tier_id, staff_id, allocated_tickets, tickets_sold,
			commission_per_ticket, commission_earned, cash_collected)
		VALUES ($1, $2, $3, $4, $5, $6, $7::DECIMAL, $8::DECIMAL, $9::DECIMAL)
	`, a.ID, a.EventID, a.TierID, a.StaffID, a.AllocatedTickets, a.TicketsSold,
		a.CommissionPerTicket.String(), a.CommissionEarned.String(), a.CashCollected.String())
	return mapError(err)
}

const allocationColumns = `id, event_id, tier_id, staff_id, allocated_tickets, tickets_sold,
	commission_per_ticket::STRING, commission_earned::STRING, cash_collected::STRING`

func scanAllocation(row pgx.Row) (domain.StaffAllocation, error) {
	var (
		a                       domain.StaffAllocation
		perTicket, earned, cash string
	)
	err := row.Scan(&a.ID, &a.EventID, &a.TierID, &a.StaffID, &a.AllocatedTickets, &a.TicketsSold, &perTicket, &earned, &cash)
	if err != nil {
		return domain.StaffAllocation{}, err
	}
	if a.CommissionPerTicket, err = parseDecimal(perTicket); err != nil {
		return domain.StaffAllocation{}, err
	}
	if a.CommissionEarned, err = parseDecimal(earned); err != nil {
		return domain.StaffAllocation{}, err
	}
	a.CashCollected, err = parseDecimal(cash)
	return a, err
}

func (t *txRepo) GetStaffAllocation(ctx context.Context, id uuid.UUID) (domain.StaffAllocation, error) {
	a, err := scanAllocation(t.tx.QueryRow(ctx, `SELECT `+allocationColumns+` FROM staff_allocations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.StaffAllocation{}, notFound(err, "allocation", id)
	}
	return a, nil
}

func (t *txRepo) ListStaffAllocations(ctx context.Context, tierID uuid.UUID) ([]domain.StaffAllocation, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+allocationColumns+` FROM staff_allocations WHERE tier_id = $1`, tierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StaffAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txRepo) ActiveStaffHeld(ctx context.Context, allocationID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(i.quantity), 0)::INT
		FROM hold_items i JOIN holds h ON h.id = i.hold_id
		WHERE i.kind = 'TIER' AND h.staff_allocation_id = $1 AND h.status = 'ACTIVE' AND h.expires_at > $2
	`, allocationID, now).Scan(&n)
	return n, err
}

func (t *txRepo) AddStaffSale(ctx context.Context, id uuid.UUID, qty int, commission, cash decimal.Decimal) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE staff_allocations
		SET tickets_sold = tickets_sold + $2,
		    commission_earned = commission_earned + $3::DECIMAL,
		    cash_collected = cash_collected + $4::DECIMAL
		WHERE id = $1 AND tickets_sold + $2 BETWEEN 0 AND allocated_tickets
	`, id, qty, commission.String(), cash.String())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 1 {
		return nil
	}
	if _, err := t.GetStaffAllocation(ctx, id); err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrStaffQuotaExceeded, "allocation %s: sold%+d out of range", id, qty)
}

func (t *txRepo) InsertWaitlistEntry(ctx context.Context, e domain.WaitlistEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO waitlist_entries (id, event_id, tier_id, actor_kind, actor_id, quantity, status, joined_at, hold_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.EventID, e.TierID, string(e.Actor.Kind), e.Actor.ID, e.Quantity, string(e.Status), e.JoinedAt, e.HoldID)
	return mapError(err)
}

const waitlistColumns = `id, event_id, tier_id, actor_kind, actor_id, quantity, status, joined_at, hold_id`

func scanWaitlistEntry(row pgx.Row) (domain.WaitlistEntry, error) {
	var (
		e        domain.WaitlistEntry
		kind     string
		status   string
		joinedAt time.Time
	)
	if err := row.Scan(&e.ID, &e.EventID, &e.TierID, &kind, &e.Actor.ID, &e.Quantity, &status, &joinedAt, &e.HoldID); err != nil {
		return domain.WaitlistEntry{}, err
	}
	e.Actor.Kind = domain.ActorKind(kind)
	e.Status = domain.WaitlistStatus(status)
	e.JoinedAt = joinedAt.UTC()
	return e, nil
}

func (t *txRepo) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (domain.WaitlistEntry, error) {
	e, err := scanWaitlistEntry(t.tx.QueryRow(ctx, `SELECT `+waitlistColumns+` FROM waitlist_entries WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.WaitlistEntry{}, notFound(err, "waitlist entry", id)
	}
	return e, nil
}

func (t *txRepo) NextWaitlistEntry(ctx context.Context, eventID, tierID uuid.UUID) (domain.WaitlistEntry, error) {
	e, err := scanWaitlistEntry(t.tx.QueryRow(ctx, `
		SELECT `+waitlistColumns+` FROM waitlist_entries
		WHERE event_id = $1 AND tier_id = $2 AND status = 'ACTIVE'
		ORDER BY joined_at, id LIMIT 1 FOR UPDATE
	`, eventID, tierID))
	if err != nil {
		return domain.WaitlistEntry{}, notFound(err, "waitlist entry for tier", tierID)
	}
	return e, nil
}

func (t *txRepo) UpdateWaitlistEntry(ctx context.Context, id uuid.UUID, from, to domain.WaitlistStatus, holdID uuid.UUID) (bool, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE waitlist_entries
		SET status = $3, hold_id = CASE WHEN $4::UUID = `+nilUUID+` THEN hold_id ELSE $4::UUID END
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), holdID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}
