package crdb

import "context"

const nilUUID = "'00000000-0000-0000-0000-000000000000'"

// Schema creates every table the repository uses. Optional references are
// stored as the nil UUID rather than NULL.
const Schema = `
CREATE TABLE IF NOT EXISTS tiers (
	id UUID PRIMARY KEY,
	event_id UUID NOT NULL,
	name TEXT NOT NULL,
	price DECIMAL(12,2) NOT NULL DEFAULT 0,
	quantity INT NOT NULL,
	sold INT NOT NULL DEFAULT 0,
	CHECK (quantity >= 0),
	CHECK (sold >= 0 AND sold <= quantity),
	INDEX tiers_event_idx (event_id)
);

CREATE TABLE IF NOT EXISTS seats (
	event_id UUID NOT NULL,
	section TEXT NOT NULL,
	row_label TEXT NOT NULL,
	seat_no INT NOT NULL,
	tier_id UUID NOT NULL DEFAULT ` + nilUUID + `,
	status TEXT NOT NULL CHECK (status IN ('AVAILABLE', 'HELD', 'RESERVED', 'BLOCKED')),
	hold_id UUID NOT NULL DEFAULT ` + nilUUID + `,
	held_until TIMESTAMPTZ,
	PRIMARY KEY (event_id, section, row_label, seat_no)
);

CREATE TABLE IF NOT EXISTS holds (
	id UUID PRIMARY KEY,
	event_id UUID NOT NULL,
	actor_kind TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('ACTIVE', 'CONFIRMED', 'EXPIRED', 'CANCELLED')),
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	payment_ref TEXT,
	staff_allocation_id UUID NOT NULL DEFAULT ` + nilUUID + `,
	waitlist_entry_id UUID NOT NULL DEFAULT ` + nilUUID + `,
	UNIQUE INDEX holds_payment_ref_key (payment_ref),
	INDEX holds_status_expiry_idx (status, expires_at),
	INDEX holds_staff_idx (staff_allocation_id)
);

CREATE TABLE IF NOT EXISTS hold_items (
	hold_id UUID NOT NULL REFERENCES holds (id),
	idx INT NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('TIER', 'SEAT')),
	tier_id UUID NOT NULL DEFAULT ` + nilUUID + `,
	quantity INT NOT NULL DEFAULT 1,
	section TEXT NOT NULL DEFAULT '',
	row_label TEXT NOT NULL DEFAULT '',
	seat_no INT NOT NULL DEFAULT 0,
	price DECIMAL(12,2) NOT NULL DEFAULT 0,
	PRIMARY KEY (hold_id, idx),
	INDEX hold_items_tier_idx (tier_id)
);

CREATE TABLE IF NOT EXISTS tickets (
	id UUID PRIMARY KEY,
	event_id UUID NOT NULL,
	hold_id UUID NOT NULL,
	tier_id UUID NOT NULL DEFAULT ` + nilUUID + `,
	section TEXT NOT NULL DEFAULT '',
	row_label TEXT NOT NULL DEFAULT '',
	seat_no INT NOT NULL DEFAULT 0,
	order_id UUID NOT NULL,
	staff_allocation_id UUID NOT NULL DEFAULT ` + nilUUID + `,
	attendee_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('VALID', 'USED', 'VOID', 'TRANSFERRED')),
	code TEXT NOT NULL,
	price DECIMAL(12,2) NOT NULL DEFAULT 0,
	issued_at TIMESTAMPTZ NOT NULL,
	transferred_from UUID NOT NULL DEFAULT ` + nilUUID + `,
	UNIQUE INDEX tickets_code_key (code),
	INDEX tickets_hold_idx (hold_id)
);

CREATE TABLE IF NOT EXISTS staff_allocations (
	id UUID PRIMARY KEY,
	event_id UUID NOT NULL,
	tier_id UUID NOT NULL,
	staff_id TEXT NOT NULL,
	allocated_tickets INT NOT NULL,
	tickets_sold INT NOT NULL DEFAULT 0,
	commission_per_ticket DECIMAL(12,2) NOT NULL DEFAULT 0,
	commission_earned DECIMAL(12,2) NOT NULL DEFAULT 0,
	cash_collected DECIMAL(12,2) NOT NULL DEFAULT 0,
	CHECK (tickets_sold >= 0 AND tickets_sold <= allocated_tickets),
	INDEX staff_allocations_tier_idx (tier_id)
);

CREATE TABLE IF NOT EXISTS waitlist_entries (
	id UUID PRIMARY KEY,
	event_id UUID NOT NULL,
	tier_id UUID NOT NULL,
	actor_kind TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	quantity INT NOT NULL CHECK (quantity > 0),
	status TEXT NOT NULL CHECK (status IN ('ACTIVE', 'OFFERED', 'CONVERTED', 'EXPIRED', 'CANCELLED')),
	joined_at TIMESTAMPTZ NOT NULL,
	hold_id UUID NOT NULL DEFAULT ` + nilUUID + `,
	INDEX waitlist_queue_idx (event_id, tier_id, status, joined_at, id)
);

CREATE TABLE IF NOT EXISTS outbox (
	id UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	payload_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'NEW' CHECK (status IN ('NEW', 'PUBLISHED', 'FAILED')),
	dedupe_key TEXT NOT NULL,
	INDEX outbox_status_created_idx (status, created_at)
);
`

// Migrate applies Schema. Every statement is idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, Schema)
	return err
}
