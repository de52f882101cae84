// Package engine allocates seats and tier units to concurrent buyers, staff
// sellers, guest imports and the waitlist without selling anything twice.
//
// All shared state lives behind Store. The engine holds no locks of its
// own; every capacity rule is enforced by compare-and-set writes inside one
// serializable transaction, so any number of API processes can run it
// against the same database.
package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func SystemClock() Clock { return systemClock{} }

// Auditor records an append-only trail of inventory decisions. Failures
// are logged and never fail the operation.
type Auditor interface {
	LogHold(ctx context.Context, hold domain.Hold) error
	LogTickets(ctx context.Context, hold domain.Hold, tickets []domain.Ticket) error
	LogAnomaly(ctx context.Context, action string, actor domain.Actor, data map[string]interface{}) error
}

type nopAuditor struct{}

func (nopAuditor) LogHold(context.Context, domain.Hold) error { return nil }
func (nopAuditor) LogTickets(context.Context, domain.Hold, []domain.Ticket) error {
	return nil
}
func (nopAuditor) LogAnomaly(context.Context, string, domain.Actor, map[string]interface{}) error {
	return nil
}

type Config struct {
	HoldTTL          time.Duration
	MaxHoldTTL       time.Duration
	WaitlistOfferTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.HoldTTL <= 0 {
		c.HoldTTL = 5 * time.Minute
	}
	if c.MaxHoldTTL <= 0 {
		c.MaxHoldTTL = 30 * time.Minute
	}
	if c.MaxHoldTTL < c.HoldTTL {
		c.MaxHoldTTL = c.HoldTTL
	}
	if c.WaitlistOfferTTL <= 0 {
		c.WaitlistOfferTTL = 15 * time.Minute
	}
	return c
}

type Engine struct {
	store  Store
	cfg    Config
	logger observability.Logger
	clock  Clock
	audit  Auditor
	tracer trace.Tracer
}

type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithAuditor(a Auditor) Option {
	return func(e *Engine) {
		if a != nil {
			e.audit = a
		}
	}
}

func New(store Store, cfg Config, logger observability.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		clock:  SystemClock(),
		audit:  nopAuditor{},
		tracer: otel.Tracer("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}

// ttl clamps a requested hold lifetime into (0, MaxHoldTTL].
func (e *Engine) ttl(requested time.Duration) time.Duration {
	if requested <= 0 {
		return e.cfg.HoldTTL
	}
	if requested > e.cfg.MaxHoldTTL {
		return e.cfg.MaxHoldTTL
	}
	return requested
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) emit(ctx context.Context, tx Tx, aggregate string, id uuid.UUID, eventType string, payload interface{}) error {
	ev, err := domain.NewOutboxEvent(aggregate, id, eventType, payload, e.now())
	if err != nil {
		return errors.Wrap(err, "encode outbox event")
	}
	return tx.InsertOutbox(ctx, ev)
}

func (e *Engine) auditHold(ctx context.Context, hold domain.Hold) {
	if err := e.audit.LogHold(ctx, hold); err != nil {
		e.logger.WithError(err).WithField("hold_id", hold.ID).Warn("audit hold failed")
	}
}

func (e *Engine) auditTickets(ctx context.Context, hold domain.Hold, tickets []domain.Ticket) {
	if err := e.audit.LogTickets(ctx, hold, tickets); err != nil {
		e.logger.WithError(err).WithField("hold_id", hold.ID).Warn("audit tickets failed")
	}
}
