package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	"github.com/robertarktes/ticket-inventory-engine/internal/idempotency"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"github.com/shopspring/decimal"
)

const maxBody = 1 << 20

// Catalog resolves an event chart for provisioning.
type Catalog interface {
	LoadSetup(ctx context.Context, eventID uuid.UUID) (engine.EventSetup, error)
}

// AvailabilityCache holds short-lived availability snapshots. Reads from it
// are advisory; holds always go through the engine.
type AvailabilityCache interface {
	GetAvailability(ctx context.Context, tierID uuid.UUID) (engine.TierAvailability, bool, error)
	SetAvailability(ctx context.Context, av engine.TierAvailability, ttl time.Duration) error
	InvalidateTier(ctx context.Context, tierID uuid.UUID) error
}

type Handlers struct {
	engine   *engine.Engine
	catalog  Catalog
	cache    AvailabilityCache
	cacheTTL time.Duration
	checks   map[string]func(context.Context) error
	logger   observability.Logger
}

type Option func(*Handlers)

func WithCatalog(c Catalog) Option {
	return func(h *Handlers) { h.catalog = c }
}

func WithAvailabilityCache(c AvailabilityCache, ttl time.Duration) Option {
	return func(h *Handlers) {
		h.cache = c
		h.cacheTTL = ttl
	}
}

// WithReadinessCheck adds a dependency probe to /v1/readyz.
func WithReadinessCheck(name string, check func(context.Context) error) Option {
	return func(h *Handlers) { h.checks[name] = check }
}

func NewHandlers(eng *engine.Engine, logger observability.Logger, opts ...Option) *Handlers {
	h := &Handlers{
		engine: eng,
		checks: map[string]func(context.Context) error{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handlers) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID    uuid.UUID            `json:"event_id"`
		Units      []engine.UnitRequest `json:"units"`
		TTLSeconds int                  `json:"ttl_seconds"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	hold, err := h.engine.CreateHold(r.Context(), engine.HoldRequest{
		EventID: req.EventID,
		Actor:   ActorFrom(r.Context()),
		Units:   req.Units,
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateHold(r.Context(), hold)
	writeJSON(w, http.StatusCreated, newHoldView(hold))
}

func (h *Handlers) GetHold(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hold, err := h.engine.GetHold(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHoldView(hold))
}

func (h *Handlers) ExtendHold(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		TTLSeconds int `json:"ttl_seconds"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	hold, err := h.engine.ExtendHold(r.Context(), id, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHoldView(hold))
}

func (h *Handlers) AttachPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		PaymentRef string `json:"payment_ref"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.engine.AttachPayment(r.Context(), id, req.PaymentRef); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ConfirmHold(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		OrderID    uuid.UUID `json:"order_id"`
		PaymentRef string    `json:"payment_ref"`
		AttendeeID string    `json:"attendee_id"`
	}
	if err := decodeOptional(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	tickets, err := h.engine.Finalize(r.Context(), id, engine.SaleContext{
		OrderID:    req.OrderID,
		PaymentRef: req.PaymentRef,
		AttendeeID: req.AttendeeID,
		Channel:    engine.ChannelOnline,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateTickets(r.Context(), tickets)
	writeJSON(w, http.StatusOK, map[string]interface{}{"tickets": newTicketViews(tickets)})
}

func (h *Handlers) CancelHold(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hold, err := h.engine.GetHold(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.engine.CancelHold(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateHold(r.Context(), hold)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HoldTickets(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tickets, err := h.engine.TicketsForHold(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tickets": newTicketViews(tickets)})
}

// PaymentCallback is called by the payment gateway. A 422 tells the gateway
// the charge succeeded but inventory could not be committed and must be
// refunded.
func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentRef string    `json:"payment_ref"`
		Status     string    `json:"status"`
		OrderID    uuid.UUID `json:"order_id"`
		AttendeeID string    `json:"attendee_id"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.PaymentRef == "" {
		h.fail(w, r, errors.Wrap(domain.ErrInvalidInput, "payment_ref required"))
		return
	}

	if req.Status != "SUCCEEDED" {
		if err := h.engine.CancelByPaymentRef(r.Context(), req.PaymentRef); err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	tickets, err := h.engine.ConfirmByPaymentRef(r.Context(), req.PaymentRef, engine.SaleContext{
		OrderID:    req.OrderID,
		PaymentRef: req.PaymentRef,
		AttendeeID: req.AttendeeID,
		Channel:    engine.ChannelOnline,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateTickets(r.Context(), tickets)
	writeJSON(w, http.StatusOK, map[string]interface{}{"tickets": newTicketViews(tickets)})
}

func (h *Handlers) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID             uuid.UUID       `json:"event_id"`
		TierID              uuid.UUID       `json:"tier_id"`
		StaffID             string          `json:"staff_id"`
		Tickets             int             `json:"tickets"`
		CommissionPerTicket decimal.Decimal `json:"commission_per_ticket"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	alloc, err := h.engine.CreateAllocation(r.Context(), engine.AllocationRequest{
		EventID:             req.EventID,
		TierID:              req.TierID,
		StaffID:             req.StaffID,
		Tickets:             req.Tickets,
		CommissionPerTicket: req.CommissionPerTicket,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateTiers(r.Context(), alloc.TierID)
	writeJSON(w, http.StatusCreated, newAllocationView(alloc))
}

func (h *Handlers) GetAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	alloc, err := h.engine.GetAllocation(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAllocationView(alloc))
}

func (h *Handlers) StaffSale(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if actor.Kind != domain.ActorStaff {
		writeError(w, http.StatusForbidden, "forbidden", "staff sales need a staff actor")
		return
	}
	var req struct {
		AllocationID uuid.UUID `json:"allocation_id"`
		Quantity     int       `json:"quantity"`
		AttendeeID   string    `json:"attendee_id"`
		OrderID      uuid.UUID `json:"order_id"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	tickets, err := h.engine.StaffSale(r.Context(), engine.StaffSaleRequest{
		AllocationID: req.AllocationID,
		Actor:        actor,
		Quantity:     req.Quantity,
		AttendeeID:   req.AttendeeID,
		OrderID:      req.OrderID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateTickets(r.Context(), tickets)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"tickets": newTicketViews(tickets)})
}

type guestResultView struct {
	Line    int          `json:"line"`
	Tickets []ticketView `json:"tickets,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// ImportGuests takes a CSV guest list. The response lists every data line;
// failed lines carry an error and do not stop the import.
func (h *Handlers) ImportGuests(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	actor := ActorFrom(r.Context())
	if actor.ID == "" {
		h.fail(w, r, domain.ErrMissingActor)
		return
	}
	rows, rejected, err := parseGuestCSV(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	results := h.engine.ImportGuests(r.Context(), eventID, domain.Actor{Kind: domain.ActorGuestImport, ID: actor.ID}, rows)
	results = append(results, rejected...)

	out := make([]guestResultView, 0, len(results))
	var succeeded, failed int
	var touched []domain.Ticket
	for _, res := range results {
		v := guestResultView{Line: res.Line}
		if res.Err != nil {
			v.Error = res.Err.Error()
			failed++
		} else {
			v.Tickets = newTicketViews(res.Tickets)
			touched = append(touched, res.Tickets...)
			succeeded++
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	h.invalidateTickets(r.Context(), touched)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"succeeded": succeeded,
		"failed":    failed,
		"results":   out,
	})
}

// ProvisionEvent copies an event chart into the engine. The chart comes from
// the request body when it carries one, otherwise from the catalog.
func (h *Handlers) ProvisionEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		Tiers []struct {
			ID       uuid.UUID       `json:"id"`
			Name     string          `json:"name"`
			Price    decimal.Decimal `json:"price"`
			Quantity int             `json:"quantity"`
		} `json:"tiers"`
		Seats []struct {
			domain.SeatRef
			TierID  uuid.UUID `json:"tier_id"`
			Blocked bool      `json:"blocked"`
		} `json:"seats"`
	}
	if err := decodeOptional(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	setup := engine.EventSetup{EventID: eventID}
	for _, t := range req.Tiers {
		setup.Tiers = append(setup.Tiers, domain.Tier{ID: t.ID, Name: t.Name, Price: t.Price, Quantity: t.Quantity})
	}
	for _, s := range req.Seats {
		status := domain.SeatAvailable
		if s.Blocked {
			status = domain.SeatBlocked
		}
		setup.Seats = append(setup.Seats, domain.Seat{Ref: s.SeatRef, TierID: s.TierID, Status: status})
	}
	if len(setup.Tiers) == 0 && len(setup.Seats) == 0 {
		if h.catalog == nil {
			writeError(w, http.StatusNotImplemented, "no_catalog", "no catalog configured and no chart in request")
			return
		}
		setup, err = h.catalog.LoadSetup(r.Context(), eventID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if err := h.engine.Provision(r.Context(), setup); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"event_id": eventID,
		"tiers":    len(setup.Tiers),
		"seats":    len(setup.Seats),
	})
}

func (h *Handlers) ListSeats(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	seats, err := h.engine.ListSeats(r.Context(), eventID, r.URL.Query().Get("section"), r.URL.Query().Get("row"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]seatView, len(seats))
	for i, s := range seats {
		out[i] = newSeatView(s)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"seats": out})
}

func (h *Handlers) SeatStatus(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		h.fail(w, r, errors.Wrap(domain.ErrInvalidInput, "seat number"))
		return
	}
	ref := domain.SeatRef{Section: chi.URLParam(r, "section"), Row: chi.URLParam(r, "row"), Number: number}
	status, err := h.engine.SeatStatus(r.Context(), eventID, ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"seat": ref, "status": status})
}

func (h *Handlers) TierAvailability(w http.ResponseWriter, r *http.Request) {
	tierID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.cache != nil {
		av, ok, err := h.cache.GetAvailability(r.Context(), tierID)
		if err != nil {
			loggerFrom(r.Context(), h.logger).WithError(err).Warn("availability cache read failed")
		}
		if ok {
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, av)
			return
		}
	}
	av, err := h.engine.Availability(r.Context(), tierID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.cache != nil {
		if err := h.cache.SetAvailability(r.Context(), av, h.cacheTTL); err != nil {
			loggerFrom(r.Context(), h.logger).WithError(err).Warn("availability cache write failed")
		}
	}
	writeJSON(w, http.StatusOK, av)
}

func (h *Handlers) JoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID  uuid.UUID `json:"event_id"`
		TierID   uuid.UUID `json:"tier_id"`
		Quantity int       `json:"quantity"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	entry, err := h.engine.JoinWaitlist(r.Context(), req.EventID, req.TierID, ActorFrom(r.Context()), req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newWaitlistView(entry))
}

func (h *Handlers) GetWaitlistEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entry, err := h.engine.GetWaitlistEntry(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWaitlistView(entry))
}

func (h *Handlers) LeaveWaitlist(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.engine.LeaveWaitlist(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) VoidTicket(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ticket, err := h.engine.VoidTicket(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateTickets(r.Context(), []domain.Ticket{ticket})
	writeJSON(w, http.StatusOK, newTicketView(ticket))
}

func (h *Handlers) RedeemTicket(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ticket, err := h.engine.RedeemTicket(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTicketView(ticket))
}

func (h *Handlers) TransferTicket(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		AttendeeID string `json:"attendee_id"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ticket, err := h.engine.TransferTicket(r.Context(), id, req.AttendeeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTicketView(ticket))
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readyz probes every registered dependency and reports each one.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			report[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, report)
}

func (h *Handlers) invalidateHold(ctx context.Context, hold domain.Hold) {
	var tiers []uuid.UUID
	for _, item := range hold.Items {
		switch u := item.Unit.(type) {
		case domain.TierUnit:
			tiers = append(tiers, u.TierID)
		case domain.SeatUnit:
			if u.TierID != uuid.Nil {
				tiers = append(tiers, u.TierID)
			}
		}
	}
	h.invalidateTiers(ctx, tiers...)
}

func (h *Handlers) invalidateTickets(ctx context.Context, tickets []domain.Ticket) {
	var tiers []uuid.UUID
	for _, t := range tickets {
		if t.TierID != uuid.Nil {
			tiers = append(tiers, t.TierID)
		}
	}
	h.invalidateTiers(ctx, tiers...)
}

func (h *Handlers) invalidateTiers(ctx context.Context, tierIDs ...uuid.UUID) {
	if h.cache == nil {
		return
	}
	seen := make(map[uuid.UUID]bool, len(tierIDs))
	for _, id := range tierIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := h.cache.InvalidateTier(ctx, id); err != nil {
			loggerFrom(ctx, h.logger).WithError(err).WithField("tier_id", id).Warn("availability cache invalidation failed")
		}
	}
}

// fail maps engine errors onto HTTP statuses. Inventory conflicts are checked
// first because they wrap the oversell that caused them.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		loggerFrom(r.Context(), h.logger).WithError(err).Error("request failed")
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInventoryConflict):
		return http.StatusUnprocessableEntity, "inventory_conflict"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrMissingActor):
		return http.StatusBadRequest, "missing_actor"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrHoldExpired):
		return http.StatusGone, "hold_expired"
	case errors.Is(err, domain.ErrSeatUnavailable):
		return http.StatusConflict, "seat_unavailable"
	case errors.Is(err, domain.ErrStaffQuotaExceeded):
		return http.StatusConflict, "staff_quota_exceeded"
	case errors.Is(err, domain.ErrHoldConflict), errors.Is(err, domain.ErrOversell):
		return http.StatusConflict, "hold_conflict"
	case errors.Is(err, domain.ErrHoldNotActive):
		return http.StatusConflict, "hold_not_active"
	case errors.Is(err, domain.ErrTicketNotValid):
		return http.StatusConflict, "ticket_not_valid"
	case errors.Is(err, domain.ErrSerializationFailure):
		return http.StatusConflict, "retry"
	case errors.Is(err, idempotency.ErrInFlight):
		return http.StatusConflict, "request_in_flight"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode body"), domain.ErrInvalidInput)
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v interface{}) error {
	err := decode(r, v)
	if err != nil && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errors.Wrapf(domain.ErrInvalidInput, "%s must be a uuid", name)
	}
	return id, nil
}
