package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/memory"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	"github.com/robertarktes/ticket-inventory-engine/internal/idempotency"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"github.com/shopspring/decimal"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type server struct {
	t       *testing.T
	handler http.Handler
	clock   *testClock
	eventID uuid.UUID
	tierID  uuid.UUID
}

type countingLimiter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, rate int, _ time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[key]++
	return l.calls[key] <= rate
}

func newServer(t *testing.T, tierQty int, opts ...func(*RouterConfig)) *server {
	t.Helper()
	s := &server{
		t:       t,
		clock:   &testClock{now: time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)},
		eventID: uuid.New(),
		tierID:  uuid.New(),
	}
	logger := observability.NewNopLogger()
	eng := engine.New(memory.NewStore(), engine.Config{HoldTTL: 5 * time.Minute, MaxHoldTTL: 30 * time.Minute},
		logger, engine.WithClock(s.clock))

	var seats []domain.Seat
	for n := 1; n <= 4; n++ {
		seats = append(seats, domain.Seat{Ref: domain.SeatRef{Section: "Stalls", Row: "C", Number: n}})
	}
	err := eng.Provision(context.Background(), engine.EventSetup{
		EventID: s.eventID,
		Tiers: []domain.Tier{{
			ID: s.tierID, Name: "Standing", Price: decimal.RequireFromString("30.00"), Quantity: tierQty,
		}},
		Seats: seats,
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := RouterConfig{Idempotency: idempotency.NewIdempotency(idempotency.NewMemoryBackend(), time.Hour)}
	for _, opt := range opts {
		opt(&cfg)
	}
	s.handler = SetupRouter(NewHandlers(eng, logger), logger, cfg)
	return s
}

type call struct {
	method  string
	path    string
	body    string
	actor   string
	kind    domain.ActorKind
	key     string
	ctype   string
	headers map[string]string
}

func (s *server) do(c call) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	req.Header.Set("Content-Type", "application/json")
	if c.ctype != "" {
		req.Header.Set("Content-Type", c.ctype)
	}
	if c.actor != "" {
		req.Header.Set("X-Actor-ID", c.actor)
		if c.kind != "" {
			req.Header.Set("X-Actor-Kind", string(c.kind))
		}
	}
	if c.key != "" {
		req.Header.Set("Idempotency-Key", c.key)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func (s *server) holdTier(actor, key string, qty int) *httptest.ResponseRecorder {
	body := `{"event_id":"` + s.eventID.String() + `","units":[{"tier_id":"` + s.tierID.String() + `","quantity":` + itoa(qty) + `}]}`
	return s.do(call{method: http.MethodPost, path: "/v1/holds", body: body, actor: actor, key: key})
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestCreateHold_ReturnsHoldAndReplaysIdempotentRetry(t *testing.T) {
	s := newServer(t, 5)

	first := s.holdTier("buyer-1", "hold-key-0001", 2)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body)
	}
	var hold holdView
	decodeBody(t, first, &hold)
	if hold.Status != domain.HoldActive || len(hold.Units) != 1 || hold.Units[0].Quantity != 2 {
		t.Fatalf("unexpected hold %+v", hold)
	}

	retry := s.holdTier("buyer-1", "hold-key-0001", 2)
	if retry.Code != http.StatusCreated || retry.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replayed 201, got %d", retry.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), retry.Body.Bytes()) {
		t.Error("replayed body differs from original")
	}

	rec := s.do(call{method: http.MethodGet, path: "/v1/tiers/" + s.tierID.String() + "/availability"})
	var av engine.TierAvailability
	decodeBody(t, rec, &av)
	if av.Held != 2 || av.Available != 3 {
		t.Errorf("retry must not hold twice: %+v", av)
	}
}

func TestCreateHold_RequiresKeyAndActor(t *testing.T) {
	s := newServer(t, 5)

	if rec := s.holdTier("buyer-1", "", 1); rec.Code != http.StatusBadRequest {
		t.Errorf("missing key: expected 400, got %d", rec.Code)
	}
	rec := s.holdTier("", "anon-key-0001", 1)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing actor: expected 400, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != "missing_actor" {
		t.Errorf("expected missing_actor, got %q", body["error"])
	}
}

func TestCreateHold_ConflictWhenSoldOut(t *testing.T) {
	s := newServer(t, 1)

	if rec := s.holdTier("buyer-1", "key-buyer-1", 1); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec := s.holdTier("buyer-2", "key-buyer-2", 1)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body)
	}
}

func TestSeatHoldAndStatus(t *testing.T) {
	s := newServer(t, 5)
	body := `{"event_id":"` + s.eventID.String() + `","units":[{"quantity":1,"seat":{"section":"Stalls","row":"C","number":3}}]}`
	rec := s.do(call{method: http.MethodPost, path: "/v1/holds", body: body, actor: "buyer-1", key: "seat-key-0001"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	status := s.do(call{method: http.MethodGet, path: "/v1/events/" + s.eventID.String() + "/seats/Stalls/C/3"})
	var got struct {
		Status domain.SeatStatus `json:"status"`
	}
	decodeBody(t, status, &got)
	if got.Status != domain.SeatHeld {
		t.Errorf("expected HELD, got %s", got.Status)
	}

	s.clock.Advance(6 * time.Minute)
	decodeBody(t, s.do(call{method: http.MethodGet, path: "/v1/events/" + s.eventID.String() + "/seats/Stalls/C/3"}), &got)
	if got.Status != domain.SeatAvailable {
		t.Errorf("expected AVAILABLE after expiry, got %s", got.Status)
	}
}

func TestConfirmAndExpiredHold(t *testing.T) {
	s := newServer(t, 5)

	var hold holdView
	decodeBody(t, s.holdTier("buyer-1", "confirm-key-01", 2), &hold)
	rec := s.do(call{method: http.MethodPost, path: "/v1/holds/" + hold.ID.String() + "/confirm", actor: "buyer-1", key: "confirm-key-02"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Tickets []ticketView `json:"tickets"`
	}
	decodeBody(t, rec, &out)
	if len(out.Tickets) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(out.Tickets))
	}

	var late holdView
	decodeBody(t, s.holdTier("buyer-2", "confirm-key-03", 1), &late)
	s.clock.Advance(10 * time.Minute)
	rec = s.do(call{method: http.MethodPost, path: "/v1/holds/" + late.ID.String() + "/confirm", actor: "buyer-2", key: "confirm-key-04"})
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410 for expired hold, got %d: %s", rec.Code, rec.Body)
	}
}

func TestPaymentCallback(t *testing.T) {
	s := newServer(t, 5)

	var paid, failed holdView
	decodeBody(t, s.holdTier("buyer-1", "pay-key-00001", 1), &paid)
	decodeBody(t, s.holdTier("buyer-2", "pay-key-00002", 1), &failed)
	for id, ref := range map[uuid.UUID]string{paid.ID: "psp-ok", failed.ID: "psp-declined"} {
		rec := s.do(call{method: http.MethodPost, path: "/v1/holds/" + id.String() + "/payment", body: `{"payment_ref":"` + ref + `"}`, actor: "buyer"})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("attach payment: %d %s", rec.Code, rec.Body)
		}
	}

	rec := s.do(call{method: http.MethodPost, path: "/v1/payments/callback", body: `{"payment_ref":"psp-ok","status":"SUCCEEDED","attendee_id":"att-1"}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	rec = s.do(call{method: http.MethodPost, path: "/v1/payments/callback", body: `{"payment_ref":"psp-declined","status":"FAILED"}`})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body)
	}

	var av engine.TierAvailability
	decodeBody(t, s.do(call{method: http.MethodGet, path: "/v1/tiers/" + s.tierID.String() + "/availability"}), &av)
	if av.Sold != 1 || av.Held != 0 || av.Available != 4 {
		t.Errorf("unexpected availability %+v", av)
	}

	rec = s.do(call{method: http.MethodPost, path: "/v1/payments/callback", body: `{"payment_ref":"unknown","status":"SUCCEEDED"}`})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown payment ref: expected 404, got %d", rec.Code)
	}
}

func TestStaffSale_RequiresStaffActor(t *testing.T) {
	s := newServer(t, 20)

	body := `{"event_id":"` + s.eventID.String() + `","tier_id":"` + s.tierID.String() + `","staff_id":"seller-7","tickets":3,"commission_per_ticket":"1.50"}`
	rec := s.do(call{method: http.MethodPost, path: "/v1/staff/allocations", body: body, actor: "admin"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var alloc allocationView
	decodeBody(t, rec, &alloc)

	sale := `{"allocation_id":"` + alloc.ID.String() + `","quantity":2}`
	rec = s.do(call{method: http.MethodPost, path: "/v1/staff/sales", body: sale, actor: "seller-7", key: "sale-key-0001"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("buyer actor: expected 403, got %d", rec.Code)
	}
	rec = s.do(call{method: http.MethodPost, path: "/v1/staff/sales", body: sale, actor: "seller-7", kind: domain.ActorStaff, key: "sale-key-0002"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	over := `{"allocation_id":"` + alloc.ID.String() + `","quantity":2}`
	rec = s.do(call{method: http.MethodPost, path: "/v1/staff/sales", body: over, actor: "seller-7", kind: domain.ActorStaff, key: "sale-key-0003"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("over quota: expected 409, got %d: %s", rec.Code, rec.Body)
	}

	decodeBody(t, s.do(call{method: http.MethodGet, path: "/v1/staff/allocations/" + alloc.ID.String(), actor: "admin"}), &alloc)
	if alloc.TicketsSold != 2 || !alloc.CommissionEarned.Equal(decimal.RequireFromString("3")) {
		t.Errorf("unexpected allocation %+v", alloc)
	}
}

func TestImportGuests_ReportsEachLine(t *testing.T) {
	s := newServer(t, 2)

	csv := "name,email,tier_id,section,row,seat,quantity\n" +
		"Ada,ada@example.com," + s.tierID.String() + ",,,,1\n" +
		"Grace,grace@example.com,not-a-uuid,,,,1\n" +
		"Linus,linus@example.com,,Stalls,C,2,\n" +
		"Ken,ken@example.com," + s.tierID.String() + ",,,,5\n"
	rec := s.do(call{method: http.MethodPost, path: "/v1/events/" + s.eventID.String() + "/guests", body: csv, ctype: "text/csv", actor: "box-office", key: "guests-key-01"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Succeeded int               `json:"succeeded"`
		Failed    int               `json:"failed"`
		Results   []guestResultView `json:"results"`
	}
	decodeBody(t, rec, &out)
	if out.Succeeded != 2 || out.Failed != 2 || len(out.Results) != 4 {
		t.Fatalf("unexpected summary %+v", out)
	}
	for i, line := range []int{2, 3, 4, 5} {
		if out.Results[i].Line != line {
			t.Errorf("result %d: expected line %d, got %d", i, line, out.Results[i].Line)
		}
	}
	if out.Results[1].Error == "" || out.Results[3].Error == "" {
		t.Error("expected lines 3 and 5 to fail")
	}
	if len(out.Results[2].Tickets) != 1 || !out.Results[2].Tickets[0].Price.IsZero() {
		t.Errorf("expected one complimentary seat ticket, got %+v", out.Results[2].Tickets)
	}
}

func TestWaitlistLifecycle(t *testing.T) {
	s := newServer(t, 1)

	body := `{"event_id":"` + s.eventID.String() + `","tier_id":"` + s.tierID.String() + `","quantity":1}`
	rec := s.do(call{method: http.MethodPost, path: "/v1/waitlist", body: body, actor: "fan-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var entry waitlistView
	decodeBody(t, rec, &entry)
	if entry.Status != domain.WaitlistActive {
		t.Fatalf("unexpected entry %+v", entry)
	}

	if rec := s.do(call{method: http.MethodDelete, path: "/v1/waitlist/" + entry.ID.String(), actor: "fan-1"}); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	decodeBody(t, s.do(call{method: http.MethodGet, path: "/v1/waitlist/" + entry.ID.String(), actor: "fan-1"}), &entry)
	if entry.Status != domain.WaitlistCancelled {
		t.Errorf("expected CANCELLED, got %s", entry.Status)
	}
}

func TestTicketVoidAndTransfer(t *testing.T) {
	s := newServer(t, 3)

	var hold holdView
	decodeBody(t, s.holdTier("buyer-1", "ticket-key-01", 2), &hold)
	var out struct {
		Tickets []ticketView `json:"tickets"`
	}
	decodeBody(t, s.do(call{method: http.MethodPost, path: "/v1/holds/" + hold.ID.String() + "/confirm", actor: "buyer-1", key: "ticket-key-02"}), &out)

	rec := s.do(call{method: http.MethodPost, path: "/v1/tickets/" + out.Tickets[0].ID.String() + "/transfer", body: `{"attendee_id":"friend"}`, actor: "buyer-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var moved ticketView
	decodeBody(t, rec, &moved)
	if moved.TransferredFrom == nil || *moved.TransferredFrom != out.Tickets[0].ID || moved.AttendeeID != "friend" {
		t.Errorf("unexpected transferred ticket %+v", moved)
	}

	if rec := s.do(call{method: http.MethodPost, path: "/v1/tickets/" + out.Tickets[1].ID.String() + "/void", actor: "admin"}); rec.Code != http.StatusOK {
		t.Fatalf("void: expected 200, got %d", rec.Code)
	}
	if rec := s.do(call{method: http.MethodPost, path: "/v1/tickets/" + out.Tickets[1].ID.String() + "/redeem", actor: "door"}); rec.Code != http.StatusConflict {
		t.Errorf("redeem void ticket: expected 409, got %d", rec.Code)
	}
}

func TestProvision_NeedsChartOrCatalog(t *testing.T) {
	s := newServer(t, 1)
	eventID := uuid.New()

	rec := s.do(call{method: http.MethodPost, path: "/v1/events/" + eventID.String() + "/provision", actor: "admin"})
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without catalog, got %d", rec.Code)
	}

	tierID := uuid.New()
	chart := `{"tiers":[{"id":"` + tierID.String() + `","name":"Pit","price":"80.00","quantity":50}],` +
		`"seats":[{"section":"Box","row":"1","number":1},{"section":"Box","row":"1","number":2,"blocked":true}]}`
	rec = s.do(call{method: http.MethodPost, path: "/v1/events/" + eventID.String() + "/provision", body: chart, actor: "admin"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = s.do(call{method: http.MethodGet, path: "/v1/events/" + eventID.String() + "/seats?section=Box"})
	var seats struct {
		Seats []seatView `json:"seats"`
	}
	decodeBody(t, rec, &seats)
	if len(seats.Seats) != 2 || seats.Seats[1].Status != domain.SeatBlocked {
		t.Errorf("unexpected seats %+v", seats.Seats)
	}
}

func TestRateLimitByActor(t *testing.T) {
	limiter := &countingLimiter{calls: map[string]int{}}
	s := newServer(t, 5, func(c *RouterConfig) {
		c.Limiter = limiter
		c.Rate = 2
		c.RatePeriod = time.Second
	})

	path := "/v1/tiers/" + s.tierID.String() + "/availability"
	for i := 0; i < 2; i++ {
		if rec := s.do(call{method: http.MethodGet, path: path, actor: "busy"}); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rec := s.do(call{method: http.MethodGet, path: path, actor: "busy"}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := s.do(call{method: http.MethodGet, path: path, actor: "quiet"}); rec.Code != http.StatusOK {
		t.Errorf("other actor should not be limited, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{errors.Wrap(domain.ErrNotFound, "hold"), http.StatusNotFound},
		{errors.Mark(errors.Wrap(domain.ErrOversell, "commit"), domain.ErrInventoryConflict), http.StatusUnprocessableEntity},
		{domain.ErrHoldExpired, http.StatusGone},
		{errors.Mark(errors.New("restart"), domain.ErrSerializationFailure), http.StatusConflict},
		{domain.ErrMissingActor, http.StatusBadRequest},
		{idempotency.ErrInFlight, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusFor(tt.err); got != tt.status {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.status, got)
		}
	}
}
