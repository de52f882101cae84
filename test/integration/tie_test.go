package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-inventory-engine/internal/adapters/mongo"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/ticket-inventory-engine/internal/adapters/redis"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	httphandler "github.com/robertarktes/ticket-inventory-engine/internal/http"
	"github.com/robertarktes/ticket-inventory-engine/internal/idempotency"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"github.com/robertarktes/ticket-inventory-engine/internal/outbox"
	"github.com/robertarktes/ticket-inventory-engine/internal/rateLimit"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Terminate(ctx) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatal(err)
	}
	return host + ":" + mapped.Port()
}

func TestIntegration_ProvisionHoldPayPublish(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	ctx := context.Background()

	crdbAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "cockroachdb/cockroach:v24.1.1",
		Cmd:          []string{"start-single-node", "--insecure"},
		ExposedPorts: []string{"26257/tcp", "8080/tcp"},
		WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
	}, "26257")
	mongoAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
	}, "27017")
	redisAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
	}, "6379")
	rabbitAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		WaitingFor:   wait.ForHTTP("/api/health/checks/alarms").WithPort("15672").WithBasicAuth("guest", "guest"),
	}, "5672")

	logger := observability.NewNopLogger()

	pool, err := pgxpool.New(ctx, "postgresql://root@"+crdbAddr+"/defaultdb?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://"+mongoAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer mongoClient.Disconnect(ctx)
	mongoDB := mongoClient.Database("tie")
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: redisAddr})
	defer redisClient.Close()
	cache := redisadapter.NewCache(redisClient)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), time.Hour)

	rabbitConn, err := amqp.Dial("amqp://guest:guest@" + rabbitAddr + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitConn.Close()
	pub, err := rabbit.NewPublisher(rabbitConn)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()
	consumer, err := rabbit.NewConsumer(rabbitConn, "it.tickets", domain.EventTicketsIssued)
	if err != nil {
		t.Fatal(err)
	}
	defer consumer.Close()

	eng := engine.New(repo, engine.Config{HoldTTL: 5 * time.Minute}, logger,
		engine.WithAuditor(mongoadapter.NewAuditLogger(mongoDB, logger)))
	handlers := httphandler.NewHandlers(eng, logger,
		httphandler.WithCatalog(catalog),
		httphandler.WithAvailabilityCache(cache, 2*time.Second),
		httphandler.WithReadinessCheck("crdb", repo.Ping),
		httphandler.WithReadinessCheck("redis", cache.Ping),
	)
	srv := httptest.NewServer(httphandler.SetupRouter(handlers, logger, httphandler.RouterConfig{
		Limiter:     rateLimit.NewRateLimiter(cache, logger),
		Rate:        100,
		RatePeriod:  time.Second,
		Idempotency: idemp,
	}))
	defer srv.Close()

	eventID, tierID := uuid.New(), uuid.New()
	err = catalog.SaveEvent(ctx, mongoadapter.EventDoc{
		ID:    eventID.String(),
		Name:  "Harbour Lights",
		Tiers: []mongoadapter.TierDoc{{ID: tierID.String(), Name: "Deck", Price: "42.50", Quantity: 10}},
		Seats: []mongoadapter.SeatDoc{{Section: "Main", Row: "A", Number: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}

	post := func(path string, body interface{}, key string) *http.Response {
		t.Helper()
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Actor-ID", "buyer-42")
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := post("/v1/events/"+eventID.String()+"/provision", nil, ""); resp.StatusCode != http.StatusCreated {
		t.Fatalf("provision failed: status %d", resp.StatusCode)
	}

	resp := post("/v1/holds", map[string]interface{}{
		"event_id": eventID,
		"units": []map[string]interface{}{
			{"tier_id": tierID, "quantity": 2},
			{"quantity": 1, "seat": map[string]interface{}{"section": "Main", "row": "A", "number": 1}},
		},
	}, uuid.NewString())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("hold failed: status %d", resp.StatusCode)
	}
	var hold struct {
		ID uuid.UUID `json:"hold_id"`
	}
	json.NewDecoder(resp.Body).Decode(&hold)

	if resp := post("/v1/holds/"+hold.ID.String()+"/payment", map[string]string{"payment_ref": "tx123"}, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("attach payment failed: status %d", resp.StatusCode)
	}

	resp = post("/v1/payments/callback", map[string]string{"payment_ref": "tx123", "status": "SUCCEEDED"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("payment callback failed: status %d", resp.StatusCode)
	}
	var issued struct {
		Tickets []struct {
			Code string `json:"code"`
		} `json:"tickets"`
	}
	json.NewDecoder(resp.Body).Decode(&issued)
	if len(issued.Tickets) != 3 {
		t.Fatalf("expected 3 tickets, got %d", len(issued.Tickets))
	}

	avResp, err := http.Get(srv.URL + "/v1/tiers/" + tierID.String() + "/availability")
	if err != nil {
		t.Fatal(err)
	}
	defer avResp.Body.Close()
	var av engine.TierAvailability
	json.NewDecoder(avResp.Body).Decode(&av)
	if av.Sold != 2 || av.Held != 0 || av.Available != 8 {
		t.Errorf("unexpected availability %+v", av)
	}

	relay := outbox.NewPublisher(repo, pub, outbox.Config{BatchSize: 100}, logger)
	if n, err := relay.RelayOnce(ctx); err != nil || n < 2 {
		t.Fatalf("relay published %d: %v", n, err)
	}

	consumeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	deliveries, err := consumer.Consume(consumeCtx)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-deliveries:
		if d.RoutingKey != domain.EventTicketsIssued {
			t.Errorf("unexpected routing key %s", d.RoutingKey)
		}
		d.Ack(false)
	case <-consumeCtx.Done():
		t.Fatal("no tickets.issued message received")
	}

	readyResp, err := http.Get(srv.URL + "/v1/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer readyResp.Body.Close()
	if readyResp.StatusCode != http.StatusOK {
		t.Errorf("expected ready, got %d", readyResp.StatusCode)
	}
}
