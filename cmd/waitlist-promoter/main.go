package main

import (
	"context"
	"encoding/json"
	"log"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/crdb"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-inventory-engine/internal/config"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
)

const queue = "tie.waitlist-promoter"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "tie-waitlist-promoter")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)
	observability.InitMetrics()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, queue, domain.EventInventoryReleased)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	eng := engine.New(repo, engine.Config{
		HoldTTL:          cfg.HoldTTL,
		MaxHoldTTL:       cfg.MaxHoldTTL,
		WaitlistOfferTTL: cfg.WaitlistOfferTTL,
	}, logger)

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to consume: %v", err)
	}
	promoter := NewPromoter(eng, logger)
	logger.WithField("queue", queue).Info("Waitlist promoter started")
	for d := range deliveries {
		promoter.Handle(ctx, d)
	}
	logger.Info("Shutdown waitlist promoter")
}

// Waitlist is the part of the engine the promoter drives.
type Waitlist interface {
	PromoteWaitlist(ctx context.Context, eventID, tierID uuid.UUID) ([]domain.WaitlistEntry, error)
}

// Acknowledger is implemented by amqp.Delivery.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type Promoter struct {
	waitlist Waitlist
	logger   observability.Logger
}

func NewPromoter(waitlist Waitlist, logger observability.Logger) *Promoter {
	return &Promoter{waitlist: waitlist, logger: logger}
}

func (p *Promoter) Handle(ctx context.Context, d amqp.Delivery) {
	p.handle(ctx, d.Body, d.Redelivered, &d)
}

// handle promotes the tier named in an inventory.released message. Bad
// payloads are dropped; store errors are requeued once and then dropped,
// since the next release for the tier retries promotion anyway.
func (p *Promoter) handle(ctx context.Context, body []byte, redelivered bool, ack Acknowledger) {
	var msg domain.InventoryReleased
	if err := json.Unmarshal(body, &msg); err != nil {
		p.logger.WithError(err).Warn("dropping malformed inventory.released")
		ack.Nack(false, false)
		return
	}
	if msg.TierID == uuid.Nil {
		ack.Ack(false)
		return
	}

	offered, err := p.waitlist.PromoteWaitlist(ctx, msg.EventID, msg.TierID)
	if err != nil {
		log := p.logger.WithError(err).WithField("tier_id", msg.TierID)
		if errors.Is(err, domain.ErrNotFound) || redelivered {
			log.Error("waitlist promotion failed, dropping")
			ack.Nack(false, false)
			return
		}
		log.Warn("waitlist promotion failed, requeueing")
		ack.Nack(false, true)
		return
	}
	if len(offered) > 0 {
		p.logger.WithFields(map[string]interface{}{
			"tier_id": msg.TierID,
			"offered": len(offered),
		}).Info("waitlist offers made")
	}
	ack.Ack(false)
}
