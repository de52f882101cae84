// Package outbox relays committed outbox rows to the message broker.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/crdb"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
)

type Source interface {
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]crdb.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Config struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
}

type Publisher struct {
	source  Source
	broker  Broker
	cfg     Config
	logger  observability.Logger
	retries map[uuid.UUID]int
	now     func() time.Time
}

func NewPublisher(source Source, broker Broker, cfg Config, logger observability.Logger) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	return &Publisher{
		source:  source,
		broker:  broker,
		cfg:     cfg,
		logger:  logger,
		retries: map[uuid.UUID]int{},
		now:     time.Now,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RelayOnce(ctx); err != nil {
				p.logger.WithError(err).Error("outbox relay failed")
			}
		}
	}
}

// RelayOnce publishes one batch in creation order and returns how many
// records were published. It stops at the first broker error so events of
// one aggregate are never reordered.
func (p *Publisher) RelayOnce(ctx context.Context) (int, error) {
	records, err := p.source.GetUnpublishedOutbox(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		observability.OutboxLag.Set(0)
		return 0, nil
	}
	observability.OutboxLag.Set(p.now().Sub(records[0].CreatedAt).Seconds())

	published := 0
	for _, rec := range records {
		msg := amqp.Publishing{
			MessageId:   rec.DedupeKey,
			ContentType: "application/json",
			Type:        rec.EventType,
			Timestamp:   rec.CreatedAt,
			Body:        rec.Payload,
			Headers: amqp.Table{
				"aggregate_type": rec.AggregateType,
				"aggregate_id":   rec.AggregateID.String(),
			},
		}
		if err := p.broker.Publish(ctx, rec.EventType, msg); err != nil {
			observability.RabbitPublishRetries.Inc()
			p.retries[rec.ID]++
			log := p.logger.WithError(err).WithField("outbox_id", rec.ID).WithField("attempt", p.retries[rec.ID])
			if p.retries[rec.ID] < p.cfg.MaxRetries {
				log.Warn("publish failed, will retry")
				return published, nil
			}
			log.Error("publish failed, parking record")
			delete(p.retries, rec.ID)
			if err := p.source.MarkFailed(ctx, rec.ID); err != nil {
				return published, err
			}
			continue
		}
		delete(p.retries, rec.ID)
		if err := p.source.MarkPublished(ctx, rec.ID, p.now()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
