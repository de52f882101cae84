package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/crdb"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
)

type fakeSource struct {
	records   []crdb.OutboxRecord
	published []uuid.UUID
	failed    []uuid.UUID
}

func (s *fakeSource) GetUnpublishedOutbox(_ context.Context, limit int) ([]crdb.OutboxRecord, error) {
	var out []crdb.OutboxRecord
	done := map[uuid.UUID]bool{}
	for _, id := range append(append([]uuid.UUID{}, s.published...), s.failed...) {
		done[id] = true
	}
	for _, r := range s.records {
		if !done[r.ID] && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeSource) MarkPublished(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.published = append(s.published, id)
	return nil
}

func (s *fakeSource) MarkFailed(_ context.Context, id uuid.UUID) error {
	s.failed = append(s.failed, id)
	return nil
}

type fakeBroker struct {
	keys   []string
	failOn string
}

func (b *fakeBroker) Publish(_ context.Context, key string, msg amqp.Publishing) error {
	if msg.MessageId == b.failOn {
		return errors.New("channel closed")
	}
	b.keys = append(b.keys, key)
	return nil
}

func record(eventType string) crdb.OutboxRecord {
	id := uuid.New()
	return crdb.OutboxRecord{ID: id, EventType: eventType, DedupeKey: id.String(), CreatedAt: time.Now(), Payload: []byte(`{}`)}
}

func TestRelayOnce_PublishesInOrder(t *testing.T) {
	src := &fakeSource{records: []crdb.OutboxRecord{record("hold.created"), record("tickets.issued")}}
	broker := &fakeBroker{}
	p := NewPublisher(src, broker, Config{}, observability.NewNopLogger())

	n, err := p.RelayOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(src.published) != 2 {
		t.Fatalf("expected 2 published, got %d", n)
	}
	if broker.keys[0] != "hold.created" || broker.keys[1] != "tickets.issued" {
		t.Errorf("unexpected routing keys %v", broker.keys)
	}
}

func TestRelayOnce_StopsAtFailureThenParks(t *testing.T) {
	bad := record("hold.expired")
	src := &fakeSource{records: []crdb.OutboxRecord{bad, record("inventory.released")}}
	broker := &fakeBroker{failOn: bad.DedupeKey}
	p := NewPublisher(src, broker, Config{MaxRetries: 2}, observability.NewNopLogger())

	n, err := p.RelayOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || len(broker.keys) != 0 {
		t.Fatalf("first failure must block the batch, published %d", n)
	}

	n, err = p.RelayOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(src.failed) != 1 || src.failed[0] != bad.ID {
		t.Fatalf("expected the bad record parked and the next published, got n=%d failed=%v", n, src.failed)
	}
}
