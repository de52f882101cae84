package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CatalogRepository owns event metadata and seating charts. The inventory
// store only ever sees the tier and seat identities copied out of it.
type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("events"),
		logger: logger,
	}
}

type EventDoc struct {
	ID          string    `bson:"_id" yaml:"id"`
	Name        string    `bson:"name" yaml:"name"`
	Description string    `bson:"description" yaml:"description"`
	Venue       string    `bson:"venue" yaml:"venue"`
	Date        time.Time `bson:"date" yaml:"date"`
	Tiers       []TierDoc `bson:"tiers" yaml:"tiers"`
	Seats       []SeatDoc `bson:"seats" yaml:"seats"`
	CreatedAt   time.Time `bson:"created_at" yaml:"-"`
	UpdatedAt   time.Time `bson:"updated_at" yaml:"-"`
}

type TierDoc struct {
	ID       string `bson:"id" yaml:"id"`
	Name     string `bson:"name" yaml:"name"`
	Price    string `bson:"-" yaml:"price"`
	Quantity int    `bson:"quantity" yaml:"quantity"`

	PriceDec primitive.Decimal128 `bson:"price" yaml:"-"`
}

type SeatDoc struct {
	Section string `bson:"section" yaml:"section"`
	Row     string `bson:"row" yaml:"row"`
	Number  int    `bson:"number" yaml:"number"`
	// Tier is the TierDoc.ID that prices this seat, if any.
	Tier    string `bson:"tier,omitempty" yaml:"tier"`
	Blocked bool   `bson:"blocked" yaml:"blocked"`
}

func (c *CatalogRepository) GetEvent(ctx context.Context, id uuid.UUID) (*EventDoc, error) {
	var event EventDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	if err != nil {
		c.logger.WithError(err).Error("failed to get event")
		return nil, err
	}
	for i := range event.Tiers {
		event.Tiers[i].Price = event.Tiers[i].PriceDec.String()
	}
	return &event, nil
}

// LoadSetup reads the event chart and converts it for provisioning.
func (c *CatalogRepository) LoadSetup(ctx context.Context, id uuid.UUID) (engine.EventSetup, error) {
	event, err := c.GetEvent(ctx, id)
	if err != nil {
		return engine.EventSetup{}, err
	}
	return event.ToSetup()
}

// SaveEvent upserts the event document.
func (c *CatalogRepository) SaveEvent(ctx context.Context, event EventDoc) error {
	for i := range event.Tiers {
		price := event.Tiers[i].Price
		if price == "" {
			price = "0"
		}
		d, err := primitive.ParseDecimal128(price)
		if err != nil {
			return errors.Wrapf(domain.ErrInvalidInput, "tier %q price %q", event.Tiers[i].Name, price)
		}
		event.Tiers[i].PriceDec = d
	}
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": event.ID}, event, options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.WithError(err).Error("failed to save event")
		return err
	}
	return nil
}

// ToSetup converts the chart into the inventory the engine provisions.
func (e EventDoc) ToSetup() (engine.EventSetup, error) {
	eventID, err := uuid.Parse(e.ID)
	if err != nil {
		return engine.EventSetup{}, errors.Wrapf(domain.ErrInvalidInput, "event id %q", e.ID)
	}
	setup := engine.EventSetup{EventID: eventID}
	tierIDs := make(map[string]uuid.UUID, len(e.Tiers))
	for _, t := range e.Tiers {
		id, err := uuid.Parse(t.ID)
		if err != nil {
			return engine.EventSetup{}, errors.Wrapf(domain.ErrInvalidInput, "tier id %q", t.ID)
		}
		price := decimal.Zero
		if t.Price != "" {
			if price, err = decimal.NewFromString(t.Price); err != nil {
				return engine.EventSetup{}, errors.Wrapf(domain.ErrInvalidInput, "tier %q price %q", t.Name, t.Price)
			}
		}
		tierIDs[t.ID] = id
		setup.Tiers = append(setup.Tiers, domain.Tier{ID: id, EventID: eventID, Name: t.Name, Price: price, Quantity: t.Quantity})
	}
	for _, s := range e.Seats {
		seat := domain.Seat{
			EventID: eventID,
			Ref:     domain.SeatRef{Section: s.Section, Row: s.Row, Number: s.Number},
			Status:  domain.SeatAvailable,
		}
		if s.Tier != "" {
			id, ok := tierIDs[s.Tier]
			if !ok {
				return engine.EventSetup{}, errors.Wrapf(domain.ErrInvalidInput, "seat %s references unknown tier %q", seat.Ref, s.Tier)
			}
			seat.TierID = id
		}
		if s.Blocked {
			seat.Status = domain.SeatBlocked
		}
		setup.Seats = append(setup.Seats, seat)
	}
	return setup, nil
}
