package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-inventory-engine/internal/adapters/mongo"
	"github.com/robertarktes/ticket-inventory-engine/internal/config"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	dsn := pflag.String("dsn", cfg.CRDBDSN, "cockroach connection string")
	seed := pflag.String("seed", "", "YAML file of events to store in the catalog and provision")
	mongoURI := pflag.String("mongo-uri", cfg.MongoURI, "catalog connection string; empty skips the catalog")
	mongoDB := pflag.String("mongo-db", cfg.MongoDB, "catalog database")
	pflag.Parse()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	logger.Info("schema up to date")

	if *seed == "" {
		return
	}
	events, err := loadSeed(*seed)
	if err != nil {
		log.Fatalf("failed to read seed: %v", err)
	}

	var catalog catalogWriter
	if *mongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(*mongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer client.Disconnect(context.Background())
		catalog = mongoadapter.NewCatalogRepository(client.Database(*mongoDB), logger)
	}

	eng := engine.New(repo, engine.Config{HoldTTL: cfg.HoldTTL, MaxHoldTTL: cfg.MaxHoldTTL}, logger)
	if err := seedEvents(ctx, eng, catalog, events); err != nil {
		log.Fatalf("seeding failed: %v", err)
	}
	logger.WithField("events", len(events)).Info("seed applied")
}

type seedFile struct {
	Events []mongoadapter.EventDoc `yaml:"events"`
}

func loadSeed(path string) ([]mongoadapter.EventDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseSeed(data)
}

func parseSeed(data []byte) ([]mongoadapter.EventDoc, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse seed yaml")
	}
	if len(f.Events) == 0 {
		return nil, errors.New("seed has no events")
	}
	return f.Events, nil
}

type provisioner interface {
	Provision(ctx context.Context, setup engine.EventSetup) error
}

type catalogWriter interface {
	SaveEvent(ctx context.Context, event mongoadapter.EventDoc) error
}

// seedEvents stores each chart in the catalog, when there is one, and
// provisions its units. Provisioning is not repeatable for an event.
func seedEvents(ctx context.Context, eng provisioner, catalog catalogWriter, events []mongoadapter.EventDoc) error {
	for _, ev := range events {
		setup, err := ev.ToSetup()
		if err != nil {
			return errors.Wrapf(err, "event %s", ev.ID)
		}
		if catalog != nil {
			if err := catalog.SaveEvent(ctx, ev); err != nil {
				return errors.Wrapf(err, "save event %s", ev.ID)
			}
		}
		if err := eng.Provision(ctx, setup); err != nil {
			return errors.Wrapf(err, "provision event %s", ev.ID)
		}
	}
	return nil
}
