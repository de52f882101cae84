package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/crdb"
	"github.com/robertarktes/ticket-inventory-engine/internal/config"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "tie-expiry-worker")
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

	eng := engine.New(repo, engine.Config{
		HoldTTL:          cfg.HoldTTL,
		MaxHoldTTL:       cfg.MaxHoldTTL,
		WaitlistOfferTTL: cfg.WaitlistOfferTTL,
	}, logger)

	worker := NewExpiryWorker(eng, cfg.SweepBatch, logger)
	worker.Run(ctx, cfg.SweepInterval)
	logger.Info("Shutdown expiry worker")
}

// Sweeper is the part of the engine the worker drives.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// ExpiryWorker moves lapsed holds to EXPIRED. Reads already treat them as
// free; the sweep releases their rows and emits inventory.released so the
// waitlist can move.
type ExpiryWorker struct {
	sweeper    Sweeper
	batch      int
	maxRetries int
	logger     observability.Logger
}

func NewExpiryWorker(sweeper Sweeper, batch int, logger observability.Logger) *ExpiryWorker {
	if batch <= 0 {
		batch = 500
	}
	return &ExpiryWorker{sweeper: sweeper, batch: batch, maxRetries: 3, logger: logger}
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.drain(ctx)
			if err != nil {
				w.logger.WithError(err).Error("failed to sweep expired holds after retries")
			}
			if n > 0 {
				w.logger.WithField("expired", n).Info("expired holds swept")
			}
		}
	}
}

// drain sweeps full batches until one comes back short.
func (w *ExpiryWorker) drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.sweepWithRetry(ctx)
		total += n
		if err != nil || n < w.batch {
			return total, err
		}
	}
}

func (w *ExpiryWorker) sweepWithRetry(ctx context.Context) (int, error) {
	var err error
	for i := 0; i < w.maxRetries; i++ {
		var n int
		n, err = w.sweeper.SweepExpired(ctx, w.batch)
		if err == nil {
			return n, nil
		}
		backoff := time.Duration(1<<i) * time.Second
		w.logger.WithError(err).WithField("backoff", backoff.String()).Warn("sweep failed")
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return 0, err
}
