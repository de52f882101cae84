package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-inventory-engine/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-inventory-engine/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ticket-inventory-engine/internal/adapters/redis"
	"github.com/robertarktes/ticket-inventory-engine/internal/config"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
	httphandler "github.com/robertarktes/ticket-inventory-engine/internal/http"
	"github.com/robertarktes/ticket-inventory-engine/internal/idempotency"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"github.com/robertarktes/ticket-inventory-engine/internal/rateLimit"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOTel(ctx, cfg, "tie-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)
	observability.InitMetrics()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	engineOpts := []engine.Option{}
	handlerOpts := []httphandler.Option{httphandler.WithReadinessCheck("crdb", repo.Ping)}

	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		mongoDB := mongoClient.Database(cfg.MongoDB)
		engineOpts = append(engineOpts, engine.WithAuditor(mongoadapter.NewAuditLogger(mongoDB, logger)))
		handlerOpts = append(handlerOpts,
			httphandler.WithCatalog(mongoadapter.NewCatalogRepository(mongoDB, logger)),
			httphandler.WithReadinessCheck("mongo", func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }),
		)
	}

	routerCfg := httphandler.RouterConfig{Rate: cfg.RateLimit, RatePeriod: cfg.RateLimitPeriod}
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		cache := redisadapter.NewCache(redisClient)
		routerCfg.Limiter = rateLimit.NewRateLimiter(cache, logger)
		routerCfg.Idempotency = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
		handlerOpts = append(handlerOpts,
			httphandler.WithAvailabilityCache(cache, cfg.AvailabilityCacheTTL),
			httphandler.WithReadinessCheck("redis", cache.Ping),
		)
	} else {
		logger.Warn("REDIS_ADDR not set; idempotency keys are kept in process memory")
		routerCfg.Idempotency = idempotency.NewIdempotency(idempotency.NewMemoryBackend(), cfg.IdempotencyTTL)
	}

	if cfg.JWTPublicKey != "" {
		verifier, err := httphandler.NewActorVerifier(cfg.JWTPublicKey)
		if err != nil {
			log.Fatalf("failed to load jwt key: %v", err)
		}
		routerCfg.Verifier = verifier
	}

	eng := engine.New(repo, engine.Config{
		HoldTTL:          cfg.HoldTTL,
		MaxHoldTTL:       cfg.MaxHoldTTL,
		WaitlistOfferTTL: cfg.WaitlistOfferTTL,
	}, logger, engineOpts...)

	handlers := httphandler.NewHandlers(eng, logger, handlerOpts...)
	r := httphandler.SetupRouter(handlers, logger, routerCfg)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped with error")
	}
	logger.Info("Server exiting")
}
