package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	JWTPublicKey string
	HTTPAddr     string
	OTLPEndpoint string
	LogLevel     string

	HoldTTL          time.Duration
	MaxHoldTTL       time.Duration
	WaitlistOfferTTL time.Duration

	SweepInterval        time.Duration
	SweepBatch           int
	OutboxInterval       time.Duration
	OutboxBatch          int
	AvailabilityCacheTTL time.Duration
	IdempotencyTTL       time.Duration

	RateLimit       int
	RateLimitPeriod time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs error
	duration := func(key string, def time.Duration) time.Duration {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			errs = errors.CombineErrors(errs, errors.Newf("%s: invalid duration %q", key, v))
			return def
		}
		return d
	}
	integer := func(key string, def int) int {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = errors.CombineErrors(errs, errors.Newf("%s: invalid integer %q", key, v))
			return def
		}
		return n
	}
	str := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      str("MONGO_DB", "tie"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		JWTPublicKey: os.Getenv("JWT_PUBLIC_KEY"),
		HTTPAddr:     str("HTTP_ADDR", ":8080"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     str("LOG_LEVEL", "info"),

		HoldTTL:          duration("HOLD_TTL", 5*time.Minute),
		MaxHoldTTL:       duration("MAX_HOLD_TTL", 30*time.Minute),
		WaitlistOfferTTL: duration("WAITLIST_OFFER_TTL", 15*time.Minute),

		SweepInterval:        duration("SWEEP_INTERVAL", 10*time.Second),
		SweepBatch:           integer("SWEEP_BATCH", 500),
		OutboxInterval:       duration("OUTBOX_INTERVAL", time.Second),
		OutboxBatch:          integer("OUTBOX_BATCH", 100),
		AvailabilityCacheTTL: duration("AVAILABILITY_CACHE_TTL", 2*time.Second),
		IdempotencyTTL:       duration("IDEMPOTENCY_TTL", 24*time.Hour),

		RateLimit:       integer("RATE_LIMIT", 20),
		RateLimitPeriod: duration("RATE_LIMIT_PERIOD", time.Second),
	}
	if errs != nil {
		return nil, errs
	}
	if cfg.MaxHoldTTL < cfg.HoldTTL {
		return nil, errors.Newf("MAX_HOLD_TTL %s is shorter than HOLD_TTL %s", cfg.MaxHoldTTL, cfg.HoldTTL)
	}
	return cfg, nil
}
