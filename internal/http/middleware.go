package http

import (
	"bytes"
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/robertarktes/ticket-inventory-engine/internal/domain"
	"github.com/robertarktes/ticket-inventory-engine/internal/idempotency"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelhttp "go.opentelemetry.io/otel/propagation"
)

type loggerKey struct{}

type actorKey struct{}

func loggerFrom(ctx context.Context, fallback observability.Logger) observability.Logger {
	if l, ok := ctx.Value(loggerKey{}).(observability.Logger); ok {
		return l
	}
	return fallback
}

// ActorFrom returns the caller resolved by ActorMiddleware. The zero Actor
// means the request was anonymous.
func ActorFrom(ctx context.Context) domain.Actor {
	a, _ := ctx.Value(actorKey{}).(domain.Actor)
	return a
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

// LoggerMiddleware puts a request-scoped logger in the context and records
// one log line and one counter sample per request.
func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			entry := logger.WithField("request_id", reqID)
			ctx := context.WithValue(r.Context(), loggerKey{}, entry)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), r.Method).Inc()
			entry.WithFields(map[string]interface{}{
				"method":      r.Method,
				"route":       route,
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("request")
		})
	}
}

// ActorVerifier checks RS256 bearer tokens. The subject is the actor id and
// the actor_kind claim the actor kind, buyer when absent.
type ActorVerifier struct {
	key *rsa.PublicKey
}

type actorClaims struct {
	Kind string `json:"actor_kind"`
	jwt.RegisteredClaims
}

func NewActorVerifier(publicKeyPEM string) (*ActorVerifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, errors.Wrap(err, "parse jwt public key")
	}
	return &ActorVerifier{key: key}, nil
}

func (v *ActorVerifier) Verify(token string) (domain.Actor, error) {
	claims := &actorClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return domain.Actor{}, err
	}
	kind := domain.ActorKind(claims.Kind)
	if kind == "" {
		kind = domain.ActorBuyer
	}
	actor := domain.Actor{Kind: kind, ID: claims.Subject}
	if err := actor.Validate(); err != nil {
		return domain.Actor{}, err
	}
	return actor, nil
}

// ActorMiddleware resolves the caller. With a verifier, a bearer token is
// required to carry identity and a bad token is rejected. Without one the
// service trusts X-Actor-Kind and X-Actor-ID set by the gateway in front.
func ActorMiddleware(verifier *ActorVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var actor domain.Actor
			if verifier != nil {
				if auth := r.Header.Get("Authorization"); auth != "" {
					token, ok := strings.CutPrefix(auth, "Bearer ")
					if !ok {
						writeError(w, http.StatusUnauthorized, "unauthorized", "expected bearer token")
						return
					}
					a, err := verifier.Verify(token)
					if err != nil {
						writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
						return
					}
					actor = a
				}
			} else if id := r.Header.Get("X-Actor-ID"); id != "" {
				kind := domain.ActorKind(r.Header.Get("X-Actor-Kind"))
				if kind == "" {
					kind = domain.ActorBuyer
				}
				actor = domain.Actor{Kind: kind, ID: id}
			}
			if actor.ID == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Limiter is satisfied by the redis-backed rate limiter.
type Limiter interface {
	Allow(ctx context.Context, key string, rate int, period time.Duration) bool
}

// RateLimitMiddleware limits each actor, or each client IP for anonymous
// requests. A nil limiter disables limiting.
func RateLimitMiddleware(rl Limiter, rate int, period time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil || rate <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if actor := ActorFrom(r.Context()); actor.ID != "" {
				key = "actor:" + string(actor.Kind) + ":" + actor.ID
			}
			if !rl.Allow(r.Context(), key, rate, period) {
				w.Header().Set("Retry-After", strconv.Itoa(int(period.Seconds()+0.5)))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key. Keys are scoped by actor, method and path. Responses
// below 500 are stored; a 5xx frees the key for a retry.
func IdempotencyMiddleware(idemp *idempotency.Idempotency, logger observability.Logger, required bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || idemp == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				if required {
					writeError(w, http.StatusBadRequest, "invalid_input", "missing Idempotency-Key")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(key) < 8 || len(key) > 255 {
				writeError(w, http.StatusBadRequest, "invalid_input", "invalid Idempotency-Key")
				return
			}

			ctx := r.Context()
			actor := ActorFrom(ctx)
			scoped := strings.Join([]string{string(actor.Kind), actor.ID, r.Method, r.URL.Path, key}, "|")

			stored, err := idemp.Begin(ctx, scoped)
			if errors.Is(err, idempotency.ErrInFlight) {
				writeError(w, http.StatusConflict, "request_in_flight", "a request with this Idempotency-Key is in progress")
				return
			}
			if err != nil {
				loggerFrom(ctx, logger).WithError(err).Error("idempotency lookup failed")
				writeError(w, http.StatusServiceUnavailable, "unavailable", "idempotency store unavailable")
				return
			}
			if stored != nil {
				if stored.ContentType != "" {
					w.Header().Set("Content-Type", stored.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				w.Write(stored.Result)
				return
			}

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				if err := idemp.Abort(ctx, scoped); err != nil {
					loggerFrom(ctx, logger).WithError(err).Warn("idempotency release failed")
				}
				return
			}
			resp := idempotency.Response{
				Status:      status,
				ContentType: ww.Header().Get("Content-Type"),
				Result:      body.Bytes(),
			}
			if err := idemp.Set(ctx, scoped, resp); err != nil {
				loggerFrom(ctx, logger).WithError(err).Warn("idempotency store failed")
			}
		})
	}
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), otelhttp.HeaderCarrier(r.Header))
		tracer := otel.Tracer("http")
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}
