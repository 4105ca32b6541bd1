package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/storefront-backend/api/responses"
	"github.com/angelmondragon/storefront-backend/api/validators"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/storefront-backend/pkg/redis"
)

const (
	replayedHeader      = "Idempotent-Replayed"
	maxIdempotentBody   = 1 << 20
	idempotencyScopeSep = "|"
)

// replayHeaders are copied into the stored record besides Content-Type.
var replayHeaders = []string{"ETag", "Location"}

type idempotentRoute struct {
	ttl      time.Duration
	required bool
}

// IdempotencyPolicy maps "METHOD pattern" to how a route's responses are
// retained and whether the key header is mandatory.
type IdempotencyPolicy struct {
	routes map[string]idempotentRoute
}

// NewIdempotencyPolicy requires a key for order placement and retains it for
// the order TTL. Cart replacement is keyed only when the client sends one.
func NewIdempotencyPolicy(cfg config.IdempotencyConfig) IdempotencyPolicy {
	return IdempotencyPolicy{routes: map[string]idempotentRoute{
		routeKey(http.MethodPost, "/api/v1/orders"): {ttl: cfg.OrderTTL, required: true},
		routeKey(http.MethodPut, "/api/v1/cart"):    {ttl: cfg.DefaultTTL},
	}}
}

func routeKey(method, pattern string) string { return method + " " + pattern }

func (p IdempotencyPolicy) lookup(method, pattern string) (idempotentRoute, bool) {
	route, ok := p.routes[routeKey(method, pattern)]
	return route, ok
}

// storedResponse is what Redis holds per key. Body marshals as base64.
type storedResponse struct {
	Status      int               `json:"status"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body"`
	RequestHash string            `json:"request_hash"`
}

func (s storedResponse) replay(w http.ResponseWriter) {
	if s.ContentType != "" {
		w.Header().Set("Content-Type", s.ContentType)
	}
	for name, value := range s.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set(replayedHeader, "true")
	status := s.Status
	if status == http.StatusCreated {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(s.Body)
}

// Idempotency answers a repeated key with the first response recorded for it.
// A replayed 201 is answered as 200 so clients can tell the order already
// existed. Keys are scoped per user, method and path.
func Idempotency(policy IdempotencyPolicy, store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			route, ok := policy.lookup(r.Method, routePattern(r))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			key, err := validators.IdempotencyKey(r)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if key == "" && route.required {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			}
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := requestFingerprint(body)
			redisKey := store.IdempotencyKey(idempotencyScope(r), key)

			prior, err := loadStoredResponse(ctx, store, redisKey)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
				return
			}
			if prior != nil {
				if prior.RequestHash != fingerprint {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
					return
				}
				if logg != nil {
					logg.Info(logg.WithField(ctx, "idempotency_key", key), "idempotency.replayed")
				}
				prior.replay(w)
				return
			}

			var captured bytes.Buffer
			ww := wrap(w, r)
			ww.Tee(&captured)
			next.ServeHTTP(ww, r)

			status := statusOf(ww)
			// 5xx responses stay uncached so the same key can be retried.
			if status >= http.StatusInternalServerError {
				return
			}
			record := storedResponse{
				Status:      status,
				ContentType: ww.Header().Get("Content-Type"),
				Headers:     captureHeaders(ww.Header()),
				Body:        captured.Bytes(),
				RequestHash: fingerprint,
			}
			if err := saveStoredResponse(ctx, store, redisKey, record, route.ttl); err != nil && logg != nil {
				logg.Error(ctx, "idempotency.persist_failed", err)
			}
		})
	}
}

func captureHeaders(h http.Header) map[string]string {
	var out map[string]string
	for _, name := range replayHeaders {
		if value := h.Get(name); value != "" {
			if out == nil {
				out = make(map[string]string, len(replayHeaders))
			}
			out[name] = value
		}
	}
	return out
}

func loadStoredResponse(ctx context.Context, store pkgredis.IdempotencyStore, key string) (*storedResponse, error) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) || (err == nil && raw == "") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record storedResponse
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// saveStoredResponse uses SETNX so a concurrent duplicate cannot overwrite
// the first recorded response.
func saveStoredResponse(ctx context.Context, store pkgredis.IdempotencyStore, key string, record storedResponse, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = store.SetNX(ctx, key, string(payload), ttl)
	return err
}

func idempotencyScope(r *http.Request) string {
	return UserIDFromContext(r.Context()) + idempotencyScopeSep + r.Method + idempotencyScopeSep + r.URL.Path
}

func requestFingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// routePattern falls back to the raw path when chi has not matched a route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
