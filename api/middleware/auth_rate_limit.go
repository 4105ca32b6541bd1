package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/storefront-backend/api/responses"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const maxLoginBodyBytes = 64 << 10

type rateLimiterStore interface {
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
	RateLimitKey(scope string) string
}

// throttleDimension counts requests that share a subject, such as a client IP
// or a hashed login email.
type throttleDimension struct {
	name    string
	limit   int64
	subject func(r *http.Request, body []byte) string
}

// AuthRateLimitPolicy is a set of expiring counters applied to one
// unauthenticated endpoint.
type AuthRateLimitPolicy struct {
	name       string
	window     time.Duration
	dimensions []throttleDimension
}

// LoginRateLimitPolicy throttles POST /auth/login by client IP and by email.
func LoginRateLimitPolicy(cfg config.AuthRateLimitConfig) AuthRateLimitPolicy {
	return NewAuthRateLimitPolicy("login", cfg.LoginWindow, cfg.LoginIPLimit, cfg.LoginEmailLimit)
}

// NewAuthRateLimitPolicy builds a policy; a limit of zero disables that dimension.
func NewAuthRateLimitPolicy(name string, window time.Duration, ipLimit, emailLimit int) AuthRateLimitPolicy {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "auth"
	}
	policy := AuthRateLimitPolicy{name: name, window: window}
	if ipLimit > 0 {
		policy.dimensions = append(policy.dimensions, throttleDimension{
			name:  "ip",
			limit: int64(ipLimit),
			subject: func(r *http.Request, _ []byte) string {
				return clientIP(r)
			},
		})
	}
	if emailLimit > 0 {
		policy.dimensions = append(policy.dimensions, throttleDimension{
			name:  "email",
			limit: int64(emailLimit),
			subject: func(_ *http.Request, body []byte) string {
				email := loginEmail(body)
				if email == "" {
					return ""
				}
				return digest(email)
			},
		})
	}
	return policy
}

func (p AuthRateLimitPolicy) enabled() bool {
	return p.window > 0 && len(p.dimensions) > 0
}

func (p AuthRateLimitPolicy) needsBody() bool {
	for _, d := range p.dimensions {
		if d.name == "email" {
			return true
		}
	}
	return false
}

// AuthRateLimit rejects requests over any of the policy's limits with 429 and
// a Retry-After header. Counter store failures surface as DEPENDENCY_ERROR.
func AuthRateLimit(policy AuthRateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var body []byte
			if policy.needsBody() && r.Body != nil {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, maxLoginBodyBytes))
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			for _, dim := range policy.dimensions {
				subject := dim.subject(r, body)
				if subject == "" {
					continue
				}
				key := store.RateLimitKey(policy.name + ":" + dim.name + ":" + subject)
				count, err := store.IncrWithTTL(ctx, key, policy.window)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limit store unavailable"))
					return
				}
				if count > dim.limit {
					rejectThrottled(ctx, logg, w, policy, dim, count)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// The counter expires one window after its first hit, so the full window is an
// upper bound for Retry-After.
func rejectThrottled(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy AuthRateLimitPolicy, dim throttleDimension, count int64) {
	seconds := int64(policy.window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	if logg != nil {
		logg.Warn(logg.WithFields(ctx, map[string]any{
			"policy":      policy.name,
			"dimension":   dim.name,
			"attempts":    count,
			"limit":       dim.limit,
			"retry_after": seconds,
		}), "auth.rate_limited")
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "too many login attempts"))
}

// clientIP prefers the left-most X-Forwarded-For entry set by the load balancer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func loginEmail(body []byte) string {
	var payload struct {
		Email string `json:"email"`
	}
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(payload.Email))
}

func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
