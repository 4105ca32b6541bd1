package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/storefront-backend/api/controllers"
	cartcontrollers "github.com/angelmondragon/storefront-backend/api/controllers/cart"
	ordercontrollers "github.com/angelmondragon/storefront-backend/api/controllers/orders"
	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/api/responses"
	"github.com/angelmondragon/storefront-backend/internal/auth"
	"github.com/angelmondragon/storefront-backend/internal/cart"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/pkg/auth/session"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	pkgredis "github.com/angelmondragon/storefront-backend/pkg/redis"
)

// Store is the Redis surface shared by rate limiting, idempotency and the
// readiness probe.
type Store interface {
	pkgredis.IdempotencyStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	RateLimitKey(scope string) string
	Ping(ctx context.Context) error
}

// Dependencies groups everything the HTTP surface is wired to.
type Dependencies struct {
	DB          controllers.Pinger
	Redis       Store
	Sessions    session.AccessSessionChecker
	Gatherer    prometheus.Gatherer
	HTTPMetrics *metrics.HTTPMetrics

	Auth      auth.Service
	Cart      cart.Service
	Orders    orders.Service
	Products  product.Service
	Inventory controllers.StockSetter
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(logg),
		middleware.Recoverer(logg),
		middleware.Logging(logg),
		middleware.Metrics(deps.HTTPMetrics),
		middleware.CORS(cfg.App.AllowedOrigins),
	)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeNotFound, "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeMethodNotAllowed, "method not allowed"))
	})

	readiness := map[string]controllers.Pinger{}
	if deps.DB != nil {
		readiness["postgres"] = deps.DB
	}
	if deps.Redis != nil {
		readiness["redis"] = deps.Redis
	}

	r.Get("/health/live", controllers.HealthLive())
	r.Get("/health/ready", controllers.HealthReady(readiness, logg))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	loginPolicy := middleware.LoginRateLimitPolicy(cfg.RateLimit)
	r.With(middleware.AuthRateLimit(loginPolicy, deps.Redis, logg)).
		Post("/api/v1/auth/login", controllers.AuthLogin(deps.Auth, logg))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, deps.Sessions, logg))
		r.Use(middleware.Idempotency(middleware.NewIdempotencyPolicy(cfg.Idempotency), deps.Redis, logg))

		r.Post("/api/v1/auth/logout", controllers.AuthLogout(deps.Auth, logg))

		r.Get("/api/v1/cart", cartcontrollers.Get(deps.Cart, logg))
		r.Put("/api/v1/cart", cartcontrollers.Replace(deps.Cart, logg))

		r.Post("/api/v1/orders", ordercontrollers.Place(deps.Orders, logg))
		r.Get("/api/v1/orders", ordercontrollers.List(deps.Orders, logg))
		r.Get("/api/v1/orders/{orderId}", ordercontrollers.Detail(deps.Orders, logg))
		r.With(middleware.RequireRole(logg, enums.UserRoleAdmin)).
			Patch("/api/v1/orders/{orderId}", ordercontrollers.UpdateStatus(deps.Orders, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(logg, enums.UserRoleAdmin))
			r.Get("/api/admin/v1/orders", ordercontrollers.List(deps.Orders, logg))
			r.Patch("/api/admin/v1/orders/{orderId}/status", ordercontrollers.UpdateStatus(deps.Orders, logg))
			r.Get("/api/admin/v1/products/{productId}", controllers.AdminProductDetail(deps.Products, logg))
			r.Put("/api/admin/v1/inventory/products/{productId}", controllers.AdminSetProductStock(deps.Inventory, logg))
			r.Put("/api/admin/v1/inventory/variants/{variantId}", controllers.AdminSetVariantStock(deps.Inventory, logg))
		})
	})

	return r
}
