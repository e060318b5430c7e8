package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/careflow/scheduling-core/internal/booking"
	"github.com/careflow/scheduling-core/internal/capacity"
	"github.com/careflow/scheduling-core/internal/resolve"
	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waittime"
)

type RouterConfig struct {
	Service   *booking.Service
	Estimator *waittime.Estimator
	Planner   *capacity.Planner
	Resolver  *resolve.Resolver
	Store     *slot.Store
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	Env       string
	Version   string
	Logger    *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	validate := validator.New()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Booking endpoints
	r.Post("/bookings", createBookingHandler(cfg.Service, validate))
	r.Post("/bookings/{id}/cancel", cancelBookingHandler(cfg.Service))
	r.Get("/availability", availabilityHandler(cfg.Service, cfg.Logger))

	// Conflict resolution endpoints
	r.Post("/conflicts/resolve", resolveConflictsHandler(cfg.Service, validate))
	r.Post("/actions/{id}/rollback", rollbackActionHandler(cfg.Resolver))

	// Scheduling intelligence endpoints
	r.Get("/wait-time-estimate", waitTimeEstimateHandler(cfg.Estimator, cfg.Logger))
	r.Get("/capacity-plan", capacityPlanHandler(cfg.Planner, cfg.Logger))

	// Slot management endpoints
	r.Post("/slots", createSlotHandler(cfg.Store, validate))

	return r
}
