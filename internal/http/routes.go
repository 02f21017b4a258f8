package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/trustroll/internal/rate"
)

// RouterOptions dependencias transversales del router.
type RouterOptions struct {
	AdminKeys []string
	// Limiter aplica a los endpoints de cliente (config, evaluate, discovery).
	Limiter rate.Limiter
	// Metrics es el handler de /metrics; nil lo deshabilita.
	Metrics http.Handler
}

// NewRouter arma el router completo.
func NewRouter(h *Handlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(WithRequestID, WithRecover, WithLogging, WithMetrics, WithSecurityHeaders)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// Cliente
	r.Group(func(r chi.Router) {
		r.Use(WithRateLimit(opts.Limiter, DeviceRateKey))
		r.Get("/.well-known/trust-keys", h.trustKeys)
		r.Get("/v1/config", h.config)
		r.Post("/v1/flags/evaluate", h.evaluate)
	})

	// Operaciones (solo lectura)
	r.Route("/v1/ops", func(r chi.Router) {
		r.Use(RequireAdminKey(opts.AdminKeys))
		r.Get("/rotation-schedule", h.rotationSchedule)
		r.Get("/drift-alerts", h.driftAlerts)
	})

	// Admin (auditado)
	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(RequireAdminKey(opts.AdminKeys))
		r.Post("/keys/rotate", h.adminRotate)
		r.Post("/keys/promote", h.adminPromote)
		r.Put("/kill-switch", h.adminKillSwitch)
		r.Put("/flags/{feature}/overrides", h.adminOverrides)
		r.Put("/flags/{feature}", h.adminUpsertFlag)
		r.Delete("/flags/{feature}", h.adminDeleteFlag)
		r.Post("/cohorts/{feature}/rotate-salt", h.adminRotateSalt)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "not_found", "ruta inexistente", 1404)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "método no permitido", 1405)
	})
	return r
}
