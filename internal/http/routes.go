package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RouterConfig: opciones de la cadena de middlewares.
type RouterConfig struct {
	CORSAllowed []string
	// Handler de /metrics (nil = no se expone).
	Metrics http.Handler
}

// NewRouter arma el router con la cadena estándar:
// request-id → security headers → CORS → recover → métricas → logging.
func NewRouter(api *API, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(WithRequestID)
	r.Use(WithSecurityHeaders)
	if len(cfg.CORSAllowed) > 0 {
		allowed := cfg.CORSAllowed
		r.Use(func(next http.Handler) http.Handler { return WithCORS(next, allowed) })
	}
	r.Use(WithRecover)
	r.Use(WithMetrics)
	r.Use(WithLogging)

	r.Post("/v1/evaluate", api.evaluate)
	r.Post("/v1/resume", api.resume)
	r.Post("/v1/recovery/issue", api.recoveryIssue)
	r.Post("/v1/recovery/redeem", api.recoveryRedeem)
	r.Post("/v1/assurance/events", api.assuranceEvent)
	r.Get("/v1/audit/events", api.auditEvents)

	r.Get("/healthz", api.healthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	return r
}
