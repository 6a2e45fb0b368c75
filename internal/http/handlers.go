package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dropDatabas3/tierguard/internal/audit"
	"github.com/dropDatabas3/tierguard/internal/cache"
	"github.com/dropDatabas3/tierguard/internal/idp"
	"github.com/dropDatabas3/tierguard/internal/metrics"
	"github.com/dropDatabas3/tierguard/internal/observability/logger"
	"github.com/dropDatabas3/tierguard/internal/policy"
	"github.com/dropDatabas3/tierguard/internal/rate"
	"github.com/dropDatabas3/tierguard/internal/recovery"
	"github.com/dropDatabas3/tierguard/internal/stepup"
	"github.com/dropDatabas3/tierguard/internal/store/core"
)

// API ata el motor de decisiones a la superficie REST.
type API struct {
	Sessions     idp.SessionReader
	Orchestrator *stepup.Orchestrator
	Recovery     *recovery.Manager
	Audit        *audit.Sink
	Repo         core.Repository
	KV           cache.Client

	// Límites de ventana fija para los endpoints de recovery.
	RedeemLimiter rate.Limiter
	IssueLimiter  rate.Limiter

	// Tope duro de page size en /v1/audit/events.
	AuditMaxLimit int

	// Secreto compartido para el callback del identity provider.
	// Vacío = callback deshabilitado (403 siempre).
	CallbackToken string
}

// sessionFromRequest resuelve la sesión desde el bearer token.
// Escribe el error y devuelve ok=false si no hay sesión válida.
func (a *API) sessionFromRequest(w http.ResponseWriter, r *http.Request) (core.Session, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		WriteError(w, http.StatusUnauthorized, "invalid_session", "falta bearer token", CodeInvalidSession)
		return core.Session{}, false
	}
	token := strings.TrimSpace(auth[len("bearer "):])

	sess, err := a.Sessions.Session(r.Context(), token)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "invalid_session", "token de sesión inválido", CodeInvalidSession)
		return core.Session{}, false
	}
	return sess, true
}

// ─────────────── POST /v1/evaluate ───────────────

type evaluateRequest struct {
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type evaluateResponse struct {
	Allowed bool                       `json:"allowed"`
	StepUp  *stepup.RedirectDescriptor `json:"step_up,omitempty"`
}

func (a *API) evaluate(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req evaluateRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Operation) == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "operation es requerido", CodeInvalidRequest)
		return
	}

	dec, err := a.Orchestrator.Evaluate(r.Context(), sess, req.Operation, req.Payload)
	switch {
	case err == nil:
	case policy.IsNotFound(err):
		WriteError(w, http.StatusNotFound, "unknown_operation", "operación sin política registrada", CodeUnknownOperation)
		return
	case core.IsUnavailable(err):
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "store no disponible", CodeStoreUnavailable)
		return
	default:
		logger.From(r.Context()).Error("evaluate", logger.Err(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "error evaluando la operación", CodeInternal)
		return
	}

	WriteJSON(w, http.StatusOK, evaluateResponse{Allowed: dec.Allowed, StepUp: dec.Redirect})
}

// ─────────────── POST /v1/resume ───────────────

type resumeRequest struct {
	ContextID string `json:"context_id"`
}

type resumeResponse struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (a *API) resume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ContextID) == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "context_id es requerido", CodeInvalidRequest)
		return
	}

	op, err := a.Orchestrator.Resume(r.Context(), req.ContextID)
	switch {
	case err == nil:
	case errors.Is(err, stepup.ErrContextExpired):
		WriteError(w, http.StatusGone, "context_expired", "contexto expirado o inexistente", CodeContextExpired)
		return
	case errors.Is(err, stepup.ErrContextAlreadyConsumed):
		WriteError(w, http.StatusConflict, "context_consumed", "contexto ya consumido", CodeContextConsumed)
		return
	case core.IsUnavailable(err):
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "store no disponible", CodeStoreUnavailable)
		return
	default:
		logger.From(r.Context()).Error("resume", logger.Err(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "error reanudando la operación", CodeInternal)
		return
	}

	WriteJSON(w, http.StatusOK, resumeResponse{
		SessionID: op.SessionID,
		UserID:    op.UserID,
		Operation: op.OperationID,
		Payload:   op.Payload,
	})
}

// ─────────────── POST /v1/recovery/issue ───────────────

type issueResponse struct {
	Codes []string `json:"codes"`
}

func (a *API) recoveryIssue(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.sessionFromRequest(w, r)
	if !ok {
		return
	}
	if !enforceLimit(w, r, a.IssueLimiter, "issue:"+sess.UserID) {
		return
	}

	codes, err := a.Recovery.Issue(r.Context(), sess.UserID)
	if err != nil {
		if core.IsUnavailable(err) {
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "store no disponible", CodeStoreUnavailable)
			return
		}
		logger.From(r.Context()).Error("recovery issue", logger.Err(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo emitir el batch", CodeInternal)
		return
	}

	// Única vez que los códigos viajan en claro: el store solo guarda digests.
	WriteJSON(w, http.StatusCreated, issueResponse{Codes: codes})
}

// ─────────────── POST /v1/recovery/redeem ───────────────

type redeemRequest struct {
	Code string `json:"code"`
}

type redeemResponse struct {
	Tier             core.Tier `json:"tier"`
	SatisfiedAt      time.Time `json:"satisfied_at"`
	PendingContextID string    `json:"pending_context_id,omitempty"`
}

func (a *API) recoveryRedeem(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.sessionFromRequest(w, r)
	if !ok {
		return
	}
	ip := clientIP(r)
	if !enforceLimit(w, r, a.RedeemLimiter, "redeem:"+sess.UserID+"|"+ip) {
		return
	}

	var req redeemRequest
	if !ReadJSON(w, r, &req) {
		return
	}

	ev, err := a.Recovery.Redeem(r.Context(), sess.UserID, req.Code, ip)
	switch {
	case err == nil:
	case errors.Is(err, recovery.ErrCodeInvalid):
		metrics.RecoveryRedemptionsTotal.WithLabelValues("invalid").Inc()
		WriteError(w, http.StatusBadRequest, "code_invalid", "código de recuperación inválido", CodeCodeInvalid)
		return
	case errors.Is(err, recovery.ErrCodeExpired):
		metrics.RecoveryRedemptionsTotal.WithLabelValues("expired").Inc()
		WriteError(w, http.StatusGone, "code_expired", "código de recuperación expirado", CodeCodeExpired)
		return
	case errors.Is(err, recovery.ErrCodeAlreadyUsed):
		metrics.RecoveryRedemptionsTotal.WithLabelValues("already_used").Inc()
		WriteError(w, http.StatusConflict, "code_used", "código de recuperación ya usado", CodeCodeUsed)
		return
	case core.IsUnavailable(err):
		metrics.RecoveryRedemptionsTotal.WithLabelValues("error").Inc()
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "store no disponible", CodeStoreUnavailable)
		return
	default:
		metrics.RecoveryRedemptionsTotal.WithLabelValues("error").Inc()
		logger.From(r.Context()).Error("recovery redeem", logger.Err(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "error canjeando el código", CodeInternal)
		return
	}

	// Canje válido: registra la satisfacción tier 4 para esta sesión y
	// devuelve el contexto pendiente si lo hay.
	pending, err := a.Orchestrator.NotifySatisfied(r.Context(), sess.ID, ev.Tier, []core.AMR{ev.Method})
	if err != nil {
		metrics.RecoveryRedemptionsTotal.WithLabelValues("error").Inc()
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "canje válido pero no se pudo registrar", CodeStoreUnavailable)
		return
	}

	metrics.RecoveryRedemptionsTotal.WithLabelValues("ok").Inc()
	WriteJSON(w, http.StatusOK, redeemResponse{
		Tier:             ev.Tier,
		SatisfiedAt:      ev.At,
		PendingContextID: pending,
	})
}

// ─────────────── POST /v1/assurance/events ───────────────

type assuranceEventRequest struct {
	SessionID string     `json:"session_id"`
	Tier      core.Tier  `json:"tier"`
	Methods   []core.AMR `json:"methods"`
}

type assuranceEventResponse struct {
	PendingContextID string `json:"pending_context_id,omitempty"`
}

// assuranceEvent recibe el callback del identity provider cuando el usuario
// completa un desafío. Requiere el secreto compartido: este endpoint sube
// assurance y no puede quedar abierto.
func (a *API) assuranceEvent(w http.ResponseWriter, r *http.Request) {
	if a.CallbackToken == "" || r.Header.Get("X-Callback-Token") != a.CallbackToken {
		WriteError(w, http.StatusForbidden, "forbidden", "callback no autorizado", CodeInvalidSession)
		return
	}

	var req assuranceEventRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || !req.Tier.Valid() || len(req.Methods) == 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request", "session_id, tier y methods son requeridos", CodeInvalidRequest)
		return
	}

	pending, err := a.Orchestrator.NotifySatisfied(r.Context(), req.SessionID, req.Tier, req.Methods)
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "no se pudo registrar el evento", CodeStoreUnavailable)
		return
	}

	WriteJSON(w, http.StatusOK, assuranceEventResponse{PendingContextID: pending})
}

// ─────────────── GET /v1/audit/events ───────────────

type auditEventsResponse struct {
	Events []core.AuditEvent `json:"events"`
}

func (a *API) auditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := core.AuditFilter{
		UserID: strings.TrimSpace(q.Get("user_id")),
	}
	for _, o := range q["outcome"] {
		f.Outcomes = append(f.Outcomes, core.AuditOutcome(o))
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", "from debe ser RFC3339", CodeInvalidRequest)
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", "to debe ser RFC3339", CodeInvalidRequest)
			return
		}
		f.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid_request", "limit inválido", CodeInvalidRequest)
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid_request", "offset inválido", CodeInvalidRequest)
			return
		}
		f.Offset = n
	}

	max := a.AuditMaxLimit
	if max <= 0 {
		max = 500
	}
	if f.Limit == 0 || f.Limit > max {
		f.Limit = max
	}

	events, err := a.Audit.Query(r.Context(), f)
	if err != nil {
		if core.IsUnavailable(err) {
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "store no disponible", CodeStoreUnavailable)
			return
		}
		logger.From(r.Context()).Error("audit query", logger.Err(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "error consultando auditoría", CodeInternal)
		return
	}
	if events == nil {
		events = []core.AuditEvent{}
	}

	WriteJSON(w, http.StatusOK, auditEventsResponse{Events: events})
}

// ─────────────── GET /healthz ───────────────

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if a.Repo != nil {
		if err := a.Repo.Ping(r.Context()); err != nil {
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "store no disponible", CodeStoreUnavailable)
			return
		}
	}
	if a.KV != nil {
		if err := a.KV.Ping(r.Context()); err != nil {
			WriteError(w, http.StatusServiceUnavailable, "cache_unavailable", "cache no disponible", CodeStoreUnavailable)
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
