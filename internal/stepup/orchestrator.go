package stepup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/tierguard/internal/assurance"
	"github.com/dropDatabas3/tierguard/internal/audit"
	"github.com/dropDatabas3/tierguard/internal/metrics"
	"github.com/dropDatabas3/tierguard/internal/observability/logger"
	"github.com/dropDatabas3/tierguard/internal/policy"
	"github.com/dropDatabas3/tierguard/internal/security/secretbox"
	"github.com/dropDatabas3/tierguard/internal/store/core"
)

// Orchestrator evalúa requests contra policy y assurance, y maneja el ciclo
// de vida de los operation contexts. Stateless por request: todo el estado
// cross-request vive en el store compartido.
type Orchestrator struct {
	policies     *policy.Registry
	assure       *assurance.Cache
	contexts     core.ContextRepository
	sink         *audit.Sink
	contextTTL   time.Duration
	redirectBase string
	log          *zap.Logger

	now func() time.Time
}

// Config agrupa las dependencias del orquestador.
type Config struct {
	Policies        *policy.Registry
	Assurance       *assurance.Cache
	Contexts        core.ContextRepository
	Audit           *audit.Sink
	ContextTTL      time.Duration
	RedirectBaseURL string
}

// New crea el orquestador. ContextTTL default 15 minutos.
func New(cfg Config) *Orchestrator {
	ttl := cfg.ContextTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Orchestrator{
		policies:     cfg.Policies,
		assure:       cfg.Assurance,
		contexts:     cfg.Contexts,
		sink:         cfg.Audit,
		contextTTL:   ttl,
		redirectBase: cfg.RedirectBaseURL,
		log:          logger.Named("stepup"),
		now:          time.Now,
	}
}

// SetNowFunc reemplaza el reloj. Solo para tests.
func (o *Orchestrator) SetNowFunc(now func() time.Time) { o.now = now }

// Evaluate decide si la sesión alcanza para la operación. Si no, persiste
// la intención (payload sellado) y retorna el descriptor de redirect.
//
// Policy desconocida retorna policy.ErrPolicyNotFound (fail closed,
// distinguible de "insufficient tier"). Cualquier falla del store también es
// deny: seguridad sobre liveness.
func (o *Orchestrator) Evaluate(ctx context.Context, sess core.Session, operationID string, payload []byte) (Decision, error) {
	pol, err := o.policies.Lookup(operationID)
	if err != nil {
		// Defecto de configuración: denegar y auditar con su kind propio.
		if auditErr := o.sink.Record(ctx, core.AuditEvent{
			UserID:      sess.UserID,
			SessionID:   sess.ID,
			OperationID: operationID,
			Outcome:     core.OutcomeDenied,
			Details:     map[string]any{"kind": "policy_not_found"},
		}); auditErr != nil {
			return Decision{}, auditErr
		}
		metrics.DecisionsTotal.WithLabelValues("denied", "0").Inc()
		return Decision{}, err
	}

	// Dual-factor: el set AMR *actual* de la sesión debe intersectar los
	// métodos aceptados en >= 2 categorías distintas. Si no, insatisfecho
	// sin importar qué diga el cache.
	dualOK := !pol.DualFactor || distinctAccepted(sess, pol) >= 2

	satisfied := false
	if dualOK {
		satisfied, err = o.assure.IsSatisfied(ctx, sess.ID, pol.RequiredTier)
		if err != nil {
			// Store caído: fail closed.
			return Decision{}, err
		}
	}

	tierLabel := strconv.Itoa(int(pol.RequiredTier))
	if satisfied {
		highest, herr := o.assure.HighestSatisfied(ctx, sess.ID)
		if herr != nil {
			// IsSatisfied recién confirmó el tier requerido: ese es un piso
			// correcto para el audit, mejor que un 0 silencioso.
			highest = pol.RequiredTier
			o.log.Warn("highest satisfied degradado",
				logger.SessionID(sess.ID), logger.Err(herr))
		}
		if err := o.sink.Record(ctx, core.AuditEvent{
			UserID:        sess.UserID,
			SessionID:     sess.ID,
			OperationID:   operationID,
			TierRequired:  pol.RequiredTier,
			TierSatisfied: highest,
			Outcome:       core.OutcomeAllowed,
		}); err != nil {
			// El allowed de tier >= 3 no es final sin su audit durable.
			return Decision{}, err
		}
		metrics.DecisionsTotal.WithLabelValues("allowed", tierLabel).Inc()
		return Decision{Allowed: true}, nil
	}

	dec, err := o.issueStepUp(ctx, sess, pol, payload)
	if err != nil {
		return Decision{}, err
	}
	metrics.DecisionsTotal.WithLabelValues("step_up_issued", tierLabel).Inc()
	return dec, nil
}

// issueStepUp persiste el operation context y arma el redirect.
func (o *Orchestrator) issueStepUp(ctx context.Context, sess core.Session, pol core.TierPolicy, payload []byte) (Decision, error) {
	now := o.now().UTC()
	sealed, err := secretbox.Seal(payload)
	if err != nil {
		return Decision{}, fmt.Errorf("seal payload: %w", err)
	}
	oc := &core.OperationContext{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		OperationID:  pol.OperationID,
		PayloadEnc:   sealed,
		RequiredTier: pol.RequiredTier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(o.contextTTL),
	}
	if err := o.contexts.CreateContext(ctx, oc); err != nil {
		return Decision{}, fmt.Errorf("%w: create context: %v", core.ErrUnavailable, err)
	}

	if err := o.sink.Record(ctx, core.AuditEvent{
		UserID:       sess.UserID,
		SessionID:    sess.ID,
		OperationID:  pol.OperationID,
		TierRequired: pol.RequiredTier,
		Outcome:      core.OutcomeStepUpIssued,
		Details:      map[string]any{"context_id": oc.ID},
	}); err != nil {
		return Decision{}, err
	}

	o.log.Info("step-up issued",
		logger.SessionID(sess.ID),
		logger.Operation(pol.OperationID),
		logger.Tier(int(pol.RequiredTier)),
		logger.ContextID(oc.ID),
	)

	rd := &RedirectDescriptor{
		ContextID:       oc.ID,
		RequiredTier:    pol.RequiredTier,
		AcceptedMethods: pol.AcceptedMethods,
	}
	rd.URL = redirectURL(o.redirectBase, rd)
	return Decision{Redirect: rd}, nil
}

// Resume consume el contexto exactamente una vez y devuelve la intención
// original. El chequeo de TTL es lógica de aplicación, no solo eviction del
// store: un contexto vencido que todavía no fue evictado jamás se honra.
func (o *Orchestrator) Resume(ctx context.Context, contextID string) (*ResumedOperation, error) {
	now := o.now().UTC()

	oc, err := o.contexts.GetContext(ctx, contextID)
	if core.IsNotFound(err) {
		// Un contexto ya evictado es indistinguible de uno vencido.
		metrics.ResumesTotal.WithLabelValues("expired").Inc()
		return nil, ErrContextExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get context: %v", core.ErrUnavailable, err)
	}
	if oc.Consumed {
		metrics.ResumesTotal.WithLabelValues("already_consumed").Inc()
		return nil, ErrContextAlreadyConsumed
	}
	if oc.Expired(now) {
		// Sin mutación de estado: forzar re-iniciación.
		metrics.ResumesTotal.WithLabelValues("expired").Inc()
		return nil, ErrContextExpired
	}

	won, err := o.contexts.ConsumeContext(ctx, contextID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: consume context: %v", core.ErrUnavailable, err)
	}
	if !won {
		// Perdió el compare-and-set contra un resume concurrente (ej: un
		// callback del browser duplicado). No re-ejecutar.
		metrics.ResumesTotal.WithLabelValues("already_consumed").Inc()
		return nil, ErrContextAlreadyConsumed
	}

	payload, err := secretbox.Open(oc.PayloadEnc)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}

	if err := o.sink.Record(ctx, core.AuditEvent{
		UserID:       oc.UserID,
		SessionID:    oc.SessionID,
		OperationID:  oc.OperationID,
		TierRequired: oc.RequiredTier,
		Outcome:      core.OutcomeStepUpSatisfied,
		Details:      map[string]any{"context_id": oc.ID},
	}); err != nil {
		return nil, err
	}
	metrics.ResumesTotal.WithLabelValues("resumed").Inc()

	return &ResumedOperation{
		SessionID:   oc.SessionID,
		UserID:      oc.UserID,
		OperationID: oc.OperationID,
		Payload:     payload,
	}, nil
}

// NotifySatisfied registra que el identity provider confirmó un evento de
// autenticación más fuerte, y retorna el id del contexto pendiente de la
// sesión (si hay) para que el caller pueda retomar.
func (o *Orchestrator) NotifySatisfied(ctx context.Context, sessionID string, tier core.Tier, methods []core.AMR) (string, error) {
	if err := o.assure.RecordSatisfaction(ctx, sessionID, tier, methods); err != nil {
		return "", err
	}
	oc, err := o.contexts.PendingContext(ctx, sessionID, o.now().UTC())
	if core.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: pending context: %v", core.ErrUnavailable, err)
	}
	return oc.ID, nil
}

// distinctAccepted cuenta cuántos métodos aceptados por la policy están
// presentes en el AMR set actual de la sesión.
func distinctAccepted(sess core.Session, pol core.TierPolicy) int {
	n := 0
	for _, m := range pol.AcceptedMethods {
		if sess.Has(m) {
			n++
		}
	}
	return n
}
