// Package audit implementa el sink append-only de decisiones de
// autorización y eventos de credencial.
//
// Durabilidad por criticidad: step_up_issued, recovery_* y allowed de
// tier >= 3 se escriben sincrónicos (la decisión no es final hasta que el
// evento persiste); los allowed de tier 1-2 se bufferean y flushean en batch
// best-effort para no sumar latencia a llamadas de rutina. No hay timer de
// background: el buffer flushea por umbral de tamaño o por Flush explícito
// en el shutdown.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/tierguard/internal/observability/logger"
	"github.com/dropDatabas3/tierguard/internal/store/core"
)

// Sink escribe y consulta audit events sobre un AuditRepository.
type Sink struct {
	repo   core.AuditRepository
	log    *zap.Logger
	bufMax int

	mu  sync.Mutex
	buf []core.AuditEvent
}

// NewSink crea el sink. bufMax acota el buffer de eventos low-sensitivity;
// con bufMax <= 1 todo se escribe sincrónico.
func NewSink(repo core.AuditRepository, bufMax int) *Sink {
	if bufMax < 1 {
		bufMax = 1
	}
	return &Sink{
		repo:   repo,
		log:    logger.Named("audit"),
		bufMax: bufMax,
	}
}

// durable decide si el evento exige escritura sincrónica antes de que la
// decisión que lo disparó sea final.
func durable(ev core.AuditEvent) bool {
	if ev.Outcome == core.OutcomeAllowed {
		return ev.TierRequired >= 3
	}
	return true
}

// Record registra un evento. Para eventos durables el error del store se
// propaga (el caller debe fail closed); para los buffereados siempre
// retorna nil y las fallas de flush solo se loguean.
func (s *Sink) Record(ctx context.Context, ev core.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.log.Info("audit event",
		logger.UserID(ev.UserID),
		logger.SessionID(ev.SessionID),
		logger.Operation(ev.OperationID),
		logger.Tier(int(ev.TierRequired)),
		logger.Outcome(string(ev.Outcome)),
	)

	if durable(ev) {
		// Flush previo para no invertir el orden relativo con eventos
		// buffereados anteriores de la misma sesión.
		s.flushBuffered(ctx)
		if err := s.repo.InsertAuditEvents(ctx, []core.AuditEvent{ev}); err != nil {
			return err
		}
		return nil
	}

	s.mu.Lock()
	s.buf = append(s.buf, ev)
	full := len(s.buf) >= s.bufMax
	s.mu.Unlock()
	if full {
		s.flushBuffered(ctx)
	}
	return nil
}

// Flush escribe el buffer pendiente. Llamar en shutdown.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	return s.repo.InsertAuditEvents(ctx, pending)
}

func (s *Sink) flushBuffered(ctx context.Context) {
	if err := s.Flush(ctx); err != nil {
		// Best-effort: eventos tier 1-2 allowed pueden perderse ante una
		// falla del store sin bloquear la request.
		s.log.Warn("audit buffer flush failed", logger.Err(err))
	}
}

// Query retorna eventos orden ascendente por timestamp, paginado. Única
// superficie de lectura expuesta sobre el histórico; no refleja eventos
// todavía buffereados.
func (s *Sink) Query(ctx context.Context, f core.AuditFilter) ([]core.AuditEvent, error) {
	return s.repo.QueryAuditEvents(ctx, f)
}
