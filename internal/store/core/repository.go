package core

import (
	"context"
	"time"
)

// ContextRepository persiste OperationContexts. La keyed lookup es por id.
type ContextRepository interface {
	// CreateContext inserta un contexto nuevo.
	CreateContext(ctx context.Context, oc *OperationContext) error

	// GetContext obtiene un contexto por id. Retorna ErrNotFound si no existe.
	GetContext(ctx context.Context, id string) (*OperationContext, error)

	// ConsumeContext marca consumed=true vía compare-and-set
	// (consumed=false -> true). Retorna true si este caller ganó la carrera;
	// false si el contexto ya estaba consumido. Dos llamadas concurrentes
	// nunca obtienen true ambas, incluso entre instancias.
	ConsumeContext(ctx context.Context, id string, at time.Time) (bool, error)

	// PendingContext retorna el contexto no-consumido y no-expirado más
	// reciente para una sesión, o ErrNotFound.
	PendingContext(ctx context.Context, sessionID string, now time.Time) (*OperationContext, error)
}

// RecoveryRepository persiste recovery codes (solo hashes).
type RecoveryRepository interface {
	// ReplaceRecoveryCodes reemplaza el batch activo del usuario
	// (rotación segura: borra el batch anterior e inserta el nuevo).
	ReplaceRecoveryCodes(ctx context.Context, userID string, codes []RecoveryCode) error

	// GetRecoveryCode busca por (user_id, code_hash). ErrNotFound si no existe.
	GetRecoveryCode(ctx context.Context, userID, codeHash string) (*RecoveryCode, error)

	// UseRecoveryCode setea used_at vía compare-and-set (used_at IS NULL).
	// Retorna true solo para el caller que ganó; un código jamás autoriza
	// dos operaciones.
	UseRecoveryCode(ctx context.Context, userID, codeHash string, at time.Time, fromIP string) (bool, error)
}

// AuditRepository es el sink durable del log de auditoría. Append-only:
// no expone update ni delete (la retención es un job externo).
type AuditRepository interface {
	// InsertAuditEvents agrega eventos al log. Debe ser durable al retornar.
	InsertAuditEvents(ctx context.Context, events []AuditEvent) error

	// QueryAuditEvents retorna eventos orden timestamp ascendente, paginado.
	QueryAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error)
}

// Repository agrupa las colecciones persistidas del engine.
type Repository interface {
	ContextRepository
	RecoveryRepository
	AuditRepository

	// Ping verifica la conexión al store.
	Ping(ctx context.Context) error

	// Close libera recursos.
	Close()
}
