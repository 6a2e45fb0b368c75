package core

import (
	"time"
)

// AMR (Authentication Method Reference) identifica el tipo de credencial
// presentada (RFC 8176). El engine no verifica credenciales: solo consume
// estas referencias como evidencia emitida por el identity provider.
type AMR string

const (
	AMRPassword  AMR = "password"
	AMRWebAuthn  AMR = "webauthn"
	AMRTOTP      AMR = "totp"
	AMREmailLink AMR = "email-link"
	AMRRecovery  AMR = "recovery-code"
)

// Tier es el nivel ordinal de seguridad (1..4) de una operación.
type Tier int

const (
	TierMin Tier = 1
	TierMax Tier = 4
)

// Valid reporta si t está en el rango 1..4.
func (t Tier) Valid() bool { return t >= TierMin && t <= TierMax }

// Session es la vista read-only que el engine tiene de una sesión del
// identity provider: id opaco + set de AMRs presentados durante su vida.
type Session struct {
	ID     string
	UserID string
	AMR    []AMR
}

// Has reporta si la sesión presentó el método m.
func (s Session) Has(m AMR) bool {
	for _, a := range s.AMR {
		if a == m {
			return true
		}
	}
	return false
}

// TierPolicy es el registro inmutable que mapea una operación a su tier
// requerido. DualFactor exige dos AMRs de categorías distintas vigentes
// simultáneamente (solo tiers 4).
type TierPolicy struct {
	OperationID     string
	RequiredTier    Tier
	AcceptedMethods []AMR
	DualFactor      bool
}

// Accepts reporta si m está dentro de los métodos aceptados por la policy.
func (p TierPolicy) Accepts(m AMR) bool {
	for _, a := range p.AcceptedMethods {
		if a == m {
			return true
		}
	}
	return false
}

// AssuranceRecord registra cuándo una sesión satisfizo un tier por última
// vez. Un record por par (session, tier); se sobreescribe en cada step-up.
// La vigencia se calcula en lectura: now - SatisfiedAt <= ttl(tier).
type AssuranceRecord struct {
	SessionID   string    `json:"session_id"`
	Tier        Tier      `json:"tier"`
	SatisfiedAt time.Time `json:"satisfied_at"`
	MethodsUsed []AMR     `json:"methods_used"`
}

// OperationContext preserva la intención original de una llamada bloqueada
// pendiente de step-up. Se consume exactamente una vez; pasado ExpiresAt
// nunca es resumible aunque el store no lo haya evictado todavía.
type OperationContext struct {
	ID           string
	SessionID    string
	UserID       string
	OperationID  string
	PayloadEnc   string // payload cifrado at-rest (secretbox)
	RequiredTier Tier
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Consumed     bool
	ConsumedAt   *time.Time
}

// Expired reporta si el contexto ya pasó su TTL en el instante now.
func (c OperationContext) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// RecoveryCode es un backup credential de un solo uso. Solo se persiste el
// hash; el plaintext se muestra una única vez al emitirse el batch.
// UsedAt transiciona de nil a set exactamente una vez (CAS en el store).
type RecoveryCode struct {
	UserID     string
	CodeHash   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	UsedAt     *time.Time
	UsedFromIP *string
}

// AuthEvidence es el resultado de canjear un recovery code: evidencia
// equivalente a un AMR de tier 4 (el fallback de máxima assurance).
type AuthEvidence struct {
	UserID string
	Method AMR
	Tier   Tier
	At     time.Time
}

// AuditOutcome clasifica el resultado de una decisión o evento de credencial.
type AuditOutcome string

const (
	OutcomeAllowed         AuditOutcome = "allowed"
	OutcomeDenied          AuditOutcome = "denied"
	OutcomeStepUpIssued    AuditOutcome = "step_up_issued"
	OutcomeStepUpSatisfied AuditOutcome = "step_up_satisfied"
	OutcomeRecoveryUsed    AuditOutcome = "recovery_used"
	OutcomeRecoveryIssued  AuditOutcome = "recovery_issued"
)

// AuditEvent es el registro append-only de una decisión de autorización o
// evento de credencial. Nunca se actualiza ni borra desde este engine.
type AuditEvent struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"ts"`
	UserID        string         `json:"user_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	OperationID   string         `json:"operation_id,omitempty"`
	TierRequired  Tier           `json:"tier_required,omitempty"`
	TierSatisfied Tier           `json:"tier_satisfied,omitempty"`
	Outcome       AuditOutcome   `json:"outcome"`
	Details       map[string]any `json:"details,omitempty"`
}

// AuditFilter parametriza Query sobre el log de auditoría.
// Resultados siempre ordenados por timestamp ascendente.
type AuditFilter struct {
	UserID   string
	From     time.Time
	To       time.Time
	Outcomes []AuditOutcome
	Limit    int
	Offset   int
}
