// Package recovery implementa la emisión y canje de recovery codes:
// credenciales de backup de un solo uso, tratadas como el fallback de máxima
// assurance (equivalen a un AMR de tier 4, porque su emisión ya implicó
// verificación de identidad out-of-band).
package recovery

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/tierguard/internal/audit"
	"github.com/dropDatabas3/tierguard/internal/observability/logger"
	"github.com/dropDatabas3/tierguard/internal/store/core"
)

var (
	// ErrCodeInvalid indica que el código no existe para ese usuario.
	ErrCodeInvalid = errors.New("recovery code invalid")

	// ErrCodeExpired indica que el código existe pero ya venció.
	ErrCodeExpired = errors.New("recovery code expired")

	// ErrCodeAlreadyUsed indica que el código ya fue canjeado.
	ErrCodeAlreadyUsed = errors.New("recovery code already used")
)

// alphabet excluye caracteres ambiguos (I, L, O, 0, 1).
const (
	alphabet   = "ABCDEFGHJKMNPQRSTVWXYZ23456789"
	codeLength = 10
)

// Manager emite y canjea recovery codes.
type Manager struct {
	repo       core.RecoveryRepository
	sink       *audit.Sink
	batchSize  int
	codeExpiry time.Duration
	log        *zap.Logger

	now func() time.Time
}

// NewManager crea el manager. batchSize default 10, codeExpiry default 1 año.
func NewManager(repo core.RecoveryRepository, sink *audit.Sink, batchSize int, codeExpiry time.Duration) *Manager {
	if batchSize <= 0 {
		batchSize = 10
	}
	if codeExpiry <= 0 {
		codeExpiry = 365 * 24 * time.Hour
	}
	return &Manager{
		repo:       repo,
		sink:       sink,
		batchSize:  batchSize,
		codeExpiry: codeExpiry,
		log:        logger.Named("recovery"),
		now:        time.Now,
	}
}

// SetNowFunc reemplaza el reloj. Solo para tests.
func (m *Manager) SetNowFunc(now func() time.Time) { m.now = now }

// Issue genera un batch nuevo de códigos para el usuario, reemplazando el
// batch anterior (rotación). Solo se persisten los hashes; el plaintext se
// retorna exactamente una vez para mostrar al usuario.
func (m *Manager) Issue(ctx context.Context, userID string) ([]string, error) {
	now := m.now().UTC()
	plain := make([]string, 0, m.batchSize)
	codes := make([]core.RecoveryCode, 0, m.batchSize)
	used := make(map[string]bool, m.batchSize)

	for len(plain) < m.batchSize {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		// Sin colisiones de formato dentro del batch activo del usuario.
		if used[code] {
			continue
		}
		used[code] = true
		plain = append(plain, display(code))
		codes = append(codes, core.RecoveryCode{
			UserID:    userID,
			CodeHash:  HashCode(userID, code),
			CreatedAt: now,
			ExpiresAt: now.Add(m.codeExpiry),
		})
	}

	if err := m.repo.ReplaceRecoveryCodes(ctx, userID, codes); err != nil {
		return nil, fmt.Errorf("%w: replace recovery codes: %v", core.ErrUnavailable, err)
	}

	if err := m.sink.Record(ctx, core.AuditEvent{
		UserID:  userID,
		Outcome: core.OutcomeRecoveryIssued,
		Details: map[string]any{"count": m.batchSize},
	}); err != nil {
		return nil, err
	}
	m.log.Info("recovery codes issued", logger.UserID(userID), logger.Count(m.batchSize))
	return plain, nil
}

// Redeem canjea un código. Fail closed ante mismatch, expiry o uso previo;
// el set de used_at es compare-and-set en el store: bajo canjes concurrentes
// exactamente uno gana. Todo intento, exitoso o no, queda auditado.
func (m *Manager) Redeem(ctx context.Context, userID, code, fromIP string) (core.AuthEvidence, error) {
	now := m.now().UTC()
	norm := Normalize(code)
	if norm == "" {
		return core.AuthEvidence{}, m.deny(ctx, userID, fromIP, "recovery_code_invalid", ErrCodeInvalid)
	}
	hash := HashCode(userID, norm)

	rc, err := m.repo.GetRecoveryCode(ctx, userID, hash)
	if core.IsNotFound(err) {
		return core.AuthEvidence{}, m.deny(ctx, userID, fromIP, "recovery_code_invalid", ErrCodeInvalid)
	}
	if err != nil {
		return core.AuthEvidence{}, fmt.Errorf("%w: get recovery code: %v", core.ErrUnavailable, err)
	}
	if now.After(rc.ExpiresAt) {
		return core.AuthEvidence{}, m.deny(ctx, userID, fromIP, "recovery_code_expired", ErrCodeExpired)
	}
	if rc.UsedAt != nil {
		return core.AuthEvidence{}, m.deny(ctx, userID, fromIP, "recovery_code_already_used", ErrCodeAlreadyUsed)
	}

	won, err := m.repo.UseRecoveryCode(ctx, userID, hash, now, fromIP)
	if err != nil {
		return core.AuthEvidence{}, fmt.Errorf("%w: use recovery code: %v", core.ErrUnavailable, err)
	}
	if !won {
		// Perdió la carrera contra un canje concurrente.
		return core.AuthEvidence{}, m.deny(ctx, userID, fromIP, "recovery_code_already_used", ErrCodeAlreadyUsed)
	}

	// La autorización no es final hasta que el evento recovery_used persiste.
	if err := m.sink.Record(ctx, core.AuditEvent{
		UserID:        userID,
		TierSatisfied: core.TierMax,
		Outcome:       core.OutcomeRecoveryUsed,
		Details:       map[string]any{"from_ip": fromIP},
	}); err != nil {
		return core.AuthEvidence{}, err
	}

	return core.AuthEvidence{
		UserID: userID,
		Method: core.AMRRecovery,
		Tier:   core.TierMax,
		At:     now,
	}, nil
}

// deny audita el intento fallido con su kind específico y retorna cause.
// Los fallos repetidos por user/IP son señal para rate-limiting externo;
// este componente no lo aplica.
func (m *Manager) deny(ctx context.Context, userID, fromIP, kind string, cause error) error {
	if err := m.sink.Record(ctx, core.AuditEvent{
		UserID:  userID,
		Outcome: core.OutcomeDenied,
		Details: map[string]any{"kind": kind, "from_ip": fromIP},
	}); err != nil {
		return err
	}
	return cause
}

// generateCode genera codeLength caracteres del alfabeto via crypto/rand.
func generateCode() (string, error) {
	b := make([]byte, codeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}

// display agrupa el código en dos bloques de 5 para legibilidad.
func display(code string) string {
	return code[:5] + "-" + code[5:]
}

// Normalize revierte el formato de display: mayúsculas, sin guiones ni
// espacios.
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}
