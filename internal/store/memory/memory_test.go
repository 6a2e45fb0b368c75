package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/tierguard/internal/store/core"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newContext(id, sessionID string, createdAt time.Time) *core.OperationContext {
	return &core.OperationContext{
		ID:           id,
		SessionID:    sessionID,
		UserID:       "u1",
		OperationID:  "delete_api_key",
		PayloadEnc:   "sealed",
		RequiredTier: 3,
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(15 * time.Minute),
	}
}

func TestContexts_CASDeConsumo(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateContext(ctx, newContext("c1", "s1", t0)))

	got, err := s.GetContext(ctx, "c1")
	require.NoError(t, err)
	require.False(t, got.Consumed)

	won, err := s.ConsumeContext(ctx, "c1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	// Segundo consume: pierde la carrera, sin error.
	won, err = s.ConsumeContext(ctx, "c1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, won)

	got, err = s.GetContext(ctx, "c1")
	require.NoError(t, err)
	require.True(t, got.Consumed)
	require.NotNil(t, got.ConsumedAt)

	_, err = s.GetContext(ctx, "nope")
	require.True(t, core.IsNotFound(err))
}

func TestPendingContext_ElMasRecienteNoConsumido(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateContext(ctx, newContext("viejo", "s1", t0)))
	require.NoError(t, s.CreateContext(ctx, newContext("nuevo", "s1", t0.Add(time.Minute))))
	require.NoError(t, s.CreateContext(ctx, newContext("otra-sesion", "s2", t0.Add(2*time.Minute))))

	got, err := s.PendingContext(ctx, "s1", t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "nuevo", got.ID)

	// Consumido el más nuevo, queda el viejo.
	_, err = s.ConsumeContext(ctx, "nuevo", t0.Add(5*time.Minute))
	require.NoError(t, err)
	got, err = s.PendingContext(ctx, "s1", t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "viejo", got.ID)

	// Pasado el TTL no hay pendiente.
	_, err = s.PendingContext(ctx, "s1", t0.Add(time.Hour))
	require.True(t, core.IsNotFound(err))
}

func TestRecoveryCodes_ReemplazoYUsoUnico(t *testing.T) {
	s := New()
	ctx := context.Background()

	batch := []core.RecoveryCode{
		{UserID: "u1", CodeHash: "h1", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)},
		{UserID: "u1", CodeHash: "h2", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)},
	}
	require.NoError(t, s.ReplaceRecoveryCodes(ctx, "u1", batch))

	rc, err := s.GetRecoveryCode(ctx, "u1", "h1")
	require.NoError(t, err)
	require.Nil(t, rc.UsedAt)

	won, err := s.UseRecoveryCode(ctx, "u1", "h1", t0.Add(time.Minute), "1.2.3.4")
	require.NoError(t, err)
	require.True(t, won)

	won, err = s.UseRecoveryCode(ctx, "u1", "h1", t0.Add(2*time.Minute), "1.2.3.4")
	require.NoError(t, err)
	require.False(t, won)

	// La rotación invalida el batch anterior completo.
	require.NoError(t, s.ReplaceRecoveryCodes(ctx, "u1", []core.RecoveryCode{
		{UserID: "u1", CodeHash: "h3", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)},
	}))
	_, err = s.GetRecoveryCode(ctx, "u1", "h2")
	require.True(t, core.IsNotFound(err))
}

func TestAudit_FiltroOrdenPaginado(t *testing.T) {
	s := New()
	ctx := context.Background()

	var events []core.AuditEvent
	for i := 0; i < 5; i++ {
		events = append(events, core.AuditEvent{
			ID:        string(rune('a' + i)),
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			UserID:    "u1",
			Outcome:   core.OutcomeDenied,
		})
	}
	events[2].Outcome = core.OutcomeAllowed
	require.NoError(t, s.InsertAuditEvents(ctx, events))

	got, err := s.QueryAuditEvents(ctx, core.AuditFilter{
		UserID:   "u1",
		Outcomes: []core.AuditOutcome{core.OutcomeDenied},
	})
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		require.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
	}

	page, err := s.QueryAuditEvents(ctx, core.AuditFilter{UserID: "u1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)

	// Ventana temporal
	win, err := s.QueryAuditEvents(ctx, core.AuditFilter{
		From: t0.Add(time.Minute),
		To:   t0.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, win, 3)
}
