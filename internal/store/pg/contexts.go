package pg

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dropDatabas3/tierguard/internal/store/core"
)

func (s *Store) CreateContext(ctx context.Context, oc *core.OperationContext) error {
	id, err := uuid.Parse(oc.ID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO operation_contexts
			(id, session_id, user_id, operation_id, payload_enc, required_tier, created_at, expires_at, consumed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE)
	`, id, oc.SessionID, oc.UserID, oc.OperationID, oc.PayloadEnc, int(oc.RequiredTier), oc.CreatedAt, oc.ExpiresAt)
	return err
}

func (s *Store) GetContext(ctx context.Context, id string) (*core.OperationContext, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, core.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, user_id, operation_id, payload_enc, required_tier,
		       created_at, expires_at, consumed, consumed_at
		FROM operation_contexts WHERE id = $1
	`, uid)
	return scanContext(row)
}

// ConsumeContext: compare-and-set consumed=false -> true. RowsAffected == 1
// significa que este caller ganó la carrera; dos resumes concurrentes nunca
// ganan ambos, incluso entre instancias.
func (s *Store) ConsumeContext(ctx context.Context, id string, at time.Time) (bool, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return false, core.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE operation_contexts
		SET consumed = TRUE, consumed_at = $2
		WHERE id = $1 AND consumed = FALSE
	`, uid, at)
	return tag.RowsAffected() == 1, err
}

func (s *Store) PendingContext(ctx context.Context, sessionID string, now time.Time) (*core.OperationContext, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, user_id, operation_id, payload_enc, required_tier,
		       created_at, expires_at, consumed, consumed_at
		FROM operation_contexts
		WHERE session_id = $1 AND consumed = FALSE AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, sessionID, now)
	return scanContext(row)
}

func scanContext(row pgx.Row) (*core.OperationContext, error) {
	var oc core.OperationContext
	var id uuid.UUID
	var tier int
	if err := row.Scan(&id, &oc.SessionID, &oc.UserID, &oc.OperationID, &oc.PayloadEnc,
		&tier, &oc.CreatedAt, &oc.ExpiresAt, &oc.Consumed, &oc.ConsumedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	oc.ID = id.String()
	oc.RequiredTier = core.Tier(tier)
	return &oc, nil
}
