package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dropDatabas3/tierguard/internal/store/core"
)

// ReplaceRecoveryCodes borra el batch anterior e inserta el nuevo en una
// transacción (rotación segura: nunca conviven dos batches).
func (s *Store) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []core.RecoveryCode) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM recovery_codes WHERE user_id = $1`, userID); err != nil {
		return err
	}
	var b pgx.Batch
	for _, c := range codes {
		b.Queue(`
			INSERT INTO recovery_codes (user_id, code_hash, created_at, expires_at)
			VALUES ($1,$2,$3,$4)
		`, c.UserID, c.CodeHash, c.CreatedAt, c.ExpiresAt)
	}
	br := tx.SendBatch(ctx, &b)
	for range codes {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetRecoveryCode(ctx context.Context, userID, codeHash string) (*core.RecoveryCode, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, code_hash, created_at, expires_at, used_at, used_from_ip
		FROM recovery_codes WHERE user_id = $1 AND code_hash = $2
	`, userID, codeHash)
	var rc core.RecoveryCode
	if err := row.Scan(&rc.UserID, &rc.CodeHash, &rc.CreatedAt, &rc.ExpiresAt, &rc.UsedAt, &rc.UsedFromIP); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return &rc, nil
}

// UseRecoveryCode: compare-and-set used_at IS NULL -> $3. El único lugar
// donde una race otorgaría privilegio duplicado; no se relaja a eventual
// consistency.
func (s *Store) UseRecoveryCode(ctx context.Context, userID, codeHash string, at time.Time, fromIP string) (bool, error) {
	var ip *string
	if fromIP != "" {
		ip = &fromIP
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE recovery_codes
		SET used_at = $3, used_from_ip = $4
		WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL
	`, userID, codeHash, at, ip)
	return tag.RowsAffected() == 1, err
}
