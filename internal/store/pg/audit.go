package pg

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dropDatabas3/tierguard/internal/store/core"
)

func (s *Store) InsertAuditEvents(ctx context.Context, events []core.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	var b pgx.Batch
	for _, ev := range events {
		id, err := uuid.Parse(ev.ID)
		if err != nil {
			id = uuid.New()
		}
		details, err := json.Marshal(ev.Details)
		if err != nil {
			details = []byte("{}")
		}
		b.Queue(`
			INSERT INTO audit_events
				(id, ts, user_id, session_id, operation_id, tier_required, tier_satisfied, outcome, details)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, id, ev.Timestamp, ev.UserID, ev.SessionID, ev.OperationID,
			int(ev.TierRequired), int(ev.TierSatisfied), string(ev.Outcome), details)
	}
	br := s.pool.SendBatch(ctx, &b)
	for range events {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (s *Store) QueryAuditEvents(ctx context.Context, f core.AuditFilter) ([]core.AuditEvent, error) {
	q := `
		SELECT id, ts, user_id, session_id, operation_id, tier_required, tier_satisfied, outcome, details
		FROM audit_events
		WHERE 1=1`
	args := []any{}
	n := 0
	add := func(cond string, v any) {
		n++
		args = append(args, v)
		q += cond + "$" + strconv.Itoa(n)
	}
	if f.UserID != "" {
		add(` AND user_id = `, f.UserID)
	}
	if !f.From.IsZero() {
		add(` AND ts >= `, f.From)
	}
	if !f.To.IsZero() {
		add(` AND ts <= `, f.To)
	}
	if len(f.Outcomes) > 0 {
		outs := make([]string, 0, len(f.Outcomes))
		for _, o := range f.Outcomes {
			outs = append(outs, string(o))
		}
		add(` AND outcome = ANY(`, outs)
		q += `)`
	}
	q += ` ORDER BY ts ASC`
	if f.Limit > 0 {
		add(` LIMIT `, f.Limit)
	}
	if f.Offset > 0 {
		add(` OFFSET `, f.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]core.AuditEvent, 0)
	for rows.Next() {
		var ev core.AuditEvent
		var id uuid.UUID
		var tr, ts int
		var outcome string
		var details []byte
		if err := rows.Scan(&id, &ev.Timestamp, &ev.UserID, &ev.SessionID, &ev.OperationID,
			&tr, &ts, &outcome, &details); err != nil {
			return nil, err
		}
		ev.ID = id.String()
		ev.TierRequired = core.Tier(tr)
		ev.TierSatisfied = core.Tier(ts)
		ev.Outcome = core.AuditOutcome(outcome)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &ev.Details)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
