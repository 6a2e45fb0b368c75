// Package memory implementa core.Repository en memoria, con la misma
// disciplina compare-and-set que el adapter de Postgres. Para desarrollo y
// testing; no sirve para multi-instancia.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dropDatabas3/tierguard/internal/store/core"
)

type Store struct {
	mu       sync.Mutex
	contexts map[string]*core.OperationContext
	codes    map[string]map[string]*core.RecoveryCode // userID -> codeHash -> code
	events   []core.AuditEvent
}

// New crea un store en memoria vacío.
func New() *Store {
	return &Store{
		contexts: make(map[string]*core.OperationContext),
		codes:    make(map[string]map[string]*core.RecoveryCode),
	}
}

// ─── Operation contexts ───

func (s *Store) CreateContext(ctx context.Context, oc *core.OperationContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[oc.ID]; ok {
		return core.ErrConflict
	}
	cp := *oc
	s.contexts[oc.ID] = &cp
	return nil
}

func (s *Store) GetContext(ctx context.Context, id string) (*core.OperationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.contexts[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *oc
	return &cp, nil
}

func (s *Store) ConsumeContext(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.contexts[id]
	if !ok {
		return false, core.ErrNotFound
	}
	if oc.Consumed {
		return false, nil
	}
	oc.Consumed = true
	t := at
	oc.ConsumedAt = &t
	return true, nil
}

func (s *Store) PendingContext(ctx context.Context, sessionID string, now time.Time) (*core.OperationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *core.OperationContext
	for _, oc := range s.contexts {
		if oc.SessionID != sessionID || oc.Consumed || oc.Expired(now) {
			continue
		}
		if newest == nil || oc.CreatedAt.After(newest.CreatedAt) {
			newest = oc
		}
	}
	if newest == nil {
		return nil, core.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

// ─── Recovery codes ───

func (s *Store) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []core.RecoveryCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make(map[string]*core.RecoveryCode, len(codes))
	for i := range codes {
		cp := codes[i]
		batch[cp.CodeHash] = &cp
	}
	s.codes[userID] = batch
	return nil
}

func (s *Store) GetRecoveryCode(ctx context.Context, userID, codeHash string) (*core.RecoveryCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.codes[userID][codeHash]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *rc
	return &cp, nil
}

func (s *Store) UseRecoveryCode(ctx context.Context, userID, codeHash string, at time.Time, fromIP string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.codes[userID][codeHash]
	if !ok {
		return false, nil
	}
	if rc.UsedAt != nil {
		return false, nil
	}
	t := at
	rc.UsedAt = &t
	if fromIP != "" {
		ip := fromIP
		rc.UsedFromIP = &ip
	}
	return true, nil
}

// ─── Audit events ───

func (s *Store) InsertAuditEvents(ctx context.Context, events []core.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) QueryAuditEvents(ctx context.Context, f core.AuditFilter) ([]core.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]core.AuditEvent, 0)
	for _, ev := range s.events {
		if f.UserID != "" && ev.UserID != f.UserID {
			continue
		}
		if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && ev.Timestamp.After(f.To) {
			continue
		}
		if len(f.Outcomes) > 0 && !outcomeIn(ev.Outcome, f.Outcomes) {
			continue
		}
		matched = append(matched, ev)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []core.AuditEvent{}, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func outcomeIn(o core.AuditOutcome, set []core.AuditOutcome) bool {
	for _, s := range set {
		if s == o {
			return true
		}
	}
	return false
}

// ─── Infra ───

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() {}
