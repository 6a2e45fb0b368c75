package audit

import (
	"context"
	"testing"
	"time"

	"github.com/dropDatabas3/tierguard/internal/store/core"
	"github.com/dropDatabas3/tierguard/internal/store/memory"
)

func ev(outcome core.AuditOutcome, tier core.Tier, user string) core.AuditEvent {
	return core.AuditEvent{
		UserID:       user,
		SessionID:    "s1",
		OperationID:  "apikey.delete",
		TierRequired: tier,
		Outcome:      outcome,
	}
}

func TestRecord_DurableWritesImmediately(t *testing.T) {
	repo := memory.New()
	s := NewSink(repo, 100)
	ctx := context.Background()

	if err := s.Record(ctx, ev(core.OutcomeStepUpIssued, 3, "u1")); err != nil {
		t.Fatalf("Record err: %v", err)
	}
	got, err := repo.QueryAuditEvents(ctx, core.AuditFilter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("durable event no persistido: got %d events", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Fatal("id/timestamp deberían completarse automáticamente")
	}
}

func TestRecord_LowTierAllowedIsBuffered(t *testing.T) {
	repo := memory.New()
	s := NewSink(repo, 3)
	ctx := context.Background()

	_ = s.Record(ctx, ev(core.OutcomeAllowed, 1, "u1"))
	_ = s.Record(ctx, ev(core.OutcomeAllowed, 2, "u1"))

	got, _ := repo.QueryAuditEvents(ctx, core.AuditFilter{UserID: "u1"})
	if len(got) != 0 {
		t.Fatalf("eventos low-tier no deberían persistir antes del umbral: got %d", len(got))
	}

	// El tercero llena el buffer y dispara el flush.
	_ = s.Record(ctx, ev(core.OutcomeAllowed, 1, "u1"))
	got, _ = repo.QueryAuditEvents(ctx, core.AuditFilter{UserID: "u1"})
	if len(got) != 3 {
		t.Fatalf("flush por umbral: got %d want 3", len(got))
	}
}

func TestRecord_DurableFlushesBufferFirst(t *testing.T) {
	repo := memory.New()
	s := NewSink(repo, 100)
	ctx := context.Background()

	_ = s.Record(ctx, ev(core.OutcomeAllowed, 1, "u1"))
	_ = s.Record(ctx, ev(core.OutcomeAllowed, 3, "u1")) // tier 3 allowed: durable

	got, _ := repo.QueryAuditEvents(ctx, core.AuditFilter{UserID: "u1"})
	if len(got) != 2 {
		t.Fatalf("got %d want 2 (buffer flusheado antes del durable)", len(got))
	}
}

func TestFlush_DrainsBuffer(t *testing.T) {
	repo := memory.New()
	s := NewSink(repo, 100)
	ctx := context.Background()

	_ = s.Record(ctx, ev(core.OutcomeAllowed, 2, "u1"))
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush err: %v", err)
	}
	got, _ := repo.QueryAuditEvents(ctx, core.AuditFilter{UserID: "u1"})
	if len(got) != 1 {
		t.Fatalf("got %d want 1", len(got))
	}
}

func TestQuery_OrderedAscendingAndPaginated(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := ev(core.OutcomeDenied, 3, "u1")
		e.ID = string(rune('a' + i))
		// insertados fuera de orden a propósito
		e.Timestamp = base.Add(time.Duration(5-i) * time.Minute)
		_ = repo.InsertAuditEvents(ctx, []core.AuditEvent{e})
	}

	s := NewSink(repo, 1)
	got, err := s.Query(ctx, core.AuditFilter{UserID: "u1", Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatal("resultados no ordenados ascendente")
		}
	}

	rest, _ := s.Query(ctx, core.AuditFilter{UserID: "u1", Limit: 3, Offset: 3})
	if len(rest) != 2 {
		t.Fatalf("segunda página: got %d want 2", len(rest))
	}
}
