package recovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dropDatabas3/tierguard/internal/audit"
	"github.com/dropDatabas3/tierguard/internal/store/core"
	"github.com/dropDatabas3/tierguard/internal/store/memory"
)

func newTestManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	repo := memory.New()
	sink := audit.NewSink(repo, 1)
	return NewManager(repo, sink, 10, 365*24*time.Hour), repo
}

func TestIssue_ReturnsBatchOfTen(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	codes, err := m.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("got %d codes, want 10", len(codes))
	}
	seen := map[string]bool{}
	for _, c := range codes {
		if len(c) != 11 || c[5] != '-' {
			t.Fatalf("formato inesperado: %q", c)
		}
		if seen[c] {
			t.Fatalf("código duplicado en el batch: %q", c)
		}
		seen[c] = true
		for _, r := range strings.ReplaceAll(c, "-", "") {
			if !strings.ContainsRune(alphabet, r) {
				t.Fatalf("caracter fuera del alfabeto: %q en %q", r, c)
			}
		}
	}
}

func TestRedeem_RoundTrip_EachCodeExactlyOnce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	codes, err := m.Issue(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range codes {
		ev, err := m.Redeem(ctx, "u1", c, "10.0.0.1")
		if err != nil {
			t.Fatalf("Redeem(%q) err: %v", c, err)
		}
		if ev.Tier != core.TierMax || ev.Method != core.AMRRecovery {
			t.Fatalf("evidence inesperada: %+v", ev)
		}
	}

	// Todos consumidos: cualquier intento posterior falla.
	for _, c := range codes {
		_, err := m.Redeem(ctx, "u1", c, "10.0.0.1")
		if !errors.Is(err, ErrCodeAlreadyUsed) && !errors.Is(err, ErrCodeInvalid) {
			t.Fatalf("expected AlreadyUsed o Invalid, got %v", err)
		}
	}
}

func TestRedeem_NormalizesInput(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	codes, _ := m.Issue(ctx, "u1")
	lowered := strings.ToLower(strings.ReplaceAll(codes[0], "-", " "))
	if _, err := m.Redeem(ctx, "u1", lowered, ""); err != nil {
		t.Fatalf("el canje debería tolerar minúsculas y espacios: %v", err)
	}
}

func TestRedeem_InvalidCode(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, _ = m.Issue(ctx, "u1")
	_, err := m.Redeem(ctx, "u1", "AAAAA-AAAAA", "")
	if !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}
}

func TestRedeem_WrongUser(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	codes, _ := m.Issue(ctx, "u1")
	_, err := m.Redeem(ctx, "u2", codes[0], "")
	if !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("el código de otro usuario debe ser inválido, got %v", err)
	}
}

func TestRedeem_Expired(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	codes, _ := m.Issue(ctx, "u1")

	m.SetNowFunc(func() time.Time { return time.Now().Add(366 * 24 * time.Hour) })
	_, err := m.Redeem(ctx, "u1", codes[0], "")
	if !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestRedeem_ConcurrentSingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	codes, _ := m.Issue(ctx, "u1")
	code := codes[0]

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.Redeem(ctx, "u1", code, "10.0.0.1")
		}(i)
	}
	wg.Wait()

	var successes, used int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrCodeAlreadyUsed):
			used++
		default:
			t.Fatalf("error inesperado: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("exactamente un canje debe ganar: got %d", successes)
	}
	if used != n-1 {
		t.Fatalf("los demás deben perder con AlreadyUsed: got %d", used)
	}
}

func TestRedeem_AttemptsAreAudited(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	codes, _ := m.Issue(ctx, "u1")
	_, _ = m.Redeem(ctx, "u1", codes[0], "10.0.0.1")
	_, _ = m.Redeem(ctx, "u1", "BOGUS-BOGUS", "10.0.0.1")

	evs, err := repo.QueryAuditEvents(ctx, core.AuditFilter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	var issued, usedOK, denied int
	for _, e := range evs {
		switch e.Outcome {
		case core.OutcomeRecoveryIssued:
			issued++
		case core.OutcomeRecoveryUsed:
			usedOK++
		case core.OutcomeDenied:
			denied++
		}
	}
	if issued != 1 || usedOK != 1 || denied != 1 {
		t.Fatalf("audit trail incompleto: issued=%d used=%d denied=%d", issued, usedOK, denied)
	}
}
