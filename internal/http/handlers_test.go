package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/dropDatabas3/tierguard/internal/assurance"
	"github.com/dropDatabas3/tierguard/internal/audit"
	"github.com/dropDatabas3/tierguard/internal/cache"
	"github.com/dropDatabas3/tierguard/internal/config"
	"github.com/dropDatabas3/tierguard/internal/policy"
	"github.com/dropDatabas3/tierguard/internal/rate"
	"github.com/dropDatabas3/tierguard/internal/recovery"
	"github.com/dropDatabas3/tierguard/internal/security/secretbox"
	"github.com/dropDatabas3/tierguard/internal/stepup"
	"github.com/dropDatabas3/tierguard/internal/store/core"
	"github.com/dropDatabas3/tierguard/internal/store/memory"
)

func TestMain(m *testing.M) {
	secretbox.UnsafeResetForTests()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i * 3)
	}
	os.Setenv("SECRETBOX_MASTER_KEY", base64.StdEncoding.EncodeToString(raw))
	code := m.Run()
	os.Unsetenv("SECRETBOX_MASTER_KEY")
	os.Exit(code)
}

// fakeSessions resuelve tokens estáticos sin JWT de por medio.
type fakeSessions struct {
	sessions map[string]core.Session
}

func (f *fakeSessions) Session(_ context.Context, token string) (core.Session, error) {
	s, ok := f.sessions[token]
	if !ok {
		return core.Session{}, errors.New("token desconocido")
	}
	return s, nil
}

type webFixture struct {
	api    *API
	router http.Handler
	repo   *memory.Store
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()

	reg, err := policy.New([]config.PolicyEntry{
		{Operation: "delete_api_key", Tier: 3, Methods: []string{"webauthn", "totp"}},
		{Operation: "profile.update", Tier: 1, Methods: []string{"password"}},
	})
	if err != nil {
		t.Fatalf("policy.New err: %v", err)
	}

	assure := assurance.New(cache.NewMemory("t"), assurance.TTLs{
		Tier1: 720 * time.Hour,
		Tier2: 12 * time.Hour,
		Tier3: time.Hour,
		Tier4: 15 * time.Minute,
	})

	repo := memory.New()
	sink := audit.NewSink(repo, 4)

	orch := stepup.New(stepup.Config{
		Policies:        reg,
		Assurance:       assure,
		Contexts:        repo,
		Audit:           sink,
		ContextTTL:      15 * time.Minute,
		RedirectBaseURL: "https://idp.example.com/step-up",
	})

	api := &API{
		Sessions: &fakeSessions{sessions: map[string]core.Session{
			"tok-alice": {ID: "sess-alice", UserID: "alice", AMR: []core.AMR{core.AMREmailLink}},
		}},
		Orchestrator:  orch,
		Recovery:      recovery.NewManager(repo, sink, 10, 8760*time.Hour),
		Audit:         sink,
		Repo:          repo,
		KV:            cache.NewMemory("t"),
		RedeemLimiter: rate.NewMemoryLimiter(5, time.Minute),
		IssueLimiter:  rate.NewMemoryLimiter(3, 10*time.Minute),
		AuditMaxLimit: 500,
		CallbackToken: "cb-secret",
	}

	return &webFixture{api: api, router: NewRouter(api, RouterConfig{}), repo: repo}
}

func (f *webFixture) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return v
}

func TestEvaluate_RequiereSesion(t *testing.T) {
	f := newWebFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/evaluate", "", map[string]any{"operation": "profile.update"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, esperaba 401", rec.Code)
	}
}

func TestEvaluate_OperacionDesconocida(t *testing.T) {
	f := newWebFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/evaluate", "tok-alice", map[string]any{"operation": "no.existe"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, esperaba 404", rec.Code)
	}
}

// Flujo completo de step-up por HTTP: evaluate → callback del idp → resume.
func TestStepUpFlow(t *testing.T) {
	f := newWebFixture(t)

	payload := map[string]any{"key_id": "k-7"}
	rec := f.do(t, http.MethodPost, "/v1/evaluate", "tok-alice",
		map[string]any{"operation": "delete_api_key", "payload": payload}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate status = %d: %s", rec.Code, rec.Body.String())
	}
	dec := decode[evaluateResponse](t, rec)
	if dec.Allowed || dec.StepUp == nil {
		t.Fatalf("esperaba step-up, got %+v", dec)
	}
	if dec.StepUp.RequiredTier != 3 {
		t.Fatalf("required_tier = %d", dec.StepUp.RequiredTier)
	}

	// Callback sin secreto: rechazado.
	rec = f.do(t, http.MethodPost, "/v1/assurance/events", "",
		map[string]any{"session_id": "sess-alice", "tier": 3, "methods": []string{"webauthn"}}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("callback sin secreto: status = %d", rec.Code)
	}

	// Callback válido: devuelve el contexto pendiente.
	rec = f.do(t, http.MethodPost, "/v1/assurance/events", "",
		map[string]any{"session_id": "sess-alice", "tier": 3, "methods": []string{"webauthn"}},
		map[string]string{"X-Callback-Token": "cb-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d: %s", rec.Code, rec.Body.String())
	}
	ev := decode[assuranceEventResponse](t, rec)
	if ev.PendingContextID != dec.StepUp.ContextID {
		t.Fatalf("pending = %q, esperaba %q", ev.PendingContextID, dec.StepUp.ContextID)
	}

	// Resume devuelve la intención original una sola vez.
	rec = f.do(t, http.MethodPost, "/v1/resume", "", map[string]any{"context_id": ev.PendingContextID}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[resumeResponse](t, rec)
	if res.Operation != "delete_api_key" || res.UserID != "alice" {
		t.Fatalf("resume inesperado: %+v", res)
	}
	var got map[string]any
	if err := json.Unmarshal(res.Payload, &got); err != nil || got["key_id"] != "k-7" {
		t.Fatalf("payload = %s (err %v)", res.Payload, err)
	}

	rec = f.do(t, http.MethodPost, "/v1/resume", "", map[string]any{"context_id": ev.PendingContextID}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("segundo resume: status = %d, esperaba 409", rec.Code)
	}
}

func TestResume_ContextoDesconocido(t *testing.T) {
	f := newWebFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/resume", "", map[string]any{"context_id": "no-existe"}, nil)
	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, esperaba 410", rec.Code)
	}
}

func TestRecovery_IssueYRedeem(t *testing.T) {
	f := newWebFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/recovery/issue", "tok-alice", map[string]any{}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue status = %d: %s", rec.Code, rec.Body.String())
	}
	issued := decode[issueResponse](t, rec)
	if len(issued.Codes) != 10 {
		t.Fatalf("esperaba 10 códigos, got %d", len(issued.Codes))
	}

	rec = f.do(t, http.MethodPost, "/v1/recovery/redeem", "tok-alice",
		map[string]any{"code": issued.Codes[0]}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem status = %d: %s", rec.Code, rec.Body.String())
	}
	red := decode[redeemResponse](t, rec)
	if red.Tier != core.TierMax {
		t.Fatalf("tier = %d, esperaba %d", red.Tier, core.TierMax)
	}

	// El mismo código no se canjea dos veces.
	rec = f.do(t, http.MethodPost, "/v1/recovery/redeem", "tok-alice",
		map[string]any{"code": issued.Codes[0]}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("segundo redeem: status = %d, esperaba 409", rec.Code)
	}

	// Código basura: inválido.
	rec = f.do(t, http.MethodPost, "/v1/recovery/redeem", "tok-alice",
		map[string]any{"code": "XXXXX-XXXXX"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("código basura: status = %d, esperaba 400", rec.Code)
	}
}

func TestRecovery_RedeemRateLimited(t *testing.T) {
	f := newWebFixture(t)
	f.api.RedeemLimiter = rate.NewMemoryLimiter(2, time.Minute)

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/v1/recovery/redeem", "tok-alice",
			map[string]any{"code": "XXXXX-XXXXX"}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("hit %d: status = %d", i+1, rec.Code)
		}
	}

	rec := f.do(t, http.MethodPost, "/v1/recovery/redeem", "tok-alice",
		map[string]any{"code": "XXXXX-XXXXX"}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, esperaba 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("falta Retry-After")
	}
}

func TestAuditEvents_FiltroYTope(t *testing.T) {
	f := newWebFixture(t)

	// Genera eventos durables: denies por política desconocida.
	for i := 0; i < 3; i++ {
		f.do(t, http.MethodPost, "/v1/evaluate", "tok-alice", map[string]any{"operation": "no.existe"}, nil)
	}

	rec := f.do(t, http.MethodGet, "/v1/audit/events?user_id=alice&outcome=denied&limit=2", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[auditEventsResponse](t, rec)
	if len(got.Events) != 2 {
		t.Fatalf("esperaba 2 eventos (limit), got %d", len(got.Events))
	}
	for _, ev := range got.Events {
		if ev.Outcome != core.OutcomeDenied {
			t.Fatalf("outcome = %s", ev.Outcome)
		}
	}

	rec = f.do(t, http.MethodGet, "/v1/audit/events?from=not-a-date", "", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("from inválido: status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newWebFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
