package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("escribiendo config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  env: dev\n"))
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "memory" || cfg.Cache.Kind != "memory" {
		t.Fatalf("drivers = %q/%q", cfg.Storage.Driver, cfg.Cache.Kind)
	}
	if cfg.Assurance.Tier4TTL != "15m" || cfg.StepUp.ContextTTL != "15m" {
		t.Fatalf("ttls = %q/%q", cfg.Assurance.Tier4TTL, cfg.StepUp.ContextTTL)
	}
	if cfg.Recovery.BatchSize != 10 {
		t.Fatalf("batch = %d", cfg.Recovery.BatchSize)
	}
	if cfg.Audit.QueryMaxLimit != 500 {
		t.Fatalf("query_max_limit = %d", cfg.Audit.QueryMaxLimit)
	}
}

func TestLoad_TTLOrderInvalido(t *testing.T) {
	// tier 4 con más vida que tier 3: rechazado.
	_, err := Load(writeConfig(t, `
assurance:
  tier3_ttl: 10m
  tier4_ttl: 1h
`))
	if err == nil {
		t.Fatalf("esperaba error de orden de TTLs")
	}
}

func TestLoad_PoliciesInvalidas(t *testing.T) {
	cases := map[string]string{
		"tier fuera de rango": `
policies:
  - operation: x.y
    tier: 5
    methods: [password]
`,
		"methods vacío": `
policies:
  - operation: x.y
    tier: 2
`,
		"dual_factor fuera de tier 4": `
policies:
  - operation: x.y
    tier: 3
    methods: [webauthn, totp]
    dual_factor: true
`,
		"operation duplicada": `
policies:
  - operation: x.y
    tier: 2
    methods: [password]
  - operation: x.y
    tier: 3
    methods: [totp]
`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: esperaba error", name)
		}
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9999")
	t.Setenv("STORAGE_DRIVER", "postgres")

	cfg, err := Load(writeConfig(t, "server:\n  addr: \":8080\"\n"))
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("addr = %q, esperaba override", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
}
