package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	} `yaml:"server"`

	Storage struct {
		// memory | postgres
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxConns        int    `yaml:"max_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Cache struct {
		// memory | redis
		Kind  string `yaml:"kind"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	// Assurance define los TTLs por tier. Invariante de diseño:
	// ttl(4) <= ttl(3) <= ttl(2) (tiers más altos expiran antes).
	Assurance struct {
		Tier1TTL string `yaml:"tier1_ttl"`
		Tier2TTL string `yaml:"tier2_ttl"`
		Tier3TTL string `yaml:"tier3_ttl"`
		Tier4TTL string `yaml:"tier4_ttl"`
	} `yaml:"assurance"`

	StepUp struct {
		ContextTTL string `yaml:"context_ttl"`
		// RedirectBaseURL es la URL del flujo de step-up del identity provider.
		// El descriptor de redirect solo lleva context_id, tier y métodos;
		// el payload jamás viaja.
		RedirectBaseURL string `yaml:"redirect_base_url"`
	} `yaml:"stepup"`

	Recovery struct {
		BatchSize  int    `yaml:"batch_size"`
		CodeExpiry string `yaml:"code_expiry"`
	} `yaml:"recovery"`

	Rate struct {
		Redeem struct {
			Limit  int    `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"redeem"`
		Issue struct {
			Limit  int    `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"issue"`
	} `yaml:"rate"`

	IDP struct {
		// Issuer esperado en los session tokens del identity provider.
		Issuer string `yaml:"issuer"`
		// SessionCacheTTL: cuánto cachear la vista AMR de una sesión.
		SessionCacheTTL string `yaml:"session_cache_ttl"`
	} `yaml:"idp"`

	Audit struct {
		// BufferSize: cuántos eventos tier 1-2 "allowed" se acumulan antes
		// de flushear el batch best-effort.
		BufferSize int `yaml:"buffer_size"`
		// QueryMaxLimit acota el page size de /v1/audit/events.
		QueryMaxLimit int `yaml:"query_max_limit"`
	} `yaml:"audit"`

	// Policies es el registro estático operation -> tier. Se carga una vez
	// al startup; nunca muta en runtime.
	Policies []PolicyEntry `yaml:"policies"`
}

// PolicyEntry es una policy tal como viene del YAML.
type PolicyEntry struct {
	Operation  string   `yaml:"operation"`
	Tier       int      `yaml:"tier"`
	Methods    []string `yaml:"methods"`
	DualFactor bool     `yaml:"dual_factor"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "tg"
	}
	if c.Assurance.Tier1TTL == "" {
		c.Assurance.Tier1TTL = "720h"
	}
	if c.Assurance.Tier2TTL == "" {
		c.Assurance.Tier2TTL = "12h"
	}
	if c.Assurance.Tier3TTL == "" {
		c.Assurance.Tier3TTL = "1h"
	}
	if c.Assurance.Tier4TTL == "" {
		c.Assurance.Tier4TTL = "15m"
	}
	if c.StepUp.ContextTTL == "" {
		c.StepUp.ContextTTL = "15m"
	}
	if c.Recovery.BatchSize == 0 {
		c.Recovery.BatchSize = 10
	}
	if c.Recovery.CodeExpiry == "" {
		c.Recovery.CodeExpiry = "8760h" // 1 año
	}
	if c.Rate.Redeem.Limit == 0 {
		c.Rate.Redeem.Limit = 10
	}
	if c.Rate.Redeem.Window == "" {
		c.Rate.Redeem.Window = "1m"
	}
	if c.Rate.Issue.Limit == 0 {
		c.Rate.Issue.Limit = 3
	}
	if c.Rate.Issue.Window == "" {
		c.Rate.Issue.Window = "10m"
	}
	if c.IDP.SessionCacheTTL == "" {
		c.IDP.SessionCacheTTL = "30s"
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 32
	}
	if c.Audit.QueryMaxLimit == 0 {
		c.Audit.QueryMaxLimit = 500
	}

	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := getEnvStr("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvStr("CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("CACHE_REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvStr("CACHE_REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := getEnvInt("CACHE_REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("STEPUP_REDIRECT_BASE_URL"); ok {
		c.StepUp.RedirectBaseURL = v
	}
	if v, ok := getEnvStr("IDP_ISSUER"); ok {
		c.IDP.Issuer = v
	}
}

// Validate chequea invariantes que no pueden expresarse con defaults:
// duraciones parseables, orden de TTLs, policies bien formadas.
func (c *Config) Validate() error {
	durs := map[string]string{
		"assurance.tier1_ttl":   c.Assurance.Tier1TTL,
		"assurance.tier2_ttl":   c.Assurance.Tier2TTL,
		"assurance.tier3_ttl":   c.Assurance.Tier3TTL,
		"assurance.tier4_ttl":   c.Assurance.Tier4TTL,
		"stepup.context_ttl":    c.StepUp.ContextTTL,
		"recovery.code_expiry":  c.Recovery.CodeExpiry,
		"rate.redeem.window":    c.Rate.Redeem.Window,
		"rate.issue.window":     c.Rate.Issue.Window,
		"idp.session_cache_ttl": c.IDP.SessionCacheTTL,
	}
	// orden determinístico para mensajes de error estables
	keys := make([]string, 0, len(durs))
	for k := range durs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := time.ParseDuration(durs[k]); err != nil {
			return fmt.Errorf("config: %s: %w", k, err)
		}
	}

	t2 := c.MustDuration(c.Assurance.Tier2TTL)
	t3 := c.MustDuration(c.Assurance.Tier3TTL)
	t4 := c.MustDuration(c.Assurance.Tier4TTL)
	if t4 > t3 || t3 > t2 {
		return fmt.Errorf("config: assurance TTLs deben cumplir tier4 <= tier3 <= tier2 (got %s, %s, %s)", t4, t3, t2)
	}

	seen := map[string]bool{}
	for i, p := range c.Policies {
		if strings.TrimSpace(p.Operation) == "" {
			return fmt.Errorf("config: policies[%d]: operation vacía", i)
		}
		if seen[p.Operation] {
			return fmt.Errorf("config: policies[%d]: operation %q duplicada", i, p.Operation)
		}
		seen[p.Operation] = true
		if p.Tier < 1 || p.Tier > 4 {
			return fmt.Errorf("config: policies[%d] (%s): tier %d fuera de rango 1..4", i, p.Operation, p.Tier)
		}
		if len(p.Methods) == 0 {
			return fmt.Errorf("config: policies[%d] (%s): methods vacío", i, p.Operation)
		}
		if p.DualFactor && p.Tier != 4 {
			return fmt.Errorf("config: policies[%d] (%s): dual_factor solo aplica a tier 4", i, p.Operation)
		}
		if p.DualFactor && len(p.Methods) < 2 {
			return fmt.Errorf("config: policies[%d] (%s): dual_factor requiere al menos 2 methods", i, p.Operation)
		}
	}
	return nil
}

// MustDuration parsea una duración ya validada por Validate.
func (c *Config) MustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
