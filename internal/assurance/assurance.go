// Package assurance trackea, por sesión, el último instante en que cada tier
// fue satisfecho, con expiry independiente por tier.
//
// Vive sobre el key-value store compartido (cache.Client) para que múltiples
// instancias stateless del engine observen el mismo estado. La expiración es
// lazy: el TTL de storage es solo eviction; la vigencia real se decide
// comparando timestamps en lectura.
package assurance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dropDatabas3/tierguard/internal/cache"
	"github.com/dropDatabas3/tierguard/internal/store/core"
)

// TTLs define la duración de vigencia por tier. Invariante (validado en
// config): ttl(4) <= ttl(3) <= ttl(2).
type TTLs struct {
	Tier1, Tier2, Tier3, Tier4 time.Duration
}

// For retorna el TTL del tier t.
func (t TTLs) For(tier core.Tier) time.Duration {
	switch tier {
	case 1:
		return t.Tier1
	case 2:
		return t.Tier2
	case 3:
		return t.Tier3
	case 4:
		return t.Tier4
	}
	return 0
}

// storageFor retorna el TTL de eviction para un record de tier t: el mayor
// TTL entre t y los tiers inferiores que t implica. Un evento tier 4 sigue
// probando tier 2 mucho después de ttl(4), así que el record tiene que
// sobrevivir en el kv hasta agotar el TTL más largo que pueda implicar.
func (t TTLs) storageFor(tier core.Tier) time.Duration {
	var d time.Duration
	for i := core.TierMin; i <= tier; i++ {
		if ttl := t.For(i); ttl > d {
			d = ttl
		}
	}
	return d
}

// Cache es el session assurance cache.
type Cache struct {
	kv   cache.Client
	ttls TTLs

	// now es inyectable para tests de expiración.
	now func() time.Time
}

// New crea el cache sobre el kv compartido.
func New(kv cache.Client, ttls TTLs) *Cache {
	return &Cache{kv: kv, ttls: ttls, now: time.Now}
}

// SetNowFunc reemplaza el reloj. Solo para tests.
func (c *Cache) SetNowFunc(now func() time.Time) { c.now = now }

func key(sessionID string, tier core.Tier) string {
	return fmt.Sprintf("assure:%s:%d", sessionID, tier)
}

// RecordSatisfaction upserta el AssuranceRecord de (session, tier) con
// satisfied_at = now. No reescribe tiers inferiores: la implicación
// "satisfacer tier 3 prueba tier 2" se computa en lectura tomando el máximo
// de los timestamps directos e implicados.
func (c *Cache) RecordSatisfaction(ctx context.Context, sessionID string, tier core.Tier, methods []core.AMR) error {
	if !tier.Valid() {
		return fmt.Errorf("assurance: tier %d fuera de rango", tier)
	}
	rec := core.AssuranceRecord{
		SessionID:   sessionID,
		Tier:        tier,
		SatisfiedAt: c.now().UTC(),
		MethodsUsed: methods,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// TTL de storage = el más largo de los tiers implicados, no ttl(tier):
	// eviction es solo cota superior y la vigencia se decide en lectura,
	// pero una eviction temprana perdería la implicación hacia abajo.
	if err := c.kv.Set(ctx, key(sessionID, tier), string(b), c.ttls.storageFor(tier)); err != nil {
		return fmt.Errorf("%w: assurance set: %v", core.ErrUnavailable, err)
	}
	return nil
}

// IsSatisfied reporta si el tier está vigente para la sesión: existe un
// record directo o implicado (tier superior) cuyo satisfied_at efectivo
// cumple now - satisfied_at <= ttl(tier).
func (c *Cache) IsSatisfied(ctx context.Context, sessionID string, tier core.Tier) (bool, error) {
	if !tier.Valid() {
		return false, fmt.Errorf("assurance: tier %d fuera de rango", tier)
	}
	eff, err := c.effectiveSatisfiedAt(ctx, sessionID, tier)
	if err != nil {
		return false, err
	}
	if eff.IsZero() {
		return false, nil
	}
	return c.now().UTC().Sub(eff) <= c.ttls.For(tier), nil
}

// HighestSatisfied retorna el tier vigente más alto de la sesión, o 0 si
// ninguno. Usado para el campo tier_satisfied de los audit events.
func (c *Cache) HighestSatisfied(ctx context.Context, sessionID string) (core.Tier, error) {
	recs, err := c.records(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	now := c.now().UTC()
	for tier := core.TierMax; tier >= core.TierMin; tier-- {
		var eff time.Time
		for t := tier; t <= core.TierMax; t++ {
			if r := recs[t]; r != nil && r.SatisfiedAt.After(eff) {
				eff = r.SatisfiedAt
			}
		}
		if !eff.IsZero() && now.Sub(eff) <= c.ttls.For(tier) {
			return tier, nil
		}
	}
	return 0, nil
}

// effectiveSatisfiedAt toma el máximo entre el record directo del tier y los
// de todos los tiers superiores.
func (c *Cache) effectiveSatisfiedAt(ctx context.Context, sessionID string, tier core.Tier) (time.Time, error) {
	recs, err := c.records(ctx, sessionID)
	if err != nil {
		return time.Time{}, err
	}
	var eff time.Time
	for t := tier; t <= core.TierMax; t++ {
		if r := recs[t]; r != nil && r.SatisfiedAt.After(eff) {
			eff = r.SatisfiedAt
		}
	}
	return eff, nil
}

// records lee los 4 records de la sesión en una pasada. Index por tier
// (posición 0 sin uso).
func (c *Cache) records(ctx context.Context, sessionID string) ([core.TierMax + 1]*core.AssuranceRecord, error) {
	var out [core.TierMax + 1]*core.AssuranceRecord
	for t := core.TierMin; t <= core.TierMax; t++ {
		v, err := c.kv.Get(ctx, key(sessionID, t))
		if cache.IsNotFound(err) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("%w: assurance get: %v", core.ErrUnavailable, err)
		}
		var rec core.AssuranceRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			// Record corrupto: se ignora, equivale a no satisfecho.
			continue
		}
		out[t] = &rec
	}
	return out, nil
}
