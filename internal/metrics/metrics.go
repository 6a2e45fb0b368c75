// Package metrics define las métricas Prometheus del engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	// DecisionsTotal cuenta decisiones de Evaluate por outcome
	// (allowed | step_up_issued | denied).
	DecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tierguard_decisions_total",
		Help: "Decisiones de autorización por outcome",
	}, []string{"outcome", "tier"})

	// ResumesTotal cuenta resumes por resultado
	// (resumed | expired | already_consumed).
	ResumesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tierguard_resumes_total",
		Help: "Intentos de resume de operation contexts por resultado",
	}, []string{"result"})

	// RecoveryRedemptionsTotal cuenta canjes de recovery codes por resultado
	// (used | invalid | expired | already_used).
	RecoveryRedemptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tierguard_recovery_redemptions_total",
		Help: "Intentos de canje de recovery codes por resultado",
	}, []string{"result"})
)

// Register registra las métricas del engine en el registry dado (o el
// default). Idempotente.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registerOnce.Do(func() {
		reg.MustRegister(DecisionsTotal, ResumesTotal, RecoveryRedemptionsTotal)
	})
}
