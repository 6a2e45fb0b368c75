// Package policy implementa el registro estático operation -> tier.
//
// Las policies se cargan una única vez al startup desde la configuración y
// quedan inmutables en memoria: los lookups son O(1) y lock-free (map
// read-only). Una operation desconocida es un defecto de configuración, no
// una decisión de seguridad: fail closed con un error distinguible de
// "insufficient tier".
package policy

import (
	"errors"
	"fmt"

	"github.com/dropDatabas3/tierguard/internal/config"
	"github.com/dropDatabas3/tierguard/internal/store/core"
	"github.com/dropDatabas3/tierguard/internal/validation"
)

// ErrPolicyNotFound indica que no hay policy registrada para la operación.
// Defecto de configuración: el caller debe denegar (fail closed).
var ErrPolicyNotFound = errors.New("policy not found")

// IsNotFound verifica si el error es ErrPolicyNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPolicyNotFound)
}

// Registry mantiene las TierPolicies inmutables. Seguro para uso concurrente
// sin locks: el map no muta después de New.
type Registry struct {
	policies map[string]core.TierPolicy
}

// New construye el registry desde las entradas de configuración.
// Las entradas ya pasaron config.Validate; acá solo se rechazan operation
// ids mal formados y se congela el map.
func New(entries []config.PolicyEntry) (*Registry, error) {
	m := make(map[string]core.TierPolicy, len(entries))
	for _, e := range entries {
		if !validation.ValidOperationID(e.Operation) {
			return nil, fmt.Errorf("policy: operation id inválido: %q", e.Operation)
		}
		methods := make([]core.AMR, 0, len(e.Methods))
		for _, s := range e.Methods {
			methods = append(methods, core.AMR(s))
		}
		m[e.Operation] = core.TierPolicy{
			OperationID:     e.Operation,
			RequiredTier:    core.Tier(e.Tier),
			AcceptedMethods: methods,
			DualFactor:      e.DualFactor,
		}
	}
	return &Registry{policies: m}, nil
}

// Lookup retorna la policy de una operación, o ErrPolicyNotFound.
func (r *Registry) Lookup(operationID string) (core.TierPolicy, error) {
	p, ok := r.policies[operationID]
	if !ok {
		return core.TierPolicy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, operationID)
	}
	return p, nil
}

// Len retorna la cantidad de policies registradas.
func (r *Registry) Len() int { return len(r.policies) }
