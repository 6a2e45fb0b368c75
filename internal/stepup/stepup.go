// Package stepup implementa el orquestador de decisiones: evalúa cada
// operación sensible contra policy + assurance cache, y cuando la sesión no
// alcanza, captura la intención original y emite una instrucción de redirect
// para que el usuario pueda retomar después de satisfacer el challenge.
package stepup

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/dropDatabas3/tierguard/internal/store/core"
)

var (
	// ErrContextExpired indica que el contexto venció (o ya no existe) antes
	// del resume: el caller debe re-iniciar la operación, nunca retomar una
	// intención vieja en silencio.
	ErrContextExpired = errors.New("operation context expired")

	// ErrContextAlreadyConsumed indica que el contexto ya fue consumido.
	// Bajo retries concurrentes exactamente un resume gana.
	ErrContextAlreadyConsumed = errors.New("operation context already consumed")
)

// Decision es el resultado sum-typed de Evaluate: o la llamada pasa, o se
// requiere step-up con su descriptor de redirect. El branch "step-up
// required" es un resultado esperado, no un error.
type Decision struct {
	Allowed  bool
	Redirect *RedirectDescriptor
}

// RedirectDescriptor nombra el tier y los métodos aceptados para el desafío.
// Nunca transporta el payload: solo el context_id viaja por sistemas
// intermedios.
type RedirectDescriptor struct {
	ContextID       string     `json:"context_id"`
	RequiredTier    core.Tier  `json:"required_tier"`
	AcceptedMethods []core.AMR `json:"accepted_methods"`
	URL             string     `json:"url,omitempty"`
}

// ResumedOperation es la intención original devuelta por Resume para que el
// caller re-ejecute la operación.
type ResumedOperation struct {
	SessionID   string
	UserID      string
	OperationID string
	Payload     []byte
}

// redirectURL arma la URL del flujo de step-up externo. Solo context_id,
// tier y métodos: el payload queda sellado en el store.
func redirectURL(base string, d *RedirectDescriptor) string {
	if base == "" {
		return ""
	}
	q := url.Values{}
	q.Set("context_id", d.ContextID)
	q.Set("tier", strconv.Itoa(int(d.RequiredTier)))
	for _, m := range d.AcceptedMethods {
		q.Add("method", string(m))
	}
	return fmt.Sprintf("%s?%s", base, q.Encode())
}
