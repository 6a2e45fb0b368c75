package logger

import (
	"time"

	"go.uber.org/zap"
)

// Campos estándar para mantener nombres consistentes en todos los logs.

// RequestID crea un campo para el ID del request.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// SessionID crea un campo para el ID de sesión.
func SessionID(v string) zap.Field {
	return zap.String("session_id", v)
}

// UserID crea un campo para el ID del usuario.
func UserID(v string) zap.Field {
	return zap.String("user_id", v)
}

// Operation crea un campo para el operation_id evaluado.
func Operation(v string) zap.Field {
	return zap.String("operation_id", v)
}

// Tier crea un campo para un tier de seguridad.
func Tier(v int) zap.Field {
	return zap.Int("tier", v)
}

// Outcome crea un campo para el resultado de una decisión.
func Outcome(v string) zap.Field {
	return zap.String("outcome", v)
}

// ContextID crea un campo para el id de un operation context.
func ContextID(v string) zap.Field {
	return zap.String("context_id", v)
}

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// ClientIP crea un campo para la IP del cliente.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}
