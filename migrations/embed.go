// Package migrations embebe los archivos SQL de migración.
package migrations

import "embed"

// PostgresFS contiene las migraciones del store postgres.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// PostgresDir es el directorio dentro de PostgresFS donde viven las migraciones.
const PostgresDir = "postgres"
