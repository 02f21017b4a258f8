// Package migrations embebe las migraciones SQL del store postgres.
package migrations

import "embed"

// FS contiene las migraciones, aplicadas en orden lexicográfico.
//
//go:embed *.sql
var FS embed.FS
