// Package migrations embeds SQL migrations for the PostgreSQL-backed stores.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
