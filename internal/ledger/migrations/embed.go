// Package migrations contains embedded SQL migrations for the Postgres ledger storage.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
