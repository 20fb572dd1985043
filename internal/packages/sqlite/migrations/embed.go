package migrations

import "embed"

// FS contains embedded SQLite migrations for the package index.
//
//go:embed *.sql
var FS embed.FS
