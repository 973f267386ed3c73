package migrations

import "embed"

// FS contains embedded SQLite migrations for floor storage.
//
//go:embed *.sql
var FS embed.FS
