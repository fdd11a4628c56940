package migrations

import "embed"

// FS holds the token database migrations.
//
//go:embed *.sql
var FS embed.FS
