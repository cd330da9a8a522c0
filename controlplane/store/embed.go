package store

import "embed"

// MigrationFS embeds all SQL migrations into the compiled binary so the
// control plane binary carries its own schema and needs no migration files
// on disk at runtime.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
