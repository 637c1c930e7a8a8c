// Package migrations embeds the schema migrations for each supported database.
package migrations

import "embed"

// Embedded migration files bundled at compile time.
// Files are applied in filename order.
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS
