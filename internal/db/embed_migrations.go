// Package db embeds the SQL schema migrations.
package db

import "embed"

//go:embed migrations/*.sql
var MigrationFS embed.FS
