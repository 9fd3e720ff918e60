package db

import "embed"

// MigrationsFS contains the pipeline schema, applied on startup.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
