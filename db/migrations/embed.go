// Package dbmigrations exposes embedded SQL migrations for gestion360 binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into gestion360 binaries.
//
//go:embed *.sql
var Files embed.FS
