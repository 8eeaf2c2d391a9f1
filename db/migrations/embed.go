// Package dbmigrations exposes embedded SQL migrations for Escrowd binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Escrowd binaries.
//
//go:embed *.sql
var Files embed.FS
