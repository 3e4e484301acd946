// Package dbmigrations exposes embedded SQL migrations for tickvault binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tickvault binaries.
//
//go:embed *.sql
var Files embed.FS
