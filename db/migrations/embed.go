// Package dbmigrations exposes the embedded SQL migrations of the session journal.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations.
//
//go:embed *.sql
var Files embed.FS
