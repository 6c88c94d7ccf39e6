//go:build purego || !sqlite_vec
// +build purego !sqlite_vec

package storage

// Default build. The sqlite backend runs on modernc.org/sqlite and needs no
// C compiler, so the binary cross-compiles freely.
//
// Build command:
//   CGO_ENABLED=0 go build ./...

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the database/sql driver used by SQLiteStore
	DriverName = "sqlite"

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)
