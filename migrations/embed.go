// Package migrations embeds the run journal schema into the binary, so
// the journal can be created without SQL files on disk.
package migrations

import "embed"

// FS holds the journal migrations at its root.
//
//go:embed *.sql
var FS embed.FS
