// Package migrations embeds the schema files so a single binary can
// bootstrap a database without a migrations directory on disk.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
