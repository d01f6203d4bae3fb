// Package migrations embeds the governance schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
