// Package migrations holds the schema of the metadata database.
package migrations

import "embed"

//go:embed *.sql
var AllUp embed.FS
