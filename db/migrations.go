// Package db embeds the schema migrations so cmd binaries can run them
// with golang-migrate's iofs source.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
