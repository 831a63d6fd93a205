// Package schema embeds the baseline SQL migrations for the relational
// backend. The files follow the -- UP / -- DOWN single-file format consumed
// by the migrate package.
package schema

import "embed"

// Files holds the bundled migration files.
//
//go:embed *.sql
var Files embed.FS
