// Package migrations holds the SQL schema for each supported database, embedded for golang-migrate.
package migrations

import "embed"

// FS contains one directory of migrations per dialect: postgres/ and sqlite/.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
