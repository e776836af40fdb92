package migrations

import "embed"

// Files exposes the embedded golang-migrate migrations, one directory per database driver.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
