// Package migrate owns the small set of fixed bookkeeping tables sgcache
// needs regardless of the user's schema description: sgcache_meta
// (follower cursor, scanner watermarks) and sgcache_control_sessions
// (control-plane session id bookkeeping, spec.md §4.8). These are
// structural, not schema-derived, so they're migrated with
// github.com/pressly/goose/v3 rather than through internal/store's
// additive field-by-field materialisation, which only ever applies to
// entity-type tables.
package migrate

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var migrations embed.FS

// Up applies every pending bookkeeping migration against db, whose
// driver name must be one goose recognises ("postgres", "mysql",
// "sqlite3").
func Up(db *sql.DB, dialect string) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Up(db, "sql")
}
