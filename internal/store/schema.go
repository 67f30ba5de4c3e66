package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/store/dialect"
)

// Schema owns DDL materialisation against one database (spec.md §3.3):
// ensuring each entity type's table and each declared field's columns
// exist, creating what's missing and failing fast on a type mismatch.
// Grounded on the teacher's additive-migration loop in
// internal/storage/sqlite (introspect, ALTER TABLE ADD COLUMN if
// missing), generalised across dialects via internal/store/dialect.
type Schema struct {
	db  *sqlx.DB
	dlt dialect.Dialect
	log zerolog.Logger
}

// NewSchema constructs a Schema bound to an already-open database handle
// and the dialect matching its driver.
func NewSchema(db *sqlx.DB, dlt dialect.Dialect, log zerolog.Logger) *Schema {
	return &Schema{db: db, dlt: dlt, log: log.With().Str("component", "store.schema").Logger()}
}

func (s *Schema) Dialect() dialect.Dialect { return s.dlt }

// Ensure materialises every entity type and field in reg, creating
// tables/columns/association tables that don't exist yet and returning
// an error on the first type mismatch found (spec.md §3.3 invariant 6).
func (s *Schema) Ensure(ctx context.Context, reg *schema.Registry) error {
	for _, typeName := range reg.TypeNames() {
		et, _ := reg.EntityType(typeName)
		table := schema.TableName(typeName)
		if err := s.ensureTable(ctx, table); err != nil {
			return fmt.Errorf("store: ensure table %s: %w", table, err)
		}
		for _, field := range et.Fields() {
			if field.Name == "id" || !field.IsCached() {
				continue
			}
			strat, ok := StrategyFor(field.Kind)
			if !ok {
				return fmt.Errorf("store: no strategy registered for field kind %s", field.Kind)
			}
			if err := strat.MaterialiseColumns(ctx, field, typeName, s); err != nil {
				return fmt.Errorf("store: materialise %s.%s: %w", typeName, field.Name, err)
			}
		}
		s.log.Info().Str("type", typeName).Msg("schema ensured")
	}
	return nil
}

func (s *Schema) ensureTable(ctx context.Context, table string) error {
	ok, err := s.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.Exec(ctx, s.dlt.CreateTableIfNotExists(table))
}

func (s *Schema) Exec(ctx context.Context, ddl string) error {
	s.log.Debug().Str("ddl", ddl).Msg("executing DDL")
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// TableExists reports whether table already exists, using the
// introspection query appropriate to the connected dialect.
func (s *Schema) TableExists(ctx context.Context, table string) (bool, error) {
	var query string
	var args []any
	switch s.dlt.Name() {
	case dialect.Postgres:
		query = `SELECT 1 FROM information_schema.tables WHERE table_name = $1`
		args = []any{table}
	case dialect.MySQL:
		query = `SELECT 1 FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`
		args = []any{table}
	case dialect.SQLite:
		query = `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`
		args = []any{table}
	default:
		return false, fmt.Errorf("store: unsupported dialect %s", s.dlt.Name())
	}
	var found int
	err := s.db.GetContext(ctx, &found, query, args...)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ColumnType reports the normalised SQLKind of an existing column, or
// (0, false, nil) if the column does not exist.
func (s *Schema) ColumnType(ctx context.Context, table, column string) (dialect.SQLKind, bool, error) {
	var query string
	var args []any
	switch s.dlt.Name() {
	case dialect.Postgres:
		query = `SELECT data_type FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`
		args = []any{table, column}
	case dialect.MySQL:
		query = `SELECT LOWER(column_type) FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?`
		args = []any{table, column}
	case dialect.SQLite:
		return s.sqliteColumnType(ctx, table, column)
	default:
		return 0, false, fmt.Errorf("store: unsupported dialect %s", s.dlt.Name())
	}
	var dbType string
	err := s.db.GetContext(ctx, &dbType, query, args...)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return 0, false, nil
		}
		return 0, false, err
	}
	kind, ok := s.dlt.NormalizeColumnType(strings.ToLower(dbType))
	if !ok {
		return 0, true, fmt.Errorf("store: column %s.%s has unrecognised type %q", table, column, dbType)
	}
	return kind, true, nil
}

func (s *Schema) sqliteColumnType(ctx context.Context, table, column string) (dialect.SQLKind, bool, error) {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", s.dlt.QuoteIdent(table)))
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt any
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return 0, false, err
		}
		if name == column {
			kind, ok := s.dlt.NormalizeColumnType(strings.ToLower(ctype))
			if !ok {
				return 0, true, fmt.Errorf("store: column %s.%s has unrecognised type %q", table, column, ctype)
			}
			return kind, true, nil
		}
	}
	return 0, false, rows.Err()
}
