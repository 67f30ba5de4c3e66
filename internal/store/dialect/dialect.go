// Package dialect compiles an SQLKind (the storage shape a field strategy
// asks for) to one SQL dialect's column type and DDL syntax, and
// normalises an introspected column type back to an SQLKind for the
// startup mismatch check (spec.md §3.3 invariant 6,
// "types of existing columns must match the expected compiled form,
// normalised across dialects").
//
// Grounded on the teacher's per-backend storage packages
// (internal/storage/sqlite, internal/storage/dolt in the example pack),
// generalised here into one implementation parameterised by a Dialect
// value instead of one Go package per backend, since spec.md requires
// exactly one schema/query implementation that merely normalises its SQL
// across dialects rather than duplicating the whole storage layer per
// database.
package dialect

import "fmt"

// Name identifies a supported SQL dialect.
type Name string

const (
	Postgres Name = "postgres"
	MySQL    Name = "mysql"
	SQLite   Name = "sqlite"
)

// Dialect compiles DDL fragments and placeholder syntax for one database.
type Dialect interface {
	Name() Name

	// ColumnType returns the DDL type for a scalar/text/number/date-ish
	// column.
	ColumnType(sqlKind SQLKind) string

	// NormalizeColumnType maps an introspected column type name back to
	// the SQLKind it represents, for the startup mismatch check. Returns
	// ("", false) if the type is not recognised by this dialect.
	NormalizeColumnType(dbType string) (SQLKind, bool)

	// Placeholder returns the parameter placeholder for the i'th bind
	// argument (1-based), e.g. "$1" for postgres, "?" for mysql/sqlite.
	Placeholder(i int) string

	// QuoteIdent quotes a table/column identifier.
	QuoteIdent(ident string) string

	// CreateTableIfNotExists returns the DDL to create a table with the
	// four universal bookkeeping columns plus an id primary key.
	CreateTableIfNotExists(table string) string

	// AddColumn returns the DDL to add one column to an existing table.
	AddColumn(table, column string, kind SQLKind) string

	// CreateAssocTableIfNotExists returns the DDL for a multi-entity
	// association table (spec.md §3.2).
	CreateAssocTableIfNotExists(table, parentTable string) string

	// BoolLiteral renders a boolean literal for hand-built SQL fragments.
	BoolLiteral(b bool) string

	// Concat renders the per-dialect string concat used for text
	// escaping (e.g. LIKE pattern building); most dialects use "||" but
	// MySQL needs CONCAT(...).
	Concat(parts ...string) string
}

// SQLKind is the physical storage shape a field strategy asks for,
// independent of the SQL dialect's spelling of it.
type SQLKind int

const (
	SQLBool SQLKind = iota
	SQLInt
	SQLFloat
	SQLText
	SQLTimestamp
)

// Registry looks up a Dialect by name.
var registry = map[Name]Dialect{}

// Register installs a Dialect implementation under its name.
func Register(d Dialect) { registry[d.Name()] = d }

// Get returns the registered Dialect for name.
func Get(name Name) (Dialect, error) {
	d, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("dialect: unknown dialect %q", name)
	}
	return d, nil
}

func init() {
	Register(newPostgres())
	Register(newMySQL())
	Register(newSQLite())
}
