package dialect

import "fmt"

type sqliteDialect struct{}

func newSQLite() Dialect { return sqliteDialect{} }

func (sqliteDialect) Name() Name { return SQLite }

func (sqliteDialect) ColumnType(k SQLKind) string {
	switch k {
	case SQLBool:
		return "BOOLEAN"
	case SQLInt:
		return "INTEGER"
	case SQLFloat:
		return "REAL"
	case SQLTimestamp:
		return "TEXT"
	default:
		return "TEXT"
	}
}

func (sqliteDialect) NormalizeColumnType(dbType string) (SQLKind, bool) {
	switch dbType {
	case "boolean", "bool":
		return SQLBool, true
	case "integer", "int", "bigint":
		return SQLInt, true
	case "real", "double", "float":
		return SQLFloat, true
	case "text", "", "varchar":
		// SQLite stores both timestamps and text as TEXT; callers that
		// need timestamp semantics identify the column by name, not type.
		return SQLText, true
	default:
		return 0, false
	}
}

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) QuoteIdent(ident string) string { return `"` + ident + `"` }

func (d sqliteDialect) CreateTableIfNotExists(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id INTEGER PRIMARY KEY,
  _active BOOLEAN NOT NULL DEFAULT 1,
  _cache_created_at TEXT,
  _cache_updated_at TEXT,
  _last_log_event_id INTEGER
)`, d.QuoteIdent(table))
}

func (d sqliteDialect) AddColumn(table, column string, kind SQLKind) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.QuoteIdent(table), d.QuoteIdent(column), d.ColumnType(kind))
}

func (d sqliteDialect) CreateAssocTableIfNotExists(table, parentTable string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  parent_id INTEGER NOT NULL REFERENCES %s(id),
  child_type TEXT NOT NULL,
  child_id INTEGER NOT NULL
)`, d.QuoteIdent(table), d.QuoteIdent(parentTable))
}

func (sqliteDialect) BoolLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (sqliteDialect) Concat(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " || "
		}
		out += p
	}
	return out
}
