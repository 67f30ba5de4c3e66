package dialect

import "fmt"

type postgres struct{}

func newPostgres() Dialect { return postgres{} }

func (postgres) Name() Name { return Postgres }

func (postgres) ColumnType(k SQLKind) string {
	switch k {
	case SQLBool:
		return "BOOLEAN"
	case SQLInt:
		return "BIGINT"
	case SQLFloat:
		return "DOUBLE PRECISION"
	case SQLTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (postgres) NormalizeColumnType(dbType string) (SQLKind, bool) {
	switch dbType {
	case "bool", "boolean":
		return SQLBool, true
	case "int8", "bigint", "int4", "integer", "int2", "smallint":
		return SQLInt, true
	case "float8", "double precision", "float4", "real", "numeric":
		return SQLFloat, true
	case "timestamptz", "timestamp with time zone", "timestamp", "timestamp without time zone":
		return SQLTimestamp, true
	case "text", "varchar", "character varying":
		return SQLText, true
	default:
		return 0, false
	}
}

func (postgres) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (postgres) QuoteIdent(ident string) string { return `"` + ident + `"` }

func (p postgres) CreateTableIfNotExists(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id BIGINT PRIMARY KEY,
  _active BOOLEAN NOT NULL DEFAULT TRUE,
  _cache_created_at TIMESTAMPTZ,
  _cache_updated_at TIMESTAMPTZ,
  _last_log_event_id BIGINT
)`, p.QuoteIdent(table))
}

func (p postgres) AddColumn(table, column string, kind SQLKind) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", p.QuoteIdent(table), p.QuoteIdent(column), p.ColumnType(kind))
}

func (p postgres) CreateAssocTableIfNotExists(table, parentTable string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id BIGSERIAL PRIMARY KEY,
  parent_id BIGINT NOT NULL REFERENCES %s(id),
  child_type TEXT NOT NULL,
  child_id BIGINT NOT NULL
)`, p.QuoteIdent(table), p.QuoteIdent(parentTable))
}

func (postgres) BoolLiteral(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func (postgres) Concat(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " || "
		}
		out += p
	}
	return out
}
