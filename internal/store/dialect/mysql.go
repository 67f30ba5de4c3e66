package dialect

import "fmt"

type mysqlDialect struct{}

func newMySQL() Dialect { return mysqlDialect{} }

func (mysqlDialect) Name() Name { return MySQL }

func (mysqlDialect) ColumnType(k SQLKind) string {
	switch k {
	case SQLBool:
		return "TINYINT(1)"
	case SQLInt:
		return "BIGINT"
	case SQLFloat:
		return "DOUBLE"
	case SQLTimestamp:
		return "DATETIME(6)"
	default:
		return "TEXT"
	}
}

func (mysqlDialect) NormalizeColumnType(dbType string) (SQLKind, bool) {
	switch dbType {
	case "tinyint(1)", "tinyint":
		return SQLBool, true
	case "bigint", "int", "smallint":
		return SQLInt, true
	case "double", "float", "decimal":
		return SQLFloat, true
	case "datetime", "datetime(6)", "timestamp":
		return SQLTimestamp, true
	case "text", "varchar", "longtext":
		return SQLText, true
	default:
		return 0, false
	}
}

func (mysqlDialect) Placeholder(int) string { return "?" }

func (mysqlDialect) QuoteIdent(ident string) string { return "`" + ident + "`" }

func (d mysqlDialect) CreateTableIfNotExists(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n"+
		"  id BIGINT PRIMARY KEY,\n"+
		"  _active TINYINT(1) NOT NULL DEFAULT 1,\n"+
		"  _cache_created_at DATETIME(6),\n"+
		"  _cache_updated_at DATETIME(6),\n"+
		"  _last_log_event_id BIGINT\n"+
		") ENGINE=InnoDB", d.QuoteIdent(table))
}

func (d mysqlDialect) AddColumn(table, column string, kind SQLKind) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.QuoteIdent(table), d.QuoteIdent(column), d.ColumnType(kind))
}

func (d mysqlDialect) CreateAssocTableIfNotExists(table, parentTable string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n"+
		"  id BIGINT AUTO_INCREMENT PRIMARY KEY,\n"+
		"  parent_id BIGINT NOT NULL,\n"+
		"  child_type VARCHAR(255) NOT NULL,\n"+
		"  child_id BIGINT NOT NULL,\n"+
		"  INDEX (parent_id),\n"+
		"  CONSTRAINT FOREIGN KEY (parent_id) REFERENCES %s(id)\n"+
		") ENGINE=InnoDB", d.QuoteIdent(table), d.QuoteIdent(parentTable))
}

func (mysqlDialect) BoolLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (mysqlDialect) Concat(parts ...string) string {
	out := "CONCAT("
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out + ")"
}
