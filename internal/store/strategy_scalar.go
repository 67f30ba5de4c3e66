package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/sgerr"
	"github.com/vfxetc/sgcache/internal/store/dialect"
)

// columnStrategy handles every field kind stored as exactly one scalar
// column: checkbox (bool), number/duration/percent/timecode (int),
// float, and the text-shaped kinds (text, entity_type, color, list,
// status_list, uuid, date, date_time). Grounded on the teacher's
// additive-column migration (internal/storage/sqlite), generalised here
// across dialects via the SQLKind passed at construction.
type columnStrategy struct {
	kind    schema.FieldKind
	sqlKind dialect.SQLKind
}

func init() {
	for _, k := range []schema.FieldKind{schema.KindCheckbox} {
		registerStrategy(columnStrategy{kind: k, sqlKind: dialect.SQLBool})
	}
	for _, k := range []schema.FieldKind{
		schema.KindNumber, schema.KindDuration, schema.KindPercent, schema.KindTimecode,
	} {
		registerStrategy(columnStrategy{kind: k, sqlKind: dialect.SQLInt})
	}
	registerStrategy(columnStrategy{kind: schema.KindFloat, sqlKind: dialect.SQLFloat})
	for _, k := range []schema.FieldKind{
		schema.KindText, schema.KindEntityType, schema.KindColor, schema.KindList,
		schema.KindStatusList, schema.KindUUID, schema.KindDate, schema.KindDateTime,
	} {
		registerStrategy(columnStrategy{kind: k, sqlKind: dialect.SQLText})
	}
}

func (s columnStrategy) Kind() schema.FieldKind { return s.kind }
func (columnStrategy) IsCached() bool           { return true }

func (s columnStrategy) MaterialiseColumns(ctx context.Context, field schema.Field, entityType string, m Materialiser) error {
	table := schema.TableName(entityType)
	existing, ok, err := m.ColumnType(ctx, table, field.Name)
	if err != nil {
		return err
	}
	if !ok {
		return m.Exec(ctx, m.Dialect().AddColumn(table, field.Name, s.sqlKind))
	}
	if existing != s.sqlKind {
		return fmt.Errorf("store: column %s.%s has type %v, expected %v for field kind %s",
			table, field.Name, existing, s.sqlKind, s.kind)
	}
	return nil
}

type columnHandle struct {
	alias, label string
}

func (s columnStrategy) PrepareSelect(b Builder, field schema.Field, path []PathSegment) (Handle, error) {
	alias := b.AliasFor(path[:len(path)-1])
	label := alias + "." + field.Name
	b.AddSelect(alias, field.Name, label)
	return columnHandle{alias: alias, label: label}, nil
}

func (s columnStrategy) Extract(row Row, handle Handle) (any, bool) {
	h := handle.(columnHandle)
	v, ok := row[h.label]
	if !ok || v == nil {
		return nil, ok
	}
	return v, true
}

func (s columnStrategy) PrepareOrder(b Builder, field schema.Field, path []PathSegment) (string, error) {
	alias := b.AliasFor(path[:len(path)-1])
	return alias + "." + b.Dialect().QuoteIdent(field.Name), nil
}

func (s columnStrategy) PrepareFilter(b Builder, field schema.Field, path []PathSegment, rel Relation, values []any) error {
	alias := b.AliasFor(path[:len(path)-1])
	col := alias + "." + b.Dialect().QuoteIdent(field.Name)
	text := s.sqlKind == dialect.SQLText
	eqCol, eqVal := col, "?"
	if text {
		eqCol, eqVal = "LOWER("+col+")", "LOWER(?)"
	}
	switch rel {
	case RelIs:
		b.AddWhere(eqCol+" = "+eqVal, values[0])
	case RelIsNot:
		b.AddWhere(col+" IS NULL OR "+eqCol+" != "+eqVal, values[0])
	case RelIn:
		b.AddWhere(inClause(col, values), values...)
	case RelNotIn:
		b.AddWhere(col+" IS NULL OR "+col+" NOT IN ("+placeholders(len(values))+")", values...)
	case RelGreaterThan:
		b.AddWhere(col+" > ?", values[0])
	case RelLessThan:
		b.AddWhere(col+" < ?", values[0])
	case RelBetween:
		b.AddWhere(col+" BETWEEN ? AND ?", values[0], values[1])
	case RelNotBetween:
		b.AddWhere(col+" NOT BETWEEN ? AND ?", values[0], values[1])
	case RelStartsWith:
		b.AddWhere(likeCol(col)+" LIKE ? ESCAPE '\\'", likePattern(values[0])+"%")
	case RelEndsWith:
		b.AddWhere(likeCol(col)+" LIKE ? ESCAPE '\\'", "%"+likePattern(values[0]))
	case RelContains:
		b.AddWhere(likeCol(col)+" LIKE ? ESCAPE '\\'", "%"+likePattern(values[0])+"%")
	case RelNotContains:
		b.AddWhere(col+" IS NULL OR "+likeCol(col)+" NOT LIKE ? ESCAPE '\\'", "%"+likePattern(values[0])+"%")
	default:
		return sgerr.NewClientFault(sgerr.CodeInvalidRelation, fmt.Sprintf("relation %q not supported for field kind %s", rel, s.kind))
	}
	return nil
}

// likeCol wraps col in LOWER() so starts_with/ends_with/contains match
// case-insensitively, matching is/is_not above.
func likeCol(col string) string { return "LOWER(" + col + ")" }

// likePattern escapes LIKE metacharacters (\, %, _) in v before it is
// embedded in a wildcard pattern, so a value containing e.g. a literal
// "%" matches only that literal character rather than any run of text.
// Lowercased to match likeCol's case-insensitive comparison.
func likePattern(v any) string {
	s := strings.ToLower(fmt.Sprintf("%v", v))
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func (columnStrategy) PrepareJoin(b Builder, field schema.Field, selfPath []PathSegment, nextType string) (Handle, error) {
	return nil, sgerr.NewClientFault(sgerr.CodeInvalidRelation, fmt.Sprintf("field %s cannot be traversed further", field.Name))
}

func (columnStrategy) CheckForJoin(Row, Handle) bool { return true }

func (s columnStrategy) PrepareDeepFilter(b Builder, field schema.Field, selfPath, rest []PathSegment, rel Relation, values []any, compile DeepCompiler) error {
	return sgerr.NewClientFault(sgerr.CodeInvalidRelation, fmt.Sprintf("field %s cannot be traversed further", field.Name))
}

func (s columnStrategy) PrepareUpsert(field schema.Field, entityType string, op UpsertOp, value any) (UpsertPlan, error) {
	return UpsertPlan{Columns: []ColumnValue{{Column: field.Name, Value: value}}}, nil
}

func inClause(col string, values []any) string {
	return col + " IN (" + placeholders(len(values)) + ")"
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}
