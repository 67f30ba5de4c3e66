package store

import (
	"context"
	"fmt"

	"github.com/vfxetc/sgcache/internal/entity"
	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/sgerr"
	"github.com/vfxetc/sgcache/internal/store/dialect"
)

// entityStrategy handles single-entity-link fields, stored as a pair of
// columns ({field}_type TEXT, {field}_id BIGINT) per spec.md §3.2. A
// polymorphic link is materialised as two plain columns rather than a
// foreign key, since the target table is only known per-row.
type entityStrategy struct{}

func init() { registerStrategy(entityStrategy{}) }

func (entityStrategy) Kind() schema.FieldKind { return schema.KindEntity }
func (entityStrategy) IsCached() bool         { return true }

// typeColumn/idColumn use a double underscore (spec.md §3.2: "F__type",
// "F__id") so a field named e.g. "entity" doesn't collide with a
// plausible single-underscore user field "entity_type".
func typeColumn(field string) string { return field + "__type" }
func idColumn(field string) string   { return field + "__id" }

func (entityStrategy) MaterialiseColumns(ctx context.Context, field schema.Field, entityType string, m Materialiser) error {
	table := schema.TableName(entityType)
	for col, kind := range map[string]dialect.SQLKind{
		typeColumn(field.Name): dialect.SQLText,
		idColumn(field.Name):   dialect.SQLInt,
	} {
		existing, ok, err := m.ColumnType(ctx, table, col)
		if err != nil {
			return err
		}
		if !ok {
			if err := m.Exec(ctx, m.Dialect().AddColumn(table, col, kind)); err != nil {
				return err
			}
			continue
		}
		if existing != kind {
			return fmt.Errorf("store: column %s.%s has type %v, expected %v", table, col, existing, kind)
		}
	}
	return nil
}

type entityHandle struct {
	alias            string
	typeLabel, idLabel string
	joinAlias        string // "" if no join was prepared
}

func (entityStrategy) PrepareSelect(b Builder, field schema.Field, path []PathSegment) (Handle, error) {
	alias := b.AliasFor(path[:len(path)-1])
	typeLabel := alias + "." + typeColumn(field.Name)
	idLabel := alias + "." + idColumn(field.Name)
	b.AddSelect(alias, typeColumn(field.Name), typeLabel)
	b.AddSelect(alias, idColumn(field.Name), idLabel)
	return entityHandle{alias: alias, typeLabel: typeLabel, idLabel: idLabel}, nil
}

func (entityStrategy) Extract(row Row, handle Handle) (any, bool) {
	h := handle.(entityHandle)
	t, ok1 := row[h.typeLabel]
	id, ok2 := row[h.idLabel]
	if !ok1 || !ok2 || t == nil || id == nil {
		return nil, true // field is present, value is null (no link set)
	}
	tStr, _ := t.(string)
	idInt := toInt64(id)
	return entity.Ref{Type: tStr, ID: idInt}, true
}

func (entityStrategy) PrepareOrder(b Builder, field schema.Field, path []PathSegment) (string, error) {
	alias := b.AliasFor(path[:len(path)-1])
	return alias + "." + b.Dialect().QuoteIdent(idColumn(field.Name)), nil
}

func (entityStrategy) PrepareFilter(b Builder, field schema.Field, path []PathSegment, rel Relation, values []any) error {
	alias := b.AliasFor(path[:len(path)-1])
	typeCol := alias + "." + b.Dialect().QuoteIdent(typeColumn(field.Name))
	idCol := alias + "." + b.Dialect().QuoteIdent(idColumn(field.Name))
	refs := make([]entity.Ref, 0, len(values))
	for _, v := range values {
		r, ok := v.(entity.Ref)
		if !ok {
			return sgerr.NewClientFault(sgerr.CodeInvalidValues, "entity filter values must be entity references")
		}
		refs = append(refs, r)
	}
	switch rel {
	case RelIs, RelIn:
		if len(refs) == 0 {
			b.AddWhere("1 = 0")
			return nil
		}
		frag := "("
		args := make([]any, 0, len(refs)*2)
		for i, r := range refs {
			if i > 0 {
				frag += " OR "
			}
			frag += fmt.Sprintf("(%s = ? AND %s = ?)", typeCol, idCol)
			args = append(args, r.Type, r.ID)
		}
		frag += ")"
		b.AddWhere(frag, args...)
	case RelIsNot, RelNotIn:
		frag := typeCol + " IS NULL"
		args := []any{}
		if len(refs) > 0 {
			match := ""
			for i, r := range refs {
				if i > 0 {
					match += " OR "
				}
				match += fmt.Sprintf("(%s = ? AND %s = ?)", typeCol, idCol)
				args = append(args, r.Type, r.ID)
			}
			frag += " OR NOT (" + match + ")"
		}
		b.AddWhere(frag, args...)
	case RelTypeIs:
		b.AddWhere(typeCol+" = ?", values[0])
	case RelTypeIsNot:
		b.AddWhere(typeCol+" IS NULL OR "+typeCol+" != ?", values[0])
	default:
		return sgerr.NewClientFault(sgerr.CodeInvalidRelation, fmt.Sprintf("relation %q not supported for entity field", rel))
	}
	return nil
}

func (entityStrategy) PrepareJoin(b Builder, field schema.Field, selfPath []PathSegment, nextType string) (Handle, error) {
	alias := b.AliasFor(selfPath[:len(selfPath)-1])
	targetPath := append(append([]PathSegment{}, selfPath...))
	joinAlias := b.AliasFor(targetPath)
	targetTable := schema.TableName(nextType)
	b.AddJoin(fmt.Sprintf("LEFT JOIN %s AS %s ON %s.%s = %s AND %s.%s = %s",
		b.Dialect().QuoteIdent(targetTable), joinAlias,
		alias, b.Dialect().QuoteIdent(typeColumn(field.Name)), quotedLit(nextType),
		alias, b.Dialect().QuoteIdent(idColumn(field.Name)), joinAlias+".id"))
	return entityHandle{alias: alias, joinAlias: joinAlias}, nil
}

func (entityStrategy) CheckForJoin(row Row, handle Handle) bool {
	h := handle.(entityHandle)
	return h.joinAlias != ""
}

func (entityStrategy) PrepareDeepFilter(b Builder, field schema.Field, selfPath, rest []PathSegment, rel Relation, values []any, compile DeepCompiler) error {
	return sgerr.NewClientFault(sgerr.CodeInvalidRelation, "deep filters through a single-entity field are expressed as a plain join path, not an EXISTS subquery")
}

func (entityStrategy) PrepareUpsert(field schema.Field, entityType string, op UpsertOp, value any) (UpsertPlan, error) {
	if value == nil {
		return UpsertPlan{Columns: []ColumnValue{
			{Column: typeColumn(field.Name), Value: nil},
			{Column: idColumn(field.Name), Value: nil},
		}}, nil
	}
	r, ok := value.(entity.Ref)
	if !ok {
		return UpsertPlan{}, sgerr.NewClientFault(sgerr.CodeInvalidValues, fmt.Sprintf("field %s expects an entity reference", field.Name))
	}
	return UpsertPlan{Columns: []ColumnValue{
		{Column: typeColumn(field.Name), Value: r.Type},
		{Column: idColumn(field.Name), Value: r.ID},
	}}, nil
}

func quotedLit(s string) string { return "'" + s + "'" }

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
