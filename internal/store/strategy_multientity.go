package store

import (
	"context"
	"fmt"

	"github.com/vfxetc/sgcache/internal/entity"
	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/sgerr"
)

// multiEntityStrategy handles multi_entity fields, stored in a dedicated
// association table "{entity}_{field}" of (parent_id, child_type,
// child_id) rows (spec.md §3.2). Returning the linked entities for a read
// is a second, correlated query rather than a join (a join would
// multiply the parent row once per link); PrepareSelect hands back a
// MultiEntityRef the row-assembly stage in package query recognises and
// resolves after the primary query completes. Deep filters, in contrast,
// only need existence, so they compile straight to an EXISTS subquery.
type multiEntityStrategy struct{}

func init() { registerStrategy(multiEntityStrategy{}) }

func (multiEntityStrategy) Kind() schema.FieldKind { return schema.KindMultiEntity }
func (multiEntityStrategy) IsCached() bool         { return true }

func (multiEntityStrategy) MaterialiseColumns(ctx context.Context, field schema.Field, entityType string, m Materialiser) error {
	assocTable := schema.AssocTableName(entityType, field.Name)
	table := schema.TableName(entityType)
	ok, err := m.TableExists(ctx, assocTable)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return m.Exec(ctx, m.Dialect().CreateAssocTableIfNotExists(assocTable, table))
}

// MultiEntityRef is the Extract placeholder value for a multi_entity
// field: the row-assembly stage resolves it into a []entity.Ref by
// querying AssocTable for ParentID, after the primary rows are fetched.
type MultiEntityRef struct {
	AssocTable string
	ParentID   int64
}

type multiEntityHandle struct {
	parentIDLabel string
	assocTable    string
}

func (multiEntityStrategy) PrepareSelect(b Builder, field schema.Field, path []PathSegment) (Handle, error) {
	alias := b.AliasFor(path[:len(path)-1])
	label := alias + ".id#" + field.Name
	b.AddSelect(alias, "id", label)
	entityType := path[len(path)-1].Type
	return multiEntityHandle{
		parentIDLabel: label,
		assocTable:    schema.AssocTableName(entityType, field.Name),
	}, nil
}

func (multiEntityStrategy) Extract(row Row, handle Handle) (any, bool) {
	h := handle.(multiEntityHandle)
	v, ok := row[h.parentIDLabel]
	if !ok || v == nil {
		return nil, false
	}
	return MultiEntityRef{AssocTable: h.assocTable, ParentID: toInt64(v)}, true
}

func (multiEntityStrategy) PrepareOrder(b Builder, field schema.Field, path []PathSegment) (string, error) {
	return "", sgerr.NewClientFault(sgerr.CodeInvalidRelation, fmt.Sprintf("field %s (multi_entity) cannot be ordered on", field.Name))
}

func (multiEntityStrategy) PrepareFilter(b Builder, field schema.Field, path []PathSegment, rel Relation, values []any) error {
	entityType := path[len(path)-1].Type
	assoc := schema.AssocTableName(entityType, field.Name)
	alias := b.AliasFor(path[:len(path)-1])

	refs := make([]entity.Ref, 0, len(values))
	for _, v := range values {
		r, ok := v.(entity.Ref)
		if !ok {
			return sgerr.NewClientFault(sgerr.CodeInvalidValues, "multi_entity filter values must be entity references")
		}
		refs = append(refs, r)
	}
	q := b.Dialect().QuoteIdent
	switch rel {
	case RelIn, RelIs:
		if len(refs) == 0 {
			b.AddWhere("1 = 0")
			return nil
		}
		frag := fmt.Sprintf("EXISTS (SELECT 1 FROM %s a WHERE a.parent_id = %s.id AND (", q(assoc), alias)
		args := make([]any, 0, len(refs)*2)
		for i, r := range refs {
			if i > 0 {
				frag += " OR "
			}
			frag += "(a.child_type = ? AND a.child_id = ?)"
			args = append(args, r.Type, r.ID)
		}
		frag += "))"
		b.AddWhere(frag, args...)
	case RelNotIn, RelIsNot:
		frag := fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s a WHERE a.parent_id = %s.id AND (", q(assoc), alias)
		args := make([]any, 0, len(refs)*2)
		for i, r := range refs {
			if i > 0 {
				frag += " OR "
			}
			frag += "(a.child_type = ? AND a.child_id = ?)"
			args = append(args, r.Type, r.ID)
		}
		frag += "))"
		b.AddWhere(frag, args...)
	default:
		return sgerr.NewClientFault(sgerr.CodeInvalidRelation, fmt.Sprintf("relation %q not supported for multi_entity field", rel))
	}
	return nil
}

func (multiEntityStrategy) PrepareJoin(b Builder, field schema.Field, selfPath []PathSegment, nextType string) (Handle, error) {
	return nil, sgerr.NewPassthrough("selecting fields through a multi_entity link (%s) is not supported; only deep filters are", field.Name)
}

func (multiEntityStrategy) CheckForJoin(Row, Handle) bool { return true }

// PrepareDeepFilter builds the EXISTS subquery of spec.md §4.3 "Deep
// filters through multi-entity": EXISTS (SELECT 1 FROM assoc a JOIN
// child c ON c.id = a.child_id AND a.child_type = 'X' WHERE a.parent_id =
// outer.id AND <rest compiled against c>), where c is the subquery's own
// root alias. A deep is_not / not_in is lifted here: rest is compiled
// with is / in and the subquery becomes NOT EXISTS, so it matches
// entities with no matching member.
func (s multiEntityStrategy) PrepareDeepFilter(b Builder, field schema.Field, selfPath, rest []PathSegment, rel Relation, values []any, compile DeepCompiler) error {
	alias := b.AliasFor(selfPath[:len(selfPath)-1])
	nextType := rest[0].Type
	entityType := selfPathEntityType(selfPath)
	assoc := schema.AssocTableName(entityType, field.Name)

	sub := b.Subquery()
	childTable := schema.TableName(nextType)
	q := b.Dialect().QuoteIdent
	childAlias := sub.AliasFor(nil)
	sub.AddJoin(fmt.Sprintf("FROM %s a JOIN %s AS %s ON %s.id = a.child_id AND a.child_type = ?",
		q(assoc), q(childTable), childAlias, childAlias), nextType)
	sub.AddWhere(fmt.Sprintf("a.parent_id = %s.id", alias))

	exists := "EXISTS"
	switch rel {
	case RelIsNot:
		rel, exists = RelIs, "NOT EXISTS"
	case RelNotIn:
		rel, exists = RelIn, "NOT EXISTS"
	}
	if err := compile(sub, nextType, rest, rel, values); err != nil {
		return err
	}
	var subArgs []any
	if a, ok := sub.(interface{ Args() []any }); ok {
		subArgs = a.Args()
	}
	b.AddWhere(fmt.Sprintf("%s (SELECT 1 %s)", exists, subquerySQL(sub)), subArgs...)
	return nil
}

// selfPathEntityType returns the entity type of the table the multi_entity
// field itself belongs to: the type of selfPath's last segment, which
// names this field.
func selfPathEntityType(selfPath []PathSegment) string {
	if len(selfPath) == 0 {
		return ""
	}
	return selfPath[len(selfPath)-1].Type
}

// subquerySQL is implemented by package query's concrete Builder; store
// only needs the interface boundary, so this helper is a thin type
// assertion against an optional SQL() method.
func subquerySQL(b Builder) string {
	if s, ok := b.(interface{ SQL() string }); ok {
		return s.SQL()
	}
	return ""
}

// PrepareUpsert accepts either an entity.MultiDelta (a partial {added,
// removed} change) or a plain []entity.Ref (a full-replacement write,
// spec.md §4.4 step 4 "or to delete only the removed subset when the
// value carries a {added, removed} delta" implies the default is a full
// replacement). The delete side runs as a before-query hook so the old
// association rows are gone before the after-query hook inserts the new
// ones; on a fresh insert parentID already names the row (ids are
// upstream-assigned, not auto-incremented), so the delete is simply a
// no-op there.
func (multiEntityStrategy) PrepareUpsert(field schema.Field, entityType string, op UpsertOp, value any) (UpsertPlan, error) {
	assocTable := schema.AssocTableName(entityType, field.Name)

	var toRemove, toAdd []entity.Ref
	switch v := value.(type) {
	case entity.MultiDelta:
		toRemove, toAdd = v.Removed, v.Added
	case []entity.Ref:
		toAdd = v
	default:
		return UpsertPlan{}, sgerr.NewClientFault(sgerr.CodeInvalidValues, fmt.Sprintf("field %s expects an add/remove delta or a reference list", field.Name))
	}
	_, fullReplacement := value.([]entity.Ref)

	return UpsertPlan{
		BeforeHooks: []Hook{
			func(ctx context.Context, tx Execer, parentID int64) error {
				if fullReplacement {
					_, err := tx.ExecContext(ctx, fmt.Sprintf(
						"DELETE FROM %s WHERE parent_id = ?", assocTable), parentID)
					return err
				}
				for _, r := range toRemove {
					if _, err := tx.ExecContext(ctx, fmt.Sprintf(
						"DELETE FROM %s WHERE parent_id = ? AND child_type = ? AND child_id = ?", assocTable),
						parentID, r.Type, r.ID); err != nil {
						return err
					}
				}
				return nil
			},
		},
		AfterHooks: []Hook{
			func(ctx context.Context, tx Execer, parentID int64) error {
				for _, r := range toAdd {
					if _, err := tx.ExecContext(ctx, fmt.Sprintf(
						"INSERT INTO %s (parent_id, child_type, child_id) VALUES (?, ?, ?)", assocTable),
						parentID, r.Type, r.ID); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}, nil
}
