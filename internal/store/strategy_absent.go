package store

import (
	"context"
	"fmt"

	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/sgerr"
)

// absentStrategy handles fields that never contribute a column: the
// absent marker kind (unrecognised upstream data_type) and the
// catch-all non-cacheable kinds (image, url, url_template, tag_list,
// serializable, pivot_table). Any query that touches one of these
// fields is not servable from the cache and must fall through to the
// upstream verbatim (spec.md §4.1, §9 "passthrough as control flow") —
// every method here returns sgerr.Passthrough rather than a client
// fault, since the field itself is valid, just uncacheable.
type absentStrategy struct {
	kind schema.FieldKind
}

func init() {
	for _, k := range []schema.FieldKind{
		schema.KindAbsent, schema.KindImage, schema.KindURL, schema.KindURLTemplate,
		schema.KindTagList, schema.KindSerializable, schema.KindPivotTable,
	} {
		registerStrategy(absentStrategy{kind: k})
	}
}

func (s absentStrategy) Kind() schema.FieldKind { return s.kind }
func (absentStrategy) IsCached() bool           { return false }

func (absentStrategy) MaterialiseColumns(context.Context, schema.Field, string, Materialiser) error {
	return nil
}

func (s absentStrategy) passthrough(field schema.Field) error {
	return sgerr.NewPassthrough("field %s has non-cacheable kind %s", field.Name, s.kind)
}

func (s absentStrategy) PrepareSelect(b Builder, field schema.Field, path []PathSegment) (Handle, error) {
	return nil, s.passthrough(field)
}

func (absentStrategy) Extract(Row, Handle) (any, bool) { return nil, false }

func (s absentStrategy) PrepareOrder(b Builder, field schema.Field, path []PathSegment) (string, error) {
	return "", s.passthrough(field)
}

func (s absentStrategy) PrepareFilter(b Builder, field schema.Field, path []PathSegment, rel Relation, values []any) error {
	return s.passthrough(field)
}

func (s absentStrategy) PrepareJoin(b Builder, field schema.Field, selfPath []PathSegment, nextType string) (Handle, error) {
	return nil, s.passthrough(field)
}

func (absentStrategy) CheckForJoin(Row, Handle) bool { return false }

func (s absentStrategy) PrepareDeepFilter(b Builder, field schema.Field, selfPath, rest []PathSegment, rel Relation, values []any, compile DeepCompiler) error {
	return s.passthrough(field)
}

func (s absentStrategy) PrepareUpsert(field schema.Field, entityType string, op UpsertOp, value any) (UpsertPlan, error) {
	if op == OpEvent {
		// Event-driven writes silently drop uncacheable fields instead of
		// failing the whole event (spec.md §4.6).
		return UpsertPlan{}, nil
	}
	return UpsertPlan{}, fmt.Errorf("store: cannot write non-cacheable field %s directly", field.Name)
}
