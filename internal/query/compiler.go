package query

import (
	"fmt"

	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/sgerr"
	"github.com/vfxetc/sgcache/internal/store"
)

// CompileFilter recursively compiles a Filter tree into b's WHERE
// clause. AND nodes commit their children's conditions straight to b
// (FieldStrategy.PrepareFilter already ANDs by calling b.AddWhere); OR
// nodes use Builder.BeginCapture/EndCapture to combine their children's
// fragments with OR before committing a single fragment.
func CompileFilter(b *Builder, reg *schema.Registry, rootType string, f Filter) error {
	if f.IsEmpty() {
		return nil
	}
	op := f.Op
	if op == "" {
		op = OpAnd
	}
	if op == OpAnd {
		for _, c := range f.Conditions {
			if err := compileTopCondition(b, reg, rootType, c); err != nil {
				return err
			}
		}
		for _, sub := range f.Sub {
			if err := CompileFilter(b, reg, rootType, sub); err != nil {
				return err
			}
		}
		return nil
	}

	// OR: capture every child's fragment independently, then combine.
	b.BeginCapture()
	for _, c := range f.Conditions {
		b.BeginCapture()
		if err := compileTopCondition(b, reg, rootType, c); err != nil {
			return err
		}
		frag, args := b.EndCapture("AND")
		b.captures[len(b.captures)-1] = append(b.captures[len(b.captures)-1], capturedWhere{fragment: frag, args: args})
	}
	for _, sub := range f.Sub {
		b.BeginCapture()
		if err := CompileFilter(b, reg, rootType, sub); err != nil {
			return err
		}
		frag, args := b.EndCapture("AND")
		b.captures[len(b.captures)-1] = append(b.captures[len(b.captures)-1], capturedWhere{fragment: frag, args: args})
	}
	frag, args := b.EndCapture("OR")
	b.AddWhere(frag, args...)
	return nil
}

func compileTopCondition(b *Builder, reg *schema.Registry, rootType string, c Condition) error {
	segments, _, err := ResolvePath(reg, rootType, c.Path)
	if err != nil {
		return err
	}
	return compileSegments(b, reg, segments, c.Rel, c.Values)
}

// compileSegments walks segments (the first segment's Type is the entity
// type b's FROM/correlation targets), preparing a join or EXISTS subquery
// for every intermediate hop and a leaf filter for the final one. It is
// also the DeepCompiler package query hands to multi_entity's
// PrepareDeepFilter, so the same logic handles both a top-level path and
// the remainder of a path inside a deep-filter subquery.
func compileSegments(b store.Builder, reg *schema.Registry, segments []store.PathSegment, rel store.Relation, values []any) error {
	if len(segments) == 0 {
		return sgerr.NewClientFault(sgerr.CodeUnknownField, "empty field path")
	}
	for i := 0; i < len(segments)-1; i++ {
		seg := segments[i]
		et, ok := reg.EntityType(seg.Type)
		if !ok {
			return sgerr.NewClientFault(sgerr.CodeUnknownField, fmt.Sprintf("unknown entity type %q", seg.Type))
		}
		field, ok := et.Field(seg.Field)
		if !ok {
			return sgerr.NewClientFault(sgerr.CodeUnknownField, fmt.Sprintf("%s has no field %q", seg.Type, seg.Field))
		}
		strat, ok := store.StrategyFor(field.Kind)
		if !ok {
			return fmt.Errorf("query: no strategy for field kind %s", field.Kind)
		}
		nextType := segments[i+1].Type

		if field.Kind == schema.KindMultiEntity {
			rest := segments[i+1:]
			return strat.PrepareDeepFilter(b, field, segments[:i+1], rest, rel, values, func(sb store.Builder, targetType string, rest []store.PathSegment, rel store.Relation, values []any) error {
				return compileSegments(sb, reg, rest, rel, values)
			})
		}
		if _, err := strat.PrepareJoin(b, field, segments[:i+1], nextType); err != nil {
			return err
		}
	}

	leaf := segments[len(segments)-1]
	et, ok := reg.EntityType(leaf.Type)
	if !ok {
		return sgerr.NewClientFault(sgerr.CodeUnknownField, fmt.Sprintf("unknown entity type %q", leaf.Type))
	}
	field, ok := et.Field(leaf.Field)
	if !ok {
		return sgerr.NewClientFault(sgerr.CodeUnknownField, fmt.Sprintf("%s has no field %q", leaf.Type, leaf.Field))
	}
	strat, ok := store.StrategyFor(field.Kind)
	if !ok {
		return fmt.Errorf("query: no strategy for field kind %s", field.Kind)
	}
	return strat.PrepareFilter(b, field, segments, rel, values)
}
