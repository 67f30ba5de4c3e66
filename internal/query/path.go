// Package query implements the query compiler of spec.md §4.3: turning a
// dotted field path plus a filter tree into SQL against the tables
// internal/store materialises, using the schema registry to resolve each
// hop's target entity type and internal/store's per-kind FieldStrategy
// to emit the SQL for that hop.
//
// Grounded on the teacher's internal/query package (lexer/parser/
// evaluator over a small filter DSL), generalised from its in-memory
// evaluator into a SQL compiler: the parsing shape (tokenize a dotted
// path, resolve segment by segment) carries over, the evaluation target
// does not.
package query

import (
	"fmt"
	"strings"

	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/sgerr"
	"github.com/vfxetc/sgcache/internal/store"
)

// ResolvePath walks a dotted field path from rootType through the schema
// registry, returning one store.PathSegment per hop. The grammar (spec.md
// §4.3) is `field | field.Type.field | field.Type.field.Type.field | …`:
// tokens alternate field name, explicit target type, field name, ... so a
// path always has an odd number of dot-separated tokens. Each entity or
// multi_entity hop must name the entity type it continues into explicitly
// (e.g. "entity.Shot.code", "task_assignees.HumanUser.id") rather than
// relying on the field's declared target types, since a polymorphic link
// may have more than one. The last segment is the leaf field itself.
func ResolvePath(reg *schema.Registry, rootType string, dotted string) ([]store.PathSegment, schema.Field, error) {
	parts := strings.Split(dotted, ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, schema.Field{}, sgerr.NewClientFault(sgerr.CodeUnknownField, "empty field path")
	}
	if len(parts)%2 == 0 {
		return nil, schema.Field{}, sgerr.NewClientFault(sgerr.CodeInvalidRelation,
			fmt.Sprintf("field path %q must alternate field.Type.field...; got an even number of segments", dotted))
	}

	curType := rootType
	segments := make([]store.PathSegment, 0, len(parts)/2+1)
	var leaf schema.Field

	for i := 0; i < len(parts); i += 2 {
		name := parts[i]
		et, ok := reg.EntityType(curType)
		if !ok {
			return nil, schema.Field{}, sgerr.NewClientFault(sgerr.CodeUnknownField, fmt.Sprintf("unknown entity type %q", curType))
		}
		f, ok := et.Field(name)
		if !ok {
			return nil, schema.Field{}, sgerr.NewClientFault(sgerr.CodeUnknownField, fmt.Sprintf("%s has no field %q", curType, name))
		}
		segments = append(segments, store.PathSegment{Type: curType, Field: name})
		if i == len(parts)-1 {
			leaf = f
			break
		}
		switch f.Kind {
		case schema.KindEntity, schema.KindMultiEntity:
			explicitType := parts[i+1]
			if !containsType(f.EntityTypes, explicitType) {
				return nil, schema.Field{}, sgerr.NewClientFault(sgerr.CodeInvalidRelation,
					fmt.Sprintf("%s.%s does not target entity type %q", curType, name, explicitType))
			}
			curType = explicitType
		default:
			return nil, schema.Field{}, sgerr.NewClientFault(sgerr.CodeInvalidRelation, fmt.Sprintf("%s.%s is not traversable", curType, name))
		}
	}
	return segments, leaf, nil
}

func containsType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}
