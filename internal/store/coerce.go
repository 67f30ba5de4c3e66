package store

import (
	"fmt"

	"github.com/vfxetc/sgcache/internal/entity"
	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/sgerr"
)

// coerceValue converts a JSON-decoded generic value (map[string]any,
// []any, or a scalar) into the Go type the field's strategy expects:
// entity.Ref for entity fields (wire shape {"type": "...", "id": N}) and
// entity.MultiDelta for multi_entity fields (wire shape {"added": [...],
// "removed": [...]}, each element itself a {"type","id"} pair). Scalar
// kinds pass through unchanged; the database driver handles the final
// Go-to-SQL conversion.
func coerceValue(field schema.Field, val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	switch field.Kind {
	case schema.KindEntity:
		m, ok := val.(map[string]any)
		if !ok {
			return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, fmt.Sprintf("field %s expects an entity reference object", field.Name))
		}
		return refFromMap(m)
	case schema.KindMultiEntity:
		// A plain list is a full-replacement write (entity.MultiDelta's doc
		// comment); a {added, removed} object is a partial delta.
		if list, ok := val.([]any); ok {
			refs := make([]entity.Ref, 0, len(list))
			for _, item := range list {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, fmt.Sprintf("field %s: malformed entity reference", field.Name))
				}
				r, err := refFromMap(m)
				if err != nil {
					return nil, err
				}
				refs = append(refs, r)
			}
			return refs, nil
		}
		m, ok := val.(map[string]any)
		if !ok {
			return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, fmt.Sprintf("field %s expects an {added, removed} delta or a plain reference list", field.Name))
		}
		delta := entity.MultiDelta{}
		if added, ok := m["added"].([]any); ok {
			for _, a := range added {
				am, ok := a.(map[string]any)
				if !ok {
					return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, fmt.Sprintf("field %s: malformed added entry", field.Name))
				}
				r, err := refFromMap(am)
				if err != nil {
					return nil, err
				}
				delta.Added = append(delta.Added, r)
			}
		}
		if removed, ok := m["removed"].([]any); ok {
			for _, a := range removed {
				am, ok := a.(map[string]any)
				if !ok {
					return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, fmt.Sprintf("field %s: malformed removed entry", field.Name))
				}
				r, err := refFromMap(am)
				if err != nil {
					return nil, err
				}
				delta.Removed = append(delta.Removed, r)
			}
		}
		return delta, nil
	default:
		return val, nil
	}
}

func refFromMap(m map[string]any) (entity.Ref, error) {
	t, _ := m["type"].(string)
	if t == "" {
		return entity.Ref{}, sgerr.NewClientFault(sgerr.CodeInvalidValues, "entity reference missing type")
	}
	var id int64
	switch v := m["id"].(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	default:
		return entity.Ref{}, sgerr.NewClientFault(sgerr.CodeInvalidValues, "entity reference missing id")
	}
	return entity.Ref{Type: t, ID: id}, nil
}
