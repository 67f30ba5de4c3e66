package query

import (
	"encoding/json"

	"github.com/vfxetc/sgcache/internal/store"
)

// Filter is the recursive filter-tree shape a read request carries
// (spec.md §4.3, §6.1): a logical combinator over leaf Conditions, or a
// single Condition. On the wire, `conditions` is one array holding both
// shapes interleaved — a leaf is `{path, relation, values}`, a nested
// node is `{logical_operator, conditions}` — so Filter implements its own
// MarshalJSON/UnmarshalJSON to split/recombine that array into the
// Conditions/Sub fields Go code works with directly.
type Filter struct {
	Op         LogicalOp   // "and" or "or"; zero value treated as "and"
	Conditions []Condition // leaf predicates directly under this node
	Sub        []Filter    // nested sub-filters under the same Op
}

// LogicalOp is how a Filter's children combine.
type LogicalOp string

const (
	OpAnd LogicalOp = "and"
	OpOr  LogicalOp = "or"
)

// Condition is one leaf predicate: a dotted field path, a relation, and
// its operand values.
type Condition struct {
	Path   string         `json:"path"`
	Rel    store.Relation `json:"relation"`
	Values []any          `json:"values"`
}

// IsEmpty reports whether f carries no predicates at all.
func (f Filter) IsEmpty() bool { return len(f.Conditions) == 0 && len(f.Sub) == 0 }

// wireFilter is Filter's on-the-wire shape (spec.md §6.1): one
// "conditions" array holding leaf and nested-node items side by side.
type wireFilter struct {
	Op         LogicalOp         `json:"logical_operator"`
	Conditions []json.RawMessage `json:"conditions"`
}

// MarshalJSON interleaves Conditions and Sub back into one "conditions"
// array, matching the wire shape this type was decoded from.
func (f Filter) MarshalJSON() ([]byte, error) {
	op := f.Op
	if op == "" {
		op = OpAnd
	}
	items := make([]json.RawMessage, 0, len(f.Conditions)+len(f.Sub))
	for _, c := range f.Conditions {
		b, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	for _, s := range f.Sub {
		b, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return json.Marshal(wireFilter{Op: op, Conditions: items})
}

// UnmarshalJSON splits the wire "conditions" array into Conditions (items
// carrying a "path") and Sub (items carrying their own nested
// "logical_operator"/"conditions").
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw wireFilter
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Op = raw.Op
	f.Conditions = nil
	f.Sub = nil
	for _, item := range raw.Conditions {
		var probe struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(item, &probe); err != nil {
			return err
		}
		if probe.Path != "" {
			var c Condition
			if err := json.Unmarshal(item, &c); err != nil {
				return err
			}
			f.Conditions = append(f.Conditions, c)
			continue
		}
		var sub Filter
		if err := json.Unmarshal(item, &sub); err != nil {
			return err
		}
		f.Sub = append(f.Sub, sub)
	}
	return nil
}
