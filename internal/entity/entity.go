// Package entity defines the wire-shaped value types the storage schema,
// query compiler and write engine pass between each other: references,
// records, and multi-entity deltas (spec.md §3.1, §4.4).
package entity

// Ref is a typed pointer (type_name, id) to one row (spec.md §3.1).
type Ref struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// MultiDelta is the {added, removed} shape a change event carries for a
// multi-entity field (spec.md §4.4 step 4, §4.6 "Change"). A nil Removed
// with non-nil Added (or vice versa) is a legal partial delta; a
// full-replacement write instead supplies a plain []Ref value.
type MultiDelta struct {
	Added   []Ref
	Removed []Ref
}

// Record is one entity's field values keyed by field name, in the shape
// the write engine consumes: entity/multi_entity values are Ref / []Ref /
// MultiDelta, everything else is a Go scalar (bool, int64, float64,
// string). "id" may be present (update / explicit insert id) or absent
// (fresh insert).
type Record map[string]any

// Result is the write engine's result shape (spec.md §4.4 step 7).
type Result struct {
	Type         string
	ID           int64
	EntityExists bool
}
