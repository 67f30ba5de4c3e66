// Package schema parses the user-defined entity/field description and
// owns the read-only entity-type/field registry (spec.md §4.1).
package schema

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FieldKind is the closed set of data kinds a field can declare
// (spec.md §3.1).
type FieldKind string

const (
	KindCheckbox     FieldKind = "checkbox"
	KindNumber       FieldKind = "number" // id is the distinguished primary-key form
	KindFloat        FieldKind = "float"
	KindText         FieldKind = "text"
	KindEntityType   FieldKind = "entity_type"
	KindColor        FieldKind = "color"
	KindList         FieldKind = "list"
	KindStatusList   FieldKind = "status_list"
	KindUUID         FieldKind = "uuid"
	KindDate         FieldKind = "date"
	KindDateTime     FieldKind = "date_time"
	KindDuration     FieldKind = "duration"
	KindPercent      FieldKind = "percent"
	KindTimecode     FieldKind = "timecode"
	KindEntity       FieldKind = "entity"
	KindMultiEntity  FieldKind = "multi_entity"
	KindAbsent       FieldKind = "absent"
	KindImage        FieldKind = "image"
	KindURL          FieldKind = "url"
	KindURLTemplate  FieldKind = "url_template"
	KindTagList      FieldKind = "tag_list"
	KindSerializable FieldKind = "serializable"
	KindPivotTable   FieldKind = "pivot_table"
)

// textShaped is the set of kinds stored identically to text.
var textShaped = map[FieldKind]bool{
	KindText: true, KindEntityType: true, KindColor: true, KindList: true,
	KindStatusList: true, KindUUID: true, KindDate: true, KindDateTime: true,
}

// numberShaped is the set of kinds stored identically to an integer.
var numberShaped = map[FieldKind]bool{
	KindNumber: true, KindDuration: true, KindPercent: true, KindTimecode: true,
}

// nonCacheable is the catch-all kind set that contributes no columns.
var nonCacheable = map[FieldKind]bool{
	KindImage: true, KindURL: true, KindURLTemplate: true,
	KindTagList: true, KindSerializable: true, KindPivotTable: true,
}

// IsTextShaped reports whether k is stored as a text column.
func (k FieldKind) IsTextShaped() bool { return textShaped[k] }

// IsNumberShaped reports whether k is stored as an integer column.
func (k FieldKind) IsNumberShaped() bool { return numberShaped[k] }

// IsNonCacheable reports whether k is one of the catch-all kinds that are
// never stored (spec.md §3.1).
func (k FieldKind) IsNonCacheable() bool { return nonCacheable[k] }

// Field describes one field of one entity type.
type Field struct {
	Name        string
	Kind        FieldKind
	EntityTypes []string // non-empty for entity/multi_entity, declared target types
}

// IsCached reports whether this field participates in storage and query
// (spec.md §4.1): false for absent and non-cacheable kinds.
func (f Field) IsCached() bool {
	return f.Kind != KindAbsent && !f.Kind.IsNonCacheable()
}

// EntityType is a named kind holding an ordered set of fields, plus the
// four implicit bookkeeping fields every type carries (spec.md §3.1).
type EntityType struct {
	Name       string
	fields     map[string]Field
	fieldOrder []string
}

// Fields returns the user-declared fields in declaration order (the
// implicit bookkeeping fields are not included; they are universal and
// handled directly by the storage layer).
func (e *EntityType) Fields() []Field {
	out := make([]Field, 0, len(e.fieldOrder))
	for _, name := range e.fieldOrder {
		if name == "id" {
			continue
		}
		out = append(out, e.fields[name])
	}
	return out
}

// Field looks up one field by name, returning (field, true) if declared.
func (e *EntityType) Field(name string) (Field, bool) {
	f, ok := e.fields[name]
	return f, ok
}

// FieldSpec is the raw, user-facing shape of one field declaration: either
// a bare data-kind string, or a record naming data_type and (for
// entity/multi_entity) entity_types.
type FieldSpec struct {
	DataType    string   `yaml:"data_type" json:"data_type" toml:"data_type"`
	EntityTypes []string `yaml:"entity_types" json:"entity_types" toml:"entity_types"`
}

// Description is the raw input to Parse: a mapping from entity-type name
// to an ordered mapping from field name to field spec. Types and each
// TypeDescription's Fields are slices so they preserve declaration order,
// which Go's map type cannot.
type Description struct {
	// Types preserves entity-type declaration order.
	Types []TypeDescription
}

// TypeDescription is one entity type's field declarations in order.
type TypeDescription struct {
	Name   string
	Fields []NamedFieldSpec
}

// NamedFieldSpec pairs a field name with its spec, preserving order.
type NamedFieldSpec struct {
	Name string
	Spec FieldSpec
}

// Registry is the read-only entity-type/field registry built by Parse.
type Registry struct {
	types map[string]*EntityType
	order []string
}

// EntityType returns the named entity type, or (nil, false) if undeclared.
func (r *Registry) EntityType(name string) (*EntityType, bool) {
	t, ok := r.types[name]
	return t, ok
}

// TypeNames returns all declared entity-type names in declaration order.
func (r *Registry) TypeNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// FieldRef names one cached field of one entity type.
type FieldRef struct {
	Type  string
	Field string
}

// FieldsOfKind returns every field across all entity types whose kind is
// k (the implicit id included when k is KindNumber), in entity-type
// declaration order then field declaration order. Nothing else in this
// module calls it.
func (r *Registry) FieldsOfKind(k FieldKind) []FieldRef {
	var out []FieldRef
	for _, tname := range r.order {
		t := r.types[tname]
		for _, fname := range t.fieldOrder {
			f := t.fields[fname]
			if f.Kind == k {
				out = append(out, FieldRef{Type: tname, Field: fname})
			}
		}
	}
	return out
}

// ParseError reports a fatal schema-construction failure (spec.md §4.1:
// "missing target types for entity-like fields → fatal at construction").
type ParseError struct {
	Type, Field, Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: type %q: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("schema: %s.%s: %s", e.Type, e.Field, e.Reason)
}

// knownKinds is the closed set of data_type strings Parse recognises.
var knownKinds = map[string]FieldKind{
	"checkbox": KindCheckbox, "number": KindNumber, "float": KindFloat,
	"text": KindText, "entity_type": KindEntityType, "color": KindColor,
	"list": KindList, "status_list": KindStatusList, "uuid": KindUUID,
	"date": KindDate, "date_time": KindDateTime, "duration": KindDuration,
	"percent": KindPercent, "timecode": KindTimecode, "entity": KindEntity,
	"multi_entity": KindMultiEntity, "absent": KindAbsent, "image": KindImage,
	"url": KindURL, "url_template": KindURLTemplate, "tag_list": KindTagList,
	"serializable": KindSerializable, "pivot_table": KindPivotTable,
}

// Parse validates a Description and builds the registry. Every field must
// resolve to a known kind (unknown kinds become a KindAbsent marker rather
// than failing, so unknown future kinds pass through gracefully); every
// entity/multi_entity field must declare a non-empty target-type list,
// which is fatal if missing.
func Parse(desc Description) (*Registry, error) {
	reg := &Registry{types: make(map[string]*EntityType, len(desc.Types))}
	for _, td := range desc.Types {
		if td.Name == "" {
			return nil, &ParseError{Reason: "entity type has empty name"}
		}
		et := &EntityType{Name: td.Name, fields: make(map[string]Field, len(td.Fields)+1)}

		et.fields["id"] = Field{Name: "id", Kind: KindNumber}
		et.fieldOrder = append(et.fieldOrder, "id")

		for _, nf := range td.Fields {
			if nf.Name == "" {
				return nil, &ParseError{Type: td.Name, Reason: "field has empty name"}
			}
			if nf.Name == "id" {
				continue // id is always the implicit number primary key
			}
			kind, ok := knownKinds[nf.Spec.DataType]
			if !ok {
				// Unknown kind: construct a non_cacheable-shaped absent
				// marker instead of failing, so future upstream field
				// kinds pass through gracefully (spec.md §4.1).
				kind = KindAbsent
			}
			f := Field{Name: nf.Name, Kind: kind}
			if kind == KindEntity || kind == KindMultiEntity {
				if len(nf.Spec.EntityTypes) == 0 {
					return nil, &ParseError{Type: td.Name, Field: nf.Name,
						Reason: "entity/multi_entity field must declare a non-empty entity_types list"}
				}
				f.EntityTypes = append([]string(nil), nf.Spec.EntityTypes...)
			}
			if _, dup := et.fields[nf.Name]; dup {
				return nil, &ParseError{Type: td.Name, Field: nf.Name, Reason: "field declared twice"}
			}
			et.fields[nf.Name] = f
			et.fieldOrder = append(et.fieldOrder, nf.Name)
		}
		if _, dup := reg.types[td.Name]; dup {
			return nil, &ParseError{Type: td.Name, Reason: "entity type declared twice"}
		}
		reg.types[td.Name] = et
		reg.order = append(reg.order, td.Name)
	}
	return reg, nil
}

// TableName is the lower-cased physical table name for an entity type
// (spec.md §3.2).
func TableName(entityType string) string {
	return strings.ToLower(entityType)
}

// AssocTableName is the physical association-table name for a
// multi-entity field F of entity type E (spec.md §3.2: "{E}_{F}").
func AssocTableName(entityType, fieldName string) string {
	return fmt.Sprintf("%s_%s", strings.ToLower(entityType), fieldName)
}

// extOf returns path's lower-cased extension without the dot, used to pick
// yaml vs toml.
func extOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
