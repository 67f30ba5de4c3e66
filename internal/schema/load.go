package schema

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// rawFieldSpec mirrors FieldSpec but also accepts the bare-string form
// ("checkbox" instead of {data_type: checkbox}) that spec.md §4.1 allows.
type rawFieldSpec struct {
	asString string
	asRecord FieldSpec
	isString bool
}

func (r *rawFieldSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.isString = true
		return node.Decode(&r.asString)
	}
	return node.Decode(&r.asRecord)
}

// parseYAMLDoc reads the on-disk shape: an ordered mapping of type name to
// an ordered mapping of field name to spec. yaml.Node preserves key order;
// a plain map does not.
func parseYAMLDoc(root *yaml.Node) (Description, error) {
	var desc Description
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return desc, fmt.Errorf("schema: empty document")
		}
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return desc, fmt.Errorf("schema: root must be a mapping of entity type to fields")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		typeNode, fieldsNode := root.Content[i], root.Content[i+1]
		var typeName string
		if err := typeNode.Decode(&typeName); err != nil {
			return desc, fmt.Errorf("schema: decoding type name: %w", err)
		}
		td := TypeDescription{Name: typeName}
		if fieldsNode.Kind != yaml.MappingNode {
			return desc, fmt.Errorf("schema: %s: fields must be a mapping", typeName)
		}
		for j := 0; j+1 < len(fieldsNode.Content); j += 2 {
			fieldNameNode, specNode := fieldsNode.Content[j], fieldsNode.Content[j+1]
			var fieldName string
			if err := fieldNameNode.Decode(&fieldName); err != nil {
				return desc, fmt.Errorf("schema: %s: decoding field name: %w", typeName, err)
			}
			var raw rawFieldSpec
			if err := raw.UnmarshalYAML(specNode); err != nil {
				return desc, fmt.Errorf("schema: %s.%s: %w", typeName, fieldName, err)
			}
			spec := raw.asRecord
			if raw.isString {
				spec = FieldSpec{DataType: raw.asString}
			}
			td.Fields = append(td.Fields, NamedFieldSpec{Name: fieldName, Spec: spec})
		}
		desc.Types = append(desc.Types, td)
	}
	return desc, nil
}

// LoadYAML parses a YAML schema description (gopkg.in/yaml.v3) and builds
// the registry.
func LoadYAML(data []byte) (*Registry, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("schema: invalid yaml: %w", err)
	}
	desc, err := parseYAMLDoc(&root)
	if err != nil {
		return nil, err
	}
	return Parse(desc)
}

// LoadTOML parses a TOML schema description (github.com/BurntSushi/toml).
// BurntSushi/toml does not preserve table/key order through a generic map,
// so field order within a TOML-described type is declaration order of the
// decoded map, which Go does not guarantee; callers that need deterministic
// field order should prefer the YAML form.
// Each top-level table is one entity type; each key within it is one
// field, given either as a bare string or as {data_type=..., entity_types=[...]}.
func LoadTOML(data []byte) (*Registry, error) {
	var raw map[string]map[string]interface{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("schema: invalid toml: %w", err)
	}
	var desc Description
	for typeName, fields := range raw {
		td := TypeDescription{Name: typeName}
		for fieldName, v := range fields {
			spec, err := tomlFieldSpec(v)
			if err != nil {
				return nil, fmt.Errorf("schema: %s.%s: %w", typeName, fieldName, err)
			}
			td.Fields = append(td.Fields, NamedFieldSpec{Name: fieldName, Spec: spec})
		}
		desc.Types = append(desc.Types, td)
	}
	return Parse(desc)
}

func tomlFieldSpec(v interface{}) (FieldSpec, error) {
	switch val := v.(type) {
	case string:
		return FieldSpec{DataType: val}, nil
	case map[string]interface{}:
		spec := FieldSpec{}
		if dt, ok := val["data_type"].(string); ok {
			spec.DataType = dt
		}
		if ets, ok := val["entity_types"].([]interface{}); ok {
			for _, e := range ets {
				if s, ok := e.(string); ok {
					spec.EntityTypes = append(spec.EntityTypes, s)
				}
			}
		}
		return spec, nil
	default:
		return FieldSpec{}, fmt.Errorf("field spec must be a string or table")
	}
}

// Load reads a schema description file, dispatching on extension
// (".yaml"/".yml" or ".toml") per SPEC_FULL.md §1.3.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: reading %s: %w", path, err)
	}
	switch extOf(path) {
	case "yaml", "yml":
		return LoadYAML(data)
	case "toml":
		return LoadTOML(data)
	default:
		return nil, fmt.Errorf("schema: unrecognised schema file extension %q", path)
	}
}
