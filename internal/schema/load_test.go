package schema

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLPreservesFieldOrderAndBareStrings(t *testing.T) {
	reg, err := LoadYAML([]byte(`
Shot:
  code: text
  sg_sequence:
    data_type: entity
    entity_types: [Sequence]
Sequence:
  code: text
`))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}

	if got := reg.TypeNames(); len(got) != 2 || got[0] != "Shot" || got[1] != "Sequence" {
		t.Fatalf("TypeNames = %v, want [Shot Sequence]", got)
	}
	shot, _ := reg.EntityType("Shot")
	fields := shot.Fields()
	if len(fields) != 2 || fields[0].Name != "code" || fields[1].Name != "sg_sequence" {
		t.Fatalf("field order = %+v", fields)
	}
	if fields[1].Kind != KindEntity || len(fields[1].EntityTypes) != 1 || fields[1].EntityTypes[0] != "Sequence" {
		t.Fatalf("sg_sequence field = %+v", fields[1])
	}
}

func TestLoadYAMLRejectsMissingEntityTypes(t *testing.T) {
	_, err := LoadYAML([]byte(`
Shot:
  sg_sequence: entity
`))
	if err == nil {
		t.Fatal("expected error: entity field with no entity_types")
	}
}

func TestLoadTOMLBareAndRecordForms(t *testing.T) {
	reg, err := LoadTOML([]byte(`
[Shot]
code = "text"
[Shot.sg_sequence]
data_type = "entity"
entity_types = ["Sequence"]
`))
	if err != nil {
		t.Fatalf("LoadTOML: %v", err)
	}
	shot, ok := reg.EntityType("Shot")
	if !ok {
		t.Fatal("Shot not found")
	}
	code, ok := shot.Field("code")
	if !ok || code.Kind != KindText {
		t.Fatalf("code field = %+v", code)
	}
	seq, ok := shot.Field("sg_sequence")
	if !ok || seq.Kind != KindEntity || len(seq.EntityTypes) != 1 || seq.EntityTypes[0] != "Sequence" {
		t.Fatalf("sg_sequence field = %+v", seq)
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.ini")
	if err := os.WriteFile(path, []byte("Shot:\n  code: text\n"), 0o644); err != nil {
		t.Fatalf("write schema file: %v", err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unsupported schema extension")
	}
}
