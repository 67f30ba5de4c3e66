package schema

import "testing"

func desc(types ...TypeDescription) Description {
	return Description{Types: types}
}

func field(name, dataType string, entityTypes ...string) NamedFieldSpec {
	return NamedFieldSpec{Name: name, Spec: FieldSpec{DataType: dataType, EntityTypes: entityTypes}}
}

func TestParseBuildsRegistryInDeclarationOrder(t *testing.T) {
	reg, err := Parse(desc(
		TypeDescription{Name: "Shot", Fields: []NamedFieldSpec{
			field("code", "text"),
			field("sg_sequence", "entity", "Sequence"),
		}},
		TypeDescription{Name: "Sequence", Fields: []NamedFieldSpec{
			field("code", "text"),
		}},
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := reg.TypeNames(); len(got) != 2 || got[0] != "Shot" || got[1] != "Sequence" {
		t.Fatalf("TypeNames = %v, want [Shot Sequence] in order", got)
	}

	shot, ok := reg.EntityType("Shot")
	if !ok {
		t.Fatal("Shot not found")
	}
	if _, ok := shot.Field("id"); !ok {
		t.Fatal("implicit id field missing")
	}
	seq, ok := shot.Field("sg_sequence")
	if !ok || seq.Kind != KindEntity || len(seq.EntityTypes) != 1 || seq.EntityTypes[0] != "Sequence" {
		t.Fatalf("sg_sequence field = %+v", seq)
	}
}

func TestParseRejectsEntityFieldWithoutEntityTypes(t *testing.T) {
	_, err := Parse(desc(TypeDescription{Name: "Shot", Fields: []NamedFieldSpec{
		field("sg_sequence", "entity"),
	}}))
	var perr *ParseError
	if err == nil {
		t.Fatal("expected ParseError for missing entity_types")
	}
	if !asParseError(err, &perr) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
}

func TestParseRejectsDuplicateFieldAndType(t *testing.T) {
	_, err := Parse(desc(TypeDescription{Name: "Shot", Fields: []NamedFieldSpec{
		field("code", "text"), field("code", "text"),
	}}))
	if err == nil {
		t.Fatal("expected error for duplicate field")
	}

	_, err = Parse(desc(
		TypeDescription{Name: "Shot"},
		TypeDescription{Name: "Shot"},
	))
	if err == nil {
		t.Fatal("expected error for duplicate entity type")
	}
}

func TestParseUnknownKindBecomesAbsent(t *testing.T) {
	reg, err := Parse(desc(TypeDescription{Name: "Shot", Fields: []NamedFieldSpec{
		field("some_future_kind", "quantum_entanglement"),
	}}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	et, _ := reg.EntityType("Shot")
	f, ok := et.Field("some_future_kind")
	if !ok || f.Kind != KindAbsent {
		t.Fatalf("expected absent-kind fallback, got %+v", f)
	}
	if f.IsCached() {
		t.Fatal("absent field must not be cached")
	}
}

func TestFieldIsCached(t *testing.T) {
	cases := []struct {
		kind   FieldKind
		cached bool
	}{
		{KindText, true},
		{KindEntity, true},
		{KindMultiEntity, true},
		{KindAbsent, false},
		{KindImage, false},
		{KindURL, false},
		{KindSerializable, false},
	}
	for _, c := range cases {
		f := Field{Name: "f", Kind: c.kind}
		if got := f.IsCached(); got != c.cached {
			t.Errorf("Field{Kind: %s}.IsCached() = %v, want %v", c.kind, got, c.cached)
		}
	}
}

func TestFieldsOfKind(t *testing.T) {
	reg, err := Parse(desc(
		TypeDescription{Name: "Shot", Fields: []NamedFieldSpec{
			field("code", "text"),
			field("cut_in", "number"),
		}},
		TypeDescription{Name: "Sequence", Fields: []NamedFieldSpec{
			field("code", "text"),
		}},
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	refs := reg.FieldsOfKind(KindText)
	if len(refs) != 2 {
		t.Fatalf("FieldsOfKind(text) = %v, want 2 entries", refs)
	}
	if refs[0].Type != "Shot" || refs[0].Field != "code" {
		t.Fatalf("unexpected first ref: %+v", refs[0])
	}
}

func TestTableName(t *testing.T) {
	if got := TableName("Shot"); got != "shot" {
		t.Fatalf("TableName(Shot) = %q, want %q", got, "shot")
	}
	if got := TableName("HumanUser"); got != "humanuser" {
		t.Fatalf("TableName(HumanUser) = %q, want %q", got, "humanuser")
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}
