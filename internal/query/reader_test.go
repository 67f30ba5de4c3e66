package query

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/store"
	"github.com/vfxetc/sgcache/internal/store/dialect"
)

// openTestReader materialises a sqlite-backed schema and write engine and
// returns a Reader over the same database, the way daemon.New wires
// store.Store and query.Reader against one connection.
func openTestReader(t *testing.T, reg *schema.Registry) (*Reader, *store.Store) {
	t.Helper()
	dlt, err := dialect.Get(dialect.SQLite)
	if err != nil {
		t.Fatalf("dialect.Get: %v", err)
	}
	sqlDB, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "query_test.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db := sqlx.NewDb(sqlDB, "sqlite3")

	sch := store.NewSchema(db, dlt, zerolog.Nop())
	if err := sch.Ensure(context.Background(), reg); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return NewReader(db, reg, dlt), store.NewStore(db, reg, dlt, zerolog.Nop())
}

func shotRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Parse(schema.Description{Types: []schema.TypeDescription{
		{Name: "Shot", Fields: []schema.NamedFieldSpec{
			{Name: "code", Spec: schema.FieldSpec{DataType: "text"}},
			{Name: "sg_status_list", Spec: schema.FieldSpec{DataType: "status_list"}},
		}},
	}})
	if err != nil {
		t.Fatalf("schema.Parse: %v", err)
	}
	return reg
}

func TestReaderReturnsRequestedFields(t *testing.T) {
	rd, wr := openTestReader(t, shotRegistry(t))
	ctx := context.Background()

	if _, err := wr.CreateOrUpdate(ctx, "Shot", 1, map[string]any{"code": "sh010"}, store.OpInsert); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	res, err := rd.Execute(ctx, ReadRequest{EntityType: "Shot", ReturnFields: []string{"code"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("len(Entities) = %d, want 1", len(res.Entities))
	}
	if res.Entities[0]["code"] != "sh010" {
		t.Fatalf("code = %v, want sh010", res.Entities[0]["code"])
	}
}

func TestReaderReturnOnlyRetired(t *testing.T) {
	rd, wr := openTestReader(t, shotRegistry(t))
	ctx := context.Background()

	if _, err := wr.CreateOrUpdate(ctx, "Shot", 1, map[string]any{"code": "sh010"}, store.OpInsert); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	if _, err := wr.Retire(ctx, "Shot", 1, store.ModeStrict); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	active, err := rd.Execute(ctx, ReadRequest{EntityType: "Shot", ReturnFields: []string{"code"}})
	if err != nil {
		t.Fatalf("Execute (active): %v", err)
	}
	if len(active.Entities) != 0 {
		t.Fatalf("active read after retire returned %d rows, want 0", len(active.Entities))
	}

	retired, err := rd.Execute(ctx, ReadRequest{EntityType: "Shot", ReturnFields: []string{"code"}, ReturnOnly: ReturnOnlyRetired})
	if err != nil {
		t.Fatalf("Execute (retired): %v", err)
	}
	if len(retired.Entities) != 1 {
		t.Fatalf("retired read returned %d rows, want 1", len(retired.Entities))
	}
}

func TestReaderPagingInfoEntityCount(t *testing.T) {
	rd, wr := openTestReader(t, shotRegistry(t))
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, err := wr.CreateOrUpdate(ctx, "Shot", i, map[string]any{"code": "sh0"}, store.OpInsert); err != nil {
			t.Fatalf("seed row %d: %v", i, err)
		}
	}

	// A page smaller than the full result set: entity_count reflects what
	// was actually seen, no "there may be more" signal.
	short, err := rd.Execute(ctx, ReadRequest{EntityType: "Shot", PageSize: 10})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if short.PagingInfo.EntityCount != 3 {
		t.Fatalf("EntityCount = %d, want 3", short.PagingInfo.EntityCount)
	}

	// A page exactly as full as the page size signals "there may be
	// more" by reporting beyond what was actually returned, without
	// running a COUNT(*) (spec.md §4.5 "read").
	full, err := rd.Execute(ctx, ReadRequest{EntityType: "Shot", PageSize: 3})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if full.PagingInfo.EntityCount <= 3 {
		t.Fatalf("EntityCount = %d, want > 3 once the page is exactly full", full.PagingInfo.EntityCount)
	}
}

func TestReaderIsFilterCaseInsensitive(t *testing.T) {
	rd, wr := openTestReader(t, shotRegistry(t))
	ctx := context.Background()

	if _, err := wr.CreateOrUpdate(ctx, "Shot", 1, map[string]any{
		"code": "sh010", "sg_status_list": "IP",
	}, store.OpInsert); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	res, err := rd.Execute(ctx, ReadRequest{
		EntityType:   "Shot",
		ReturnFields: []string{"code"},
		Filter: Filter{Conditions: []Condition{
			{Path: "sg_status_list", Rel: store.RelIs, Values: []any{"ip"}},
		}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("case-insensitive is-filter matched %d rows, want 1", len(res.Entities))
	}
}

func TestReaderContainsFilterEscapesLiteralPercent(t *testing.T) {
	rd, wr := openTestReader(t, shotRegistry(t))
	ctx := context.Background()

	if _, err := wr.CreateOrUpdate(ctx, "Shot", 1, map[string]any{"code": "50% done"}, store.OpInsert); err != nil {
		t.Fatalf("seed row 1: %v", err)
	}
	if _, err := wr.CreateOrUpdate(ctx, "Shot", 2, map[string]any{"code": "50000 done"}, store.OpInsert); err != nil {
		t.Fatalf("seed row 2: %v", err)
	}

	res, err := rd.Execute(ctx, ReadRequest{
		EntityType:   "Shot",
		ReturnFields: []string{"code"},
		Filter: Filter{Conditions: []Condition{
			{Path: "code", Rel: store.RelContains, Values: []any{"%"}},
		}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("contains('%%') matched %d rows, want exactly the literal-percent row", len(res.Entities))
	}
	if res.Entities[0]["code"] != "50% done" {
		t.Fatalf("matched row = %v, want the literal-percent row", res.Entities[0])
	}
}
