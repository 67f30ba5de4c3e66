package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/sgerr"
	"github.com/vfxetc/sgcache/internal/store/dialect"
	"github.com/vfxetc/sgcache/internal/store/migrate"
)

// openTestStore materialises a fresh sqlite-backed Store for reg, the way
// daemon.New does at startup, so write-engine tests exercise the same
// DDL/strategy path the running daemon does.
func openTestStore(t *testing.T, reg *schema.Registry) (*Store, *sqlx.DB, dialect.Dialect) {
	t.Helper()
	dlt, err := dialect.Get(dialect.SQLite)
	if err != nil {
		t.Fatalf("dialect.Get: %v", err)
	}
	sqlDB, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "store_test.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	if err := migrate.Up(sqlDB, "sqlite3"); err != nil {
		t.Fatalf("migrate.Up: %v", err)
	}
	db := sqlx.NewDb(sqlDB, "sqlite3")

	sch := NewSchema(db, dlt, zerolog.Nop())
	if err := sch.Ensure(context.Background(), reg); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return NewStore(db, reg, dlt, zerolog.Nop()), db, dlt
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Parse(schema.Description{Types: []schema.TypeDescription{
		{Name: "Shot", Fields: []schema.NamedFieldSpec{
			{Name: "code", Spec: schema.FieldSpec{DataType: "text"}},
			{Name: "sg_sequence", Spec: schema.FieldSpec{DataType: "entity", EntityTypes: []string{"Sequence"}}},
			{Name: "tasks", Spec: schema.FieldSpec{DataType: "multi_entity", EntityTypes: []string{"Task"}}},
		}},
		{Name: "Sequence", Fields: []schema.NamedFieldSpec{
			{Name: "code", Spec: schema.FieldSpec{DataType: "text"}},
		}},
		{Name: "Task", Fields: []schema.NamedFieldSpec{
			{Name: "content", Spec: schema.FieldSpec{DataType: "text"}},
		}},
	}})
	if err != nil {
		t.Fatalf("schema.Parse: %v", err)
	}
	return reg
}

func TestCreateOrUpdateInsertsThenUpdates(t *testing.T) {
	st, _, _ := openTestStore(t, testRegistry(t))
	ctx := context.Background()

	res, err := st.CreateOrUpdate(ctx, "Shot", 1, map[string]any{"code": "sh010"}, OpInsert)
	if err != nil {
		t.Fatalf("CreateOrUpdate insert: %v", err)
	}
	if res.Type != "Shot" || res.ID != 1 || !res.EntityExists {
		t.Fatalf("unexpected result: %+v", res)
	}

	exists, err := st.RowExists(ctx, "Shot", 1)
	if err != nil || !exists {
		t.Fatalf("RowExists = %v, %v, want true, nil", exists, err)
	}

	if _, err := st.CreateOrUpdate(ctx, "Shot", 1, map[string]any{"code": "sh020"}, OpUpdate); err != nil {
		t.Fatalf("CreateOrUpdate update: %v", err)
	}
}

func TestCreateOrUpdateBookkeepingPassthrough(t *testing.T) {
	st, _, _ := openTestStore(t, testRegistry(t))
	ctx := context.Background()

	if _, err := st.CreateOrUpdate(ctx, "Shot", 1, map[string]any{
		"code":                "sh010",
		"_active":             false,
		"_last_log_event_id":  int64(42),
	}, OpEvent); err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}

	var active bool
	var lastID sql.NullInt64
	if err := st.db.Get(&active, `SELECT _active FROM shot WHERE id = 1`); err != nil {
		t.Fatalf("reading _active: %v", err)
	}
	if active {
		t.Fatal("_active passthrough was not honoured, row still active")
	}
	if err := st.db.Get(&lastID, `SELECT _last_log_event_id FROM shot WHERE id = 1`); err != nil {
		t.Fatalf("reading _last_log_event_id: %v", err)
	}
	if !lastID.Valid || lastID.Int64 != 42 {
		t.Fatalf("_last_log_event_id = %+v, want 42", lastID)
	}
}

func TestCreateOrUpdateEntityReference(t *testing.T) {
	st, _, _ := openTestStore(t, testRegistry(t))
	ctx := context.Background()

	if _, err := st.CreateOrUpdate(ctx, "Shot", 1, map[string]any{
		"code":        "sh010",
		"sg_sequence": map[string]any{"type": "Sequence", "id": float64(7)},
	}, OpInsert); err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}

	var typeCol string
	var idCol int64
	if err := st.db.QueryRow(`SELECT "sg_sequence__type", "sg_sequence__id" FROM shot WHERE id = 1`).Scan(&typeCol, &idCol); err != nil {
		t.Fatalf("reading entity-ref columns: %v", err)
	}
	if typeCol != "Sequence" || idCol != 7 {
		t.Fatalf("sg_sequence ref = (%q, %d), want (Sequence, 7)", typeCol, idCol)
	}
}

func TestCreateOrUpdateMultiEntityFullReplacementAndDelta(t *testing.T) {
	st, _, _ := openTestStore(t, testRegistry(t))
	ctx := context.Background()

	if _, err := st.CreateOrUpdate(ctx, "Shot", 1, map[string]any{"code": "sh010"}, OpInsert); err != nil {
		t.Fatalf("create shot: %v", err)
	}

	// Full replacement: a plain reference list.
	if _, err := st.CreateOrUpdate(ctx, "Shot", 1, map[string]any{
		"tasks": []any{
			map[string]any{"type": "Task", "id": float64(1)},
			map[string]any{"type": "Task", "id": float64(2)},
		},
	}, OpUpdate); err != nil {
		t.Fatalf("full-replacement update: %v", err)
	}
	assocTable := schema.AssocTableName("Shot", "tasks")
	var count int
	if err := st.db.Get(&count, `SELECT COUNT(*) FROM `+assocTable+` WHERE parent_id = 1`); err != nil {
		t.Fatalf("counting assoc rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("assoc row count = %d, want 2", count)
	}

	// Partial delta: remove one, add one.
	if _, err := st.CreateOrUpdate(ctx, "Shot", 1, map[string]any{
		"tasks": map[string]any{
			"removed": []any{map[string]any{"type": "Task", "id": float64(1)}},
			"added":   []any{map[string]any{"type": "Task", "id": float64(3)}},
		},
	}, OpEvent); err != nil {
		t.Fatalf("delta update: %v", err)
	}
	if err := st.db.Get(&count, `SELECT COUNT(*) FROM `+assocTable+` WHERE parent_id = 1`); err != nil {
		t.Fatalf("counting assoc rows after delta: %v", err)
	}
	if count != 2 {
		t.Fatalf("assoc row count after delta = %d, want 2 (removed 1, added 3, kept 2)", count)
	}
}

func TestRetireRevive(t *testing.T) {
	st, _, _ := openTestStore(t, testRegistry(t))
	ctx := context.Background()

	if _, err := st.CreateOrUpdate(ctx, "Shot", 1, map[string]any{"code": "sh010"}, OpInsert); err != nil {
		t.Fatalf("create: %v", err)
	}

	existed, err := st.Retire(ctx, "Shot", 1, ModeStrict)
	if err != nil || !existed {
		t.Fatalf("Retire existing row = %v, %v, want true, nil", existed, err)
	}
	var active bool
	if err := st.db.Get(&active, `SELECT _active FROM shot WHERE id = 1`); err != nil {
		t.Fatalf("reading _active: %v", err)
	}
	if active {
		t.Fatal("row should be inactive after Retire")
	}

	existed, err = st.Revive(ctx, "Shot", 1, ModeStrict)
	if err != nil || !existed {
		t.Fatalf("Revive existing row = %v, %v, want true, nil", existed, err)
	}
}

func TestRetireStrictVsLenientOnMissingRow(t *testing.T) {
	st, _, _ := openTestStore(t, testRegistry(t))
	ctx := context.Background()

	existed, err := st.Retire(ctx, "Shot", 999, ModeLenient)
	if err != nil {
		t.Fatalf("lenient Retire of missing row returned error: %v", err)
	}
	if existed {
		t.Fatal("lenient Retire of missing row reported existed=true")
	}

	_, err = st.Retire(ctx, "Shot", 999, ModeStrict)
	if err == nil {
		t.Fatal("strict Retire of missing row should fail")
	}
	if _, ok := sgerr.AsClientFault(err); !ok {
		t.Fatalf("strict Retire error should be a ClientFault, got %T: %v", err, err)
	}
}

func TestWithClockStampsBookkeepingTimes(t *testing.T) {
	st, _, _ := openTestStore(t, testRegistry(t))
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st.WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	if _, err := st.CreateOrUpdate(ctx, "Shot", 1, map[string]any{"code": "sh010"}, OpInsert); err != nil {
		t.Fatalf("create: %v", err)
	}
	var createdAt string
	if err := st.db.Get(&createdAt, `SELECT _cache_created_at FROM shot WHERE id = 1`); err != nil {
		t.Fatalf("reading _cache_created_at: %v", err)
	}
	if createdAt == "" {
		t.Fatal("_cache_created_at was not stamped")
	}
}
