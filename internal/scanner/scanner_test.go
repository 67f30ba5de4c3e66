package scanner

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
	"github.com/vfxetc/sgcache/internal/store"
	"github.com/vfxetc/sgcache/internal/store/dialect"
	"github.com/vfxetc/sgcache/internal/upstream"
)

// fakeWatermarks is an in-memory WatermarkStore.
type fakeWatermarks struct {
	marks map[string]time.Time
}

func newFakeWatermarks() *fakeWatermarks { return &fakeWatermarks{marks: map[string]time.Time{}} }

func key(entityType string, active bool) string {
	if active {
		return entityType + ":active"
	}
	return entityType + ":retired"
}

func (w *fakeWatermarks) LoadWatermark(ctx context.Context, entityType string, active bool) (time.Time, error) {
	return w.marks[key(entityType, active)], nil
}

func (w *fakeWatermarks) SaveWatermark(ctx context.Context, entityType string, active bool, t time.Time) error {
	w.marks[key(entityType, active)] = t
	return nil
}

func newTestScanner(t *testing.T, reg *schema.Registry, up upstream.Client, wm WatermarkStore) *Scanner {
	t.Helper()
	dlt, err := dialect.Get(dialect.SQLite)
	if err != nil {
		t.Fatalf("dialect.Get: %v", err)
	}
	sqlDB, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "scanner_test.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db := sqlx.NewDb(sqlDB, "sqlite3")

	sch := store.NewSchema(db, dlt, zerolog.Nop())
	if err := sch.Ensure(context.Background(), reg); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	sc := New(up, store.NewStore(db, reg, dlt, zerolog.Nop()), reg, wm, nil, zerolog.Nop())
	sc.entitiesPerPage = 2 // small page size so pagination kicks in with few fixture rows
	return sc
}

func scannerTestRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Parse(schema.Description{Types: []schema.TypeDescription{
		{Name: "Shot", Fields: []schema.NamedFieldSpec{
			{Name: "code", Spec: schema.FieldSpec{DataType: "text"}},
		}},
	}})
	if err != nil {
		t.Fatalf("schema.Parse: %v", err)
	}
	return reg
}

func TestSweepTypeActivePassUpsertsEveryPage(t *testing.T) {
	reg := scannerTestRegistry(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pages := [][]sweepRecord{
		{
			{ID: 1, UpdatedAt: t0, Fields: map[string]any{"code": "sh001"}},
			{ID: 2, UpdatedAt: t0.Add(time.Minute), Fields: map[string]any{"code": "sh002"}},
		},
		{
			// Shorter than entitiesPerPage: the sweep stops after this
			// page without issuing a third, empty-terminated fetch.
			{ID: 3, UpdatedAt: t0.Add(2 * time.Minute), Fields: map[string]any{"code": "sh003"}},
		},
	}
	call := 0
	up := upstream.NewFake().On("find", func(params any) (any, error) {
		m := params.(map[string]any)
		if m["retired_only"] != false {
			t.Fatalf("retired_only = %v, want false for an active-pass fetch", m["retired_only"])
		}
		page := pages[call]
		call++
		return page, nil
	})
	wm := newFakeWatermarks()
	sc := newTestScanner(t, reg, up, wm)

	if err := sc.sweepType(context.Background(), "Shot", true); err != nil {
		t.Fatalf("sweepType: %v", err)
	}
	if call != 2 {
		t.Fatalf("fetchPage calls = %d, want 2 (a full page, then a short page that ends the sweep)", call)
	}

	for _, id := range []int64{1, 2, 3} {
		exists, err := sc.store.RowExists(context.Background(), "Shot", id)
		if err != nil || !exists {
			t.Fatalf("RowExists(Shot, %d) = %v, %v, want true, nil", id, exists, err)
		}
	}

	gotMark, _ := wm.LoadWatermark(context.Background(), "Shot", true)
	wantMark := t0.Add(2 * time.Minute)
	if !gotMark.Equal(wantMark) {
		t.Fatalf("saved watermark = %v, want %v", gotMark, wantMark)
	}
}

func TestSweepTypeRetiredPassRetiresRows(t *testing.T) {
	reg := scannerTestRegistry(t)
	ctx := context.Background()

	up := upstream.NewFake()
	wm := newFakeWatermarks()
	sc := newTestScanner(t, reg, up, wm)

	if _, err := sc.store.CreateOrUpdate(ctx, "Shot", 1, map[string]any{"code": "sh001"}, store.OpInsert); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	up.On("find", func(params any) (any, error) {
		m := params.(map[string]any)
		if m["retired_only"] != true {
			t.Fatalf("retired_only = %v, want true for a retired-pass fetch", m["retired_only"])
		}
		// Shorter than entitiesPerPage: the sweep stops after this one page.
		return []sweepRecord{{ID: 1, UpdatedAt: t0}}, nil
	})

	if err := sc.sweepType(ctx, "Shot", false); err != nil {
		t.Fatalf("sweepType: %v", err)
	}

	row, err := sc.store.RowExists(ctx, "Shot", 1)
	if err != nil || !row {
		t.Fatalf("row should still exist after retirement, just inactive: exists=%v err=%v", row, err)
	}
}

func TestSweepAllVisitsEveryTypeBothPasses(t *testing.T) {
	reg := scannerTestRegistry(t)
	var calls []bool // retired_only values observed, in order
	up := upstream.NewFake().On("find", func(params any) (any, error) {
		m := params.(map[string]any)
		calls = append(calls, m["retired_only"].(bool))
		return []sweepRecord{}, nil
	})
	wm := newFakeWatermarks()
	sc := newTestScanner(t, reg, up, wm)

	if err := sc.sweepAll(context.Background()); err != nil {
		t.Fatalf("sweepAll: %v", err)
	}
	if len(calls) != 2 || calls[0] != false || calls[1] != true {
		t.Fatalf("sweep order = %v, want [active, retired] i.e. [false, true]", calls)
	}
}
