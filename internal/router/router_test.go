package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/vfxetc/sgcache/internal/entity"
	"github.com/vfxetc/sgcache/internal/query"
	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/store"
	"github.com/vfxetc/sgcache/internal/store/dialect"
	"github.com/vfxetc/sgcache/internal/upstream"
)

// newTestRouter wires a Router over a real sqlite-backed store/reader and
// an upstream.Fake, the way daemon.New wires a production Router but with
// the upstream client swapped for a test double.
func newTestRouter(t *testing.T, reg *schema.Registry, up *upstream.Fake) *Router {
	t.Helper()
	dlt, err := dialect.Get(dialect.SQLite)
	if err != nil {
		t.Fatalf("dialect.Get: %v", err)
	}
	sqlDB, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "router_test.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db := sqlx.NewDb(sqlDB, "sqlite3")

	sch := store.NewSchema(db, dlt, zerolog.Nop())
	if err := sch.Ensure(context.Background(), reg); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	return New(Config{
		Registry: reg,
		Reader:   query.NewReader(db, reg, dlt),
		Writer:   store.NewStore(db, reg, dlt, zerolog.Nop()),
		Upstream: up,
		Version:  [3]int{1, 2, 3},
	}, zerolog.Nop())
}

func shotTaskRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Parse(schema.Description{Types: []schema.TypeDescription{
		{Name: "Shot", Fields: []schema.NamedFieldSpec{
			{Name: "code", Spec: schema.FieldSpec{DataType: "text"}},
			{Name: "task_template", Spec: schema.FieldSpec{DataType: "entity", EntityTypes: []string{"TaskTemplate"}}},
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

func TestHandleInfoMarksSgcache(t *testing.T) {
	reg := shotTaskRegistry(t)
	rtr := newTestRouter(t, reg, upstream.NewFake())

	result, err := rtr.Handle(context.Background(), MethodInfo, nil)
	if err != nil {
		t.Fatalf("Handle(info): %v", err)
	}
	info, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("info result = %T, want map[string]any", result)
	}
	if info["sgcache"] != true {
		t.Fatalf(`info["sgcache"] = %v, want true`, info["sgcache"])
	}
	types, ok := info["entity_types"].([]string)
	if !ok || len(types) != len(reg.TypeNames()) {
		t.Fatalf("info[entity_types] = %v, want %v", info["entity_types"], reg.TypeNames())
	}
}

func TestHandleCreateAugmentsReturnFieldsAndWritesThrough(t *testing.T) {
	reg := shotTaskRegistry(t)
	up := upstream.NewFake().On(MethodCreate, func(params any) (any, error) {
		return map[string]any{
			"id":     float64(1),
			"fields": map[string]any{"code": "sh001"},
		}, nil
	})
	rtr := newTestRouter(t, reg, up)

	result, err := rtr.Handle(context.Background(), MethodCreate, mustJSON(WriteArgs{
		Type:         "Shot",
		Fields:       map[string]any{"code": "sh001"},
		ReturnFields: []string{"code"},
	}))
	if err != nil {
		t.Fatalf("Handle(create): %v", err)
	}

	// The upstream call must have asked for every cached field, not just
	// what the caller originally requested.
	sent := up.Calls[0].Params.(WriteArgs)
	sentFields := map[string]bool{}
	for _, f := range sent.ReturnFields {
		sentFields[f] = true
	}
	if !sentFields["code"] || !sentFields["task_template"] {
		t.Fatalf("augmented return_fields = %v, want code and task_template both present", sent.ReturnFields)
	}

	// The response back to the caller is trimmed to type/id plus exactly
	// what was originally requested.
	out, ok := result.(entity.Record)
	if !ok {
		t.Fatalf("result = %T, want entity.Record", result)
	}
	if out["code"] != "sh001" {
		t.Fatalf("result[code] = %v, want sh001", out["code"])
	}
	if _, hasTemplate := out["task_template"]; hasTemplate {
		t.Fatal("result should not include task_template, caller never asked for it")
	}
	if out["type"] != "Shot" || out["id"] != int64(1) {
		t.Fatalf("result type/id = %v/%v, want Shot/1", out["type"], out["id"])
	}

	exists, err := rtr.wr.RowExists(context.Background(), "Shot", 1)
	if err != nil || !exists {
		t.Fatalf("RowExists = %v, %v, want true, nil", exists, err)
	}
}

func TestHandleCreateShotWithTaskTemplateCachesTasks(t *testing.T) {
	reg := shotTaskRegistry(t)
	up := upstream.NewFake()
	up.On(MethodCreate, func(params any) (any, error) {
		return map[string]any{
			"id": float64(1),
			"fields": map[string]any{
				"code":          "sh001",
				"task_template": map[string]any{"type": "TaskTemplate", "id": float64(9)},
			},
		}, nil
	})
	up.On(MethodRead, func(params any) (any, error) {
		return map[string]any{
			"entities": []map[string]any{
				{"id": float64(5), "type": "Task", "content": "do it"},
			},
		}, nil
	})
	rtr := newTestRouter(t, reg, up)

	if _, err := rtr.Handle(context.Background(), MethodCreate, mustJSON(WriteArgs{
		Type: "Shot", Fields: map[string]any{"code": "sh001"},
	})); err != nil {
		t.Fatalf("Handle(create): %v", err)
	}

	exists, err := rtr.wr.RowExists(context.Background(), "Task", 5)
	if err != nil || !exists {
		t.Fatalf("Task minted from task_template not cached: exists=%v, err=%v", exists, err)
	}
}

func TestHandleBatchCoalescesWritesIntoSingleUpstreamCall(t *testing.T) {
	reg := shotTaskRegistry(t)
	up := upstream.NewFake()
	var batchSizes []int
	up.On(MethodBatch, func(params any) (any, error) {
		m := params.(map[string]any)
		reqs := m["requests"].([]map[string]any)
		batchSizes = append(batchSizes, len(reqs))
		results := make([]map[string]any, len(reqs))
		for i := range reqs {
			results[i] = map[string]any{"id": float64(i + 1), "fields": map[string]any{"code": "sh0"}}
		}
		return results, nil
	})
	rtr := newTestRouter(t, reg, up)

	// The read sub-request is for a fully cached type with no filter, so
	// it's served straight out of the local database and never reaches
	// upstream at all — proving it was dispatched inline rather than
	// folded into the coalesced batch call.
	batch := BatchArgs{Requests: []json.RawMessage{
		mustJSON(map[string]any{"request_type": "create", "type": "Shot", "fields": map[string]any{"code": "sh0"}}),
		mustJSON(map[string]any{"request_type": "create", "type": "Shot", "fields": map[string]any{"code": "sh1"}}),
		mustJSON(map[string]any{"request_type": "read", "type": "Shot"}),
	}}
	result, err := rtr.Handle(context.Background(), MethodBatch, mustJSON(batch))
	if err != nil {
		t.Fatalf("Handle(batch): %v", err)
	}

	if len(batchSizes) != 1 || batchSizes[0] != 2 {
		t.Fatalf("upstream batch calls = %v, want exactly one call coalescing 2 writes", batchSizes)
	}
	if len(up.Calls) != 1 {
		t.Fatalf("total upstream calls = %d, want exactly 1 (the coalesced batch, no separate read round trip)", len(up.Calls))
	}

	results, ok := result.([]BatchResult)
	if !ok || len(results) != 3 {
		t.Fatalf("batch result = %#v, want 3 BatchResult entries", result)
	}
	for i, r := range results {
		if !r.Success {
			t.Fatalf("results[%d].Success = false, error = %q", i, r.Error)
		}
	}
}

func TestHandleBatchUpstreamFailurePropagates(t *testing.T) {
	reg := shotTaskRegistry(t)
	up := upstream.NewFake()
	boom := errors.New("upstream batch exploded")
	up.On(MethodBatch, func(params any) (any, error) {
		return nil, boom
	})
	rtr := newTestRouter(t, reg, up)

	batch := BatchArgs{Requests: []json.RawMessage{
		mustJSON(map[string]any{"request_type": "create", "type": "Shot", "fields": map[string]any{"code": "sh0"}}),
	}}
	_, err := rtr.Handle(context.Background(), MethodBatch, mustJSON(batch))
	if err == nil {
		t.Fatal("expected the upstream batch failure to surface as the call's own error")
	}
}
