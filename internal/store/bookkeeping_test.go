package store

import (
	"context"
	"testing"
	"time"
)

func TestBookkeepingCursorRoundTrip(t *testing.T) {
	st, db, dlt := openTestStore(t, testRegistry(t))
	_ = st
	bk := NewBookkeeping(db, testRegistry(t), dlt)
	ctx := context.Background()

	cur, err := bk.LoadCursor(ctx)
	if err != nil {
		t.Fatalf("LoadCursor (empty): %v", err)
	}
	if cur.LastEventID != 0 {
		t.Fatalf("LoadCursor on empty cache = %+v, want zero value", cur)
	}

	want := Cursor{LastEventID: 42, LastEventTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := bk.SaveCursor(ctx, want); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	got, err := bk.LoadCursor(ctx)
	if err != nil {
		t.Fatalf("LoadCursor: %v", err)
	}
	if got.LastEventID != want.LastEventID || !got.LastEventTime.Equal(want.LastEventTime) {
		t.Fatalf("LoadCursor = %+v, want %+v", got, want)
	}
}

func TestBookkeepingAutoLastIDSeedsFromCachedRows(t *testing.T) {
	reg := testRegistry(t)
	st, db, dlt := openTestStore(t, reg)
	ctx := context.Background()

	if _, err := st.CreateOrUpdate(ctx, "Shot", 1, map[string]any{
		"code":               "sh010",
		"_last_log_event_id": int64(100),
	}, OpEvent); err != nil {
		t.Fatalf("seeding row: %v", err)
	}

	bk := NewBookkeeping(db, reg, dlt)
	found, err := bk.HasAnyCachedRow(ctx)
	if err != nil {
		t.Fatalf("HasAnyCachedRow: %v", err)
	}
	if !found {
		t.Fatal("HasAnyCachedRow = false, want true once a row exists")
	}

	cur, err := bk.LoadCursor(ctx)
	if err != nil {
		t.Fatalf("LoadCursor: %v", err)
	}
	if cur.LastEventID != 100 {
		t.Fatalf("auto-seeded LastEventID = %d, want 100", cur.LastEventID)
	}
}

func TestBookkeepingWatermarkRoundTrip(t *testing.T) {
	st, db, dlt := openTestStore(t, testRegistry(t))
	_ = st
	bk := NewBookkeeping(db, testRegistry(t), dlt)
	ctx := context.Background()

	mark, err := bk.LoadWatermark(ctx, "Shot", true)
	if err != nil {
		t.Fatalf("LoadWatermark (unset): %v", err)
	}
	if !mark.IsZero() {
		t.Fatalf("LoadWatermark (unset) = %v, want zero", mark)
	}

	want := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if err := bk.SaveWatermark(ctx, "Shot", true, want); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}
	got, err := bk.LoadWatermark(ctx, "Shot", true)
	if err != nil {
		t.Fatalf("LoadWatermark: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("LoadWatermark = %v, want %v", got, want)
	}

	// Active and retired watermarks for the same type are independent.
	retiredMark, err := bk.LoadWatermark(ctx, "Shot", false)
	if err != nil {
		t.Fatalf("LoadWatermark (retired): %v", err)
	}
	if !retiredMark.IsZero() {
		t.Fatalf("retired watermark leaked active value: %v", retiredMark)
	}
}

func TestBookkeepingNextSessionIDMonotonic(t *testing.T) {
	_, db, dlt := openTestStore(t, testRegistry(t))
	bk := NewBookkeeping(db, testRegistry(t), dlt)
	ctx := context.Background()

	first, err := bk.NextSessionID(ctx)
	if err != nil {
		t.Fatalf("NextSessionID: %v", err)
	}
	second, err := bk.NextSessionID(ctx)
	if err != nil {
		t.Fatalf("NextSessionID: %v", err)
	}
	if second <= first {
		t.Fatalf("session ids not monotonic: %d then %d", first, second)
	}
}
