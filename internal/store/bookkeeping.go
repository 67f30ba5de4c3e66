package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/store/dialect"
)

// Bookkeeping implements follower.CursorStore, scanner.WatermarkStore,
// and control.SessionStore against the fixed sgcache_meta /
// sgcache_control_sessions tables internal/store/migrate creates. These
// are process-wide facts about the cache, not part of the user schema,
// so they live outside the field-strategy machinery entirely.
type Bookkeeping struct {
	db  *sqlx.DB
	reg *schema.Registry
	dlt dialect.Dialect
}

// NewBookkeeping constructs a Bookkeeping accessor.
func NewBookkeeping(db *sqlx.DB, reg *schema.Registry, dlt dialect.Dialect) *Bookkeeping {
	return &Bookkeeping{db: db, reg: reg, dlt: dlt}
}

// Cursor is the follower's persisted position (spec.md §4.6). Defined
// here, not in package follower, so Bookkeeping can implement
// follower.CursorStore without an import cycle (follower already depends
// on store for store.OpEvent/store.Store); follower.CursorStore's method
// signatures reference store.Cursor directly.
type Cursor struct {
	LastEventID   int64
	LastEventTime time.Time
}

type cursorRow struct {
	LastEventID   int64     `json:"last_event_id"`
	LastEventTime time.Time `json:"last_event_time"`
}

// LoadCursor implements follower.CursorStore. When no cursor has ever
// been persisted it falls back to the "auto-last-id" seed of spec.md
// §4.6: the maximum of _last_log_event_id and _cache_updated_at across
// every cached table, so a first run against an already-scanned cache
// resumes near the present instead of replaying the entire event log.
// If the cache holds no rows at all (found=false), the caller is
// expected to seed from the upstream tail instead.
func (b *Bookkeeping) LoadCursor(ctx context.Context) (Cursor, error) {
	var out Cursor
	raw, err := b.getMeta(ctx, "follower_cursor")
	if err != nil {
		return out, err
	}
	if raw != "" {
		var cr cursorRow
		if err := json.Unmarshal([]byte(raw), &cr); err != nil {
			return out, err
		}
		out.LastEventID, out.LastEventTime = cr.LastEventID, cr.LastEventTime
		return out, nil
	}
	seeded, found, err := b.autoLastID(ctx)
	if err != nil {
		return out, err
	}
	if found {
		return seeded, nil
	}
	return out, nil
}

// HasAnyCachedRow reports whether auto-last-id seeding found a starting
// point, distinguishing "truly empty cache" (caller should seed from the
// upstream event-log tail) from "cursor legitimately at zero".
func (b *Bookkeeping) HasAnyCachedRow(ctx context.Context) (bool, error) {
	_, found, err := b.autoLastID(ctx)
	return found, err
}

func (b *Bookkeeping) autoLastID(ctx context.Context) (Cursor, bool, error) {
	var out Cursor
	found := false
	if b.reg == nil {
		return out, false, nil
	}
	for _, name := range b.reg.TypeNames() {
		table := schema.TableName(name)
		var row struct {
			MaxEventID sql.NullInt64 `db:"max_event_id"`
			MaxUpdated sql.NullTime  `db:"max_updated"`
		}
		q := fmt.Sprintf("SELECT MAX(_last_log_event_id) AS max_event_id, MAX(_cache_updated_at) AS max_updated FROM %s",
			b.dlt.QuoteIdent(table))
		if err := b.db.GetContext(ctx, &row, q); err != nil {
			return out, false, err
		}
		if row.MaxEventID.Valid {
			found = true
			if row.MaxEventID.Int64 > out.LastEventID {
				out.LastEventID = row.MaxEventID.Int64
			}
		}
		if row.MaxUpdated.Valid {
			found = true
			if row.MaxUpdated.Time.After(out.LastEventTime) {
				out.LastEventTime = row.MaxUpdated.Time
			}
		}
	}
	return out, found, nil
}

// SaveCursor implements follower.CursorStore.
func (b *Bookkeeping) SaveCursor(ctx context.Context, c Cursor) error {
	raw, err := json.Marshal(cursorRow{LastEventID: c.LastEventID, LastEventTime: c.LastEventTime})
	if err != nil {
		return err
	}
	return b.setMeta(ctx, "follower_cursor", string(raw))
}

// LoadWatermark implements scanner.WatermarkStore.
func (b *Bookkeeping) LoadWatermark(ctx context.Context, entityType string, active bool) (time.Time, error) {
	raw, err := b.getMeta(ctx, watermarkKey(entityType, active))
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// SaveWatermark implements scanner.WatermarkStore.
func (b *Bookkeeping) SaveWatermark(ctx context.Context, entityType string, active bool, t time.Time) error {
	return b.setMeta(ctx, watermarkKey(entityType, active), t.UTC().Format(time.RFC3339Nano))
}

func watermarkKey(entityType string, active bool) string {
	if active {
		return "scanner_watermark_active_" + entityType
	}
	return "scanner_watermark_retired_" + entityType
}

func (b *Bookkeeping) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := b.db.GetContext(ctx, &value, "SELECT value FROM sgcache_meta WHERE key = "+b.dlt.Placeholder(1), key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// setMeta upserts (key, value) as a delete-then-insert pair inside a
// transaction, rather than a dialect-specific ON CONFLICT/ON DUPLICATE
// KEY statement — sgcache_meta writes are infrequent (once per poll
// cycle per entity type), so the extra round trip isn't worth the
// per-dialect syntax.
func (b *Bookkeeping) setMeta(ctx context.Context, key, value string) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM sgcache_meta WHERE key = "+b.dlt.Placeholder(1), key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO sgcache_meta (key, value) VALUES ("+b.dlt.Placeholder(1)+", "+b.dlt.Placeholder(2)+")", key, value); err != nil {
		return err
	}
	return tx.Commit()
}

// NextSessionID implements control.SessionStore: each call inserts one
// row into sgcache_control_sessions and returns its id, so ids keep
// advancing monotonically across daemon restarts instead of resetting to
// zero (spec.md §4.8).
func (b *Bookkeeping) NextSessionID(ctx context.Context) (int, error) {
	res, err := b.db.ExecContext(ctx, "INSERT INTO sgcache_control_sessions DEFAULT VALUES")
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}
