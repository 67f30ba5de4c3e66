package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/vfxetc/sgcache/internal/entity"
	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/sgerr"
	"github.com/vfxetc/sgcache/internal/store/dialect"
)

// Store is the write engine of spec.md §4.4: insert-or-update a row from
// a field-value map, with before/after hooks so multi_entity fields can
// replace their association rows in the same transaction, and the
// active/retired lifecycle (retire, revive).
//
// Grounded on the teacher's bulk-upsert transaction pattern in
// internal/importer (one transaction per entity, hooks run inside it),
// generalised from "import a batch of records" to "apply one write or
// one event to the cache".
type Store struct {
	db  *sqlx.DB
	reg *schema.Registry
	dlt dialect.Dialect
	log zerolog.Logger

	now func() time.Time
}

// NewStore constructs a Store. now defaults to time.Now; tests may
// override it via WithClock.
func NewStore(db *sqlx.DB, reg *schema.Registry, dlt dialect.Dialect, log zerolog.Logger) *Store {
	return &Store{db: db, reg: reg, dlt: dlt, log: log.With().Str("component", "store.write").Logger(), now: time.Now}
}

// WithClock overrides the Store's clock, for deterministic tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

type sqlxExecer struct{ tx *sqlx.Tx }

func (e sqlxExecer) ExecContext(ctx context.Context, query string, args ...any) (Result, error) {
	return e.tx.ExecContext(ctx, query, args...)
}

func (e sqlxExecer) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return e.tx.QueryContext(ctx, query, args...)
}

// CreateOrUpdate applies fields (field name -> JSON-shaped value) to the
// row identified by (entityType, id), creating the row if it doesn't
// exist (spec.md §4.4 steps 1-6). op distinguishes a direct client write
// from an event/scanner-driven one, since absent fields tolerate the
// latter but reject the former.
func (s *Store) CreateOrUpdate(ctx context.Context, entityType string, id int64, fields map[string]any, op UpsertOp) (entity.Result, error) {
	et, ok := s.reg.EntityType(entityType)
	if !ok {
		return entity.Result{}, fmt.Errorf("store: unknown entity type %q", entityType)
	}
	table := schema.TableName(entityType)

	existed, err := s.rowExists(ctx, table, id)
	if err != nil {
		return entity.Result{}, err
	}
	writeOp := OpUpdate
	if !existed {
		writeOp = OpInsert
	}
	if op == OpEvent {
		writeOp = OpEvent
	}

	cols := []ColumnValue{}
	var beforeHooks, afterHooks []Hook
	bookkeepingSet := map[string]bool{}
	for name, val := range fields {
		// A leading underscore names a bookkeeping column directly
		// (_active, _last_log_event_id) rather than a user schema field;
		// the event follower uses this to ratchet _last_log_event_id
		// forward and to respect a retirement the upstream fetch reported
		// (spec.md §4.6 "New").
		if strings.HasPrefix(name, "_") {
			cols = append(cols, ColumnValue{Column: name, Value: val})
			bookkeepingSet[name] = true
			continue
		}
		field, ok := et.Field(name)
		if !ok || name == "id" {
			continue
		}
		strat, ok := StrategyFor(field.Kind)
		if !ok {
			continue
		}
		val, err := coerceValue(field, val)
		if err != nil {
			return entity.Result{}, err
		}
		plan, err := strat.PrepareUpsert(field, entityType, writeOp, val)
		if err != nil {
			return entity.Result{}, err
		}
		cols = append(cols, plan.Columns...)
		beforeHooks = append(beforeHooks, plan.BeforeHooks...)
		afterHooks = append(afterHooks, plan.AfterHooks...)
	}

	now := s.now().UTC()
	if !existed {
		cols = append(cols, ColumnValue{Column: "id", Value: id})
		if !bookkeepingSet["_active"] {
			cols = append(cols, ColumnValue{Column: "_active", Value: true})
		}
		cols = append(cols, ColumnValue{Column: "_cache_created_at", Value: now})
	}
	if !bookkeepingSet["_cache_updated_at"] {
		cols = append(cols, ColumnValue{Column: "_cache_updated_at", Value: now})
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return entity.Result{}, err
	}
	defer tx.Rollback()

	ex := sqlxExecer{tx: tx}
	for _, hook := range beforeHooks {
		if err := hook(ctx, ex, id); err != nil {
			return entity.Result{}, err
		}
	}

	if !existed {
		if err := s.execInsert(ctx, tx, table, cols); err != nil {
			return entity.Result{}, err
		}
	} else if len(cols) > 0 {
		if err := s.execUpdate(ctx, tx, table, id, cols); err != nil {
			return entity.Result{}, err
		}
	}

	for _, hook := range afterHooks {
		if err := hook(ctx, ex, id); err != nil {
			return entity.Result{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return entity.Result{}, err
	}
	s.log.Debug().Str("type", entityType).Int64("id", id).Bool("existed", existed).Msg("row written")
	return entity.Result{Type: entityType, ID: id, EntityExists: true}, nil
}

// RowExists reports whether entityType's table already has a row for id,
// regardless of its _active flag. Used by the event follower to decide
// whether a Change or Revival event must fall back to fetching the full
// entity (spec.md §4.6).
func (s *Store) RowExists(ctx context.Context, entityType string, id int64) (bool, error) {
	return s.rowExists(ctx, schema.TableName(entityType), id)
}

func (s *Store) rowExists(ctx context.Context, table string, id int64) (bool, error) {
	var found int
	err := s.db.GetContext(ctx, &found, fmt.Sprintf("SELECT 1 FROM %s WHERE id = %s",
		s.dlt.QuoteIdent(table), s.dlt.Placeholder(1)), id)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) execInsert(ctx context.Context, tx *sqlx.Tx, table string, cols []ColumnValue) error {
	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = s.dlt.QuoteIdent(c.Column)
		placeholders[i] = s.dlt.Placeholder(i + 1)
		args[i] = c.Value
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.dlt.QuoteIdent(table), joinStrings(names, ", "), joinStrings(placeholders, ", "))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) execUpdate(ctx context.Context, tx *sqlx.Tx, table string, id int64, cols []ColumnValue) error {
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", s.dlt.QuoteIdent(c.Column), s.dlt.Placeholder(i+1))
		args = append(args, c.Value)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s",
		s.dlt.QuoteIdent(table), joinStrings(sets, ", "), s.dlt.Placeholder(len(cols)+1))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteMode distinguishes the strict and lenient retire/revive modes of
// spec.md §4.4: strict treats a missing row as a failure, lenient treats
// it as a no-op ("not-cached").
type WriteMode int

const (
	ModeStrict WriteMode = iota
	ModeLenient
)

// Retire marks a row inactive (spec.md §4.4 "retirement events flip
// _active to false without deleting the row"). existed reports whether a
// row was actually found; in ModeLenient a missing row is a silent
// no-op, in ModeStrict it is a *sgerr.ClientFault.
func (s *Store) Retire(ctx context.Context, entityType string, id int64, mode WriteMode) (existed bool, err error) {
	return s.setActive(ctx, entityType, id, false, mode)
}

// Revive marks a previously retired row active again. See Retire for the
// existed/mode contract.
func (s *Store) Revive(ctx context.Context, entityType string, id int64, mode WriteMode) (existed bool, err error) {
	return s.setActive(ctx, entityType, id, true, mode)
}

func (s *Store) setActive(ctx context.Context, entityType string, id int64, active bool, mode WriteMode) (bool, error) {
	table := schema.TableName(entityType)
	query := fmt.Sprintf("UPDATE %s SET _active = %s, _cache_updated_at = %s WHERE id = %s",
		s.dlt.QuoteIdent(table), s.dlt.Placeholder(1), s.dlt.Placeholder(2), s.dlt.Placeholder(3))
	res, err := s.db.ExecContext(ctx, query, active, s.now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if mode == ModeStrict {
			return false, sgerr.NewClientFault(sgerr.CodeUnknownEntity, "%s %d is not cached", entityType, id)
		}
		return false, nil
	}
	return true, nil
}

func joinStrings(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
