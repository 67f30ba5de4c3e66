// Package store implements the storage schema and field strategies of
// spec.md §3.2 and §4.2: materialising the schema registry into relational
// tables and association tables, additive migration, and the write
// engine of spec.md §4.4.
//
// Grounded on the teacher's additive-DDL migrations
// (internal/storage/sqlite/migrations: check a column exists via
// introspection, ALTER TABLE ADD COLUMN if not) and its backend-factory
// registry (internal/storage/factory), generalised here into one
// dialect-parameterised implementation rather than one Go package per
// backend — spec.md §3.3 invariant 6 requires exactly one compiled form,
// merely normalised across dialects.
package store

import (
	"context"

	"github.com/vfxetc/sgcache/internal/entity"
	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/store/dialect"
)

// Relation is one of the closed set of filter relations spec.md §4.2
// names per field kind (is, is_not, in, not_in, contains, ...).
type Relation string

const (
	RelIs          Relation = "is"
	RelIsNot       Relation = "is_not"
	RelIn          Relation = "in"
	RelNotIn       Relation = "not_in"
	RelGreaterThan Relation = "greater_than"
	RelLessThan    Relation = "less_than"
	RelBetween     Relation = "between"
	RelNotBetween  Relation = "not_between"
	RelStartsWith  Relation = "starts_with"
	RelEndsWith    Relation = "ends_with"
	RelContains    Relation = "contains"
	RelNotContains Relation = "not_contains"
	RelTypeIs      Relation = "type_is"
	RelTypeIsNot   Relation = "type_is_not"
)

// PathSegment is one (type, field) hop of a dotted deep-field path
// (spec.md §4.3 "Path grammar").
type PathSegment struct {
	Type  string
	Field string
}

// Handle is an opaque token a strategy hands back to the compiler so a
// later call (Extract, CheckForJoin) can find what an earlier call prepared.
// Concrete shape is owned by each strategy; the compiler never inspects
// it.
type Handle any

// Row is one result row, keyed by the label a strategy chose in
// PrepareSelect/PrepareJoin.
type Row map[string]any

// Builder is the subset of the query compiler's SQL-building state that a
// field strategy needs. The concrete implementation lives in package
// query (internal/query.Builder); store only depends on this interface so
// the dependency runs one way (query -> store), mirroring spec.md §9's
// "type-erased handle to the strategy".
type Builder interface {
	Dialect() dialect.Dialect

	// AliasFor returns the SQL alias bound to the table reached by
	// walking path from the query root (spec.md §4.3 "Table aliasing"):
	// every path, the empty root path included, gets a numbered alias the
	// first time it is seen, and later requests for the same path return
	// that same alias.
	AliasFor(path []PathSegment) string

	// AddSelect requests that column (qualified by alias) be returned,
	// labelled label; label is what Row keys look up.
	AddSelect(alias, column, label string)

	// AddWhere ANDs a predicate fragment (with its positional args) into
	// the current condition being built.
	AddWhere(fragment string, args ...any)

	// AddJoin appends a join clause (e.g. "LEFT JOIN x AS y ON ...").
	AddJoin(fragment string, args ...any)

	// Subquery starts a correlated subquery builder for deep multi-entity
	// filters (spec.md §4.3 "Deep filters through multi-entity"); the
	// returned Builder draws its aliases from the same counter as the
	// outer query, so they never collide with the outer query's.
	Subquery() Builder

	// CorrelateColumn returns a SQL fragment referencing column on the
	// outer query's current base alias, for use inside a subquery's
	// correlation clause.
	CorrelateColumn(column string) string
}

// UpsertOp distinguishes an insert from an update for PrepareUpsert,
// which some strategies (e.g. absent fields) treat differently.
type UpsertOp int

const (
	OpInsert UpsertOp = iota
	OpUpdate
	// OpEvent marks a write driven by an event/scanner rather than a
	// direct client write; absent-field upserts are silently ignored
	// here but fail for OpInsert/OpUpdate (spec.md §4.2).
	OpEvent
)

// ColumnValue is one (column, value) pair to write.
type ColumnValue struct {
	Column string
	Value  any
}

// Hook runs before or after the main INSERT/UPDATE of the write engine
// (spec.md §4.4 steps 4 and 6); multi-entity fields use these to
// delete/insert association rows.
type Hook func(ctx context.Context, tx Execer, parentID int64) error

// Execer is the minimal interface the write engine's transaction exposes
// to hooks (satisfied by *sqlx.Tx).
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
}

// Result mirrors sql.Result to avoid importing database/sql here.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Rows mirrors the subset of *sql.Rows strategies need.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// UpsertPlan is what PrepareUpsert returns: the columns to write plus any
// hooks to run around the main statement.
type UpsertPlan struct {
	Columns     []ColumnValue
	BeforeHooks []Hook
	AfterHooks  []Hook
}

// FieldStrategy is the per-field-kind behaviour of spec.md §4.2, modelled
// as one interface with one implementation per FieldKind (spec.md §9
// "Field strategies as variants" — a tagged-union substitute via Go
// interfaces, since the language has no class inheritance).
type FieldStrategy interface {
	Kind() schema.FieldKind

	// IsCached mirrors schema.Field.IsCached: false for absent/non_cacheable.
	IsCached() bool

	// MaterialiseColumns returns the DDL statements needed to add this
	// field's column(s) (and, for multi_entity, its association table) to
	// an existing, already-created entity table. Ensure has already
	// verified the table itself exists.
	MaterialiseColumns(ctx context.Context, field schema.Field, entityType string, m Materialiser) error

	// PrepareSelect adds this field's columns to the select list at path
	// (path ends with this field) and returns a handle for Extract.
	PrepareSelect(b Builder, field schema.Field, path []PathSegment) (Handle, error)

	// Extract turns selected columns into the JSON-shaped field value.
	// ok=false means "omit the field" (spec.md §4.3 return-field assembly).
	Extract(row Row, handle Handle) (value any, ok bool)

	// PrepareOrder returns an ORDER BY expression for path.
	PrepareOrder(b Builder, field schema.Field, path []PathSegment) (string, error)

	// PrepareFilter returns a WHERE predicate fragment (with bind args
	// already embedded via b.AddWhere's arg mechanism — concretely,
	// PrepareFilter calls b.AddWhere itself and returns nil on success)
	// or a *sgerr.Passthrough-wrapped error for unsupported combinations.
	PrepareFilter(b Builder, field schema.Field, path []PathSegment, rel Relation, values []any) error

	// PrepareJoin extends the builder with the join/subquery needed to
	// reach the next path segment (entity/multi_entity only). Returns a
	// handle CheckForJoin later consumes.
	PrepareJoin(b Builder, field schema.Field, selfPath []PathSegment, nextType string) (Handle, error)

	// CheckForJoin reports whether handle carries a prepared join. The
	// entity strategy answers from the handle alone and does not inspect
	// row, and Reader.Execute does not call it, so half-joined return
	// fields are not suppressed: they come back as nil.
	CheckForJoin(row Row, handle Handle) bool

	// PrepareDeepFilter rewrites a filter on a path that continues past
	// this field into an EXISTS subquery (multi_entity only).
	PrepareDeepFilter(b Builder, field schema.Field, selfPath []PathSegment, rest []PathSegment, rel Relation, values []any, compile DeepCompiler) error

	// PrepareUpsert returns the columns/hooks to write for value under
	// op. entityType is the owning entity type, needed by multi_entity to
	// name its association table.
	PrepareUpsert(field schema.Field, entityType string, op UpsertOp, value any) (UpsertPlan, error)
}

// DeepCompiler lets a multi-entity strategy recursively compile the
// remainder of a deep path inside its EXISTS subquery, without strategy
// code depending on the query package (spec.md §4.3 "recursively using
// the same compiler").
type DeepCompiler func(b Builder, targetType string, rest []PathSegment, rel Relation, values []any) error

// Materialiser is the DDL-execution surface MaterialiseColumns uses.
type Materialiser interface {
	Dialect() dialect.Dialect
	TableExists(ctx context.Context, table string) (bool, error)
	ColumnType(ctx context.Context, table, column string) (dialect.SQLKind, bool, error)
	Exec(ctx context.Context, ddl string) error
}

// registryByKind maps a schema.FieldKind to its strategy. Built once at
// package init; every kind schema.Parse can produce has an entry.
var registryByKind = map[schema.FieldKind]FieldStrategy{}

func registerStrategy(s FieldStrategy) { registryByKind[s.Kind()] = s }

// StrategyFor returns the FieldStrategy for a field's kind. Every
// schema.FieldKind produced by schema.Parse has one (text-shaped and
// number-shaped aliases share the scalar/text strategy instances).
func StrategyFor(k schema.FieldKind) (FieldStrategy, bool) {
	s, ok := registryByKind[k]
	return s, ok
}

var _ = entity.Ref{} // entity package is used by sibling files in this package
