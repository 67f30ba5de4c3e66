package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/vfxetc/sgcache/internal/entity"
	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/sgerr"
	"github.com/vfxetc/sgcache/internal/store"
	"github.com/vfxetc/sgcache/internal/store/dialect"
)

// ReadRequest is a compiled description of one read operation (spec.md
// §4.3): the entity type being queried, the dotted return fields, the
// filter tree, an optional order, paging, and which side of `_active` to
// serve from (spec.md §6.1 `return_only`).
type ReadRequest struct {
	EntityType   string
	ReturnFields []string
	Filter       Filter
	OrderBy      []OrderTerm
	Page         int // 1-based; 0 means unpaged (page 1, default size)
	PageSize     int
	ReturnOnly   ReturnOnly
}

// ReturnOnly selects which side of a row's _active flag a read serves
// (spec.md §4.5, §8): "" and ReturnOnlyActive both mean active rows only;
// ReturnOnlyRetired serves only the rows a delete has retired.
type ReturnOnly string

const (
	ReturnOnlyActive  ReturnOnly = "active"
	ReturnOnlyRetired ReturnOnly = "retired"
)

// OrderTerm is one ORDER BY clause element.
type OrderTerm struct {
	Path       string
	Descending bool
}

// PagingInfo is the fabricated paging summary every read response carries
// (spec.md §4.5 "read"): entity_count reports "there may be more" iff the
// page returned was exactly full, without ever running a COUNT(*) query.
type PagingInfo struct {
	EntityCount int `json:"entity_count"`
}

// ReadResult is what Reader.Execute returns: the page of entities plus
// its fabricated paging summary.
type ReadResult struct {
	Entities   []entity.Record `json:"entities"`
	PagingInfo PagingInfo      `json:"paging_info"`
}

const defaultPageSize = 500

// Reader compiles and executes ReadRequests against an open database
// handle (spec.md §4.3, §4.4's read-side counterpart).
type Reader struct {
	db  *sqlx.DB
	reg *schema.Registry
	dlt dialect.Dialect
}

// NewReader constructs a Reader.
func NewReader(db *sqlx.DB, reg *schema.Registry, dlt dialect.Dialect) *Reader {
	return &Reader{db: db, reg: reg, dlt: dlt}
}

// Execute compiles req and returns the matching rows as entity.Records
// shaped per spec.md §4.3's return-field assembly: a field whose
// strategy's Extract reports it absent is omitted from that row's Record.
// A dotted return field reached through an unset entity link is present
// with a nil value, not omitted; a non-cacheable return field makes the
// whole read a passthrough.
func (r *Reader) Execute(ctx context.Context, req ReadRequest) (ReadResult, error) {
	et, ok := r.reg.EntityType(req.EntityType)
	if !ok {
		return ReadResult{}, sgerr.NewClientFault(sgerr.CodeUnknownField, fmt.Sprintf("unknown entity type %q", req.EntityType))
	}
	table := schema.TableName(req.EntityType)
	b := NewRootBuilder(r.dlt, table)
	returnActive := req.ReturnOnly != ReturnOnlyRetired
	b.AddWhere(b.RootAlias() + "._active = " + r.dlt.BoolLiteral(returnActive))

	type fieldExtract struct {
		name    string
		strat   store.FieldStrategy
		field   schema.Field
		handle  store.Handle
	}
	extracts := make([]fieldExtract, 0, len(req.ReturnFields)+1)

	idField, _ := et.Field("id")
	idStrat, _ := store.StrategyFor(idField.Kind)
	idHandle, err := idStrat.PrepareSelect(b, idField, []store.PathSegment{{Type: req.EntityType, Field: "id"}})
	if err != nil {
		return ReadResult{}, err
	}
	extracts = append(extracts, fieldExtract{name: "id", strat: idStrat, field: idField, handle: idHandle})

	for _, fieldPath := range req.ReturnFields {
		segments, leaf, err := ResolvePath(r.reg, req.EntityType, fieldPath)
		if err != nil {
			return ReadResult{}, err
		}
		// Walk intermediate joins exactly as the filter compiler does, so
		// a dotted return field (e.g. "sg_sequence.Sequence.code") reaches the
		// right joined alias before the leaf strategy selects from it.
		if err := prepareJoinsForPath(b, r.reg, segments); err != nil {
			return ReadResult{}, err
		}
		strat, ok := store.StrategyFor(leaf.Kind)
		if !ok {
			return ReadResult{}, fmt.Errorf("query: no strategy for field kind %s", leaf.Kind)
		}
		h, err := strat.PrepareSelect(b, leaf, segments)
		if err != nil {
			return ReadResult{}, err
		}
		extracts = append(extracts, fieldExtract{name: fieldPath, strat: strat, field: leaf, handle: h})
	}

	if err := CompileFilter(b, r.reg, req.EntityType, req.Filter); err != nil {
		return ReadResult{}, err
	}

	sqlStr := b.SQL()
	args := b.Args()

	for _, term := range req.OrderBy {
		segments, leaf, err := ResolvePath(r.reg, req.EntityType, term.Path)
		if err != nil {
			return ReadResult{}, err
		}
		strat, _ := store.StrategyFor(leaf.Kind)
		orderExpr, err := strat.PrepareOrder(b, leaf, segments)
		if err != nil {
			return ReadResult{}, err
		}
		dir := "ASC"
		if term.Descending {
			dir = "DESC"
		}
		sqlStr += orderClausePrefix(sqlStr) + orderExpr + " " + dir
	}

	page, pageSize := req.Page, req.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	sqlStr += fmt.Sprintf(" LIMIT %d OFFSET %d", pageSize, (page-1)*pageSize)

	rows, err := r.db.QueryxContext(ctx, sqlStr, args...)
	if err != nil {
		return ReadResult{}, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var results []entity.Record
	for rows.Next() {
		raw := map[string]any{}
		if err := rows.MapScan(raw); err != nil {
			return ReadResult{}, err
		}
		row := store.Row(raw)
		rec := entity.Record{"type": req.EntityType}
		for _, ex := range extracts {
			val, ok := ex.strat.Extract(row, ex.handle)
			if !ok {
				continue
			}
			if ref, isMulti := val.(store.MultiEntityRef); isMulti {
				resolved, err := r.resolveMultiEntity(ctx, ref)
				if err != nil {
					return ReadResult{}, err
				}
				val = resolved
			}
			rec[ex.name] = val
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return ReadResult{}, err
	}

	// Fabricate entity_count without a COUNT(*) round trip (spec.md §4.5
	// "read"): report "there may be more" iff the page came back full.
	offset := (page - 1) * pageSize
	entityCount := offset + len(results)
	if len(results) == pageSize {
		entityCount += pageSize + 1
	}

	return ReadResult{Entities: results, PagingInfo: PagingInfo{EntityCount: entityCount}}, nil
}

// resolveMultiEntity runs the follow-up query a multi_entity field's
// Extract placeholder defers (spec.md §4.3): one SELECT per returned row
// per multi_entity return field, rather than a join that would multiply
// the parent row.
func (r *Reader) resolveMultiEntity(ctx context.Context, ref store.MultiEntityRef) ([]entity.Ref, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT child_type, child_id FROM %s WHERE parent_id = %s",
		r.dlt.QuoteIdent(ref.AssocTable), r.dlt.Placeholder(1)), ref.ParentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.Ref
	for rows.Next() {
		var t string
		var id int64
		if err := rows.Scan(&t, &id); err != nil {
			return nil, err
		}
		out = append(out, entity.Ref{Type: t, ID: id})
	}
	return out, rows.Err()
}

// prepareJoinsForPath walks every intermediate hop of segments, calling
// PrepareJoin so later PrepareSelect calls can address the joined alias.
// Unlike compileSegments, a return-field path never hits a multi_entity
// intermediate hop (spec.md §4.3 restricts deep return fields to
// single-entity chains; multi_entity only participates in deep filters).
func prepareJoinsForPath(b store.Builder, reg *schema.Registry, segments []store.PathSegment) error {
	for i := 0; i < len(segments)-1; i++ {
		seg := segments[i]
		et, ok := reg.EntityType(seg.Type)
		if !ok {
			return sgerr.NewClientFault(sgerr.CodeUnknownField, fmt.Sprintf("unknown entity type %q", seg.Type))
		}
		field, ok := et.Field(seg.Field)
		if !ok {
			return sgerr.NewClientFault(sgerr.CodeUnknownField, fmt.Sprintf("%s has no field %q", seg.Type, seg.Field))
		}
		if field.Kind == schema.KindMultiEntity {
			return sgerr.NewPassthrough("return field path traverses multi_entity field %s.%s", seg.Type, seg.Field)
		}
		strat, ok := store.StrategyFor(field.Kind)
		if !ok {
			return fmt.Errorf("query: no strategy for field kind %s", field.Kind)
		}
		if _, err := strat.PrepareJoin(b, field, segments[:i+1], segments[i+1].Type); err != nil {
			return err
		}
	}
	return nil
}

// orderClausePrefix returns " ORDER BY " the first time it's called for a
// given statement, ", " on subsequent calls; detected here by checking
// whether ORDER BY already appears in sqlStr, since Reader.Execute builds
// its ORDER BY incrementally term by term.
func orderClausePrefix(sqlSoFar string) string {
	if strings.Contains(sqlSoFar, " ORDER BY ") {
		return ", "
	}
	return " ORDER BY "
}
