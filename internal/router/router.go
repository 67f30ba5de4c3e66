// Package router implements the request router of spec.md §4.5: per-method
// dispatch between the cache and the upstream service, with the
// passthrough-as-control-flow pattern of spec.md §9 — a strategy or
// compiler detecting it cannot serve a request returns an
// *sgerr.Passthrough, and the router's job is simply to catch that and
// forward the original request unmodified, not to special-case every
// uncacheable shape up front.
//
// Grounded on the teacher's internal/rpc request dispatch (one constant
// per operation, a big switch in server_core.go), generalised from
// beads's issue-tracker verbs to sgcache's read/create/update/delete/
// revive/info/batch verbs.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rs/zerolog"

	"github.com/vfxetc/sgcache/internal/entity"
	"github.com/vfxetc/sgcache/internal/metrics"
	"github.com/vfxetc/sgcache/internal/query"
	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/sgerr"
	"github.com/vfxetc/sgcache/internal/store"
	"github.com/vfxetc/sgcache/internal/upstream"
)

// Method names the router dispatches on (spec.md §4.5).
const (
	MethodInfo   = "info"
	MethodRead   = "read"
	MethodCreate = "create"
	MethodUpdate = "update"
	MethodDelete = "delete"
	MethodRevive = "revive"
	MethodBatch  = "batch"
)

// Router dispatches one decoded request at a time. It holds no
// connection state; the control plane and HTTP handler both construct a
// Router per process and call Handle per request.
type Router struct {
	reg   *schema.Registry
	rd    *query.Reader
	wr    *store.Store
	up    upstream.Client
	log   zerolog.Logger
	mtr   *metrics.Registry
	group singleflight.Group

	version [3]int
}

// Config bundles Router's dependencies.
type Config struct {
	Registry *schema.Registry
	Reader   *query.Reader
	Writer   *store.Store
	Upstream upstream.Client
	Metrics  *metrics.Registry
	Version  [3]int
}

// New constructs a Router.
func New(cfg Config, log zerolog.Logger) *Router {
	return &Router{
		reg: cfg.Registry, rd: cfg.Reader, wr: cfg.Writer, up: cfg.Upstream,
		mtr: cfg.Metrics, version: cfg.Version,
		log: log.With().Str("component", "router").Logger(),
	}
}

// Handle dispatches one request by method name, returning its JSON-shaped
// result or an error (an *sgerr.ClientFault, *sgerr.Operational, or a
// plain error for anything the caller should treat as 500).
func (r *Router) Handle(ctx context.Context, method string, raw json.RawMessage) (any, error) {
	start := time.Now()
	result, err := r.dispatch(ctx, method, raw)
	errKind := ""
	switch {
	case err == nil:
	case sgerr.IsPassthrough(err):
		errKind = "passthrough"
	default:
		if _, ok := sgerr.AsClientFault(err); ok {
			errKind = "client_fault"
		} else {
			errKind = "operational"
		}
	}
	if r.mtr != nil {
		r.mtr.ObserveRequest(method, time.Since(start), errKind)
	}
	return result, err
}

func (r *Router) dispatch(ctx context.Context, method string, raw json.RawMessage) (any, error) {
	switch method {
	case MethodInfo:
		return r.handleInfo(ctx)
	case MethodRead:
		var req ReadArgs
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, "malformed read request")
		}
		return r.handleRead(ctx, req)
	case MethodCreate:
		var req WriteArgs
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, "malformed create request")
		}
		return r.handleCreate(ctx, req)
	case MethodUpdate:
		var req WriteArgs
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, "malformed update request")
		}
		return r.handleUpdate(ctx, req)
	case MethodDelete:
		var req IDArgs
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, "malformed delete request")
		}
		return r.handleDelete(ctx, req)
	case MethodRevive:
		var req IDArgs
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, "malformed revive request")
		}
		return r.handleRevive(ctx, req)
	case MethodBatch:
		var req BatchArgs
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, "malformed batch request")
		}
		return r.handleBatch(ctx, req)
	default:
		// Unknown method names are not necessarily invalid: the upstream
		// API may support verbs sgcache doesn't model yet, so the default
		// behaviour is to pass through rather than fail closed.
		return r.forward(ctx, method, raw)
	}
}

// ReadArgs mirrors the upstream "find"-shaped request (spec.md §6.1):
// filters/sorts/paging are wire-named and wire-shaped exactly as the
// upstream find request is, so a passthrough can forward req verbatim.
type ReadArgs struct {
	Type         string      `json:"type"`
	ReturnFields []string    `json:"return_fields"`
	Filters      query.Filter `json:"filters"`
	Sorts        []SortArg   `json:"sorts"`
	Paging       PagingArg   `json:"paging"`
	ReturnOnly   query.ReturnOnly `json:"return_only"`
}

// SortArg is one sort term, wire-shaped as {field_name, direction}
// (spec.md §6.1), distinct from query.OrderTerm's Go-side {Path,
// Descending} shape.
type SortArg struct {
	FieldName string `json:"field_name"`
	Direction string `json:"direction"` // "asc" or "desc"
}

// PagingArg is the wire paging object (spec.md §6.1): {current_page,
// entities_per_page}.
type PagingArg struct {
	CurrentPage     int `json:"current_page"`
	EntitiesPerPage int `json:"entities_per_page"`
}

// WriteArgs mirrors the upstream create/update request shape.
type WriteArgs struct {
	Type         string         `json:"type"`
	ID           int64          `json:"id"`
	Fields       map[string]any `json:"fields"`
	ReturnFields []string       `json:"return_fields"`
}

// IDArgs identifies one entity for delete/revive.
type IDArgs struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// BatchArgs is a list of sub-requests executed as one logical unit
// (spec.md §4.5 "batch"). Each element is the same {request_type, ...}
// shape a standalone request would have; RequestType is peeled off to
// pick the handler, and the whole raw element is re-decoded into that
// handler's argument type.
type BatchArgs struct {
	Requests []json.RawMessage `json:"requests"`
}

func (r *Router) handleInfo(ctx context.Context) (any, error) {
	return map[string]any{
		"version":            []int{r.version[0], r.version[1], r.version[2]},
		"s3_uploads_enabled": false,
		"totango_site_id":    nil,
		"entity_types":       r.reg.TypeNames(),
		// sgcache marks every info response so a client (or a human poking
		// at the endpoint with curl) can tell it's talking to the cache and
		// not the upstream service directly.
		"sgcache": true,
	}, nil
}

func (r *Router) handleRead(ctx context.Context, req ReadArgs) (any, error) {
	// Deduplicate identical concurrent reads (spec.md §4.5 "read
	// deduplication") so a thundering herd of identical queries shares one
	// database round trip.
	key := dedupeKey(req)
	v, err, _ := r.group.Do(key, func() (any, error) {
		order := make([]query.OrderTerm, 0, len(req.Sorts))
		for _, s := range req.Sorts {
			order = append(order, query.OrderTerm{Path: s.FieldName, Descending: strings.EqualFold(s.Direction, "desc")})
		}
		return r.rd.Execute(ctx, query.ReadRequest{
			EntityType:   req.Type,
			ReturnFields: req.ReturnFields,
			Filter:       req.Filters,
			OrderBy:      order,
			Page:         req.Paging.CurrentPage,
			PageSize:     req.Paging.EntitiesPerPage,
			ReturnOnly:   req.ReturnOnly,
		})
	})
	if err != nil {
		if sgerr.IsPassthrough(err) {
			return r.forward(ctx, MethodRead, mustJSON(req))
		}
		return nil, err
	}
	return v, nil
}

// forwardPrepared is the prepare half of the two-phase coroutine pattern
// spec.md §4.5/§4.8 describes for create/update/delete/revive: prepare
// shapes the upstream request, complete consumes its result and writes
// through. Splitting the two lets handleBatch coalesce every prepared
// request into one upstream "batch" call instead of dispatching each
// sub-request as its own round trip.
type forwardPrepared struct {
	method   string
	params   any
	complete func(result json.RawMessage) (any, error)
}

// prepareCreate augments the forwarded return_fields with every cached
// field of the entity type (spec.md §4.5 "create": "the cache cannot know
// in advance which fields the caller will read back, so it asks upstream
// for everything it would otherwise have to cache piecemeal on first
// read").
func (r *Router) prepareCreate(ctx context.Context, req WriteArgs) forwardPrepared {
	augmented := append([]string{}, req.ReturnFields...)
	seen := make(map[string]bool, len(augmented))
	for _, f := range augmented {
		seen[f] = true
	}
	if et, ok := r.reg.EntityType(req.Type); ok {
		for _, fld := range et.Fields() {
			if fld.IsCached() && !seen[fld.Name] {
				augmented = append(augmented, fld.Name)
				seen[fld.Name] = true
			}
		}
	}
	params := req
	params.ReturnFields = augmented

	return forwardPrepared{
		method: MethodCreate,
		params: params,
		complete: func(result json.RawMessage) (any, error) {
			var created struct {
				ID     int64          `json:"id"`
				Fields map[string]any `json:"fields"`
			}
			if err := json.Unmarshal(result, &created); err != nil {
				return nil, fmt.Errorf("router: decode create response: %w", err)
			}
			if _, err := r.wr.CreateOrUpdate(ctx, req.Type, created.ID, created.Fields, store.OpInsert); err != nil {
				r.log.Warn().Err(err).Str("type", req.Type).Int64("id", created.ID).Msg("failed to cache created entity")
			}
			// A Shot created against a non-empty task_template has its
			// Tasks minted by upstream as a side effect of the create; the
			// cache only learns about them by asking (spec.md §4.5
			// "create" Shot special case).
			if req.Type == "Shot" && hasEntityRef(created.Fields["task_template"]) {
				if err := r.cacheTasksForShot(ctx, created.ID); err != nil {
					r.log.Warn().Err(err).Int64("shot_id", created.ID).Msg("failed to cache tasks minted from task_template")
				}
			}
			return trimToRequested(req.Type, created.ID, created.Fields, req.ReturnFields), nil
		},
	}
}

func (r *Router) prepareUpdate(ctx context.Context, req WriteArgs) forwardPrepared {
	return forwardPrepared{
		method: MethodUpdate,
		params: req,
		complete: func(result json.RawMessage) (any, error) {
			var updated struct {
				Fields map[string]any `json:"fields"`
			}
			// The upstream update response may or may not echo the written
			// fields back; if it doesn't, the values the caller submitted
			// are themselves the authoritative new state to cache.
			if len(result) > 0 {
				if err := json.Unmarshal(result, &updated); err != nil {
					return nil, fmt.Errorf("router: decode update response: %w", err)
				}
			}
			fields := updated.Fields
			if len(fields) == 0 {
				fields = req.Fields
			}
			if _, err := r.wr.CreateOrUpdate(ctx, req.Type, req.ID, fields, store.OpUpdate); err != nil {
				r.log.Warn().Err(err).Str("type", req.Type).Int64("id", req.ID).Msg("failed to cache updated entity")
			}
			return trimToRequested(req.Type, req.ID, fields, req.ReturnFields), nil
		},
	}
}

func (r *Router) prepareDelete(ctx context.Context, req IDArgs) forwardPrepared {
	return forwardPrepared{
		method: MethodDelete,
		params: req,
		complete: func(result json.RawMessage) (any, error) {
			if _, err := r.wr.Retire(ctx, req.Type, req.ID, store.ModeLenient); err != nil {
				r.log.Warn().Err(err).Str("type", req.Type).Int64("id", req.ID).Msg("failed to retire cached entity")
			}
			return entity.Result{Type: req.Type, ID: req.ID, EntityExists: true}, nil
		},
	}
}

func (r *Router) prepareRevive(ctx context.Context, req IDArgs) forwardPrepared {
	return forwardPrepared{
		method: MethodRevive,
		params: req,
		complete: func(result json.RawMessage) (any, error) {
			if _, err := r.wr.Revive(ctx, req.Type, req.ID, store.ModeLenient); err != nil {
				r.log.Warn().Err(err).Str("type", req.Type).Int64("id", req.ID).Msg("failed to revive cached entity")
			}
			return entity.Result{Type: req.Type, ID: req.ID, EntityExists: true}, nil
		},
	}
}

func (r *Router) handleCreate(ctx context.Context, req WriteArgs) (any, error) {
	return r.runPrepared(ctx, r.prepareCreate(ctx, req))
}

func (r *Router) handleUpdate(ctx context.Context, req WriteArgs) (any, error) {
	return r.runPrepared(ctx, r.prepareUpdate(ctx, req))
}

func (r *Router) handleDelete(ctx context.Context, req IDArgs) (any, error) {
	return r.runPrepared(ctx, r.prepareDelete(ctx, req))
}

func (r *Router) handleRevive(ctx context.Context, req IDArgs) (any, error) {
	return r.runPrepared(ctx, r.prepareRevive(ctx, req))
}

func (r *Router) runPrepared(ctx context.Context, fp forwardPrepared) (any, error) {
	resp, err := r.up.Call(ctx, upstream.Request{Method: fp.method, Params: fp.params})
	if err != nil {
		return nil, err
	}
	return fp.complete(resp.Result)
}

// cacheTasksForShot fetches every Task whose entity link points at the
// given Shot and writes each through, the way the event follower fetches
// an entity it has just learned exists.
func (r *Router) cacheTasksForShot(ctx context.Context, shotID int64) error {
	et, ok := r.reg.EntityType("Task")
	if !ok {
		return nil // Task isn't a cached entity type; nothing to do
	}
	returnFields := make([]string, 0, len(et.Fields()))
	for _, fld := range et.Fields() {
		if fld.IsCached() {
			returnFields = append(returnFields, fld.Name)
		}
	}
	resp, err := r.up.Call(ctx, upstream.Request{
		Method: MethodRead,
		Params: map[string]any{
			"type":          "Task",
			"return_fields": returnFields,
			"filters": map[string]any{
				"logical_operator": "and",
				"conditions": []any{
					map[string]any{"path": "entity", "relation": "is", "values": []any{map[string]any{"type": "Shot", "id": shotID}}},
				},
			},
			"paging": map[string]any{"current_page": 1, "entities_per_page": 500},
		},
	})
	if err != nil {
		return err
	}
	var page struct {
		Entities []map[string]any `json:"entities"`
	}
	if err := json.Unmarshal(resp.Result, &page); err != nil {
		return err
	}
	for _, rec := range page.Entities {
		idVal, _ := rec["id"].(float64)
		if _, err := r.wr.CreateOrUpdate(ctx, "Task", int64(idVal), rec, store.OpInsert); err != nil {
			r.log.Warn().Err(err).Int64("task_id", int64(idVal)).Msg("failed to cache task minted from task_template")
		}
	}
	return nil
}

// hasEntityRef reports whether v looks like a non-empty {type, id}
// reference, the shape an entity-kind field's value takes once decoded
// from JSON.
func hasEntityRef(v any) bool {
	m, ok := v.(map[string]any)
	return ok && m["id"] != nil
}

// trimToRequested narrows fields down to exactly the caller's originally
// requested return_fields, plus the {type, id} every response carries
// regardless (spec.md §4.5 "create": "the response is trimmed back down
// to what the caller actually asked for").
func trimToRequested(entityType string, id int64, fields map[string]any, requested []string) entity.Record {
	out := entity.Record{"type": entityType, "id": id}
	for _, name := range requested {
		if v, ok := fields[name]; ok {
			out[name] = v
		}
	}
	return out
}

// forward sends a request to the upstream service verbatim, used both
// for unrecognised methods and for passthrough fallbacks raised by the
// compiler or a field strategy.
func (r *Router) forward(ctx context.Context, method string, raw json.RawMessage) (any, error) {
	var params any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, sgerr.NewClientFault(sgerr.CodeInvalidValues, "malformed request")
		}
	}
	resp, err := r.up.Call(ctx, upstream.Request{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	var out any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &out); err != nil {
			return nil, fmt.Errorf("router: decode forwarded response: %w", err)
		}
	}
	return out, nil
}

func dedupeKey(req ReadArgs) string {
	b, _ := json.Marshal(req)
	return req.Type + ":" + string(b)
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
