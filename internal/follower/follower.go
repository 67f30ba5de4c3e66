// Package follower implements the event follower of spec.md §4.6: poll
// the upstream event log from a persisted cursor, apply each event to
// the store, and advance the cursor — with exponential backoff on
// upstream errors so a flaky upstream degrades gracefully instead of
// hot-looping.
//
// Grounded on the teacher's internal/daemon import loop (poll a data
// source on an interval, apply each record inside a transaction,
// persist a watermark), generalised from a one-shot batch import to a
// continuously running tailer, and on the teacher's use of
// github.com/cenkalti/backoff/v4 patterns for its own network retries.
package follower

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/vfxetc/sgcache/internal/metrics"
	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/store"
	"github.com/vfxetc/sgcache/internal/upstream"
)

// recognisedDomain is the only event_type domain prefix the follower
// understands (spec.md §4.6 "ignore events outside the recognised
// domain"); events in any other domain are silently skipped.
const recognisedDomain = "Shotgun"

// Subtype is the closed set of event kinds within the recognised domain
// (spec.md §4.6); an event_type whose trailing token doesn't match one
// of these, case-insensitively, is ignored.
type Subtype string

const (
	SubtypeNew        Subtype = "new"
	SubtypeChange     Subtype = "change"
	SubtypeRetirement Subtype = "retirement"
	SubtypeRevival    Subtype = "revival"
)

// Event is one upstream event-log entry, shaped like the upstream
// service's own event log entries: event_type packs
// "{domain}_{EntityType}_{Subtype}" (spec.md §4.6), and the field delta
// for a Change event rides in meta alongside attribute_name.
type Event struct {
	ID            int64           `json:"id"`
	EventTypeRaw  string          `json:"event_type"`
	Entity        *EventEntity    `json:"entity"`
	Project       *EventEntity    `json:"project"`
	AttributeName string          `json:"attribute_name"`
	Meta          EventMeta       `json:"meta"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EventEntity is the {type, id} shape the event log embeds for an
// event's subject entity and, optionally, its project.
type EventEntity struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// EventMeta carries a Change event's field delta (spec.md §4.6
// "Change"): new_value for a scalar or entity field, added/removed for a
// multi_entity field. Left as generic JSON shapes (not internal/entity
// types) since they are handed to store.coerceValue exactly as a direct
// client write's field values would be.
type EventMeta struct {
	NewValue json.RawMessage `json:"new_value"`
	Added    []any           `json:"added"`
	Removed  []any           `json:"removed"`
}

// decodedEvent is the {domain, entityType, subtype} triple an event_type
// string unpacks into; ok is false if the string doesn't match the
// grammar or names an unrecognised subtype.
type decodedEvent struct {
	domain     string
	entityType string
	subtype    Subtype
	ok         bool
}

func (e Event) decode() decodedEvent {
	parts := strings.Split(e.EventTypeRaw, "_")
	if len(parts) < 3 {
		return decodedEvent{}
	}
	domain := parts[0]
	entityType := strings.Join(parts[1:len(parts)-1], "_")
	var subtype Subtype
	switch strings.ToLower(parts[len(parts)-1]) {
	case "new":
		subtype = SubtypeNew
	case "change":
		subtype = SubtypeChange
	case "retirement":
		subtype = SubtypeRetirement
	case "revival":
		subtype = SubtypeRevival
	default:
		return decodedEvent{}
	}
	return decodedEvent{domain: domain, entityType: entityType, subtype: subtype, ok: true}
}

// CursorStore persists and loads the follower's cursor (last_event_id
// plus last_event_time, so a restart resumes without reprocessing or
// gaps — spec.md §4.6). store.Cursor is defined in package store, not
// here, so store.Bookkeeping can implement this interface without an
// import cycle.
type CursorStore interface {
	LoadCursor(ctx context.Context) (store.Cursor, error)
	SaveCursor(ctx context.Context, c store.Cursor) error
}

// Writer is the subset of store.Store the follower needs to apply
// events; a narrow interface so tests can substitute a fake.
type Writer interface {
	CreateOrUpdate(ctx context.Context, entityType string, id int64, fields map[string]any, op store.UpsertOp) (any, error)
	Retire(ctx context.Context, entityType string, id int64, mode store.WriteMode) (bool, error)
	Revive(ctx context.Context, entityType string, id int64, mode store.WriteMode) (bool, error)
	RowExists(ctx context.Context, entityType string, id int64) (bool, error)
}

// writerAdapter narrows store.Store's richer CreateOrUpdate signature
// (which returns entity.Result) to Writer's, so this package doesn't
// need to import internal/entity just for a return type it discards.
type writerAdapter struct{ store *store.Store }

func (w writerAdapter) CreateOrUpdate(ctx context.Context, entityType string, id int64, fields map[string]any, op store.UpsertOp) (any, error) {
	return w.store.CreateOrUpdate(ctx, entityType, id, fields, op)
}
func (w writerAdapter) Retire(ctx context.Context, entityType string, id int64, mode store.WriteMode) (bool, error) {
	return w.store.Retire(ctx, entityType, id, mode)
}
func (w writerAdapter) Revive(ctx context.Context, entityType string, id int64, mode store.WriteMode) (bool, error) {
	return w.store.Revive(ctx, entityType, id, mode)
}
func (w writerAdapter) RowExists(ctx context.Context, entityType string, id int64) (bool, error) {
	return w.store.RowExists(ctx, entityType, id)
}

// Follower continuously polls the upstream event log and applies events
// to the store.
type Follower struct {
	up     upstream.Client
	writer Writer
	reg    *schema.Registry
	cur    CursorStore
	mtr    *metrics.Registry
	log    zerolog.Logger

	pollInterval time.Duration
	pageSize     int
}

// New constructs a Follower.
func New(up upstream.Client, st *store.Store, reg *schema.Registry, cur CursorStore, mtr *metrics.Registry, log zerolog.Logger) *Follower {
	return &Follower{
		up: up, writer: writerAdapter{store: st}, reg: reg, cur: cur, mtr: mtr,
		log:          log.With().Str("component", "follower").Logger(),
		pollInterval: 5 * time.Second,
		pageSize:     500,
	}
}

// Run polls forever until ctx is cancelled, backing off exponentially on
// errors (starting at 10s) and resetting the backoff after each successful
// poll (spec.md §4.6 "retry"). Every failed poll is logged at WARN; while
// failures continue, one ERROR line is logged about every ten minutes.
func (f *Follower) Run(ctx context.Context) error {
	cursor, err := f.cur.LoadCursor(ctx)
	if err != nil {
		return err
	}
	if cursor.LastEventID == 0 {
		// Neither a persisted cursor nor the store's auto-last-id seed
		// produced a starting point: this is a cache with nothing in it
		// yet. Starting at id 0 would replay the upstream's entire
		// history, so start at the tail instead (spec.md §4.6 "State").
		seeded, err := f.seedFromTail(ctx)
		if err != nil {
			return err
		}
		cursor = seeded
		if err := f.cur.SaveCursor(ctx, cursor); err != nil {
			return err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0 // retry forever; the caller decides when to give up via ctx

	// failingSince marks the start of the current run of failed polls;
	// lastEscalation is when that run was last reported at ERROR.
	var failingSince, lastEscalation time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := f.pollOnce(ctx, &cursor)
		if err != nil {
			wait := b.NextBackOff()
			f.log.Warn().Err(err).Dur("backoff", wait).Msg("event poll failed")
			now := time.Now()
			if failingSince.IsZero() {
				failingSince, lastEscalation = now, now
			} else if now.Sub(lastEscalation) >= 10*time.Minute {
				lastEscalation = now
				f.log.Error().Err(err).Dur("failing_for", now.Sub(failingSince)).Msg("event poll still failing")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
		failingSince = time.Time{}

		if f.mtr != nil {
			f.mtr.FollowerLag.Set(time.Since(cursor.LastEventTime).Seconds())
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.pollInterval):
			}
		}
	}
}

// seedFromTail asks upstream for the single most recent event and
// returns a cursor positioned there, so the follower's first poll only
// sees events that arrive after this moment.
func (f *Follower) seedFromTail(ctx context.Context) (store.Cursor, error) {
	resp, err := f.up.Call(ctx, upstream.Request{
		Method: "event_log_read",
		Params: map[string]any{"limit": 1, "order": "desc"},
	})
	if err != nil {
		return store.Cursor{}, err
	}
	var events []Event
	if err := json.Unmarshal(resp.Result, &events); err != nil {
		return store.Cursor{}, err
	}
	if len(events) == 0 {
		return store.Cursor{}, nil
	}
	return store.Cursor{LastEventID: events[0].ID, LastEventTime: events[0].CreatedAt}, nil
}

// pollOnce fetches and applies one page of events starting after cursor,
// persisting the cursor after each successfully-applied event (rather
// than once per page) so a mid-batch failure doesn't re-apply events
// that already landed.
func (f *Follower) pollOnce(ctx context.Context, cursor *store.Cursor) (int, error) {
	events, err := f.fetchEvents(ctx, cursor.LastEventID, f.pageSize)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, ev := range events {
		if err := f.apply(ctx, ev); err != nil {
			return applied, err
		}
		cursor.LastEventID = ev.ID
		if ev.CreatedAt.After(cursor.LastEventTime) {
			cursor.LastEventTime = ev.CreatedAt
		}
		if err := f.cur.SaveCursor(ctx, *cursor); err != nil {
			return applied, err
		}
		applied++
		if f.mtr != nil {
			f.mtr.FollowerEvents.WithLabelValues(string(ev.decode().subtype)).Inc()
		}
	}
	return applied, nil
}

func (f *Follower) fetchEvents(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	resp, err := f.up.Call(ctx, upstream.Request{
		Method: "event_log_read",
		Params: map[string]any{"last_event_id": afterID, "limit": limit},
	})
	if err != nil {
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(resp.Result, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (f *Follower) apply(ctx context.Context, ev Event) error {
	d := ev.decode()
	if !d.ok {
		f.log.Warn().Str("event_type", ev.EventTypeRaw).Msg("event_type does not match {domain}_{EntityType}_{Subtype}, skipping")
		return nil
	}
	if d.domain != recognisedDomain {
		return nil
	}
	et, ok := f.reg.EntityType(d.entityType)
	if !ok {
		return nil // entity type not cached
	}
	if ev.Entity == nil {
		f.log.Warn().Int64("event_id", ev.ID).Msg("event carries no entity reference, skipping")
		return nil
	}
	id := ev.Entity.ID

	switch d.subtype {
	case SubtypeRetirement:
		_, err := f.writer.Retire(ctx, d.entityType, id, store.ModeLenient)
		return err

	case SubtypeRevival:
		existed, err := f.writer.Revive(ctx, d.entityType, id, store.ModeLenient)
		if err != nil || existed {
			return err
		}
		return f.fetchAndWrite(ctx, d.entityType, id)

	case SubtypeNew:
		return f.fetchAndWrite(ctx, d.entityType, id)

	case SubtypeChange:
		field, ok := et.Field(ev.AttributeName)
		if !ok || !field.IsCached() {
			return nil
		}
		known, err := f.writer.RowExists(ctx, d.entityType, id)
		if err != nil {
			return err
		}
		if !known {
			return f.fetchAndWrite(ctx, d.entityType, id)
		}
		fields := map[string]any{
			ev.AttributeName:      changeValue(field, ev.Meta),
			"_last_log_event_id":  ev.ID,
		}
		if ev.Project != nil {
			if _, ok := et.Field("project"); ok {
				fields["project"] = map[string]any{"type": ev.Project.Type, "id": ev.Project.ID}
			}
		}
		_, err = f.writer.CreateOrUpdate(ctx, d.entityType, id, fields, store.OpEvent)
		return err

	default:
		return nil
	}
}

// changeValue shapes a Change event's meta into the value coerceValue
// expects for field's kind: a plain reference-list object for
// multi_entity, the decoded new_value for everything else.
func changeValue(field schema.Field, meta EventMeta) any {
	if field.Kind == schema.KindMultiEntity {
		return map[string]any{"added": meta.Added, "removed": meta.Removed}
	}
	if len(meta.NewValue) == 0 {
		return nil
	}
	var v any
	_ = json.Unmarshal(meta.NewValue, &v)
	return v
}

// fetchAndWrite fetches every cached field of (entityType, id) from
// upstream and writes it through, trying the active set first and the
// retired set second so a New/Revival-as-New fallback lands with the
// right _active flag either way (spec.md §4.6 "New").
func (f *Follower) fetchAndWrite(ctx context.Context, entityType string, id int64) error {
	et, ok := f.reg.EntityType(entityType)
	if !ok {
		return nil
	}
	fields, active, found, err := f.fetchEntity(ctx, et, entityType, id, "active")
	if err != nil {
		return err
	}
	if !found {
		fields, active, found, err = f.fetchEntity(ctx, et, entityType, id, "retired")
		if err != nil {
			return err
		}
	}
	if !found {
		f.log.Warn().Str("type", entityType).Int64("id", id).Msg("event referenced an entity upstream no longer reports")
		return nil
	}
	fields["_active"] = active
	_, err = f.writer.CreateOrUpdate(ctx, entityType, id, fields, store.OpEvent)
	return err
}

func (f *Follower) fetchEntity(ctx context.Context, et *schema.EntityType, entityType string, id int64, returnOnly string) (map[string]any, bool, bool, error) {
	returnFields := make([]string, 0, len(et.Fields()))
	for _, fld := range et.Fields() {
		if fld.IsCached() {
			returnFields = append(returnFields, fld.Name)
		}
	}
	resp, err := f.up.Call(ctx, upstream.Request{
		Method: "read",
		Params: map[string]any{
			"type":          entityType,
			"return_fields": returnFields,
			"return_only":   returnOnly,
			"filters": map[string]any{
				"logical_operator": "and",
				"conditions": []any{
					map[string]any{"path": "id", "relation": "is", "values": []any{id}},
				},
			},
			"paging": map[string]any{"current_page": 1, "entities_per_page": 1},
		},
	})
	if err != nil {
		return nil, false, false, err
	}
	var page struct {
		Entities []map[string]any `json:"entities"`
	}
	if err := json.Unmarshal(resp.Result, &page); err != nil {
		return nil, false, false, err
	}
	if len(page.Entities) == 0 {
		return nil, false, false, nil
	}
	return page.Entities[0], returnOnly == "active", true, nil
}
