// Package scanner implements the periodic reconciliation scanner of
// spec.md §4.7: independent of the event follower, it walks every cached
// entity type by updated_at watermark in two passes (active, then
// retired) to catch anything the follower's event stream missed or
// reordered, paging through results with a bounded page size.
//
// Grounded on the teacher's internal/importer bulk-write loop (page
// through a data source, apply each record inside the same write path
// event-driven writes use), retargeted from "import everything once" to
// "periodically re-verify everything against upstream state".
package scanner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/vfxetc/sgcache/internal/metrics"
	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/store"
	"github.com/vfxetc/sgcache/internal/upstream"
)

// WatermarkStore persists the per-entity-type updated_at high-water mark
// a sweep last completed through.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context, entityType string, active bool) (time.Time, error)
	SaveWatermark(ctx context.Context, entityType string, active bool, t time.Time) error
}

// Scanner runs full reconciliation sweeps on an interval.
type Scanner struct {
	up    upstream.Client
	store *store.Store
	reg   *schema.Registry
	wm    WatermarkStore
	mtr   *metrics.Registry
	log   zerolog.Logger

	interval        time.Duration
	entitiesPerPage int
}

// New constructs a Scanner.
func New(up upstream.Client, st *store.Store, reg *schema.Registry, wm WatermarkStore, mtr *metrics.Registry, log zerolog.Logger) *Scanner {
	return &Scanner{
		up: up, store: st, reg: reg, wm: wm, mtr: mtr,
		log:             log.With().Str("component", "scanner").Logger(),
		interval:        15 * time.Minute,
		entitiesPerPage: 500,
	}
}

// Run sweeps every entity type on s.interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.sweepAll(ctx); err != nil {
			s.log.Warn().Err(err).Msg("reconciliation sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scanner) sweepAll(ctx context.Context) error {
	for _, typeName := range s.reg.TypeNames() {
		// Two passes per spec.md §4.7: active rows first (the common
		// case most clients care about), then retired rows (catch
		// revivals the follower missed).
		if err := s.sweepType(ctx, typeName, true); err != nil {
			return err
		}
		if err := s.sweepType(ctx, typeName, false); err != nil {
			return err
		}
	}
	if s.mtr != nil {
		s.mtr.ScannerSweeps.Inc()
	}
	return nil
}

func (s *Scanner) sweepType(ctx context.Context, entityType string, active bool) error {
	mark, err := s.wm.LoadWatermark(ctx, entityType, active)
	if err != nil {
		return err
	}
	for {
		page, err := s.fetchPage(ctx, entityType, active, mark)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, rec := range page {
			op := store.OpEvent
			if active {
				if _, err := s.store.CreateOrUpdate(ctx, entityType, rec.ID, rec.Fields, op); err != nil {
					return err
				}
			} else {
				if _, err := s.store.Retire(ctx, entityType, rec.ID, store.ModeLenient); err != nil {
					return err
				}
			}
			if rec.UpdatedAt.After(mark) {
				mark = rec.UpdatedAt
			}
		}
		if s.mtr != nil {
			s.mtr.ScannerRowsTouch.WithLabelValues(entityType).Add(float64(len(page)))
		}
		if err := s.wm.SaveWatermark(ctx, entityType, active, mark); err != nil {
			return err
		}
		if len(page) < s.entitiesPerPage {
			return nil
		}
	}
}

type sweepRecord struct {
	ID        int64          `json:"id"`
	UpdatedAt time.Time      `json:"updated_at"`
	Fields    map[string]any `json:"fields"`
}

func (s *Scanner) fetchPage(ctx context.Context, entityType string, active bool, after time.Time) ([]sweepRecord, error) {
	resp, err := s.up.Call(ctx, upstream.Request{
		Method: "find",
		Params: map[string]any{
			"type": entityType, "retired_only": !active,
			"updated_since": after, "limit": s.entitiesPerPage,
		},
	})
	if err != nil {
		return nil, err
	}
	var page []sweepRecord
	if err := json.Unmarshal(resp.Result, &page); err != nil {
		return nil, err
	}
	return page, nil
}
