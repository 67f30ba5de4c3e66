// Package daemon wires every sgcache subsystem together into one running
// process: it opens the relational store, materialises the schema,
// constructs the query reader and write engine, and supervises the
// router's HTTP endpoint, the event follower, the reconciliation
// scanner and the control plane as sibling tasks under one
// golang.org/x/sync/errgroup, the way the teacher's cmd/bd supervises
// its own daemon's background loops.
package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/vfxetc/sgcache/internal/config"
	"github.com/vfxetc/sgcache/internal/control"
	"github.com/vfxetc/sgcache/internal/follower"
	"github.com/vfxetc/sgcache/internal/lockfile"
	"github.com/vfxetc/sgcache/internal/metrics"
	"github.com/vfxetc/sgcache/internal/query"
	"github.com/vfxetc/sgcache/internal/router"
	"github.com/vfxetc/sgcache/internal/scanner"
	"github.com/vfxetc/sgcache/internal/schema"
	"github.com/vfxetc/sgcache/internal/store"
	"github.com/vfxetc/sgcache/internal/store/dialect"
	"github.com/vfxetc/sgcache/internal/store/migrate"
	"github.com/vfxetc/sgcache/internal/upstream"
)

// driverForDialect maps a dialect.Name to the database/sql driver name
// registered by the blank imports above.
var driverForDialect = map[dialect.Name]string{
	dialect.SQLite:   "sqlite3",
	dialect.Postgres: "pgx",
	dialect.MySQL:    "mysql",
}

// Version is stamped by cmd/sgcached; it feeds the "info" method's
// reported server version (spec.md §6.1).
type Version = [3]int

// Daemon owns every subsystem's lifetime.
type Daemon struct {
	cfg config.Config
	log zerolog.Logger
	mtr *metrics.Registry

	lock *lockfile.OwnerLock
	db   *sqlx.DB

	reg *schema.Registry
	rd  *query.Reader
	wr  *store.Store
	bk  *store.Bookkeeping
	up  upstream.Client
	rt  *router.Router
	fl  *follower.Follower
	sc  *scanner.Scanner
	ctl *control.Controller
}

// New opens the store, materialises the schema, and constructs every
// subsystem. The returned Daemon has not started any background work
// yet; call Run to do that.
func New(cfg config.Config, log zerolog.Logger, version Version) (*Daemon, error) {
	lock := lockfile.New(cfg.LockPath)
	if err := lock.Acquire(); err != nil {
		return nil, fmt.Errorf("daemon: acquiring owner lock: %w", err)
	}

	dlt, err := dialect.Get(dialect.Name(normalizeDriver(cfg.DBDriver)))
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("daemon: %w", err)
	}
	driverName, ok := driverForDialect[dlt.Name()]
	if !ok {
		_ = lock.Release()
		return nil, fmt.Errorf("daemon: no database/sql driver registered for dialect %q", dlt.Name())
	}

	sqlDB, err := sql.Open(driverName, cfg.DBDSN)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("daemon: opening database: %w", err)
	}
	if err := migrate.Up(sqlDB, migrateDialectName(dlt.Name())); err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("daemon: running bookkeeping migrations: %w", err)
	}
	db := sqlx.NewDb(sqlDB, driverName)

	reg, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("daemon: loading schema: %w", err)
	}

	schemaLog := log.With().Str("component", "schema").Logger()
	sch := store.NewSchema(db, dlt, schemaLog)
	if err := sch.Ensure(context.Background(), reg); err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("daemon: materialising schema: %w", err)
	}

	promReg := prometheus.NewRegistry()
	mtr := metrics.New(promReg)

	wr := store.NewStore(db, reg, dlt, log.With().Str("component", "store").Logger())
	bk := store.NewBookkeeping(db, reg, dlt)
	rd := query.NewReader(db, reg, dlt)

	up := upstream.NewHTTPClient(upstream.Config{
		BaseURL:   cfg.UpstreamURL,
		AuthToken: cfg.UpstreamToken,
		Timeout:   cfg.UpstreamTimeout,
	}, log.With().Str("component", "upstream").Logger())

	rt := router.New(router.Config{
		Registry: reg, Reader: rd, Writer: wr, Upstream: up, Metrics: mtr, Version: version,
	}, log)

	fl := follower.New(up, wr, reg, bk, mtr, log)
	sc := scanner.New(up, wr, reg, bk, mtr, log)
	ctl := control.New(
		func(ctx context.Context, payload json.RawMessage) (any, error) {
			return rt.Handle(ctx, router.MethodBatch, payload)
		},
		bk, mtr, log,
	)

	return &Daemon{
		cfg: cfg, log: log, mtr: mtr, lock: lock, db: db,
		reg: reg, rd: rd, wr: wr, bk: bk, up: up, rt: rt, fl: fl, sc: sc, ctl: ctl,
	}, nil
}

// Close releases the owner lock and closes the database connection.
// Callers invoke this after Run returns.
func (d *Daemon) Close() error {
	dbErr := d.db.Close()
	lockErr := d.lock.Release()
	if dbErr != nil {
		return dbErr
	}
	return lockErr
}

// Run starts the HTTP endpoint, the follower, the scanner and the
// control plane as sibling tasks, returning when ctx is cancelled or any
// task fails irrecoverably. Each task's own retry/backoff loop (follower,
// scanner) absorbs transient errors internally, so a task only returns
// here on a fatal setup failure or ctx cancellation (spec.md §7:
// "follower/scanner operational failures... never crash the process").
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	httpSrv := &http.Server{Addr: d.cfg.HTTPAddr, Handler: d.httpHandler()}
	g.Go(func() error {
		d.log.Info().Str("addr", d.cfg.HTTPAddr).Msg("http endpoint listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http endpoint: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if d.cfg.FollowerEnabled {
		g.Go(func() error {
			if err := d.fl.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("follower: %w", err)
			}
			return nil
		})
	}

	if d.cfg.ScannerEnabled {
		g.Go(func() error {
			if err := d.sc.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("scanner: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		l, err := control.Listen(d.cfg.ControlSocket)
		if err != nil {
			return fmt.Errorf("control: %w", err)
		}
		if err := d.ctl.Serve(ctx, l); err != nil && ctx.Err() == nil {
			return fmt.Errorf("control: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func normalizeDriver(driver string) string {
	switch driver {
	case "sqlite3", "sqlite":
		return "sqlite"
	default:
		return driver
	}
}

func migrateDialectName(name dialect.Name) string {
	if name == dialect.SQLite {
		return "sqlite3"
	}
	return string(name)
}
