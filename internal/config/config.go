// Package config resolves the configuration surface of spec.md §6.3
// (connection URL, schema description path, upstream endpoint and
// credentials, follower/scanner toggles and intervals, port) from
// environment variables and command-line flags via
// github.com/spf13/viper, bound to github.com/spf13/cobra flags in
// cmd/sgcached. Only the resolved values are exposed; loading mechanics
// are not part of this package's contract (spec.md §0 non-goals).
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Keys are the viper keys the resolved Config is built from, exported so
// cmd/sgcached can bind cobra flags to the same names.
const (
	KeyDBDriver         = "db.driver"
	KeyDBDSN            = "db.dsn"
	KeySchemaPath       = "schema-path"
	KeyUpstreamURL       = "upstream.url"
	KeyUpstreamToken     = "upstream.token"
	KeyUpstreamTimeout   = "upstream.timeout"
	KeyFollowerEnabled   = "follower.enabled"
	KeyFollowerInterval  = "follower.poll-interval"
	KeyScannerEnabled    = "scanner.enabled"
	KeyScannerInterval   = "scanner.interval"
	KeyControlSocket     = "control.socket"
	KeyHTTPAddr          = "http.addr"
	KeyLogLevel          = "log.level"
	KeyLogJSON           = "log.json"
	KeyLockPath          = "lock-path"
)

// Config is the resolved, validated configuration every sgcache
// component is constructed from. cmd/sgcached builds exactly one of
// these at startup and passes its fields down; nothing downstream reads
// viper directly (spec.md §6.3: "the core consumes only the resolved
// values").
type Config struct {
	DBDriver string // "sqlite3", "postgres", or "mysql"
	DBDSN    string

	SchemaPath string

	UpstreamURL     string
	UpstreamToken   string
	UpstreamTimeout time.Duration

	FollowerEnabled  bool
	FollowerInterval time.Duration

	ScannerEnabled  bool
	ScannerInterval time.Duration

	ControlSocket string
	HTTPAddr      string

	LogLevel string
	LogJSON  bool

	LockPath string
}

// flagNames lists every flag RegisterFlags defines, in the order
// BindFlags binds them to viper keys.
var flagNames = []string{
	"db-driver", "db-dsn", "schema-path", "upstream-url", "upstream-token",
	"upstream-timeout", "follower-enabled", "follower-poll-interval",
	"scanner-enabled", "scanner-interval", "control-socket", "http-addr",
	"log-level", "log-json", "lock-path",
}

// RegisterFlags defines cmd/sgcached's command-line flags on cmd. Safe to
// call exactly once per *cobra.Command; calling it twice on the same
// command panics (pflag rejects redefining a flag).
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("db-driver", "sqlite3", "database driver (sqlite3, postgres, mysql)")
	flags.String("db-dsn", "sgcache.db", "database connection string")
	flags.String("schema-path", "", "path to the entity/field schema description (yaml or toml)")
	flags.String("upstream-url", "", "base URL of the upstream JSON-RPC API")
	flags.String("upstream-token", "", "bearer token for the upstream API")
	flags.Duration("upstream-timeout", 30*time.Second, "upstream HTTP call timeout")
	flags.Bool("follower-enabled", true, "run the event follower")
	flags.Duration("follower-poll-interval", 5*time.Second, "follower idle poll interval")
	flags.Bool("scanner-enabled", true, "run the periodic reconciliation scanner")
	flags.Duration("scanner-interval", 15*time.Minute, "scanner sweep interval")
	flags.String("control-socket", "/var/run/sgcache/control.sock", "control-plane unix socket path")
	flags.String("http-addr", ":8090", "address the JSON-RPC HTTP endpoint listens on")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit logs as JSON instead of console-formatted")
	flags.String("lock-path", "sgcache.lock", "owner lock file path")
}

// BindFlags binds cmd's already-registered flags (see RegisterFlags) to
// their viper keys, so flags, environment variables (SGCACHE_ prefix) and
// a config file all resolve through one precedence order (viper's
// default: flag > env > file > default).
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	for _, name := range flagNames {
		if err := v.BindPFlag(dashToKey(name), flags.Lookup(name)); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", name, err)
		}
	}
	return nil
}

// dashToKey maps a flag's dash-case name to its viper dot-case key.
func dashToKey(flag string) string {
	switch flag {
	case "db-driver":
		return KeyDBDriver
	case "db-dsn":
		return KeyDBDSN
	case "schema-path":
		return KeySchemaPath
	case "upstream-url":
		return KeyUpstreamURL
	case "upstream-token":
		return KeyUpstreamToken
	case "upstream-timeout":
		return KeyUpstreamTimeout
	case "follower-enabled":
		return KeyFollowerEnabled
	case "follower-poll-interval":
		return KeyFollowerInterval
	case "scanner-enabled":
		return KeyScannerEnabled
	case "scanner-interval":
		return KeyScannerInterval
	case "control-socket":
		return KeyControlSocket
	case "http-addr":
		return KeyHTTPAddr
	case "log-level":
		return KeyLogLevel
	case "log-json":
		return KeyLogJSON
	case "lock-path":
		return KeyLockPath
	default:
		return flag
	}
}

// New builds a *viper.Viper that reads SGCACHE_-prefixed environment
// variables (dots become underscores, e.g. SGCACHE_UPSTREAM_URL) and, if
// configFile is non-empty, the named config file.
func New(configFile string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("sgcache")
	v.SetEnvKeyReplacer(dotUnderscoreReplacer{})
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	return v
}

// dotUnderscoreReplacer implements viper's strings.Replacer-shaped
// interface for turning "upstream.url" into "upstream_url" (dots and dashes
// become underscores; viper itself adds the prefix and upper-cases) when
// matching against the environment.
type dotUnderscoreReplacer struct{}

func (dotUnderscoreReplacer) Replace(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '.' || r == '-' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// Resolve reads every key out of v into a validated Config.
func Resolve(v *viper.Viper) (Config, error) {
	cfg := Config{
		DBDriver:         v.GetString(KeyDBDriver),
		DBDSN:            v.GetString(KeyDBDSN),
		SchemaPath:       v.GetString(KeySchemaPath),
		UpstreamURL:      v.GetString(KeyUpstreamURL),
		UpstreamToken:    v.GetString(KeyUpstreamToken),
		UpstreamTimeout:  v.GetDuration(KeyUpstreamTimeout),
		FollowerEnabled:  v.GetBool(KeyFollowerEnabled),
		FollowerInterval: v.GetDuration(KeyFollowerInterval),
		ScannerEnabled:   v.GetBool(KeyScannerEnabled),
		ScannerInterval:  v.GetDuration(KeyScannerInterval),
		ControlSocket:    v.GetString(KeyControlSocket),
		HTTPAddr:         v.GetString(KeyHTTPAddr),
		LogLevel:         v.GetString(KeyLogLevel),
		LogJSON:          v.GetBool(KeyLogJSON),
		LockPath:         v.GetString(KeyLockPath),
	}
	if cfg.SchemaPath == "" {
		return cfg, fmt.Errorf("config: schema-path is required")
	}
	if cfg.UpstreamURL == "" {
		return cfg, fmt.Errorf("config: upstream-url is required")
	}
	return cfg, nil
}

// WatchSchema invokes onChange whenever the schema description file at
// path is written, so a running daemon can hot-reload the registry
// without a restart. Mirrors the teacher's config-file fsnotify watch.
func WatchSchema(path string, onChange func()) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					onChange()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}
