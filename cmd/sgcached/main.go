// Command sgcached is the sgcache server process: it loads configuration
// and the entity schema, opens the relational store, and runs the
// router, follower, scanner and control plane until signalled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vfxetc/sgcache/internal/config"
	"github.com/vfxetc/sgcache/internal/daemon"
	"github.com/vfxetc/sgcache/internal/logging"
)

var version = [3]int{0, 1, 0}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "sgcached",
		Short: "sgcache daemon: a site-local read-through/write-through cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.New(configFile)
			if err := config.BindFlags(cmd, v); err != nil {
				return err
			}
			if configFile != "" {
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config file: %w", err)
				}
			}
			return run(cmd.Context(), v)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file (yaml/toml/json, viper-recognised)")
	config.RegisterFlags(cmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd.SetContext(ctx)
	original := cmd.PostRunE
	cmd.PostRunE = func(c *cobra.Command, args []string) error {
		cancel()
		if original != nil {
			return original(c, args)
		}
		return nil
	}

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	resolved, err := config.Resolve(v)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{Level: logging.Level(resolved.LogLevel), JSON: resolved.LogJSON})
	log := logging.Component("daemon")

	d, err := daemon.New(resolved, log, version)
	if err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("error closing daemon")
		}
	}()

	log.Info().Msg("sgcache daemon starting")
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon exited: %w", err)
	}
	log.Info().Msg("sgcache daemon stopped")
	return nil
}
