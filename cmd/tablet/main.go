// Package main implements the reference tablet, the storage node the
// nameserver places partition replicas on.
//
// The tablet is a worker in the cluster, responsible for:
//   - Hosting partition replicas as leader or follower
//   - Pushing leader writes to followers
//   - Writing snapshots and the partition MANIFEST
//   - Registering with the nameserver and sending heartbeats
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Tablet                   │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health              - Liveness      │
//	│    /v1/partitions/*     - Replica RPC   │
//	│    /v1/records/put      - Leader write  │
//	│    /v1/records/replicate - Push in      │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    tablet.Node   - Hosted replicas      │
//	│    Heartbeats    - Nameserver link      │
//	└─────────────────────────────────────────┘
//
// Configuration is read from a yaml file (see internal/config.Tablet);
// flags and environment variables override it:
//   - TABLET_CONFIG: config file path (default: "tablet.yaml")
//   - TABLET_LISTEN: listen address
//   - TABLET_ENDPOINT: endpoint announced to the nameserver
//   - TABLET_NAMESERVER: nameserver address
//   - TABLET_DATA_DIR: snapshot directory
//
// Example usage:
//
//	TABLET_LISTEN=127.0.0.1:9520 \
//	TABLET_NAMESERVER=127.0.0.1:9620 \
//	./tablet
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/config"
	"github.com/dreamware/nameserver/internal/signal"
	"github.com/dreamware/nameserver/internal/tablet"
)

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("tablet exited")
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "tablet",
		Usage: "reference storage node managed by the nameserver",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the yaml config file",
				Sources: cli.EnvVars("TABLET_CONFIG"),
				Value:   "tablet.yaml",
			},
			&cli.StringFlag{Name: "listen", Sources: cli.EnvVars("TABLET_LISTEN")},
			&cli.StringFlag{Name: "endpoint", Sources: cli.EnvVars("TABLET_ENDPOINT")},
			&cli.StringFlag{Name: "nameserver", Sources: cli.EnvVars("TABLET_NAMESERVER")},
			&cli.StringFlag{Name: "data-dir", Sources: cli.EnvVars("TABLET_DATA_DIR")},
			&cli.StringFlag{Name: "log-level", Sources: cli.EnvVars("TABLET_LOG_LEVEL")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Log.Setup()
			return run(ctx, cfg)
		},
	}
}

// loadConfig reads the config file and applies flag overrides. An explicit
// listen address without an explicit endpoint also moves the endpoint.
func loadConfig(cmd *cli.Command) (config.Tablet, error) {
	cfg, err := config.LoadTablet(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	if v := cmd.String("listen"); v != "" {
		if cfg.Endpoint == cfg.Listen {
			cfg.Endpoint = v
		}
		cfg.Listen = v
	}
	if v := cmd.String("endpoint"); v != "" {
		cfg.Endpoint = v
	}
	if v := cmd.String("nameserver"); v != "" {
		cfg.Nameserver = v
	}
	if v := cmd.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Tablet) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	node := tablet.NewNode(cfg.Endpoint, cfg.DataDir, cluster.NewTabletClient())
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           tablet.Handler(node),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return signal.Handler(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.Listen).Str("endpoint", cfg.Endpoint).Str("data_dir", cfg.DataDir).
			Msg("tablet listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return tablet.RunHeartbeats(gctx, cluster.NewAdminClient(cfg.Nameserver), cfg.Endpoint,
			cfg.HeartbeatInterval.Std())
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	if errors.Is(err, signal.ErrSignal) {
		log.Info().Msg("tablet stopped")
		return nil
	}
	return err
}
