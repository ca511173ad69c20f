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
	"github.com/dreamware/nameserver/internal/coordinator"
	"github.com/dreamware/nameserver/internal/nameserver"
	"github.com/dreamware/nameserver/internal/ops"
	"github.com/dreamware/nameserver/internal/signal"
	"github.com/dreamware/nameserver/internal/zkstore"
)

func main() {
	cmd := &cli.Command{
		Name:  "nameserver",
		Usage: "control plane for a partitioned, replicated table store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the yaml config file",
				Sources: cli.EnvVars("NAMESERVER_CONFIG"),
				Value:   "nameserver.yaml",
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "admin API address, overrides the config file",
				Sources: cli.EnvVars("NAMESERVER_LISTEN"),
			},
			&cli.StringSliceFlag{
				Name:    "zk",
				Usage:   "ZooKeeper servers, overrides the config file",
				Sources: cli.EnvVars("NAMESERVER_ZK_SERVERS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level, overrides the config file",
				Sources: cli.EnvVars("NAMESERVER_LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.LoadNameserver(cmd.String("config"))
			if err != nil {
				return err
			}
			if v := cmd.String("listen"); v != "" {
				cfg.Listen = v
			}
			if v := cmd.StringSlice("zk"); len(v) > 0 {
				cfg.Zookeeper.Servers = v
			}
			if v := cmd.String("log-level"); v != "" {
				cfg.Log.Level = v
			}
			cfg.Log.Setup()
			return run(ctx, cfg)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("nameserver exited")
	}
}

// catalog bundles the durable stores. Every field is nil when no ZooKeeper
// ensemble is configured and state lives in memory only.
type catalog struct {
	tables    coordinator.TableStore
	manifests coordinator.ManifestStore
	flags     coordinator.FlagStore
	ops       ops.Store
	close     func()
}

func openCatalog(cfg config.Zookeeper) (catalog, error) {
	if len(cfg.Servers) == 0 {
		log.Warn().Msg("no zookeeper servers configured, catalog is kept in memory")
		return catalog{close: func() {}}, nil
	}
	s, err := zkstore.Dial(cfg.Servers, cfg.Root, cfg.SessionTimeout.Std())
	if err != nil {
		return catalog{}, err
	}
	return catalog{tables: s, manifests: s, flags: s, ops: s, close: s.Close}, nil
}

// loader is the read side of the durable catalog.
type loader interface {
	LoadTables() ([]coordinator.TableInfo, uint32, error)
	LoadOps() ([]ops.Record, error)
	LoadManifests() ([]cluster.Manifest, error)
	LoadFlags() (map[string]string, error)
}

// app is a fully wired nameserver process.
type app struct {
	ns       *nameserver.NameServer
	health   *coordinator.HealthMonitor
	failover *nameserver.FailoverController
	ops      *ops.Manager
}

func newApp(cfg config.Nameserver, cat catalog, client nameserver.TabletClient) *app {
	health := coordinator.NewHealthMonitor(cfg.Health.Interval.Std())
	health.SetThresholds(cfg.Health.MaxFailures, cfg.Health.Silence.Std(), cfg.Health.ProbeTimeout.Std())

	manager := ops.NewManager(ops.Options{
		Store:          cat.ops,
		Permanent:      cluster.IsPermanent,
		Workers:        cfg.Ops.Workers,
		QueueSize:      cfg.Ops.QueueSize,
		MaxAttempts:    cfg.Ops.MaxAttempts,
		InitialBackoff: cfg.Ops.InitialBackoff.Std(),
		MaxBackoff:     cfg.Ops.MaxBackoff.Std(),
		RPCTimeout:     cfg.Ops.RPCTimeout.Std(),
	})

	ns := nameserver.New(nameserver.Config{
		Tables:    coordinator.NewTableRegistry(cat.tables),
		Manifests: coordinator.NewManifestCatalog(cat.manifests),
		Runtime: coordinator.NewRuntimeConfig(coordinator.RuntimeFlags{
			AutoFailover:     cfg.Runtime.AutoFailover,
			AutoRecoverTable: cfg.Runtime.AutoRecoverTable,
		}, cat.flags),
		Ops:            manager,
		Health:         health,
		Client:         client,
		CatchUpTimeout: cfg.Ops.CatchUpTimeout.Std(),
		CatchUpPoll:    cfg.Ops.CatchUpPoll.Std(),
		MaxOffsetLag:   cfg.Ops.MaxOffsetLag,
		StatusTimeout:  cfg.Ops.RPCTimeout.Std(),
	})

	failover := nameserver.NewFailoverController(ns, 0)
	health.SetOnUnhealthy(func(ep string) { failover.Notify(ep, false) })
	health.SetOnRecovered(func(ep string) { failover.Notify(ep, true) })

	return &app{ns: ns, health: health, failover: failover, ops: manager}
}

// restore reloads the durable catalog into the in-memory components.
func (a *app) restore(ctx context.Context, l loader) error {
	tables, nextTID, err := l.LoadTables()
	if err != nil {
		return err
	}
	records, err := l.LoadOps()
	if err != nil {
		return err
	}
	manifests, err := l.LoadManifests()
	if err != nil {
		return err
	}
	flags, err := l.LoadFlags()
	if err != nil {
		return err
	}
	a.ns.Restore(tables, nextTID, manifests, flags)
	return a.ops.Load(ctx, records)
}

func run(ctx context.Context, cfg config.Nameserver) error {
	cat, err := openCatalog(cfg.Zookeeper)
	if err != nil {
		return err
	}
	defer cat.close()

	client := cluster.NewTabletClient()
	a := newApp(cfg, cat, client)
	a.health.SetCheckFunction(client.Ping)
	if l, ok := cat.tables.(loader); ok {
		if err := a.restore(ctx, l); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.ops.Start(ctx)
	defer a.ops.Stop()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newServer(a.ns, a.health).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return signal.Handler(gctx) })
	g.Go(func() error { return a.failover.Run(gctx) })
	g.Go(func() error {
		a.health.Start(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Listen).Msg("nameserver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	if errors.Is(err, signal.ErrSignal) {
		log.Info().Msg("nameserver stopped")
		return nil
	}
	return err
}
