package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/runsync/internal/api"
	"github.com/seantiz/runsync/internal/backend"
	"github.com/seantiz/runsync/internal/backend/k8sdeploy"
	"github.com/seantiz/runsync/internal/backend/k8sjob"
	"github.com/seantiz/runsync/internal/backend/kube"
	"github.com/seantiz/runsync/internal/backend/nuclio"
	"github.com/seantiz/runsync/internal/config"
	"github.com/seantiz/runsync/internal/dispatch"
	"github.com/seantiz/runsync/internal/engine"
	"github.com/seantiz/runsync/internal/kind"
	"github.com/seantiz/runsync/internal/kinds"
	"github.com/seantiz/runsync/internal/kinds/job"
	nucliokind "github.com/seantiz/runsync/internal/kinds/nuclio"
	"github.com/seantiz/runsync/internal/kinds/serving"
	"github.com/seantiz/runsync/internal/notify"
	"github.com/seantiz/runsync/internal/store"
)

const stopTimeout = 15 * time.Second

type serveFlags struct {
	listen  string
	db      string
	store   string
	pollers string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the pollers and the dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&f.listen, "listen", "", "HTTP listen address (overrides RUNSYNC_LISTEN_ADDR)")
	cmd.Flags().StringVar(&f.db, "db", "", "SQLite database path (overrides RUNSYNC_DB_PATH)")
	cmd.Flags().StringVar(&f.store, "store", "", "record store: sqlite or redis (overrides RUNSYNC_STORE)")
	cmd.Flags().StringVar(&f.pollers, "pollers", "", "pollers YAML file (overrides RUNSYNC_POLLERS_FILE)")
	return cmd
}

// apply overrides cfg with the flags the user set.
func (f serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("listen", &cfg.ListenAddr, f.listen)
	set("db", &cfg.DBPath, f.db)
	set("store", &cfg.Store, f.store)
	set("pollers", &cfg.PollersFile, f.pollers)
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("runsync: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"store", cfg.Store,
	)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	kindReg := kind.NewRegistry()
	if err := kinds.RegisterDefaults(kindReg); err != nil {
		return fmt.Errorf("register kinds: %w", err)
	}
	backends := buildBackends(cfg, logger)

	eng, err := engine.NewEngine(engine.Config{
		StatusTimeout: cfg.StatusTimeout,
		PollInterval:  cfg.PollInterval,
		TickWorkers:   cfg.TickWorkers,
		DispatchLanes: cfg.DispatchWorkers,
		DispatchQueue: cfg.DispatchQueue,
	}, kindReg, st, backends, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	defs, err := pollerDefs(cfg)
	if err != nil {
		return err
	}
	if err := eng.InstallPollers(defs); err != nil {
		return fmt.Errorf("install pollers: %w", err)
	}

	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		eng.Subscribe(dispatch.AnyKind, "nats", notify.New(nc, logger.With("component", "notify")).Handle)
		logger.Info("publishing transitions to nats", "url", cfg.NATSURL)
	}

	eng.Start(ctx)
	srv := api.NewServer(cfg.ListenAddr, eng, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), stopTimeout)
		defer cancel()
		return eng.Stop(stopCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		s, err := store.NewRedisStore(ctx, cfg.RedisAddr, "runsync")
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return s, nil
	}
}

// buildBackends registers the status fetchers that can be reached. Kinds
// whose backend is not configured stay listed but reject submissions.
func buildBackends(cfg config.Config, logger *slog.Logger) *backend.Registry {
	reg := backend.NewRegistry()

	client, err := kube.Connect(cfg.Kubeconfig)
	if err != nil {
		logger.Warn("kubernetes unavailable, job and serving kinds disabled", "error", err)
	} else {
		reg.Register(job.Kind, k8sjob.New(client, cfg.Namespace))
		reg.Register(serving.Kind, k8sdeploy.New(client, cfg.Namespace))
	}

	if cfg.NuclioURL != "" {
		reg.Register(nucliokind.Kind, nuclio.New(cfg.NuclioURL, cfg.NuclioQPS, nuclio.WithNamespace(cfg.Namespace)))
	} else {
		logger.Warn("RUNSYNC_NUCLIO_URL not set, nuclio kind disabled")
	}
	return reg
}

func pollerDefs(cfg config.Config) ([]engine.PollerDef, error) {
	if cfg.PollersFile == "" {
		return nil, nil
	}
	pollers, err := config.LoadPollers(cfg.PollersFile)
	if err != nil {
		return nil, err
	}
	defs := make([]engine.PollerDef, len(pollers))
	for i, p := range pollers {
		defs[i] = engine.PollerDef{Name: p.Name, Kinds: p.Kinds, Interval: p.Interval, Reschedule: p.Reschedule}
	}
	return defs, nil
}
