package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"trucksynth/internal/api"
	"trucksynth/internal/buildinfo"
	"trucksynth/internal/config"
	"trucksynth/internal/events"
	"trucksynth/internal/metrics"
	"trucksynth/internal/obs"
	"trucksynth/internal/store"
	"trucksynth/internal/webhooks"
)

type options struct {
	configPath string
	dataDir    string
	outDir     string
	statusAddr string
	logLevel   string
	fromStore  bool
}

func main() {
	// .env is optional
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "trucksynth",
		Short:        "Synthesize truck trip tables from commodity flows and zonal activity",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", os.Getenv("TRUCKSYNTH_CONFIG"), "YAML configuration file")
	pf.StringVar(&opts.logLevel, "log-level", "", "overrides logLevel from the configuration")
	pf.StringVar(&opts.statusAddr, "status-addr", os.Getenv("STATUS_ADDR"), "serve the status API on this address while running")

	root.AddCommand(newRunCmd(opts), newLoadCmd(opts), newServeCmd(opts), newVersionCmd())
	return root
}

func newRunCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "run <longhaul|regional|local|external>",
		Short:     "Run one model and write its trip table",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: modelNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(opts)
			if err != nil {
				return err
			}
			defer env.close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stopStatus := env.serveStatus(opts.statusAddr)
			defer stopStatus()

			r := &runner{
				cfg:       env.cfg,
				log:       env.log,
				store:     env.store,
				broker:    env.broker,
				dataDir:   opts.dataDir,
				outDir:    opts.outDir,
				fromStore: opts.fromStore,
			}
			_, err = r.execute(ctx, args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&opts.dataDir, "data", "data", "input directory")
	cmd.Flags().StringVar(&opts.outDir, "out", "out", "output directory")
	cmd.Flags().BoolVar(&opts.fromStore, "from-store", false, "read commodity flows from the store instead of flows.csv")
	return cmd
}

func newLoadCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Import flows.csv into the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(opts)
			if err != nil {
				return err
			}
			defer env.close()
			n, err := loadFlows(cmd.Context(), opts.dataDir, env.store, env.log)
			if err != nil {
				return err
			}
			env.log.WithField("flows", n).Info("flows imported")
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.dataDir, "data", "data", "input directory")
	return cmd
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and deliver webhooks until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(opts)
			if err != nil {
				return err
			}
			defer env.close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			addr := opts.statusAddr
			if addr == "" {
				addr = ":8080"
				if v := os.Getenv("PORT"); v != "" {
					addr = ":" + v
				}
			}
			go webhooks.NewWorker(env.store, env.cfg.Webhooks, env.log).Run(ctx)
			srv := env.server().NewHTTPServer(addr)
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			env.log.WithField("addr", addr).Info("status API listening")
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}

// environment is the process-wide wiring shared by the commands.
type environment struct {
	cfg     config.Config
	log     *logrus.Logger
	store   store.Store
	broker  events.Broker
	closers []func() error
}

// setup reads the configuration and connects the store and the broker.
// DATABASE_URL selects Postgres and REDIS_URL the Redis broker; both fall
// back to in-memory implementations.
func setup(opts *options) (*environment, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	env := &environment{cfg: cfg, log: obs.NewLogger(cfg.LogLevel)}
	metrics.RegisterDefault()

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		dir := os.Getenv("MIGRATIONS_DIR")
		if dir == "" {
			dir = "db/migrations"
		}
		if err := pg.MigrateDir(dir); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		env.store = pg
		env.closers = append(env.closers, pg.Close)
		env.log.Info("using postgres store")
	} else {
		env.store = store.NewMemory()
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		rb, err := events.NewRedis(url)
		if err != nil {
			env.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		env.broker = rb
		env.closers = append(env.closers, rb.Close)
		env.log.Info("using redis broker")
	} else {
		env.broker = events.NewMemory()
	}
	return env, nil
}

func (e *environment) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.log.WithError(err).Warn("close failed")
		}
	}
}

func (e *environment) server() *api.Server {
	s := api.NewServer(e.store, e.broker, e.log)
	s.AdminToken = os.Getenv("ADMIN_TOKEN")
	return s
}

// serveStatus starts the status API in the background when addr is set and
// returns the function that stops it.
func (e *environment) serveStatus(addr string) func() {
	if addr == "" {
		return func() {}
	}
	srv := e.server().NewHTTPServer(addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.WithError(err).Error("status API stopped")
		}
	}()
	e.log.WithField("addr", addr).Info("status API listening")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
