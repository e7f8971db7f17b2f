package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"demosplus/internal/config"
	"demosplus/internal/handlers"
	"demosplus/internal/httpserver"
	"demosplus/internal/logging"
	"demosplus/internal/metrics"
	"demosplus/internal/provider"
	"demosplus/internal/service"
	"demosplus/internal/store"
	"demosplus/internal/sweep"
	"demosplus/internal/vault"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "demosplus",
		Short:         "Demos+ donations and points service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Optional YAML config file")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd(&configFile))
	rootCmd.AddCommand(sweepCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the components shared by every command.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	db         *store.Database
	vault      *vault.Vault
	provider   *provider.Client
	reconciler *service.Reconciler
	sync       func()
}

func newApp(ctx context.Context, cmd *cobra.Command, configFile string) (*app, error) {
	cfg, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		return nil, err
	}
	log, sync, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	v, err := vault.New(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(ctx, cfg.DBDsn, log.With("component", "store"))
	if err != nil {
		log.Error("Failed to open database", "error", err)
		return nil, err
	}

	client := provider.NewClient(provider.Options{
		BaseURL:    cfg.ProviderURL,
		Timeout:    cfg.ProviderTimeout,
		MaxRetries: cfg.ProviderRetries,
		Logger:     log.With("component", "provider"),
	})
	reconciler := service.NewReconciler(db, db, v, client, service.ReconcilerConfig{
		CandidateWindow: cfg.CandidateWindow,
		CandidateLimit:  cfg.CandidateLimit,
	}, log.With("component", "reconciler"))

	return &app{cfg: cfg, log: log, db: db, vault: v, provider: client, reconciler: reconciler, sync: sync}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.Error("Failed to close database", "error", err)
	}
	a.sync()
}

func (a *app) sweeper() *sweep.Sweeper {
	return sweep.New(a.db, a.reconciler, sweep.Config{
		Interval:    a.cfg.SweepInterval,
		OlderThan:   a.cfg.CandidateWindow,
		ExpireAfter: a.cfg.SweepExpireAfter,
		Batch:       a.cfg.SweepBatch,
		Workers:     a.cfg.SweepWorkers,
	}, a.log.With("component", "sweep"))
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd, *configFile)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.cfg.CheckServe(); err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics.Register(reg)

			handler := &handlers.Server{
				Auth: service.NewAuthService(a.db, a.cfg.SecretKey),
				Preferences: service.NewPreferenceCreator(a.db, a.db, a.db, a.vault, a.provider, service.PreferenceConfig{
					Currency:        a.cfg.Currency,
					ReturnURL:       a.cfg.ReturnURL(),
					NotificationURL: a.cfg.WebhookURL(),
					ExpireAfter:     a.cfg.SweepExpireAfter,
				}, a.log.With("component", "preferences")),
				Reconciler:  a.reconciler,
				Credentials: service.NewCredentialService(a.db, a.db, a.vault, a.log.With("component", "credentials")),
				Points:      service.NewPointsService(a.db),
				DB:          a.db,
				Config:      *a.cfg,
				Log:         a.log.With("component", "http"),
			}

			srv := httpserver.New(handler, reg)
			errc := srv.Start()
			go a.sweeper().Run(ctx)

			select {
			case <-ctx.Done():
			case err := <-errc:
				if err != nil {
					return err
				}
			}
			return srv.Shutdown(context.Background())
		},
	}
}

func sweepCmd(configFile *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Settle stale pending donations once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			a, err := newApp(ctx, cmd, *configFile)
			if err != nil {
				return err
			}
			defer a.close()

			rep, err := a.sweeper().RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d applied=%d expired=%d pending=%d rejected=%d failed=%d\n",
				rep.Scanned, rep.Applied, rep.Expired, rep.Pending, rep.Rejected, rep.Failed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Maximum duration of the sweep")
	return cmd
}
