package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	defaults "github.com/xtxerr/bandwatch/config"
	"github.com/xtxerr/bandwatch/internal/alerting"
	"github.com/xtxerr/bandwatch/internal/api"
	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/provision"
	"github.com/xtxerr/bandwatch/internal/scheduler"
	"github.com/xtxerr/bandwatch/internal/storage/enrich"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: ingestion API, rollups, lifecycle sweeps and alert evaluation",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.API.Listen = listenAddr
	}
	log := logging.Component("bandwatchd")
	log.Info("starting", "version", Version, "data_dir", cfg.Storage.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Stores
	// =========================================================================

	rules, err := openRules(ctx)
	if err != nil {
		return err
	}
	defer rules.Close()

	locker, err := newLocker(ctx, rules)
	if err != nil {
		return err
	}

	svc, err := openStorage(locker)
	if err != nil {
		return err
	}
	defer svc.Close()

	// =========================================================================
	// Provisioning
	// =========================================================================

	res, err := provision.Apply(ctx, rules, cfg.Provisioning, provision.Options{})
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	if err := res.Err(); err != nil {
		log.Warn("provisioning incomplete", "error", err)
	}

	// =========================================================================
	// Alerting
	// =========================================================================

	dispatcher := alerting.NewChannelDispatcher(rules, logging.Component("dispatch"))
	engine := alerting.New(svc.Store(), rules, dispatcher, alerting.Options{
		DefaultCooldown:    cfg.Alerting.DefaultCooldown,
		DisableAutoResolve: !cfg.Alerting.AutoResolve,
		AutoResolveReason:  defaults.DefaultAutoResolveReason,
		MaxSampleAge:       cfg.Alerting.MaxSampleAge,
		Workers:            cfg.Alerting.Workers,
		Locker:             locker,
		LeaseTTL:           cfg.Lease.TTL,
		Logger:             logging.Component("alerting"),
	})

	// =========================================================================
	// Scheduler
	// =========================================================================

	sched := scheduler.New(&scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		TaskTimeout:  cfg.Scheduler.TaskTimeout,
		DrainTimeout: cfg.Scheduler.DrainTimeout,
	})
	tasks := svc.Tasks()
	if cfg.Alerting.Enabled {
		tasks = append(tasks, engine.Tasks(cfg.Alerting.Interval, cfg.Alerting.HistoryRetention)...)
	} else {
		log.Info("alert evaluation disabled")
	}
	for _, t := range tasks {
		if err := sched.Add(t); err != nil {
			return fmt.Errorf("schedule %s: %w", t.Name, err)
		}
	}
	sched.Start()

	// =========================================================================
	// HTTP
	// =========================================================================

	srv := &http.Server{
		Addr: cfg.API.Listen,
		Handler: api.New(api.Deps{
			Ingester:     svc,
			Query:        svc.Query(),
			Rules:        rules,
			Alerts:       engine,
			Enricher:     enrich.New(),
			Tasks:        sched,
			MaxBodyBytes: cfg.API.MaxBodyBytes,
			Version:      Version,
		}).Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.API.Listen)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
		}
	}

	// =========================================================================
	// Shutdown: stop accepting work, drain tasks, then close the stores
	// =========================================================================

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	sched.Stop(shutdownCtx)

	st := engine.Stats()
	log.Info("stopped", "ticks", st.Ticks, "triggered", st.Triggered)
	return nil
}
