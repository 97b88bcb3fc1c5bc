package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/fentz26/workflowd/internal/audit"
	"github.com/fentz26/workflowd/internal/broker"
	"github.com/fentz26/workflowd/internal/claim"
	"github.com/fentz26/workflowd/internal/controlplane"
	"github.com/fentz26/workflowd/internal/jobs"
	"github.com/fentz26/workflowd/internal/liveness"
	"github.com/fentz26/workflowd/internal/logger"
	"github.com/fentz26/workflowd/internal/metrics"
	"github.com/fentz26/workflowd/internal/router"
	"github.com/fentz26/workflowd/internal/store"
	"github.com/fentz26/workflowd/internal/taskqueue"
	"github.com/fentz26/workflowd/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workflowd daemon",
	Long:  `Starts the daemon: it consumes workflow events, runs the liveness monitor and serves the status and ingest API.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address for the API server (overrides api.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	log := logger.Configure(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", controlplane.Version).Msg("starting workflowd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	st, err := store.New(store.OptionsFromConfig(cfg), log, m)
	if err != nil {
		return err
	}
	if err := st.Connect(ctx); err != nil {
		if !store.IsConnectivityError(err) {
			return err
		}
		// Every operation reconnects on its own.
		log.Warn().Err(err).Msg("database unreachable, continuing")
	}
	defer func() {
		log.Info().Msg("closing database connection")
		if err := st.Disconnect(); err != nil {
			log.Error().Err(err).Msg("database close")
		}
	}()

	b := broker.NewMemory()
	defer b.Close()

	clock := clockwork.NewRealClock()
	claims := claim.New(st, clock, log, m)
	jm := jobs.NewManager(st,
		jobs.WithClock(clock),
		jobs.WithZombieAfter(cfg.Lifecycle.ZombieAfter),
		jobs.WithLogger(log),
	)
	registry, err := workflow.RegistryFromConfig(cfg.Workflows, b)
	if err != nil {
		return err
	}
	auditWriter := audit.NewWriter(st, clock, log)
	reconciler := liveness.NewReconciler(st, clock, log, m)

	def := router.Definition(cfg.Queues, router.Components{
		Engine:   workflow.NewEngine(registry, jm, st, st, clock, log),
		Logs:     st,
		Audit:    auditWriter,
		Liveness: reconciler,
		Tasks:    taskqueue.New(st, claims, jm, b, cfg.Queues.StepCompleted, clock, log),
		Log:      log,
	})
	rt := router.New(b, def, log, m)

	service := controlplane.NewService(st, claims, b, def, auditWriter, log)
	server := controlplane.NewServer(service, m, cfg.API.Listen, log)

	monitor := liveness.NewMonitor(st, reconciler, cfg.Liveness, log, m)
	monitor.Start()
	defer monitor.Stop()

	routerErr := make(chan error, 1)
	go func() { routerErr <- rt.Run(ctx) }()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	var (
		runErr     error
		routerDone bool
	)
	select {
	case <-ctx.Done():
		log.Info().Msg("received signal, initiating graceful shutdown")
	case err := <-serverErr:
		runErr = err
		log.Error().Err(err).Msg("api server stopped")
	case err := <-routerErr:
		if err == nil {
			err = errors.New("router stopped")
		}
		runErr, routerDone = err, true
		log.Error().Err(err).Msg("router stopped")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Info().Msg("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown")
	}

	if !routerDone {
		select {
		case <-routerErr:
		case <-shutdownCtx.Done():
			log.Warn().Msg("router did not stop in time")
		}
	}

	log.Info().Msg("shutdown complete")
	return runErr
}
