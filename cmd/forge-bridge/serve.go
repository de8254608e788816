package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vyvo/forge/bridge/pkg/api"
	"github.com/vyvo/forge/bridge/pkg/capability"
	"github.com/vyvo/forge/bridge/pkg/config"
	"github.com/vyvo/forge/bridge/pkg/gpu"
	"github.com/vyvo/forge/bridge/pkg/history"
	"github.com/vyvo/forge/bridge/pkg/localfs"
	"github.com/vyvo/forge/bridge/pkg/metrics"
	"github.com/vyvo/forge/bridge/pkg/remote"
	"github.com/vyvo/forge/bridge/pkg/session"
	"github.com/vyvo/forge/bridge/pkg/simulate"
	"github.com/vyvo/forge/bridge/pkg/supervisor"
	"github.com/vyvo/forge/bridge/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP and websocket bridge",
		RunE:  doServe,
	}
	cmd.Flags().String("listen", "", "listen address, overrides listen_addr")
	cmd.Flags().Bool("simulate", false, "replay simulated jobs instead of running scripts")
	return cmd
}

func doServe(cmd *cobra.Command, _ []string) error {
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if sim, _ := cmd.Flags().GetBool("simulate"); sim {
		cfg.Training.Simulate = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, telemetry.Options{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Logger:      logger,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(flushCtx)
	}()

	recorder, err := openHistory(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer recorder.Close()

	detector := capability.New(cfg.Training.Python, cfg.Training.DetectTimeout, cfg.Training.DetectTTL, logger)
	orch, err := newOrchestrator(cfg.Training, recorder, detector)
	if err != nil {
		return err
	}

	var backends api.BackendDetector = detector
	if cfg.Training.Remote.Enabled {
		backends = nil
	}
	srv := api.New(api.Options{
		Slot:           session.NewSlot(),
		Sessions:       orch,
		Backends:       backends,
		GPUs:           gpu.NewQuerier(10 * time.Second),
		Local:          localfs.New(cfg.Local.ModelsDir, cfg.Local.DatasetsDir),
		History:        recorder.Reader(),
		Follow:         recorder.Memory(),
		AllowedOrigins: cfg.AllowedOrigins,
		APIKey:         cfg.APIKey,
		Logger:         logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("bridge listening", "addr", cfg.ListenAddr, "simulate", cfg.Training.Simulate, "remote", cfg.Training.Remote.Enabled)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("session did not stop in time", "error", err)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("bridge stopped")
	return err
}

func newOrchestrator(tc config.TrainingConfig, recorder *history.Recorder, detector *capability.Detector) (*session.Orchestrator, error) {
	orch := &session.Orchestrator{
		Extractor:   metrics.Default(),
		Interpreter: tc.Python,
		ScriptDir:   tc.ScriptDir,
		Recorder:    recorder,
		Logger:      logger,
	}
	switch {
	case tc.Simulate:
		logger.Warn("simulation mode: job scripts are generated but not executed")
		orch.Launcher = &simulate.Launcher{Interval: tc.SimulateInterval}
		orch.Extractor = metrics.Simulated()
	case tc.Remote.Enabled:
		rc := tc.Remote
		launcher, err := remote.New(remote.Config{
			Host:           rc.Host,
			Port:           rc.Port,
			User:           rc.User,
			Password:       rc.Password,
			KeyPath:        rc.KeyPath,
			KnownHostsPath: rc.KnownHostsPath,
			Dir:            rc.Dir,
			Python:         rc.Python,
			Grace:          tc.TerminateGrace,
		}, logger)
		if err != nil {
			return nil, err
		}
		// the local toolchain says nothing about the remote host
		orch.Launcher = launcher
	default:
		orch.Launcher = supervisor.NewLocal(tc.TerminateGrace, logger)
		orch.Detector = detector
	}
	return orch, nil
}

func openHistory(ctx context.Context, hc config.HistoryConfig) (*history.Recorder, error) {
	var durable []history.Store
	closeAll := func() {
		for _, s := range durable {
			_ = s.Close()
		}
	}
	if hc.SQLitePath != "" {
		s, err := history.NewSQLiteStore(ctx, hc.SQLitePath)
		if err != nil {
			return nil, err
		}
		durable = append(durable, s)
	}
	if hc.PostgresDSN != "" {
		s, err := history.NewPostgresStore(ctx, hc.PostgresDSN)
		if err != nil {
			closeAll()
			return nil, err
		}
		durable = append(durable, s)
	}
	if hc.RedisURL != "" {
		s, err := history.NewRedisStore(ctx, hc.RedisURL, hc.RedisTTL)
		if err != nil {
			closeAll()
			return nil, err
		}
		durable = append(durable, s)
	}
	return history.NewRecorder(history.NewMemStore(hc.MaxEvents, hc.MaxRuns), durable...), nil
}
