package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vidmesh/sentinel/internal/api"
	"github.com/vidmesh/sentinel/internal/config"
	"github.com/vidmesh/sentinel/internal/detector"
	"github.com/vidmesh/sentinel/internal/gc"
	"github.com/vidmesh/sentinel/internal/launcher"
	"github.com/vidmesh/sentinel/internal/logging"
	"github.com/vidmesh/sentinel/internal/metrics"
	"github.com/vidmesh/sentinel/internal/registry"
	"github.com/vidmesh/sentinel/internal/relay"
	"github.com/vidmesh/sentinel/internal/scheduler"
	"github.com/vidmesh/sentinel/internal/store"
)

const shutdownGrace = 10 * time.Second

func daemonCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)

			logging.Init(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
			logging.Op().Info("starting sentinel", "version", version, "config", cfg.Redacted())

			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (JSON or YAML)")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	st, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.Init("sentinel", func() (float64, float64) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		active, _ := st.CountActive(ctx)
		inactive, _ := st.CountInactive(ctx)
		return float64(active), float64(inactive)
	})

	reg := registry.New(st, nil)

	var collector *gc.Collector
	if cfg.Cleanup.Enabled {
		client := gc.NewClient(cfg.Storage.Endpoint, cfg.Storage.Region,
			cfg.Storage.AccessKey, cfg.Storage.SecretKey)
		collector = gc.New(context.Background(), client, gc.Options{
			Bucket:      cfg.Storage.Bucket,
			ChunkFolder: cfg.Storage.ChunkFolder,
			BatchSize:   cfg.Cleanup.BatchSize,
			Async:       cfg.Cleanup.Async,
		})
		reg = registry.New(st, collector)
	}

	l := launcher.New(cfg.Backup, cfg.Daemon.ServiceID, reg)
	defer l.Close()

	rel := relay.New(cfg.Relay, cfg.Daemon.ServiceID, reg)

	det := detector.New(detector.Config{
		Enabled:         cfg.Failover.Enabled,
		HeartbeatPeriod: time.Duration(cfg.Failover.HeartbeatPeriodS) * time.Second,
		ChunkPeriod:     time.Duration(cfg.Failover.ChunkPeriodS) * time.Second,
		MaxMissed:       cfg.Failover.MaxMissed,
		CheckInterval:   time.Duration(cfg.Failover.CheckIntervalS) * time.Second,
	}, reg, l)

	sched := scheduler.New(cfg.Failover, det, reg, st, l)
	if err := sched.Start(); err != nil {
		return err
	}

	httpServer := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
		Store:    st,
		Registry: reg,
		Detector: det,
		Launcher: l,
		GC:       collector,
		Relay:    rel,
		Metrics:  m,
	})
	logging.Op().Info("control plane ready", "addr", cfg.Daemon.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Op().Info("shutting down", "signal", sig.String())

	sched.Stop(shutdownGrace)
	rel.Shutdown(shutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	httpServer.Shutdown(ctx)
	if collector != nil {
		collector.Wait(ctx)
	}
	return nil
}
