package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/devblac/lag-watch/internal/config"
	"github.com/devblac/lag-watch/internal/engine"
	"github.com/devblac/lag-watch/internal/health"
	"github.com/devblac/lag-watch/internal/logging"
	"github.com/devblac/lag-watch/internal/metrics"
	"github.com/devblac/lag-watch/internal/sink"
	"github.com/devblac/lag-watch/internal/source/cursor"
	"github.com/devblac/lag-watch/internal/source/node"
	"github.com/devblac/lag-watch/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagOnce    bool
	flagDryRun  bool
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Run one tick and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Do not send to sinks")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the lag probe",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logLevel := os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			logLevel = cfg.Log.Level
		}
		log := logging.NewWithOptions(os.Stderr, logLevel, cfg.Log.Format)

		var store *storage.Store
		if cfg.Global.DBPath != "" {
			store, err = storage.Open(cfg.Global.DBPath)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()
		}

		head := node.NewFetcher(cfg.Network, cfg.Global.RequestTimeout)
		indexed, err := cursor.NewFetcher(cfg.Indexer, cfg.Global.RequestTimeout, log)
		if err != nil {
			return err
		}

		sinks := map[string]sink.Sender{}
		for _, s := range cfg.Sinks {
			sender, err := sink.FromConfig(s)
			if err != nil {
				return fmt.Errorf("sink %s: %w", s.ID, err)
			}
			sinks[s.ID] = sender
		}

		runner, err := engine.NewRunner(head, indexed, sinks, engine.OptionsFromConfig(cfg, flagDryRun))
		if err != nil {
			return err
		}
		runner.WithLogger(log)
		if store != nil {
			runner.WithJournal(store)
		}

		if flagMetrics != "" {
			runner.WithMetrics(metrics.Init())
			log.Info("metrics enabled", "addr", flagMetrics)
			srv := serveMetrics(flagMetrics, log)
			defer shutdown(srv)
		}

		if flagHealth != "" {
			upstream := health.NewUpstreamChecker(runner)
			checker := health.Checker{
				NodePing:    upstream.PingNode,
				IndexerPing: upstream.PingIndexer,
				LastTick:    upstream.LastTick,
			}
			if store != nil {
				checker.JournalPing = store.Ping
			}
			healthSrv := health.Serve(flagHealth, checker)
			log.Info("health check enabled", "addr", flagHealth)
			defer shutdown(healthSrv)
		}

		if flagOnce {
			return runner.RunOnce(ctx).Err
		}
		return runner.Run(ctx)
	},
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(ctx, srv)
}
