package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/internal/daemon"
	"github.com/driftwatch/driftwatch/internal/history"
	"github.com/driftwatch/driftwatch/internal/logger"
	"github.com/driftwatch/driftwatch/internal/pipeline"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "driftwatchd",
		Short: "Continuous reconciliation daemon for configuration drift",
		Long: `driftwatchd watches configuration directories, re-applies the
provisioning pipeline when files change, and periodically checks the
observed state against the desired state. Detected drift is classified
by severity and either fixed automatically under the configured policy
or written up as a remediation runbook.`,
		RunE:          runDaemon,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.Flags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := daemon.DefaultConfig()
	if configPath != "" {
		loaded, err := daemon.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger.Initialize(cfg.Logging)
	log := logger.New("main")

	if len(cfg.ApplyCommand) == 0 {
		return fmt.Errorf("apply_command must be configured")
	}
	applier, err := pipeline.NewExecApplier(cfg.ApplyCommand)
	if err != nil {
		return err
	}

	deps := daemon.Deps{
		Applier:  applier,
		Provider: pipeline.NewSnapshotProvider(),
	}

	if cfg.HistoryPath != "" {
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return fmt.Errorf("opening history store: %w", err)
		}
		defer store.Close()
		deps.History = store
	}

	d := daemon.New(cfg, deps)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.Metrics().Registry(), promhttp.HandlerOpts{}))
		go func() {
			log.Info("metrics listener starting", logger.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn("metrics listener exited", logger.Error(err))
			}
		}()
	}

	if err := d.Start(); err != nil {
		return err
	}

	// Start installed a signal handler that calls Stop; block until the
	// loop drains.
	d.Wait()
	if d.State() == daemon.StateError {
		return fmt.Errorf("daemon exited in error state")
	}
	return nil
}
