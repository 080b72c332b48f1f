package main

import (
	"fmt"
	"os"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/config"
	"github.com/researchaccelerator-hub/lesson-harvester/standalone"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type rootOptions struct {
	configFile string
	logLevel   string
	logPretty  bool
	v          *viper.Viper
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"base-dir":       "paths.base_dir",
	"ledger":         "paths.ledger",
	"failure-log":    "paths.failure_report",
	"output":         "paths.reconciled_ledger",
	"report":         "paths.discrepancy_report",
	"threads":        "threads.max_lesson_threads",
	"retries":        "download.max_retries",
	"base-url":       "site.base_url",
	"courses-url":    "site.courses_url",
	"headless":       "site.headless",
	"metrics":        "metrics.enabled",
	"metrics-port":   "metrics.port",
	"format":         "reconcile.format",
	"dapr":           "dapr.enabled",
	"dapr-store":     "dapr.state_store",
	"dapr-grpc-port": "dapr.grpc_port",
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	defaults := config.DefaultConfig()

	root := &cobra.Command{
		Use:           "lesson-harvester",
		Short:         "Download and audit course lessons",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(opts.logLevel, opts.logPretty)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.BoolVar(&opts.logPretty, "log-pretty", false, "Human-readable console logs")
	pf.String("base-dir", defaults.Paths.BaseDir, "Directory lessons are downloaded into")
	pf.String("ledger", defaults.Paths.Ledger, "Status ledger CSV")

	harvest := &cobra.Command{
		Use:   "harvest",
		Short: "Download every outstanding lesson artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return standalone.StartHarvest(cfg)
		},
	}
	hf := harvest.Flags()
	hf.String("failure-log", defaults.Paths.FailureReport, "File failed downloads are appended to")
	hf.Int("threads", defaults.Threads.MaxLessonThreads, "Lessons processed in parallel")
	hf.Int("retries", defaults.Download.MaxRetries, "Attempts per retried operation")
	hf.String("base-url", defaults.Site.BaseURL, "Site root used for login")
	hf.String("courses-url", defaults.Site.CoursesURL, "Page listing every course")
	hf.Bool("headless", defaults.Site.Headless, "Run Chrome without a window")
	hf.Bool("metrics", defaults.Metrics.Enabled, "Serve Prometheus metrics")
	hf.Int("metrics-port", defaults.Metrics.Port, "Port of the metrics endpoint")
	hf.Bool("dapr", defaults.Dapr.Enabled, "Mirror ledger records to a Dapr state store")
	hf.String("dapr-store", defaults.Dapr.StateStore, "Dapr state store name")
	hf.Int("dapr-grpc-port", defaults.Dapr.GRPCPort, "Dapr sidecar gRPC port")

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check the ledger against the files on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			report, err := standalone.StartReconcile(cfg)
			if err != nil {
				return err
			}
			return report.Write(cmd.OutOrStdout(), cfg.Reconcile.Format)
		},
	}
	rf := reconcileCmd.Flags()
	rf.String("output", defaults.Paths.ReconciledLedger, "Corrected ledger CSV")
	rf.String("report", defaults.Paths.DiscrepancyReport, "Discrepancy report file")
	rf.String("format", defaults.Reconcile.Format, "Report format (text or yaml)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Summarise the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			report, err := standalone.Status(cfg.Paths.Ledger)
			if err != nil {
				return err
			}
			return report.WriteText(cmd.OutOrStdout())
		},
	}

	root.AddCommand(harvest, reconcileCmd, status)
	return root
}

// load binds the flags of cmd to their configuration keys and decodes the
// configuration. Only flags set on the command line override the file and
// environment.
func (o *rootOptions) load(cmd *cobra.Command) (*config.HarvestConfig, error) {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = o.v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
	}
	return config.Load(o.v, o.configFile)
}

func setupLogging(level string, pretty bool) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}
