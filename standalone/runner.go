package standalone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/client"
	"github.com/researchaccelerator-hub/lesson-harvester/common"
	"github.com/researchaccelerator-hub/lesson-harvester/config"
	"github.com/researchaccelerator-hub/lesson-harvester/crawl"
	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/researchaccelerator-hub/lesson-harvester/metrics"
	"github.com/researchaccelerator-hub/lesson-harvester/orchestrator"
	"github.com/researchaccelerator-hub/lesson-harvester/reconcile"
	"github.com/researchaccelerator-hub/lesson-harvester/state"
	"github.com/researchaccelerator-hub/lesson-harvester/worker"
	"github.com/rs/zerolog/log"
)

// Environment supplies the site-facing pieces of a harvest. Auth may be nil
// for sites without a login.
type Environment struct {
	Sessions crawler.SessionFactory
	Auth     crawler.Authenticator
	Catalog  crawler.Catalog
	Fetcher  crawler.Fetcher
}

// BrowserEnvironment drives the real course platform through Chrome.
func BrowserEnvironment(cfg *config.HarvestConfig) Environment {
	return Environment{
		Sessions: client.NewBrowserFactory(client.BrowserOptions{
			Headless:      cfg.Site.Headless,
			UserAgent:     cfg.Download.UserAgent,
			PageTimeout:   cfg.Download.PageTimeout,
			ActionTimeout: cfg.Download.ElementTimeout,
		}),
		Auth: client.NewFormAuthenticator(cfg.Site.BaseURL, crawler.Credentials{
			Email:    cfg.Site.Email,
			Password: cfg.Site.Password,
		}, cfg.Download.ElementTimeout),
		Catalog: client.NewSiteCatalog(cfg.Site.CoursesURL, cfg.Download.ElementTimeout, cfg.Download.PageTimeout),
		Fetcher: client.NewHTTPFetcher(cfg.Download.Timeout, cfg.Download.UserAgent),
	}
}

// StartHarvest runs a full harvest against the configured site. Ctrl-C
// pauses and resumes; a second Ctrl-C within the stop window, or SIGTERM,
// stops after the lessons already in flight.
func StartHarvest(cfg *config.HarvestConfig) error {
	log.Info().Msg("Starting harvester in standalone mode")

	if err := cfg.ValidateSite(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controller := worker.NewController(cfg.Control.PausePoll, cfg.Control.StopWindow)
	unwatch := controller.WatchSignals(ctx)
	defer unwatch()

	log.Info().Msg("Press Ctrl+C to pause or resume; press it twice quickly to stop")

	_, err := RunHarvest(ctx, cfg, BrowserEnvironment(cfg), controller)
	return err
}

// RunHarvest wires the ledger, session pool, lesson runner and discovery
// pass together and runs one harvest. The failure report is written even
// when the run ends with an error.
func RunHarvest(ctx context.Context, cfg *config.HarvestConfig, env Environment, controller *worker.Controller) (orchestrator.Summary, error) {
	runID := common.GenerateRunID()
	log.Info().Str("run_id", runID).Str("base_dir", cfg.Paths.BaseDir).Int("max_lesson_threads", cfg.Threads.MaxLessonThreads).Msg("Starting harvest")

	if controller == nil {
		controller = worker.NewController(cfg.Control.PausePoll, cfg.Control.StopWindow)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			if err := collector.Serve(ctx, cfg.Metrics.Port); err != nil {
				log.Error().Err(err).Int("port", cfg.Metrics.Port).Msg("Metrics server stopped")
			}
		}()
	}

	ledger, closeLedger, err := openLedger(cfg, runID, collector)
	if err != nil {
		return orchestrator.Summary{RunID: runID}, err
	}
	defer closeLedger()

	cleaner := crawl.NewPartialCleaner(cfg.Paths.BaseDir, cfg.Download.VideoWait, 2*cfg.Download.VideoWait+cfg.Download.Timeout)
	if removed := cleaner.CleanOnce(); removed > 0 {
		log.Info().Int("removed", removed).Msg("Removed leftovers of interrupted downloads")
	}
	if err := cleaner.Start(); err != nil {
		log.Warn().Err(err).Msg("Partial download cleaner not started")
	}
	defer cleaner.Stop()

	sessions := client.NewSessionPool(cfg.Threads.MaxLessonThreads, env.Sessions, env.Auth)
	defer sessions.Close()

	failures := crawl.NewFailureLog(runID)

	runnerOpts := []crawl.RunnerOption{crawl.WithStopSignal(controller)}
	if collector != nil {
		runnerOpts = append(runnerOpts, crawl.WithRecorder(collector))
	}
	runner := crawl.NewLessonRunner(crawl.RunnerConfig{
		Attempts:        cfg.Download.MaxRetries,
		RetryDelay:      cfg.Download.RetryDelay,
		VideoRetryDelay: cfg.Download.VideoRetryDelay,
		VideoWait:       cfg.Download.VideoWait,
		ElementTimeout:  cfg.Download.ElementTimeout,
	}, ledger, env.Fetcher, env.Auth, failures, runnerOpts...)

	workers := worker.NewPool(runID, cfg.Threads.MaxLessonThreads, sessions, runner, controller)

	harvester := orchestrator.NewHarvester(orchestrator.Config{
		RunID:      runID,
		BaseDir:    cfg.Paths.BaseDir,
		Attempts:   cfg.Download.MaxRetries,
		RetryDelay: cfg.Download.RetryDelay,
	}, env.Catalog, sessions, workers, ledger, failures, controller)

	summary, runErr := harvester.Run(ctx)

	if err := failures.WriteReport(cfg.Paths.FailureReport); err != nil {
		log.Error().Err(err).Str("path", cfg.Paths.FailureReport).Msg("Failed to write failure report")
	}

	stats := workers.GetStats()
	log.Info().Str("run_id", runID).Msgf("Lesson pool: %s", stats.String())
	log.Info().
		Str("run_id", runID).
		Int("courses", summary.Courses).
		Int("lessons", summary.Lessons).
		Int("already_complete", summary.AlreadyComplete).
		Int("processed", summary.Processed).
		Int("lessons_failed", summary.LessonsFailed).
		Bool("stopped", summary.Stopped).
		Dur("duration", summary.Duration).
		Msg("Harvest finished")

	switch {
	case runErr != nil:
		log.Error().Err(runErr).Str("run_id", runID).Msg("Harvest aborted")
	case summary.Failures == 0 && !summary.Stopped:
		log.Info().Msg("All downloads completed successfully")
	case summary.Failures > 0:
		log.Warn().Int("failures", summary.Failures).Str("report", cfg.Paths.FailureReport).Msg("Some downloads failed, see the failure report")
	}

	return summary, runErr
}

// openLedger opens the status ledger, mirroring writes to Dapr when enabled.
// A sidecar that cannot be reached only disables the mirror.
func openLedger(cfg *config.HarvestConfig, runID string, collector *metrics.Collector) (*state.Ledger, func(), error) {
	opts := []state.LedgerOption{state.WithWriteHook(collector.LedgerWrite)}
	closer := func() {}

	if cfg.Dapr.Enabled {
		mirror, err := state.NewDaprMirror(cfg.Dapr.StateStore, cfg.Dapr.GRPCPort, runID)
		if err != nil {
			log.Warn().Err(err).Msg("Dapr mirror unavailable, continuing with the CSV ledger only")
		} else {
			opts = append(opts, state.WithMirror(mirror))
			closer = mirror.Close
		}
	}

	ledger, err := state.OpenLedger(cfg.Paths.Ledger, opts...)
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("failed to open ledger %s: %w", cfg.Paths.Ledger, err)
	}
	return ledger, closer, nil
}

// StartReconcile audits the ledger against the download directory and
// writes the corrected ledger and discrepancy report.
func StartReconcile(cfg *config.HarvestConfig) (reconcile.Report, error) {
	start := time.Now()
	report, err := reconcile.Run(reconcile.Options{
		LedgerPath: cfg.Paths.Ledger,
		BaseDir:    cfg.Paths.BaseDir,
		OutputPath: cfg.Paths.ReconciledLedger,
		ReportPath: cfg.Paths.DiscrepancyReport,
		Format:     cfg.Reconcile.Format,
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrSameLedger) {
			log.Error().Str("ledger", cfg.Paths.Ledger).Msg("paths.reconciled_ledger must differ from paths.ledger")
		}
		return report, err
	}

	if report.Clean() {
		log.Info().Dur("took", time.Since(start)).Msg("All entries match the filesystem")
	} else {
		log.Warn().
			Int("entries_with_discrepancies", report.WithDiscrepancies).
			Str("report", cfg.Paths.DiscrepancyReport).
			Msg("Ledger disagrees with the filesystem")
	}
	return report, nil
}
