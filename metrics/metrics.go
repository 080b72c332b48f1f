// Package metrics exposes harvesting counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
)

// Collector records lesson, artifact, fetch and ledger activity. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	artifacts      *prometheus.CounterVec
	lessons        *prometheus.CounterVec
	fetchAttempts  *prometheus.CounterVec
	ledgerWrites   prometheus.Counter
	lessonDuration prometheus.Histogram
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_artifacts_total",
			Help: "Artifacts recorded in the ledger, by artifact and status",
		}, []string{"artifact", "status"}),
		lessons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_lessons_total",
			Help: "Lessons handled, by outcome",
		}, []string{"outcome"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_fetch_attempts_total",
			Help: "Fetch attempts including retries, by kind",
		}, []string{"kind"}),
		ledgerWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_ledger_writes_total",
			Help: "Full rewrites of the status ledger",
		}),
		lessonDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_lesson_duration_seconds",
			Help:    "Wall time spent on lessons that were not skipped",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}

	c.registry.MustRegister(c.artifacts)
	c.registry.MustRegister(c.lessons)
	c.registry.MustRegister(c.fetchAttempts)
	c.registry.MustRegister(c.ledgerWrites)
	c.registry.MustRegister(c.lessonDuration)

	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// FetchAttempt counts one fetch attempt of kind page, http or video.
func (c *Collector) FetchAttempt(kind string) {
	if c == nil {
		return
	}
	c.fetchAttempts.WithLabelValues(kind).Inc()
}

// ArtifactRecorded counts one recorded artifact status.
func (c *Collector) ArtifactRecorded(artifact model.Artifact, status model.ArtifactStatus) {
	if c == nil {
		return
	}
	c.artifacts.WithLabelValues(string(artifact), string(status)).Inc()
}

// LessonFinished counts a lesson outcome. Skipped lessons are not timed.
func (c *Collector) LessonFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.lessons.WithLabelValues(outcome).Inc()
	if d > 0 {
		c.lessonDuration.Observe(d.Seconds())
	}
}

// LedgerWrite counts one ledger rewrite.
func (c *Collector) LedgerWrite() {
	if c == nil {
		return
	}
	c.ledgerWrites.Inc()
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on port until ctx ends.
func (c *Collector) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}()

	log.Info().Str("addr", server.Addr).Msg("Starting metrics server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
