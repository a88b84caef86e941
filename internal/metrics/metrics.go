// Package metrics exposes Prometheus collectors for harvest runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timeline-harvester/internal/types"
)

var (
	Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_runs_total",
		Help: "Total harvest runs by final status",
	}, []string{"status"})
	RunFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_run_failures_total",
		Help: "Harvest runs halted, by failing stage",
	}, []string{"stage"})
	PagesFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pages_fetched_total",
		Help: "Timeline pages fetched per account",
	}, []string{"account"})
	RecordsCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_records_collected_total",
		Help: "In-window posts collected per account",
	}, []string{"account"})
	FetchRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_fetch_retries_total",
		Help: "Page fetch retry attempts per account",
	}, []string{"account"})
	AccountOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_account_outcomes_total",
		Help: "Account walk outcomes by status",
	}, []string{"status"})
	RecordsInserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harvest_records_inserted_total",
		Help: "Records appended to the production table",
	})
	BreakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvest_fetch_breaker_open",
		Help: "1 while the fetch circuit breaker rejects calls, 0.5 while probing, 0 when closed",
	}, []string{"breaker"})
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_stage_duration_seconds",
		Help:    "Pipeline stage duration seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(Runs, RunFailures, PagesFetched, RecordsCollected, FetchRetries, AccountOutcomes, RecordsInserted, BreakerOpen, StageDuration)
}

// Handler returns the HTTP handler serving the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStage records a stage duration
func ObserveStage(stage types.Stage, start time.Time) {
	StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

// IncFetchRetry increments the retry counter for an account
func IncFetchRetry(account types.Account) { FetchRetries.WithLabelValues(string(account)).Inc() }

// IncPage increments the fetched page counter for an account
func IncPage(account types.Account) { PagesFetched.WithLabelValues(string(account)).Inc() }

// AddCollected adds collected posts for an account
func AddCollected(account types.Account, n int) {
	RecordsCollected.WithLabelValues(string(account)).Add(float64(n))
}

// IncAccountOutcome counts one finished account walk
func IncAccountOutcome(status types.AccountStatus) {
	AccountOutcomes.WithLabelValues(string(status)).Inc()
}

// RecordRun counts a finished run and, when it failed, the failing stage
func RecordRun(status types.RunStatus, failedStage types.Stage, inserted int64) {
	Runs.WithLabelValues(string(status)).Inc()
	if failedStage != "" {
		RunFailures.WithLabelValues(string(failedStage)).Inc()
	}
	RecordsInserted.Add(float64(inserted))
}

// SetBreakerState publishes a circuit breaker state ("closed", "half_open" or "open")
func SetBreakerState(name, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half_open":
		v = 0.5
	}
	BreakerOpen.WithLabelValues(name).Set(v)
}
