package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/atlas-desktop/trading-backend/internal/pipeline"
	"github.com/atlas-desktop/trading-backend/internal/runner"
)

// metricsCollector samples live Runner/Pipeline state fresh on every
// /metrics scrape rather than maintaining counters updated from call
// sites scattered across handlers.
type metricsCollector struct {
	runner   *runner.Engine
	pipeline *pipeline.Pipeline

	activeExperiments         *prometheus.Desc
	backtestSemaphoreCapacity *prometheus.Desc
	backtestSemaphoreInUse    *prometheus.Desc
	watchdogKillsTotal        *prometheus.Desc
	pipelineLastRunSeconds    *prometheus.Desc
}

func newMetricsCollector(runnerEngine *runner.Engine, pipelineEngine *pipeline.Pipeline) *metricsCollector {
	return &metricsCollector{
		runner:   runnerEngine,
		pipeline: pipelineEngine,
		activeExperiments: prometheus.NewDesc(
			"trading_backend_active_experiments", "Experiments currently running in the Experiment Runner.", nil, nil),
		backtestSemaphoreCapacity: prometheus.NewDesc(
			"trading_backend_backtest_semaphore_capacity", "Process-wide backtest concurrency bound.", nil, nil),
		backtestSemaphoreInUse: prometheus.NewDesc(
			"trading_backend_backtest_semaphore_in_use", "Backtest concurrency slots currently checked out.", nil, nil),
		watchdogKillsTotal: prometheus.NewDesc(
			"trading_backend_watchdog_kills_total", "Experiments force-finished by the runner watchdog since process start.", nil, nil),
		pipelineLastRunSeconds: prometheus.NewDesc(
			"trading_backend_pipeline_last_run_seconds", "Duration of the most recently completed Scheduled Pipeline run.", nil, nil),
	}
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeExperiments
	ch <- c.backtestSemaphoreCapacity
	ch <- c.backtestSemaphoreInUse
	ch <- c.watchdogKillsTotal
	ch <- c.pipelineLastRunSeconds
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeExperiments, prometheus.GaugeValue, float64(c.runner.ActiveCount()))
	ch <- prometheus.MustNewConstMetric(c.backtestSemaphoreCapacity, prometheus.GaugeValue, float64(c.runner.SemaphoreCapacity()))
	ch <- prometheus.MustNewConstMetric(c.backtestSemaphoreInUse, prometheus.GaugeValue, float64(c.runner.SemaphoreInUse()))
	ch <- prometheus.MustNewConstMetric(c.watchdogKillsTotal, prometheus.CounterValue, float64(c.runner.WatchdogKillCount()))
	if c.pipeline != nil {
		ch <- prometheus.MustNewConstMetric(c.pipelineLastRunSeconds, prometheus.GaugeValue, c.pipeline.LastRunDuration().Seconds())
	}
}
