// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/backwire/wire"
)

const metricsNamespace = "backwire"

// StatsSource supplies the cumulative completion totals scraped as
// counters.
type StatsSource interface {
	Report() wire.StatsReport
}

// Collector is a prometheus.Collector that collects metrics about the
// dispatch engine. Bindings, pending depth and totals are read live at
// scrape time; the duration histogram is fed by the HTTP layer as
// requests complete.
type Collector struct {
	engine *Engine
	stats  StatsSource

	activeBindings  *prometheus.Desc
	pendingRequests *prometheus.Desc
	received        *prometheus.Desc
	succeeded       *prometheus.Desc
	failed          *prometheus.Desc
	duration        prometheus.Histogram
}

// NewMetricsCollector returns a new Collector reporting on engine,
// with request totals drawn from stats.
func NewMetricsCollector(engine *Engine, stats StatsSource) *Collector {
	return &Collector{
		engine: engine,
		stats:  stats,
		activeBindings: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "active_bindings"),
			"The number of slugs currently bound to a handler session.",
			nil, nil,
		),
		pendingRequests: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "pending_requests"),
			"The number of requests awaiting completion.",
			nil, nil,
		),
		received: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "requests_received_total"),
			"The number of slug-targeted requests admitted.",
			nil, nil,
		),
		succeeded: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "requests_succeeded_total"),
			"The number of requests completed by a handler response.",
			nil, nil,
		),
		failed: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "requests_failed_total"),
			"The number of requests completed with a failure verdict.",
			nil, nil,
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "The time from request admission to completion.",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 150},
			},
		),
	}
}

// ObserveRequestDuration records one completed request's duration.
func (c *Collector) ObserveRequestDuration(d time.Duration) {
	c.duration.Observe(d.Seconds())
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeBindings
	ch <- c.pendingRequests
	ch <- c.received
	ch <- c.succeeded
	ch <- c.failed
	c.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.activeBindings, prometheus.GaugeValue, float64(len(c.engine.ActiveSlugs())))
	ch <- prometheus.MustNewConstMetric(
		c.pendingRequests, prometheus.GaugeValue, float64(c.engine.PendingCount()))
	report := c.stats.Report()
	ch <- prometheus.MustNewConstMetric(
		c.received, prometheus.CounterValue, float64(report.Received))
	ch <- prometheus.MustNewConstMetric(
		c.succeeded, prometheus.CounterValue, float64(report.Succeeded))
	ch <- prometheus.MustNewConstMetric(
		c.failed, prometheus.CounterValue, float64(report.Failed))
	c.duration.Collect(ch)
}
