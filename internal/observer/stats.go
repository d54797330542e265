// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package observer

import (
	"sort"
	"time"

	"github.com/canonical/backwire/wire"
)

// latencyWindow is how many recent latency samples inform the average
// and p95 figures.
const latencyWindow = 100

// Bucket keys are UTC so the aggregation is stable across restarts in
// different zones.
const (
	hourlyKeyFormat = "2006-01-02T15"
	dailyKeyFormat  = "2006-01-02"
)

// stats accumulates request outcomes. Totals are cumulative for the
// process lifetime; latencies are a rolling window of successful
// completions; hourly and daily buckets age out by retention.
type stats struct {
	received  uint64
	succeeded uint64
	failed    uint64
	latencies []time.Duration
	hourly    map[string]*bucket
	daily     map[string]*bucket
}

type bucket struct {
	received  uint64
	succeeded uint64
	failed    uint64
}

func newStats() stats {
	return stats{
		hourly: make(map[string]*bucket),
		daily:  make(map[string]*bucket),
	}
}

func (s *stats) markReceived(now time.Time) {
	s.received++
	hourly, daily := s.buckets(now)
	hourly.received++
	daily.received++
}

func (s *stats) markSucceeded(now time.Time, latency time.Duration) {
	s.succeeded++
	s.latencies = append(s.latencies, latency)
	if len(s.latencies) > latencyWindow {
		s.latencies = s.latencies[len(s.latencies)-latencyWindow:]
	}
	hourly, daily := s.buckets(now)
	hourly.succeeded++
	daily.succeeded++
}

func (s *stats) markFailed(now time.Time) {
	s.failed++
	hourly, daily := s.buckets(now)
	hourly.failed++
	daily.failed++
}

func (s *stats) buckets(now time.Time) (*bucket, *bucket) {
	utc := now.UTC()
	hourlyKey := utc.Format(hourlyKeyFormat)
	dailyKey := utc.Format(dailyKeyFormat)
	hourly, ok := s.hourly[hourlyKey]
	if !ok {
		hourly = &bucket{}
		s.hourly[hourlyKey] = hourly
	}
	daily, ok := s.daily[dailyKey]
	if !ok {
		daily = &bucket{}
		s.daily[dailyKey] = daily
	}
	return hourly, daily
}

func (s *stats) prune(now time.Time, retention time.Duration) {
	if len(s.latencies) > latencyWindow {
		s.latencies = s.latencies[len(s.latencies)-latencyWindow:]
	}
	horizon := now.UTC().Add(-retention)
	for key := range s.hourly {
		t, err := time.Parse(hourlyKeyFormat, key)
		if err != nil || t.Before(horizon) {
			delete(s.hourly, key)
		}
	}
	for key := range s.daily {
		t, err := time.Parse(dailyKeyFormat, key)
		if err != nil || t.Before(horizon) {
			delete(s.daily, key)
		}
	}
}

func (s *stats) report() wire.StatsReport {
	report := wire.StatsReport{
		Received:  s.received,
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Hourly:    make(map[string]wire.BucketReport, len(s.hourly)),
		Daily:     make(map[string]wire.BucketReport, len(s.daily)),
	}
	if n := len(s.latencies); n > 0 {
		sorted := make([]time.Duration, n)
		copy(sorted, s.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var total time.Duration
		for _, latency := range sorted {
			total += latency
		}
		report.AverageResponseMs = float64(total) / float64(time.Millisecond) / float64(n)
		// Nearest-rank p95: the sample below which 95% of the
		// window falls.
		index := (n*95+99)/100 - 1
		report.P95ResponseMs = float64(sorted[index]) / float64(time.Millisecond)
	}
	for key, b := range s.hourly {
		report.Hourly[key] = wire.BucketReport{
			Received:  b.received,
			Succeeded: b.succeeded,
			Failed:    b.failed,
		}
	}
	for key, b := range s.daily {
		report.Daily[key] = wire.BucketReport{
			Received:  b.received,
			Succeeded: b.succeeded,
			Failed:    b.failed,
		}
	}
	return report
}
