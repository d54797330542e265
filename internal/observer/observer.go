// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package observer is the broker's observability sink. Everything the
// broker wants an operator to see flows through here: category-tagged
// log records kept in a bounded in-memory ring, aggregate request
// statistics, and live fan-out of log, status and stats frames to
// attached dashboard sessions.
package observer

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"

	"github.com/canonical/backwire/wire"
)

var logger = loggo.GetLogger("backwire.observer")

// Category classifies a log record by the subsystem that produced it.
type Category string

const (
	CategoryHTTP     Category = "http"
	CategoryControl  Category = "control"
	CategorySecurity Category = "security"
	CategoryServer   Category = "server"
	CategoryError    Category = "error"
)

// Fan-out topics on the observer's hub.
const (
	logTopic    = "observer.log"
	statusTopic = "observer.status"
	statsTopic  = "observer.stats"
)

const (
	// DefaultRingCapacity bounds the in-memory log ring; pushing past
	// it evicts the oldest record.
	DefaultRingCapacity = 1000

	// DefaultLogRetention is how long a ring record may live before
	// the pruner discards it.
	DefaultLogRetention = 7 * 24 * time.Hour

	// DefaultStatsRetention is how long hourly and daily stat buckets
	// live before the pruner discards them.
	DefaultStatsRetention = 30 * 24 * time.Hour
)

// Config holds an Observer's dependencies and tuning.
type Config struct {
	// Clock stamps log records and stat buckets.
	Clock clock.Clock

	// RingCapacity bounds the log ring. Zero means
	// DefaultRingCapacity.
	RingCapacity int

	// LogRetention is the ring retention horizon. Zero means
	// DefaultLogRetention.
	LogRetention time.Duration

	// StatsRetention is the stat bucket retention horizon. Zero means
	// DefaultStatsRetention.
	StatsRetention time.Duration
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.RingCapacity < 0 {
		return errors.NotValidf("negative RingCapacity")
	}
	if config.LogRetention < 0 {
		return errors.NotValidf("negative LogRetention")
	}
	if config.StatsRetention < 0 {
		return errors.NotValidf("negative StatsRetention")
	}
	return nil
}

// Observer retains recent log records and request statistics, and fans
// both out to attached dashboard sessions. All methods are safe for
// concurrent use.
type Observer struct {
	config Config
	hub    *pubsub.SimpleHub

	mu    sync.Mutex
	ring  *deque.Deque
	stats stats
}

// New returns an Observer with the given configuration.
func New(config Config) (*Observer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.RingCapacity == 0 {
		config.RingCapacity = DefaultRingCapacity
	}
	if config.LogRetention == 0 {
		config.LogRetention = DefaultLogRetention
	}
	if config.StatsRetention == 0 {
		config.StatsRetention = DefaultStatsRetention
	}
	return &Observer{
		config: config,
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("backwire.observer.hub"),
		}),
		ring:  deque.NewWithMaxLen(config.RingCapacity),
		stats: newStats(),
	}, nil
}

// Logf records a category-tagged entry, mirrors it to the broker's own
// log, and fans it out to attached dashboards.
func (o *Observer) Logf(category Category, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	switch category {
	case CategoryError:
		logger.Errorf("%s", message)
	case CategorySecurity:
		logger.Warningf("%s", message)
	default:
		logger.Infof("%s", message)
	}
	entry := wire.LogEntry{
		Time:    o.config.Clock.Now(),
		Level:   string(category),
		Message: message,
	}
	o.mu.Lock()
	o.ring.PushBack(entry)
	o.mu.Unlock()
	_ = o.hub.Publish(logTopic, wire.NewLogBroadcast(entry))
}

// Entries returns the retained log records, oldest first.
func (o *Observer) Entries() []wire.LogEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.ring.Len()
	entries := make([]wire.LogEntry, 0, n)
	for i := 0; i < n; i++ {
		v, _ := o.ring.PopFront()
		entry := v.(wire.LogEntry)
		entries = append(entries, entry)
		o.ring.PushBack(entry)
	}
	return entries
}

// RecordReceived counts an inbound slug-targeted request.
func (o *Observer) RecordReceived() {
	o.mu.Lock()
	o.stats.markReceived(o.config.Clock.Now())
	o.mu.Unlock()
}

// RecordSucceeded counts a request that completed with a success
// response, keeping its latency in the rolling window, and pushes the
// refreshed statistics to attached dashboards.
func (o *Observer) RecordSucceeded(latency time.Duration) {
	o.mu.Lock()
	o.stats.markSucceeded(o.config.Clock.Now(), latency)
	report := o.stats.report()
	o.mu.Unlock()
	_ = o.hub.Publish(statsTopic, wire.NewStatsBroadcast(report))
}

// RecordFailed counts a request that completed with a failure verdict
// and pushes the refreshed statistics to attached dashboards.
func (o *Observer) RecordFailed() {
	o.mu.Lock()
	o.stats.markFailed(o.config.Clock.Now())
	report := o.stats.report()
	o.mu.Unlock()
	_ = o.hub.Publish(statsTopic, wire.NewStatsBroadcast(report))
}

// Report returns the current statistics view.
func (o *Observer) Report() wire.StatsReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats.report()
}

// StatusChanged pushes the current binding set and pending depth to
// attached dashboards.
func (o *Observer) StatusChanged(active []string, pending int) {
	_ = o.hub.Publish(statusTopic, wire.NewStatusBroadcast(wire.StatusReport{
		ActiveClients:   active,
		PendingRequests: pending,
	}))
}

// Attach subscribes a dashboard session to the log, status and stats
// broadcasts. Frames are delivered through send on the hub's own
// goroutines, so send must not block. The returned function detaches
// the session.
func (o *Observer) Attach(send func(frame interface{})) func() {
	forward := func(_ string, data interface{}) {
		send(data)
	}
	unsubscribers := []func(){
		o.hub.Subscribe(logTopic, forward),
		o.hub.Subscribe(statusTopic, forward),
		o.hub.Subscribe(statsTopic, forward),
	}
	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}

// PruneLogs drops ring records past the retention horizon.
func (o *Observer) PruneLogs() {
	horizon := o.config.Clock.Now().Add(-o.config.LogRetention)
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.ring.Len() > 0 {
		v, _ := o.ring.PopFront()
		entry := v.(wire.LogEntry)
		if entry.Time.After(horizon) {
			o.ring.PushFront(entry)
			return
		}
	}
}

// PruneStats trims the latency window and drops stat buckets past the
// retention horizon.
func (o *Observer) PruneStats() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.prune(o.config.Clock.Now(), o.config.StatsRetention)
}
