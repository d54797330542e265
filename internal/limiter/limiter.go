// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package limiter tracks request and connection admissions per source
// address over a trailing one-minute window. The HTTP layer consults it
// before doing any work on behalf of a source: ordinary requests are
// checked against the request window, control-channel upgrades against
// the connection window.
package limiter

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// window is the trailing period over which admissions are counted.
const window = time.Minute

// Config holds the limiter's knobs.
type Config struct {
	// Clock supplies the time used to age admissions out of the
	// window.
	Clock clock.Clock

	// MaxRequestsPerMinute bounds ordinary HTTP requests per source.
	MaxRequestsPerMinute int

	// MaxConnectionsPerIP bounds control-channel opens per source.
	MaxConnectionsPerIP int
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.MaxRequestsPerMinute <= 0 {
		return errors.NotValidf("non-positive MaxRequestsPerMinute")
	}
	if config.MaxConnectionsPerIP <= 0 {
		return errors.NotValidf("non-positive MaxConnectionsPerIP")
	}
	return nil
}

// Limiter counts admissions per source address. The zero value is not
// usable; construct with New.
type Limiter struct {
	config Config

	mu      sync.Mutex
	sources map[string]*source
}

// source holds one address's admission timestamps, oldest first.
type source struct {
	requests    []time.Time
	connections []time.Time
}

// New returns a Limiter with the given configuration.
func New(config Config) (*Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Limiter{
		config:  config,
		sources: make(map[string]*source),
	}, nil
}

// AdmitRequest records an HTTP request from addr and reports whether
// it fits the trailing-minute request budget. A refused request is not
// recorded and does not consume budget.
func (l *Limiter) AdmitRequest(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.config.Clock.Now()
	src := l.lookup(addr)
	src.requests = trim(src.requests, now.Add(-window))
	if len(src.requests) >= l.config.MaxRequestsPerMinute {
		return false
	}
	src.requests = append(src.requests, now)
	return true
}

// AdmitConnection records a control-channel open from addr and reports
// whether it fits the trailing-minute connection budget. The two
// windows are independent: requests never consume connection budget
// and vice versa.
func (l *Limiter) AdmitConnection(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.config.Clock.Now()
	src := l.lookup(addr)
	src.connections = trim(src.connections, now.Add(-window))
	if len(src.connections) >= l.config.MaxConnectionsPerIP {
		return false
	}
	src.connections = append(src.connections, now)
	return true
}

// Sweep discards sources whose windows have fully drained, so the
// source map does not grow with every address ever seen.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.config.Clock.Now().Add(-window)
	for addr, src := range l.sources {
		src.requests = trim(src.requests, cutoff)
		src.connections = trim(src.connections, cutoff)
		if len(src.requests) == 0 && len(src.connections) == 0 {
			delete(l.sources, addr)
		}
	}
}

// SourceCount reports how many source addresses are currently tracked.
func (l *Limiter) SourceCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}

func (l *Limiter) lookup(addr string) *source {
	src, ok := l.sources[addr]
	if !ok {
		src = &source{}
		l.sources[addr] = src
	}
	return src
}

// trim drops timestamps at or before cutoff. Stamps are appended in
// time order so only the head needs inspecting.
func trim(stamps []time.Time, cutoff time.Time) []time.Time {
	for len(stamps) > 0 && !stamps[0].After(cutoff) {
		stamps = stamps[1:]
	}
	return stamps
}
