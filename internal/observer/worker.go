// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package observer

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
)

const (
	// DefaultLogSweepInterval is how often ring retention is
	// enforced.
	DefaultLogSweepInterval = time.Minute

	// DefaultStatsSweepInterval is how often the latency window and
	// stat buckets are trimmed.
	DefaultStatsSweepInterval = 5 * time.Minute
)

// PrunerConfig holds the dependencies of the retention pruner worker.
type PrunerConfig struct {
	Clock         clock.Clock
	Observer      *Observer
	LogInterval   time.Duration
	StatsInterval time.Duration
}

// Validate returns an error if the config cannot be used.
func (config PrunerConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Observer == nil {
		return errors.NotValidf("nil Observer")
	}
	if config.LogInterval <= 0 {
		return errors.NotValidf("non-positive LogInterval")
	}
	if config.StatsInterval <= 0 {
		return errors.NotValidf("non-positive StatsInterval")
	}
	return nil
}

// NewPruner returns a worker that enforces the observer's retention
// horizons.
func NewPruner(config PrunerConfig) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &pruner{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

type pruner struct {
	catacomb catacomb.Catacomb
	config   PrunerConfig
}

// Kill is part of the worker.Worker interface.
func (w *pruner) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *pruner) Wait() error {
	return w.catacomb.Wait()
}

func (w *pruner) loop() error {
	logTimer := w.config.Clock.NewTimer(w.config.LogInterval)
	defer logTimer.Stop()
	statsTimer := w.config.Clock.NewTimer(w.config.StatsInterval)
	defer statsTimer.Stop()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-logTimer.Chan():
			w.config.Observer.PruneLogs()
			logTimer.Reset(w.config.LogInterval)
		case <-statsTimer.Chan():
			w.config.Observer.PruneStats()
			statsTimer.Reset(w.config.StatsInterval)
		}
	}
}
