// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package limiter

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
)

// DefaultSweepInterval is how often the pruner sweeps drained sources
// unless configured otherwise.
const DefaultSweepInterval = time.Minute

// PrunerConfig holds the dependencies of the pruner worker.
type PrunerConfig struct {
	Clock    clock.Clock
	Limiter  *Limiter
	Interval time.Duration
}

// Validate returns an error if the config cannot be used.
func (config PrunerConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Limiter == nil {
		return errors.NotValidf("nil Limiter")
	}
	if config.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	return nil
}

// NewPruner returns a worker that periodically sweeps drained sources
// out of the limiter.
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
	timer := w.config.Clock.NewTimer(w.config.Interval)
	defer timer.Stop()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			w.config.Limiter.Sweep()
			timer.Reset(w.config.Interval)
		}
	}
}
