// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"
)

// newPrometheusRegistry returns a registry pre-populated with the
// standard Go runtime and process collectors.
func newPrometheusRegistry() (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(prometheus.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(prometheus.NewProcessCollector(
		prometheus.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return registry, nil
}

// introspectionWorker serves prometheus metrics and pprof profiles on
// a separate listener, kept off the public broker port.
type introspectionWorker struct {
	tomb tomb.Tomb
	lis  net.Listener
}

func newIntrospectionWorker(lis net.Listener, gatherer prometheus.Gatherer) *introspectionWorker {
	w := &introspectionWorker{lis: lis}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	w.tomb.Go(func() error {
		return w.loop(mux)
	})
	return w
}

// Kill is part of the worker.Worker interface.
func (w *introspectionWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *introspectionWorker) Wait() error {
	return w.tomb.Wait()
}

func (w *introspectionWorker) loop(handler http.Handler) error {
	logger.Infof("introspection listening on %q", w.lis.Addr())
	srv := &http.Server{Handler: handler}
	go func() {
		err := srv.Serve(w.lis)
		logger.Debugf("introspection server exited: %v", err)
	}()
	<-w.tomb.Dying()
	w.lis.Close()
	return tomb.ErrDying
}
