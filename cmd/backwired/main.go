// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// backwired is the reverse request broker daemon. It listens for
// ordinary HTTP requests on slug paths and relays each one over a
// persistent websocket control channel to whichever remote handler has
// registered that slug, then relays the handler's answer back.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"

	"github.com/canonical/backwire/internal/auth"
	"github.com/canonical/backwire/internal/broker"
	"github.com/canonical/backwire/internal/config"
	"github.com/canonical/backwire/internal/httpserver"
	"github.com/canonical/backwire/internal/limiter"
	"github.com/canonical/backwire/internal/observer"
)

var logger = loggo.GetLogger("backwire.daemon")

const version = "1.0.0"

const defaultLoggingConfig = "<root>=INFO"

// shutdownTimeout bounds a graceful shutdown; past it the process
// exits hard.
const shutdownTimeout = 10 * time.Second

type commandLineArgs struct {
	configPath  string
	port        int
	logConfig   string
	showVersion bool
}

func commandLine(args []string) (commandLineArgs, error) {
	flags := gnuflag.NewFlagSet("backwired", gnuflag.ContinueOnError)
	var a commandLineArgs
	flags.StringVar(&a.configPath, "config", "",
		"path to the YAML configuration file")
	flags.IntVar(&a.port, "port", 0,
		"listen port, overriding the configuration file")
	flags.StringVar(&a.logConfig, "log-config", defaultLoggingConfig,
		"loggo configuration controlling log output")
	flags.BoolVar(&a.showVersion, "version", false,
		"print the version and exit")
	if err := flags.Parse(true, args); err != nil {
		return commandLineArgs{}, errors.Trace(err)
	}
	return a, nil
}

// loadConfig builds the daemon configuration from the optional file
// and the command-line port override.
func loadConfig(a commandLineArgs) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if a.configPath != "" {
		cfg, err = config.ReadFile(a.configPath)
	} else {
		cfg, err = config.New(nil)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if a.port != 0 {
		cfg, err = cfg.Apply(map[string]interface{}{config.Port: a.port})
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	a, err := commandLine(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if a.showVersion {
		fmt.Printf("backwired %s\n", version)
		return 0
	}
	if err := loggo.ConfigureLoggers(a.logConfig); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %v\n", err)
		return 2
	}
	if err := serve(a); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

// namedWorker pairs a worker with the name it is logged under at
// shutdown.
type namedWorker struct {
	name string
	w    worker.Worker
}

func serve(a commandLineArgs) error {
	cfg, err := loadConfig(a)
	if err != nil {
		return errors.Trace(err)
	}

	// Workers are stopped in the order they were started: the engine
	// first, so pending requests complete with a shutdown verdict
	// while the HTTP server is still able to write them out.
	var workers []namedWorker
	defer func() {
		hardExit := time.AfterFunc(shutdownTimeout, func() {
			logger.Criticalf("shutdown timed out after %v, exiting", shutdownTimeout)
			os.Exit(1)
		})
		defer hardExit.Stop()
		for _, nw := range workers {
			nw.w.Kill()
		}
		for _, nw := range workers {
			if err := nw.w.Wait(); err != nil {
				logger.Warningf("stopping %s: %v", nw.name, err)
			}
		}
	}()

	obs, err := observer.New(observer.Config{Clock: clock.WallClock})
	if err != nil {
		return errors.Trace(err)
	}

	engine, err := broker.New(broker.Config{
		Clock:     clock.WallClock,
		Sink:      obs,
		Whitelist: cfg.SlugWhitelist(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	workers = append(workers, namedWorker{"engine", engine})

	authority, err := auth.NewAuthority(auth.Config{
		Clock:         clock.WallClock,
		Secret:        []byte(cfg.TokenSecret()),
		Password:      cfg.AdminPassword(),
		TokenLifetime: cfg.TokenLifetime(),
	})
	if err != nil {
		return errors.Trace(err)
	}

	var lim *limiter.Limiter
	if cfg.RateLimit() {
		lim, err = limiter.New(limiter.Config{
			Clock:                clock.WallClock,
			MaxRequestsPerMinute: cfg.MaxRequestsPerMinute(),
			MaxConnectionsPerIP:  cfg.MaxConnectionsPerIP(),
		})
		if err != nil {
			return errors.Trace(err)
		}
	}

	registry, err := newPrometheusRegistry()
	if err != nil {
		return errors.Trace(err)
	}
	collector := broker.NewMetricsCollector(engine, obs)
	if err := registry.Register(collector); err != nil {
		return errors.Annotate(err, "registering broker metrics")
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port()))
	if err != nil {
		return errors.Annotate(err, "binding listen port")
	}
	srv, err := httpserver.NewServer(lis, httpserver.Config{
		Clock:           clock.WallClock,
		Engine:          engine,
		Observer:        obs,
		Authority:       authority,
		Limiter:         lim,
		Metrics:         collector,
		RequireAuth:     cfg.RequireAuth(),
		CORS:            cfg.CORS(),
		AllowedOrigins:  cfg.AllowedOrigins(),
		SlugWhitelist:   cfg.SlugWhitelist(),
		MaxRequestBytes: cfg.MaxRequestBytes(),
		FrameBurst:      cfg.FrameBurst(),
		FrameRefill:     cfg.FrameRefill(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	workers = append(workers, namedWorker{"http server", srv})

	logPruner, err := observer.NewPruner(observer.PrunerConfig{
		Clock:         clock.WallClock,
		Observer:      obs,
		LogInterval:   observer.DefaultLogSweepInterval,
		StatsInterval: observer.DefaultStatsSweepInterval,
	})
	if err != nil {
		return errors.Trace(err)
	}
	workers = append(workers, namedWorker{"observer pruner", logPruner})

	if lim != nil {
		limiterPruner, err := limiter.NewPruner(limiter.PrunerConfig{
			Clock:    clock.WallClock,
			Limiter:  lim,
			Interval: limiter.DefaultSweepInterval,
		})
		if err != nil {
			return errors.Trace(err)
		}
		workers = append(workers, namedWorker{"limiter pruner", limiterPruner})
	}

	if port := cfg.MetricsPort(); port > 0 {
		mlis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return errors.Annotate(err, "binding metrics port")
		}
		workers = append(workers, namedWorker{"introspection", newIntrospectionWorker(mlis, registry)})
	}

	logger.Infof("backwired %s started", version)

	// The daemon runs until a signal arrives or a worker fails.
	fatal := make(chan error, 2)
	go func() { fatal <- engine.Wait() }()
	go func() { fatal <- srv.Wait() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Infof("received %v, shutting down", sig)
		return nil
	case err := <-fatal:
		return errors.Annotate(err, "worker failed")
	}
}
