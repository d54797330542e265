// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package httpserver is the broker's HTTP ingress: the listener worker,
// the management endpoints, the slug-targeted dispatch pipeline, and
// the websocket control channel handlers connect to.
package httpserver

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"github.com/canonical/backwire/internal/auth"
	"github.com/canonical/backwire/internal/broker"
	"github.com/canonical/backwire/internal/limiter"
	"github.com/canonical/backwire/internal/observer"
	"github.com/canonical/backwire/wire"
)

var logger = loggo.GetLogger("backwire.httpserver")

// Config holds the dependencies and tuning of a Server.
type Config struct {
	// Clock stamps request admission and measures completion latency.
	Clock clock.Clock

	// Engine dispatches slug-targeted requests to handler sessions.
	Engine *broker.Engine

	// Observer receives request logs, statistics and dashboard fan-out.
	Observer *observer.Observer

	// Authority checks the admin password and mints and verifies the
	// bearer tokens guarding the status API.
	Authority *auth.Authority

	// Limiter gates request admission and control-channel opens per
	// source address. Nil disables both gates.
	Limiter *limiter.Limiter

	// Metrics records completion durations when non-nil.
	Metrics *broker.Collector

	// RequireAuth gates the status API behind a bearer token.
	RequireAuth bool

	// CORS enables cross-origin headers and preflight answers, with
	// AllowedOrigins as the advertised origin value.
	CORS           bool
	AllowedOrigins string

	// SlugWhitelist restricts the slugs the broker will serve when
	// non-empty. The engine applies the same set to registrations.
	SlugWhitelist set.Strings

	// MaxRequestBytes bounds the captured request body.
	MaxRequestBytes int64

	// FrameBurst and FrameRefill configure the token bucket pacing
	// inbound session frames. Zero values disable pacing.
	FrameBurst  int64
	FrameRefill time.Duration
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if config.Observer == nil {
		return errors.NotValidf("nil Observer")
	}
	if config.Authority == nil {
		return errors.NotValidf("nil Authority")
	}
	if config.MaxRequestBytes < 1 {
		return errors.NotValidf("non-positive MaxRequestBytes")
	}
	if config.CORS && config.AllowedOrigins == "" {
		return errors.NotValidf("empty AllowedOrigins")
	}
	if (config.FrameBurst > 0) != (config.FrameRefill > 0) {
		return errors.NewNotValid(nil, "FrameBurst and FrameRefill must be set together")
	}
	return nil
}

// Server is the ingress worker. It owns the listener and every open
// control-channel session; killing it closes the listener, closes the
// sessions with a shutdown reason, and waits for in-flight requests.
type Server struct {
	tomb    tomb.Tomb
	config  Config
	lis     net.Listener
	wg      sync.WaitGroup
	started time.Time

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// NewServer returns a Server accepting requests on lis. The Server
// closes the listener when it exits, even if it returns an error.
func NewServer(lis net.Listener, config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		lis.Close()
		return nil, errors.Trace(err)
	}
	srv := &Server{
		config:   config,
		lis:      lis,
		started:  config.Clock.Now(),
		sessions: make(map[*session]struct{}),
	}
	srv.tomb.Go(srv.loop)
	return srv, nil
}

// Kill is part of the worker.Worker interface.
func (srv *Server) Kill() {
	srv.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (srv *Server) Wait() error {
	return srv.tomb.Wait()
}

// Addr returns the listener's address.
func (srv *Server) Addr() string {
	return srv.lis.Addr().String()
}

// loggoWrapper is an io.Writer that forwards messages to a
// loggo.Logger. http.Server takes a concrete stdlib log.Logger, so the
// messages are relogged wholesale at a single level.
type loggoWrapper struct {
	logger loggo.Logger
	level  loggo.Level
}

func (w *loggoWrapper) Write(content []byte) (int, error) {
	w.logger.Logf(w.level, "%s", string(content))
	return len(content), nil
}

func (srv *Server) loop() error {
	logger.Infof("listening on %q", srv.lis.Addr())

	httpSrv := &http.Server{
		Handler: srv.buildHandler(),
		ErrorLog: log.New(&loggoWrapper{
			level:  loggo.WARNING,
			logger: logger,
		}, "", 0), // no prefix and no flags so log.Logger doesn't add extra prefixes
	}
	go func() {
		err := httpSrv.Serve(srv.lis)
		// Expected to be non-nil once the listener closes.
		logger.Debugf("http server exited, final error was: %v", err)
	}()

	<-srv.tomb.Dying()

	addr := srv.lis.Addr().String() // Addr not valid after close
	err := srv.lis.Close()
	logger.Infof("closed listening socket %q with final error: %v", addr, err)

	srv.closeSessions(wire.CloseReasonShuttingDown)
	srv.wg.Wait() // wait for any outstanding requests to complete.
	return tomb.ErrDying
}

// buildHandler assembles the middleware chain: security headers on
// every reply, then CORS, then the admission gate, then routing.
func (srv *Server) buildHandler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/auth/login", srv.handleLogin).Methods("POST")
	router.HandleFunc("/status", srv.handleDashboard).Methods("GET")
	router.HandleFunc("/api/status", srv.handleStatus).Methods("GET")
	router.HandleFunc("/ws", srv.handleControl).Methods("GET")

	// Everything else is a slug-targeted request, whatever the method.
	slugHandler := http.HandlerFunc(srv.handleSlug)
	router.NotFoundHandler = slugHandler
	router.MethodNotAllowedHandler = slugHandler

	return srv.securityHeaders(srv.trackRequests(srv.corsHeaders(srv.admissionGate(router))))
}

// securityHeaders stamps the fixed header set on every reply.
func (srv *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next.ServeHTTP(w, r)
	})
}

// corsHeaders emits the cross-origin header set and answers preflight
// requests directly. Disabled entirely when the config says so.
func (srv *Server) corsHeaders(next http.Handler) http.Handler {
	if !srv.config.CORS {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", srv.config.AllowedOrigins)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admissionGate applies the per-source request budget ahead of
// routing. Rejected slug-targeted requests still count against the
// completion totals.
func (srv *Server) admissionGate(next http.Handler) http.Handler {
	if srv.config.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := sourceAddr(r)
		if !srv.config.Limiter.AdmitRequest(addr) {
			srv.config.Observer.Logf(observer.CategorySecurity,
				"rate limited %s %s from %s", r.Method, r.URL.Path, addr)
			if isSlugPath(r.URL.Path) {
				srv.config.Observer.RecordReceived()
				srv.config.Observer.RecordFailed()
			}
			srv.sendError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// trackRequests wraps a http.Handler, incrementing and decrementing
// the server's WaitGroup and refusing requests when the server is
// shutting down.
func (srv *Server) trackRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Care must be taken to not increment the waitgroup count
		// after wg.Wait has been called, so check the tomb first: the
		// listener only closes after the tomb is killed.
		select {
		case <-srv.tomb.Dying():
			srv.sendError(w, http.StatusServiceUnavailable, "Server is shutting down")
		default:
			srv.wg.Add(1)
			defer srv.wg.Done()
			handler.ServeHTTP(w, r)
		}
	})
}

// addSession tracks a session for shutdown, refusing if the server is
// already dying so a session cannot slip in after closeSessions ran.
func (srv *Server) addSession(s *session) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	select {
	case <-srv.tomb.Dying():
		return false
	default:
	}
	srv.sessions[s] = struct{}{}
	return true
}

func (srv *Server) removeSession(s *session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.sessions, s)
}

func (srv *Server) closeSessions(reason string) {
	srv.mu.Lock()
	open := make([]*session, 0, len(srv.sessions))
	for s := range srv.sessions {
		open = append(open, s)
	}
	srv.mu.Unlock()
	for _, s := range open {
		s.Close(reason)
	}
}

// isSlugPath reports whether path falls through to the slug handler
// rather than one of the fixed routes.
func isSlugPath(path string) bool {
	switch path {
	case "/auth/login", "/status", "/api/status", "/ws":
		return false
	}
	return true
}

// sourceAddr extracts the peer address a request's admission budgets
// are keyed by.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sendError writes a single-key JSON error body with the given status.
func (srv *Server) sendError(w http.ResponseWriter, statusCode int, message string) {
	srv.sendJSON(w, statusCode, wire.ErrorMessage{Error: message})
}

func (srv *Server) sendJSON(w http.ResponseWriter, statusCode int, response interface{}) {
	if err := sendStatusAndJSON(w, statusCode, response); err != nil {
		logger.Errorf("%v", err)
	}
}

// sendStatusAndJSON marshals response and writes it with the given
// status code.
func sendStatusAndJSON(w http.ResponseWriter, statusCode int, response interface{}) error {
	body, err := json.Marshal(response)
	if err != nil {
		return errors.Errorf("cannot marshal JSON result %#v: %v", response, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		return errors.Annotate(err, "cannot write response")
	}
	return nil
}
