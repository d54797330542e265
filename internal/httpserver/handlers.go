// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httpserver

import (
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/canonical/backwire/internal/broker"
	"github.com/canonical/backwire/internal/observer"
	"github.com/canonical/backwire/internal/validation"
	"github.com/canonical/backwire/wire"
)

//go:embed dashboard.html
var dashboardHTML []byte

// maxLoginBytes bounds the login request body; passwords are short.
const maxLoginBytes = 4096

// handleLogin exchanges the admin password for a bearer token.
func (srv *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req wire.LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBytes)).Decode(&req); err != nil {
		srv.sendError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if !srv.config.Authority.CheckPassword(req.Password) {
		srv.config.Observer.Logf(observer.CategorySecurity,
			"failed admin login from %s", sourceAddr(r))
		srv.sendError(w, http.StatusUnauthorized, "Invalid password")
		return
	}
	token, err := srv.config.Authority.Mint()
	if err != nil {
		logger.Errorf("minting admin token: %v", err)
		srv.sendError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	srv.config.Observer.Logf(observer.CategoryServer, "admin login from %s", sourceAddr(r))
	srv.sendJSON(w, http.StatusOK, wire.LoginResult{
		Token:     token,
		ExpiresIn: int(srv.config.Authority.Lifetime().Seconds()),
	})
}

// handleDashboard serves the embedded status page.
func (srv *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(dashboardHTML); err != nil {
		logger.Debugf("failed writing dashboard: %v", err)
	}
}

// handleStatus reports uptime, bindings and statistics, behind the
// bearer token when authentication is required.
func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if srv.config.RequireAuth {
		if err := srv.config.Authority.Verify(bearerToken(r)); err != nil {
			srv.config.Observer.Logf(observer.CategorySecurity,
				"unauthorized status request from %s", sourceAddr(r))
			srv.sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
	}
	srv.sendJSON(w, http.StatusOK, wire.StatusResult{
		ServerStartTime: srv.started,
		ActiveClients:   srv.config.Engine.ActiveSlugs(),
		PendingRequests: srv.config.Engine.PendingCount(),
		Stats:           srv.config.Observer.Report(),
	})
}

// handleControl upgrades the connection and services it as a control
// channel until the peer goes away or the server shuts down.
func (srv *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	addr := sourceAddr(r)
	if srv.config.Limiter != nil && !srv.config.Limiter.AdmitConnection(addr) {
		srv.config.Observer.Logf(observer.CategorySecurity,
			"refused control channel from %s: connection limit", addr)
		srv.sendError(w, http.StatusTooManyRequests, "Too many connections from this IP")
		return
	}
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied to the client.
		logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	s := newSession(srv, conn)
	if !srv.addSession(s) {
		conn.Close()
		return
	}
	srv.config.Observer.Logf(observer.CategoryControl, "session %s opened from %s", s.id, addr)
	s.run()
}

// handleSlug admits, captures and dispatches a slug-targeted request,
// then renders the handler's response or the failure verdict.
func (srv *Server) handleSlug(w http.ResponseWriter, r *http.Request) {
	begin := srv.config.Clock.Now()
	srv.config.Observer.RecordReceived()

	slug := strings.TrimPrefix(r.URL.Path, "/")
	if slug == "" {
		srv.reject(w, observer.CategoryHTTP, http.StatusBadRequest, "Missing slug",
			"request with no slug from %s", sourceAddr(r))
		return
	}
	if err := validation.ValidateSlug(slug); err != nil {
		srv.reject(w, observer.CategoryHTTP, http.StatusBadRequest, "Invalid slug",
			"rejected slug %q from %s: %v", slug, sourceAddr(r), err)
		return
	}
	if slug == validation.ReservedSlug {
		srv.reject(w, observer.CategoryHTTP, http.StatusBadRequest, "Invalid slug",
			"rejected reserved slug %q from %s", slug, sourceAddr(r))
		return
	}
	if wl := srv.config.SlugWhitelist; !wl.IsEmpty() && !wl.Contains(slug) {
		srv.reject(w, observer.CategorySecurity, http.StatusForbidden, "Slug not allowed",
			"blocked slug %q from %s: not whitelisted", slug, sourceAddr(r))
		return
	}
	target := r.URL.RequestURI()
	if validation.Suspect(r.Method) || validation.Suspect(target) {
		srv.reject(w, observer.CategorySecurity, http.StatusBadRequest, "Invalid request",
			"blocked suspicious request for %q from %s", slug, sourceAddr(r))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, srv.config.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			srv.reject(w, observer.CategoryHTTP, http.StatusRequestEntityTooLarge, "Request body too large",
				"rejected oversize body for %q from %s", slug, sourceAddr(r))
			return
		}
		srv.reject(w, observer.CategoryHTTP, http.StatusBadRequest, "Invalid request",
			"failed reading body for %q from %s: %v", slug, sourceAddr(r), err)
		return
	}

	response, err := srv.config.Engine.Submit(slug, wire.Request{
		Method:  r.Method,
		URL:     target,
		Headers: validation.SanitiseHeaders(r.Header),
		Body:    string(body),
	})
	latency := srv.config.Clock.Now().Sub(begin)
	if srv.config.Metrics != nil {
		srv.config.Metrics.ObserveRequestDuration(latency)
	}
	if err != nil {
		status, message := verdictStatus(err)
		srv.config.Observer.RecordFailed()
		srv.config.Observer.Logf(observer.CategoryHTTP, "%s /%s -> %d (%v): %v",
			r.Method, slug, status, latency.Round(time.Millisecond), err)
		srv.sendError(w, status, message)
		return
	}

	srv.config.Observer.RecordSucceeded(latency)
	srv.config.Observer.Logf(observer.CategoryHTTP, "%s /%s -> %d (%v)",
		r.Method, slug, response.StatusCode, latency.Round(time.Millisecond))
	for name, value := range response.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(response.StatusCode)
	if _, err := io.WriteString(w, response.Body); err != nil {
		logger.Debugf("failed writing response for %q: %v", slug, err)
	}
}

// reject fails a slug-targeted request before dispatch: it counts the
// failure, logs why, and writes the error body.
func (srv *Server) reject(w http.ResponseWriter, category observer.Category, status int, message, format string, args ...interface{}) {
	srv.config.Observer.RecordFailed()
	srv.config.Observer.Logf(category, format, args...)
	srv.sendError(w, status, message)
}

// verdictStatus maps a dispatch failure to its HTTP rendering.
func verdictStatus(err error) (int, string) {
	switch {
	case errors.Is(err, broker.ErrQueueTimeout):
		return http.StatusGatewayTimeout, "No WebSocket client connected within timeout"
	case errors.Is(err, broker.ErrForwardTimeout):
		return http.StatusGatewayTimeout, "Request timeout"
	case errors.Is(err, broker.ErrHandlerLost):
		return http.StatusServiceUnavailable, "No active WebSocket client for this slug"
	case errors.Is(err, broker.ErrShuttingDown):
		return http.StatusServiceUnavailable, "Server is shutting down"
	case errors.Is(err, broker.ErrSendFailed):
		return http.StatusInternalServerError, "Failed to forward request"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}
