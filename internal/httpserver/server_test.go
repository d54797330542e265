// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httpserver_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/canonical/backwire/internal/auth"
	"github.com/canonical/backwire/internal/broker"
	"github.com/canonical/backwire/internal/httpserver"
	"github.com/canonical/backwire/internal/limiter"
	"github.com/canonical/backwire/internal/observer"
	"github.com/canonical/backwire/internal/testhelpers"
	"github.com/canonical/backwire/wire"
)

type serverSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&serverSuite{})

const adminPassword = "s3kr1t"

// fixtureParams tune one test's server stack. Zero values give a
// server with generous dispatch deadlines, CORS on and no admission
// limits, listening on a loopback port.
type fixtureParams struct {
	requireAuth bool
	corsOff     bool
	whitelist   []string

	queueTimeout    time.Duration
	forwardTimeout  time.Duration
	maxRequestBytes int64

	rateLimit            bool
	maxRequestsPerMinute int
	maxConnectionsPerIP  int
}

type fixture struct {
	engine *broker.Engine
	obs    *observer.Observer
	srv    *httpserver.Server
	client *http.Client
}

func (s *serverSuite) newFixture(c *gc.C, p fixtureParams) *fixture {
	if p.queueTimeout == 0 {
		p.queueTimeout = testhelpers.LongWait
	}
	if p.forwardTimeout == 0 {
		p.forwardTimeout = testhelpers.LongWait
	}
	if p.maxRequestBytes == 0 {
		p.maxRequestBytes = 1024 * 1024
	}

	obs, err := observer.New(observer.Config{Clock: clock.WallClock})
	c.Assert(err, jc.ErrorIsNil)

	whitelist := set.NewStrings(p.whitelist...)
	engine, err := broker.New(broker.Config{
		Clock:          clock.WallClock,
		Sink:           obs,
		Whitelist:      whitelist,
		QueueTimeout:   p.queueTimeout,
		ForwardTimeout: p.forwardTimeout,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, engine) })

	authority, err := auth.NewAuthority(auth.Config{
		Clock:         clock.WallClock,
		Secret:        []byte("0123456789abcdef0123456789abcdef"),
		Password:      adminPassword,
		TokenLifetime: time.Hour,
	})
	c.Assert(err, jc.ErrorIsNil)

	var lim *limiter.Limiter
	if p.rateLimit {
		lim, err = limiter.New(limiter.Config{
			Clock:                clock.WallClock,
			MaxRequestsPerMinute: p.maxRequestsPerMinute,
			MaxConnectionsPerIP:  p.maxConnectionsPerIP,
		})
		c.Assert(err, jc.ErrorIsNil)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	srv, err := httpserver.NewServer(lis, httpserver.Config{
		Clock:           clock.WallClock,
		Engine:          engine,
		Observer:        obs,
		Authority:       authority,
		Limiter:         lim,
		RequireAuth:     p.requireAuth,
		CORS:            !p.corsOff,
		AllowedOrigins:  "*",
		SlugWhitelist:   whitelist,
		MaxRequestBytes: p.maxRequestBytes,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, srv) })

	return &fixture{
		engine: engine,
		obs:    obs,
		srv:    srv,
		client: &http.Client{Timeout: testhelpers.LongWait},
	}
}

func (f *fixture) url(path string) string {
	return "http://" + f.srv.Addr() + path
}

func (f *fixture) wsURL() string {
	return "ws://" + f.srv.Addr() + "/ws"
}

type httpResult struct {
	resp *http.Response
	body string
	err  error
}

// do issues req in the background; slug-targeted requests block until
// dispatch completes, so the test goroutine stays free to play the
// handler's side of the exchange.
func (f *fixture) do(req *http.Request) <-chan httpResult {
	ch := make(chan httpResult, 1)
	go func() {
		resp, err := f.client.Do(req)
		if err != nil {
			ch <- httpResult{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		ch <- httpResult{resp: resp, body: string(body), err: err}
	}()
	return ch
}

func (f *fixture) wait(c *gc.C, ch <-chan httpResult) httpResult {
	select {
	case result := <-ch:
		c.Assert(result.err, jc.ErrorIsNil)
		return result
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for HTTP response")
	}
	panic("unreachable")
}

func (f *fixture) get(c *gc.C, path string) httpResult {
	req, err := http.NewRequest("GET", f.url(path), nil)
	c.Assert(err, jc.ErrorIsNil)
	return f.wait(c, f.do(req))
}

func (f *fixture) postJSON(c *gc.C, path string, body interface{}) httpResult {
	data, err := json.Marshal(body)
	c.Assert(err, jc.ErrorIsNil)
	req, err := http.NewRequest("POST", f.url(path), bytes.NewReader(data))
	c.Assert(err, jc.ErrorIsNil)
	req.Header.Set("Content-Type", "application/json")
	return f.wait(c, f.do(req))
}

func (s *serverSuite) dial(c *gc.C, f *fixture) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { conn.Close() })
	return conn
}

func readFrame(c *gc.C, conn *websocket.Conn, into interface{}) {
	err := conn.SetReadDeadline(time.Now().Add(testhelpers.LongWait))
	c.Assert(err, jc.ErrorIsNil)
	err = conn.ReadJSON(into)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *serverSuite) register(c *gc.C, f *fixture, conn *websocket.Conn, slug string) {
	err := conn.WriteJSON(wire.Registration{Slug: slug})
	c.Assert(err, jc.ErrorIsNil)
	var ack wire.Registered
	readFrame(c, conn, &ack)
	c.Assert(ack, gc.DeepEquals, wire.NewRegistered(slug))
}

// serveNext answers the next forwarded request on conn.
func serveNext(c *gc.C, conn *websocket.Conn, respond func(wire.Forwarded) wire.Response) wire.Forwarded {
	var fwd wire.Forwarded
	readFrame(c, conn, &fwd)
	err := conn.WriteJSON(wire.ResponseFrame{
		Slug:      fwd.Slug,
		RequestID: fwd.RequestID,
		Response:  respond(fwd),
	})
	c.Assert(err, jc.ErrorIsNil)
	return fwd
}

func waitPending(c *gc.C, e *broker.Engine, want int) {
	timeout := time.After(testhelpers.LongWait)
	for e.PendingCount() != want {
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for %d pending, have %d", want, e.PendingCount())
		case <-time.After(testhelpers.ShortWait):
		}
	}
}

func assertClosedWith(c *gc.C, conn *websocket.Conn, reason string) {
	err := conn.SetReadDeadline(time.Now().Add(testhelpers.LongWait))
	c.Assert(err, jc.ErrorIsNil)
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		c.Fatalf("expected close error, got %#v", err)
	}
	c.Check(closeErr.Code, gc.Equals, websocket.CloseNormalClosure)
	c.Check(closeErr.Text, gc.Equals, reason)
}

func (s *serverSuite) TestValidateConfig(c *gc.C) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	_, err = httpserver.NewServer(lis, httpserver.Config{})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
	c.Check(err, gc.ErrorMatches, "nil Clock not valid")

	// The listener is closed on construction failure.
	_, err = lis.Accept()
	c.Check(err, gc.NotNil)
}

func (s *serverSuite) TestRoundTrip(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	conn := s.dial(c, f)
	s.register(c, f, conn, "svc-a")

	req, err := http.NewRequest("GET", f.url("/svc-a"), nil)
	c.Assert(err, jc.ErrorIsNil)
	req.Header.Set("X-Probe", "17")
	pending := f.do(req)

	fwd := serveNext(c, conn, func(fwd wire.Forwarded) wire.Response {
		return wire.Response{
			StatusCode: 201,
			Headers:    map[string]string{"Content-Type": "text/plain", "X-Origin": "handler"},
			Body:       "created",
		}
	})
	c.Check(fwd.Slug, gc.Equals, "svc-a")
	c.Check(fwd.RequestID, gc.Not(gc.Equals), "")
	c.Check(fwd.Request.Method, gc.Equals, "GET")
	c.Check(fwd.Request.URL, gc.Equals, "/svc-a")
	c.Check(fwd.Request.Headers["X-Probe"], gc.Equals, "17")
	c.Check(fwd.Request.Body, gc.Equals, "")

	result := f.wait(c, pending)
	c.Check(result.resp.StatusCode, gc.Equals, 201)
	c.Check(result.resp.Header.Get("Content-Type"), gc.Equals, "text/plain")
	c.Check(result.resp.Header.Get("X-Origin"), gc.Equals, "handler")
	c.Check(result.body, gc.Equals, "created")
}

func (s *serverSuite) TestMethodBodyAndQueryForwarded(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	conn := s.dial(c, f)
	s.register(c, f, conn, "svc-h")

	req, err := http.NewRequest("PUT", f.url("/svc-h?mode=soft&n=2"), strings.NewReader("payload"))
	c.Assert(err, jc.ErrorIsNil)
	pending := f.do(req)

	fwd := serveNext(c, conn, func(wire.Forwarded) wire.Response {
		return wire.Response{StatusCode: 200}
	})
	c.Check(fwd.Request.Method, gc.Equals, "PUT")
	c.Check(fwd.Request.URL, gc.Equals, "/svc-h?mode=soft&n=2")
	c.Check(fwd.Request.Body, gc.Equals, "payload")
	// Hop-by-hop headers are stripped before forwarding.
	_, present := fwd.Request.Headers["Content-Length"]
	c.Check(present, jc.IsFalse)

	result := f.wait(c, pending)
	c.Check(result.resp.StatusCode, gc.Equals, 200)
}

func (s *serverSuite) TestQueueThenBind(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})

	req, err := http.NewRequest("POST", f.url("/svc-b"), strings.NewReader(`{"x":1}`))
	c.Assert(err, jc.ErrorIsNil)
	req.Header.Set("Content-Type", "application/json")
	pending := f.do(req)
	waitPending(c, f.engine, 1)

	conn := s.dial(c, f)
	s.register(c, f, conn, "svc-b")

	fwd := serveNext(c, conn, func(wire.Forwarded) wire.Response {
		return wire.Response{
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"ok":true}`,
		}
	})
	c.Check(fwd.Request.Method, gc.Equals, "POST")
	c.Check(fwd.Request.Body, gc.Equals, `{"x":1}`)

	result := f.wait(c, pending)
	c.Check(result.resp.StatusCode, gc.Equals, 200)
	c.Check(result.body, gc.Equals, `{"ok":true}`)
}

func (s *serverSuite) TestQueueWaitDeadline(c *gc.C) {
	f := s.newFixture(c, fixtureParams{queueTimeout: 50 * time.Millisecond})
	result := f.get(c, "/svc-c")
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusGatewayTimeout)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{
		Error: "No WebSocket client connected within timeout",
	})
}

func (s *serverSuite) TestForwardDeadline(c *gc.C) {
	f := s.newFixture(c, fixtureParams{forwardTimeout: 50 * time.Millisecond})
	conn := s.dial(c, f)
	s.register(c, f, conn, "svc-slow")

	req, err := http.NewRequest("GET", f.url("/svc-slow"), nil)
	c.Assert(err, jc.ErrorIsNil)
	pending := f.do(req)

	// The handler reads the forwarded request but never answers.
	var fwd wire.Forwarded
	readFrame(c, conn, &fwd)

	result := f.wait(c, pending)
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusGatewayTimeout)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Request timeout"})
}

func (s *serverSuite) TestHandlerLostMidFlight(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	conn := s.dial(c, f)
	s.register(c, f, conn, "svc-d")

	req, err := http.NewRequest("GET", f.url("/svc-d"), nil)
	c.Assert(err, jc.ErrorIsNil)
	pending := f.do(req)

	var fwd wire.Forwarded
	readFrame(c, conn, &fwd)
	c.Assert(conn.Close(), jc.ErrorIsNil)

	result := f.wait(c, pending)
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusServiceUnavailable)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{
		Error: "No active WebSocket client for this slug",
	})
}

func (s *serverSuite) TestReplacementClosesPrevious(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	first := s.dial(c, f)
	s.register(c, f, first, "svc-e")
	second := s.dial(c, f)
	s.register(c, f, second, "svc-e")

	// The displaced session is told why before the channel drops.
	assertClosedWith(c, first, wire.CloseReasonReplaced)

	req, err := http.NewRequest("GET", f.url("/svc-e"), nil)
	c.Assert(err, jc.ErrorIsNil)
	pending := f.do(req)

	serveNext(c, second, func(wire.Forwarded) wire.Response {
		return wire.Response{StatusCode: 200, Body: "second"}
	})
	result := f.wait(c, pending)
	c.Check(result.resp.StatusCode, gc.Equals, 200)
	c.Check(result.body, gc.Equals, "second")
}

func (s *serverSuite) TestReservedSlug(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})

	// GET /status serves the dashboard, not slug dispatch.
	result := f.get(c, "/status")
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(result.resp.Header.Get("Content-Type"), gc.Equals, "text/html; charset=utf-8")
	c.Check(result.body, gc.Matches, "(?s).*<title>backwire status</title>.*")

	// Paths under the reserved prefix are not valid slugs.
	result = f.get(c, "/status/anything")
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusBadRequest)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Invalid slug"})

	// The reserved name cannot be registered either.
	conn := s.dial(c, f)
	err := conn.WriteJSON(wire.Registration{Slug: "status"})
	c.Assert(err, jc.ErrorIsNil)
	var hint wire.ErrorMessage
	readFrame(c, conn, &hint)
	c.Check(hint.Error, gc.Equals, "Invalid slug")
	c.Check(f.engine.ActiveSlugs(), gc.HasLen, 0)
}

func (s *serverSuite) TestMissingSlug(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	result := f.get(c, "/")
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusBadRequest)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Missing slug"})
}

func (s *serverSuite) TestSlugLengthLimit(c *gc.C) {
	f := s.newFixture(c, fixtureParams{queueTimeout: 50 * time.Millisecond})

	// A slug at the length limit passes admission; with no handler it
	// runs down the queue-wait deadline instead.
	longest := strings.Repeat("a", 50)
	result := f.get(c, "/"+longest)
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusGatewayTimeout)

	result = f.get(c, "/"+longest+"a")
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusBadRequest)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Invalid slug"})
}

func (s *serverSuite) TestSuspectRequestBlocked(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	result := f.get(c, "/svc-a?next=javascript:alert(1)")
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusBadRequest)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Invalid request"})
}

func (s *serverSuite) TestWhitelist(c *gc.C) {
	f := s.newFixture(c, fixtureParams{whitelist: []string{"alpha"}})

	result := f.get(c, "/other")
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusForbidden)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Slug not allowed"})

	conn := s.dial(c, f)
	err := conn.WriteJSON(wire.Registration{Slug: "other"})
	c.Assert(err, jc.ErrorIsNil)
	var hint wire.ErrorMessage
	readFrame(c, conn, &hint)
	c.Check(hint.Error, gc.Equals, "Slug not allowed")

	// The whitelisted slug registers normally on the same channel.
	s.register(c, f, conn, "alpha")
}

func (s *serverSuite) TestBodyLimit(c *gc.C) {
	f := s.newFixture(c, fixtureParams{maxRequestBytes: 16})
	conn := s.dial(c, f)
	s.register(c, f, conn, "echo")

	// A body at the limit goes through.
	exact := strings.Repeat("x", 16)
	req, err := http.NewRequest("POST", f.url("/echo"), strings.NewReader(exact))
	c.Assert(err, jc.ErrorIsNil)
	pending := f.do(req)
	fwd := serveNext(c, conn, func(wire.Forwarded) wire.Response {
		return wire.Response{StatusCode: 200}
	})
	c.Check(fwd.Request.Body, gc.Equals, exact)
	result := f.wait(c, pending)
	c.Check(result.resp.StatusCode, gc.Equals, 200)

	// One byte more is refused without consulting the handler.
	req, err = http.NewRequest("POST", f.url("/echo"), strings.NewReader(exact+"x"))
	c.Assert(err, jc.ErrorIsNil)
	result = f.wait(c, f.do(req))
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusRequestEntityTooLarge)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Request body too large"})
}

func (s *serverSuite) TestSecurityHeaders(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})

	result := f.get(c, "/status")
	h := result.resp.Header
	c.Check(h.Get("X-Content-Type-Options"), gc.Equals, "nosniff")
	c.Check(h.Get("X-Frame-Options"), gc.Equals, "DENY")
	c.Check(h.Get("X-XSS-Protection"), gc.Equals, "1; mode=block")
	c.Check(h.Get("Referrer-Policy"), gc.Equals, "strict-origin-when-cross-origin")
	c.Check(h.Get("Permissions-Policy"), gc.Equals, "geolocation=(), microphone=(), camera=()")

	// Error replies carry them too.
	result = f.get(c, "/")
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusBadRequest)
	c.Check(result.resp.Header.Get("X-Frame-Options"), gc.Equals, "DENY")
}

func (s *serverSuite) TestCORS(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})

	result := f.get(c, "/status")
	c.Check(result.resp.Header.Get("Access-Control-Allow-Origin"), gc.Equals, "*")

	req, err := http.NewRequest("OPTIONS", f.url("/svc-a"), nil)
	c.Assert(err, jc.ErrorIsNil)
	result = f.wait(c, f.do(req))
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusNoContent)
	c.Check(result.resp.Header.Get("Access-Control-Allow-Origin"), gc.Equals, "*")
	c.Check(result.resp.Header.Get("Access-Control-Allow-Methods"), gc.Matches, ".*OPTIONS.*")
	c.Check(result.body, gc.Equals, "")
}

func (s *serverSuite) TestCORSDisabled(c *gc.C) {
	f := s.newFixture(c, fixtureParams{corsOff: true, queueTimeout: 50 * time.Millisecond})

	result := f.get(c, "/status")
	c.Check(result.resp.Header.Get("Access-Control-Allow-Origin"), gc.Equals, "")

	// Without CORS, OPTIONS is an ordinary slug-targeted method.
	req, err := http.NewRequest("OPTIONS", f.url("/svc-a"), nil)
	c.Assert(err, jc.ErrorIsNil)
	result = f.wait(c, f.do(req))
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusGatewayTimeout)
}

func (s *serverSuite) TestLogin(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})

	result := f.postJSON(c, "/auth/login", wire.LoginRequest{Password: adminPassword})
	c.Assert(result.resp.StatusCode, gc.Equals, http.StatusOK)
	var login wire.LoginResult
	err := json.Unmarshal([]byte(result.body), &login)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(login.Token, gc.Not(gc.Equals), "")
	c.Check(login.ExpiresIn, gc.Equals, 3600)
}

func (s *serverSuite) TestLoginBadPassword(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	result := f.postJSON(c, "/auth/login", wire.LoginRequest{Password: "nope"})
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusUnauthorized)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Invalid password"})
}

func (s *serverSuite) TestLoginMalformedBody(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	req, err := http.NewRequest("POST", f.url("/auth/login"), strings.NewReader("not json"))
	c.Assert(err, jc.ErrorIsNil)
	result := f.wait(c, f.do(req))
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusBadRequest)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Invalid request"})
}

func (s *serverSuite) TestStatusEndpoint(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	conn := s.dial(c, f)
	s.register(c, f, conn, "svc-a")

	result := f.get(c, "/api/status")
	c.Assert(result.resp.StatusCode, gc.Equals, http.StatusOK)
	var status wire.StatusResult
	err := json.Unmarshal([]byte(result.body), &status)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status.ServerStartTime.IsZero(), jc.IsFalse)
	c.Check(status.ActiveClients, gc.DeepEquals, []string{"svc-a"})
	c.Check(status.PendingRequests, gc.Equals, 0)
}

func (s *serverSuite) TestStatusEndpointRequiresAuth(c *gc.C) {
	f := s.newFixture(c, fixtureParams{requireAuth: true})

	result := f.get(c, "/api/status")
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusUnauthorized)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Unauthorized"})

	login := f.postJSON(c, "/auth/login", wire.LoginRequest{Password: adminPassword})
	c.Assert(login.resp.StatusCode, gc.Equals, http.StatusOK)
	var token wire.LoginResult
	err := json.Unmarshal([]byte(login.body), &token)
	c.Assert(err, jc.ErrorIsNil)

	req, err := http.NewRequest("GET", f.url("/api/status"), nil)
	c.Assert(err, jc.ErrorIsNil)
	req.Header.Set("Authorization", "Bearer "+token.Token)
	result = f.wait(c, f.do(req))
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusOK)

	req, err = http.NewRequest("GET", f.url("/api/status"), nil)
	c.Assert(err, jc.ErrorIsNil)
	req.Header.Set("Authorization", "Bearer garbage")
	result = f.wait(c, f.do(req))
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusUnauthorized)
}

func (s *serverSuite) TestStatsAccounting(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	conn := s.dial(c, f)
	s.register(c, f, conn, "svc-a")

	// One request succeeds through the handler.
	req, err := http.NewRequest("GET", f.url("/svc-a"), nil)
	c.Assert(err, jc.ErrorIsNil)
	served := f.do(req)
	serveNext(c, conn, func(wire.Forwarded) wire.Response {
		return wire.Response{StatusCode: 200, Body: "ok"}
	})
	result := f.wait(c, served)
	c.Assert(result.resp.StatusCode, gc.Equals, http.StatusOK)

	// One fails at admission.
	result = f.get(c, "/not%20a%20slug")
	c.Assert(result.resp.StatusCode, gc.Equals, http.StatusBadRequest)

	// One sits queued for an unbound slug.
	req, err = http.NewRequest("GET", f.url("/svc-b"), nil)
	c.Assert(err, jc.ErrorIsNil)
	queued := f.do(req)
	waitPending(c, f.engine, 1)

	// Every admitted request is accounted for exactly once.
	report := f.obs.Report()
	c.Check(report.Received, gc.Equals, uint64(3))
	c.Check(report.Succeeded, gc.Equals, uint64(1))
	c.Check(report.Failed, gc.Equals, uint64(1))
	c.Check(report.Received, gc.Equals,
		report.Succeeded+report.Failed+uint64(f.engine.PendingCount()))

	// Binding a handler completes the queued request and the totals
	// balance with nothing left pending.
	late := s.dial(c, f)
	s.register(c, f, late, "svc-b")
	serveNext(c, late, func(wire.Forwarded) wire.Response {
		return wire.Response{StatusCode: 204}
	})
	result = f.wait(c, queued)
	c.Assert(result.resp.StatusCode, gc.Equals, http.StatusNoContent)

	report = f.obs.Report()
	c.Check(f.engine.PendingCount(), gc.Equals, 0)
	c.Check(report.Received, gc.Equals, uint64(3))
	c.Check(report.Succeeded, gc.Equals, uint64(2))
	c.Check(report.Failed, gc.Equals, uint64(1))
}

func (s *serverSuite) TestRequestRateLimit(c *gc.C) {
	f := s.newFixture(c, fixtureParams{
		rateLimit:            true,
		maxRequestsPerMinute: 3,
		maxConnectionsPerIP:  10,
	})

	for i := 0; i < 3; i++ {
		result := f.get(c, "/status")
		c.Assert(result.resp.StatusCode, gc.Equals, http.StatusOK)
	}
	result := f.get(c, "/status")
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusTooManyRequests)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Rate limit exceeded"})
}

func (s *serverSuite) TestConnectionLimit(c *gc.C) {
	f := s.newFixture(c, fixtureParams{
		rateLimit:            true,
		maxRequestsPerMinute: 100,
		maxConnectionsPerIP:  1,
	})

	s.dial(c, f)
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	c.Assert(err, gc.Equals, websocket.ErrBadHandshake)
	c.Assert(conn, gc.IsNil)
	c.Assert(resp, gc.NotNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusTooManyRequests)
}

func (s *serverSuite) TestMalformedFrameHint(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	conn := s.dial(c, f)

	err := conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	c.Assert(err, jc.ErrorIsNil)
	var hint wire.ErrorMessage
	readFrame(c, conn, &hint)
	c.Check(hint.Error, gc.Equals, "Invalid message format")

	// The channel survives the bad frame.
	s.register(c, f, conn, "svc-g")
}

func (s *serverSuite) TestEngineShutdownFailsPending(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})

	req, err := http.NewRequest("GET", f.url("/svc-z"), nil)
	c.Assert(err, jc.ErrorIsNil)
	pending := f.do(req)
	waitPending(c, f.engine, 1)

	f.engine.Kill()
	result := f.wait(c, pending)
	c.Check(result.resp.StatusCode, gc.Equals, http.StatusServiceUnavailable)
	c.Check(result.body, jc.JSONEquals, wire.ErrorMessage{Error: "Server is shutting down"})
}

func (s *serverSuite) TestShutdownClosesSessions(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	conn := s.dial(c, f)
	s.register(c, f, conn, "svc-a")

	workertest.CleanKill(c, f.srv)
	assertClosedWith(c, conn, wire.CloseReasonShuttingDown)
}

func (s *serverSuite) TestDashboardFeed(c *gc.C) {
	f := s.newFixture(c, fixtureParams{})
	dash := s.dial(c, f)
	err := dash.WriteJSON(map[string]string{"type": wire.TypeStatusClient})
	c.Assert(err, jc.ErrorIsNil)

	// Attaching primes the feed with the current status and stats.
	var status wire.StatusBroadcast
	readFrame(c, dash, &status)
	c.Check(status.Type, gc.Equals, wire.TypeStatus)
	c.Check(status.Status.ActiveClients, gc.HasLen, 0)
	var stats wire.StatsBroadcast
	readFrame(c, dash, &stats)
	c.Check(stats.Type, gc.Equals, wire.TypeStats)

	// A registration elsewhere reaches the dashboard as a status change.
	handler := s.dial(c, f)
	s.register(c, f, handler, "svc-f")

	err = dash.SetReadDeadline(time.Now().Add(testhelpers.LongWait))
	c.Assert(err, jc.ErrorIsNil)
	for {
		var frame struct {
			Type   string            `json:"type"`
			Status wire.StatusReport `json:"status"`
		}
		err := dash.ReadJSON(&frame)
		c.Assert(err, jc.ErrorIsNil)
		if frame.Type == wire.TypeStatus && len(frame.Status.ActiveClients) > 0 {
			c.Check(frame.Status.ActiveClients, gc.DeepEquals, []string{"svc-f"})
			break
		}
	}
}
