// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httpserver

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/ratelimit"

	"github.com/canonical/backwire/internal/broker"
	"github.com/canonical/backwire/internal/observer"
	"github.com/canonical/backwire/wire"
)

const (
	// writeWait is the time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is the ping cadence keeping the channel alive. It
	// must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendQueueDepth bounds the frames buffered towards a slow peer.
	sendQueueDepth = 64

	// readLimitHeadroom is added to the request body budget to allow
	// for the envelope around a handler's response frame.
	readLimitHeadroom = 64 * 1024
)

const (
	errSessionClosed = errors.ConstError("session closed")
	errSendQueueFull = errors.ConstError("session send queue full")
	errSessionShadow = errors.ConstError("session already attached")
)

var websocketUpgrader = websocket.Upgrader{
	// In order to deal with the remote side not handling message
	// fragmentation, we default to largeish frames.
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// session is one websocket control channel. The read pump runs on the
// request goroutine; the write pump runs alongside it and owns all
// writes to the connection, including keepalive pings and the close
// frame.
type session struct {
	id     string
	conn   *websocket.Conn
	srv    *Server
	bucket *ratelimit.Bucket

	send      chan interface{}
	closeOnce sync.Once
	closed    atomic.Bool
	reason    string

	mu     sync.Mutex
	detach func()
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		srv:  srv,
		send: make(chan interface{}, sendQueueDepth),
	}
	if srv.config.FrameBurst > 0 {
		s.bucket = ratelimit.NewBucketWithClock(
			srv.config.FrameRefill,
			srv.config.FrameBurst,
			ratelimitClock{srv.config.Clock},
		)
	}
	return s
}

// ratelimitClock adapts clock.Clock to ratelimit.Clock.
type ratelimitClock struct {
	clock.Clock
}

// Sleep is part of the ratelimit.Clock interface.
func (c ratelimitClock) Sleep(d time.Duration) {
	<-c.Clock.After(d)
}

// ID is part of the broker.Session interface.
func (s *session) ID() string {
	return s.id
}

// Send queues a frame for delivery. It never blocks: a closed session
// or a full queue returns an error immediately so callers can fail the
// affected request rather than stall.
func (s *session) Send(frame interface{}) (err error) {
	if s.closed.Load() {
		return errSessionClosed
	}
	// The queue may be closed between the check above and the send
	// below; recover turns the panic into the same error.
	defer func() {
		if recover() != nil {
			err = errSessionClosed
		}
	}()
	select {
	case s.send <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

// sendDrop is the dashboard fan-out target: delivery is best-effort
// and a full queue loses the frame rather than an error.
func (s *session) sendDrop(frame interface{}) {
	if err := s.Send(frame); err != nil {
		logger.Tracef("session %s dropped broadcast: %v", s.id, err)
	}
}

// Close is part of the broker.Session interface. The first call wins;
// its reason is carried on the close frame the write pump sends before
// tearing the connection down.
func (s *session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		s.closed.Store(true)
		close(s.send)
	})
}

// run services the connection until either pump fails. It blocks so
// the surrounding request handler keeps the session inside the
// server's in-flight accounting.
func (s *session) run() {
	go s.writePump()
	s.readPump()
}

func (s *session) readPump() {
	defer func() {
		s.Close("")
		s.srv.config.Engine.SessionGone(s)
		s.mu.Lock()
		detach := s.detach
		s.detach = nil
		s.mu.Unlock()
		if detach != nil {
			detach()
		}
		s.srv.removeSession(s)
		s.conn.Close()
		s.srv.config.Observer.Logf(observer.CategoryControl, "session %s closed", s.id)
	}()

	s.conn.SetReadLimit(s.srv.config.MaxRequestBytes + readLimitHeadroom)
	// The read deadlines use time.Now directly rather than the
	// configured clock, because the underlying network connection
	// does too.
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Debugf("session %s read error: %v", s.id, err)
			}
			return
		}
		if s.bucket != nil {
			if d := s.bucket.Take(1); d > 0 {
				select {
				case <-s.srv.config.Clock.After(d):
				case <-s.srv.tomb.Dying():
					return
				}
			}
		}
		s.dispatch(data)
	}
}

// dispatch routes one inbound frame. Malformed frames are answered
// with a hint and do not end the session.
func (s *session) dispatch(data []byte) {
	ingress, err := wire.DecodeIngress(data)
	if err != nil {
		s.srv.config.Observer.Logf(observer.CategoryControl,
			"session %s sent malformed frame: %v", s.id, err)
		s.sendDrop(wire.ErrorMessage{Error: "Invalid message format"})
		return
	}
	switch ingress.Kind {
	case wire.KindRegistration:
		if err := s.srv.config.Engine.Register(s, ingress.Slug); err != nil {
			s.srv.config.Observer.Logf(observer.CategorySecurity,
				"session %s registration for %q rejected: %v", s.id, ingress.Slug, err)
			s.sendDrop(wire.ErrorMessage{Error: registrationHint(err)})
		}
	case wire.KindResponse:
		s.srv.config.Engine.Respond(s, ingress.RequestID, ingress.Slug, *ingress.Response)
	case wire.KindDashboardAttach:
		if err := s.attach(); err != nil {
			logger.Debugf("session %s: %v", s.id, err)
		}
	}
}

// registrationHint maps a registration failure to the advisory frame
// sent back on the channel.
func registrationHint(err error) string {
	switch {
	case errors.Is(err, broker.ErrShuttingDown):
		return "Server is shutting down"
	case errors.Is(err, errors.Unauthorized):
		return "Slug not allowed"
	default:
		return "Invalid slug"
	}
}

// attach subscribes the session to the observer's dashboard feed and
// primes it with the current status and statistics.
func (s *session) attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detach != nil {
		return errSessionShadow
	}
	s.detach = s.srv.config.Observer.Attach(s.sendDrop)
	s.sendDrop(wire.NewStatusBroadcast(wire.StatusReport{
		ActiveClients:   s.srv.config.Engine.ActiveSlugs(),
		PendingRequests: s.srv.config.Engine.PendingCount(),
	}))
	s.sendDrop(wire.NewStatsBroadcast(s.srv.config.Observer.Report()))
	s.srv.config.Observer.Logf(observer.CategoryControl,
		"session %s attached as status client", s.id)
	return nil
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Closed: say why and hang up. Buffered frames have
				// already drained through this loop.
				message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.reason)
				s.conn.WriteMessage(websocket.CloseMessage, message)
				return
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				logger.Debugf("session %s write error: %v", s.id, err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
