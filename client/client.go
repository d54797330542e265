// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package client implements the handler side of the control channel: a
// worker that dials the broker, registers its slugs, and serves each
// forwarded request through a user-supplied handler. If the channel
// drops the worker redials with growing delays and registers again, so
// a handler process needs no reconnection logic of its own.
package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/canonical/backwire/wire"
)

var logger = loggo.GetLogger("backwire.client")

const (
	// writeWait is the time allowed to write a frame to the broker.
	writeWait = 10 * time.Second

	// pongWait is how long the channel may stay silent before the
	// client assumes the broker is gone. The broker pings well within
	// this.
	pongWait = 60 * time.Second

	// initialRetryDelay seeds the redial backoff.
	initialRetryDelay = time.Second

	// DefaultMaxDelay caps the redial backoff.
	DefaultMaxDelay = 30 * time.Second
)

// Handler serves one forwarded request. Handlers run concurrently, one
// goroutine per in-flight request.
type Handler func(req wire.Request) wire.Response

// Config holds a Client's dependencies and tuning.
type Config struct {
	// URL is the broker's control endpoint, e.g. ws://host:3000/ws.
	URL string

	// Slugs are registered on every connection, in order.
	Slugs []string

	// Handler serves the forwarded requests.
	Handler Handler

	// Clock times the redial backoff.
	Clock clock.Clock

	// Dialer opens the websocket connection. Nil means
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// MaxDelay caps the redial backoff. Zero means DefaultMaxDelay.
	MaxDelay time.Duration
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.URL == "" {
		return errors.NotValidf("empty URL")
	}
	if len(config.Slugs) == 0 {
		return errors.NotValidf("no Slugs")
	}
	if config.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Client is the handler-side worker. Killing it drops the channel and
// waits for in-flight handlers to finish.
type Client struct {
	tomb   tomb.Tomb
	config Config
}

// New returns a Client serving config.Slugs against config.URL.
func New(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.MaxDelay == 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	c := &Client{config: config}
	c.tomb.Go(c.loop)
	return c, nil
}

// Kill is part of the worker.Worker interface.
func (c *Client) Kill() {
	c.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (c *Client) Wait() error {
	return c.tomb.Wait()
}

func (c *Client) loop() error {
	for {
		conn, err := c.dial()
		if err != nil {
			if retry.IsRetryStopped(err) {
				return tomb.ErrDying
			}
			return errors.Trace(err)
		}
		c.serve(conn)
		select {
		case <-c.tomb.Dying():
			return tomb.ErrDying
		default:
		}
		logger.Infof("control channel lost, redialling %s", c.config.URL)
	}
}

// dial opens a connection to the broker, retrying with growing delays
// until it succeeds or the client is killed.
func (c *Client) dial() (*websocket.Conn, error) {
	dialer := c.config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	var conn *websocket.Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			conn, _, err = dialer.Dial(c.config.URL, nil)
			return errors.Trace(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("dial attempt %d failed: %v", attempt, lastError)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       initialRetryDelay,
		MaxDelay:    c.config.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.config.Clock,
		Stop:        c.tomb.Dying(),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return conn, nil
}

// serve registers the configured slugs and answers forwarded requests
// until the connection drops or the client is killed.
func (c *Client) serve(conn *websocket.Conn) {
	defer conn.Close()

	// Unblock the read loop if the client is killed mid-session.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.tomb.Dying():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(message string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(writeWait))
	})

	writer := &connWriter{conn: conn}
	for _, slug := range c.config.Slugs {
		if err := writer.writeJSON(wire.Registration{Slug: slug}); err != nil {
			logger.Errorf("registering %q: %v", slug, err)
			return
		}
	}

	// Handlers answer out of band; the channel stays open for them
	// until the last one finishes.
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Text != "" {
				logger.Infof("broker closed the channel: %s", closeErr.Text)
			} else {
				logger.Debugf("control channel read failed: %v", err)
			}
			return
		}
		c.dispatch(writer, &handlers, data)
	}
}

// brokerFrame is the superset of fields a broker-to-handler frame may
// carry.
type brokerFrame struct {
	Type      string        `json:"type"`
	Slug      string        `json:"slug"`
	RequestID string        `json:"requestId"`
	Request   *wire.Request `json:"request"`
	Error     string        `json:"error"`
}

func (c *Client) dispatch(writer *connWriter, handlers *sync.WaitGroup, data []byte) {
	var frame brokerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logger.Warningf("malformed frame from broker: %v", err)
		return
	}
	switch {
	case frame.Type == wire.TypeRegistered:
		logger.Infof("registered slug %q", frame.Slug)
	case frame.Error != "":
		logger.Warningf("broker: %s", frame.Error)
	case frame.Request != nil && frame.RequestID != "":
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			response := c.config.Handler(*frame.Request)
			err := writer.writeJSON(wire.ResponseFrame{
				Slug:      frame.Slug,
				RequestID: frame.RequestID,
				Response:  response,
			})
			if err != nil {
				logger.Debugf("answering request %s: %v", frame.RequestID, err)
			}
		}()
	default:
		logger.Tracef("ignoring frame %q", data)
	}
}

// connWriter serialises frame writes; handlers answer concurrently but
// the connection allows a single writer.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}
