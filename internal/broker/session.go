// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

// Session is the engine's view of a control-channel connection. The
// engine may call into a session while holding its own lock, so every
// method must return promptly without blocking on the peer.
type Session interface {
	// ID uniquely identifies the session for the lifetime of the
	// process.
	ID() string

	// Send queues frame for delivery to the remote handler. It fails
	// immediately if the session's egress queue is full or the
	// session is closed; it never waits for the peer.
	Send(frame interface{}) error

	// Close asks the session to shut down with the given close
	// reason. It only signals: the session tears itself down on its
	// own goroutines and reports back through SessionGone.
	Close(reason string)
}
