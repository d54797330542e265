// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

import (
	"github.com/juju/errors"
)

// Completion verdicts. A request that does not complete with a handler
// response completes with exactly one of these; the HTTP layer maps
// them onto status codes and fixed error bodies.
const (
	// ErrShuttingDown is returned for requests pending or submitted
	// while the engine stops.
	ErrShuttingDown = errors.ConstError("broker is shutting down")

	// ErrQueueTimeout means no handler registered the slug within the
	// queue-wait deadline.
	ErrQueueTimeout = errors.ConstError("no handler registered within queue-wait deadline")

	// ErrForwardTimeout means the bound handler did not respond
	// within the forward deadline.
	ErrForwardTimeout = errors.ConstError("no response within forward deadline")

	// ErrHandlerLost means the handler's session closed after the
	// request was forwarded through it.
	ErrHandlerLost = errors.ConstError("handler session lost")

	// ErrSendFailed means the request frame could not be written to
	// the handler's session.
	ErrSendFailed = errors.ConstError("failed to forward request to handler")
)
