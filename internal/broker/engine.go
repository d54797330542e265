// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package broker implements the dispatch engine at the heart of the
// reverse request broker. The engine matches inbound HTTP requests to
// handler sessions by slug: it forwards each request over the bound
// control channel when a handler is registered, queues it while none
// is, and completes it exactly once with either the handler's response
// or a verdict error.
package broker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/canonical/backwire/internal/observer"
	"github.com/canonical/backwire/internal/validation"
	"github.com/canonical/backwire/wire"
)

const (
	// DefaultForwardTimeout bounds a forwarded request's wait for its
	// handler's response.
	DefaultForwardTimeout = 150 * time.Second

	// DefaultQueueTimeout bounds an unmatched request's wait for a
	// handler to register its slug.
	DefaultQueueTimeout = 30 * time.Second
)

// Sink receives engine events for the observability pipeline.
// Implementations must not block: the engine may call a sink while
// holding its lock.
type Sink interface {
	// Logf records a category-tagged log entry.
	Logf(category observer.Category, format string, args ...interface{})

	// StatusChanged reports the binding set and pending depth after a
	// binding change.
	StatusChanged(active []string, pending int)
}

// Config holds the engine's dependencies and tuning.
type Config struct {
	// Clock schedules the queue-wait and forward deadlines.
	Clock clock.Clock

	// Sink receives log records and binding-change notifications.
	Sink Sink

	// Whitelist restricts registrable slugs when non-empty.
	Whitelist set.Strings

	// ForwardTimeout and QueueTimeout override the deadline defaults
	// when non-zero.
	ForwardTimeout time.Duration
	QueueTimeout   time.Duration

	// NewID allocates request ids. Defaults to random UUIDs.
	NewID func() string
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Sink == nil {
		return errors.NotValidf("nil Sink")
	}
	if config.ForwardTimeout < 0 {
		return errors.NotValidf("negative ForwardTimeout")
	}
	if config.QueueTimeout < 0 {
		return errors.NotValidf("negative QueueTimeout")
	}
	return nil
}

// Engine is the dispatch engine. It is a worker: Kill cancels every
// pending request with a shutdown verdict and Wait blocks until that
// is done.
//
// The engine mutex guards the registry, the queues and the pending
// table together, and doubles as the frame-order authority: every
// frame written to a session is sent under the mutex, so a handler
// sees its registration ack strictly before any request drained or
// forwarded to it, and drained requests in admission order.
type Engine struct {
	tomb   tomb.Tomb
	config Config

	mu       sync.Mutex
	closing  bool
	bindings map[string]Session
	queues   map[string]*deque.Deque
	pending  map[string]*pendingRequest
}

// pendingRequest is one in-flight HTTP request. Whoever removes it
// from the pending table completes it; the buffered channel makes that
// delivery non-blocking.
type pendingRequest struct {
	id    string
	slug  string
	done  chan completion
	timer clock.Timer

	// forwarded and session record which control channel carries the
	// request; request retains the captured form while queued.
	forwarded bool
	session   Session
	request   *wire.Request
}

type completion struct {
	response wire.Response
	err      error
}

func (r *pendingRequest) complete(c completion) {
	r.done <- c
}

// New returns a running Engine.
func New(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.ForwardTimeout == 0 {
		config.ForwardTimeout = DefaultForwardTimeout
	}
	if config.QueueTimeout == 0 {
		config.QueueTimeout = DefaultQueueTimeout
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	e := &Engine{
		config:   config,
		bindings: make(map[string]Session),
		queues:   make(map[string]*deque.Deque),
		pending:  make(map[string]*pendingRequest),
	}
	e.tomb.Go(e.loop)
	return e, nil
}

// Kill is part of the worker.Worker interface.
func (e *Engine) Kill() {
	e.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (e *Engine) Wait() error {
	return e.tomb.Wait()
}

func (e *Engine) loop() error {
	<-e.tomb.Dying()

	e.mu.Lock()
	e.closing = true
	doomed := make([]*pendingRequest, 0, len(e.pending))
	for id, rec := range e.pending {
		delete(e.pending, id)
		rec.timer.Stop()
		doomed = append(doomed, rec)
	}
	e.queues = make(map[string]*deque.Deque)
	e.mu.Unlock()

	for _, rec := range doomed {
		rec.complete(completion{err: ErrShuttingDown})
	}
	if len(doomed) > 0 {
		e.config.Sink.Logf(observer.CategoryServer,
			"cancelled %d pending request(s) on shutdown", len(doomed))
	}
	return tomb.ErrDying
}

// Submit dispatches req to the handler bound to slug and blocks until
// the handler responds or the engine completes the request with a
// verdict error. The caller is expected to have validated the slug.
func (e *Engine) Submit(slug string, req wire.Request) (wire.Response, error) {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return wire.Response{}, ErrShuttingDown
	}
	rec := &pendingRequest{
		id:   e.config.NewID(),
		slug: slug,
		done: make(chan completion, 1),
	}
	id := rec.id
	e.pending[id] = rec

	session, bound := e.bindings[slug]
	if bound {
		rec.forwarded = true
		rec.session = session
		rec.timer = e.config.Clock.AfterFunc(e.config.ForwardTimeout, func() {
			e.expire(id, ErrForwardTimeout)
		})
		frame := wire.Forwarded{Slug: slug, RequestID: id, Request: req}
		if err := session.Send(frame); err != nil {
			delete(e.pending, id)
			rec.timer.Stop()
			session.Close("send failed")
			e.mu.Unlock()
			e.config.Sink.Logf(observer.CategoryError,
				"failed to forward request %s for %q to session %s: %v", id, slug, session.ID(), err)
			return wire.Response{}, ErrSendFailed
		}
		e.mu.Unlock()
	} else {
		captured := req
		rec.request = &captured
		rec.timer = e.config.Clock.AfterFunc(e.config.QueueTimeout, func() {
			e.expire(id, ErrQueueTimeout)
		})
		e.queue(slug).PushBack(id)
		e.mu.Unlock()
		e.config.Sink.Logf(observer.CategoryHTTP,
			"queued request %s for unbound slug %q", id, slug)
	}

	c := <-rec.done
	return c.response, c.err
}

// Register binds slug to session, displacing any current holder. The
// displaced session is closed with reason "replaced" strictly before
// the new binding is installed; then the ack is sent and the slug's
// queued requests are drained to the new session in arrival order.
// The returned error reports a rejected registration: the slug is
// malformed, reserved or not whitelisted, and no binding was made.
func (e *Engine) Register(session Session, slug string) error {
	if err := validation.ValidateSlug(slug); err != nil {
		return errors.Trace(err)
	}
	if slug == validation.ReservedSlug {
		return errors.NotValidf("reserved slug %q", slug)
	}
	if !e.config.Whitelist.IsEmpty() && !e.config.Whitelist.Contains(slug) {
		return errors.Unauthorizedf("slug %q is not whitelisted", slug)
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	var displaced string
	if old, ok := e.bindings[slug]; ok && old.ID() != session.ID() {
		old.Close(wire.CloseReasonReplaced)
		displaced = old.ID()
	}
	e.bindings[slug] = session

	if err := session.Send(wire.NewRegistered(slug)); err != nil {
		// The newcomer is already wedged. Leave the binding for its
		// teardown to sever through SessionGone.
		session.Close("send failed")
		e.mu.Unlock()
		e.config.Sink.Logf(observer.CategoryError,
			"failed to ack registration of %q to session %s: %v", slug, session.ID(), err)
		return nil
	}
	e.drainLocked(session, slug)
	active := e.activeLocked()
	pending := len(e.pending)
	e.mu.Unlock()

	if displaced != "" {
		e.config.Sink.Logf(observer.CategoryControl,
			"slug %q taken over by session %s, closed session %s", slug, session.ID(), displaced)
	}
	e.config.Sink.Logf(observer.CategoryControl,
		"session %s registered slug %q", session.ID(), slug)
	e.config.Sink.StatusChanged(active, pending)
	return nil
}

// Respond completes a pending request with the handler's response. The
// response is discarded unless the record exists, its slug matches,
// and session is the current holder of that slug's binding.
func (e *Engine) Respond(session Session, requestID, slug string, response wire.Response) {
	e.mu.Lock()
	rec, ok := e.pending[requestID]
	if !ok || rec.slug != slug {
		e.mu.Unlock()
		e.config.Sink.Logf(observer.CategoryError,
			"discarding response from session %s for unknown request %s (slug %q)",
			session.ID(), requestID, slug)
		return
	}
	if current, bound := e.bindings[slug]; !bound || current.ID() != session.ID() {
		e.mu.Unlock()
		e.config.Sink.Logf(observer.CategorySecurity,
			"discarding response from session %s for request %s: not the bound handler for %q",
			session.ID(), requestID, slug)
		return
	}
	delete(e.pending, requestID)
	rec.timer.Stop()
	e.mu.Unlock()

	response.Normalise()
	rec.complete(completion{response: response})
}

// SessionGone severs session's bindings and fails the requests
// forwarded through it. Queued requests are untouched: they wait for a
// new holder or their queue-wait deadline.
func (e *Engine) SessionGone(session Session) {
	e.mu.Lock()
	var released []string
	for slug, bound := range e.bindings {
		if bound.ID() == session.ID() {
			delete(e.bindings, slug)
			released = append(released, slug)
		}
	}
	var doomed []*pendingRequest
	for id, rec := range e.pending {
		if rec.forwarded && rec.session.ID() == session.ID() {
			delete(e.pending, id)
			rec.timer.Stop()
			doomed = append(doomed, rec)
		}
	}
	active := e.activeLocked()
	pending := len(e.pending)
	e.mu.Unlock()

	for _, rec := range doomed {
		rec.complete(completion{err: ErrHandlerLost})
	}
	if len(doomed) > 0 {
		e.config.Sink.Logf(observer.CategoryError,
			"failed %d in-flight request(s) for lost session %s", len(doomed), session.ID())
	}
	if len(released) > 0 {
		sort.Strings(released)
		e.config.Sink.Logf(observer.CategoryControl,
			"session %s gone, released slugs %v", session.ID(), released)
		e.config.Sink.StatusChanged(active, pending)
	}
}

// ActiveSlugs returns the currently bound slugs, sorted.
func (e *Engine) ActiveSlugs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeLocked()
}

// PendingCount returns the number of requests awaiting completion.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) activeLocked() []string {
	active := make([]string, 0, len(e.bindings))
	for slug := range e.bindings {
		active = append(active, slug)
	}
	sort.Strings(active)
	return active
}

func (e *Engine) queue(slug string) *deque.Deque {
	q, ok := e.queues[slug]
	if !ok {
		q = deque.New()
		e.queues[slug] = q
	}
	return q
}

// drainLocked forwards queued requests for slug to session, oldest
// first. The first send failure completes that record with a
// send-failure verdict and leaves the remainder queued. Called with
// the engine mutex held; session is the freshly installed holder.
func (e *Engine) drainLocked(session Session, slug string) {
	queue, ok := e.queues[slug]
	if !ok {
		return
	}
	for queue.Len() > 0 {
		v, _ := queue.PopFront()
		id := v.(string)
		rec, ok := e.pending[id]
		if !ok {
			// Expired while queued; only its id was left behind.
			continue
		}
		if !rec.timer.Stop() {
			// The queue-wait deadline is firing right now and its
			// callback will complete the record. Skip it.
			continue
		}
		requestID := id
		rec.forwarded = true
		rec.session = session
		req := *rec.request
		rec.request = nil
		rec.timer = e.config.Clock.AfterFunc(e.config.ForwardTimeout, func() {
			e.expire(requestID, ErrForwardTimeout)
		})
		frame := wire.Forwarded{Slug: slug, RequestID: id, Request: req}
		if err := session.Send(frame); err != nil {
			delete(e.pending, id)
			rec.timer.Stop()
			session.Close("send failed")
			e.config.Sink.Logf(observer.CategoryError,
				"failed to forward queued request %s for %q to session %s: %v",
				id, slug, session.ID(), err)
			rec.complete(completion{err: ErrSendFailed})
			return
		}
	}
	delete(e.queues, slug)
}

// remove takes the record out of the pending table and stops its
// timer. Exactly one caller wins; the winner completes the record. A
// nil return means another terminal path got there first.
func (e *Engine) remove(id string) *pendingRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.pending[id]
	if !ok {
		return nil
	}
	delete(e.pending, id)
	rec.timer.Stop()
	return rec
}

// expire is the deadline callback for both deadline flavours.
func (e *Engine) expire(id string, verdict error) {
	rec := e.remove(id)
	if rec == nil {
		return
	}
	switch verdict {
	case ErrQueueTimeout:
		e.config.Sink.Logf(observer.CategoryError,
			"request %s for %q expired unmatched after %v", id, rec.slug, e.config.QueueTimeout)
	default:
		e.config.Sink.Logf(observer.CategoryError,
			"request %s for %q got no response within %v", id, rec.slug, e.config.ForwardTimeout)
	}
	rec.complete(completion{err: verdict})
}
