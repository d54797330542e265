// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package wire defines the frame grammar spoken over the control channel
// between the broker and remote handlers, along with the JSON bodies of the
// broker's own HTTP endpoints. Frames are discrete JSON text messages; the
// ingress variants are discriminated structurally, by the fields present.
package wire

import (
	"encoding/json"
	"net/http"

	"github.com/juju/errors"
)

// Frame type discriminators. Only frames that carry an explicit "type"
// field use these; registration and response frames are recognised by
// their field shape alone.
const (
	// TypeRegistered acknowledges a successful slug registration.
	TypeRegistered = "registered"

	// TypeStatusClient marks a session as a dashboard consumer.
	TypeStatusClient = "status-client"

	// TypeLog, TypeStatus and TypeStats tag the observability frames
	// fanned out to dashboard sessions.
	TypeLog    = "log"
	TypeStatus = "status"
	TypeStats  = "stats"
)

// Close reasons carried in the close frame when the broker shuts a
// session down deliberately. Both use the normal closure code.
const (
	// CloseReasonReplaced is sent to a session displaced by a newer
	// registration for the same slug.
	CloseReasonReplaced = "replaced"

	// CloseReasonShuttingDown is sent to every open session when the
	// broker stops.
	CloseReasonShuttingDown = "server shutting down"
)

// Kind identifies the variant of a decoded ingress frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindRegistration
	KindResponse
	KindDashboardAttach
)

// Ingress is a control-channel frame received from a handler, decoded to a
// tagged variant. Fields beyond Kind are populated according to the variant:
// Slug for registrations; Slug, RequestID and Response for responses.
type Ingress struct {
	Kind      Kind
	Slug      string
	RequestID string
	Response  *Response
}

// ingressEnvelope is the superset of fields an ingress frame may carry.
type ingressEnvelope struct {
	Type      string    `json:"type"`
	Slug      string    `json:"slug"`
	RequestID string    `json:"requestId"`
	Response  *Response `json:"response"`
}

// DecodeIngress decodes a single ingress frame and discriminates its
// variant. Malformed JSON and well-formed frames that match no variant
// both return an error; the session answers either with an error hint
// and carries on reading.
func DecodeIngress(data []byte) (Ingress, error) {
	var env ingressEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Ingress{}, errors.NewNotValid(err, "message format")
	}
	switch {
	case env.Type == TypeStatusClient:
		return Ingress{Kind: KindDashboardAttach}, nil
	case env.Type != "":
		return Ingress{}, errors.NotValidf("message format")
	case env.Slug != "" && env.RequestID != "" && env.Response != nil:
		return Ingress{
			Kind:      KindResponse,
			Slug:      env.Slug,
			RequestID: env.RequestID,
			Response:  env.Response,
		}, nil
	case env.Slug != "" && env.RequestID == "" && env.Response == nil:
		return Ingress{Kind: KindRegistration, Slug: env.Slug}, nil
	}
	return Ingress{}, errors.NotValidf("message format")
}

// Request is a captured HTTP request as forwarded to a handler. Headers
// hold one joined value per name, original case preserved.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Response is the structured response a handler returns for a forwarded
// request. Absent fields take wire defaults; see Normalise.
type Response struct {
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// Normalise applies the wire defaults for absent response fields: status
// 200, empty headers, empty body.
func (r *Response) Normalise() {
	if r.StatusCode == 0 {
		r.StatusCode = http.StatusOK
	}
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
}

// Registration is the egress form of a slug registration, written by
// handlers when a session opens.
type Registration struct {
	Slug string `json:"slug"`
}

// Registered acknowledges a registration.
type Registered struct {
	Type string `json:"type"`
	Slug string `json:"slug"`
}

// NewRegistered returns the acknowledgement frame for slug.
func NewRegistered(slug string) Registered {
	return Registered{Type: TypeRegistered, Slug: slug}
}

// Forwarded carries a captured HTTP request to the handler bound to Slug.
// RequestID correlates the eventual ResponseFrame.
type Forwarded struct {
	Slug      string  `json:"slug"`
	RequestID string  `json:"requestId"`
	Request   Request `json:"request"`
}

// ResponseFrame is the handler's reply to a Forwarded frame.
type ResponseFrame struct {
	Slug      string   `json:"slug"`
	RequestID string   `json:"requestId"`
	Response  Response `json:"response"`
}

// ErrorMessage is the single-key JSON error shape used both for error
// hint frames on the control channel and for broker HTTP error bodies.
type ErrorMessage struct {
	Error string `json:"error"`
}
