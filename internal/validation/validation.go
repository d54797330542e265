// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package validation holds the input checks applied to everything that
// crosses the broker's trust boundary: slugs arriving on request paths
// or in registration frames, and the method, target and headers of
// requests captured for forwarding.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

const (
	// MaxSlugLength bounds the length of a slug in characters.
	MaxSlugLength = 50

	// ReservedSlug is the slug reserved for the broker's own status
	// page. It can never be registered or targeted by a forwarded
	// request.
	ReservedSlug = "status"
)

var validSlug = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSlug returns an error if slug is not well formed. A well
// formed slug is 1 to MaxSlugLength characters drawn from ASCII
// letters, digits, underscore and hyphen. Reservation is a separate
// concern checked by the caller.
func ValidateSlug(slug string) error {
	if slug == "" {
		return errors.NotValidf("empty slug")
	}
	if len(slug) > MaxSlugLength {
		return errors.NotValidf("slug longer than %d characters", MaxSlugLength)
	}
	if !validSlug.MatchString(slug) {
		return errors.NotValidf("slug %q", slug)
	}
	return nil
}

// suspectPatterns match content that has no business appearing in a
// request method, target or header value. The broker never renders
// captured requests itself, but dashboards and handler-side tooling
// might, so anything that smells like script injection is refused at
// the door.
var suspectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)expression\s*\(`),
	regexp.MustCompile(`(?i)vbscript:`),
	regexp.MustCompile(`(?i)data:text/html`),
}

// Suspect reports whether value matches any known injection pattern.
// Matching is case-insensitive.
func Suspect(value string) bool {
	for _, pattern := range suspectPatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}

// hopByHopHeaders name the transport-level headers that describe this
// hop's connection rather than the request itself. They are stripped
// before a request is replayed to a handler.
var hopByHopHeaders = set.NewStrings(
	"host",
	"content-length",
	"transfer-encoding",
	"connection",
	"upgrade",
	"proxy-connection",
	"proxy-authenticate",
	"proxy-authorization",
	"te",
	"trailers",
)

// SanitiseHeaders flattens h into a plain map suitable for forwarding,
// dropping hop-by-hop headers and any header whose value trips
// Suspect. Multiple values for one header are joined with ", ".
// Applying the filter to already filtered headers changes nothing.
func SanitiseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if hopByHopHeaders.Contains(strings.ToLower(name)) {
			continue
		}
		value := strings.Join(values, ", ")
		if Suspect(value) {
			continue
		}
		out[name] = value
	}
	return out
}
