// Package rfc9111 implements the caching rules of RFC 9111 (HTTP Caching)
// needed by a shared cache: cache-control parsing, freshness and age
// arithmetic, storability, validation requests, and updating stored
// headers from a 304. The stale-while-revalidate and stale-if-error
// extension directives of RFC 5861 are included, since freshness
// classification depends on them.
//
// Comments starting with "§" quote the relevant normative text.
package rfc9111

import (
	"net/http"
	"time"
)

// Freshness is the classification of a stored response at a point in time.
type Freshness int

const (
	// Fresh means the response may be reused without contacting the origin.
	Fresh Freshness = iota
	// Stale means the response has expired but is still within its
	// stale-serve window: usable while (or after failing) revalidation.
	Stale
	// Expired means the response is past every serve window and must be
	// treated as a miss requiring a full refetch.
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "expired"
	}
}

// Classify determines the freshness of a stored response at time now.
// The request and response times are the stored clock values from the
// fetch that produced the response (see Section 4.2.3).
//
// A response with no usable freshness information at all (no s-maxage,
// max-age or valid Expires) has a zero freshness lifetime: it is never
// Fresh, and its staleness is counted from the moment it was received.
// Malformed directives or dates therefore degrade to revalidation, never
// to an error. A no-cache response is Expired at any age: it must be
// revalidated before every reuse.
//
// defaultStale is the stale window applied when the response carries no
// stale-while-revalidate directive.
func Classify(h http.Header, requestTime, responseTime time.Time, defaultStale time.Duration, now time.Time) Freshness {
	cc := ParseCacheControl(h.Values("Cache-Control"))
	// §  ...the no-cache response directive, in its unqualified form,
	// §  indicates that the response MUST NOT be used to satisfy any other
	// §  request without forwarding it for validation
	if cc.HasDirective("no-cache") {
		return Expired
	}
	lifetime, _ := FreshnessLifetime(h)
	age := currentAge(h, requestTime, responseTime, now)
	if age < lifetime {
		return Fresh
	}
	if cc.HasDirective("must-revalidate") || cc.HasDirective("proxy-revalidate") {
		// §  A cache MUST NOT generate a stale response if it is prohibited
		// §  by an explicit in-protocol directive
		return Expired
	}
	window := defaultStale
	if swr, ok := cc.StaleWhileRevalidate(); ok {
		window = swr
	}
	if age-lifetime <= window {
		return Stale
	}
	return Expired
}

// UsableOnError reports whether a stored response may be served in place
// of an upstream error or 5xx, per the stale-if-error semantics of
// RFC 5861. defaultWindow applies when the response carries no
// stale-if-error directive.
func UsableOnError(h http.Header, requestTime, responseTime time.Time, defaultWindow time.Duration, now time.Time) bool {
	if MustRevalidate(h) {
		return false
	}
	lifetime, _ := FreshnessLifetime(h)
	age := currentAge(h, requestTime, responseTime, now)
	if age < lifetime {
		return true
	}
	cc := ParseCacheControl(h.Values("Cache-Control"))
	window := defaultWindow
	if sie, ok := cc.StaleIfError(); ok {
		window = sie
	}
	if swr, ok := cc.StaleWhileRevalidate(); ok && swr > window {
		window = swr
	}
	return age-lifetime <= window
}

// MustRevalidate reports whether the stored response forbids serving it
// stale under any circumstances.
func MustRevalidate(h http.Header) bool {
	cc := ParseCacheControl(h.Values("Cache-Control"))
	// §  ...prohibited by an explicit in-protocol directive (e.g., by a
	// §  no-cache response directive, a must-revalidate response directive,
	// §  or an applicable ... proxy-revalidate response directive...
	return cc.HasDirective("must-revalidate") ||
		cc.HasDirective("proxy-revalidate") ||
		cc.HasDirective("no-cache")
}

// AddAgeHeader replaces any Age header with the response's current age.
//
// §  When a stored response is used to satisfy a request without
// §  validation, a cache MUST generate an Age header field, ... with a
// §  value equal to the stored response's current_age.
func AddAgeHeader(h http.Header, requestTime, responseTime time.Time) {
	age := currentAge(h, requestTime, responseTime, time.Now())
	h.Set("Age", toDeltaSeconds(age))
}
