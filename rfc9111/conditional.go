package rfc9111

import (
	"net/http"
	"strings"
)

// §  4.3.2.  Handling a Received Validation Request
// §
// §  ... a cache recipient SHOULD evaluate the request against its relevant
// §  stored responses per [HTTP], Section 13.2, and respond with a 304 (Not
// §  Modified) if a stored response matched.
//
// NotModified reports whether the stored response satisfies the
// request's preconditions, so the cache can answer 304 without a body.
// If-None-Match takes precedence over If-Modified-Since.
func NotModified(req, stored http.Header) bool {
	if inm := req.Get("If-None-Match"); inm != "" {
		return etagMatch(inm, stored.Get("ETag"))
	}
	if ims := req.Get("If-Modified-Since"); ims != "" {
		since, err := HttpDate(ims)
		if err != nil {
			return false
		}
		lastModified, err := HttpDate(stored.Get("Last-Modified"))
		if err != nil {
			return false
		}
		return !lastModified.After(since)
	}
	return false
}

// §  13.1.2.  If-None-Match
// §
// §  ... the condition ... is false if ... the field value is "*" ... or if
// §  any stored entity-tag matches using the weak comparison.
//
// etagMatch compares a client-supplied If-None-Match list against the
// stored entity tag using weak comparison.
func etagMatch(ifNoneMatch, etag string) bool {
	if etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if weakETag(candidate) == weakETag(etag) {
			return true
		}
	}
	return false
}

// weakETag strips the weakness prefix for weak comparison.
func weakETag(etag string) string {
	return strings.TrimPrefix(etag, "W/")
}
