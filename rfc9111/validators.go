package rfc9111

import "net/http"

// §  4.3.1.  Sending a Validation Request
// §
// §  When generating a conditional request for validation, a cache:
// §
// §  *  MUST send the relevant entity tags (using ... If-None-Match) if the
// §     entity tags were provided in the stored response(s) being validated.
// §
// §  *  SHOULD send the Last-Modified value (using If-Modified-Since) ...
//
// Validators returns the precondition header fields for revalidating a
// stored response, or nil when the response carries no validator at all.
// Both fields are sent when both validators exist.
func Validators(stored http.Header) http.Header {
	h := make(http.Header)
	if etag := stored.Get("ETag"); etag != "" {
		h.Set("If-None-Match", etag)
	}
	if lastModified := stored.Get("Last-Modified"); lastModified != "" {
		h.Set("If-Modified-Since", lastModified)
	}
	if len(h) == 0 {
		return nil
	}
	return h
}

// HasValidators reports whether the stored response can be revalidated
// with a conditional request.
func HasValidators(stored http.Header) bool {
	return stored.Get("ETag") != "" || stored.Get("Last-Modified") != ""
}

// §  3.2.  Updating Stored Header Fields
// §
// §  ... the cache MUST add each header field in the provided response to
// §  the stored response, replacing field values that are already present,
// §  with the following exceptions:
// §
// §  *  Header fields excepted from storage in Section 3.1,
// §  *  ...
// §  *  The Content-Length header field.
//
// Merge304 folds the headers of a 304 Not Modified into the stored
// headers. Fields present in the 304 replace their stored counterparts;
// stored fields the 304 does not mention are kept (the stored map is
// updated, never wholesale replaced). The stored body and Content-Length
// are untouched.
func Merge304(stored, notModified http.Header) {
	for name, values := range StorableHeader(notModified) {
		if name == "Content-Length" || name == "Content-Range" {
			continue
		}
		stored.Del(name)
		for _, v := range values {
			stored.Add(name, v)
		}
	}
}
