package rfc9111

import (
	"net/http"
	"net/url"
)

// §  4.4.  Invalidating Stored Responses
// §
// §  A cache MUST invalidate the target URI ... when it receives a
// §  non-error status code in response to an unsafe request method ...
// §
// §  A cache MAY invalidate other URIs ... In particular, the URI(s) in
// §  the Location and Content-Location response header fields (if
// §  present) are candidates for invalidation ... However, a cache MUST
// §  NOT trigger an invalidation under these conditions if the origin
// §  ... of the URI to be invalidated differs from that of the target
// §  URI ...
// §
// §  A "non-error response" is one with a 2xx (Successful) or 3xx
// §  (Redirection) status code.

// InvalidationURIs returns the URIs whose stored responses must be
// invalidated after the given exchange. The list is empty unless the
// request was unsafe and the response non-error. Location and
// Content-Location targets on a different host are excluded.
func InvalidationURIs(req *http.Request, res *http.Response) []*url.URL {
	if !UnsafeRequest(req) {
		return nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 400 {
		return nil
	}
	uris := []*url.URL{req.URL}
	for _, field := range []string{"Location", "Content-Location"} {
		value := res.Header.Get(field)
		if value == "" {
			continue
		}
		ref, err := url.Parse(value)
		if err != nil {
			continue
		}
		// server-side request URLs have no host part, the Host field does
		resolved := req.URL.ResolveReference(ref)
		if resolved.Host != req.URL.Host && resolved.Host != req.Host {
			continue
		}
		uris = append(uris, resolved)
	}
	return uris
}
