package rfc9111

import (
	"net/http"
	"strings"
)

// §  3.  Storing Responses in Caches
// §
// §  A cache MUST NOT store a response to a request unless: ...
//
// MustNotStore applies the storage rules for a shared cache. The request
// must carry its method and headers, the response its status code and
// headers.
func MustNotStore(req *http.Request, res *http.Response) bool {
	cc := ParseCacheControl(res.Header.Values("Cache-Control"))
	// §  *  the request method is understood by the cache;
	if !requestMethodIsUnderstood(req.Method) {
		return true
	}
	// §  *  the response status code is final (see Section 15 of [HTTP]);
	if res.StatusCode < 200 || res.StatusCode > 599 {
		return true
	}
	// §  *  if the response status code is 206 or 304, or the must-understand
	// §     cache directive is present: the cache understands the response
	// §     status code;
	if res.StatusCode == 206 || res.StatusCode == 304 || cc.HasDirective("must-understand") {
		if !responseStatusCodeIsUnderstood(res.StatusCode) {
			return true
		}
	}
	// §  *  the no-store cache directive is not present in the response;
	if cc.HasDirective("no-store") {
		return true
	}
	// §  *  if the cache is shared: the private response directive is either
	// §     not present or allows a shared cache to store a modified response;
	//
	// the "modified response" part is a MAY we do not implement
	if cc.HasDirective("private") {
		return true
	}
	// §  *  if the cache is shared: the Authorization header field is not
	// §     present in the request or a response directive is present that
	// §     explicitly allows shared caching;
	if req.Header.Get("Authorization") != "" && !mayStoreAuthenticated(cc) {
		return true
	}
	// §  *  the response contains at least one of the following: a public
	// §     response directive; ... an Expires header field; a max-age
	// §     response directive; ... if the cache is shared: an s-maxage
	// §     response directive ...
	if cc.HasDirective("public") ||
		res.Header.Get("Expires") != "" ||
		cc.HasDirective("max-age") ||
		cc.HasDirective("s-maxage") {
		return false
	}
	return true
}

// §  3.5.  Storing Responses to Authenticated Requests
// §
// §  ... the must-revalidate, public, and s-maxage directives ...
func mayStoreAuthenticated(cc CacheControl) bool {
	return cc.HasDirective("must-revalidate") ||
		cc.HasDirective("public") ||
		cc.HasDirective("s-maxage")
}

// §  In this context, a cache has "understood" a request method or a
// §  response status code if it recognizes it and implements all specified
// §  caching-related behavior.
func requestMethodIsUnderstood(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func responseStatusCodeIsUnderstood(statusCode int) bool {
	switch statusCode {
	case 200, 203, 204, 301, 404, 410:
		return true
	}
	return false
}

// UnsafeRequest reports whether the request method is unsafe
// (Section 9.2.1 of RFC 9110). Unsafe requests must be written through
// and invalidate stored responses for their target URI (Section 4.4).
func UnsafeRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// StorableHeader clones the header with the fields a cache must not store
// removed (Section 3.1): Connection and the fields it names, hop-by-hop
// fields, and proxy-auth fields.
func StorableHeader(header http.Header) http.Header {
	if header == nil {
		return nil
	}
	h := header.Clone()
	for _, name := range GetListHeader(header, "Connection") {
		h.Del(name)
	}
	h.Del("Connection")
	h.Del("Proxy-Connection")
	h.Del("Keep-Alive")
	h.Del("TE")
	h.Del("Transfer-Encoding")
	h.Del("Upgrade")
	h.Del("Proxy-Authenticate")
	h.Del("Proxy-Authentication-Info")
	h.Del("Proxy-Authorization")
	return h
}

// GetListHeader splits a comma-separated list header into its trimmed
// members across all field lines.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

// GetForwardRequest clones the request with hop-by-hop fields removed,
// ready for forwarding upstream.
func GetForwardRequest(req *http.Request) *http.Request {
	r := req.Clone(req.Context())
	for _, name := range GetListHeader(r.Header, "Connection") {
		r.Header.Del(name)
	}
	r.Header.Del("Connection")
	r.Header.Del("Proxy-Connection")
	r.Header.Del("Keep-Alive")
	r.Header.Del("TE")
	r.Header.Del("Upgrade")
	return r
}
