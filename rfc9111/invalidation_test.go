package rfc9111

import (
	"net/http"
	"net/url"
	"testing"
)

func invalidationExchange(method, target string, status int) (*http.Request, *http.Response) {
	req, _ := http.NewRequest(method, target, nil)
	return req, &http.Response{StatusCode: status, Header: make(http.Header)}
}

func TestInvalidationSafeRequest(t *testing.T) {
	req, res := invalidationExchange("GET", "http://example.com/items", 200)
	if uris := InvalidationURIs(req, res); uris != nil {
		t.Fatalf("URIs are %v", uris)
	}
}

func TestInvalidationErrorResponse(t *testing.T) {
	// §  A "non-error response" is one with a 2xx (Successful) or 3xx
	// §  (Redirection) status code.
	req, res := invalidationExchange("POST", "http://example.com/items", 500)
	if uris := InvalidationURIs(req, res); uris != nil {
		t.Fatalf("URIs are %v", uris)
	}
	req, res = invalidationExchange("POST", "http://example.com/items", 404)
	if uris := InvalidationURIs(req, res); uris != nil {
		t.Fatalf("URIs are %v", uris)
	}
}

func TestInvalidationTargetURI(t *testing.T) {
	req, res := invalidationExchange("POST", "http://example.com/items", 200)
	uris := InvalidationURIs(req, res)
	if len(uris) != 1 || uris[0].Path != "/items" {
		t.Fatalf("URIs are %v", uris)
	}
}

func TestInvalidationLocation(t *testing.T) {
	req, res := invalidationExchange("POST", "http://example.com/items", 201)
	res.Header.Set("Location", "/items/7")
	res.Header.Set("Content-Location", "http://example.com/items")

	uris := InvalidationURIs(req, res)
	if len(uris) != 3 {
		t.Fatalf("URIs are %v", uris)
	}
	if uris[1].Host != "example.com" || uris[1].Path != "/items/7" {
		t.Fatalf("Location resolved to %v", uris[1])
	}
	if uris[2].Path != "/items" {
		t.Fatalf("Content-Location resolved to %v", uris[2])
	}
}

func TestInvalidationCrossOrigin(t *testing.T) {
	req, res := invalidationExchange("DELETE", "http://example.com/items/7", 204)
	res.Header.Set("Location", "http://other.example/items/7")
	uris := InvalidationURIs(req, res)
	if len(uris) != 1 {
		t.Fatalf("URIs are %v", uris)
	}
}

func TestInvalidationServerSideRequest(t *testing.T) {
	// requests read off a server connection carry the host in req.Host,
	// not in the URL
	req := &http.Request{
		Method: http.MethodPost,
		URL:    &url.URL{Path: "/items"},
		Host:   "example.com",
		Header: make(http.Header),
	}
	res := &http.Response{StatusCode: 201, Header: make(http.Header)}
	res.Header.Set("Location", "http://example.com/items/7")

	uris := InvalidationURIs(req, res)
	if len(uris) != 2 {
		t.Fatalf("URIs are %v", uris)
	}
	if uris[1].Path != "/items/7" {
		t.Fatalf("Location resolved to %v", uris[1])
	}
}
