package core

import (
	"fmt"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edge-cache/edge-cache/rfc9111"
)

// timedResponse couples an origin response with the clock values needed
// for age calculation.
type timedResponse struct {
	response     *http.Response
	requestTime  time.Time
	responseTime time.Time
}

// fetch requests the resource from the origin. The outgoing request is
// deliberately not tied to the client's context: an admission in flight
// must run to completion even when the client goes away.
func (e *EdgeCache) fetch(r *http.Request) (timedResponse, error) {
	timedRes := timedResponse{requestTime: time.Now()}
	uri := e.originURL.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if
	// content is zero length, see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequest(r.Method, uri, body)
	if err != nil {
		log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return timedRes, err
	}
	req.Host = e.originHost
	copyHeader(req.Header, r.Header)
	// do not forward the connection header, it confuses some origins
	req.Header.Del("Connection")

	// informational responses are logged and dropped, they never cache
	trace := &httptrace.ClientTrace{
		Got1xxResponse: func(code int, header textproto.MIMEHeader) error {
			log.Trace().Int("code", code).Str("uri", uri).Msg("Informational response from origin")
			return nil
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
	log.Trace().Msgf("Executing request %s %s", req.Method, uri)

	originResponse, err := e.httpClient.Do(req)
	timedRes.responseTime = time.Now()
	if err != nil {
		return timedRes, fmt.Errorf("%w: %v", ErrUpstreamNetwork, err)
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if originResponse.Header.Get("Date") == "" {
		originResponse.Header.Set("Date", rfc9111.ToHttpDate(time.Now()))
	}
	timedRes.response = originResponse
	return timedRes, nil
}

// copyHeader adds all of src to dst, dropping the forwarding headers an
// upstream proxy may have set. Some origins reject requests carrying
// them.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
