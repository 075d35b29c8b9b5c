// Package serializer converts cache objects to and from their HTTP/1.1
// wire form for the persistence tier.
//
// Timing and variance metadata ride along as private headers on the
// serialized response and are stripped again on decode, so a stored
// blob is a plain readable HTTP response.
package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	objectstore "github.com/edge-cache/edge-cache/pkg/object-store"
)

const (
	requestTimeHeaderName  = "Edge-Request-Time"
	responseTimeHeaderName = "Edge-Response-Time"
	varyKeysHeaderName     = "Edge-Vary-Keys"
)

// Encode serializes object metadata and body into a self-contained
// blob. The caller's header is not modified.
func Encode(meta objectstore.Meta, body []byte) ([]byte, error) {
	header := meta.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(requestTimeHeaderName, strconv.FormatInt(meta.RequestTime.Unix(), 10))
	header.Set(responseTimeHeaderName, strconv.FormatInt(meta.ResponseTime.Unix(), 10))
	if len(meta.VaryList) > 0 {
		header.Set(varyKeysHeaderName, strings.Join(meta.VaryList, ", "))
	}
	res := &http.Response{
		StatusCode:    meta.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, errors.Wrap(err, "failed to serialize response")
	}
	return buf.Bytes(), nil
}

// Decode parses a blob produced by Encode back into metadata and body.
// A blob that does not parse yields an error and should be treated as
// a cache miss by the caller.
func Decode(b []byte) (objectstore.Meta, []byte, error) {
	meta := objectstore.Meta{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return meta, nil, errors.Wrap(err, "failed to parse stored response")
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return meta, nil, errors.Wrap(err, "failed to read stored response body")
	}
	reqTime, err := strconv.ParseInt(res.Header.Get(requestTimeHeaderName), 10, 64)
	if err != nil {
		return meta, nil, errors.Wrap(err, "stored response has no request time")
	}
	resTime, err := strconv.ParseInt(res.Header.Get(responseTimeHeaderName), 10, 64)
	if err != nil {
		return meta, nil, errors.Wrap(err, "stored response has no response time")
	}
	if varyKeys := res.Header.Get(varyKeysHeaderName); varyKeys != "" {
		for _, key := range strings.Split(varyKeys, ",") {
			meta.VaryList = append(meta.VaryList, strings.TrimSpace(key))
		}
	}
	res.Header.Del(requestTimeHeaderName)
	res.Header.Del(responseTimeHeaderName)
	res.Header.Del(varyKeysHeaderName)
	meta.StatusCode = res.StatusCode
	meta.Header = res.Header
	meta.RequestTime = time.Unix(reqTime, 0)
	meta.ResponseTime = time.Unix(resTime, 0)
	return meta, body, nil
}
