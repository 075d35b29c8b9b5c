package serializer

import (
	"bufio"
	"bytes"
	"net/http"
	"testing"
	"time"

	objectstore "github.com/edge-cache/edge-cache/pkg/object-store"
)

func TestRoundTrip(t *testing.T) {
	reqTime := time.Now().Add(-time.Second).Truncate(time.Second)
	resTime := reqTime.Add(time.Second)
	meta := objectstore.Meta{
		StatusCode:   203,
		Header:       http.Header{"Etag": []string{`"v1"`}, "Cache-Control": []string{"max-age=60"}},
		RequestTime:  reqTime,
		ResponseTime: resTime,
		VaryList:     []string{"accept", "accept-language"},
	}

	blob, err := Encode(meta, []byte("This is the body"))
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}

	got, body, err := Decode(blob)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	if string(body) != "This is the body" {
		t.Fatalf("Body is %s", body)
	}
	if got.StatusCode != 203 {
		t.Fatalf("Status code is %d", got.StatusCode)
	}
	if got.Header.Get("Etag") != `"v1"` || got.Header.Get("Cache-Control") != "max-age=60" {
		t.Fatalf("Headers wrong %+v", got.Header)
	}
	if !got.RequestTime.Equal(reqTime) || !got.ResponseTime.Equal(resTime) {
		t.Fatalf("Times wrong %v %v", got.RequestTime, got.ResponseTime)
	}
	if len(got.VaryList) != 2 || got.VaryList[0] != "accept" || got.VaryList[1] != "accept-language" {
		t.Fatalf("Vary list wrong %v", got.VaryList)
	}
}

func TestPrivateHeadersStripped(t *testing.T) {
	meta := objectstore.Meta{
		StatusCode:   200,
		Header:       http.Header{},
		RequestTime:  time.Now(),
		ResponseTime: time.Now(),
	}
	blob, err := Encode(meta, nil)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	got, _, err := Decode(blob)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	for name := range got.Header {
		if name == requestTimeHeaderName || name == responseTimeHeaderName || name == varyKeysHeaderName {
			t.Fatalf("Private header %s leaked %+v", name, got.Header)
		}
	}
}

func TestEncodeDoesNotTouchCallerHeader(t *testing.T) {
	header := http.Header{"Server": []string{"test"}}
	meta := objectstore.Meta{
		StatusCode:   200,
		Header:       header,
		RequestTime:  time.Now(),
		ResponseTime: time.Now(),
	}
	if _, err := Encode(meta, []byte("body")); err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	if len(header) != 1 {
		t.Fatalf("Caller header modified: %+v", header)
	}
}

func TestBlobIsReadableResponse(t *testing.T) {
	meta := objectstore.Meta{
		StatusCode:   200,
		Header:       http.Header{"Server": []string{"test"}},
		RequestTime:  time.Now(),
		ResponseTime: time.Now(),
	}
	blob, err := Encode(meta, []byte("hello"))
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(blob)), nil)
	if err != nil {
		t.Fatalf("Blob is not a readable response: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != 200 || res.Header.Get("Server") != "test" {
		t.Fatalf("Parsed response wrong: %d %+v", res.StatusCode, res.Header)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, _, err := Decode([]byte("not a response")); err == nil {
		t.Fatalf("Expected an error for garbage input")
	}
	// a parsable response without the timing headers is still useless
	if _, _, err := Decode([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")); err == nil {
		t.Fatalf("Expected an error for a blob without timing headers")
	}
}
