// Package byterange parses Range request headers and writes 206, 416 and
// multipart/byteranges responses for fully buffered representations.
package byterange

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrUnsatisfiable is returned by Parse when the header is well-formed
// but no requested range overlaps the representation.
// Callers should respond 416.
var ErrUnsatisfiable = errors.New("no byte range overlaps the representation")

// ErrInvalid is returned by Parse for a malformed Range header.
// Callers should ignore the header and serve the full representation.
var ErrInvalid = errors.New("invalid byte range header")

// Range is one satisfiable byte range, clipped to the representation.
type Range struct {
	Start  int64
	Length int64
}

// ContentRange formats the Content-Range value for this range against
// the given total size.
func (r Range) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.Start+r.Length-1, size)
}

// Parse parses a Range header against a representation of the given
// size. An empty header yields no ranges and no error. Ranges past the
// end are clipped. A header whose every range misses the representation
// yields ErrUnsatisfiable; a malformed header yields ErrInvalid.
func Parse(header string, size int64) ([]Range, error) {
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, ErrInvalid
	}
	var ranges []Range
	missed := false
	for _, spec := range strings.Split(header[len(prefix):], ",") {
		spec = textproto.TrimString(spec)
		if spec == "" {
			continue
		}
		startStr, endStr, ok := strings.Cut(spec, "-")
		if !ok {
			return nil, ErrInvalid
		}
		startStr = textproto.TrimString(startStr)
		endStr = textproto.TrimString(endStr)
		var r Range
		if startStr == "" {
			// suffix range, the last N bytes
			n, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil || n < 0 {
				return nil, ErrInvalid
			}
			if n > size {
				n = size
			}
			if n == 0 {
				missed = true
				continue
			}
			r.Start = size - n
			r.Length = n
		} else {
			start, err := strconv.ParseInt(startStr, 10, 64)
			if err != nil || start < 0 {
				return nil, ErrInvalid
			}
			if start >= size {
				missed = true
				continue
			}
			r.Start = start
			if endStr == "" {
				r.Length = size - start
			} else {
				end, err := strconv.ParseInt(endStr, 10, 64)
				if err != nil || end < start {
					return nil, ErrInvalid
				}
				if end >= size {
					end = size - 1
				}
				r.Length = end - start + 1
			}
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		if missed {
			return nil, ErrUnsatisfiable
		}
		return nil, ErrInvalid
	}
	return ranges, nil
}

// WriteSingle writes a single-range 206 response slicing body.
// Headers already set on w are kept, except Content-Length and
// Content-Range which are overwritten.
func WriteSingle(w http.ResponseWriter, body []byte, r Range) {
	size := int64(len(body))
	w.Header().Set("Content-Range", r.ContentRange(size))
	w.Header().Set("Content-Length", strconv.FormatInt(r.Length, 10))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(body[r.Start : r.Start+r.Length])
}

// WriteMultipart writes a multi-range 206 response as
// multipart/byteranges. Each part carries the representation's
// Content-Type and its own Content-Range. The part boundary is
// generated fresh on every call so concurrent responses for the same
// object never share one.
func WriteMultipart(w http.ResponseWriter, body []byte, ranges []Range, contentType string) error {
	size := int64(len(body))
	var payload bytes.Buffer
	mw := multipart.NewWriter(&payload)
	if err := mw.SetBoundary(uuid.NewString()); err != nil {
		return errors.Wrap(err, "failed to set multipart boundary")
	}
	for _, r := range ranges {
		header := make(textproto.MIMEHeader)
		if contentType != "" {
			header.Set("Content-Type", contentType)
		}
		header.Set("Content-Range", r.ContentRange(size))
		part, err := mw.CreatePart(header)
		if err != nil {
			return errors.Wrap(err, "failed to create multipart part")
		}
		if _, err := part.Write(body[r.Start : r.Start+r.Length]); err != nil {
			return errors.Wrap(err, "failed to write multipart part")
		}
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "failed to finish multipart body")
	}
	w.Header().Set("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())
	w.Header().Set("Content-Length", strconv.Itoa(payload.Len()))
	w.WriteHeader(http.StatusPartialContent)
	_, err := w.Write(payload.Bytes())
	return errors.Wrap(err, "failed to write multipart body")
}

// WriteUnsatisfiable writes a 416 response naming the representation's
// size, with an empty body.
func WriteUnsatisfiable(w http.ResponseWriter, size int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}
