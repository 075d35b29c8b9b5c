package core

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	byterange "github.com/edge-cache/edge-cache/pkg/byte-range"
	objectstore "github.com/edge-cache/edge-cache/pkg/object-store"
	"github.com/edge-cache/edge-cache/rfc9111"
)

// sendObject answers the request from a stored object: a 304 for
// conditionals the stored validators satisfy, headers only for HEAD,
// ranges against the complete body, or the body itself.
func (e *EdgeCache) sendObject(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, obj *objectstore.Object, status *cacheStatus) {
	meta := obj.Meta()
	copyHeader(w.Header(), meta.Header)
	rfc9111.AddAgeHeader(w.Header(), meta.RequestTime, meta.ResponseTime)
	status.writeTo(w.Header(), e.statusHeader, e.lockWaitHeader)

	if meta.StatusCode == http.StatusOK && rfc9111.NotModified(r.Header, meta.Header) {
		// the stored body stays untouched
		w.Header().Del("Content-Length")
		w.Header().Del("Content-Range")
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(meta.StatusCode)
		return
	}
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && meta.StatusCode == http.StatusOK {
		if e.serveRange(w, logger, obj, rangeHeader) {
			return
		}
	}
	e.streamObject(w, r, logger, obj, meta, status)
}

// serveRange slices the complete body per the Range header. It reports
// false when the request should degrade to a full response instead:
// the body never completed in time, or the header is malformed.
func (e *EdgeCache) serveRange(w http.ResponseWriter, logger zerolog.Logger, obj *objectstore.Object, rangeHeader string) bool {
	if !obj.Body.Complete() {
		if e.rangeWait <= 0 {
			logger.Trace().Msg("Object still filling, serving whole body")
			return false
		}
		if err := obj.Body.WaitComplete(time.Now().Add(e.rangeWait)); err != nil {
			logger.Trace().Err(err).Msg("Object did not complete in time, serving whole body")
			return false
		}
	}
	body := obj.Body.Bytes()
	ranges, err := byterange.Parse(rangeHeader, int64(len(body)))
	switch {
	case errors.Is(err, byterange.ErrUnsatisfiable):
		byterange.WriteUnsatisfiable(w, int64(len(body)))
		return true
	case err != nil:
		// a malformed Range header is ignored
		logger.Trace().Err(err).Str("range", rangeHeader).Msg("Ignoring range header")
		return false
	case len(ranges) == 1:
		byterange.WriteSingle(w, body, ranges[0])
		return true
	default:
		if err := byterange.WriteMultipart(w, body, ranges, obj.Meta().Header.Get("Content-Type")); err != nil {
			logger.Debug().Err(err).Msg("Error writing multipart range response")
		}
		return true
	}
}

// streamObject relays the stored body, attaching mid-fill when the
// object is still being written. If the fill aborts before the first
// byte reaches the client the request starts over with its own fetch;
// after the first byte the stream can only be truncated.
func (e *EdgeCache) streamObject(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, obj *objectstore.Object, meta objectstore.Meta, status *cacheStatus) {
	reader := obj.Body.NewReader()
	defer reader.Close()
	flusher, _ := w.(http.Flusher)

	headerWritten := false
	buf := make([]byte, copyChunkSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if !headerWritten {
				w.WriteHeader(meta.StatusCode)
				headerWritten = true
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug().Err(werr).Msg("Error writing response to client")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, objectstore.ErrWriteAborted) && !headerWritten && !status.retried {
				status.retried = true
				logger.Debug().Msg("Fill aborted before first byte, fetching for ourselves")
				resetHeader(w.Header())
				e.missFetch(w, r, logger, obj.PrimaryKey, status)
				return
			}
			logger.Debug().Err(err).Msg("Stored body ended early")
			break
		}
	}
	if !headerWritten {
		w.WriteHeader(meta.StatusCode)
	}
}

// resetHeader drops everything staged on a response that has not been
// written yet, so a restarted request does not leak the old headers.
func resetHeader(h http.Header) {
	for name := range h {
		delete(h, name)
	}
}
