package core

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	cachelock "github.com/edge-cache/edge-cache/pkg/cache-lock"
	objectstore "github.com/edge-cache/edge-cache/pkg/object-store"
	"github.com/edge-cache/edge-cache/rfc9111"
)

const copyChunkSize = 32 * 1024

// missFetch handles a request with nothing stored: take the fetch lock
// for the key, or wait on whoever holds it.
func (e *EdgeCache) missFetch(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, primary string, status *cacheStatus) {
	lockKey := StoreKey(primary, noVariance)
	if e.locks.IsUncacheable(lockKey) {
		// a recent admission attempt found this uncacheable
		status.set(statusNoCache)
		e.passThrough(w, r, status)
		return
	}
	holder, waiter := e.locks.Acquire(lockKey)
	if holder != nil {
		e.fetchAsHolder(w, r, logger, primary, holder, status)
		return
	}
	start := time.Now()
	outcome := waiter.Wait(r.Context(), e.lockWaitTimeout)
	status.recordWait(time.Since(start))
	logger.Trace().
		Str("outcome", outcome.String()).
		Dur("waited", time.Since(start)).
		Msg("Waited on fetch lock")
	e.afterWait(w, r, logger, primary, outcome, status)
}

// fetchAsHolder fetches for everyone waiting on the key. The lock is
// released the moment the response headers are admitted, so waiters can
// attach to the body while it still streams in.
func (e *EdgeCache) fetchAsHolder(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, primary string, holder *cachelock.Holder, status *cacheStatus) {
	logger = logger.With().Str("fetch", holder.ID).Logger()
	res, err := e.fetch(unconditionalForward(r))
	if err != nil {
		holder.Finish(cachelock.FetchError)
		e.writeBadGateway(w, err)
		return
	}
	e.rules.Apply(res.response)

	varyList, ok := e.keyer.EffectiveVaryList(res.response.Header)
	if !ok || rfc9111.MustNotStore(r, res.response) || e.tooLarge(res.response) {
		holder.Finish(cachelock.Uncacheable)
		status.set(statusNoCache)
		e.relayResponse(w, res, status)
		return
	}

	variance := e.keyer.VarianceKey(varyList, r.Header)
	obj := e.store.Begin(primary, variance, metaFor(res, varyList))
	holder.Finish(cachelock.Found)
	status.set(statusMiss)
	if r.Header.Get("Range") != "" {
		// fill behind the scenes and answer through the range path
		go e.backgroundFill(logger, StoreKey(primary, variance), obj, res)
		e.sendObject(w, r, logger, obj, status)
		return
	}
	e.streamAdmission(w, logger, StoreKey(primary, variance), obj, res, status)
}

// afterWait routes a request by the outcome its lock wait produced.
func (e *EdgeCache) afterWait(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, primary string, outcome cachelock.Outcome, status *cacheStatus) {
	switch outcome {
	case cachelock.Found:
		if obj, err := e.lookup(r, primary); err == nil {
			meta := obj.Meta()
			if rfc9111.Classify(meta.Header, meta.RequestTime, meta.ResponseTime, e.defaultStale, time.Now()) == rfc9111.Fresh {
				status.set(statusHit)
			} else {
				status.set(statusStale)
			}
			e.sendObject(w, r, logger, obj, status)
			return
		}
		// admitted and already gone again, start over
		e.missFetch(w, r, logger, primary, status)
	case cachelock.Uncacheable:
		status.set(statusNoCache)
		e.passThrough(w, r, status)
	case cachelock.Canceled:
		// client went away while waiting
	case cachelock.WaitTimedOut:
		logger.Debug().Err(ErrLockWaitTimeout).Msg("Giving up on fetch lock")
		e.selfFetch(w, r, logger, primary, status)
	case cachelock.Expired:
		logger.Debug().Err(ErrLockExpired).Msg("Fetch lock exceeded its lifetime")
		e.selfFetch(w, r, logger, primary, status)
	default:
		e.selfFetch(w, r, logger, primary, status)
	}
}

// selfFetch fetches without holding the lock, after waiting did not
// produce a result. The admission is detached so it cannot clobber a
// slower holder's partial fill; whichever commit finishes last wins.
func (e *EdgeCache) selfFetch(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, primary string, status *cacheStatus) {
	res, err := e.fetch(unconditionalForward(r))
	if err != nil {
		if obj, lookupErr := e.lookup(r, primary); lookupErr == nil && e.usableOnError(obj) {
			logger.Debug().Err(err).Msg("Origin unreachable, serving stale")
			status.set(statusStale)
			e.sendObject(w, r, logger, obj, status)
			return
		}
		e.writeBadGateway(w, err)
		return
	}
	e.rules.Apply(res.response)

	varyList, ok := e.keyer.EffectiveVaryList(res.response.Header)
	if !ok || rfc9111.MustNotStore(r, res.response) || e.tooLarge(res.response) {
		status.set(statusNoCache)
		e.relayResponse(w, res, status)
		return
	}

	variance := e.keyer.VarianceKey(varyList, r.Header)
	obj := e.store.BeginDetached(primary, variance, metaFor(res, varyList))
	status.set(statusMiss)
	if r.Header.Get("Range") != "" {
		go e.backgroundFill(logger, StoreKey(primary, variance), obj, res)
		e.sendObject(w, r, logger, obj, status)
		return
	}
	e.streamAdmission(w, logger, StoreKey(primary, variance), obj, res, status)
}

// streamAdmission copies the origin body into the object and to the
// client in one pass. The two sides fail independently: a client
// disconnect does not stop the admission, and a size rejection turns
// the rest of the exchange into a direct relay.
func (e *EdgeCache) streamAdmission(w http.ResponseWriter, logger zerolog.Logger, lockKey string, obj *objectstore.Object, res timedResponse, status *cacheStatus) {
	upstream := res.response
	defer upstream.Body.Close()

	copyHeader(w.Header(), upstream.Header)
	status.writeTo(w.Header(), e.statusHeader, e.lockWaitHeader)
	w.WriteHeader(upstream.StatusCode)
	flusher, _ := w.(http.Flusher)

	var clientErr error
	rejected := false
	buf := make([]byte, copyChunkSize)
	for {
		n, err := upstream.Body.Read(buf)
		if n > 0 {
			if !rejected {
				obj.Body.Write(buf[:n])
				if e.maxObjectBytes > 0 && obj.Body.Len() > e.maxObjectBytes {
					logger.Debug().
						Err(ErrAdmissionRejected).
						Int64("max", e.maxObjectBytes).
						Msg("Response too large, relaying without storing")
					e.store.Discard(obj)
					e.locks.MarkUncacheable(lockKey)
					rejected = true
				}
			}
			if clientErr == nil {
				if _, werr := w.Write(buf[:n]); werr != nil {
					clientErr = werr
					logger.Debug().Err(werr).Msg("Client write failed, continuing admission")
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn().
				Err(fmt.Errorf("%w: %v", ErrUpstreamNetwork, err)).
				Msg("Origin body truncated, discarding admission")
			if !rejected {
				e.store.Discard(obj)
			}
			return
		}
		if rejected && clientErr != nil {
			// nothing left that wants these bytes
			return
		}
	}
	if rejected {
		return
	}
	e.store.Commit(obj)
	if obj.State() == objectstore.Complete {
		e.persistPut(obj)
	}
	logger.Trace().Int64("bytes", obj.Body.Len()).Msg("Admission complete")
}

// backgroundFill completes an admission with no client attached to the
// origin side, for requests answered through a stored-object reader
// instead of the admission stream.
func (e *EdgeCache) backgroundFill(logger zerolog.Logger, lockKey string, obj *objectstore.Object, res timedResponse) {
	defer res.response.Body.Close()
	err := e.fill(obj, res.response.Body)
	switch {
	case err == nil:
		e.store.Commit(obj)
		if obj.State() == objectstore.Complete {
			e.persistPut(obj)
		}
	case errors.Is(err, ErrAdmissionRejected):
		e.store.Discard(obj)
		e.locks.MarkUncacheable(lockKey)
		logger.Debug().Err(err).Msg("Response too large, dropping admission")
	default:
		e.store.Discard(obj)
		logger.Warn().Err(err).Msg("Origin body truncated, discarding admission")
	}
}

// fill copies the origin body into a detached object without touching
// the client, so the caller can still fall back to a stored response if
// the transfer breaks.
func (e *EdgeCache) fill(obj *objectstore.Object, body io.Reader) error {
	buf := make([]byte, copyChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			obj.Body.Write(buf[:n])
			if e.maxObjectBytes > 0 && obj.Body.Len() > e.maxObjectBytes {
				return ErrAdmissionRejected
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpstreamNetwork, err)
		}
	}
}

// relayPartial sends a rejected admission to the client: the prefix
// that was buffered before rejection, then the rest of the origin body
// directly.
func (e *EdgeCache) relayPartial(w http.ResponseWriter, res timedResponse, partial []byte, status *cacheStatus) {
	upstream := res.response
	defer upstream.Body.Close()
	copyHeader(w.Header(), upstream.Header)
	status.writeTo(w.Header(), e.statusHeader, e.lockWaitHeader)
	w.WriteHeader(upstream.StatusCode)
	if _, err := w.Write(partial); err != nil {
		log.Debug().Err(err).Msg("Error writing response to client")
		return
	}
	if _, err := io.Copy(w, upstream.Body); err != nil {
		log.Debug().Err(err).Msg("Error writing response to client")
	}
}

// unconditionalForward builds the upstream request for an admission
// fetch. The stored object must be the full representation, so the
// client's Range and validators stay local.
func unconditionalForward(r *http.Request) *http.Request {
	fwd := rfc9111.GetForwardRequest(r)
	fwd.Header.Del("Range")
	fwd.Header.Del("If-None-Match")
	fwd.Header.Del("If-Modified-Since")
	return fwd
}

// tooLarge rejects by declared length up front; undeclared lengths are
// checked as the body streams.
func (e *EdgeCache) tooLarge(res *http.Response) bool {
	return e.maxObjectBytes > 0 && res.ContentLength > e.maxObjectBytes
}

// usableOnError reports whether the object may stand in for an origin
// failure right now.
func (e *EdgeCache) usableOnError(obj *objectstore.Object) bool {
	meta := obj.Meta()
	return rfc9111.UsableOnError(meta.Header, meta.RequestTime, meta.ResponseTime, e.staleIfError, time.Now())
}

func metaFor(res timedResponse, varyList []string) objectstore.Meta {
	return objectstore.Meta{
		StatusCode:   res.response.StatusCode,
		Header:       rfc9111.StorableHeader(res.response.Header),
		RequestTime:  res.requestTime,
		ResponseTime: res.responseTime,
		VaryList:     varyList,
	}
}
