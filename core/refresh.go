package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	cachelock "github.com/edge-cache/edge-cache/pkg/cache-lock"
	objectstore "github.com/edge-cache/edge-cache/pkg/object-store"
	"github.com/edge-cache/edge-cache/rfc9111"
)

// refresh brings an expired object up to date before answering. One
// request revalidates per variant; the rest wait on its lock.
func (e *EdgeCache) refresh(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, primary string, obj *objectstore.Object, status *cacheStatus) {
	lockKey := StoreKey(primary, obj.VarianceKey)
	holder, waiter := e.locks.Acquire(lockKey)
	if holder == nil {
		start := time.Now()
		outcome := waiter.Wait(r.Context(), e.lockWaitTimeout)
		status.recordWait(time.Since(start))
		logger.Trace().
			Str("outcome", outcome.String()).
			Dur("waited", time.Since(start)).
			Msg("Waited on revalidation lock")
		e.afterWait(w, r, logger, primary, outcome, status)
		return
	}
	e.revalidateAsHolder(w, r, logger, primary, obj, holder, status)
}

// revalidateAsHolder asks the origin whether the stored response is
// still good, using the stored validators. The client's own validators
// are answered locally by sendObject, never forwarded.
func (e *EdgeCache) revalidateAsHolder(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, primary string, obj *objectstore.Object, holder *cachelock.Holder, status *cacheStatus) {
	logger = logger.With().Str("fetch", holder.ID).Logger()
	meta := obj.Meta()
	fwd := unconditionalForward(r)
	for name, values := range rfc9111.Validators(meta.Header) {
		fwd.Header[name] = values
	}

	res, err := e.fetch(fwd)
	if err != nil {
		if e.usableOnError(obj) {
			holder.Finish(cachelock.Found)
			logger.Debug().Err(err).Msg("Origin unreachable, serving stale")
			status.set(statusStale)
			e.sendObject(w, r, logger, obj, status)
			return
		}
		holder.Finish(cachelock.FetchError)
		e.writeBadGateway(w, err)
		return
	}

	if res.response.StatusCode == http.StatusNotModified {
		res.response.Body.Close()
		// §4.3.4: the stored headers are updated, the body stays
		e.store.UpdateMeta(obj, func(m objectstore.Meta) objectstore.Meta {
			h := m.Header.Clone()
			rfc9111.Merge304(h, res.response.Header)
			m.Header = h
			m.RequestTime = res.requestTime
			m.ResponseTime = res.responseTime
			return m
		})
		e.persistPut(obj)
		holder.Finish(cachelock.Found)
		logger.Trace().Msg("Origin confirmed stored response")
		status.set(statusRevalidated)
		e.sendObject(w, r, logger, obj, status)
		return
	}

	if res.response.StatusCode >= 500 {
		if e.usableOnError(obj) {
			res.response.Body.Close()
			holder.Finish(cachelock.Found)
			logger.Debug().
				Err(fmt.Errorf("%w: %d", ErrUpstreamStatus, res.response.StatusCode)).
				Msg("Origin error, serving stale")
			status.set(statusStale)
			e.sendObject(w, r, logger, obj, status)
			return
		}
		holder.Finish(cachelock.FetchError)
		status.set(statusExpired)
		e.relayResponse(w, res, status)
		return
	}

	e.rules.Apply(res.response)
	e.admitReplacement(w, r, logger, primary, obj, holder, res, status)
}

// admitReplacement stores a full response received during
// revalidation. The fill is detached and buffered before anything is
// sent, so a transfer that breaks midway leaves the stale object in
// place as a fallback.
func (e *EdgeCache) admitReplacement(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, primary string, stale *objectstore.Object, holder *cachelock.Holder, res timedResponse, status *cacheStatus) {
	varyList, ok := e.keyer.EffectiveVaryList(res.response.Header)
	if !ok || rfc9111.MustNotStore(r, res.response) || e.tooLarge(res.response) {
		// The origin no longer allows storing this variant, so the
		// stale copy must not be served again either.
		e.store.Remove(stale)
		e.persistDelete(opDelete, StoreKey(primary, stale.VarianceKey))
		holder.Finish(cachelock.Uncacheable)
		status.set(statusNoCache)
		e.relayResponse(w, res, status)
		return
	}

	variance := e.keyer.VarianceKey(varyList, r.Header)
	obj := e.store.BeginDetached(primary, variance, metaFor(res, varyList))
	err := e.fill(obj, res.response.Body)
	switch {
	case err == nil:
		res.response.Body.Close()
		e.store.Commit(obj)
		if obj.State() == objectstore.Complete {
			e.persistPut(obj)
		}
		holder.Finish(cachelock.Found)
		status.set(statusExpired)
		e.sendObject(w, r, logger, obj, status)
	case errors.Is(err, ErrAdmissionRejected):
		partial := obj.Body.Bytes()
		e.store.Discard(obj)
		e.locks.MarkUncacheable(StoreKey(primary, variance))
		holder.Finish(cachelock.Uncacheable)
		logger.Debug().Err(err).Msg("Replacement too large, relaying without storing")
		status.set(statusNoCache)
		e.relayPartial(w, res, partial, status)
	default:
		res.response.Body.Close()
		e.store.Discard(obj)
		if e.usableOnError(stale) {
			holder.Finish(cachelock.Found)
			logger.Debug().Err(err).Msg("Replacement transfer broke, serving stale")
			status.set(statusStale)
			e.sendObject(w, r, logger, stale, status)
			return
		}
		holder.Finish(cachelock.FetchError)
		e.writeBadGateway(w, err)
	}
}
