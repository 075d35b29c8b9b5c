package core

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	cachelock "github.com/edge-cache/edge-cache/pkg/cache-lock"
	objectstore "github.com/edge-cache/edge-cache/pkg/object-store"
	"github.com/edge-cache/edge-cache/rfc9111"
)

// scheduleRevalidate starts a background refresh for an object served
// stale. The worker budget is a semaphore; when it is full the refresh
// is skipped and the next stale request tries again.
func (e *EdgeCache) scheduleRevalidate(r *http.Request, primary string, obj *objectstore.Object) {
	select {
	case e.revalSem <- struct{}{}:
	default:
		log.Trace().Str("key", primary).Msg("Revalidation budget exhausted, skipping")
		return
	}
	// outlives the client request
	req := r.Clone(context.Background())
	go func() {
		defer func() { <-e.revalSem }()
		e.revalidateBackground(req, primary, obj)
	}()
}

// revalidateBackground refreshes one variant without a client waiting
// on the result. The variant's fetch lock makes it a no-op when a
// foreground refresh is already underway.
func (e *EdgeCache) revalidateBackground(r *http.Request, primary string, obj *objectstore.Object) {
	lockKey := StoreKey(primary, obj.VarianceKey)
	holder := e.locks.TryAcquire(lockKey)
	if holder == nil {
		return
	}
	logger := log.With().Str("key", lockKey).Str("fetch", holder.ID).Logger()

	meta := obj.Meta()
	fwd := unconditionalForward(r)
	for name, values := range rfc9111.Validators(meta.Header) {
		fwd.Header[name] = values
	}

	res, err := e.fetch(fwd)
	if err != nil {
		holder.Finish(cachelock.FetchError)
		logger.Debug().Err(err).Msg("Background revalidation failed")
		return
	}

	if res.response.StatusCode == http.StatusNotModified {
		res.response.Body.Close()
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
		logger.Trace().Msg("Background revalidation confirmed stored response")
		return
	}
	if res.response.StatusCode >= 500 {
		res.response.Body.Close()
		holder.Finish(cachelock.FetchError)
		logger.Debug().Int("code", res.response.StatusCode).Msg("Background revalidation got origin error, keeping stale object")
		return
	}

	e.rules.Apply(res.response)
	varyList, ok := e.keyer.EffectiveVaryList(res.response.Header)
	if !ok || rfc9111.MustNotStore(r, res.response) || e.tooLarge(res.response) {
		res.response.Body.Close()
		// the origin no longer allows storing this variant
		e.store.Remove(obj)
		e.persistDelete(opDelete, lockKey)
		holder.Finish(cachelock.Uncacheable)
		logger.Trace().Msg("Background revalidation found uncacheable response, dropping stored copy")
		return
	}

	variance := e.keyer.VarianceKey(varyList, r.Header)
	replacement := e.store.BeginDetached(primary, variance, metaFor(res, varyList))
	err = e.fill(replacement, res.response.Body)
	res.response.Body.Close()
	if err != nil {
		e.store.Discard(replacement)
		if errors.Is(err, ErrAdmissionRejected) {
			e.locks.MarkUncacheable(StoreKey(primary, variance))
			holder.Finish(cachelock.Uncacheable)
		} else {
			holder.Finish(cachelock.FetchError)
		}
		logger.Debug().Err(err).Msg("Background replacement failed, keeping stale object")
		return
	}
	e.store.Commit(replacement)
	if replacement.State() == objectstore.Complete {
		e.persistPut(replacement)
	}
	holder.Finish(cachelock.Found)
	logger.Trace().Msg("Background revalidation stored fresh response")
}
