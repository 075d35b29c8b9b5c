// Package core implements the cache engine: an http.Handler that fronts
// a single origin, stores responses per RFC 9111 and serves them back
// with per-key fetch locking, streaming admission, byte-range slicing
// and stale fallbacks.
package core

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	cachelock "github.com/edge-cache/edge-cache/pkg/cache-lock"
	objectstore "github.com/edge-cache/edge-cache/pkg/object-store"
	"github.com/edge-cache/edge-cache/pkg/object-store/persist"
	serializer "github.com/edge-cache/edge-cache/pkg/response-serializer"
	responsetransformer "github.com/edge-cache/edge-cache/pkg/response-transformer"
	"github.com/edge-cache/edge-cache/rfc9111"
)

// MethodPurge is the request method that removes all stored variants of
// a resource.
const MethodPurge = "PURGE"

const (
	defaultStatusHeader      = "x-cache-status"
	defaultLockWaitHeader    = "x-cache-lock-wait-ms"
	defaultLockWaitTimeout   = 500 * time.Millisecond
	defaultLockMaxLifetime   = 5 * time.Second
	defaultUncacheableFor    = time.Second
	defaultRevalidateWorkers = 4
	persistQueueSize         = 1024
)

var defaultVaryAllowlist = []string{"accept", "accept-encoding", "accept-language"}

// Config carries everything CreateCache needs. Zero values get the
// documented defaults.
type Config struct {
	// OriginURL is the upstream this engine caches for.
	OriginURL url.URL
	// OriginHost overrides the Host header (and TLS server name) sent
	// upstream.
	OriginHost string
	// Rules are applied to origin responses before storability is
	// decided.
	Rules responsetransformer.Rules
	// Persist, when set, spills completed objects to durable storage
	// and rehydrates them on memory misses.
	Persist persist.Store

	// MaxObjectBytes rejects admission of larger bodies. Zero means no
	// limit.
	MaxObjectBytes int64
	// MaxTotalBytes is the eviction budget for in-memory bodies. Zero
	// means no eviction.
	MaxTotalBytes int64
	// LockWaitTimeout is how long a request waits on another's fetch
	// before fetching for itself. Default 500ms.
	LockWaitTimeout time.Duration
	// LockMaxLifetime bounds a fetch lock's existence. Default 5s.
	LockMaxLifetime time.Duration
	// UncacheableFor is how long a key skips the lock after an
	// uncacheable response. Default 1s.
	UncacheableFor time.Duration
	// DefaultStale is the stale-while-revalidate window applied when
	// the response carries no directive. Zero disables the window.
	DefaultStale time.Duration
	// StaleIfError is the stale-if-error window applied when the
	// response carries no directive. Zero disables the window.
	StaleIfError time.Duration
	// RangeWait, when positive, makes range requests against a
	// still-filling object wait up to this long for completion instead
	// of degrading to a full response.
	RangeWait time.Duration
	// VaryAllowlist lists the request headers (lowercase) that may
	// enter a variance key. Default: accept, accept-encoding,
	// accept-language.
	VaryAllowlist []string
	// StatusHeaderName is the diagnostic header. Default
	// "x-cache-status".
	StatusHeaderName string
	// LockWaitHeaderName carries the lock wait in milliseconds, only
	// on requests that waited. Default "x-cache-lock-wait-ms".
	LockWaitHeaderName string
	// RevalidateWorkers bounds concurrent background revalidations.
	// Default 4.
	RevalidateWorkers int
}

// EdgeCache is the engine. Create with CreateCache; it implements
// http.Handler.
type EdgeCache struct {
	store      *objectstore.Store
	locks      *cachelock.Manager
	keyer      CacheKeyer
	rules      responsetransformer.Rules
	originURL  url.URL
	originHost string
	httpClient http.Client

	maxObjectBytes  int64
	lockWaitTimeout time.Duration
	defaultStale    time.Duration
	staleIfError    time.Duration
	rangeWait       time.Duration
	statusHeader    string
	lockWaitHeader  string

	persister   persist.Store
	persistOps  chan persistOp
	persistDone chan struct{}
	revalSem    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// CreateCache initializes the cache engine and starts its background
// persistence writer.
func CreateCache(config Config) *EdgeCache {
	if config.StatusHeaderName == "" {
		config.StatusHeaderName = defaultStatusHeader
	}
	if config.LockWaitHeaderName == "" {
		config.LockWaitHeaderName = defaultLockWaitHeader
	}
	if config.LockWaitTimeout == 0 {
		config.LockWaitTimeout = defaultLockWaitTimeout
	}
	if config.LockMaxLifetime == 0 {
		config.LockMaxLifetime = defaultLockMaxLifetime
	}
	if config.UncacheableFor == 0 {
		config.UncacheableFor = defaultUncacheableFor
	}
	if config.VaryAllowlist == nil {
		config.VaryAllowlist = defaultVaryAllowlist
	}
	if config.RevalidateWorkers <= 0 {
		config.RevalidateWorkers = defaultRevalidateWorkers
	}
	host := config.OriginHost
	if host == "" {
		host = config.OriginURL.Host
	}
	e := &EdgeCache{
		store: objectstore.New(objectstore.Options{MaxTotalBytes: config.MaxTotalBytes}),
		locks: cachelock.NewManager(config.LockMaxLifetime, config.UncacheableFor),
		keyer: CacheKeyer{
			Scheme:        config.OriginURL.Scheme,
			Host:          host,
			VaryAllowlist: config.VaryAllowlist,
		},
		rules:           config.Rules,
		originURL:       config.OriginURL,
		originHost:      config.OriginHost,
		maxObjectBytes:  config.MaxObjectBytes,
		lockWaitTimeout: config.LockWaitTimeout,
		defaultStale:    config.DefaultStale,
		staleIfError:    config.StaleIfError,
		rangeWait:       config.RangeWait,
		statusHeader:    config.StatusHeaderName,
		lockWaitHeader:  config.LockWaitHeaderName,
		revalSem:        make(chan struct{}, config.RevalidateWorkers),
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	// use provided hostname for origin if configured
	if e.originHost != "" {
		e.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: e.originHost,
			},
		}
	}

	if config.Persist != nil {
		e.persister = config.Persist
		e.persistOps = make(chan persistOp, persistQueueSize)
		e.persistDone = make(chan struct{})
		go e.persistLoop()
	}

	return e
}

// Close drains the persistence queue and closes the backing store.
// Stop serving requests first. Calling Close again returns the first
// call's result.
func (e *EdgeCache) Close() error {
	if e.persister == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		// taking every revalidation slot waits out background
		// refreshes that could still write to the queue
		for i := 0; i < cap(e.revalSem); i++ {
			e.revalSem <- struct{}{}
		}
		close(e.persistOps)
		<-e.persistDone
		e.closeErr = e.persister.Close()
	})
	return e.closeErr
}

// ServeHTTP implements the http.Handler interface.
func (e *EdgeCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer e.recover(w, r)
	e.handle(w, r)
}

// recover sends the request through the escape hatch on a handler
// panic, so a cache bug cannot take down the proxy path.
func (e *EdgeCache) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		e.escapeHatch(w, r)
	}
}

// escapeHatch is a fallback handler that just proxies the request to
// the origin.
func (e *EdgeCache) escapeHatch(w http.ResponseWriter, r *http.Request) {
	res, err := e.fetch(rfc9111.GetForwardRequest(r))
	if err != nil {
		log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	defer res.response.Body.Close()
	copyHeader(w.Header(), res.response.Header)
	w.WriteHeader(res.response.StatusCode)
	if _, err := io.Copy(w, res.response.Body); err != nil {
		log.Error().Err(err).Msg("Error writing to client")
	}
}

// handle is the main entry point for the caching middleware.
func (e *EdgeCache) handle(w http.ResponseWriter, r *http.Request) {
	log.Trace().Interface("headers", r.Header).Msgf("Incoming request: %s %s", r.Method, r.URL.Path)

	status := &cacheStatus{}

	if r.Method == MethodPurge {
		e.purge(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		// other methods are written through, never cached
		status.set(statusNoCache)
		e.passThrough(w, r, status)
		return
	}

	reqCC := rfc9111.ParseCacheControl(r.Header.Values("Cache-Control"))
	if reqCC.HasDirective("no-store") || e.rules.BypassRequest(r) {
		status.set(statusNoCache)
		e.passThrough(w, r, status)
		return
	}

	primary := e.keyer.PrimaryKey(r)
	logger := log.With().Str("key", primary).Logger()

	obj, err := e.lookup(r, primary)
	if err == nil {
		e.serveLookup(w, r, logger, primary, obj, reqCC, status)
		return
	}

	// nothing stored for this request
	if r.Method == http.MethodHead {
		// answer HEAD misses from the origin without admission
		status.set(statusMiss)
		e.passThrough(w, r, status)
		return
	}
	if reqCC.HasDirective("only-if-cached") {
		status.set(statusMiss)
		status.writeTo(w.Header(), e.statusHeader, e.lockWaitHeader)
		http.Error(w, "No stored response available", http.StatusGatewayTimeout)
		return
	}
	e.missFetch(w, r, logger, primary, status)
}

// lookup finds the stored object matching the request's variance, first
// in memory, then by rehydrating persisted variants of the primary key.
func (e *EdgeCache) lookup(r *http.Request, primary string) (*objectstore.Object, error) {
	if varyList, ok := e.store.VaryList(primary); ok {
		variance := e.keyer.VarianceKey(varyList, r.Header)
		if obj, found := e.store.Get(primary, variance); found {
			return obj, nil
		}
	}
	if e.persister == nil {
		return nil, ErrCacheMiss
	}

	prefix := PurgePrefix(primary)
	blobs, err := e.persister.GetPrefix(prefix)
	if err != nil {
		log.Warn().Err(err).Str("key", primary).Msg("Could not read persisted responses")
		return nil, ErrCacheMiss
	}
	if len(blobs) == 0 {
		return nil, ErrCacheMiss
	}
	for key, blob := range blobs {
		meta, body, err := serializer.Decode(blob)
		if err != nil {
			log.Warn().Err(fmt.Errorf("%w: %v", ErrStoreCorrupt, err)).Str("key", key).Msg("Dropping corrupt persisted response")
			e.enqueuePersist(persistOp{kind: opDelete, key: key})
			continue
		}
		variance := strings.TrimPrefix(key, prefix)
		// never roll a live object back to its persisted copy
		if _, exists := e.store.Get(primary, variance); exists {
			continue
		}
		e.store.Rehydrate(primary, variance, meta, body)
		log.Trace().Str("key", key).Msg("Rehydrated persisted response")
	}
	if varyList, ok := e.store.VaryList(primary); ok {
		variance := e.keyer.VarianceKey(varyList, r.Header)
		if obj, found := e.store.Get(primary, variance); found {
			return obj, nil
		}
	}
	return nil, ErrCacheMiss
}

// serveLookup decides what to do with a found object: serve it, serve
// it stale, or revalidate against the origin first.
func (e *EdgeCache) serveLookup(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, primary string, obj *objectstore.Object, reqCC rfc9111.CacheControl, status *cacheStatus) {
	if r.Method == http.MethodHead {
		// headers only, whatever the object's state
		status.set(statusHit)
		e.sendObject(w, r, logger, obj, status)
		return
	}

	meta := obj.Meta()
	now := time.Now()
	freshness := rfc9111.Classify(meta.Header, meta.RequestTime, meta.ResponseTime, e.defaultStale, now)
	age := rfc9111.CurrentAge(meta.Header, meta.RequestTime, meta.ResponseTime)
	lifetime, hasLifetime := rfc9111.FreshnessLifetime(meta.Header)
	needsReval := reqCC.HasDirective("no-cache") ||
		!rfc9111.SatisfiesRequestFreshness(reqCC, age, lifetime)

	logger.Trace().
		Str("freshness", freshness.String()).
		Dur("age", age).
		Bool("needs_revalidation", needsReval).
		Msg("Classified stored response")

	if reqCC.HasDirective("only-if-cached") {
		if freshness == rfc9111.Fresh && !needsReval {
			status.set(statusHit)
			e.sendObject(w, r, logger, obj, status)
		} else {
			status.set(statusMiss)
			status.writeTo(w.Header(), e.statusHeader, e.lockWaitHeader)
			http.Error(w, "No fresh stored response available", http.StatusGatewayTimeout)
		}
		return
	}

	switch {
	case freshness == rfc9111.Fresh && !needsReval:
		status.set(statusHit)
		e.sendObject(w, r, logger, obj, status)
		return
	case freshness == rfc9111.Stale && !needsReval:
		// serve now, refresh in the background
		status.set(statusStale)
		e.scheduleRevalidate(r, primary, obj)
		e.sendObject(w, r, logger, obj, status)
		return
	case freshness == rfc9111.Expired && !needsReval && acceptsStaleness(reqCC, age, lifetime, hasLifetime) && !rfc9111.MustRevalidate(meta.Header):
		// the client opted into staleness with max-stale
		status.set(statusStale)
		e.scheduleRevalidate(r, primary, obj)
		e.sendObject(w, r, logger, obj, status)
		return
	}

	e.refresh(w, r, logger, primary, obj, status)
}

// acceptsStaleness reports whether the request's max-stale directive
// covers the object's current excess age.
func acceptsStaleness(reqCC rfc9111.CacheControl, age, lifetime time.Duration, hasLifetime bool) bool {
	window, ok := reqCC.MaxStale()
	if !ok || !hasLifetime {
		return false
	}
	return age-lifetime <= window
}

// passThrough relays the request to the origin without touching the
// lock manager or the store. Successful unsafe requests invalidate
// stored responses for their target.
func (e *EdgeCache) passThrough(w http.ResponseWriter, r *http.Request, status *cacheStatus) {
	res, err := e.fetch(rfc9111.GetForwardRequest(r))
	if err != nil {
		e.writeBadGateway(w, err)
		return
	}
	if rfc9111.UnsafeRequest(r) {
		e.invalidate(r, res.response)
	}
	e.relayResponse(w, res, status)
}

// relayResponse streams an origin response to the client unchanged.
func (e *EdgeCache) relayResponse(w http.ResponseWriter, res timedResponse, status *cacheStatus) {
	upstream := res.response
	defer upstream.Body.Close()
	log.Debug().
		Str("status", status.value).
		Int("code", upstream.StatusCode).
		Msg("Sending origin response to client")
	copyHeader(w.Header(), upstream.Header)
	status.writeTo(w.Header(), e.statusHeader, e.lockWaitHeader)
	w.WriteHeader(upstream.StatusCode)
	bytesWritten, err := io.Copy(w, upstream.Body)
	if err != nil {
		log.Debug().Err(err).Msg("Error writing response to client")
	}
	log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (e *EdgeCache) writeBadGateway(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("Could not fetch response from server")
	http.Error(w, "Error contacting origin", http.StatusBadGateway)
}

// purge removes every stored variant of the request URI from both
// tiers. 204 when something existed, 404 otherwise; the body is always
// empty.
func (e *EdgeCache) purge(w http.ResponseWriter, r *http.Request) {
	primary := e.keyer.PrimaryKeyForURL(r.URL)
	prefix := PurgePrefix(primary)
	existed := e.store.Purge(primary)
	if e.persister != nil {
		if blobs, err := e.persister.GetPrefix(prefix); err == nil && len(blobs) > 0 {
			existed = true
		}
		// the 204 promises the content is gone, so the delete cannot
		// be left pending on the queue
		e.persistDelete(opDeletePrefix, prefix)
	}
	e.locks.ForgetUncacheable(prefix)
	log.Debug().Str("key", primary).Bool("existed", existed).Msg("Purged stored responses")
	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusNotFound)
	}
}

// invalidate drops stored responses named by an unsafe exchange.
func (e *EdgeCache) invalidate(r *http.Request, res *http.Response) {
	for _, u := range rfc9111.InvalidationURIs(r, res) {
		primary := e.keyer.PrimaryKeyForURL(u)
		purged := e.store.Purge(primary)
		e.persistDelete(opDeletePrefix, PurgePrefix(primary))
		e.locks.ForgetUncacheable(PurgePrefix(primary))
		log.Trace().Str("key", primary).Bool("purged", purged).Msg("Invalidated stored responses")
	}
}

type persistOpKind int

const (
	opPut persistOpKind = iota
	opDelete
	opDeletePrefix
)

type persistOp struct {
	kind    persistOpKind
	key     string
	expires time.Time
	blob    []byte
	// done, when non-nil, is closed once the operation has been applied.
	done chan struct{}
}

// persistLoop writes cache mutations behind the request path, in the
// order they were enqueued.
func (e *EdgeCache) persistLoop() {
	for op := range e.persistOps {
		var err error
		switch op.kind {
		case opPut:
			err = e.persister.Put(op.key, op.expires, op.blob)
		case opDelete:
			err = e.persister.Delete(op.key)
		case opDeletePrefix:
			err = e.persister.DeletePrefix(op.key)
		}
		if err != nil {
			log.Error().Err(err).Str("key", op.key).Msg("Cache persistence operation failed")
		}
		if op.done != nil {
			close(op.done)
		}
	}
	close(e.persistDone)
}

// enqueuePersist queues a best-effort write. A full queue drops the
// operation; puts are re-created by the next admission and the corrupt
// blob cleanup retries on the next read.
func (e *EdgeCache) enqueuePersist(op persistOp) {
	if e.persister == nil {
		return
	}
	select {
	case e.persistOps <- op:
	default:
		log.Warn().Str("key", op.key).Msg("Persistence queue full, dropping operation")
	}
}

// persistDelete removes persisted blobs through the ordered queue and
// returns only once the removal has been applied. Riding the queue puts
// the delete after any queued writes of the same key, so none of them
// can bring the content back; waiting makes the removal visible to the
// next request.
func (e *EdgeCache) persistDelete(kind persistOpKind, key string) {
	if e.persister == nil {
		return
	}
	done := make(chan struct{})
	e.persistOps <- persistOp{kind: kind, key: key, done: done}
	<-done
}

// persistPut spills a completed object. Objects with no serve window at
// all are not worth a disk write.
func (e *EdgeCache) persistPut(obj *objectstore.Object) {
	if e.persister == nil {
		return
	}
	meta := obj.Meta()
	expires := e.persistExpiry(meta)
	if !expires.After(meta.ResponseTime) {
		return
	}
	blob, err := serializer.Encode(meta, obj.Body.Bytes())
	if err != nil {
		log.Warn().Err(err).Msg("Could not serialize response for persistence")
		return
	}
	e.enqueuePersist(persistOp{
		kind:    opPut,
		key:     StoreKey(obj.PrimaryKey, obj.VarianceKey),
		expires: expires,
		blob:    blob,
	})
}

// persistExpiry is the end of the object's last serve window: freshness
// lifetime plus the wider of the stale windows.
func (e *EdgeCache) persistExpiry(meta objectstore.Meta) time.Time {
	lifetime, ok := rfc9111.FreshnessLifetime(meta.Header)
	if !ok {
		lifetime = 0
	}
	cc := rfc9111.ParseCacheControl(meta.Header.Values("Cache-Control"))
	swr := e.defaultStale
	if d, ok := cc.StaleWhileRevalidate(); ok {
		swr = d
	}
	sie := e.staleIfError
	if d, ok := cc.StaleIfError(); ok {
		sie = d
	}
	window := swr
	if sie > window {
		window = sie
	}
	return meta.ResponseTime.Add(lifetime + window)
}
