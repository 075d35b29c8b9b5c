// Package objectstore is the in-memory object store of the cache engine.
// Objects are keyed by (primary key, variance key); bodies support
// streaming read-while-write; a recency index bounds total size by
// evicting least-recently-used complete objects.
package objectstore

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Options configures a Store.
type Options struct {
	// MaxTotalBytes is the storage budget over completed bodies.
	// Zero means unlimited.
	MaxTotalBytes int64
}

type entry struct {
	// varyList is the Vary selection governing variance keys for this
	// primary key, from the most recent admission.
	varyList []string
	variants map[string]*Object
}

// Store maps primary keys to their variant objects and maintains the
// recency index. All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	budget  int64
	total   int64
	// recency list over Complete objects, most recent first
	lruHead *Object
	lruTail *Object
}

func New(opts Options) *Store {
	return &Store{
		entries: make(map[string]*entry),
		budget:  opts.MaxTotalBytes,
	}
}

// VaryList returns the Vary selection stored for a primary key, and
// whether the key exists at all. Callers need it to compute the variance
// key before a Get.
func (s *Store) VaryList(primary string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[primary]
	if !ok {
		return nil, false
	}
	return e.varyList, true
}

// Get returns the object stored under the key pair, bumping its recency.
// Writing objects are returned so that readers can attach mid-fill;
// Aborted and Evicted objects are never returned.
func (s *Store) Get(primary, variance string) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[primary]
	if !ok {
		return nil, false
	}
	o, ok := e.variants[variance]
	if !ok {
		return nil, false
	}
	switch o.State() {
	case Aborted, Evicted:
		return nil, false
	}
	if o.linked {
		s.moveToFront(o)
	}
	return o, true
}

// Begin creates a Writing object and links it into the store, so readers
// can attach while the body fills. Used for the initial fill of a key,
// when there is no previous representation to fall back to.
func (s *Store) Begin(primary, variance string, meta Meta) *Object {
	o := s.newObject(primary, variance, meta)
	s.mu.Lock()
	s.link(o)
	s.mu.Unlock()
	return o
}

// BeginDetached creates a Writing object that is not yet visible to
// lookups. Used when replacing an existing representation: the previous
// object keeps serving until Commit swaps the replacement in, so an
// upstream failure mid-body leaves the old object intact.
func (s *Store) BeginDetached(primary, variance string, meta Meta) *Object {
	return s.newObject(primary, variance, meta)
}

func (s *Store) newObject(primary, variance string, meta Meta) *Object {
	return &Object{
		PrimaryKey:  primary,
		VarianceKey: variance,
		Body:        newBody(),
		meta:        meta,
	}
}

// Commit finalizes an admission: the body is marked complete, the object
// linked (replacing any previous variant), byte accounting updated, and
// the eviction manager run. Racing admissions for the same key pair each
// commit in turn, so the store's final content is the last finish.
func (s *Store) Commit(o *Object) {
	o.Body.Finish()
	size := o.Body.Len()

	s.mu.Lock()
	o.mu.Lock()
	// discarded or purged mid-fill: readers drain, nothing is linked
	if o.state == Aborted || o.state == Evicted {
		o.mu.Unlock()
		s.mu.Unlock()
		return
	}
	o.state = Complete
	o.size = size
	o.mu.Unlock()
	s.link(o)
	s.total += size
	s.pushFront(o)
	s.evictOverflow()
	s.mu.Unlock()
}

// Rehydrate inserts a Complete object whose body is already known, for
// loading spilled objects back from a persistence tier. The usual commit
// accounting and eviction run.
func (s *Store) Rehydrate(primary, variance string, meta Meta, body []byte) *Object {
	o := s.newObject(primary, variance, meta)
	o.Body.buf = body
	s.Commit(o)
	return o
}

// Discard aborts an admission. Partial bytes are dropped and the object
// becomes invisible to lookups. Attached readers observe ErrWriteAborted.
func (s *Store) Discard(o *Object) {
	o.Body.Abort()
	s.mu.Lock()
	o.setState(Aborted)
	s.unlink(o)
	s.mu.Unlock()
}

// UpdateMeta replaces the object's metadata, for revalidation merges.
// The update function receives a copy to modify and return.
func (s *Store) UpdateMeta(o *Object, update func(Meta) Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.setMeta(update(o.Meta()))
	if o.linked {
		e, ok := s.entries[o.PrimaryKey]
		if ok {
			e.varyList = o.Meta().VaryList
		}
	}
}

// Remove drops a single stored variant. It reports whether the object
// was linked. In-flight readers keep draining.
func (s *Store) Remove(o *Object) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !o.linked {
		return false
	}
	s.unlink(o)
	s.remove(o)
	return true
}

// Purge removes every variant stored under the primary key. It reports
// whether anything was stored. In-flight readers of removed objects keep
// draining; writers of removed Writing objects notice on commit.
func (s *Store) Purge(primary string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[primary]
	if !ok {
		return false
	}
	for _, o := range e.variants {
		s.remove(o)
	}
	delete(s.entries, primary)
	return true
}

// Len returns the number of stored objects across all keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		n += len(e.variants)
	}
	return n
}

// TotalBytes returns the accounted bytes of completed objects.
func (s *Store) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Keys calls cb with every primary key.
func (s *Store) Keys(cb func(string)) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, k := range keys {
		cb(k)
	}
}

// link makes the object visible under its key pair, replacing any
// previous variant and adopting the object's Vary selection for the
// entry. The caller holds s.mu.
func (s *Store) link(o *Object) {
	e, ok := s.entries[o.PrimaryKey]
	if !ok {
		e = &entry{variants: make(map[string]*Object)}
		s.entries[o.PrimaryKey] = e
	}
	if prev, ok := e.variants[o.VarianceKey]; ok && prev != o {
		s.remove(prev)
	}
	e.varyList = o.Meta().VaryList
	e.variants[o.VarianceKey] = o
	o.linked = true
}

// unlink removes the object from its entry without touching other
// variants. The caller holds s.mu.
func (s *Store) unlink(o *Object) {
	if !o.linked {
		return
	}
	o.linked = false
	if e, ok := s.entries[o.PrimaryKey]; ok {
		if e.variants[o.VarianceKey] == o {
			delete(e.variants, o.VarianceKey)
			if len(e.variants) == 0 {
				delete(s.entries, o.PrimaryKey)
			}
		}
	}
}

/// remove takes an object out of service: unaccounts its bytes and drops
// it from the recency list. The caller holds s.mu and handles the entry
// map itself where needed.
func (s *Store) remove(o *Object) {
	if o.State() == Complete {
		s.total -= o.Size()
	}
	s.lruRemove(o)
	o.linked = false
	o.setState(Evicted)
}

// evictOverflow unlinks least-recently-used Complete objects until the
// budget holds. Writing objects are not in the recency list and are
// never evicted. The caller holds s.mu.
func (s *Store) evictOverflow() {
	if s.budget <= 0 {
		return
	}
	for s.total > s.budget && s.lruTail != nil {
		o := s.lruTail
		log.Trace().
			Str("key", o.PrimaryKey).
			Int64("size", o.Size()).
			Int64("total", s.total).
			Msg("Evicting least recently used object")
		s.unlink(o)
		s.remove(o)
	}
}

// recency list maintenance, most recent at head; caller holds s.mu

func (s *Store) pushFront(o *Object) {
	s.lruRemove(o)
	o.lruPrev = nil
	o.lruNext = s.lruHead
	if s.lruHead != nil {
		s.lruHead.lruPrev = o
	}
	s.lruHead = o
	if s.lruTail == nil {
		s.lruTail = o
	}
}

func (s *Store) moveToFront(o *Object) {
	if s.lruHead == o {
		return
	}
	if o.lruPrev == nil && o.lruNext == nil && s.lruTail != o {
		// not on the list (Writing objects)
		return
	}
	s.pushFront(o)
}

func (s *Store) lruRemove(o *Object) {
	if o.lruPrev != nil {
		o.lruPrev.lruNext = o.lruNext
	} else if s.lruHead == o {
		s.lruHead = o.lruNext
	}
	if o.lruNext != nil {
		o.lruNext.lruPrev = o.lruPrev
	} else if s.lruTail == o {
		s.lruTail = o.lruPrev
	}
	o.lruPrev = nil
	o.lruNext = nil
}
