package objectstore

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrWriteAborted is returned from reads of a body whose writer aborted.
// Readers that already relayed bytes downstream cannot recover from this;
// readers still at offset zero can fall back to their own fetch.
var ErrWriteAborted = errors.New("object write aborted")

var errReaderClosed = errors.New("object reader closed")

// State is the completion state of a stored object.
type State int

const (
	// Writing means the body is still being filled. Readers may attach
	// and will observe bytes in push order up to the committed length.
	Writing State = iota
	// Complete means the body is fully written and immutable.
	Complete
	// Aborted means the write was abandoned. The object is unlinked and
	// its partial bytes are never served.
	Aborted
	// Evicted means the object was removed by the eviction manager.
	// Attached readers drain normally; new lookups do not find it.
	Evicted
)

// Meta is the stored metadata of a cached response. The header map is
// replaced wholesale on revalidation merges, never mutated in place, so
// readers holding a Meta snapshot are unaffected by concurrent merges.
type Meta struct {
	StatusCode int
	Header     http.Header
	// Clock values of the fetch that produced this response, for age
	// arithmetic per RFC 9111 §4.2.3.
	RequestTime  time.Time
	ResponseTime time.Time
	// Lowercased allowlisted header names from the response's Vary list.
	VaryList []string
}

// Object is a single cached representation under one
// (cache key, variance key) pair.
type Object struct {
	// PrimaryKey and VarianceKey identify the object in its store.
	PrimaryKey  string
	VarianceKey string

	Body *Body

	mu    sync.Mutex
	meta  Meta
	state State
	size  int64

	// recency list links, guarded by the store mutex
	lruPrev, lruNext *Object
	linked           bool
}

// Meta returns a snapshot of the object's metadata.
func (o *Object) Meta() Meta {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.meta
}

func (o *Object) setMeta(m Meta) {
	o.mu.Lock()
	o.meta = m
	o.mu.Unlock()
}

// State returns the object's completion state.
func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Object) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Size returns the final body size. Valid once the object is Complete.
func (o *Object) Size() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// Body is an append-only byte buffer with a single writer and any number
// of concurrent readers. Readers at the committed length block for more
// bytes instead of observing end-of-body; completion or abort releases
// them.
type Body struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	complete bool
	aborted  bool
}

func newBody() *Body {
	b := &Body{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends p to the body. Only the admission writer calls this.
func (b *Body) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete || b.aborted {
		return 0, errors.New("write on finished body")
	}
	b.buf = append(b.buf, p...)
	b.cond.Broadcast()
	return len(p), nil
}

// Finish marks the body complete. The buffer is immutable afterwards.
func (b *Body) Finish() {
	b.mu.Lock()
	b.complete = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Abort abandons the body and discards its bytes. Blocked readers wake
// with ErrWriteAborted.
func (b *Body) Abort() {
	b.mu.Lock()
	b.aborted = true
	b.buf = nil
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Len returns the committed length.
func (b *Body) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.buf))
}

// Complete reports whether the body is fully written.
func (b *Body) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

// WaitComplete blocks until the body is complete or aborted, or the
// deadline passes. It returns ErrWriteAborted for aborted bodies.
func (b *Body) WaitComplete(deadline time.Time) error {
	var timedOut bool
	timer := time.AfterFunc(time.Until(deadline), func() {
		b.mu.Lock()
		timedOut = true
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.complete && !b.aborted && !timedOut {
		b.cond.Wait()
	}
	if b.aborted {
		return ErrWriteAborted
	}
	if !b.complete {
		return errors.New("timed out waiting for body completion")
	}
	return nil
}

// Bytes returns the underlying buffer. Only valid for Complete bodies,
// whose buffer no longer changes.
func (b *Body) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

// NewReader returns a reader positioned at offset zero. Each reader has
// its own cursor.
func (b *Body) NewReader() *Reader {
	return &Reader{body: b}
}

// Reader is a cursor over a Body. Read blocks at the committed length
// until the writer pushes more bytes, finishes, or aborts. Close unblocks
// a blocked Read.
type Reader struct {
	body   *Body
	off    int64
	closed bool
}

var _ io.ReadCloser = (*Reader)(nil)

func (r *Reader) Read(p []byte) (int, error) {
	b := r.body
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if r.closed {
			return 0, errReaderClosed
		}
		if b.aborted {
			return 0, ErrWriteAborted
		}
		if r.off < int64(len(b.buf)) {
			n := copy(p, b.buf[r.off:])
			r.off += int64(n)
			return n, nil
		}
		if b.complete {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
}

// Offset returns how many bytes the reader has consumed.
func (r *Reader) Offset() int64 {
	r.body.mu.Lock()
	defer r.body.mu.Unlock()
	return r.off
}

func (r *Reader) Close() error {
	b := r.body
	b.mu.Lock()
	r.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}
