package objectstore

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta() Meta {
	now := time.Now()
	return Meta{
		StatusCode:   200,
		Header:       http.Header{},
		RequestTime:  now,
		ResponseTime: now,
	}
}

func TestReadersAttachMidFill(t *testing.T) {
	s := New(Options{})
	obj := s.Begin("key", "-", testMeta())

	// the filling object is visible to lookups
	got, found := s.Get("key", "-")
	require.True(t, found)
	require.Same(t, obj, got)
	assert.Equal(t, Writing, got.State())

	obj.Body.Write([]byte("hello "))
	reader := obj.Body.NewReader()
	defer reader.Close()

	buf := make([]byte, 6)
	n, err := reader.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello ", string(buf[:n]))

	// a read at the committed length blocks until more bytes arrive
	read := make(chan string, 1)
	go func() {
		n, err := reader.Read(buf)
		if err != nil {
			read <- err.Error()
			return
		}
		read <- string(buf[:n])
	}()
	select {
	case got := <-read:
		t.Fatalf("read returned %q before the writer pushed", got)
	case <-time.After(50 * time.Millisecond):
	}

	obj.Body.Write([]byte("world"))
	assert.Equal(t, "world", <-read)

	s.Commit(obj)
	_, err = reader.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestDiscardWakesReadersWithAbort(t *testing.T) {
	s := New(Options{})
	obj := s.Begin("key", "-", testMeta())
	reader := obj.Body.NewReader()
	defer reader.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := reader.Read(make([]byte, 8))
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Discard(obj)

	assert.ErrorIs(t, <-errs, ErrWriteAborted)
	assert.Equal(t, Aborted, obj.State())
	_, found := s.Get("key", "-")
	assert.False(t, found)
	assert.Zero(t, s.Len())
}

func TestDetachedInvisibleUntilCommit(t *testing.T) {
	s := New(Options{})
	obj := s.BeginDetached("key", "-", testMeta())
	obj.Body.Write([]byte("body"))

	_, found := s.Get("key", "-")
	assert.False(t, found)

	s.Commit(obj)
	got, found := s.Get("key", "-")
	require.True(t, found)
	assert.Equal(t, Complete, got.State())
	assert.Equal(t, "body", string(got.Body.Bytes()))
	assert.Equal(t, int64(4), s.TotalBytes())
}

func TestLastCommitWins(t *testing.T) {
	s := New(Options{})
	first := s.Begin("key", "-", testMeta())
	first.Body.Write([]byte("first"))
	second := s.BeginDetached("key", "-", testMeta())
	second.Body.Write([]byte("second!"))

	s.Commit(first)
	s.Commit(second)

	got, found := s.Get("key", "-")
	require.True(t, found)
	assert.Same(t, second, got)
	assert.Equal(t, int64(7), s.TotalBytes())
	// the replaced object drains its readers but is out of service
	assert.Equal(t, Evicted, first.State())
}

func TestCommitAfterPurgeDoesNotLink(t *testing.T) {
	s := New(Options{})
	obj := s.Begin("key", "-", testMeta())
	obj.Body.Write([]byte("partial"))

	require.True(t, s.Purge("key"))
	s.Commit(obj)

	_, found := s.Get("key", "-")
	assert.False(t, found)
	assert.Zero(t, s.TotalBytes())
	assert.Zero(t, s.Len())
}

func TestRemoveDropsSingleVariant(t *testing.T) {
	s := New(Options{})
	meta := testMeta()
	meta.VaryList = []string{"accept-language"}
	var objs []*Object
	for _, variance := range []string{"aaaa", "bbbb"} {
		obj := s.Begin("key", variance, meta)
		obj.Body.Write([]byte("body"))
		s.Commit(obj)
		objs = append(objs, obj)
	}

	assert.True(t, s.Remove(objs[0]))
	assert.Equal(t, Evicted, objs[0].State())
	_, found := s.Get("key", "aaaa")
	assert.False(t, found)
	got, found := s.Get("key", "bbbb")
	require.True(t, found)
	assert.Same(t, objs[1], got)
	assert.Equal(t, int64(4), s.TotalBytes())

	// a second removal of the same object is a no-op
	assert.False(t, s.Remove(objs[0]))
	assert.Equal(t, 1, s.Len())
}

func TestPurgeRemovesAllVariants(t *testing.T) {
	s := New(Options{})
	meta := testMeta()
	meta.VaryList = []string{"accept-language"}
	for _, variance := range []string{"aaaa", "bbbb"} {
		obj := s.Begin("key", variance, meta)
		obj.Body.Write([]byte("body"))
		s.Commit(obj)
	}
	require.Equal(t, 2, s.Len())

	assert.True(t, s.Purge("key"))
	assert.Zero(t, s.Len())
	assert.Zero(t, s.TotalBytes())
	_, ok := s.VaryList("key")
	assert.False(t, ok)

	assert.False(t, s.Purge("key"))
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	s := New(Options{MaxTotalBytes: 12})
	commit := func(key, body string) *Object {
		obj := s.Begin(key, "-", testMeta())
		obj.Body.Write([]byte(body))
		s.Commit(obj)
		return obj
	}

	a := commit("a", "123456")
	commit("b", "123456")
	assert.Equal(t, int64(12), s.TotalBytes())

	// touching /a makes /b the eviction candidate
	_, found := s.Get("a", "-")
	require.True(t, found)

	c := commit("c", "123456")
	_, foundA := s.Get("a", "-")
	_, foundB := s.Get("b", "-")
	_, foundC := s.Get("c", "-")
	assert.True(t, foundA)
	assert.False(t, foundB)
	assert.True(t, foundC)
	assert.Equal(t, int64(12), s.TotalBytes())
	assert.Equal(t, Complete, a.State())
	assert.Equal(t, Complete, c.State())
}

func TestWritingObjectsNeverEvicted(t *testing.T) {
	s := New(Options{MaxTotalBytes: 4})
	writing := s.Begin("writing", "-", testMeta())
	writing.Body.Write([]byte("streaming"))

	done := s.Begin("done", "-", testMeta())
	done.Body.Write([]byte("123456"))
	s.Commit(done)

	// only the complete object was evictable
	assert.Equal(t, Writing, writing.State())
	_, found := s.Get("writing", "-")
	assert.True(t, found)
	_, found = s.Get("done", "-")
	assert.False(t, found)
}

func TestEvictedObjectDrainsReaders(t *testing.T) {
	s := New(Options{MaxTotalBytes: 6})
	obj := s.Begin("a", "-", testMeta())
	obj.Body.Write([]byte("123456"))
	s.Commit(obj)

	reader := obj.Body.NewReader()
	defer reader.Close()
	buf := make([]byte, 3)
	n, err := reader.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "123", string(buf[:n]))

	// committing /b overflows the budget and evicts /a
	next := s.Begin("b", "-", testMeta())
	next.Body.Write([]byte("123456"))
	s.Commit(next)
	require.Equal(t, Evicted, obj.State())
	_, found := s.Get("a", "-")
	require.False(t, found)

	// the open reader still drains the full body
	n, err = reader.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "456", string(buf[:n]))
	_, err = reader.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestRehydrate(t *testing.T) {
	s := New(Options{})
	meta := testMeta()
	meta.VaryList = []string{"accept"}
	obj := s.Rehydrate("key", "aaaa", meta, []byte("from disk"))

	assert.Equal(t, Complete, obj.State())
	got, found := s.Get("key", "aaaa")
	require.True(t, found)
	assert.Equal(t, "from disk", string(got.Body.Bytes()))
	assert.Equal(t, int64(9), s.TotalBytes())

	list, ok := s.VaryList("key")
	require.True(t, ok)
	assert.Equal(t, []string{"accept"}, list)
}

func TestUpdateMetaSyncsVaryList(t *testing.T) {
	s := New(Options{})
	obj := s.Begin("key", "-", testMeta())
	s.Commit(obj)

	s.UpdateMeta(obj, func(m Meta) Meta {
		m.StatusCode = 203
		m.VaryList = []string{"accept-encoding"}
		return m
	})

	assert.Equal(t, 203, obj.Meta().StatusCode)
	list, ok := s.VaryList("key")
	require.True(t, ok)
	assert.Equal(t, []string{"accept-encoding"}, list)
}

func TestWaitComplete(t *testing.T) {
	s := New(Options{})
	obj := s.Begin("key", "-", testMeta())
	go func() {
		time.Sleep(30 * time.Millisecond)
		obj.Body.Write([]byte("body"))
		s.Commit(obj)
	}()
	require.NoError(t, obj.Body.WaitComplete(time.Now().Add(time.Second)))
	assert.Equal(t, "body", string(obj.Body.Bytes()))

	slow := s.Begin("slow", "-", testMeta())
	assert.Error(t, slow.Body.WaitComplete(time.Now().Add(30*time.Millisecond)))

	dead := s.Begin("dead", "-", testMeta())
	go func() {
		time.Sleep(30 * time.Millisecond)
		s.Discard(dead)
	}()
	assert.ErrorIs(t, dead.Body.WaitComplete(time.Now().Add(time.Second)), ErrWriteAborted)
}

func TestReaderCloseUnblocks(t *testing.T) {
	s := New(Options{})
	obj := s.Begin("key", "-", testMeta())
	reader := obj.Body.NewReader()

	errs := make(chan error, 1)
	go func() {
		_, err := reader.Read(make([]byte, 8))
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	reader.Close()

	err := <-errs
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestKeys(t *testing.T) {
	s := New(Options{})
	for _, key := range []string{"a", "b"} {
		obj := s.Begin(key, "-", testMeta())
		s.Commit(obj)
	}
	seen := map[string]bool{}
	s.Keys(func(k string) { seen[k] = true })
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)
}
