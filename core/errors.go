package core

import (
	"errors"

	byterange "github.com/edge-cache/edge-cache/pkg/byte-range"
	objectstore "github.com/edge-cache/edge-cache/pkg/object-store"
)

var (
	// ErrCacheMiss means no usable object exists for the key.
	ErrCacheMiss = errors.New("cache: object not stored")
	// ErrLockWaitTimeout means a waiter's own timeout fired before the
	// holder produced an outcome. The waiter fetches for itself.
	ErrLockWaitTimeout = errors.New("cache: lock wait timed out")
	// ErrLockExpired means a fetch lock outlived its max lifetime and
	// released its waiters.
	ErrLockExpired = errors.New("cache: lock expired")
	// ErrAdmissionRejected means a response grew past the max object
	// size and was dropped from admission mid-stream.
	ErrAdmissionRejected = errors.New("cache: object too large to admit")
	// ErrUpstreamNetwork means the origin could not be reached or the
	// transfer broke before the response completed.
	ErrUpstreamNetwork = errors.New("cache: error contacting origin")
	// ErrUpstreamStatus means the origin answered with a server error.
	ErrUpstreamStatus = errors.New("cache: origin returned a server error")
	// ErrStoreCorrupt means a persisted blob did not decode. The blob
	// is deleted and the lookup treated as a miss.
	ErrStoreCorrupt = errors.New("cache: stored object is corrupt")

	// ErrRangeUnsatisfiable mirrors the byte-range package sentinel so
	// callers can match it without importing that package.
	ErrRangeUnsatisfiable = byterange.ErrUnsatisfiable
	// ErrWriteAborted mirrors the object-store sentinel for aborted
	// admission writes.
	ErrWriteAborted = objectstore.ErrWriteAborted
)
