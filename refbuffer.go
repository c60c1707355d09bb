package xnet

import "sync/atomic"

// refBufLiveCount tracks outstanding RefBuf allocations that have not yet
// reached a zero refcount. Tests use it to assert Testable Property 2
// (every Acquire is matched by a Release).
var refBufLiveCount atomic.Int64

// RefBufLiveCount returns the number of RefBuf instances currently live
// (allocated but not yet fully released). Intended for tests and debug
// diagnostics only.
func RefBufLiveCount() int64 { return refBufLiveCount.Load() }

// RefBuf is a reference-counted byte buffer used for fan-out sends
// (BroadcastTCP) where the same bytes are queued onto multiple socket
// slots' write queues without copying. It is distinct from a "raw" owned
// []byte, which a single write queue entry frees on its own once flushed;
// the two ownership paths are never unified, since a raw buffer has
// exactly one owner and a RefBuf may have many.
type RefBuf struct {
	data []byte
	refs *atomic.Int32
}

// AllocRef allocates a new n-byte RefBuf with an initial reference count
// of one.
func AllocRef(n int) RefBuf {
	refs := new(atomic.Int32)
	refs.Store(1)
	refBufLiveCount.Add(1)
	return RefBuf{data: make([]byte, n), refs: refs}
}

// RefFromBytes wraps an existing slice (taking ownership of it) in a RefBuf
// with an initial reference count of one.
func RefFromBytes(b []byte) RefBuf {
	refs := new(atomic.Int32)
	refs.Store(1)
	refBufLiveCount.Add(1)
	return RefBuf{data: b, refs: refs}
}

// Bytes returns the underlying byte slice. The slice must not be retained
// past the matching Release call.
func (r RefBuf) Bytes() []byte { return r.data }

// Len returns the length of the underlying buffer.
func (r RefBuf) Len() int { return len(r.data) }

// Acquire increments the reference count, returning the same RefBuf for
// convenience at call sites that fan a buffer out to multiple queues.
func (r RefBuf) Acquire() RefBuf {
	if r.refs != nil {
		r.refs.Add(1)
	}
	return r
}

// Release decrements the reference count, reporting whether this call
// dropped it to zero (i.e. the caller that observes true is responsible
// for knowing no further references exist; the backing array is left for
// the garbage collector, matching Go idiom rather than a manual free).
func (r RefBuf) Release() bool {
	if r.refs == nil {
		return true
	}
	if r.refs.Add(-1) == 0 {
		refBufLiveCount.Add(-1)
		return true
	}
	return false
}
