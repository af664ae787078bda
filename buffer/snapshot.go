package buffer

import (
	"sync"
	"sync/atomic"
)

// FramePool is a sync.Pool-backed byte-slice recycler for consumer
// callbacks that need to copy a frame out of a Buffer's mapped region
// (spec §6.2) without an allocation on every tick. Adapted from go4vl's
// device.FramePool for the snapshot helper below; unrelated to the kernel
// buffer pool the rest of this package manages.
type FramePool struct {
	pool       sync.Pool
	defaultCap int

	gets, puts, allocs atomic.Int64
}

// NewFramePool creates a pool whose buffers start at defaultCapacity bytes.
func NewFramePool(defaultCapacity int) *FramePool {
	fp := &FramePool{defaultCap: defaultCapacity}
	fp.pool.New = func() any {
		fp.allocs.Add(1)
		b := make([]byte, 0, fp.defaultCap)
		return &b
	}
	return fp
}

// Get returns a buffer of exactly size bytes, reusing pooled capacity when
// possible.
func (fp *FramePool) Get(size int) []byte {
	fp.gets.Add(1)
	bufPtr := fp.pool.Get().(*[]byte)
	if cap(*bufPtr) < size {
		*bufPtr = make([]byte, size)
	} else {
		*bufPtr = (*bufPtr)[:size]
	}
	return *bufPtr
}

// Put returns buf to the pool.
func (fp *FramePool) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	fp.puts.Add(1)
	buf = buf[:0]
	fp.pool.Put(&buf)
}

// Snapshot copies buf's current payload into a pooled buffer while holding
// a live reference, the pattern a link's on_buffer callback (spec §4.4,
// §6.2) must follow: Use before touching Start, Consumed exactly once
// afterward. It is a convenience for the common "copy out and hand to an
// HTTP writer" case; a consumer that needs to retain the buffer itself
// (rather than a copy) should call Use/Consumed directly instead.
func Snapshot(buf *Buffer, pool *FramePool) ([]byte, error) {
	if err := buf.Use(); err != nil {
		return nil, err
	}
	defer buf.Consumed()

	used := buf.Used()
	out := pool.Get(int(used))
	copy(out, buf.Start()[:used])
	return out, nil
}
