package buffer

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gocamera/pipeline/clock"
	"github.com/gocamera/pipeline/kernel"
)

// EnqueueResult mirrors the tri-state int the original enqueue returns:
// 1 (consumed a slot), 0 (would block, no slot free), -1 (format error).
type EnqueueResult int

const (
	EnqueueBlocked     EnqueueResult = 0
	EnqueueOK          EnqueueResult = 1
	EnqueueFormatError EnqueueResult = -1
)

// Option configures a BufferList at construction time.
type Option func(*BufferList)

// WithLogger attaches a structured logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(bl *BufferList) { bl.log = l }
}

// WithClock overrides the wall clock used for pacing; defaults to clock.Real().
func WithClock(c clock.Clock) Option {
	return func(bl *BufferList) { bl.clk = c }
}

// WithName attaches a label used for logging and metrics (e.g. "camera.capture").
func WithName(name string) Option {
	return func(bl *BufferList) { bl.name = name }
}

// Name returns the list's label, or "" if WithName was never applied.
func (bl *BufferList) Name() string { return bl.name }

// BufferList is a pool of N buffers bound to one kernel queue (spec §3,
// §4.2): a mmap-mode or DMA-mode, capture-direction or output-direction
// pool, with pacing state (fmt_interval_us/last_dequeued_us) for the
// scheduler's pacing gate (spec §4.5 step d).
type BufferList struct {
	mu     *sync.Mutex // process-wide pool mutex (spec §5), shared across every list in a graph
	port   kernel.Port
	log    *zap.Logger
	clk    clock.Clock

	name      string
	fd        uintptr
	device    DeviceHandle
	doMMAP    bool
	doCapture bool
	doMPlanes bool
	streaming bool

	bufs []*Buffer

	fmtWidth, fmtHeight, fmtBPL uint32
	fmtFormat                  uint32
	intervalUs                 int64

	lastDequeuedUs int64
	frames         uint64
}

// New creates a BufferList bound to fd via port. mu is the shared
// process-wide pool mutex (one per graph/process; one per test graph in
// tests) — spec §5 mandates a single lock across all buffer ref-count
// mutation, so every list constructed for the same graph must share it.
func New(port kernel.Port, fd uintptr, device DeviceHandle, mu *sync.Mutex, mmapMode, capture, mplanes bool, opts ...Option) *BufferList {
	bl := &BufferList{
		mu:        mu,
		port:      port,
		fd:        fd,
		device:    device,
		doMMAP:    mmapMode,
		doCapture: capture,
		doMPlanes: mplanes,
		log:       zap.NewNop(),
		clk:       clock.Real(),
	}
	for _, opt := range opts {
		opt(bl)
	}
	return bl
}

func (bl *BufferList) bufType() kernel.BufType {
	if bl.doCapture {
		return kernel.BufTypeCapture
	}
	return kernel.BufTypeOutput
}

// SetFormat negotiates width/height/pixel format/bytes-per-line with the
// kernel (spec §4.2 set_format), rejecting a zero negotiated size image as
// an invalid configuration (spec §7 Config).
func (bl *BufferList) SetFormat(width, height, format, bpl uint32) error {
	neg, err := bl.port.SetFormat(bl.fd, bl.bufType(), width, height, format, bpl, bl.doMPlanes)
	if err != nil {
		return fmt.Errorf("bufferlist: set format: %w: %w", KernelIO, err)
	}
	if neg.SizeImage == 0 {
		return fmt.Errorf("bufferlist: set format: negotiated zero size image: %w", Config)
	}
	bl.fmtWidth, bl.fmtHeight, bl.fmtFormat, bl.fmtBPL = neg.Width, neg.Height, neg.PixelFormat, neg.BytesPerLine
	return nil
}

// SetBuffers requests n buffers from the kernel (REQBUFS), maps or exports
// each slot (spec §4.2 set_buffers / Lifecycle), and populates the pool.
func (bl *BufferList) SetBuffers(n uint32) error {
	mem := kernel.MemTypeMMAP
	if !bl.doMMAP {
		mem = kernel.MemTypeDMABuf
	}
	count, err := bl.port.RequestBuffers(bl.fd, bl.bufType(), mem, n)
	if err != nil {
		return fmt.Errorf("bufferlist: request buffers: %w: %w", KernelIO, err)
	}

	bufs := make([]*Buffer, 0, count)
	for i := uint32(0); i < count; i++ {
		desc, err := bl.port.QueryBuffer(bl.fd, bl.bufType(), i, bl.doMPlanes)
		if err != nil {
			return fmt.Errorf("bufferlist: query buffer %d: %w: %w", i, KernelIO, err)
		}
		b := &Buffer{index: i, length: desc.Length, dmaFD: -1, list: bl}
		if bl.doMMAP {
			region, err := bl.port.Mmap(bl.fd, desc.Offset, desc.Length)
			if err != nil {
				return fmt.Errorf("bufferlist: mmap buffer %d: %w: %w", i, KernelIO, err)
			}
			b.start = region
		} else {
			fd, err := bl.port.ExportDMAFD(bl.fd, bl.bufType(), i)
			if err != nil {
				return fmt.Errorf("bufferlist: export dma fd %d: %w: %w", i, KernelIO, err)
			}
			b.dmaFD = fd
		}
		bufs = append(bufs, b)
	}
	bl.bufs = bufs
	return nil
}

// SetInterval sets the pacing gate's minimum inter-dequeue spacing in
// microseconds (0 disables pacing).
func (bl *BufferList) SetInterval(intervalUs int64) { bl.intervalUs = intervalUs }

// IntervalUs returns the configured pacing interval.
func (bl *BufferList) IntervalUs() int64 { return bl.intervalUs }

// LastDequeuedUs returns the monotonic microsecond timestamp of the last
// successful source dequeue.
func (bl *BufferList) LastDequeuedUs() int64 { return bl.lastDequeuedUs }

// PacingGate evaluates the scheduler's pacing gate (spec §4.5 step d):
// canDequeue is false while less than IntervalUs has elapsed since the
// last dequeue, in which case remaining is how long until it would open —
// the scheduler shrinks its poll timeout to this value.
func (bl *BufferList) PacingGate() (canDequeue bool, remaining time.Duration) {
	if bl.intervalUs <= 0 {
		return true, 0
	}
	elapsed := bl.clk.NowUs() - bl.lastDequeuedUs
	if elapsed >= bl.intervalUs {
		return true, 0
	}
	return false, time.Duration(bl.intervalUs-elapsed) * time.Microsecond
}

// MarkDequeued stamps the pacing clock after a successful source dequeue.
func (bl *BufferList) MarkDequeued() { bl.lastDequeuedUs = bl.clk.NowUs() }

// FD returns the kernel queue's file descriptor.
func (bl *BufferList) FD() uintptr { return bl.fd }

// Device returns the owning device handle.
func (bl *BufferList) Device() DeviceHandle { return bl.device }

// NBufs returns the pool size.
func (bl *BufferList) NBufs() int { return len(bl.bufs) }

// IsCapture reports whether this list is a capture-direction (source-side)
// pool rather than an output-direction (sink-side) one.
func (bl *BufferList) IsCapture() bool { return bl.doCapture }

// IsMMAP reports whether this list shares buffers by memcpy rather than fd
// passing.
func (bl *BufferList) IsMMAP() bool { return bl.doMMAP }

// Streaming reports whether STREAMON has been issued without a matching
// STREAMOFF.
func (bl *BufferList) Streaming() bool { return bl.streaming }

// Frames returns the lifetime count of successful dequeues.
func (bl *BufferList) Frames() uint64 { return bl.frames }

// SetStream issues STREAMON/STREAMOFF (spec §4.2 set_stream).
func (bl *BufferList) SetStream(on bool) error {
	var err error
	if on {
		err = bl.port.StreamOn(bl.fd, bl.bufType())
	} else {
		err = bl.port.StreamOff(bl.fd, bl.bufType())
	}
	if err != nil {
		return fmt.Errorf("bufferlist: set stream %v: %w: %w", on, KernelIO, err)
	}
	bl.streaming = on
	return nil
}

// FindSlot returns the first buffer currently owned by user-space, or nil
// if every slot is enqueued (spec §4.2 find_slot).
func (bl *BufferList) FindSlot() *Buffer {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.findSlotLocked()
}

func (bl *BufferList) findSlotLocked() *Buffer {
	for _, b := range bl.bufs {
		if !b.enqueued {
			return b
		}
	}
	return nil
}

// CountEnqueued returns the number of buffers currently owned by the
// kernel (spec §4.2 count_enqueued).
func (bl *BufferList) CountEnqueued() int {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	n := 0
	for _, b := range bl.bufs {
		if b.enqueued {
			n++
		}
	}
	return n
}

// Enqueue takes an upstream, user-owned source buffer and places it into
// this list's pool (spec §4.2 enqueue / §4.6). In mmap mode the payload is
// copied into a free slot; in DMA mode the slot borrows the source's fd and
// takes a reference on it. Either way the slot is handed to Consumed, which
// performs the actual QBUF.
func (bl *BufferList) Enqueue(src *Buffer) (EnqueueResult, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	slot := bl.findSlotLocked()
	if slot == nil {
		return EnqueueBlocked, nil
	}

	if bl.doMMAP {
		if src.used > slot.length {
			bl.log.Error("enqueue: source payload exceeds sink capacity",
				zap.Uint32("used", src.used), zap.Uint32("capacity", slot.length))
			return EnqueueFormatError, fmt.Errorf("bufferlist: enqueue: %d > %d: %w", src.used, slot.length, CapacityExceeded)
		}
		copy(slot.start, src.start[:src.used])
	} else {
		slot.mmapSource = src
		if err := src.useLocked(); err != nil {
			// src was already re-enqueued between FindSlot and here; the
			// source-dequeue pathway holds a ref across the whole fan-out
			// so this should not happen, but surface it rather than lie.
			slot.mmapSource = nil
			return EnqueueBlocked, fmt.Errorf("bufferlist: enqueue: source ref: %w", err)
		}
	}

	slot.used = src.used
	// consumedLocked's own error is intentionally not propagated: per the
	// original enqueue, a slot is considered consumed once selected and
	// populated, regardless of whether the subsequent QBUF succeeds — QBUF
	// failure is handled (upstream ref release) inside consumedLocked
	// itself.
	_ = slot.consumedLocked()
	return EnqueueOK, nil
}

// Dequeue issues DQBUF, updates the returned buffer's state and (for a
// DMA-mode pass-through) releases the upstream reference it was forwarding
// (spec §4.2 dequeue).
func (bl *BufferList) Dequeue() (*Buffer, error) {
	mem := kernel.MemTypeMMAP
	if !bl.doMMAP {
		mem = kernel.MemTypeDMABuf
	}
	desc, err := bl.port.DequeueBuffer(bl.fd, bl.bufType(), mem, bl.doMPlanes)
	if err != nil {
		return nil, fmt.Errorf("bufferlist: dequeue: %w: %w", KernelIO, err)
	}

	bl.mu.Lock()
	defer bl.mu.Unlock()

	if int(desc.Index) >= len(bl.bufs) {
		return nil, fmt.Errorf("bufferlist: dequeue: kernel index %d out of range: %w", desc.Index, KernelIO)
	}
	b := bl.bufs[desc.Index]
	b.used = desc.BytesUsed
	b.enqueued = false
	b.mmapRefs = 1

	if b.mmapSource != nil {
		former := b.mmapSource
		former.used = 0
		b.mmapSource = nil
		_ = former.consumedLocked()
	}

	bl.frames++
	return b, nil
}

// RefreshStates is a diagnostic probe (spec §4.2 refresh_states, §9 Open
// Question): it QUERYBUFs every slot, logging flags and offset, and
// returns the first real ioctl error it encounters rather than
// unconditionally failing.
func (bl *BufferList) RefreshStates() error {
	var first error
	for _, b := range bl.bufs {
		desc, err := bl.port.QueryBuffer(bl.fd, bl.bufType(), b.index, bl.doMPlanes)
		if err != nil {
			bl.log.Warn("refresh_states: querybuf failed", zap.Uint32("index", b.index), zap.Error(err))
			if first == nil {
				first = fmt.Errorf("bufferlist: refresh_states: index %d: %w: %w", b.index, KernelIO, err)
			}
			continue
		}
		bl.log.Debug("refresh_states",
			zap.Uint32("index", b.index), zap.Uint32("flags", desc.Flags), zap.Uint32("offset", desc.Offset))
	}
	return first
}

// Close unmaps every mmap-mode region. DMA-mode exported fds are owned by
// the kernel driver's dma_buf allocator and need no explicit release here.
func (bl *BufferList) Close() error {
	if !bl.doMMAP {
		return nil
	}
	var first error
	for _, b := range bl.bufs {
		if b.start == nil {
			continue
		}
		if err := bl.port.Munmap(b.start); err != nil && first == nil {
			first = fmt.Errorf("bufferlist: close: munmap index %d: %w: %w", b.index, KernelIO, err)
		}
	}
	return first
}
