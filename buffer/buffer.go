// Package buffer implements the reference-counted frame slot and its pool
// (spec §3, §4.1, §4.2): one Buffer per kernel queue entry, shared across
// pipeline stages either by memcpy (mmap mode) or by dma_buf fd passing
// (DMA mode), with ownership tracked so a slot re-enters the kernel queue
// exactly once every downstream reference has been released.
package buffer

import (
	"fmt"

	"github.com/gocamera/pipeline/kernel"
)

// DeviceHandle is the minimal view buffer needs of the Device that owns a
// BufferList's kernel fd — pause state and its paired output device — kept
// as a small interface here rather than importing the device package, to
// avoid a buffer<->device import cycle (device.Device implements this).
type DeviceHandle interface {
	FD() uintptr
	Paused() bool
	SetPaused(bool)
	OutputHandle() DeviceHandle
}

// Buffer is one slot of a BufferList's pool (spec §3). All ref-count fields
// are mutated only while the owning list's pool mutex is held.
type Buffer struct {
	index uint32
	length uint32
	used   uint32
	start  []byte // mmap-mode mapped region; nil in DMA mode
	dmaFD  int32  // this slot's own persistent DMA export; -1 in mmap mode

	enqueued   bool
	mmapRefs   int
	mmapSource *Buffer // non-owning; set only in DMA mode while forwarding

	list *BufferList
}

// Index returns the buffer's stable slot identifier within its pool.
func (b *Buffer) Index() uint32 { return b.index }

// Length returns the mapped region's capacity in bytes.
func (b *Buffer) Length() uint32 { return b.length }

// Used returns the payload size of the frame currently carried.
func (b *Buffer) Used() uint32 {
	b.list.mu.Lock()
	defer b.list.mu.Unlock()
	return b.used
}

// Start returns the mmap-mode backing memory. Reading it while the buffer
// is enqueued violates invariant 4 (spec §3) and is the caller's mistake to
// avoid — Buffer does not itself gate reads, matching the source's raw
// pointer semantics.
func (b *Buffer) Start() []byte { return b.start }

// DMAFD returns this slot's own exported DMA handle (DMA mode only).
func (b *Buffer) DMAFD() int32 { return b.dmaFD }

// Enqueued reports whether the kernel currently owns this buffer.
func (b *Buffer) Enqueued() bool {
	b.list.mu.Lock()
	defer b.list.mu.Unlock()
	return b.enqueued
}

// RefCount returns the current mmap_reflinks count.
func (b *Buffer) RefCount() int {
	b.list.mu.Lock()
	defer b.list.mu.Unlock()
	return b.mmapRefs
}

// Use acquires a downstream reference on buf (spec §4.1 use). Requires the
// buffer to be currently user-owned; fails with InvalidState once the
// buffer has been re-enqueued to the kernel.
func (b *Buffer) Use() error {
	b.list.mu.Lock()
	defer b.list.mu.Unlock()
	return b.useLocked()
}

func (b *Buffer) useLocked() error {
	if b.enqueued {
		return fmt.Errorf("buffer %d: use: %w", b.index, InvalidState)
	}
	b.mmapRefs++
	return nil
}

// Consumed releases one reference on buf (spec §4.1 consumed). When the
// last reference drops and the buffer is not already enqueued, this is the
// point the buffer is resubmitted to the kernel via QBUF — coupling ref
// release to requeue so a buffer never idles unenqueued with zero refs.
func (b *Buffer) Consumed() error {
	b.list.mu.Lock()
	defer b.list.mu.Unlock()
	return b.consumedLocked()
}

func (b *Buffer) consumedLocked() error {
	if b.mmapRefs > 0 {
		b.mmapRefs--
	}
	if b.enqueued || b.mmapRefs > 0 {
		return nil
	}

	desc := kernel.Descriptor{Index: b.index, BytesUsed: b.used, Length: b.length}
	if b.list.doMMAP {
		// nothing further to set; memory already holds the payload
	} else {
		fd := int32(-1)
		if b.mmapSource != nil {
			fd = b.mmapSource.dmaFD
		} else {
			fd = b.dmaFD
		}
		desc.FD = fd
	}
	if b.list.doMPlanes {
		desc.Planes = []kernel.PlaneInfo{{BytesUsed: b.used, Length: b.length, FD: desc.FD}}
	}

	mem := kernel.MemTypeMMAP
	if !b.list.doMMAP {
		mem = kernel.MemTypeDMABuf
	}

	err := b.list.port.QueueBuffer(b.list.fd, b.list.bufType(), mem, desc, b.list.doMPlanes)
	if err != nil {
		former := b.mmapSource
		b.mmapSource = nil
		if former != nil {
			_ = former.consumedLocked()
		}
		return fmt.Errorf("buffer %d: consumed: qbuf: %w: %w", b.index, KernelIO, err)
	}
	b.enqueued = true
	return nil
}
