// Package kernel defines the abstract surface the buffer-queue core invokes
// for QBUF/DQBUF/QUERYBUF/STREAMON/STREAMOFF/poll (spec §6.1), plus one
// concrete V4L2 ioctl-backed implementation (linux.go) grounded in
// go4vl/v4l2's ioctl encoding and syscall wrappers. Tests drive the core
// against kernel/fake instead.
package kernel

import "time"

// BufType selects which direction a queue serves: capture (frames flowing
// out of the kernel into user space) or output (frames flowing in).
type BufType uint32

const (
	BufTypeCapture BufType = iota
	BufTypeOutput
)

// MemType selects how buffer memory is shared with the kernel queue.
type MemType uint32

const (
	MemTypeMMAP MemType = iota
	MemTypeDMABuf
)

// PlaneInfo carries one plane's used/length/offset/fd, for the multi-planar
// API variant. Single-planar lists leave Descriptor.Planes nil and use the
// top-level fields instead. This module models exactly one plane per
// multi-planar buffer (the common case for single-plane-encoded pixel
// formats queued through the mplanes ioctl variant); chroma-separated
// multi-plane formats (e.g. NV12 queued as two distinct planes) are out of
// scope.
type PlaneInfo struct {
	BytesUsed uint32
	Length    uint32
	Offset    uint32
	FD        int32
}

// Descriptor mirrors a v4l2_buffer — plus, when Planes is non-empty, its
// v4l2_plane array — as exchanged with QUERYBUF/QBUF/DQBUF.
type Descriptor struct {
	Index     uint32
	BytesUsed uint32
	Length    uint32
	Offset    uint32
	FD        int32 // DMA fd: exported on QUERYBUF, or supplied by the caller on QBUF for a DMA import
	Flags     uint32
	Planes    []PlaneInfo
}

// NegotiatedFormat is what the driver actually agreed to after SetFormat,
// which may differ from the request (stride/size driver overrides).
type NegotiatedFormat struct {
	Width, Height uint32
	PixelFormat   uint32
	BytesPerLine  uint32
	SizeImage     uint32
}

// Capability mirrors the subset of VIDIOC_QUERYCAP the core cares about.
type Capability struct {
	Driver       string
	Card         string
	CanCapture   bool
	CanOutput    bool
	CanStream    bool
}

// PollEvent is a bitmask mirroring POLLIN/POLLOUT/POLLHUP/POLLERR.
type PollEvent uint32

const (
	PollIn PollEvent = 1 << iota
	PollOut
	PollHUp
	PollErr
)

// PollFD is one entry of a poll(2) request against a device fd.
type PollFD struct {
	FD      uintptr
	Events  PollEvent
	Revents PollEvent
}

// Port is the abstract kernel I/O surface the buffer-queue core is built
// against (spec §6.1). The only concrete implementation shipped is the
// Linux V4L2 ioctl backend in linux.go; kernel/fake provides a test double.
type Port interface {
	QueryCapabilities(fd uintptr) (Capability, error)
	SetFormat(fd uintptr, bt BufType, width, height, format, bpl uint32, mplanes bool) (NegotiatedFormat, error)
	RequestBuffers(fd uintptr, bt BufType, mem MemType, count uint32) (uint32, error)
	QueryBuffer(fd uintptr, bt BufType, index uint32, mplanes bool) (Descriptor, error)
	Mmap(fd uintptr, offset, length uint32) ([]byte, error)
	Munmap(region []byte) error
	ExportDMAFD(fd uintptr, bt BufType, index uint32) (int32, error)
	QueueBuffer(fd uintptr, bt BufType, mem MemType, desc Descriptor, mplanes bool) error
	DequeueBuffer(fd uintptr, bt BufType, mem MemType, mplanes bool) (Descriptor, error)
	StreamOn(fd uintptr, bt BufType) error
	StreamOff(fd uintptr, bt BufType) error
	// Poll blocks until one of fds is ready or timeout elapses, filling in
	// Revents in place. A negative timeout blocks indefinitely. EINTR is
	// swallowed and reported as a no-event return (spec §4.5 Phase 2).
	Poll(fds []PollFD, timeout time.Duration) error
}
