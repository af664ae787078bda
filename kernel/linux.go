//go:build linux

package kernel

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// V4L2 ioctl numbers and buffer-type/memory-type constants, ported from
// go4vl/v4l2/ioctl.go and v4l2/streaming.go (videodev2.h). Kept as plain Go
// constants rather than cgo so this package builds with only golang.org/x/sys.
const (
	vidiocQueryCap   = 0x80685600
	vidiocEnumFmt    = 0xc0405602
	vidiocGFmt       = 0xc0d05604
	vidiocSFmt       = 0xc0d05605
	vidiocReqBufs    = 0xc0145608
	vidiocQueryBuf   = 0xc0585609
	vidiocQBuf       = 0xc058560f
	vidiocDQBuf      = 0xc0585611
	vidiocStreamOn   = 0x40045612
	vidiocStreamOff  = 0x40045613
	vidiocExpBuf     = 0xc0405610

	v4l2BufTypeVideoCapture       = 1
	v4l2BufTypeVideoOutput        = 2
	v4l2BufTypeVideoCaptureMPlane = 9
	v4l2BufTypeVideoOutputMPlane  = 10

	v4l2MemoryMMAP   = 1
	v4l2MemoryDMABuf = 4
)

func rawBufType(bt BufType, mplanes bool) uint32 {
	switch {
	case bt == BufTypeCapture && mplanes:
		return v4l2BufTypeVideoCaptureMPlane
	case bt == BufTypeCapture:
		return v4l2BufTypeVideoCapture
	case mplanes:
		return v4l2BufTypeVideoOutputMPlane
	default:
		return v4l2BufTypeVideoOutput
	}
}

func rawMemType(mem MemType) uint32 {
	if mem == MemTypeDMABuf {
		return v4l2MemoryDMABuf
	}
	return v4l2MemoryMMAP
}

// linuxPort implements Port against a real /dev/videoN node via ioctl,
// mmap and poll — the concrete counterpart to kernel/fake's test double.
type linuxPort struct{}

// NewLinux returns the concrete Port backed by Linux V4L2 ioctls.
func NewLinux() Port { return linuxPort{} }

func ioctl(fd, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// v4l2Capability mirrors struct v4l2_capability's leading fields.
type v4l2Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

const (
	capVideoCapture = 0x00000001
	capVideoOutput  = 0x00000002
	capStreaming    = 0x04000000
)

func (linuxPort) QueryCapabilities(fd uintptr) (Capability, error) {
	var c v4l2Capability
	if err := ioctl(fd, vidiocQueryCap, unsafe.Pointer(&c)); err != nil {
		return Capability{}, fmt.Errorf("kernel: query capabilities: %w", err)
	}
	return Capability{
		Driver:     cString(c.Driver[:]),
		Card:       cString(c.Card[:]),
		CanCapture: c.Capabilities&capVideoCapture != 0,
		CanOutput:  c.Capabilities&capVideoOutput != 0,
		CanStream:  c.Capabilities&capStreaming != 0,
	}, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// v4l2PixFormat mirrors struct v4l2_format with its union read as the
// single-planar arm: 208 bytes on 64-bit targets, the size vidiocSFmt
// encodes, with the union starting 8-byte aligned after Type.
type v4l2PixFormat struct {
	Type         uint32
	_            uint32
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Rest         [176]byte
}

func (linuxPort) SetFormat(fd uintptr, bt BufType, width, height, format, bpl uint32, mplanes bool) (NegotiatedFormat, error) {
	var f v4l2PixFormat
	f.Type = rawBufType(bt, mplanes)
	f.Width, f.Height, f.PixelFormat, f.BytesPerLine = width, height, format, bpl
	if err := ioctl(fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return NegotiatedFormat{}, fmt.Errorf("kernel: set format: %w", err)
	}
	return NegotiatedFormat{Width: f.Width, Height: f.Height, PixelFormat: f.PixelFormat, BytesPerLine: f.BytesPerLine, SizeImage: f.SizeImage}, nil
}

// v4l2RequestBuffers mirrors struct v4l2_requestbuffers.
type v4l2RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	_            [1]uint32
}

func (linuxPort) RequestBuffers(fd uintptr, bt BufType, mem MemType, count uint32) (uint32, error) {
	req := v4l2RequestBuffers{Count: count, Type: rawBufType(bt, false), Memory: rawMemType(mem)}
	if err := ioctl(fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("kernel: request buffers: %w", err)
	}
	return req.Count, nil
}

// v4l2Plane mirrors struct v4l2_plane's leading fields. Its own union m
// (mem_offset/userptr/fd) is pointer-width, matching the real kernel
// struct's layout on 64-bit targets.
type v4l2Plane struct {
	BytesUsed  uint32
	Length     uint32
	M          uint64 // union m: mem_offset, userptr, or (as int32) a DMA fd
	DataOffset uint32
	Reserved   [11]uint32
}

// v4l2Buffer mirrors the fields of struct v4l2_buffer the core needs. M is
// the union m (offset/userptr/fd/*planes); it must be pointer-width since
// the multi-planar arm carries a pointer to a v4l2Plane array, not just a
// 32-bit offset or fd.
type v4l2Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	_         uint32 // struct timeval is 8-byte aligned on 64-bit targets
	Timestamp [16]byte
	Timecode  [16]byte
	Sequence  uint32
	Memory    uint32
	M         uint64 // union m: offset, userptr, fd, or *planes
	Length    uint32
	Reserved2 uint32
	RequestFD int32
}

func (linuxPort) QueryBuffer(fd uintptr, bt BufType, index uint32, mplanes bool) (Descriptor, error) {
	var b v4l2Buffer
	b.Type = rawBufType(bt, mplanes)
	b.Index = index
	var planes [1]v4l2Plane
	if mplanes {
		b.Length = uint32(len(planes))
		b.M = uint64(uintptr(unsafe.Pointer(&planes[0])))
	}
	if err := ioctl(fd, vidiocQueryBuf, unsafe.Pointer(&b)); err != nil {
		return Descriptor{}, fmt.Errorf("kernel: query buffer %d: %w", index, err)
	}
	if mplanes {
		return Descriptor{
			Index:     b.Index,
			BytesUsed: planes[0].BytesUsed,
			Length:    planes[0].Length,
			Offset:    uint32(planes[0].M),
			Flags:     b.Flags,
			Planes:    []PlaneInfo{{BytesUsed: planes[0].BytesUsed, Length: planes[0].Length, Offset: uint32(planes[0].M)}},
		}, nil
	}
	return Descriptor{Index: b.Index, BytesUsed: b.BytesUsed, Length: b.Length, Offset: uint32(b.M), Flags: b.Flags}, nil
}

func (linuxPort) Mmap(fd uintptr, offset, length uint32) ([]byte, error) {
	data, err := unix.Mmap(int(fd), int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("kernel: mmap: %w", err)
	}
	return data, nil
}

func (linuxPort) Munmap(region []byte) error {
	if err := unix.Munmap(region); err != nil {
		return fmt.Errorf("kernel: munmap: %w", err)
	}
	return nil
}

// v4l2ExportBuffer mirrors struct v4l2_exportbuffer.
type v4l2ExportBuffer struct {
	Type    uint32
	Index   uint32
	Plane   uint32
	Flags   uint32
	FD      int32
	_       [11]uint32
}

func (linuxPort) ExportDMAFD(fd uintptr, bt BufType, index uint32) (int32, error) {
	eb := v4l2ExportBuffer{Type: rawBufType(bt, false), Index: index}
	if err := ioctl(fd, vidiocExpBuf, unsafe.Pointer(&eb)); err != nil {
		return -1, fmt.Errorf("kernel: export dma fd %d: %w", index, err)
	}
	return eb.FD, nil
}

func (linuxPort) QueueBuffer(fd uintptr, bt BufType, mem MemType, desc Descriptor, mplanes bool) error {
	var b v4l2Buffer
	b.Type = rawBufType(bt, mplanes)
	b.Memory = rawMemType(mem)
	b.Index = desc.Index

	if mplanes {
		var planes [1]v4l2Plane
		if len(desc.Planes) > 0 {
			p := desc.Planes[0]
			planes[0].BytesUsed = p.BytesUsed
			planes[0].Length = p.Length
			if mem == MemTypeDMABuf {
				planes[0].M = uint64(uint32(p.FD))
			} else {
				planes[0].M = uint64(p.Offset)
			}
		}
		b.Length = uint32(len(planes))
		b.M = uint64(uintptr(unsafe.Pointer(&planes[0])))
		if err := ioctl(fd, vidiocQBuf, unsafe.Pointer(&b)); err != nil {
			return fmt.Errorf("kernel: queue buffer %d: %w", desc.Index, err)
		}
		return nil
	}

	b.BytesUsed = desc.BytesUsed
	if mem == MemTypeDMABuf {
		b.M = uint64(uint32(desc.FD))
	}
	if err := ioctl(fd, vidiocQBuf, unsafe.Pointer(&b)); err != nil {
		return fmt.Errorf("kernel: queue buffer %d: %w", desc.Index, err)
	}
	return nil
}

func (linuxPort) DequeueBuffer(fd uintptr, bt BufType, mem MemType, mplanes bool) (Descriptor, error) {
	var b v4l2Buffer
	b.Type = rawBufType(bt, mplanes)
	b.Memory = rawMemType(mem)

	if mplanes {
		var planes [1]v4l2Plane
		b.Length = uint32(len(planes))
		b.M = uint64(uintptr(unsafe.Pointer(&planes[0])))
		if err := ioctl(fd, vidiocDQBuf, unsafe.Pointer(&b)); err != nil {
			return Descriptor{}, fmt.Errorf("kernel: dequeue buffer: %w", err)
		}
		return Descriptor{
			Index:     b.Index,
			BytesUsed: planes[0].BytesUsed,
			Length:    planes[0].Length,
			Flags:     b.Flags,
			Planes:    []PlaneInfo{{BytesUsed: planes[0].BytesUsed, Length: planes[0].Length, Offset: uint32(planes[0].M)}},
		}, nil
	}

	if err := ioctl(fd, vidiocDQBuf, unsafe.Pointer(&b)); err != nil {
		return Descriptor{}, fmt.Errorf("kernel: dequeue buffer: %w", err)
	}
	return Descriptor{Index: b.Index, BytesUsed: b.BytesUsed, Length: b.Length, Flags: b.Flags}, nil
}

func (linuxPort) StreamOn(fd uintptr, bt BufType) error {
	t := rawBufType(bt, false)
	if err := ioctl(fd, vidiocStreamOn, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("kernel: stream on: %w", err)
	}
	return nil
}

func (linuxPort) StreamOff(fd uintptr, bt BufType) error {
	t := rawBufType(bt, false)
	if err := ioctl(fd, vidiocStreamOff, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("kernel: stream off: %w", err)
	}
	return nil
}

// OpenDeviceFD opens a V4L2 character device node for streaming I/O,
// ported from go4vl/v4l2/syscalls.go's OpenDevice: O_RDWR|O_NONBLOCK,
// retried across EINTR.
func OpenDeviceFD(path string) (uintptr, error) {
	for {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("kernel: open %s: %w", path, err)
		}
		return uintptr(fd), nil
	}
}

// CloseDeviceFD closes a file descriptor opened by OpenDeviceFD.
func CloseDeviceFD(fd uintptr) error {
	if err := unix.Close(int(fd)); err != nil {
		return fmt.Errorf("kernel: close: %w", err)
	}
	return nil
}

func (linuxPort) Poll(fds []PollFD, timeout time.Duration) error {
	raw := make([]unix.PollFd, len(fds))
	for i, f := range fds {
		var events int16
		if f.Events&PollIn != 0 {
			events |= unix.POLLIN
		}
		if f.Events&PollOut != 0 {
			events |= unix.POLLOUT
		}
		if f.Events&PollHUp != 0 {
			events |= unix.POLLHUP
		}
		raw[i] = unix.PollFd{Fd: int32(f.FD), Events: events}
	}

	timeoutMs := int(timeout.Milliseconds())
	if timeout < 0 {
		timeoutMs = -1
	}

	for {
		_, err := unix.Poll(raw, timeoutMs)
		if err == unix.EINTR {
			// spec §4.5 Phase 2: EINTR is "no events", not an error; retry
			// with the same timeout is the poll(2) contract, but the
			// scheduler treats a returned nil error plus cleared revents
			// as "nothing happened this tick" so we just fall through.
			for i := range fds {
				fds[i].Revents = 0
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("kernel: poll: %w", err)
		}
		break
	}

	for i, r := range raw {
		var rev PollEvent
		if r.Revents&unix.POLLIN != 0 {
			rev |= PollIn
		}
		if r.Revents&unix.POLLOUT != 0 {
			rev |= PollOut
		}
		if r.Revents&unix.POLLHUP != 0 {
			rev |= PollHUp
		}
		if r.Revents&unix.POLLERR != 0 {
			rev |= PollErr
		}
		fds[i].Revents = rev
	}
	return nil
}
