// Package fake is an in-memory kernel.Port double, standing in for a real
// V4L2 subsystem in every package's tests and the end-to-end scheduler
// scenarios. A single Port simulates the whole kernel the way a single
// real ioctl/poll backend does: every method is keyed by the fd passed in,
// not by which BufferList happens to hold the Port reference, so one Port
// can back an entire multi-device graph exactly like kernel.NewLinux()
// does in production.
package fake

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocamera/pipeline/kernel"
)

// slot tracks one buffer's simulated kernel-side state. planeBytesUsed is
// only populated for an mplanes QBUF/DQBUF, kept separate from bytesUsed so
// a test can assert the two ioctl variants actually carry distinct data.
type slot struct {
	mem            []byte
	enqueued       bool
	bytesUsed      uint32
	planeBytesUsed uint32
	mplanes        bool
	dmaFD          int32
}

// State is one simulated device node's queue state and fault-injection
// knobs, reached via Port.State(fd). Exported fields let tests program
// ioctl failures deterministically (spec §8 scenarios).
type State struct {
	bufSize   uint32
	slots     map[uint32]*slot
	ready     map[uint32]bool
	streaming bool

	FailQueryBuffer map[uint32]error
	FailQueueBuffer error
	FailDequeue     error
	FailRequestBufs error
	FailStreamOn    error
	FailStreamOff   error
}

func newState() *State {
	return &State{slots: make(map[uint32]*slot), ready: make(map[uint32]bool)}
}

// Port is a single simulated kernel shared across every device fd in a
// test graph.
type Port struct {
	mu      sync.Mutex
	devices map[uintptr]*State

	// PollResult, when set, fully overrides Poll's default
	// readiness-driven behavior — used to drive POLLHUP/EINTR/timeout
	// scenarios deterministically (spec §8 scenario 6).
	PollResult func(fds []kernel.PollFD) error

	nextDMAFD int32
}

// New returns a fresh simulated kernel with no devices registered yet;
// device state is created lazily on first use of a given fd.
func New() *Port {
	return &Port{devices: make(map[uintptr]*State), nextDMAFD: 1000}
}

// State returns (creating if necessary) the simulated state for fd, for
// direct test manipulation (fault injection, Produce/Drain).
func (p *Port) State(fd uintptr) *State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked(fd)
}

func (p *Port) stateLocked(fd uintptr) *State {
	s, ok := p.devices[fd]
	if !ok {
		s = newState()
		p.devices[fd] = s
	}
	return s
}

func (p *Port) QueryCapabilities(fd uintptr) (kernel.Capability, error) {
	return kernel.Capability{Driver: "fake", Card: "fake-cam", CanCapture: true, CanOutput: true, CanStream: true}, nil
}

func (p *Port) SetFormat(fd uintptr, bt kernel.BufType, width, height, format, bpl uint32, mplanes bool) (kernel.NegotiatedFormat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	s.bufSize = width * height * 2
	if bpl != 0 {
		s.bufSize = bpl * height
	}
	return kernel.NegotiatedFormat{Width: width, Height: height, PixelFormat: format, BytesPerLine: bpl, SizeImage: s.bufSize}, nil
}

func (p *Port) RequestBuffers(fd uintptr, bt kernel.BufType, mem kernel.MemType, count uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	if s.FailRequestBufs != nil {
		return 0, s.FailRequestBufs
	}
	size := s.bufSize
	if size == 0 {
		size = 4096
	}
	for i := uint32(0); i < count; i++ {
		s.slots[i] = &slot{mem: make([]byte, size)}
	}
	return count, nil
}

func (p *Port) QueryBuffer(fd uintptr, bt kernel.BufType, index uint32, mplanes bool) (kernel.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	if err, ok := s.FailQueryBuffer[index]; ok && err != nil {
		return kernel.Descriptor{}, err
	}
	sl, ok := s.slots[index]
	if !ok {
		return kernel.Descriptor{}, fmt.Errorf("fake: query buffer %d: no such slot", index)
	}
	if mplanes {
		return kernel.Descriptor{
			Index:     index,
			BytesUsed: sl.planeBytesUsed,
			Length:    uint32(len(sl.mem)),
			Offset:    index,
			Planes:    []kernel.PlaneInfo{{BytesUsed: sl.planeBytesUsed, Length: uint32(len(sl.mem)), Offset: index}},
		}, nil
	}
	return kernel.Descriptor{Index: index, Length: uint32(len(sl.mem)), BytesUsed: sl.bytesUsed, Offset: index}, nil
}

func (p *Port) Mmap(fd uintptr, offset, length uint32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	sl, ok := s.slots[offset]
	if !ok {
		return nil, fmt.Errorf("fake: mmap: no slot at offset %d", offset)
	}
	return sl.mem, nil
}

func (p *Port) Munmap(region []byte) error { return nil }

func (p *Port) ExportDMAFD(fd uintptr, bt kernel.BufType, index uint32) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	sl, ok := s.slots[index]
	if !ok {
		return -1, fmt.Errorf("fake: export dma fd: no such slot %d", index)
	}
	if sl.dmaFD == 0 {
		p.nextDMAFD++
		sl.dmaFD = p.nextDMAFD
	}
	return sl.dmaFD, nil
}

func (p *Port) QueueBuffer(fd uintptr, bt kernel.BufType, mem kernel.MemType, desc kernel.Descriptor, mplanes bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	if s.FailQueueBuffer != nil {
		return s.FailQueueBuffer
	}
	sl, ok := s.slots[desc.Index]
	if !ok {
		return fmt.Errorf("fake: queue buffer %d: no such slot", desc.Index)
	}
	sl.enqueued = true
	sl.mplanes = mplanes
	if mplanes && len(desc.Planes) > 0 {
		sl.planeBytesUsed = desc.Planes[0].BytesUsed
	} else {
		sl.bytesUsed = desc.BytesUsed
	}
	delete(s.ready, desc.Index)
	return nil
}

func (p *Port) DequeueBuffer(fd uintptr, bt kernel.BufType, mem kernel.MemType, mplanes bool) (kernel.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	if s.FailDequeue != nil {
		return kernel.Descriptor{}, s.FailDequeue
	}
	for idx, r := range s.ready {
		if !r {
			continue
		}
		sl := s.slots[idx]
		sl.enqueued = false
		delete(s.ready, idx)
		if mplanes {
			return kernel.Descriptor{
				Index:     idx,
				BytesUsed: sl.planeBytesUsed,
				Length:    uint32(len(sl.mem)),
				Planes:    []kernel.PlaneInfo{{BytesUsed: sl.planeBytesUsed, Length: uint32(len(sl.mem))}},
			}, nil
		}
		return kernel.Descriptor{Index: idx, BytesUsed: sl.bytesUsed, Length: uint32(len(sl.mem))}, nil
	}
	return kernel.Descriptor{}, fmt.Errorf("fake: dequeue buffer: none ready")
}

func (p *Port) StreamOn(fd uintptr, bt kernel.BufType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	if s.FailStreamOn != nil {
		return s.FailStreamOn
	}
	s.streaming = true
	return nil
}

func (p *Port) StreamOff(fd uintptr, bt kernel.BufType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	if s.FailStreamOff != nil {
		return s.FailStreamOff
	}
	s.streaming = false
	return nil
}

// Poll reports PollIn/PollOut for each requested fd based on its
// simulated ready set, unless PollResult overrides the whole call.
func (p *Port) Poll(fds []kernel.PollFD, timeout time.Duration) error {
	if p.PollResult != nil {
		return p.PollResult(fds)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range fds {
		fds[i].Revents = 0
		s := p.stateLocked(fds[i].FD)
		for _, r := range s.ready {
			if !r {
				continue
			}
			if fds[i].Events&kernel.PollIn != 0 {
				fds[i].Revents |= kernel.PollIn
			}
			if fds[i].Events&kernel.PollOut != 0 {
				fds[i].Revents |= kernel.PollOut
			}
		}
	}
	return nil
}

// Produce marks index on device fd as holding a frame ready for DQBUF
// (capture direction POLLIN pathway), the way a real driver would after
// an ISR completes a capture. bytesUsed is reported back on DequeueBuffer.
func (p *Port) Produce(fd uintptr, index uint32, bytesUsed uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	if sl, ok := s.slots[index]; ok {
		sl.bytesUsed = bytesUsed
		s.ready[index] = true
	}
}

// ProduceMPlanes is Produce's multi-planar counterpart: it marks index
// ready with planeBytesUsed reported through the mplanes DQBUF path instead
// of the single-planar bytesUsed field.
func (p *Port) ProduceMPlanes(fd uintptr, index uint32, planeBytesUsed uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	if sl, ok := s.slots[index]; ok {
		sl.planeBytesUsed = planeBytesUsed
		s.ready[index] = true
	}
}

// Drain marks index on device fd as consumed/free for an output-direction
// sink, the way a real driver reports POLLOUT once it has
// displayed/encoded a frame.
func (p *Port) Drain(fd uintptr, index uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stateLocked(fd)
	s.ready[index] = true
}

// IsStreaming reports the last StreamOn/StreamOff call's effect on fd.
func (p *Port) IsStreaming(fd uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked(fd).streaming
}

var _ kernel.Port = (*Port)(nil)
