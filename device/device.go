// Package device implements the kernel video node handle that aggregates
// one capture BufferList and one output BufferList and tracks pause state
// (spec §3 Device, §4.3), grounded in go4vl/device's Open/Close/Start shape
// but generalized from go4vl's single capture channel to the paired
// capture+output, pausable node this spec's Device needs.
package device

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gocamera/pipeline/buffer"
	"github.com/gocamera/pipeline/clock"
	"github.com/gocamera/pipeline/kernel"
)

// Option configures a Device at Open time.
type Option func(*Device)

// WithLogger attaches a structured logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithClock overrides the wall clock its BufferLists use for pacing.
func WithClock(c clock.Clock) Option {
	return func(d *Device) { d.clk = c }
}

// WithPoolMutex shares a process-wide pool mutex (spec §5) across this
// device's lists and any other device in the same graph. When omitted, a
// private mutex is allocated — fine for a single-device test, wrong for a
// real graph where every list must share one lock.
func WithPoolMutex(mu *sync.Mutex) Option {
	return func(d *Device) { d.mu = mu }
}

// Device is an open handle over a kernel video node (spec §4.3): up to one
// capture BufferList, up to one output BufferList, and a pause flag shared
// with an optional paired OutputDevice (an ISP or codec presenting capture
// and output as separate nodes, per SPEC_FULL.md §12).
type Device struct {
	fd   uintptr
	name string
	port kernel.Port
	log  *zap.Logger
	clk  clock.Clock
	mu   *sync.Mutex

	paused bool

	capture *buffer.BufferList
	output  *buffer.BufferList

	outputDevice *Device
}

// Open binds a Device to fd (already opened by the caller against a real
// /dev/videoN node or a fake.Port's simulated one — this package does not
// itself open character devices, matching the spec's scope of "an open
// handle over a kernel video node" rather than device discovery).
func Open(name string, fd uintptr, port kernel.Port, opts ...Option) (*Device, error) {
	if _, err := port.QueryCapabilities(fd); err != nil {
		return nil, fmt.Errorf("device %s: open: %w: %w", name, buffer.KernelIO, err)
	}
	d := &Device{
		fd:   fd,
		name: name,
		port: port,
		log:  zap.NewNop(),
		clk:  clock.Real(),
		mu:   &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// FD implements buffer.DeviceHandle.
func (d *Device) FD() uintptr { return d.fd }

// Name returns the device's configured label.
func (d *Device) Name() string { return d.name }

// Paused implements buffer.DeviceHandle.
func (d *Device) Paused() bool { return d.paused }

// SetPaused implements buffer.DeviceHandle, and propagates the same flag to
// a paired OutputDevice if one is set (spec §4.5 step c, SPEC_FULL.md §12).
func (d *Device) SetPaused(paused bool) {
	d.paused = paused
	if d.outputDevice != nil {
		d.outputDevice.paused = paused
	}
}

// OutputHandle implements buffer.DeviceHandle.
func (d *Device) OutputHandle() buffer.DeviceHandle {
	if d.outputDevice == nil {
		return nil
	}
	return d.outputDevice
}

// SetOutputDevice pairs this device's pause state with another (spec §4.3
// output_device, SPEC_FULL.md §12): e.g. an ISP's YUV output node shares
// pause state with its sRGB capture node.
func (d *Device) SetOutputDevice(out *Device) { d.outputDevice = out }

// Capture returns the device's capture-direction BufferList, or nil if
// OpenBufferList(true, ...) was never called.
func (d *Device) Capture() *buffer.BufferList { return d.capture }

// Output returns the device's output-direction BufferList, or nil if
// OpenBufferList(false, ...) was never called.
func (d *Device) Output() *buffer.BufferList { return d.output }

// OpenBufferList negotiates format and allocates nbufs kernel buffers for
// either the capture or output direction (spec §4.3 open_buffer_list).
func (d *Device) OpenBufferList(isCapture bool, width, height, format, bpl uint32, nbufs uint32, mmapMode, mplanes bool, opts ...buffer.Option) (*buffer.BufferList, error) {
	label := d.name + ".output"
	if isCapture {
		label = d.name + ".capture"
	}
	listOpts := append([]buffer.Option{buffer.WithLogger(d.log), buffer.WithClock(d.clk), buffer.WithName(label)}, opts...)
	bl := buffer.New(d.port, d.fd, d, d.mu, mmapMode, isCapture, mplanes, listOpts...)
	if err := bl.SetFormat(width, height, format, bpl); err != nil {
		return nil, fmt.Errorf("device %s: open_buffer_list: %w", d.name, err)
	}
	if err := bl.SetBuffers(nbufs); err != nil {
		return nil, fmt.Errorf("device %s: open_buffer_list: %w", d.name, err)
	}
	if isCapture {
		d.capture = bl
	} else {
		d.output = bl
	}
	return bl, nil
}

// Close tears down both BufferLists' mmap'd regions (spec §5 resource
// acquisition: every allocation paired with a scoped release).
func (d *Device) Close() error {
	var first error
	if d.capture != nil {
		if err := d.capture.Close(); err != nil && first == nil {
			first = err
		}
	}
	if d.output != nil {
		if err := d.output.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SetDecoderStart is a codec-control convenience (spec §4.3); best-effort,
// not used by the core scheduler loop.
func (d *Device) SetDecoderStart(on bool) error {
	if d.output == nil {
		return fmt.Errorf("device %s: set_decoder_start: %w: no output list", d.name, buffer.Config)
	}
	return d.output.SetStream(on)
}

// VideoForceKey is a codec-control convenience (spec §4.3): requests the
// next encoded frame be a key frame. V4L2 exposes this as a control write,
// which is out of this module's scope (§1 Non-goals: encoder option
// policy) — so this is a deliberate no-op hook a consumer may override by
// composing its own control-setting logic around the Device's fd.
func (d *Device) VideoForceKey() error {
	d.log.Debug("video_force_key: no-op in this module", zap.String("device", d.name))
	return nil
}

// SetFPS is a codec-control convenience (spec §4.3): sets the capture
// list's pacing interval directly rather than reopening the format.
func (d *Device) SetFPS(fps uint32) error {
	if fps == 0 {
		return fmt.Errorf("device %s: set_fps: zero fps: %w", d.name, buffer.Config)
	}
	if d.capture != nil {
		d.capture.SetInterval(int64(1_000_000) / int64(fps))
	}
	return nil
}

// SetOption is a codec-control convenience (spec §4.3): out of scope per
// §1 Non-goals ("policy around H.264/JPEG/MJPEG encoder options"), kept as
// a named hook so a consumer can layer its own control ioctls without this
// package needing to know every driver's private control IDs.
func (d *Device) SetOption(key string, value int32) error {
	d.log.Debug("set_option: no-op in this module", zap.String("device", d.name), zap.String("key", key), zap.Int32("value", value))
	return nil
}

var _ buffer.DeviceHandle = (*Device)(nil)
