package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocamera/pipeline/buffer"
	"github.com/gocamera/pipeline/clock"
	"github.com/gocamera/pipeline/kernel"
	"github.com/gocamera/pipeline/kernel/fake"
	"github.com/gocamera/pipeline/link"
)

// fakeDevice is the minimal buffer.DeviceHandle double these tests drive
// directly, without going through the device package.
type fakeDevice struct {
	fd     uintptr
	paused bool
	output *fakeDevice
}

func (d *fakeDevice) FD() uintptr  { return d.fd }
func (d *fakeDevice) Paused() bool { return d.paused }
func (d *fakeDevice) SetPaused(p bool) {
	d.paused = p
	if d.output != nil {
		d.output.paused = p
	}
}
func (d *fakeDevice) OutputHandle() buffer.DeviceHandle {
	if d.output == nil {
		return nil
	}
	return d.output
}

// newList allocates an n-buffer pool of 1024-byte slots on fd, sharing the
// graph's pool mutex and clock, backed by the single shared fake kernel
// every list in a test graph must use so one Scheduler.Step can poll all
// of them together.
func newList(t *testing.T, port *fake.Port, fd uintptr, mu *sync.Mutex, clk clock.Clock, mmapMode, capture bool, n uint32, name string) *buffer.BufferList {
	t.Helper()
	dev := &fakeDevice{fd: fd}
	bl := buffer.New(port, fd, dev, mu, mmapMode, capture, false, buffer.WithClock(clk), buffer.WithName(name))
	if err := bl.SetFormat(0, 1, 0, 1024); err != nil {
		t.Fatalf("%s: set format: %v", name, err)
	}
	if err := bl.SetBuffers(n); err != nil {
		t.Fatalf("%s: set buffers: %v", name, err)
	}
	return bl
}

// Scenario 1 (spec §8): one mmap source feeding one mmap sink. Ten frames
// flow end to end; every source buffer is unreferenced by the end.
func TestEndToEndMMAPFanOut(t *testing.T) {
	mu := &sync.Mutex{}
	clk := clock.NewFake(time.Unix(0, 0))
	port := fake.New()

	source := newList(t, port, 1, mu, clk, true, true, 3, "source")
	sink := newList(t, port, 2, mu, clk, true, false, 10, "sink")

	l := &link.Link{Source: source, Sinks: []*buffer.BufferList{sink}}
	g := link.NewGraph(l)
	sched := New(g, port, WithInterval(time.Millisecond))

	if err := source.SetStream(true); err != nil {
		t.Fatalf("source stream on: %v", err)
	}
	if err := sink.SetStream(true); err != nil {
		t.Fatalf("sink stream on: %v", err)
	}

	// First tick only primes the kernel queue (maintainCapture has nothing
	// to dequeue yet); the next ten each deliver one frame.
	if err := sched.Step(); err != nil {
		t.Fatalf("priming step: %v", err)
	}
	for i := 0; i < 10; i++ {
		port.Produce(1, 0, 512)
		if err := sched.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	if got := source.Frames(); got != 10 {
		t.Fatalf("source frames = %d, want 10", got)
	}
	if got := sink.CountEnqueued(); got != 10 {
		t.Fatalf("sink count_enqueued = %d, want 10", got)
	}
}

// TestEndToEndMPlanesCapture drives a multi-planar mmap source through the
// scheduler: a frame produced through the per-plane byte count (not the
// plain BytesUsed field a single-planar source would use) is dequeued and
// forwarded to a single-planar sink. It checks the source frame count and
// the sink's enqueued count; it does not inspect the byte count the sink
// buffer carries.
func TestEndToEndMPlanesCapture(t *testing.T) {
	mu := &sync.Mutex{}
	clk := clock.NewFake(time.Unix(0, 0))
	port := fake.New()

	source := buffer.New(port, 1, &fakeDevice{fd: 1}, mu, true, true, true, buffer.WithClock(clk), buffer.WithName("source"))
	if err := source.SetFormat(0, 1, 0, 1024); err != nil {
		t.Fatalf("source: set format: %v", err)
	}
	if err := source.SetBuffers(3); err != nil {
		t.Fatalf("source: set buffers: %v", err)
	}
	sink := newList(t, port, 2, mu, clk, true, false, 10, "sink")

	l := &link.Link{Source: source, Sinks: []*buffer.BufferList{sink}}
	g := link.NewGraph(l)
	sched := New(g, port, WithInterval(time.Millisecond))

	if err := source.SetStream(true); err != nil {
		t.Fatalf("source stream on: %v", err)
	}
	if err := sink.SetStream(true); err != nil {
		t.Fatalf("sink stream on: %v", err)
	}

	if err := sched.Step(); err != nil {
		t.Fatalf("priming step: %v", err)
	}
	port.ProduceMPlanes(1, 0, 640)
	if err := sched.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}

	if got := source.Frames(); got != 1 {
		t.Fatalf("source frames = %d, want 1", got)
	}
	if got := sink.CountEnqueued(); got != 1 {
		t.Fatalf("sink count_enqueued = %d, want 1", got)
	}
}

// Scenario 2 (spec §8): one DMA source fans out to two DMA sinks. The
// source buffer holds two references right after fan-out and re-enters
// the kernel queue exactly once, after both sinks have drained it.
func TestEndToEndDMAFanOutRefCounting(t *testing.T) {
	mu := &sync.Mutex{}
	clk := clock.NewFake(time.Unix(0, 0))
	port := fake.New()

	source := newList(t, port, 1, mu, clk, false, true, 2, "source")
	sinkA := newList(t, port, 2, mu, clk, false, false, 2, "sinkA")
	sinkB := newList(t, port, 3, mu, clk, false, false, 2, "sinkB")

	var captured *buffer.Buffer
	l := &link.Link{
		Source: source,
		Sinks:  []*buffer.BufferList{sinkA, sinkB},
		OnBuffer: func(b *buffer.Buffer) {
			captured = b
		},
	}
	g := link.NewGraph(l)
	sched := New(g, port, WithInterval(time.Millisecond))

	for _, bl := range []*buffer.BufferList{source, sinkA, sinkB} {
		if err := bl.SetStream(true); err != nil {
			t.Fatalf("stream on: %v", err)
		}
	}

	if err := sched.Step(); err != nil {
		t.Fatalf("priming step: %v", err)
	}
	port.Produce(1, 0, 800)
	if err := sched.Step(); err != nil {
		t.Fatalf("fan-out step: %v", err)
	}
	if captured == nil {
		t.Fatalf("on_buffer never fired")
	}
	if got := captured.RefCount(); got != 2 {
		t.Fatalf("source refcount after fan-out = %d, want 2", got)
	}
	if captured.Enqueued() {
		t.Fatalf("source buffer should still be held by both sinks")
	}

	port.Drain(2, 0)
	if err := sched.Step(); err != nil {
		t.Fatalf("sinkA drain step: %v", err)
	}
	if got := captured.RefCount(); got != 1 {
		t.Fatalf("source refcount after sinkA drain = %d, want 1", got)
	}
	if captured.Enqueued() {
		t.Fatalf("source buffer should still be held by sinkB")
	}

	port.Drain(3, 0)
	if err := sched.Step(); err != nil {
		t.Fatalf("sinkB drain step: %v", err)
	}
	if got := captured.RefCount(); got != 0 {
		t.Fatalf("source refcount after both sinks drained = %d, want 0", got)
	}
	if !captured.Enqueued() {
		t.Fatalf("source buffer should have re-entered the kernel queue exactly once")
	}
}

// Scenario 3 (spec §8): an undersized mmap sink rejects a frame with a
// format error; the sink pool is unchanged and the source buffer is
// released back into its own queue rather than leaking.
func TestEndToEndMMAPCapacityOverflow(t *testing.T) {
	mu := &sync.Mutex{}
	clk := clock.NewFake(time.Unix(0, 0))
	port := fake.New()

	source := newList(t, port, 1, mu, clk, true, true, 2, "source")
	sink := buffer.New(port, 2, &fakeDevice{fd: 2}, mu, true, false, false, buffer.WithClock(clk), buffer.WithName("sink"))
	if err := sink.SetFormat(0, 1, 0, 10); err != nil {
		t.Fatalf("sink set format: %v", err)
	}
	if err := sink.SetBuffers(2); err != nil {
		t.Fatalf("sink set buffers: %v", err)
	}
	if err := sink.SetStream(true); err != nil {
		t.Fatalf("sink stream on: %v", err)
	}
	if err := source.SetStream(true); err != nil {
		t.Fatalf("source stream on: %v", err)
	}

	var captured *buffer.Buffer
	l := &link.Link{
		Source:   source,
		Sinks:    []*buffer.BufferList{sink},
		OnBuffer: func(b *buffer.Buffer) { captured = b },
	}
	g := link.NewGraph(l)
	sched := New(g, port, WithInterval(time.Millisecond))

	if err := sched.Step(); err != nil {
		t.Fatalf("priming step: %v", err)
	}
	port.Produce(1, 0, 800) // far larger than the sink's 10-byte slots
	if err := sched.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}

	if got := sink.CountEnqueued(); got != 0 {
		t.Fatalf("sink count_enqueued = %d, want 0 (rejected frame)", got)
	}
	if captured == nil {
		t.Fatalf("on_buffer never fired")
	}
	if !captured.Enqueued() {
		t.Fatalf("source buffer should have returned to its own kernel queue")
	}
	if got := captured.RefCount(); got != 0 {
		t.Fatalf("source refcount = %d, want 0 (no leak)", got)
	}
}

// Scenario 4 (spec §8): a 30fps pacing interval limits source dequeues to
// roughly 30 over one simulated second, even with data always ready. The
// link has no sinks, so CheckStreaming keeps it active; without it the
// source would stay paused.
func TestEndToEndPacingLimitsFrameRate(t *testing.T) {
	mu := &sync.Mutex{}
	clk := clock.NewFake(time.Unix(0, 0))
	port := fake.New()

	source := newList(t, port, 1, mu, clk, true, true, 3, "source")
	source.SetInterval(33333) // 30fps

	l := &link.Link{Source: source, CheckStreaming: func() bool { return true }}
	g := link.NewGraph(l)
	sched := New(g, port, WithInterval(time.Millisecond))

	if err := source.SetStream(true); err != nil {
		t.Fatalf("stream on: %v", err)
	}

	for i := 0; i < 1000; i++ {
		port.Produce(1, 0, 800)
		if err := sched.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		clk.Advance(time.Millisecond)
	}

	frames := source.Frames()
	if frames < 29 || frames > 31 {
		t.Fatalf("frames over 1s at 30fps = %d, want 30±1", frames)
	}
}

// Scenario 5 (spec §8): once a sink's pool fills and nothing ever drains
// it, the source device is marked paused and stops being offered dequeues.
func TestEndToEndBackpressurePausesSource(t *testing.T) {
	mu := &sync.Mutex{}
	clk := clock.NewFake(time.Unix(0, 0))
	port := fake.New()

	source := newList(t, port, 1, mu, clk, true, true, 4, "source")
	sink := newList(t, port, 2, mu, clk, true, false, 2, "sink")

	l := &link.Link{Source: source, Sinks: []*buffer.BufferList{sink}}
	g := link.NewGraph(l)
	sched := New(g, port, WithInterval(time.Millisecond))

	if err := source.SetStream(true); err != nil {
		t.Fatalf("source stream on: %v", err)
	}
	if err := sink.SetStream(true); err != nil {
		t.Fatalf("sink stream on: %v", err)
	}

	if err := sched.Step(); err != nil {
		t.Fatalf("priming step: %v", err)
	}

	// Two frames fill the sink's two slots.
	for i := 0; i < 2; i++ {
		port.Produce(1, 0, 512)
		if err := sched.Step(); err != nil {
			t.Fatalf("fill step %d: %v", i, err)
		}
	}
	if got := sink.CountEnqueued(); got != 2 {
		t.Fatalf("sink count_enqueued = %d, want 2 (full)", got)
	}

	framesBeforePause := source.Frames()
	for i := 0; i < 5; i++ {
		port.Produce(1, 0, 512)
		if err := sched.Step(); err != nil {
			t.Fatalf("backpressure step %d: %v", i, err)
		}
	}

	if !source.Device().Paused() {
		t.Fatalf("source device should be paused once its only sink is full")
	}
	if got := source.Frames(); got != framesBeforePause {
		t.Fatalf("source kept dequeuing while paused: frames %d -> %d", framesBeforePause, got)
	}
}

// Scenario 6 (spec §8): a POLLHUP on the source fd is fatal. The loop
// stops, every list in the graph is stream-stopped exactly once during
// teardown, and the error is reported to the caller.
func TestEndToEndDisconnectStopsLoop(t *testing.T) {
	mu := &sync.Mutex{}
	clk := clock.NewFake(time.Unix(0, 0))
	port := fake.New()

	source := newList(t, port, 1, mu, clk, true, true, 2, "source")
	sink := newList(t, port, 2, mu, clk, true, false, 2, "sink")

	l := &link.Link{Source: source, Sinks: []*buffer.BufferList{sink}}
	g := link.NewGraph(l)
	sched := New(g, port, WithInterval(time.Millisecond))

	var tick int
	port.PollResult = func(fds []kernel.PollFD) error {
		tick++
		for i := range fds {
			fds[i].Revents = 0
			if tick >= 3 && fds[i].FD == 1 {
				fds[i].Revents = kernel.PollHUp
			}
		}
		return nil
	}

	running := &atomic.Bool{}
	running.Store(true)

	var loopErr error
	done := make(chan struct{})
	go func() {
		loopErr = sched.Loop(running)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		running.Store(false)
		t.Fatalf("loop never returned after disconnect")
	}

	if loopErr == nil {
		t.Fatalf("expected an error from a disconnected source")
	}
	if fmt.Sprint(loopErr) == "" {
		t.Fatalf("loop error should describe the disconnect")
	}
	if source.Streaming() {
		t.Fatalf("source should have been stream-stopped on teardown")
	}
	if sink.Streaming() {
		t.Fatalf("sink should have been stream-stopped on teardown")
	}
}
