// Package scheduler implements the single-threaded poll-based event loop
// that drives a link.Graph (spec §4.5–§4.9): a three-phase tick (build the
// poll set sinks-first, poll with a pacing-shrunk timeout, then handle
// each fd in the same order), grounded in hw/links.c's _build_fds /
// links_step / links_loop, ported to Go's sync.atomic-flag-driven loop
// idiom instead of the original's `volatile int *running`.
package scheduler

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gocamera/pipeline/buffer"
	"github.com/gocamera/pipeline/kernel"
	"github.com/gocamera/pipeline/link"
	"github.com/gocamera/pipeline/metrics"
)

// DefaultInterval is the outer loop's default poll timeout absent any
// pacing deferral — LINKS_LOOP_INTERVAL in the original (spec §4.5).
const DefaultInterval = 5 * time.Millisecond

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger attaches a structured logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithDebugFDs enables per-tick pollfd tracing at Debug level, the
// equivalent of hw/links.c's DEBUG_FDS-gated print_pollfds (SPEC_FULL.md
// §12) — gated on a field instead of an environment variable so it's a
// normal constructor option rather than a hot-loop getenv call.
func WithDebugFDs(on bool) Option {
	return func(s *Scheduler) { s.debugFDs = on }
}

// Scheduler drives a link.Graph's buffer movement via poll (spec §4.5).
type Scheduler struct {
	graph    *link.Graph
	port     kernel.Port
	log      *zap.Logger
	interval time.Duration
	debugFDs bool

	logLimiter *rate.Limiter
}

// New builds a Scheduler over graph, issuing all poll/ioctl calls through port.
func New(graph *link.Graph, port kernel.Port, opts ...Option) *Scheduler {
	s := &Scheduler{
		graph:      graph,
		port:       port,
		log:        zap.NewNop(),
		interval:   DefaultInterval,
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type entryKind int

const (
	entrySink entryKind = iota
	entrySource
)

type pollEntry struct {
	fd      uintptr
	kind    entryKind
	link    *link.Link
	sink    *buffer.BufferList // set when kind == entrySink
	events  kernel.PollEvent
	revents kernel.PollEvent
}

// buildPollSet is Phase 1 (spec §4.5): links are traversed in reverse
// order so sink stages register before their source, and for each link
// sinks are registered before the source itself.
func (s *Scheduler) buildPollSet() ([]pollEntry, time.Duration) {
	timeout := s.interval
	var entries []pollEntry

	for _, l := range s.graph.ReverseLinks() {
		if !l.Source.Streaming() {
			continue
		}

		paused := true
		if l.CheckStreaming != nil && l.CheckStreaming() {
			paused = false
		}

		for _, sink := range l.Sinks {
			if !sink.Streaming() {
				continue
			}
			events := kernel.PollHUp
			if sink.CountEnqueued() > 0 {
				events |= kernel.PollOut
			}
			entries = append(entries, pollEntry{fd: sink.FD(), kind: entrySink, link: l, sink: sink, events: events})

			if !sink.Device().Paused() && sink.CountEnqueued() < sink.NBufs() {
				paused = false
			}
		}

		l.Source.Device().SetPaused(paused)
		pausedVal := 0.0
		if paused {
			pausedVal = 1.0
		}
		metrics.DevicePaused.WithLabelValues(l.Source.Name()).Set(pausedVal)

		// A source with every sink backpressured gets no IN event either —
		// dequeuing into a full pipeline only trades a kernel-held buffer
		// for a dropped frame.
		canDequeue := !paused && l.Source.CountEnqueued() > 0
		if canDequeue {
			ok, remaining := l.Source.PacingGate()
			if !ok {
				canDequeue = false
				if remaining < timeout {
					timeout = remaining
				}
			}
		}

		srcEvents := kernel.PollHUp
		if canDequeue {
			srcEvents |= kernel.PollIn
		}
		entries = append(entries, pollEntry{fd: l.Source.FD(), kind: entrySource, link: l, events: srcEvents})
	}

	return entries, timeout
}

// Step runs one iteration of the three-phase tick (spec §4.5).
func (s *Scheduler) Step() error {
	entries, timeout := s.buildPollSet()

	fds := make([]kernel.PollFD, len(entries))
	for i, e := range entries {
		fds[i] = kernel.PollFD{FD: e.fd, Events: e.events}
	}

	if err := s.port.Poll(fds, timeout); err != nil {
		return fmt.Errorf("scheduler: poll: %w", err)
	}

	for i := range entries {
		entries[i].revents = fds[i].Revents
	}

	if s.debugFDs {
		s.logPollFDs(entries)
	}

	return s.handleEvents(entries)
}

func (s *Scheduler) logPollFDs(entries []pollEntry) {
	for _, e := range entries {
		kind := "sink"
		if e.kind == entrySource {
			kind = "source"
		}
		s.log.Debug("pollfd",
			zap.String("kind", kind), zap.Uintptr("fd", e.fd),
			zap.Uint32("events", uint32(e.events)), zap.Uint32("revents", uint32(e.revents)))
	}
}

// handleEvents is Phase 3 (spec §4.5, §4.6, §4.7): the same traversal
// order as Phase 1, reacting to whatever revents poll reported.
func (s *Scheduler) handleEvents(entries []pollEntry) error {
	handledSourceMaintenance := make(map[*buffer.BufferList]bool)

	for _, e := range entries {
		if e.kind == entrySource {
			if !handledSourceMaintenance[e.link.Source] {
				s.maintainCapture(e.link.Source)
				handledSourceMaintenance[e.link.Source] = true
			}
		}

		if e.revents&(kernel.PollHUp|kernel.PollErr) != 0 {
			return fmt.Errorf("scheduler: %w: fd %d", Disconnected, e.fd)
		}

		switch e.kind {
		case entrySource:
			if e.revents&kernel.PollIn != 0 {
				if err := s.dequeueFromSource(e.link); err != nil {
					return err
				}
			}
		case entrySink:
			if e.revents&kernel.PollOut != 0 {
				if err := s.dequeueFromSink(e.sink); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// maintainCapture pre-fills free slots of an unpaused capture list (spec
// §4.5 Phase 3, first bullet) until the kernel holds two buffers — a fixed
// cutoff, independent of pool size, matching the original's capture-queue
// maintenance loop. This applies equally in mmap and DMA mode: a capture
// source needs its own slots requeued either way, independent of how a
// sink later shares the frame.
func (s *Scheduler) maintainCapture(src *buffer.BufferList) {
	if !src.IsCapture() || src.Device().Paused() {
		return
	}
	for src.CountEnqueued() <= 1 {
		slot := src.FindSlot()
		if slot == nil || slot.RefCount() > 0 {
			// A DMA-mode fan-out can leave a slot locally unenqueued but
			// still held by a downstream sink's reference; FindSlot only
			// checks enqueued state, so guard against re-queuing a buffer
			// still out on loan.
			break
		}
		if err := slot.Consumed(); err != nil {
			s.logThrottled("capture maintenance: requeue failed", zap.String("list", src.Name()), zap.Error(err))
			break
		}
	}
}

// dequeueFromSource is the source-dequeue pathway (spec §4.6).
func (s *Scheduler) dequeueFromSource(l *link.Link) error {
	buf, err := l.Source.Dequeue()
	if err != nil {
		metrics.KernelIOErrors.WithLabelValues(l.Source.Name(), "dequeue").Inc()
		return fmt.Errorf("scheduler: source dequeue: %w", err)
	}
	prevUs := l.Source.LastDequeuedUs()
	l.Source.MarkDequeued()
	if prevUs > 0 {
		metrics.DequeueLatency.WithLabelValues(l.Source.Name()).Observe(float64(l.Source.LastDequeuedUs()-prevUs) / 1e6)
	}
	metrics.FramesDequeued.WithLabelValues(l.Source.Name()).Inc()

	for _, sink := range l.Sinks {
		if sink.Device().Paused() {
			continue
		}
		res, err := sink.Enqueue(buf)
		switch res {
		case buffer.EnqueueOK:
			metrics.FramesEnqueued.WithLabelValues(sink.Name()).Inc()
		case buffer.EnqueueBlocked:
			metrics.EnqueueBlocked.WithLabelValues(sink.Name()).Inc()
		case buffer.EnqueueFormatError:
			metrics.EnqueueFormatErrors.WithLabelValues(sink.Name()).Inc()
			s.logThrottled("enqueue: format error", zap.String("sink", sink.Name()), zap.Error(err))
		}
		if err != nil && res != buffer.EnqueueFormatError {
			s.logThrottled("enqueue failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}

	if l.OnBuffer != nil {
		l.OnBuffer(buf)
	}

	if err := buf.Consumed(); err != nil {
		s.logThrottled("source dequeue: release reference failed", zap.String("list", l.Source.Name()), zap.Error(err))
	}
	return nil
}

// dequeueFromSink is the sink-dequeue pathway (spec §4.7): Dequeue itself
// clears mmap_source and releases the upstream reference.
func (s *Scheduler) dequeueFromSink(sink *buffer.BufferList) error {
	if _, err := sink.Dequeue(); err != nil {
		metrics.KernelIOErrors.WithLabelValues(sink.Name(), "dequeue").Inc()
		return fmt.Errorf("scheduler: sink dequeue: %w", err)
	}
	return nil
}

func (s *Scheduler) logThrottled(msg string, fields ...zap.Field) {
	if s.logLimiter.Allow() {
		s.log.Warn(msg, fields...)
	}
}

// Loop runs Step repeatedly while running reports true (spec §4.8): it
// issues set_stream(true) on every list before the first tick, and a
// best-effort set_stream(false) on every list on exit, even on a fatal
// error from Step.
func (s *Scheduler) Loop(running *atomic.Bool) error {
	for _, l := range s.graph.Links() {
		if err := l.Source.SetStream(true); err != nil {
			return fmt.Errorf("scheduler: stream start: %w", err)
		}
		for _, sink := range l.Sinks {
			if err := sink.SetStream(true); err != nil {
				return fmt.Errorf("scheduler: stream start: %w", err)
			}
		}
	}

	var loopErr error
	for running.Load() {
		if err := s.Step(); err != nil {
			loopErr = err
			break
		}
	}

	for _, l := range s.graph.Links() {
		metrics.DevicePaused.WithLabelValues(l.Source.Name()).Set(0)
		if err := l.Source.SetStream(false); err != nil {
			s.log.Warn("stream stop failed", zap.String("list", l.Source.Name()), zap.Error(err))
		}
		for _, sink := range l.Sinks {
			if err := sink.SetStream(false); err != nil {
				s.log.Warn("stream stop failed", zap.String("list", sink.Name()), zap.Error(err))
			}
		}
	}

	return loopErr
}
