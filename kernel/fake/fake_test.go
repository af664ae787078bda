package fake

import (
	"testing"

	"github.com/gocamera/pipeline/kernel"
)

// TestQueueDequeueDistinguishesMPlanes exercises the same fd with a
// single-planar QBUF/DQBUF round trip and a multi-planar one, and checks
// that the two paths actually carry distinct data (spec §6.1's mplanes
// flag): a single-planar QBUF must not land in planeBytesUsed, and an
// mplanes QBUF must not land in the plain bytesUsed field.
func TestQueueDequeueDistinguishesMPlanes(t *testing.T) {
	port := New()
	const fd = 1
	if _, err := port.RequestBuffers(fd, 0, 0, 2); err != nil {
		t.Fatalf("request buffers: %v", err)
	}

	single := kernel.Descriptor{Index: 0, BytesUsed: 111}
	if err := port.QueueBuffer(fd, 0, 0, single, false); err != nil {
		t.Fatalf("queue single-planar: %v", err)
	}
	port.Drain(fd, 0)
	desc, err := port.DequeueBuffer(fd, 0, 0, false)
	if err != nil {
		t.Fatalf("dequeue single-planar: %v", err)
	}
	if desc.BytesUsed != 111 {
		t.Fatalf("single-planar dequeue bytes_used = %d, want 111", desc.BytesUsed)
	}
	if len(desc.Planes) != 0 {
		t.Fatalf("single-planar descriptor should carry no Planes, got %+v", desc.Planes)
	}

	mplane := kernel.Descriptor{Index: 1, Planes: []kernel.PlaneInfo{{BytesUsed: 222}}}
	if err := port.QueueBuffer(fd, 0, 0, mplane, true); err != nil {
		t.Fatalf("queue mplanes: %v", err)
	}
	port.Drain(fd, 1)
	desc, err = port.DequeueBuffer(fd, 0, 0, true)
	if err != nil {
		t.Fatalf("dequeue mplanes: %v", err)
	}
	if len(desc.Planes) != 1 || desc.Planes[0].BytesUsed != 222 {
		t.Fatalf("mplanes dequeue planes = %+v, want one plane with bytes_used 222", desc.Planes)
	}
	if desc.BytesUsed != 222 {
		t.Fatalf("mplanes dequeue top-level bytes_used = %d, want 222 (mirrors plane 0)", desc.BytesUsed)
	}

	s := port.State(fd)
	if s.slots[0].mplanes {
		t.Fatalf("slot 0 should be recorded as single-planar")
	}
	if !s.slots[1].mplanes {
		t.Fatalf("slot 1 should be recorded as mplanes")
	}
}
