package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gocamera/pipeline/kernel/fake"
	"github.com/gocamera/pipeline/scheduler"
)

const sampleYAML = `
devices:
  - name: camera
    path: /dev/video0
    capture:
      width: 640
      height: 480
      format: YUYV
      bpl: 1280
      buffers: 3
      mmap: true
      fps: 30
  - name: isp
    path: /dev/video1
    output:
      width: 640
      height: 480
      format: YUYV
      bpl: 1280
      buffers: 3
      mmap: true

links:
  - source: camera.capture
    sinks: [isp.output]
`

func TestLoadBuildsTopology(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	port := fake.New()
	var nextFD uintptr = 10
	open := func(devPath string) (uintptr, error) {
		fd := nextFD
		nextFD++
		return fd, nil
	}

	topo, err := Load(path, port, open, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(topo.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(topo.Devices))
	}
	cam, ok := topo.Devices["camera"]
	if !ok || cam.Capture() == nil {
		t.Fatalf("camera capture list missing")
	}
	if cam.Capture().IntervalUs() != 33333 {
		t.Fatalf("camera fps not applied: interval = %d", cam.Capture().IntervalUs())
	}

	links := topo.Graph.Links()
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	if links[0].Source != cam.Capture() {
		t.Fatalf("link source should be camera's capture list")
	}
	if len(links[0].Sinks) != 1 || links[0].Sinks[0] != topo.Devices["isp"].Output() {
		t.Fatalf("link sink should be isp's output list")
	}
}

// TestLoadTopologyMovesFrameThroughScheduler drives an actual frame across
// the two-device topology Load builds: the frame reaches the isp output
// list, the drain step empties that list again (CountEnqueued back to 0),
// and the camera capture list counts exactly one frame. The test runs on
// one goroutine, so it does not tell a single shared pool mutex apart from
// one private mutex per device.
func TestLoadTopologyMovesFrameThroughScheduler(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	port := fake.New()
	var nextFD uintptr = 10
	open := func(devPath string) (uintptr, error) {
		fd := nextFD
		nextFD++
		return fd, nil
	}

	topo, err := Load(path, port, open, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cam := topo.Devices["camera"]
	isp := topo.Devices["isp"]
	if err := cam.Capture().SetStream(true); err != nil {
		t.Fatalf("camera set stream: %v", err)
	}
	if err := isp.Output().SetStream(true); err != nil {
		t.Fatalf("isp set stream: %v", err)
	}

	sched := scheduler.New(topo.Graph, port)

	if err := sched.Step(); err != nil {
		t.Fatalf("priming step: %v", err)
	}

	port.Produce(cam.FD(), 0, 512)
	if err := sched.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if n := isp.Output().CountEnqueued(); n != 1 {
		t.Fatalf("isp output enqueued = %d, want 1", n)
	}

	port.Drain(isp.FD(), 0)
	if err := sched.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if n := isp.Output().CountEnqueued(); n != 0 {
		t.Fatalf("isp output enqueued after drain = %d, want 0", n)
	}
	if f := cam.Capture().Frames(); f != 1 {
		t.Fatalf("camera capture frames = %d, want 1", f)
	}
}

func TestLoadRejectsUnknownDeviceReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	bad := `
devices:
  - name: camera
    path: /dev/video0
    capture:
      width: 640
      height: 480
      format: YUYV
      bpl: 1280
      buffers: 3
      mmap: true
links:
  - source: camera.capture
    sinks: [missing.output]
`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	port := fake.New()
	open := func(devPath string) (uintptr, error) { return 1, nil }
	if _, err := Load(path, port, open, nil); err == nil {
		t.Fatalf("expected an error for an unresolvable sink reference")
	}
}
