// Package config loads a static link graph from a YAML topology file,
// grounded in dmzoneill-ollama-proxy's pkg/pipeline/loader.go (gopkg.in/
// yaml.v3-tagged structs, a Load method, YAML-to-domain-type conversion).
// Graph construction (spec §4.4, §9: "disallow mutation post-build") is the
// one place this module builds Devices and Links from outside a test.
package config

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gocamera/pipeline/buffer"
	"github.com/gocamera/pipeline/device"
	"github.com/gocamera/pipeline/kernel"
	"github.com/gocamera/pipeline/link"
)

// Opener returns an open file descriptor for a device path. Production
// code passes kernel.OpenDeviceFD; tests pass a fake that hands back
// whatever fd a fake.Port expects.
type Opener func(path string) (uintptr, error)

// formatYAML is the on-disk shape of one direction (capture or output) of
// a device's buffer list.
type formatYAML struct {
	Width    uint32 `yaml:"width"`
	Height   uint32 `yaml:"height"`
	Format   string `yaml:"format"` // four-character code, e.g. "YUYV"
	BPL      uint32 `yaml:"bpl"`
	Buffers  uint32 `yaml:"buffers"`
	MMAP     bool   `yaml:"mmap"`
	MPlanes  bool   `yaml:"mplanes"`
	FPS      uint32 `yaml:"fps"`
}

type deviceYAML struct {
	Name         string      `yaml:"name"`
	Path         string      `yaml:"path"`
	Capture      *formatYAML `yaml:"capture"`
	Output       *formatYAML `yaml:"output"`
	OutputDevice string      `yaml:"output_device"`
}

type linkYAML struct {
	Source string   `yaml:"source"`
	Sinks  []string `yaml:"sinks"`
}

type fileYAML struct {
	Devices []deviceYAML `yaml:"devices"`
	Links   []linkYAML   `yaml:"links"`
}

// Topology is the parsed, built-out result: every named device and the
// immutable link graph wiring their buffer lists together.
type Topology struct {
	Devices map[string]*device.Device
	Graph   *link.Graph
}

// Load reads path, opens every device via open, negotiates formats and
// allocates buffers, then wires the link graph (spec §4.3, §4.4). Every
// device shares one pool mutex (spec §5): a link's ref-count protocol
// locks a sink's BufferList and mutates the source buffer's fields
// directly, which is only safe when every list in the graph, source and
// sink alike, guards its state with the same *sync.Mutex.
func Load(path string, port kernel.Port, open Opener, logger *zap.Logger) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileYAML
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	poolMu := &sync.Mutex{}

	devices := make(map[string]*device.Device, len(fc.Devices))
	for _, dc := range fc.Devices {
		if dc.Name == "" {
			return nil, fmt.Errorf("config: device entry missing name")
		}
		fd, err := open(dc.Path)
		if err != nil {
			return nil, fmt.Errorf("config: open device %s: %w", dc.Name, err)
		}
		d, err := device.Open(dc.Name, fd, port, device.WithLogger(logger), device.WithPoolMutex(poolMu))
		if err != nil {
			return nil, fmt.Errorf("config: device %s: %w", dc.Name, err)
		}
		if dc.Capture != nil {
			if err := openDirection(d, true, dc.Capture); err != nil {
				return nil, fmt.Errorf("config: device %s: capture: %w", dc.Name, err)
			}
		}
		if dc.Output != nil {
			if err := openDirection(d, false, dc.Output); err != nil {
				return nil, fmt.Errorf("config: device %s: output: %w", dc.Name, err)
			}
		}
		devices[dc.Name] = d
	}

	for _, dc := range fc.Devices {
		if dc.OutputDevice == "" {
			continue
		}
		paired, ok := devices[dc.OutputDevice]
		if !ok {
			return nil, fmt.Errorf("config: device %s: output_device %s not found", dc.Name, dc.OutputDevice)
		}
		devices[dc.Name].SetOutputDevice(paired)
	}

	links := make([]*link.Link, 0, len(fc.Links))
	for _, lc := range fc.Links {
		source, err := resolveList(devices, lc.Source)
		if err != nil {
			return nil, fmt.Errorf("config: link source: %w", err)
		}
		sinks := make([]*buffer.BufferList, 0, len(lc.Sinks))
		for _, s := range lc.Sinks {
			sink, err := resolveList(devices, s)
			if err != nil {
				return nil, fmt.Errorf("config: link sink: %w", err)
			}
			sinks = append(sinks, sink)
		}
		links = append(links, &link.Link{Source: source, Sinks: sinks})
	}

	return &Topology{Devices: devices, Graph: link.NewGraph(links...)}, nil
}

func openDirection(d *device.Device, capture bool, fc *formatYAML) error {
	format := fourCC(fc.Format)
	_, err := d.OpenBufferList(capture, fc.Width, fc.Height, format, fc.BPL, fc.Buffers, fc.MMAP, fc.MPlanes)
	if err != nil {
		return err
	}
	if capture && fc.FPS != 0 {
		return d.SetFPS(fc.FPS)
	}
	return nil
}

// fourCC packs a 4-character format code (e.g. "YUYV") into the little-
// endian uint32 V4L2 expects. A code shorter than 4 characters is padded
// with zero bytes.
func fourCC(s string) uint32 {
	var b [4]byte
	copy(b[:], s)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func resolveList(devices map[string]*device.Device, ref string) (*buffer.BufferList, error) {
	name, direction, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	d, ok := devices[name]
	if !ok {
		return nil, fmt.Errorf("unknown device %q in reference %q", name, ref)
	}
	var bl *buffer.BufferList
	switch direction {
	case "capture":
		bl = d.Capture()
	case "output":
		bl = d.Output()
	default:
		return nil, fmt.Errorf("reference %q must be of the form device.capture or device.output", ref)
	}
	if bl == nil {
		return nil, fmt.Errorf("device %q has no %s list open", name, direction)
	}
	return bl, nil
}

func splitRef(ref string) (name, direction string, err error) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("reference %q must be of the form device.capture or device.output", ref)
}
