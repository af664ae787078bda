// Package link implements the static bipartite wiring between one source
// BufferList and its downstream sinks (spec §3 Link/LinkGraph, §4.4),
// grounded in hw/links.c's fixed, sentinel-terminated link array but
// expressed as a typed, fixed slice built once at startup per spec §9's
// design note (disallow mutation post-build).
package link

import "github.com/gocamera/pipeline/buffer"

// OnBufferFunc is invoked after a source dequeue and the fan-out to every
// sink, while the buffer is still user-owned (spec §4.4 on_buffer) — the
// hook an HTTP/recording consumer uses to snapshot a frame (spec §6.2).
type OnBufferFunc func(buf *buffer.Buffer)

// CheckStreamingFunc reports whether a link should be considered active
// (spec §4.4 check_streaming). A nil func or one returning false makes the
// link a candidate for pausing.
type CheckStreamingFunc func() bool

// Link binds one source BufferList to an ordered set of sink BufferLists
// plus optional callbacks (spec §3 Link).
type Link struct {
	Source *buffer.BufferList
	Sinks  []*buffer.BufferList

	OnBuffer      OnBufferFunc
	CheckStreaming CheckStreamingFunc
}

// Graph is the static, ordered array of Links the Scheduler walks every
// tick (spec §3 LinkGraph, §4.5). Order matters: Phase 1 traverses it in
// reverse so sink stages drain before source stages enqueue.
type Graph struct {
	links []*Link
}

// NewGraph builds a Graph from a fixed set of links. The graph is
// immutable after construction — there is no Add method, matching spec
// §9's "disallow mutation post-build".
func NewGraph(links ...*Link) *Graph {
	g := &Graph{links: make([]*Link, len(links))}
	copy(g.links, links)
	return g
}

// Links returns the graph's links in construction order.
func (g *Graph) Links() []*Link { return g.links }

// ReverseLinks returns the graph's links in reverse construction order —
// the traversal order Phase 1 of the scheduler uses (spec §4.5).
func (g *Graph) ReverseLinks() []*Link {
	out := make([]*Link, len(g.links))
	for i, l := range g.links {
		out[len(g.links)-1-i] = l
	}
	return out
}
