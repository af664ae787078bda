package link

import "testing"

func TestReverseLinksOrder(t *testing.T) {
	a := &Link{}
	b := &Link{}
	c := &Link{}
	g := NewGraph(a, b, c)

	rev := g.ReverseLinks()
	if len(rev) != 3 || rev[0] != c || rev[1] != b || rev[2] != a {
		t.Fatalf("reverse order wrong: %+v", rev)
	}
	if fwd := g.Links(); fwd[0] != a || fwd[2] != c {
		t.Fatalf("forward order wrong: %+v", fwd)
	}
}
