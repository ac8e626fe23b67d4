// Package bsp is a lazily built binary space partition used to classify
// which parts of the world a view rectangle touches.
package bsp

import (
	"sync"

	"weight-atlas/internal/grid"
)

// DefaultMaxDepth stops subdivision even for degenerate queries.
const DefaultMaxDepth = 24

// Classification is how a node relates to a query rectangle.
type Classification int

// Checked in this order; the first match wins.
const (
	NotVisible            Classification = iota // no overlap: discard
	FullyContainedInQuery                       // node inside the query: accept
	ContainsQueryFully                          // query inside the node: refine
	Partial                                     // overlap: refine
)

func (c Classification) String() string {
	switch c {
	case NotVisible:
		return "not_visible"
	case FullyContainedInQuery:
		return "fully_contained_in_query"
	case ContainsQueryFully:
		return "contains_query_fully"
	case Partial:
		return "partial"
	default:
		return "unknown"
	}
}

// Classify relates node to query.
func Classify(node, query grid.Rect) Classification {
	switch {
	case !node.Intersects(query):
		return NotVisible
	case query.Contains(node):
		return FullyContainedInQuery
	case node.Contains(query):
		return ContainsQueryFully
	default:
		return Partial
	}
}

// Node is one rectangle of the partition. Children are created the first
// time a traversal needs them and are never removed.
type Node struct {
	Rect  grid.Rect
	Depth int

	children [2]*Node
	split    bool

	// classification cache for the last query seen
	lastQuery grid.Rect
	lastClass Classification
	hasClass  bool
}

// HasChildren reports whether the node was split.
func (n *Node) HasChildren() bool { return n.split }

// Children returns the two halves, or nils when the node was never split.
func (n *Node) Children() (*Node, *Node) { return n.children[0], n.children[1] }

// classify returns the cached classification for query when possible.
func (n *Node) classify(query grid.Rect) Classification {
	if n.hasClass && n.lastQuery == query {
		return n.lastClass
	}
	n.lastQuery, n.lastClass, n.hasClass = query, Classify(n.Rect, query), true
	return n.lastClass
}

// ensureChildren splits the node at the midpoint of its longer axis
// (x on ties). It reports whether children were created by this call.
func (n *Node) ensureChildren() bool {
	if n.split {
		return false
	}
	r := n.Rect
	var a, b grid.Rect
	if r.Width() >= r.Height() {
		mid := r.X1 + r.Width()/2
		a = grid.Rect{X1: r.X1, Y1: r.Y1, X2: mid, Y2: r.Y2}
		b = grid.Rect{X1: mid, Y1: r.Y1, X2: r.X2, Y2: r.Y2}
	} else {
		mid := r.Y1 + r.Height()/2
		a = grid.Rect{X1: r.X1, Y1: r.Y1, X2: r.X2, Y2: mid}
		b = grid.Rect{X1: r.X1, Y1: mid, X2: r.X2, Y2: r.Y2}
	}
	n.children[0] = &Node{Rect: a, Depth: n.Depth + 1}
	n.children[1] = &Node{Rect: b, Depth: n.Depth + 1}
	n.split = true
	return true
}

// BoundingBox summarizes a visible-leaf set.
type BoundingBox struct {
	Rect     grid.Rect `json:"rect"`
	MaxDepth int       `json:"maxDepth"`
	Leaves   int       `json:"leaves"`
}

// Stats describes the tree.
type Stats struct {
	Nodes     int `json:"nodes"`
	Leaves    int `json:"leaves"`
	MaxDepth  int `json:"maxDepth"`
	BoxBuilds int `json:"boxBuilds"`
}

// Tree is the partition of one world rectangle. It is safe for concurrent
// use.
type Tree struct {
	mu       sync.Mutex
	root     *Node
	maxDepth int
	nodes    int

	leaves    []*Node
	box       BoundingBox
	boxValid  bool
	boxBuilds int
}

// NewTree creates a tree over world. maxDepth <= 0 selects DefaultMaxDepth.
func NewTree(world grid.Rect, maxDepth int) *Tree {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Tree{
		root:     &Node{Rect: world},
		maxDepth: maxDepth,
		nodes:    1,
	}
}

// Resize discards every node and starts over with a new world rectangle.
func (t *Tree) Resize(world grid.Rect) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.root = &Node{Rect: world}
	t.nodes = 1
	t.leaves = nil
	t.boxValid = false
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Visible returns the leaves accepted for query, in traversal order.
// Nodes fully inside the query are accepted as they are; nodes overlapping
// or containing it are refined, unless they are already smaller than a
// quarter of the query on both axes or at the depth limit.
func (t *Tree) Visible(query grid.Rect) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Node
	if !query.Empty() {
		out = t.collect(t.root, query, out)
	}

	if !sameNodes(out, t.leaves) {
		t.leaves = out
		t.boxValid = false
	}
	return append([]*Node(nil), out...)
}

func (t *Tree) collect(n *Node, query grid.Rect, out []*Node) []*Node {
	switch n.classify(query) {
	case NotVisible:
		return out
	case FullyContainedInQuery:
		return append(out, n)
	}

	if n.Depth >= t.maxDepth || smallerThanQuarter(n.Rect, query) {
		return append(out, n)
	}

	if n.ensureChildren() {
		t.nodes += 2
	}
	out = t.collect(n.children[0], query, out)
	return t.collect(n.children[1], query, out)
}

func smallerThanQuarter(node, query grid.Rect) bool {
	return node.Width() < query.Width()/4 && node.Height() < query.Height()/4
}

func sameNodes(a, b []*Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// BoundingBox returns the union and deepest level of the last visible-leaf
// set. It is rebuilt only when that set changed.
func (t *Tree) BoundingBox() BoundingBox {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.boxValid {
		return t.box
	}

	box := BoundingBox{Leaves: len(t.leaves)}
	for _, n := range t.leaves {
		box.Rect = box.Rect.Union(n.Rect)
		box.MaxDepth = max(box.MaxDepth, n.Depth)
	}
	t.box, t.boxValid = box, true
	t.boxBuilds++
	return box
}

// Stats returns node counts.
func (t *Tree) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{Nodes: t.nodes, Leaves: len(t.leaves), BoxBuilds: t.boxBuilds}
	for _, n := range t.leaves {
		s.MaxDepth = max(s.MaxDepth, n.Depth)
	}
	return s
}
