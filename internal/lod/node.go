package lod

import "terrastream/internal/tile"

// SpatialNode is one quadtree node. It exclusively owns its tile and, when
// subdivided, exactly four children; the parent link is a non-owning
// back-reference. All structural mutation happens on the coordinator
// goroutine inside Update.
type SpatialNode struct {
	t        *tile.Tile
	parent   *SpatialNode
	children []*SpatialNode
}

// NewNode wraps a tile in a leaf node.
func NewNode(t *tile.Tile, parent *SpatialNode) *SpatialNode {
	return &SpatialNode{t: t, parent: parent}
}

func (n *SpatialNode) Tile() *tile.Tile {
	return n.t
}

func (n *SpatialNode) Parent() *SpatialNode {
	return n.parent
}

// Children returns the owned child nodes; empty for a leaf.
func (n *SpatialNode) Children() []*SpatialNode {
	return n.children
}

// IsLeaf reports whether the node has no children. This is the structural
// invariant everything else leans on: a node is a leaf exactly when its
// child slice is empty.
func (n *SpatialNode) IsLeaf() bool {
	return len(n.children) == 0
}

// Subdivide splits a leaf into four children covering the NW, NE, SW and SE
// quadrants at level+1. Idempotent: an already subdivided node returns its
// existing children untouched.
func (n *SpatialNode) Subdivide() []*SpatialNode {
	if len(n.children) > 0 {
		return n.children
	}
	childTiles := n.t.Subdivide()
	n.children = make([]*SpatialNode, 0, len(childTiles))
	for _, ct := range childTiles {
		n.children = append(n.children, NewNode(ct, n))
	}
	return n.children
}

// Collapse disposes all descendants and turns the node back into a leaf.
// No-op on an existing leaf. The node's own tile is kept.
func (n *SpatialNode) Collapse() {
	for _, child := range n.children {
		child.Collapse()
		child.Dispose()
	}
	n.children = nil
}

// Dispose releases the owned tile's data. In-flight streaming requests for
// the tile are not cancelled; their completions resolve against a tile the
// coordinator no longer tracks and are discarded there.
func (n *SpatialNode) Dispose() {
	n.t.Collapse()
}

// Leaves appends all leaf descendants to dst, including the node itself when
// it is a leaf. Not a hot path; the per-frame visibility pass uses its own
// walk.
func (n *SpatialNode) Leaves(dst []*SpatialNode) []*SpatialNode {
	if n.IsLeaf() {
		return append(dst, n)
	}
	for _, child := range n.children {
		dst = child.Leaves(dst)
	}
	return dst
}

// CountNodes returns the size of the subtree rooted at n.
func (n *SpatialNode) CountNodes() int {
	total := 1
	for _, child := range n.children {
		total += child.CountNodes()
	}
	return total
}
