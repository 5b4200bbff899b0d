// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bytecode

// Dominator tree construction, after Cooper, Harvey and Kennedy. 2001.
// A Simple, Fast Dominance Algorithm.

// Idom returns the block that immediately dominates b, or nil for the
// entry block.
func (b *Block) Idom() *Block { return b.dom.idom }

// Dominates reports whether b dominates c. Every block dominates
// itself.
func (b *Block) Dominates(c *Block) bool {
	return b.dom.pre <= c.dom.pre && c.dom.post <= b.dom.post
}

type domInfo struct {
	idom     *Block
	children []*Block
	// interval of the block in a preorder/postorder numbering of the
	// dominator tree
	pre, post int32
}

// buildDomTree computes the dominator tree of cfg. The blocks must be
// in reverse postorder, with their predecessors set.
func buildDomTree(cfg *CFG) {
	blocks := cfg.Blocks
	// idom[i] is the index of the immediate dominator of blocks[i], or
	// -1 while unknown.
	idom := make([]int, len(blocks))
	for i := range idom {
		idom[i] = -1
	}
	idom[0] = 0

	// In reverse postorder a dominator has a smaller index than the
	// blocks it dominates.
	intersect := func(a, b int) int {
		for a != b {
			for a > b {
				a = idom[a]
			}
			for b > a {
				b = idom[b]
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for i := 1; i < len(blocks); i++ {
			d := -1
			for _, p := range blocks[i].Preds {
				switch {
				case idom[p.Index] < 0:
				case d < 0:
					d = p.Index
				default:
					d = intersect(p.Index, d)
				}
			}
			if d != idom[i] {
				idom[i] = d
				changed = true
			}
		}
	}

	for _, b := range blocks {
		b.dom = domInfo{}
	}
	for i, d := range idom[1:] {
		if d < 0 {
			continue
		}
		b := blocks[i+1]
		b.dom.idom = blocks[d]
		blocks[d].dom.children = append(blocks[d].dom.children, b)
	}
	numberDomTree(blocks[0])
}

// numberDomTree assigns the preorder and postorder numbers used by
// Dominates.
func numberDomTree(root *Block) {
	type item struct {
		b    *Block
		next int
	}
	var pre, post int32
	stack := []item{{b: root}}
	root.dom.pre = pre
	pre++
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.b.dom.children) {
			c := top.b.dom.children[top.next]
			top.next++
			c.dom.pre = pre
			pre++
			stack = append(stack, item{b: c})
			continue
		}
		top.b.dom.post = post
		post++
		stack = stack[:len(stack)-1]
	}
}
