// Package relooper reconstructs structured control flow from an arbitrary
// CFG. It drives a RenderInterface with nested block/loop/if events; the
// backend owns the actual emission. The algorithm is the classic three-shape
// scheme (simple, multiple, loop) with a label-dispatch fallback for entries
// that cannot be selected by branch conditions alone.
package relooper

import (
	"sort"

	"github.com/xplshn/ssa2wast/pkg/ssa"
)

// SwitchEdge is one out-edge of a switch terminator in structurer order.
// The renderer looks destinations up by position among the non-default
// edges when building the br_table.
type SwitchEdge struct {
	Dest      *ssa.BasicBlock
	IsDefault bool
}

// RenderInterface is the callback surface the relooper drives. Implementors
// keep the frame stack; the relooper guarantees begin/end pairing.
type RenderInterface interface {
	RenderBlock(b *ssa.BasicBlock)
	RenderIfBlockBegin(b *ssa.BasicBlock, branchID int, first bool)
	RenderIfBlockBeginSkip(b *ssa.BasicBlock, skipBranchIDs []int, first bool)
	RenderElseBlockBegin()
	RenderBlockEnd()
	RenderBlockPrologue(to, from *ssa.BasicBlock)
	HasBlockPrologue(to, from *ssa.BasicBlock) bool
	RenderWhileBlockBegin()
	RenderWhileBlockBeginLabeled(labelID int)
	RenderDoBlockBegin()
	RenderDoBlockBeginLabeled(labelID int)
	RenderDoBlockEnd()
	RenderBreak()
	RenderBreakLabeled(labelID int)
	RenderContinue()
	RenderContinueLabeled(labelID int)
	RenderLabel(labelID int)
	RenderIfOnLabel(labelID int, first bool)
	RenderSwitchOnLabel(labelIDs []int)
	RenderCaseOnLabel(labelID int)
	RenderSwitchBlockBegin(sw *ssa.Instr, edges []SwitchEdge)
	RenderCaseBlockBegin(b *ssa.BasicBlock, branchID int)
	RenderDefaultBlockBegin()
}

type branchKind int

const (
	brDirect branchKind = iota
	brBreak
	brContinue
)

type branch struct {
	target   *block
	branchID int // condition index; -1 is the default arm
	kind     branchKind
	ancestor breakable // break/continue target once solipsized
}

type block struct {
	bb  *ssa.BasicBlock
	id  int
	out []*branch
	in  map[*block]bool

	// checked marks an entry selected through the label local rather than
	// a branch condition.
	checked bool
}

// breakable is a shape a break or continue can target: loops and do-wrapped
// multiples.
type breakable interface {
	labelID() int
}

type shape interface {
	render(rl *Relooper, ri RenderInterface)
	next() shape
}

type simpleShape struct {
	inner *block
	nxt   shape
}

type multipleShape struct {
	id      int
	handled map[int]shape // keyed by entry block id
	order   []int
	breaks  int
	nxt     shape

	// fusedWith is the block whose branch arms render the handled shapes
	// inline; nil means label dispatch.
	fusedWith *block
}

type loopShape struct {
	id    int
	inner shape
	nxt   shape
}

func (s *simpleShape) next() shape   { return s.nxt }
func (s *multipleShape) next() shape { return s.nxt }
func (s *loopShape) next() shape     { return s.nxt }

func (s *multipleShape) labelID() int { return s.id }
func (s *loopShape) labelID() int     { return s.id }

// Relooper holds the per-function structuring state.
type Relooper struct {
	fn       *ssa.Function
	blocks   map[*ssa.BasicBlock]*block
	root     shape
	shapeSeq int
	needs    bool
}

// New builds the branch graph for fn and computes its shape tree.
func New(fn *ssa.Function) *Relooper {
	rl := &Relooper{fn: fn, blocks: make(map[*ssa.BasicBlock]*block)}
	for _, bb := range fn.Blocks {
		rl.blocks[bb] = &block{bb: bb, id: bb.ID, in: make(map[*block]bool)}
	}
	for _, bb := range fn.Blocks {
		b := rl.blocks[bb]
		term := bb.Terminator()
		if term == nil {
			continue
		}
		switch term.Op {
		case ssa.OpBr:
			b.addBranch(rl.blocks[term.Dests[0]], -1)
		case ssa.OpCondBr:
			b.addBranch(rl.blocks[term.Dests[0]], 0)
			b.addBranch(rl.blocks[term.Dests[1]], -1)
		case ssa.OpSwitch:
			for i, c := range term.Cases {
				dest := rl.blocks[c.Dest]
				if b.hasBranch(dest) {
					// Additional case values for the same destination fold
					// into the first branch.
					continue
				}
				b.addBranch(dest, i+1)
			}
			// The default arm keeps its own branch even when it shares a
			// destination with a case.
			b.addBranch(rl.blocks[term.Dests[0]], -1)
		}
	}

	all := make(map[*block]bool, len(rl.blocks))
	for _, b := range rl.blocks {
		all[b] = true
	}
	if entry := fn.Entry(); entry != nil {
		rl.root = rl.process(all, []*block{rl.blocks[entry]}, nil)
	}
	return rl
}

func (b *block) addBranch(target *block, branchID int) {
	br := &branch{target: target, branchID: branchID}
	b.out = append(b.out, br)
	target.in[b] = true
}

func (b *block) hasBranch(target *block) bool {
	for _, br := range b.out {
		if br.target == target {
			return true
		}
	}
	return false
}

// NeedsLabel reports whether any shape dispatches on the label local.
func (rl *Relooper) NeedsLabel() bool { return rl.needs }

// Render drives ri over the computed shape tree.
func (rl *Relooper) Render(ri RenderInterface) {
	for s := rl.root; s != nil; s = s.next() {
		s.render(rl, ri)
	}
}

func (rl *Relooper) nextShapeID() int {
	rl.shapeSeq++
	return rl.shapeSeq
}

func sortedBlocks(set map[*block]bool) []*block {
	out := make([]*block, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func sortEntries(entries []*block) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
}

// process structures the given block set. fuse, when non-nil, is the block
// whose terminator conditions may select a resulting multiple's entries
// directly; otherwise those entries dispatch on the label local.
func (rl *Relooper) process(blocks map[*block]bool, entries []*block, fuse *block) shape {
	sortEntries(entries)
	if len(blocks) == 0 || len(entries) == 0 {
		return nil
	}
	if len(entries) == 1 {
		e := entries[0]
		looping := false
		for from := range e.in {
			if blocks[from] {
				looping = true
				break
			}
		}
		if !looping {
			return rl.makeSimple(blocks, e)
		}
		return rl.makeLoop(blocks, entries)
	}
	groups := rl.findIndependentGroups(blocks, entries)
	if len(groups) > 0 {
		return rl.makeMultiple(blocks, entries, groups, fuse)
	}
	return rl.makeLoop(blocks, entries)
}

func (rl *Relooper) makeSimple(blocks map[*block]bool, entry *block) shape {
	s := &simpleShape{inner: entry}
	delete(blocks, entry)

	nextSet := make(map[*block]bool)
	for _, br := range entry.out {
		if br.kind == brDirect && blocks[br.target] {
			nextSet[br.target] = true
			delete(br.target.in, entry)
		}
	}
	nextEntries := sortedBlocks(nextSet)
	s.nxt = rl.process(blocks, nextEntries, entry)
	return s
}

func (rl *Relooper) makeLoop(blocks map[*block]bool, entries []*block) shape {
	l := &loopShape{id: rl.nextShapeID()}

	// Everything that can reach an entry stays inside the loop.
	inner := make(map[*block]bool)
	queue := append([]*block(nil), entries...)
	for _, e := range entries {
		inner[e] = true
	}
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		for from := range curr.in {
			if blocks[from] && !inner[from] {
				inner[from] = true
				queue = append(queue, from)
			}
		}
	}

	isEntry := func(b *block) bool {
		for _, e := range entries {
			if e == b {
				return true
			}
		}
		return false
	}

	breakSet := make(map[*block]bool)
	for b := range inner {
		for _, br := range b.out {
			if br.kind != brDirect {
				continue
			}
			if isEntry(br.target) {
				br.kind = brContinue
				br.ancestor = l
				delete(br.target.in, b)
			} else if !inner[br.target] {
				br.kind = brBreak
				br.ancestor = l
				breakSet[br.target] = true
				delete(br.target.in, b)
			}
		}
	}
	for b := range inner {
		delete(blocks, b)
	}

	if len(entries) > 1 {
		rl.markChecked(entries)
	}
	l.inner = rl.process(inner, entries, nil)
	l.nxt = rl.process(blocks, sortedBlocks(breakSet), nil)
	return l
}

func (rl *Relooper) markChecked(entries []*block) {
	rl.needs = true
	for _, e := range entries {
		e.checked = true
	}
}

// findIndependentGroups assigns each non-entry block to the unique entry that
// reaches it, when one exists. Blocks reachable from two entries, and entries
// reachable from another entry's group, are left for the next shape.
func (rl *Relooper) findIndependentGroups(blocks map[*block]bool, entries []*block) map[*block]map[*block]bool {
	const shared = -1
	owner := make(map[*block]int) // block id of owning entry, or shared
	isEntry := make(map[*block]bool)
	for _, e := range entries {
		isEntry[e] = true
	}

	invalidEntry := make(map[*block]bool)
	var queue []*block
	for _, e := range entries {
		owner[e] = e.id
		queue = append(queue, e)
	}

	var invalidate func(b *block)
	invalidate = func(b *block) {
		if o, ok := owner[b]; !ok || o == shared {
			return
		}
		owner[b] = shared
		for _, br := range b.out {
			if br.kind == brDirect && blocks[br.target] && !isEntry[br.target] {
				invalidate(br.target)
			}
		}
	}

	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		o := owner[curr]
		if o == shared {
			continue
		}
		for _, br := range curr.out {
			t := br.target
			if br.kind != brDirect || !blocks[t] {
				continue
			}
			if isEntry[t] {
				if t.id != o {
					invalidEntry[t] = true
				}
				continue
			}
			if prev, seen := owner[t]; !seen {
				owner[t] = o
				queue = append(queue, t)
			} else if prev != o && prev != shared {
				invalidate(t)
			}
		}
	}

	groups := make(map[*block]map[*block]bool)
	for _, e := range entries {
		if invalidEntry[e] {
			continue
		}
		groups[e] = map[*block]bool{e: true}
	}
	for b := range blocks {
		if isEntry[b] {
			continue
		}
		if o, ok := owner[b]; ok && o != shared {
			for e := range groups {
				if e.id == o {
					groups[e][b] = true
				}
			}
		}
	}
	return groups
}

func (rl *Relooper) makeMultiple(blocks map[*block]bool, entries []*block, groups map[*block]map[*block]bool, fuse *block) shape {
	m := &multipleShape{id: rl.nextShapeID(), handled: make(map[int]shape)}

	handledEntries := make([]*block, 0, len(groups))
	for e := range groups {
		handledEntries = append(handledEntries, e)
	}
	sortEntries(handledEntries)

	inGroupOf := make(map[*block]*block)
	for e, g := range groups {
		for b := range g {
			inGroupOf[b] = e
		}
	}

	nextSet := make(map[*block]bool)
	var nextEntries []*block
	for _, e := range entries {
		if _, ok := groups[e]; !ok {
			nextEntries = append(nextEntries, e)
		}
	}

	// Branches leaving a group break out of the multiple; their targets seed
	// the next shape.
	for _, e := range handledEntries {
		for b := range groups[e] {
			for _, br := range b.out {
				if br.kind != brDirect || !blocks[br.target] {
					continue
				}
				if inGroupOf[br.target] == e {
					continue
				}
				br.kind = brBreak
				br.ancestor = m
				m.breaks++
				delete(br.target.in, b)
				if !nextSet[br.target] {
					nextSet[br.target] = true
					nextEntries = append(nextEntries, br.target)
				}
			}
		}
	}

	fused := fuse != nil
	if fused {
		for _, e := range handledEntries {
			if fused && !fuse.hasDirectBranch(e) {
				fused = false
			}
		}
	}
	if !fused {
		rl.markChecked(handledEntries)
	}

	for _, e := range handledEntries {
		group := groups[e]
		for b := range group {
			delete(blocks, b)
		}
		m.order = append(m.order, e.id)
		m.handled[e.id] = rl.process(group, []*block{e}, nil)
	}
	if fused {
		m.fusedWith = fuse
	}

	seen := make(map[*block]bool)
	var uniq []*block
	for _, e := range nextEntries {
		if blocks[e] && !seen[e] {
			seen[e] = true
			uniq = append(uniq, e)
		}
	}
	m.nxt = rl.process(blocks, uniq, nil)
	return m
}

func (b *block) hasDirectBranch(target *block) bool {
	for _, br := range b.out {
		if br.kind == brDirect && br.target == target {
			return true
		}
	}
	return false
}
