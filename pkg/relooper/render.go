package relooper

import "github.com/xplshn/ssa2wast/pkg/ssa"

func renderChain(rl *Relooper, s shape, ri RenderInterface) {
	for ; s != nil; s = s.next() {
		s.render(rl, ri)
	}
}

func (s *simpleShape) render(rl *Relooper, ri RenderInterface) {
	b := s.inner
	ri.RenderBlock(b.bb)

	var fused *multipleShape
	if m, ok := s.nxt.(*multipleShape); ok && m.fusedWith == b {
		fused = m
	}
	rl.renderBranches(b, fused, ri)
}

func (rl *Relooper) renderBranches(b *block, fused *multipleShape, ri RenderInterface) {
	if len(b.out) == 0 {
		return
	}
	wrap := fused != nil && fused.breaks > 0
	if wrap {
		ri.RenderDoBlockBeginLabeled(fused.id)
	}

	term := b.bb.Terminator()
	switch {
	case len(b.out) == 1:
		rl.renderBranchArm(b, b.out[0], fused, ri, false)
	case term != nil && term.Op == ssa.OpSwitch:
		var edges []SwitchEdge
		var def *branch
		for _, br := range b.out {
			if br.branchID < 0 {
				def = br
				continue
			}
			edges = append(edges, SwitchEdge{Dest: br.target.bb})
		}
		edges = append(edges, SwitchEdge{Dest: def.target.bb, IsDefault: true})
		ri.RenderSwitchBlockBegin(term, edges)
		for _, br := range b.out {
			if br.branchID < 0 {
				continue
			}
			ri.RenderCaseBlockBegin(br.target.bb, br.branchID)
			rl.renderBranchArm(b, br, fused, ri, true)
			ri.RenderBlockEnd()
		}
		ri.RenderDefaultBlockBegin()
		rl.renderBranchArm(b, def, fused, ri, true)
		ri.RenderBlockEnd()
		ri.RenderBlockEnd()
	default:
		// Conditional branch: the taken arm first, the fall-through arm as
		// the else when it has any content.
		var cond, def *branch
		for _, br := range b.out {
			if br.branchID == 0 {
				cond = br
			} else {
				def = br
			}
		}
		ri.RenderIfBlockBegin(b.bb, 0, true)
		rl.renderBranchArm(b, cond, fused, ri, false)
		if rl.armHasContent(b, def, fused, ri) {
			ri.RenderElseBlockBegin()
			rl.renderBranchArm(b, def, fused, ri, false)
		}
		ri.RenderBlockEnd()
	}

	if wrap {
		ri.RenderDoBlockEnd()
	}
}

func (rl *Relooper) armHasContent(from *block, br *branch, fused *multipleShape, ri RenderInterface) bool {
	if br.kind != brDirect || br.target.checked {
		return true
	}
	if fused != nil {
		if _, ok := fused.handled[br.target.id]; ok {
			return true
		}
	}
	return ri.HasBlockPrologue(br.target.bb, from.bb)
}

func (rl *Relooper) renderBranchArm(from *block, br *branch, fused *multipleShape, ri RenderInterface, inCase bool) {
	to := br.target
	if ri.HasBlockPrologue(to.bb, from.bb) {
		ri.RenderBlockPrologue(to.bb, from.bb)
	}
	if to.checked {
		ri.RenderLabel(to.id)
	}
	switch br.kind {
	case brBreak:
		ri.RenderBreakLabeled(br.ancestor.labelID())
	case brContinue:
		ri.RenderContinueLabeled(br.ancestor.labelID())
	case brDirect:
		if fused != nil {
			if h, ok := fused.handled[to.id]; ok {
				renderChain(rl, h, ri)
				return
			}
		}
		if inCase {
			// A case arm cannot fall through the br_table nest; exit the
			// switch explicitly.
			ri.RenderBreak()
		}
	}
}

func (m *multipleShape) render(rl *Relooper, ri RenderInterface) {
	if m.fusedWith != nil {
		// Rendered inline by the owning simple shape.
		return
	}
	if m.breaks > 0 {
		ri.RenderDoBlockBeginLabeled(m.id)
	}
	if len(m.order) >= 4 {
		ri.RenderSwitchOnLabel(m.order)
		for _, id := range m.order {
			ri.RenderCaseOnLabel(id)
			renderChain(rl, m.handled[id], ri)
			ri.RenderBlockEnd()
		}
		ri.RenderBlockEnd()
	} else {
		for i, id := range m.order {
			ri.RenderIfOnLabel(id, i == 0)
			renderChain(rl, m.handled[id], ri)
			ri.RenderBlockEnd()
		}
	}
	if m.breaks > 0 {
		ri.RenderDoBlockEnd()
	}
}

func (l *loopShape) render(rl *Relooper, ri RenderInterface) {
	ri.RenderWhileBlockBeginLabeled(l.id)
	renderChain(rl, l.inner, ri)
	ri.RenderBlockEnd()
}
