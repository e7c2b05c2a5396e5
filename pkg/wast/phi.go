package wast

import "github.com/xplshn/ssa2wast/pkg/ssa"

// phiNeedsCopy reports whether realizing phi's incoming value on this edge
// takes an actual assignment. An incoming register that already is the phi's
// register elides the copy.
func (w *Writer) phiNeedsCopy(phi *ssa.Instr, incoming ssa.Value) bool {
	def, ok := incoming.(*ssa.Instr)
	if !ok {
		return true
	}
	return w.reg.IsInlineable(def) || w.reg.RegisterID(phi) != w.reg.RegisterID(def)
}

type copyProbe struct {
	w     *Writer
	needs bool
}

func (p *copyProbe) HandleRecursivePHIDependency(*ssa.Instr) {}

func (p *copyProbe) HandlePHI(phi *ssa.Instr, incoming ssa.Value) {
	p.needs = p.needs || p.w.phiNeedsCopy(phi, incoming)
}

// edgeNeedsCopy reports whether any phi on the edge emits an assignment.
func (w *Writer) edgeNeedsCopy(to, from *ssa.BasicBlock) bool {
	probe := &copyProbe{w: w}
	w.reg.RunOnEdge(from, to, probe)
	return probe.needs
}

type phiEmitter struct {
	w        *Writer
	from, to *ssa.BasicBlock
}

func (e *phiEmitter) HandleRecursivePHIDependency(incoming *ssa.Instr) {
	// Park the about-to-be-clobbered source in its edge alternate; reads on
	// this edge are redirected there.
	e.w.printf("get_local %d\n", 1+e.w.currentFun.NumArgs()+e.w.reg.RegisterID(incoming))
	e.w.printf("set_local %d\n", 1+e.w.currentFun.NumArgs()+e.w.reg.RegisterIDForEdge(incoming, e.from, e.to))
}

func (e *phiEmitter) HandlePHI(phi *ssa.Instr, incoming ssa.Value) {
	if !e.w.phiNeedsCopy(phi, incoming) {
		return
	}
	e.w.reg.SetEdgeContext(e.from, e.to)
	e.w.compileOperand(incoming)
	e.w.reg.ClearEdgeContext()
	e.w.printf("\nset_local %d\n", 1+e.w.currentFun.NumArgs()+e.w.reg.RegisterID(phi))
}

// compilePHIOfBlockFromOtherBlock realizes all phis of to for the edge
// from -> to.
func (w *Writer) compilePHIOfBlockFromOtherBlock(to, from *ssa.BasicBlock) {
	w.reg.RunOnEdge(from, to, &phiEmitter{w: w, from: from, to: to})
}
