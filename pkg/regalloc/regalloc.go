// Package regalloc assigns typed local registers to SSA values and answers
// the queries the backend needs while serializing a function: the register of
// a value, the per-function register set, and the edge-specific alternates
// used to break phi copy cycles.
package regalloc

import (
	"sort"

	"github.com/xplshn/ssa2wast/pkg/ssa"
)

type RegKind int

const (
	Integer RegKind = iota
	Float
	Double
)

type RegisterInfo struct {
	Kind RegKind
}

// InlinePolicy decides whether an instruction is folded into its single use
// instead of being materialized into a register. The backend treats the
// policy as opaque; nil means nothing is ever inlined.
type InlinePolicy func(*ssa.Instr) bool

// SingleUsePure is the permissive policy: pure single-use values fold into
// their use. Loads stay out since they cannot be reordered past stores.
func SingleUsePure(in *ssa.Instr) bool {
	if in.NumUses() != 1 || in.IsTerminator() || in.IsPhi() {
		return false
	}
	if in.MayHaveSideEffects() || in.ReadsMemory() {
		return false
	}
	return true
}

type edgeKey struct {
	from, to *ssa.BasicBlock
}

type Registerize struct {
	fn      *ssa.Function
	policy  InlinePolicy
	regs    []RegisterInfo
	ids     map[*ssa.Instr]int
	edgeIDs map[edgeKey]map[*ssa.Instr]int

	// remapped holds, per edge, the values whose reads go through the
	// edge-specific alternate while the edge context is active.
	remapped map[edgeKey]map[*ssa.Instr]bool

	ctxFrom, ctxTo *ssa.BasicBlock
	ctxActive      bool
}

// New runs the allocation over fn. The analysis is deterministic: blocks and
// instructions are visited in program order, so register ids are stable
// across runs.
func New(fn *ssa.Function, policy InlinePolicy) *Registerize {
	r := &Registerize{
		fn:       fn,
		policy:   policy,
		ids:      make(map[*ssa.Instr]int),
		edgeIDs:  make(map[edgeKey]map[*ssa.Instr]int),
		remapped: make(map[edgeKey]map[*ssa.Instr]bool),
	}
	r.assign()
	r.planEdges()
	return r
}

func KindOf(t *ssa.Type) RegKind {
	switch {
	case t == nil:
		return Integer
	case t.Kind == ssa.Float:
		return Float
	case t.Kind == ssa.Double:
		return Double
	}
	return Integer
}

func (r *Registerize) newReg(t *ssa.Type) int {
	r.regs = append(r.regs, RegisterInfo{Kind: KindOf(t)})
	return len(r.regs) - 1
}

func (r *Registerize) assign() {
	for _, b := range r.fn.Blocks {
		for _, in := range b.Instrs {
			if in.Typ.IsVoid() || in.IsTerminator() {
				continue
			}
			if r.IsInlineable(in) {
				continue
			}
			r.ids[in] = r.newReg(in.Typ)
		}
	}
	// A phi whose incoming is a register-bound value dying at the phi can
	// share the phi's register; the edge copy then elides itself.
	for _, b := range r.fn.Blocks {
		for _, phi := range b.Phis() {
			for _, inc := range phi.Incoming {
				def, ok := inc.V.(*ssa.Instr)
				if !ok || def.IsPhi() || def.NumUses() != 1 {
					continue
				}
				if _, bound := r.ids[def]; !bound {
					continue
				}
				if KindOf(def.Typ) != KindOf(phi.Typ) {
					continue
				}
				r.ids[def] = r.ids[phi]
			}
		}
	}
}

// IsInlineable reports whether the policy folds in into its use.
func (r *Registerize) IsInlineable(in *ssa.Instr) bool {
	if r.policy == nil {
		return false
	}
	return r.policy(in)
}

// RegisterID returns the register index of v. While an edge context is
// active, values shadowed on that edge read from their alternate register.
func (r *Registerize) RegisterID(in *ssa.Instr) int {
	if r.ctxActive {
		k := edgeKey{r.ctxFrom, r.ctxTo}
		if r.remapped[k][in] {
			return r.edgeIDs[k][in]
		}
	}
	return r.ids[in]
}

// RegisterIDForEdge returns the alternate register assigned to in on the
// given edge. Alternates exist only for values involved in a phi copy cycle
// on that edge.
func (r *Registerize) RegisterIDForEdge(in *ssa.Instr, from, to *ssa.BasicBlock) int {
	return r.edgeIDs[edgeKey{from, to}][in]
}

func (r *Registerize) SetEdgeContext(from, to *ssa.BasicBlock) {
	r.ctxFrom, r.ctxTo, r.ctxActive = from, to, true
}

func (r *Registerize) ClearEdgeContext() { r.ctxActive = false }

// RegistersForFunction returns the full register set, alternates included.
func (r *Registerize) RegistersForFunction() []RegisterInfo { return r.regs }

// PHIHandler receives the edge-ordered phi events. HandleRecursivePHIDependency
// fires before an assignment would clobber a source still pending a read.
type PHIHandler interface {
	HandleRecursivePHIDependency(incoming *ssa.Instr)
	HandlePHI(phi *ssa.Instr, incoming ssa.Value)
}

type phiMove struct {
	phi      *ssa.Instr
	incoming ssa.Value
}

// RunOnEdge walks the phis of to that receive a value from from, ordering the
// assignments so no pending source register is overwritten first. Copy cycles
// are broken by surfacing HandleRecursivePHIDependency for one participant,
// after which reads of that value go through its edge alternate.
func (r *Registerize) RunOnEdge(from, to *ssa.BasicBlock, h PHIHandler) {
	k := edgeKey{from, to}
	shadow := make(map[*ssa.Instr]bool)

	var pending []phiMove
	for _, phi := range to.Phis() {
		for _, inc := range phi.Incoming {
			if inc.Pred == from {
				pending = append(pending, phiMove{phi, inc.V})
			}
		}
	}

	// sourceReg resolves the register a move currently reads, nil when the
	// incoming is not a register-bound value.
	sourceReg := func(m phiMove) (int, *ssa.Instr, bool) {
		def, ok := m.incoming.(*ssa.Instr)
		if !ok || r.IsInlineable(def) {
			return 0, nil, false
		}
		id, bound := r.ids[def]
		if !bound {
			return 0, nil, false
		}
		if shadow[def] {
			return r.edgeIDs[k][def], def, true
		}
		return id, def, true
	}

	for len(pending) > 0 {
		progressed := false
		for i := 0; i < len(pending); i++ {
			m := pending[i]
			dst := r.ids[m.phi]
			clobbers := false
			for j, other := range pending {
				if j == i {
					continue
				}
				if src, _, ok := sourceReg(other); ok && src == dst {
					clobbers = true
					break
				}
			}
			if clobbers {
				continue
			}
			h.HandlePHI(m.phi, m.incoming)
			pending = append(pending[:i], pending[i+1:]...)
			i--
			progressed = true
		}
		if progressed || len(pending) == 0 {
			continue
		}
		// Every remaining move clobbers another: a cycle. Shadow the first
		// register-read source into its alternate.
		broke := false
		for _, m := range pending {
			_, def, ok := sourceReg(m)
			if !ok || shadow[def] {
				continue
			}
			h.HandleRecursivePHIDependency(def)
			shadow[def] = true
			if r.remapped[k] == nil {
				r.remapped[k] = make(map[*ssa.Instr]bool)
			}
			r.remapped[k][def] = true
			broke = true
			break
		}
		if !broke {
			// No register source left to shadow; emit in given order.
			for _, m := range pending {
				h.HandlePHI(m.phi, m.incoming)
			}
			return
		}
	}
}

// planEdges pre-allocates the edge alternates so the full register set is
// known before any locals are emitted.
func (r *Registerize) planEdges() {
	type edge struct{ from, to *ssa.BasicBlock }
	var edges []edge
	for _, b := range r.fn.Blocks {
		for _, s := range b.Successors() {
			if s.HasPhis() {
				edges = append(edges, edge{b, s})
			}
		}
	}
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].from.ID != edges[j].from.ID {
			return edges[i].from.ID < edges[j].from.ID
		}
		return edges[i].to.ID < edges[j].to.ID
	})
	for _, e := range edges {
		k := edgeKey{e.from, e.to}
		alloc := &edgePlanner{r: r, k: k}
		r.RunOnEdge(e.from, e.to, alloc)
		// RunOnEdge marks remapped values while planning; reset so emission
		// starts from a clean slate and re-marks in the same order.
		delete(r.remapped, k)
	}
}

type edgePlanner struct {
	r *Registerize
	k edgeKey
}

func (p *edgePlanner) HandleRecursivePHIDependency(incoming *ssa.Instr) {
	if p.r.edgeIDs[p.k] == nil {
		p.r.edgeIDs[p.k] = make(map[*ssa.Instr]int)
	}
	if _, ok := p.r.edgeIDs[p.k][incoming]; !ok {
		p.r.edgeIDs[p.k][incoming] = p.r.newReg(incoming.Typ)
	}
}

func (p *edgePlanner) HandlePHI(*ssa.Instr, ssa.Value) {}
