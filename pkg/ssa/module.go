package ssa

// BasicBlock holds instructions ending in exactly one terminator. ID is the
// position in the parent's block list and doubles as the label-dispatch id.
type BasicBlock struct {
	Name   string
	ID     int
	Parent *Function
	Instrs []*Instr

	preds []*BasicBlock
}

func (b *BasicBlock) Terminator() *Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	last := b.Instrs[len(b.Instrs)-1]
	if !last.IsTerminator() {
		return nil
	}
	return last
}

func (b *BasicBlock) Successors() []*BasicBlock {
	if t := b.Terminator(); t != nil {
		return t.Successors()
	}
	return nil
}

func (b *BasicBlock) Preds() []*BasicBlock { return b.preds }

// Phis returns the leading phi instructions.
func (b *BasicBlock) Phis() []*Instr {
	var phis []*Instr
	for _, in := range b.Instrs {
		if !in.IsPhi() {
			break
		}
		phis = append(phis, in)
	}
	return phis
}

func (b *BasicBlock) HasPhis() bool {
	return len(b.Instrs) > 0 && b.Instrs[0].IsPhi()
}

// Append adds an instruction and sets its parent link. Use counts are not
// maintained incrementally; call Function.Finish once the body is complete.
func (b *BasicBlock) Append(in *Instr) *Instr {
	in.Block = b
	b.Instrs = append(b.Instrs, in)
	return in
}

type Function struct {
	Name    string
	Params  []*Argument
	RetType *Type
	Blocks  []*BasicBlock
	VarArg  bool
	Section string
	// Decl marks functions with no body: imports resolved by the embedder.
	Decl bool
}

func (f *Function) ParamTypes() []*Type {
	tys := make([]*Type, len(f.Params))
	for i, p := range f.Params {
		tys[i] = p.Typ
	}
	return tys
}

func (f *Function) NumArgs() int { return len(f.Params) }

func (f *Function) Entry() *BasicBlock {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

func (f *Function) AddBlock(name string) *BasicBlock {
	b := &BasicBlock{Name: name, ID: len(f.Blocks), Parent: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// ComputePreds rebuilds predecessor lists from the terminators.
func (f *Function) ComputePreds() {
	for _, b := range f.Blocks {
		b.preds = nil
	}
	for _, b := range f.Blocks {
		for _, s := range b.Successors() {
			seen := false
			for _, p := range s.preds {
				if p == b {
					seen = true
					break
				}
			}
			if !seen {
				s.preds = append(s.preds, b)
			}
		}
	}
}

func (f *Function) SigString() string { return SigString(f.ParamTypes(), f.RetType) }

// ComputeUses recounts every instruction's uses from scratch.
func (f *Function) ComputeUses() {
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			in.uses = 0
		}
	}
	bump := func(v Value) {
		if def, ok := v.(*Instr); ok {
			def.uses++
		}
	}
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			for _, op := range in.Ops {
				bump(op)
			}
			for _, inc := range in.Incoming {
				bump(inc.V)
			}
			if in.Callee != nil {
				if _, isFunc := in.Callee.(*Function); !isFunc {
					bump(in.Callee)
				}
			}
		}
	}
}

// Finish recomputes the derived state (predecessors, use counts) after the
// body is built.
func (f *Function) Finish() {
	f.ComputePreds()
	f.ComputeUses()
}

type Module struct {
	Funcs        []*Function
	Globals      []*GlobalVar
	Constructors []*Function
	// Start names the bootstrap entry point, when the input declares one.
	Start string

	pendingCalls []pendingCall
}

type pendingCall struct {
	name string
	in   *Instr
	line int
}

func (m *Module) Func(name string) *Function {
	for _, f := range m.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (m *Module) Global(name string) *GlobalVar {
	for _, g := range m.Globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}
