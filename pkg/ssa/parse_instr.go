package ssa

import (
	"strconv"
	"strings"
)

var binaryOps = map[string]Op{
	"add": OpAdd, "sub": OpSub, "mul": OpMul,
	"sdiv": OpSDiv, "udiv": OpUDiv, "srem": OpSRem, "urem": OpURem,
	"and": OpAnd, "or": OpOr, "xor": OpXor,
	"shl": OpShl, "ashr": OpAShr, "lshr": OpLShr,
	"fadd": OpFAdd, "fsub": OpFSub, "fmul": OpFMul, "fdiv": OpFDiv, "frem": OpFRem,
}

var castOps = map[string]Op{
	"trunc": OpTrunc, "zext": OpZExt, "sext": OpSExt,
	"fptrunc": OpFPTrunc, "fpext": OpFPExt,
	"sitofp": OpSIToFP, "uitofp": OpUIToFP,
	"fptosi": OpFPToSI, "fptoui": OpFPToUI,
	"bitcast": OpBitCast, "inttoptr": OpIntToPtr, "ptrtoint": OpPtrToInt,
}

var intPreds = map[string]Pred{
	"eq": EQ, "ne": NE,
	"sgt": SGT, "sge": SGE, "slt": SLT, "sle": SLE,
	"ugt": UGT, "uge": UGE, "ult": ULT, "ule": ULE,
}

// Ordered and unordered float predicates collapse onto the same lowering;
// the unordered spelling is remembered so the backend can diagnose the loss.
var floatPreds = map[string]Pred{
	"eq": FEQ, "oeq": FEQ, "ueq": FEQ,
	"ne": FNE, "one": FNE, "une": FNE,
	"lt": FLT, "olt": FLT, "ult": FLT,
	"gt": FGT, "ogt": FGT, "ugt": FGT,
	"le": FLE, "ole": FLE, "ule": FLE,
	"ge": FGE, "oge": FGE, "uge": FGE,
}

// setOperand installs a parsed operand, deferring %name references.
func (p *parser) setOperand(tok string, typ *Type, apply func(Value)) error {
	tok = strings.TrimSpace(tok)
	switch {
	case strings.HasPrefix(tok, "%"):
		name := strings.TrimPrefix(tok, "%")
		if v, ok := p.values[name]; ok {
			apply(v)
			return nil
		}
		p.fixups = append(p.fixups, fixup{name: name, line: p.line, apply: apply})
		return nil
	case strings.HasPrefix(tok, "@"):
		name := strings.TrimPrefix(tok, "@")
		if g := p.m.Global(name); g != nil {
			apply(g)
			return nil
		}
		if f := p.m.Func(name); f != nil {
			apply(f)
			return nil
		}
		return p.errf("unknown symbol @%s", name)
	case tok == "null":
		apply(&NullPtr{})
		return nil
	case tok == "undef":
		apply(&Undef{Typ: typ})
		return nil
	default:
		if typ.IsFloatKind() {
			f, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return p.errf("bad float literal %q", tok)
			}
			apply(&ConstFloat{Typ: typ, Val: f})
			return nil
		}
		n, err := strconv.ParseInt(tok, 0, 64)
		if err != nil {
			return p.errf("bad integer literal %q", tok)
		}
		t := typ
		if !t.IsInteger() {
			t = TypeI32
		}
		apply(&ConstInt{Typ: t, Val: n})
		return nil
	}
}

func (p *parser) opSlot(in *Instr, i int) func(Value) {
	return func(v Value) { in.Ops[i] = v }
}

func (p *parser) parseInstr(line string, blocks map[string]*BasicBlock, blockFixes *[]blockFixup) error {
	name := ""
	if strings.HasPrefix(line, "%") {
		eq := strings.Index(line, "=")
		if eq < 0 {
			return p.errf("malformed instruction %q", line)
		}
		name = strings.TrimPrefix(strings.TrimSpace(line[:eq]), "%")
		line = strings.TrimSpace(line[eq+1:])
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return p.errf("empty instruction")
	}
	mnemonic := fields[0]
	rest := strings.TrimSpace(strings.TrimPrefix(line, mnemonic))

	blockRef := func(tok string, apply func(*BasicBlock)) {
		tok = strings.TrimPrefix(strings.TrimSpace(tok), "%")
		if b, ok := blocks[tok]; ok {
			apply(b)
			return
		}
		*blockFixes = append(*blockFixes, blockFixup{name: tok, line: p.line, apply: apply})
	}

	register := func(in *Instr) *Instr {
		in.Name = name
		p.block.Append(in)
		if name != "" {
			p.values[name] = in
		}
		return in
	}

	if op, ok := binaryOps[mnemonic]; ok {
		args := splitTopLevel(rest)
		if len(args) != 2 {
			return p.errf("%s expects two operands", mnemonic)
		}
		lhs := strings.Fields(args[0])
		if len(lhs) != 2 {
			return p.errf("%s expects a typed first operand", mnemonic)
		}
		typ, err := parseType(lhs[0])
		if err != nil {
			return p.errf("%v", err)
		}
		in := register(&Instr{Op: op, Typ: typ, Ops: make([]Value, 2)})
		if err := p.setOperand(lhs[1], typ, p.opSlot(in, 0)); err != nil {
			return err
		}
		return p.setOperand(args[1], typ, p.opSlot(in, 1))
	}

	if op, ok := castOps[mnemonic]; ok {
		parts := strings.Fields(rest)
		if len(parts) != 2 {
			return p.errf("%s expects a target type and an operand", mnemonic)
		}
		typ, err := parseType(parts[0])
		if err != nil {
			return p.errf("%v", err)
		}
		in := register(&Instr{Op: op, Typ: typ, Ops: make([]Value, 1)})
		return p.setOperand(parts[1], typ, p.opSlot(in, 0))
	}

	switch mnemonic {
	case "icmp", "fcmp":
		parts := splitTopLevel(rest)
		if len(parts) != 2 {
			return p.errf("%s expects two operands", mnemonic)
		}
		lhs := strings.Fields(parts[0])
		if len(lhs) != 3 {
			return p.errf("%s expects predicate, type, operand", mnemonic)
		}
		var pred Pred
		unordered := false
		if mnemonic == "icmp" {
			var ok bool
			if pred, ok = intPreds[lhs[0]]; !ok {
				return p.errf("unknown predicate %q", lhs[0])
			}
		} else {
			var ok bool
			if pred, ok = floatPreds[lhs[0]]; !ok {
				return p.errf("unknown predicate %q", lhs[0])
			}
			unordered = strings.HasPrefix(lhs[0], "u")
		}
		typ, err := parseType(lhs[1])
		if err != nil {
			return p.errf("%v", err)
		}
		op := OpICmp
		if mnemonic == "fcmp" {
			op = OpFCmp
		}
		in := register(&Instr{Op: op, Typ: TypeI1, Pred: pred, Unordered: unordered, Ops: make([]Value, 2)})
		if err := p.setOperand(lhs[2], typ, p.opSlot(in, 0)); err != nil {
			return err
		}
		return p.setOperand(parts[1], typ, p.opSlot(in, 1))

	case "alloca":
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			return p.errf("alloca expects a size")
		}
		size, err := strconv.Atoi(parts[0])
		if err != nil {
			return p.errf("bad alloca size %q", parts[0])
		}
		align := 1
		for i := 1; i < len(parts)-1; i++ {
			if parts[i] == "align" {
				align, _ = strconv.Atoi(parts[i+1])
			}
		}
		register(&Instr{
			Op:        OpAlloca,
			Typ:       PointerTo(TypeI8, size, align),
			AllocSize: size,
			Align:     align,
		})
		return nil

	case "load":
		parts := splitTopLevel(rest)
		if len(parts) != 2 {
			return p.errf("load expects a type and a pointer")
		}
		typ, err := parseType(parts[0])
		if err != nil {
			return p.errf("%v", err)
		}
		in := register(&Instr{Op: OpLoad, Typ: typ, Ops: make([]Value, 1)})
		return p.setOperand(parts[1], PointerTo(typ, typeSize(typ), typeSize(typ)), p.opSlot(in, 0))

	case "store":
		parts := splitTopLevel(rest)
		if len(parts) != 2 {
			return p.errf("store expects a typed value and a pointer")
		}
		val := strings.Fields(parts[0])
		if len(val) != 2 {
			return p.errf("store expects a typed value")
		}
		typ, err := parseType(val[0])
		if err != nil {
			return p.errf("%v", err)
		}
		in := register(&Instr{Op: OpStore, Typ: TypeVoid, Ops: make([]Value, 2)})
		if err := p.setOperand(val[1], typ, p.opSlot(in, 0)); err != nil {
			return err
		}
		return p.setOperand(parts[1], PointerTo(typ, typeSize(typ), typeSize(typ)), p.opSlot(in, 1))

	case "gep":
		parts := splitTopLevel(rest)
		if len(parts) < 1 {
			return p.errf("gep expects a base pointer")
		}
		base := strings.Fields(parts[0])
		baseType := PointerTo(TypeI8, 1, 1)
		baseTok := base[0]
		if len(base) == 2 {
			t, err := parseType(base[0])
			if err != nil {
				return p.errf("%v", err)
			}
			baseType = t
			baseTok = base[1]
		}
		in := register(&Instr{Op: OpGEP, Typ: baseType, Ops: make([]Value, 1)})
		if err := p.setOperand(baseTok, baseType, p.opSlot(in, 0)); err != nil {
			return err
		}
		for _, comp := range parts[1:] {
			comp = strings.TrimSpace(comp)
			if star := strings.Index(comp, "*"); star >= 0 {
				scale, err := strconv.Atoi(strings.TrimSpace(comp[star+1:]))
				if err != nil {
					return p.errf("bad gep scale in %q", comp)
				}
				part := GepPart{Scale: uint32(scale)}
				idx := len(in.Gep)
				in.Gep = append(in.Gep, part)
				if err := p.setOperand(comp[:star], TypeI32, func(v Value) { in.Gep[idx].Index = v }); err != nil {
					return err
				}
			} else {
				off, err := strconv.Atoi(comp)
				if err != nil {
					return p.errf("bad gep offset %q", comp)
				}
				in.Gep = append(in.Gep, GepPart{Offset: uint32(off)})
			}
		}
		return nil

	case "select":
		parts := splitTopLevel(rest)
		if len(parts) != 3 {
			return p.errf("select expects condition and two values")
		}
		cond := strings.Fields(parts[0])
		if len(cond) != 2 {
			return p.errf("select expects a typed condition form")
		}
		typ, err := parseType(cond[0])
		if err != nil {
			return p.errf("%v", err)
		}
		in := register(&Instr{Op: OpSelect, Typ: typ, Ops: make([]Value, 3)})
		if err := p.setOperand(parts[1], typ, p.opSlot(in, 0)); err != nil {
			return err
		}
		if err := p.setOperand(parts[2], typ, p.opSlot(in, 1)); err != nil {
			return err
		}
		return p.setOperand(cond[1], TypeI1, p.opSlot(in, 2))

	case "call", "call_indirect":
		return p.parseCall(mnemonic, rest, register)

	case "vaarg":
		parts := strings.Fields(rest)
		if len(parts) != 2 {
			return p.errf("vaarg expects a type and a va_list pointer")
		}
		typ, err := parseType(parts[0])
		if err != nil {
			return p.errf("%v", err)
		}
		in := register(&Instr{Op: OpVAArg, Typ: typ, Ops: make([]Value, 1)})
		return p.setOperand(parts[1], PointerTo(TypeI32, 4, 4), p.opSlot(in, 0))

	case "phi":
		parts := strings.Fields(rest)
		if len(parts) < 1 {
			return p.errf("phi expects a type")
		}
		typ, err := parseType(parts[0])
		if err != nil {
			return p.errf("%v", err)
		}
		in := register(&Instr{Op: OpPhi, Typ: typ})
		body := strings.TrimSpace(strings.TrimPrefix(rest, parts[0]))
		for _, arm := range splitBrackets(body) {
			pieces := splitTopLevel(arm)
			if len(pieces) != 2 {
				return p.errf("malformed phi arm %q", arm)
			}
			idx := len(in.Incoming)
			in.Incoming = append(in.Incoming, PhiIncoming{})
			if err := p.setOperand(pieces[0], typ, func(v Value) { in.Incoming[idx].V = v }); err != nil {
				return err
			}
			blockRef(pieces[1], func(b *BasicBlock) { in.Incoming[idx].Pred = b })
		}
		return nil

	case "br":
		parts := splitTopLevel(rest)
		switch len(parts) {
		case 1:
			in := register(&Instr{Op: OpBr, Typ: TypeVoid, Dests: make([]*BasicBlock, 1)})
			blockRef(parts[0], func(b *BasicBlock) { in.Dests[0] = b })
			return nil
		case 3:
			in := register(&Instr{Op: OpCondBr, Typ: TypeVoid, Ops: make([]Value, 1), Dests: make([]*BasicBlock, 2)})
			if err := p.setOperand(parts[0], TypeI1, p.opSlot(in, 0)); err != nil {
				return err
			}
			blockRef(parts[1], func(b *BasicBlock) { in.Dests[0] = b })
			blockRef(parts[2], func(b *BasicBlock) { in.Dests[1] = b })
			return nil
		}
		return p.errf("br expects one or three operands")

	case "switch":
		open := strings.Index(rest, "[")
		closeIdx := strings.LastIndex(rest, "]")
		if open < 0 || closeIdx < open {
			return p.errf("switch expects a case table")
		}
		head := splitTopLevel(strings.TrimSpace(rest[:open]))
		if len(head) != 2 {
			return p.errf("switch expects a typed scrutinee and a default")
		}
		scrut := strings.Fields(head[0])
		if len(scrut) != 2 {
			return p.errf("switch expects a typed scrutinee")
		}
		typ, err := parseType(scrut[0])
		if err != nil {
			return p.errf("%v", err)
		}
		in := register(&Instr{Op: OpSwitch, Typ: TypeVoid, Ops: make([]Value, 1), Dests: make([]*BasicBlock, 1)})
		if err := p.setOperand(scrut[1], typ, p.opSlot(in, 0)); err != nil {
			return err
		}
		blockRef(head[1], func(b *BasicBlock) { in.Dests[0] = b })
		for _, c := range splitTopLevel(rest[open+1 : closeIdx]) {
			pieces := strings.Fields(c)
			if len(pieces) != 2 {
				return p.errf("malformed switch case %q", c)
			}
			val, err := strconv.ParseInt(pieces[0], 0, 64)
			if err != nil {
				return p.errf("bad case value %q", pieces[0])
			}
			idx := len(in.Cases)
			in.Cases = append(in.Cases, SwitchCase{Val: val})
			blockRef(pieces[1], func(b *BasicBlock) { in.Cases[idx].Dest = b })
		}
		return nil

	case "ret":
		if rest == "" {
			register(&Instr{Op: OpRet, Typ: TypeVoid})
			return nil
		}
		parts := strings.Fields(rest)
		if len(parts) != 2 {
			return p.errf("ret expects a typed value")
		}
		typ, err := parseType(parts[0])
		if err != nil {
			return p.errf("%v", err)
		}
		in := register(&Instr{Op: OpRet, Typ: TypeVoid, Ops: make([]Value, 1)})
		return p.setOperand(parts[1], typ, p.opSlot(in, 0))

	case "unreachable":
		register(&Instr{Op: OpUnreachable, Typ: TypeVoid})
		return nil
	}

	return p.errf("unknown instruction %q", mnemonic)
}

// parseCall handles `call T @f(args)` and `call_indirect T (params) %fp(args)`.
func (p *parser) parseCall(mnemonic, rest string, register func(*Instr) *Instr) error {
	parts := strings.Fields(rest)
	if len(parts) < 2 {
		return p.errf("%s expects a return type and a callee", mnemonic)
	}
	retType, err := parseType(parts[0])
	if err != nil {
		return p.errf("%v", err)
	}
	rest = strings.TrimSpace(strings.TrimPrefix(rest, parts[0]))

	in := &Instr{Op: OpCall, Typ: retType}

	if mnemonic == "call_indirect" {
		if !strings.HasPrefix(rest, "(") {
			return p.errf("call_indirect expects a parameter list")
		}
		closeIdx := strings.Index(rest, ")")
		sig := &Type{Kind: FuncType, Result: retType}
		for _, t := range splitTopLevel(rest[1:closeIdx]) {
			if t == "..." {
				sig.VarArg = true
				continue
			}
			pt, err := parseType(t)
			if err != nil {
				return p.errf("%v", err)
			}
			sig.Params = append(sig.Params, pt)
		}
		in.CalleeSig = sig
		rest = strings.TrimSpace(rest[closeIdx+1:])
	}

	open := strings.Index(rest, "(")
	closeIdx := strings.LastIndex(rest, ")")
	if open < 0 || closeIdx < open {
		return p.errf("%s expects an argument list", mnemonic)
	}
	calleeTok := strings.TrimSpace(rest[:open])
	register(in)

	if mnemonic == "call_indirect" {
		if err := p.setOperand(calleeTok, TypeI32, func(v Value) { in.Callee = v }); err != nil {
			return err
		}
	} else {
		name := strings.TrimPrefix(calleeTok, "@")
		in.Intrinsic = IntrinsicByName(name)
		if in.Intrinsic == NotIntrinsic {
			if f := p.m.Func(name); f != nil {
				in.Callee = f
			} else {
				// Forward reference; resolved when the module closes.
				p.m.pendingCalls = append(p.m.pendingCalls, pendingCall{name: name, in: in, line: p.line})
			}
		}
	}

	args := strings.TrimSpace(rest[open+1 : closeIdx])
	if args != "" {
		for _, a := range splitTopLevel(args) {
			tok := strings.Fields(a)
			typ := TypeI32
			valTok := tok[0]
			if len(tok) == 2 {
				t, err := parseType(tok[0])
				if err != nil {
					return p.errf("%v", err)
				}
				typ = t
				valTok = tok[1]
			}
			idx := len(in.Ops)
			in.Ops = append(in.Ops, nil)
			if err := p.setOperand(valTok, typ, p.opSlot(in, idx)); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitBrackets returns the contents of each top-level [ ... ] group.
func splitBrackets(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ']':
			depth--
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
			}
		}
	}
	return out
}
