package wast

import (
	"fmt"
	"math"
	"strconv"

	"github.com/xplshn/ssa2wast/pkg/config"
	"github.com/xplshn/ssa2wast/pkg/ssa"
	"github.com/xplshn/ssa2wast/pkg/util"
)

// typeString maps a source type onto the four target value kinds. Function
// values live in linear memory as table indices, hence i32.
func (w *Writer) typeString(t *ssa.Type) string {
	switch {
	case t.IsInteger(), t.IsPointer(), t != nil && t.Kind == ssa.FuncType:
		return "i32"
	case t != nil && t.Kind == ssa.Float:
		return "f32"
	case t != nil && t.Kind == ssa.Double:
		return "f64"
	}
	if t == nil {
		w.setErr(fmt.Errorf("unsupported type <nil>"))
	} else {
		w.setErr(fmt.Errorf("unsupported type (kind %d)", t.Kind))
	}
	return "i32"
}

func maskForBitWidth(bits int) uint32 {
	return uint32((uint64(1) << uint(bits)) - 1)
}

func intPredicate(p ssa.Pred) string {
	switch p {
	case ssa.EQ:
		return "eq"
	case ssa.NE:
		return "ne"
	case ssa.SGE:
		return "ge_s"
	case ssa.SGT:
		return "gt_s"
	case ssa.SLE:
		return "le_s"
	case ssa.SLT:
		return "lt_s"
	case ssa.UGE:
		return "ge_u"
	case ssa.UGT:
		return "gt_u"
	case ssa.ULE:
		return "le_u"
	case ssa.ULT:
		return "lt_u"
	}
	return ""
}

func floatPredicate(p ssa.Pred) string {
	switch p {
	case ssa.FEQ:
		return "eq"
	case ssa.FNE:
		return "ne"
	case ssa.FLT:
		return "lt"
	case ssa.FGT:
		return "gt"
	case ssa.FLE:
		return "le"
	case ssa.FGE:
		return "ge"
	}
	return ""
}

// compileOperand emits v as either a constant, an inlined sub-expression, or
// a local read. No trailing separator is emitted.
func (w *Writer) compileOperand(v ssa.Value) {
	switch val := v.(type) {
	case *ssa.Instr:
		if w.reg.IsInlineable(val) {
			w.compileInstruction(val)
		} else {
			w.printf("get_local %d", w.localForValue(val))
		}
	case *ssa.Argument:
		w.printf("get_local %d", val.Index)
	default:
		if ssa.IsConstant(v) {
			w.compileConstant(v)
			return
		}
		w.setErr(fmt.Errorf("cannot compile operand %T", v))
	}
}

// localForValue returns the local index of a register-bound instruction.
// Locals are ordered: arguments, the saved-stack-pointer slot, then the SSA
// registers.
func (w *Writer) localForValue(in *ssa.Instr) int {
	return 1 + w.currentFun.NumArgs() + w.reg.RegisterID(in)
}

func (w *Writer) compileConstant(v ssa.Value) {
	switch c := v.(type) {
	case *ssa.ConstExpr:
		w.compileConstantExpr(c)
	case *ssa.ConstInt:
		w.print(w.typeString(c.Typ))
		w.print(".const ")
		if c.Typ.Bits == 32 {
			w.printf("%d", int32(c.Val))
		} else {
			w.printf("%d", uint64(c.Val)&uint64(maskForBitWidth(c.Typ.Bits)))
		}
	case *ssa.ConstFloat:
		w.print(w.typeString(c.Typ))
		w.print(".const ")
		w.printFloat(c.Val, c.Typ.Kind == ssa.Float)
	case *ssa.GlobalVar:
		addr, err := w.lay.GlobalAddress(c)
		if err != nil {
			w.setErr(err)
			return
		}
		w.printf("i32.const %d", addr)
	case *ssa.NullPtr:
		w.print("i32.const 0")
	case *ssa.Undef:
		w.print("i32.const 0")
	case *ssa.Function:
		offset, table, err := w.deps.FunctionAddress(c)
		if err != nil {
			w.setErr(fmt.Errorf("function %q used as value without a table slot", c.Name))
			return
		}
		w.printf("i32.const %d", w.tableOffsets[table.Name]+uint32(offset))
	default:
		w.setErr(fmt.Errorf("cannot compile constant %T", v))
	}
}

func (w *Writer) printFloat(f float64, single bool) {
	switch {
	case math.IsInf(f, 1):
		w.print("infinity")
	case math.IsInf(f, -1):
		w.print("-infinity")
	case math.IsNaN(f):
		w.print("nan")
	case single:
		w.print(strconv.FormatFloat(f, 'x', -1, 32))
	default:
		w.print(strconv.FormatFloat(f, 'x', -1, 64))
	}
}

func (w *Writer) compileConstantExpr(ce *ssa.ConstExpr) {
	switch ce.Op {
	case ssa.OpGEP:
		w.compileGEP(ce.Gep, ce.Ops[0])
	case ssa.OpBitCast, ssa.OpIntToPtr, ssa.OpPtrToInt:
		w.compileOperand(ce.Ops[0])
	case ssa.OpICmp:
		w.compileOperand(ce.Ops[0])
		w.print("\n")
		w.compileOperand(ce.Ops[1])
		w.print("\n")
		w.print(w.typeString(ce.Ops[0].Type()))
		w.print(".")
		w.print(intPredicate(ce.Pred))
	default:
		// Select and Sub show up in the wild but have no lowering here;
		// diagnose instead of miscompiling silently.
		w.print("undefined")
		util.Warnf(w.cfg, config.WarnUnsupportedConstExpr, "unsupported constant expr %s", ce.Op)
	}
}

// compileSignedInteger emits v normalized for signed interpretation at its
// declared width. For comparisons only the left shift is needed; a value
// context also restores the magnitude with a matching arithmetic right shift.
func (w *Writer) compileSignedInteger(v ssa.Value, forComparison bool) {
	bits := 32
	if t := v.Type(); t.IsInteger() {
		bits = t.Bits
	}
	shift := 32 - bits

	if c, ok := v.(*ssa.ConstInt); ok {
		if forComparison {
			w.printf("i32.const %d", signExtend(c.Val, bits)<<uint(shift))
		} else {
			w.printf("i32.const %d", signExtend(c.Val, bits))
		}
		return
	}

	w.compileOperand(v)
	if shift == 0 {
		return
	}
	if forComparison {
		// When comparing two signed values the right shift cancels out.
		w.printf("\ni32.const %d", shift)
		w.print("\ni32.shl")
	} else {
		w.printf("\ni32.const %d", shift)
		w.print("\ni32.shl")
		w.printf("\ni32.const %d", shift)
		w.print("\ni32.shr_s")
	}
}

func signExtend(v int64, bits int) int32 {
	if bits >= 32 {
		return int32(v)
	}
	shift := uint(64 - bits)
	return int32(v << shift >> shift)
}

func (w *Writer) compileUnsignedInteger(v ssa.Value) {
	bits := 32
	if t := v.Type(); t.IsInteger() {
		bits = t.Bits
	}

	if c, ok := v.(*ssa.ConstInt); ok {
		w.printf("i32.const %d", uint64(c.Val)&uint64(maskForBitWidth(bits)))
		return
	}

	w.compileOperand(v)
	if bits != 32 {
		w.printf("\ni32.const %d", int32(maskForBitWidth(bits)))
		w.print("\ni32.and")
	}
}

func (w *Writer) compileBinary(in *ssa.Instr, op string) {
	w.compileOperand(in.Ops[0])
	w.print("\n")
	w.compileOperand(in.Ops[1])
	w.print("\n")
	w.print(w.typeString(in.Typ))
	w.print(".")
	w.print(op)
}

// compileInstruction lowers one instruction. The returned flag reports
// whether the instruction consumed everything it pushed: false means a value
// was left on the stack for the caller to drop, store, or leave pending.
func (w *Writer) compileInstruction(in *ssa.Instr) bool {
	switch in.Op {
	case ssa.OpAlloca:
		size := in.AllocSize
		alignment := in.Align
		if alignment == 0 {
			alignment = 1
		}
		// The shadow stack grows down: push the current top, subtract the
		// size, realign when needed, then publish the new top while keeping
		// the pointer in the alloca's register.
		w.printf("get_global %d\n", w.stackTopGlobal)
		w.printf("i32.const %d\n", size)
		w.print("i32.sub\n")
		if size%alignment != 0 {
			w.printf("i32.const %d\n", int32(-alignment))
			w.print("i32.and\n")
		}
		w.printf("tee_local %d\n", w.localForValue(in))
		w.printf("set_global %d", w.stackTopGlobal)
		return true

	case ssa.OpAdd, ssa.OpFAdd:
		w.compileBinary(in, "add")
	case ssa.OpSub, ssa.OpFSub:
		w.compileBinary(in, "sub")
	case ssa.OpMul, ssa.OpFMul:
		w.compileBinary(in, "mul")
	case ssa.OpFDiv:
		w.compileBinary(in, "div")
	case ssa.OpAnd:
		w.compileBinary(in, "and")
	case ssa.OpOr:
		w.compileBinary(in, "or")
	case ssa.OpXor:
		w.compileBinary(in, "xor")
	case ssa.OpShl:
		w.compileBinary(in, "shl")
	case ssa.OpAShr:
		w.compileBinary(in, "shr_s")
	case ssa.OpLShr:
		w.compileBinary(in, "shr_u")
	case ssa.OpSDiv:
		w.compileBinary(in, "div_s")
	case ssa.OpUDiv:
		w.compileBinary(in, "div_u")
	case ssa.OpSRem:
		w.compileBinary(in, "rem_s")
	case ssa.OpURem:
		w.compileBinary(in, "rem_u")

	case ssa.OpFRem:
		// No native fp remainder: x - trunc(x/y)*y.
		ts := w.typeString(in.Typ)
		w.compileOperand(in.Ops[0])
		w.print("\n")
		w.compileOperand(in.Ops[0])
		w.print("\n")
		w.compileOperand(in.Ops[1])
		w.print("\n")
		w.printf("%s.div\n", ts)
		w.printf("%s.trunc\n", ts)
		w.compileOperand(in.Ops[1])
		w.print("\n")
		w.printf("%s.mul\n", ts)
		w.printf("%s.sub", ts)

	case ssa.OpICmp:
		lhsTy := in.Ops[0].Type()
		switch {
		case lhsTy.IsPointer():
			w.compileOperand(in.Ops[0])
			w.print("\n")
			w.compileOperand(in.Ops[1])
			w.print("\n")
		case in.Pred.IsSigned():
			w.compileSignedInteger(in.Ops[0], true)
			w.print("\n")
			w.compileSignedInteger(in.Ops[1], true)
			w.print("\n")
		case in.Pred.IsUnsigned() || (lhsTy.IsInteger() && lhsTy.Bits != 32):
			w.compileUnsignedInteger(in.Ops[0])
			w.print("\n")
			w.compileUnsignedInteger(in.Ops[1])
			w.print("\n")
		default:
			w.compileSignedInteger(in.Ops[0], true)
			w.print("\n")
			w.compileSignedInteger(in.Ops[1], true)
			w.print("\n")
		}
		w.print(w.typeString(in.Ops[0].Type()))
		w.print(".")
		w.print(intPredicate(in.Pred))

	case ssa.OpFCmp:
		if in.Unordered {
			util.Warnf(w.cfg, config.WarnLossyFCmp, "unordered float compare lowered as ordered")
		}
		w.compileOperand(in.Ops[0])
		w.print("\n")
		w.compileOperand(in.Ops[1])
		w.print("\n")
		w.print(w.typeString(in.Ops[0].Type()))
		w.print(".")
		w.print(floatPredicate(in.Pred))

	case ssa.OpLoad:
		w.compileOperand(in.Ops[0])
		w.print("\n")
		w.print(w.typeString(in.Typ))
		w.print(".load")
		if in.Typ.IsInteger() {
			bits := in.Typ.Bits
			if bits == 1 {
				bits = 8
			}
			if bits < 32 {
				if bits != 8 && bits != 16 {
					w.setErr(fmt.Errorf("unsupported %d-bit load", bits))
					return true
				}
				// Narrow loads zero-extend; a later sext re-signs when the
				// front end needs it.
				w.printf("%d_u", bits)
			}
		}

	case ssa.OpStore:
		valTy := in.Ops[0].Type()
		w.compileOperand(in.Ops[1])
		w.print("\n")
		w.compileOperand(in.Ops[0])
		w.print("\n")
		w.print(w.typeString(valTy))
		w.print(".store")
		if valTy.IsInteger() {
			bits := valTy.Bits
			if bits == 1 {
				bits = 8
			}
			if bits < 32 {
				if bits != 8 && bits != 16 {
					w.setErr(fmt.Errorf("unsupported %d-bit store", bits))
					return true
				}
				w.printf("%d", bits)
			}
		}
		return true

	case ssa.OpGEP:
		w.compileGEP(in.Gep, in.Ops[0])

	case ssa.OpBitCast, ssa.OpIntToPtr, ssa.OpPtrToInt, ssa.OpTrunc:
		// All pointer-width no-ops; truncated bits are masked at use sites.
		w.compileOperand(in.Ops[0])

	case ssa.OpZExt:
		bits := in.Ops[0].Type().Bits
		w.compileOperand(in.Ops[0])
		w.printf("\ni32.const %d", int32(maskForBitWidth(bits)))
		w.print("\ni32.and")

	case ssa.OpSExt:
		bits := in.Ops[0].Type().Bits
		w.compileOperand(in.Ops[0])
		w.printf("\ni32.const %d", 32-bits)
		w.print("\ni32.shl")
		w.printf("\ni32.const %d", 32-bits)
		w.print("\ni32.shr_s")

	case ssa.OpFPToSI:
		w.compileOperand(in.Ops[0])
		w.printf("\n%s.trunc_s/%s", w.typeString(in.Typ), w.typeString(in.Ops[0].Type()))
	case ssa.OpFPToUI:
		w.compileOperand(in.Ops[0])
		w.printf("\n%s.trunc_u/%s", w.typeString(in.Typ), w.typeString(in.Ops[0].Type()))

	case ssa.OpSIToFP:
		w.compileOperand(in.Ops[0])
		if bits := in.Ops[0].Type().Bits; bits != 32 {
			w.printf("\ni32.const %d", 32-bits)
			w.print("\ni32.shl")
			w.printf("\ni32.const %d", 32-bits)
			w.print("\ni32.shr_s")
		}
		w.printf("\n%s.convert_s/%s", w.typeString(in.Typ), w.typeString(in.Ops[0].Type()))

	case ssa.OpUIToFP:
		w.compileOperand(in.Ops[0])
		if bits := in.Ops[0].Type().Bits; bits != 32 {
			w.printf("\ni32.const %d", int32(maskForBitWidth(bits)))
			w.print("\ni32.and")
		}
		w.printf("\n%s.convert_u/%s", w.typeString(in.Typ), w.typeString(in.Ops[0].Type()))

	case ssa.OpFPTrunc:
		w.compileOperand(in.Ops[0])
		w.printf("\n%s.demote/%s", w.typeString(in.Typ), w.typeString(in.Ops[0].Type()))
	case ssa.OpFPExt:
		w.compileOperand(in.Ops[0])
		w.printf("\n%s.promote/%s", w.typeString(in.Typ), w.typeString(in.Ops[0].Type()))

	case ssa.OpSelect:
		w.compileOperand(in.Ops[0])
		w.print("\n")
		w.compileOperand(in.Ops[1])
		w.print("\n")
		w.compileOperand(in.Ops[2])
		w.print("\nselect")

	case ssa.OpVAArg:
		// Load the current argument, then bump the stored pointer by one
		// 8-byte slot.
		w.compileOperand(in.Ops[0])
		w.print("\ni32.load\n")
		w.printf("%s.load\n", w.typeString(in.Typ))
		w.compileOperand(in.Ops[0])
		w.print("\n")
		w.compileOperand(in.Ops[0])
		w.print("\ni32.load\ni32.const 8\ni32.add\ni32.store")

	case ssa.OpCall:
		return w.compileCall(in)

	case ssa.OpRet:
		if len(in.Ops) > 0 {
			w.compileOperand(in.Ops[0])
			w.print("\n")
		}
		// Restore the callee-saved shadow-stack pointer.
		w.printf("get_local %d\n", w.currentFun.NumArgs())
		w.printf("set_global %d\n", w.stackTopGlobal)
		w.print("return")
		return true

	case ssa.OpUnreachable:
		w.print("unreachable")
		return true

	case ssa.OpBr, ssa.OpCondBr, ssa.OpSwitch:
		// Control transfers are materialized by the structured renderer.
		return true

	default:
		util.Warnf(w.cfg, config.WarnUnsupportedInstr, "no lowering for instruction %s; skipped", in.Op)
		return true
	}
	return false
}

func (w *Writer) compileDowncast(in *ssa.Instr) {
	src, offset := in.Ops[0], in.Ops[1]
	w.compileOperand(src)
	if c, ok := offset.(*ssa.ConstInt); ok && c.Val == 0 {
		return
	}
	w.print("\n")
	w.compileOperand(offset)
	w.print("\ni32.add")
}

func (w *Writer) compileCall(in *ssa.Instr) bool {
	if in.Intrinsic != ssa.NotIntrinsic {
		switch in.Intrinsic {
		case ssa.IntrTrap:
			w.print("unreachable ;; trap")
			return true
		case ssa.IntrVAStart:
			// The saved-stack-pointer local is the post-push top of the
			// variadic area the caller built.
			w.compileOperand(in.Ops[0])
			w.print("\n")
			w.printf("get_local %d\n", w.currentFun.NumArgs())
			w.print("i32.store")
			return true
		case ssa.IntrVAEnd, ssa.IntrInvariantStart, ssa.IntrLifetimeStart,
			ssa.IntrLifetimeEnd, ssa.IntrDbgDeclare, ssa.IntrDbgValue:
			return true
		case ssa.IntrDowncast:
			w.compileDowncast(in)
			return false
		case ssa.IntrDowncastCurrent:
			w.compileOperand(in.Ops[0])
			return false
		case ssa.IntrCastUser:
			if in.NumUses() == 0 {
				return true
			}
			w.compileOperand(in.Ops[0])
			return false
		case ssa.IntrFltRounds:
			// Rounding mode 1: nearest.
			w.print("i32.const 1")
			return false
		case ssa.IntrCtlz:
			w.compileOperand(in.Ops[0])
			w.print("\ni32.clz")
			return false
		default:
			w.setErr(fmt.Errorf("unknown intrinsic in %q", w.currentFun.Name))
			return true
		}
	}

	callee, _ := in.Callee.(*ssa.Function)
	sig := in.CalleeSig
	if sig == nil && callee != nil {
		sig = callee.Type()
	}
	numFixed := len(in.Ops)
	varArg := false
	if sig != nil {
		numFixed = len(sig.Params)
		varArg = sig.VarArg
	}

	// Variadic arguments go to the shadow stack in reverse order, one 8-byte
	// slot each. Nothing is added back after the call: a defined callee
	// restores the stack top to the value it saw on entry, so the slots stay
	// reserved until this function's own return restores its saved stack top.
	if varArg && len(in.Ops) > numFixed {
		for i := len(in.Ops) - 1; i >= numFixed; i-- {
			w.printf("get_global %d\n", w.stackTopGlobal)
			w.print("i32.const 8\n")
			w.print("i32.sub\n")
			w.printf("set_global %d\n", w.stackTopGlobal)
			w.printf("get_global %d\n", w.stackTopGlobal)
			w.compileOperand(in.Ops[i])
			w.print("\n")
			w.printf("%s.store\n", w.typeString(in.Ops[i].Type()))
		}
	}

	for i := 0; i < numFixed && i < len(in.Ops); i++ {
		w.compileOperand(in.Ops[i])
		w.print("\n")
	}

	if callee != nil {
		id, known := w.functionIDs[callee]
		if !known {
			util.Warnf(w.cfg, config.WarnUnknownCall, "unknown call target %q", callee.Name)
			w.printf("unreachable ;; unknown call %q", callee.Name)
			return true
		}
		w.printf("call %d", id)
	} else {
		var params []*ssa.Type
		var result *ssa.Type
		if sig != nil {
			params, result = sig.Params, sig.Result
		}
		table, ok := w.deps.TableFor(params, result)
		if !ok {
			util.Warnf(w.cfg, config.WarnUnknownCall, "indirect call with no matching function table")
			w.print("unreachable ;; unknown indirect call")
			return true
		}
		w.compileOperand(in.Callee)
		w.print("\n")
		w.printf("call_indirect $vt_%s", table.Name)
	}

	if in.Typ.IsVoid() {
		return true
	}
	return false
}

// compileBB emits the non-phi, non-inlineable instructions of b in order,
// routing produced values to their registers.
func (w *Writer) compileBB(b *ssa.BasicBlock) {
	for _, in := range b.Instrs {
		if in.IsPhi() {
			// Phis are realized by edge prologues.
			continue
		}
		if w.reg.IsInlineable(in) {
			continue
		}
		switch in.Intrinsic {
		case ssa.IntrLifetimeStart, ssa.IntrLifetimeEnd, ssa.IntrDbgDeclare,
			ssa.IntrDbgValue, ssa.IntrVAEnd, ssa.IntrInvariantStart:
			continue
		}
		switch in.Op {
		case ssa.OpBr, ssa.OpCondBr, ssa.OpSwitch:
			// Control transfers produce no tokens here; the structured
			// renderer materializes them.
			continue
		}

		if in.Loc.IsValid() {
			w.printf(";; %s\n", in.Loc)
		}

		if !in.IsTerminator() && in.NumUses() == 0 && !in.MayHaveSideEffects() {
			continue
		}
		consumed := w.compileInstruction(in)
		if !consumed && !in.Typ.IsVoid() {
			if in.NumUses() == 0 {
				w.print("\ndrop")
			} else {
				w.printf("\nset_local %d", w.localForValue(in))
			}
		}
		w.print("\n")
	}
}
