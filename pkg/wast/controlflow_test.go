package wast

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xplshn/ssa2wast/pkg/ssa"
)

func TestIfElseDiamond(t *testing.T) {
	fn := newFunc("max", ssa.TypeI32, ssa.TypeI32, ssa.TypeI32)
	entry := fn.AddBlock("entry")
	then := fn.AddBlock("then")
	els := fn.AddBlock("else")

	c := entry.Append(&ssa.Instr{
		Op: ssa.OpICmp, Typ: ssa.TypeI1, Pred: ssa.SGT,
		Ops: []ssa.Value{fn.Params[0], fn.Params[1]},
	})
	entry.Append(&ssa.Instr{
		Op: ssa.OpCondBr, Typ: ssa.TypeVoid,
		Ops:   []ssa.Value{c},
		Dests: []*ssa.BasicBlock{then, els},
	})
	then.Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid, Ops: []ssa.Value{fn.Params[0]}})
	els.Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid, Ops: []ssa.Value{fn.Params[1]}})
	fn.Finish()

	got := emit(t, &ssa.Module{Funcs: []*ssa.Function{fn}}, nil)
	want := `(module
(memory (export "memory") 1 2)
(global (mut i32) (i32.const 65536))
(func $max (export "max")(param i32 i32)(result i32)
(local i32 i32)
get_global 0
set_local 2
get_local 0
get_local 1
i32.gt_s
set_local 3
get_local 3
if
get_local 0
get_local 2
set_global 0
return
  else
get_local 1
get_local 2
set_global 0
return
end
i32.const 0
return
)
)`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diamond (-want +got):\n%s", diff)
	}
	checkBalanced(t, got)
}

// TestLoopWithPhiSwap covers the back-edge loop shape and the phi copy cycle:
// the edge-local temporary move lands before the assignment that would
// clobber its source.
func TestLoopWithPhiSwap(t *testing.T) {
	fn := newFunc("spin", ssa.TypeVoid)
	entry := fn.AddBlock("entry")
	loop := fn.AddBlock("loop")

	entry.Append(&ssa.Instr{Op: ssa.OpBr, Typ: ssa.TypeVoid, Dests: []*ssa.BasicBlock{loop}})
	x := &ssa.Instr{Op: ssa.OpPhi, Typ: ssa.TypeI32}
	y := &ssa.Instr{Op: ssa.OpPhi, Typ: ssa.TypeI32}
	x.Incoming = []ssa.PhiIncoming{
		{Pred: entry, V: &ssa.ConstInt{Typ: ssa.TypeI32, Val: 1}},
		{Pred: loop, V: y},
	}
	y.Incoming = []ssa.PhiIncoming{
		{Pred: entry, V: &ssa.ConstInt{Typ: ssa.TypeI32, Val: 2}},
		{Pred: loop, V: x},
	}
	loop.Append(x)
	loop.Append(y)
	loop.Append(&ssa.Instr{Op: ssa.OpBr, Typ: ssa.TypeVoid, Dests: []*ssa.BasicBlock{loop}})
	fn.Finish()

	got := emit(t, &ssa.Module{Funcs: []*ssa.Function{fn}}, nil)
	want := `(module
(memory (export "memory") 1 2)
(global (mut i32) (i32.const 65536))
(func $spin (export "spin")
(local i32 i32 i32 i32)
get_global 0
set_local 0
i32.const 1
set_local 1
i32.const 2
set_local 2
loop $c1
block $1
get_local 2
set_local 3
get_local 1
set_local 2
get_local 3
set_local 1
br $c1
i32.const 0
br 1
end
end
return
)
)`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("phi swap loop (-want +got):\n%s", diff)
	}
	checkBalanced(t, got)
}

func TestSwitchLowering(t *testing.T) {
	fn := newFunc("sw", ssa.TypeI32, ssa.TypeI32)
	entry := fn.AddBlock("entry")
	a := fn.AddBlock("a")
	b := fn.AddBlock("b")
	def := fn.AddBlock("def")

	entry.Append(&ssa.Instr{
		Op: ssa.OpSwitch, Typ: ssa.TypeVoid,
		Ops: []ssa.Value{fn.Params[0]},
		Cases: []ssa.SwitchCase{
			{Val: 0, Dest: a},
			{Val: 1, Dest: b},
			{Val: 3, Dest: a},
		},
		Dests: []*ssa.BasicBlock{def},
	})
	a.Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid, Ops: []ssa.Value{&ssa.ConstInt{Typ: ssa.TypeI32, Val: 10}}})
	b.Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid, Ops: []ssa.Value{&ssa.ConstInt{Typ: ssa.TypeI32, Val: 20}}})
	def.Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid, Ops: []ssa.Value{&ssa.ConstInt{Typ: ssa.TypeI32, Val: 0}}})
	fn.Finish()

	got := emit(t, &ssa.Module{Funcs: []*ssa.Function{fn}}, nil)
	want := `(module
(memory (export "memory") 1 2)
(global (mut i32) (i32.const 65536))
(func $sw (export "sw")(param i32)(result i32)
(local i32)
get_global 0
set_local 1
block
block
block
block
get_local 0
br_table 0 1 2 0 2
end
i32.const 10
get_local 1
set_global 0
return
end
i32.const 20
get_local 1
set_global 0
return
end
i32.const 0
get_local 1
set_global 0
return
end
i32.const 0
return
)
)`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("switch (-want +got):\n%s", diff)
	}
	checkBalanced(t, got)
}

// TestDoWhileLoop is the classic back-edge shape: the loop carries the
// continue target, the wrapped block the break target.
func TestDoWhileLoop(t *testing.T) {
	fn := newFunc("countdown", ssa.TypeVoid, ssa.TypeI32)
	entry := fn.AddBlock("entry")
	body := fn.AddBlock("body")
	exit := fn.AddBlock("exit")

	entry.Append(&ssa.Instr{Op: ssa.OpBr, Typ: ssa.TypeVoid, Dests: []*ssa.BasicBlock{body}})

	i := &ssa.Instr{Op: ssa.OpPhi, Typ: ssa.TypeI32}
	next := &ssa.Instr{Op: ssa.OpSub, Typ: ssa.TypeI32, Ops: []ssa.Value{i, &ssa.ConstInt{Typ: ssa.TypeI32, Val: 1}}}
	i.Incoming = []ssa.PhiIncoming{
		{Pred: entry, V: fn.Params[0]},
		{Pred: body, V: next},
	}
	c := &ssa.Instr{Op: ssa.OpICmp, Typ: ssa.TypeI1, Pred: ssa.SGT, Ops: []ssa.Value{next, &ssa.ConstInt{Typ: ssa.TypeI32, Val: 0}}}
	body.Append(i)
	body.Append(next)
	body.Append(c)
	body.Append(&ssa.Instr{
		Op: ssa.OpCondBr, Typ: ssa.TypeVoid,
		Ops:   []ssa.Value{c},
		Dests: []*ssa.BasicBlock{body, exit},
	})
	exit.Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid})
	fn.Finish()

	got := emit(t, &ssa.Module{Funcs: []*ssa.Function{fn}}, nil)
	checkBalanced(t, got)

	want := `get_local 0
set_local 2
loop $c1
block $1
get_local 2
i32.const 1
i32.sub
set_local 3
get_local 3
i32.const 0
i32.gt_s
set_local 4
get_local 4
  if
get_local 3
set_local 2
br $c1
    else
br $1
  end
i32.const 0
br 1
end
end
get_local 1
set_global 0
return`
	if !strings.Contains(got, want) {
		t.Errorf("missing do-while shape:\n%s\nin:\n%s", want, got)
	}
}
