package wast

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xplshn/ssa2wast/pkg/config"
	"github.com/xplshn/ssa2wast/pkg/regalloc"
	"github.com/xplshn/ssa2wast/pkg/relooper"
	"github.com/xplshn/ssa2wast/pkg/ssa"
)

// testRenderer returns a renderer over a throwaway writer so frame-stack
// behavior can be driven callback by callback.
func testRenderer(t *testing.T, labelLocal int, paramTypes ...*ssa.Type) (*renderInterface, *Writer, *ssa.Function) {
	t.Helper()
	fn := newFunc("t", ssa.TypeVoid, paramTypes...)
	b := fn.AddBlock("entry")
	b.Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid})
	fn.Finish()
	w := NewWriter(&ssa.Module{Funcs: []*ssa.Function{fn}}, config.NewConfig())
	w.currentFun = fn
	w.reg = regalloc.New(fn, nil)
	return newRenderInterface(w, labelLocal), w, fn
}

func rendered(t *testing.T, w *Writer) string {
	t.Helper()
	if w.err != nil {
		t.Fatalf("renderer error: %v", w.err)
	}
	return w.stream.String()
}

func TestRenderLoopFrames(t *testing.T) {
	ri, w, _ := testRenderer(t, 1)
	ri.RenderWhileBlockBeginLabeled(7)
	ri.RenderContinueLabeled(7)
	ri.RenderBreakLabeled(7)
	ri.RenderBlockEnd()

	want := "loop $c7\nblock $7\nbr $c7\nbr $7\ni32.const 0\nbr 1\nend\nend\n"
	if diff := cmp.Diff(want, rendered(t, w)); diff != "" {
		t.Errorf("loop frames (-want +got):\n%s", diff)
	}
}

func TestBreakContinueDepths(t *testing.T) {
	ri, w, _ := testRenderer(t, 9)
	ri.RenderWhileBlockBegin()
	ri.RenderBreak()    // br 0: the inner block
	ri.RenderContinue() // br 1: the loop
	ri.RenderIfOnLabel(3, true)
	ri.RenderBreak()    // if adds one frame: br 1
	ri.RenderContinue() // br 2
	ri.RenderBlockEnd() // close the if
	ri.RenderBlockEnd() // close the loop

	want := "loop\nblock\nbr 0\nbr 1\n" +
		"i32.const 3\nget_local 9\ni32.eq\n  if\nbr 1\nbr 2\n  end\n" +
		"i32.const 0\nbr 1\nend\nend\n"
	if diff := cmp.Diff(want, rendered(t, w)); diff != "" {
		t.Errorf("depths (-want +got):\n%s", diff)
	}
}

func TestElseIfChainSharesOneFrame(t *testing.T) {
	ri, w, fn := testRenderer(t, 5, ssa.TypeI32)
	// A conditional terminator to take conditions from.
	cond := fn.AddBlock("cond")
	t1 := fn.AddBlock("t1")
	t2 := fn.AddBlock("t2")
	cond.Append(&ssa.Instr{
		Op: ssa.OpCondBr, Typ: ssa.TypeVoid,
		Ops:   []ssa.Value{fn.Params[0]},
		Dests: []*ssa.BasicBlock{t1, t2},
	})
	fn.Finish()

	ri.RenderDoBlockBegin()
	ri.RenderIfBlockBegin(cond, 0, true)
	ri.RenderIfBlockBegin(cond, 0, false)
	ri.RenderBreak()    // IF frame owns depth 2: br 2, then the do stops the walk
	ri.RenderBlockEnd() // one logical frame, two physical ends
	ri.RenderDoBlockEnd()

	want := "block\n" +
		"get_local 0\n  if\n" +
		"    else\nget_local 0\n    if\n" +
		"br 2\n" +
		"  end\n  end\n" +
		"end\n"
	if diff := cmp.Diff(want, rendered(t, w)); diff != "" {
		t.Errorf("if chain (-want +got):\n%s", diff)
	}
}

func TestSwitchOnLabelDispatch(t *testing.T) {
	ri, w, _ := testRenderer(t, 5)
	ri.RenderSwitchOnLabel([]int{2, 4})
	ri.RenderCaseOnLabel(2)
	ri.RenderBreak() // out of the switch from the first case
	ri.RenderBlockEnd()
	ri.RenderCaseOnLabel(4)
	ri.RenderBlockEnd()
	ri.RenderBlockEnd() // pops the switch frame, emits nothing

	want := "block\nblock\nblock\nblock\n" +
		"get_local 5\ni32.const 2\ni32.sub\n" +
		"br_table 1 0 2 0\n" +
		"end\nbr 2\nend\n" +
		"br 1\nend\nend\n"
	if diff := cmp.Diff(want, rendered(t, w)); diff != "" {
		t.Errorf("label dispatch (-want +got):\n%s", diff)
	}
}

func TestSwitchBlockBeginTable(t *testing.T) {
	ri, w, fn := testRenderer(t, 3, ssa.TypeI32)
	d0 := fn.AddBlock("d0")
	d1 := fn.AddBlock("d1")
	ddef := fn.AddBlock("ddef")
	swb := fn.AddBlock("swb")
	sw := swb.Append(&ssa.Instr{
		Op: ssa.OpSwitch, Typ: ssa.TypeVoid,
		Ops: []ssa.Value{fn.Params[0]},
		Cases: []ssa.SwitchCase{
			{Val: 0, Dest: d0},
			{Val: 1, Dest: d1},
			{Val: 3, Dest: d0},
		},
		Dests: []*ssa.BasicBlock{ddef},
	})
	fn.Finish()

	edges := []relooper.SwitchEdge{
		{Dest: d0}, {Dest: d1}, {Dest: ddef, IsDefault: true},
	}
	ri.RenderSwitchBlockBegin(sw, edges)

	// Values 0 and 3 share the first case block; the hole at 2 falls to the
	// default index.
	want := "block\nblock\nblock\nblock\n" +
		"get_local 0\n" +
		"br_table 0 1 2 0 2\n" +
		"end\n"
	if diff := cmp.Diff(want, rendered(t, w)); diff != "" {
		t.Errorf("br_table (-want +got):\n%s", diff)
	}
	if len(ri.blockTypes) != 1 || ri.blockTypes[0].kind != blockSwitch || ri.blockTypes[0].depth != 3 {
		t.Errorf("unexpected frame stack: %+v", ri.blockTypes)
	}
}

func TestSkipBranchIfInvertsDisjunction(t *testing.T) {
	ri, w, fn := testRenderer(t, 5, ssa.TypeI32)
	swb := fn.AddBlock("swb")
	a := fn.AddBlock("a")
	bdef := fn.AddBlock("bdef")
	swb.Append(&ssa.Instr{
		Op: ssa.OpSwitch, Typ: ssa.TypeVoid,
		Ops: []ssa.Value{fn.Params[0]},
		Cases: []ssa.SwitchCase{
			{Val: 5, Dest: a},
			{Val: 9, Dest: a},
		},
		Dests: []*ssa.BasicBlock{bdef},
	})
	fn.Finish()

	ri.RenderIfBlockBeginSkip(swb, []int{1}, true)
	ri.RenderBlockEnd()

	// Both case values funnel into one condition, then the result is
	// inverted to guard the skip arm.
	want := "get_local 0\ni32.const 5\ni32.eq\n" +
		"get_local 0\ni32.const 9\ni32.eq\ni32.or\n" +
		"i32.const 1\ni32.xor\n" +
		"if\n" +
		"end\n"
	if diff := cmp.Diff(want, rendered(t, w)); diff != "" {
		t.Errorf("skip branch (-want +got):\n%s", diff)
	}
}

func TestLabelHelpers(t *testing.T) {
	ri, w, _ := testRenderer(t, 4)
	ri.RenderLabel(6)
	ri.RenderIfOnLabel(6, true)
	ri.RenderBlockEnd()

	want := "i32.const 6\nset_local 4\n" +
		"i32.const 6\nget_local 4\ni32.eq\nif\nend\n"
	if diff := cmp.Diff(want, rendered(t, w)); diff != "" {
		t.Errorf("labels (-want +got):\n%s", diff)
	}
}

func TestRendererInvariantViolationIsFatal(t *testing.T) {
	ri, w, _ := testRenderer(t, 1)
	ri.RenderBreak()
	if w.err == nil {
		t.Fatal("break outside any frame should be a fatal internal error")
	}
}
