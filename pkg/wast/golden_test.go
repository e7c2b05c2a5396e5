package wast

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xplshn/ssa2wast/pkg/config"
	"github.com/xplshn/ssa2wast/pkg/ssa"
)

// TestParseAndEmit runs the textual IR front door end to end.
func TestParseAndEmit(t *testing.T) {
	src := `
func @add(i32 %a, i32 %b) i32 {
entry:
  %t = add i32 %a, %b
  ret i32 %t
}
`
	m, err := ssa.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := emit(t, m, nil)
	want := `(module
(memory (export "memory") 1 2)
(global (mut i32) (i32.const 65536))
(func $add (export "add")(param i32 i32)(result i32)
(local i32 i32)
get_global 0
set_local 2
get_local 0
get_local 1
i32.add
set_local 3
get_local 3
get_local 2
set_global 0
return
)
)`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parsed module (-want +got):\n%s", diff)
	}
	if again := emit(t, m, nil); again != got {
		t.Error("re-emitting the parsed module is not byte-identical")
	}
}

func TestParseAndEmitLoop(t *testing.T) {
	src := `
func @sum(i32 %n) i32 {
entry:
  br %loop
loop:
  %i = phi i32 [ 0, %entry ], [ %next, %loop ]
  %acc = phi i32 [ 0, %entry ], [ %sum2, %loop ]
  %sum2 = add i32 %acc, %i
  %next = add i32 %i, 1
  %c = icmp slt i32 %next, %n
  br %c, %loop, %exit
exit:
  ret i32 %sum2
}
`
	m, err := ssa.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := emit(t, m, nil)
	checkBalanced(t, got)
	for _, want := range []string{
		"loop $c1\nblock $1",
		"br $c1",
		"i32.const 0\nbr 1\nend\nend",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

func TestStartDirectiveOverridesEntry(t *testing.T) {
	src := `
func @main() void {
entry:
  ret
}

start @main
`
	m, err := ssa.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg := config.NewConfig()
	if m.Start != "" {
		cfg.EntrySymbol = m.Start
	}
	got := emit(t, m, cfg)
	if !strings.Contains(got, "(start 0)") {
		t.Errorf("missing (start 0) in:\n%s", got)
	}
}

func TestUnsupportedConstExprEmitsPlaceholder(t *testing.T) {
	fn := newFunc("bad", ssa.TypeI32)
	b := fn.AddBlock("entry")
	b.Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid, Ops: []ssa.Value{
		&ssa.ConstExpr{Op: ssa.OpSub, Typ: ssa.TypeI32, Ops: []ssa.Value{
			&ssa.ConstInt{Typ: ssa.TypeI32, Val: 1},
			&ssa.ConstInt{Typ: ssa.TypeI32, Val: 2},
		}},
	}})
	fn.Finish()

	cfg := config.NewConfig()
	cfg.SetAllWarnings(false)
	got := emit(t, &ssa.Module{Funcs: []*ssa.Function{fn}}, cfg)
	if !strings.Contains(got, "undefined") {
		t.Errorf("missing placeholder in:\n%s", got)
	}
}

func TestConstantForms(t *testing.T) {
	g := &ssa.GlobalVar{Name: "g", Section: "asmjs", Typ: ssa.TypeI32, Size: 4, Align: 4}
	fn := newFunc("consts", ssa.TypeF64)
	b := fn.AddBlock("entry")
	// A chain of stores exercises each constant form.
	for _, v := range []ssa.Value{
		&ssa.ConstInt{Typ: ssa.TypeI32, Val: -5},
		&ssa.ConstInt{Typ: ssa.TypeI8, Val: -1},
		g,
		&ssa.NullPtr{},
		&ssa.ConstExpr{
			Op: ssa.OpICmp, Typ: ssa.TypeI1, Pred: ssa.EQ,
			Ops: []ssa.Value{g, &ssa.NullPtr{}},
		},
	} {
		b.Append(&ssa.Instr{Op: ssa.OpStore, Typ: ssa.TypeVoid, Ops: []ssa.Value{v, g}})
	}
	b.Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid, Ops: []ssa.Value{
		&ssa.ConstFloat{Typ: ssa.TypeF64, Val: 2.5},
	}})
	fn.Finish()

	m := &ssa.Module{Funcs: []*ssa.Function{fn}, Globals: []*ssa.GlobalVar{g}}
	got := emit(t, m, nil)
	for _, want := range []string{
		"i32.const -5",  // 32-bit integers print signed
		"i32.const 255", // narrower widths print zero-extended
		"i32.const 8",   // global address from the layout helper
		"i32.const 0",   // null pointer
		"i32.eq",        // folded constant compare
		"f64.const 0x1.4p+01",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}
