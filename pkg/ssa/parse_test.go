package ssa

import (
	"strings"
	"testing"
)

func parseOne(t *testing.T, src string) *Module {
	t.Helper()
	m, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return m
}

func TestParseSimpleFunction(t *testing.T) {
	m := parseOne(t, `
; int add(int a, int b) { return a + b; }
func @add(i32 %a, i32 %b) i32 {
entry:
  %t = add i32 %a, %b
  ret i32 %t
}
`)
	fn := m.Func("add")
	if fn == nil {
		t.Fatal("function add not found")
	}
	if len(fn.Params) != 2 || fn.Params[1].Index != 1 {
		t.Fatalf("params parsed wrong: %+v", fn.Params)
	}
	if fn.RetType != TypeI32 || fn.Section != "asmjs" {
		t.Errorf("ret=%v section=%q", fn.RetType, fn.Section)
	}
	entry := fn.Entry()
	if entry == nil || len(entry.Instrs) != 2 {
		t.Fatalf("entry block parsed wrong")
	}
	add := entry.Instrs[0]
	if add.Op != OpAdd || add.Typ != TypeI32 || add.NumUses() != 1 {
		t.Errorf("add instruction parsed wrong: %+v", add)
	}
	if add.Ops[0] != Value(fn.Params[0]) || add.Ops[1] != Value(fn.Params[1]) {
		t.Error("add operands do not reference the arguments")
	}
	retI := entry.Instrs[1]
	if retI.Op != OpRet || retI.Ops[0] != Value(add) {
		t.Error("ret does not return the add result")
	}
}

func TestParseControlFlowAndPhi(t *testing.T) {
	m := parseOne(t, `
func @count(i32 %n) i32 {
entry:
  br %loop
loop:
  %i = phi i32 [ 0, %entry ], [ %next, %loop ]
  %next = add i32 %i, 1
  %c = icmp slt i32 %next, %n
  br %c, %loop, %exit
exit:
  ret i32 %i
}
`)
	fn := m.Func("count")
	if fn == nil || len(fn.Blocks) != 3 {
		t.Fatal("blocks parsed wrong")
	}
	loop := fn.Blocks[1]
	phi := loop.Instrs[0]
	if phi.Op != OpPhi || len(phi.Incoming) != 2 {
		t.Fatalf("phi parsed wrong: %+v", phi)
	}
	if phi.Incoming[0].Pred != fn.Blocks[0] || phi.Incoming[1].Pred != loop {
		t.Error("phi predecessors resolved wrong")
	}
	if c, ok := phi.Incoming[0].V.(*ConstInt); !ok || c.Val != 0 {
		t.Error("phi constant arm parsed wrong")
	}
	// The forward reference %next resolves when the function body closes.
	if phi.Incoming[1].V != Value(loop.Instrs[1]) {
		t.Error("phi forward reference did not resolve")
	}
	cmp := loop.Instrs[2]
	if cmp.Op != OpICmp || cmp.Pred != SLT {
		t.Errorf("icmp parsed wrong: %+v", cmp)
	}
	term := loop.Terminator()
	if term.Op != OpCondBr || term.Dests[0] != loop || term.Dests[1] != fn.Blocks[2] {
		t.Error("conditional branch parsed wrong")
	}
	if len(loop.Preds()) != 2 {
		t.Errorf("loop preds = %d, want 2", len(loop.Preds()))
	}
}

func TestParseSwitchCallsAndGlobals(t *testing.T) {
	m := parseOne(t, `
declare @putchar(i32) i32

func @handler(i32 %x) i32 {
entry:
  %r = call i32 @putchar(i32 %x)
  %f = call_indirect i32 (i32) %r(i32 %x)
  ret i32 %f
}

func @route(i32 %x) void {
entry:
  switch i32 %x, %fallback [ 0 %zero, 2 %two ]
zero:
  %ignore = call i32 @later(i32 0)
  ret
two:
  ret
fallback:
  ret
}

func @later(i32 %x) i32 {
entry:
  ret i32 %x
}

global @table i32 8 align 4 = agg { func @handler, int i32 0 }

ctors @handler
start @handler
`)
	putchar := m.Func("putchar")
	if putchar == nil || !putchar.Decl {
		t.Fatal("declaration parsed wrong")
	}

	handler := m.Func("handler")
	call := handler.Entry().Instrs[0]
	if call.Op != OpCall || call.Callee != Value(putchar) {
		t.Errorf("direct call parsed wrong: %+v", call)
	}
	ind := handler.Entry().Instrs[1]
	if ind.CalleeSig == nil || len(ind.CalleeSig.Params) != 1 || ind.Callee != Value(call) {
		t.Errorf("indirect call parsed wrong: %+v", ind)
	}

	route := m.Func("route")
	sw := route.Entry().Terminator()
	if sw.Op != OpSwitch || len(sw.Cases) != 2 || sw.Cases[1].Val != 2 {
		t.Fatalf("switch parsed wrong: %+v", sw)
	}
	if sw.Dests[0].Name != "fallback" || sw.Cases[0].Dest.Name != "zero" {
		t.Error("switch destinations resolved wrong")
	}

	// The call to @later was a forward reference.
	fwd := m.Func("route").Blocks[1].Instrs[0]
	if fwd.Callee != Value(m.Func("later")) {
		t.Error("forward call reference did not resolve")
	}

	g := m.Global("table")
	agg, ok := g.Init.(*ConstAgg)
	if !ok || len(agg.Elems) != 2 {
		t.Fatalf("aggregate initializer parsed wrong: %+v", g.Init)
	}
	if agg.Elems[0] != Value(handler) {
		t.Error("function reference in initializer parsed wrong")
	}

	if len(m.Constructors) != 1 || m.Constructors[0] != handler {
		t.Error("ctors directive parsed wrong")
	}
	if m.Start != "handler" {
		t.Errorf("start = %q", m.Start)
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"func @f(i32 %a) i32 {\nentry:\n  ret i32 %missing\n}\n",
		"func @f() void {\nentry:\n  bogus %x\n}\n",
		"func @f() void {\nentry:\n  ret\n",
	} {
		if _, err := Parse(strings.NewReader(src)); err == nil {
			t.Errorf("expected error for:\n%s", src)
		}
	}
}

func TestParseUnorderedFloatCompare(t *testing.T) {
	m := parseOne(t, `
func @f(f64 %a, f64 %b) i32 {
entry:
  %c = fcmp ult f64 %a, %b
  %d = fcmp olt f64 %a, %b
  %e = and i32 %c, %d
  ret i32 %e
}
`)
	entry := m.Func("f").Entry()
	if !entry.Instrs[0].Unordered {
		t.Error("ult should record the unordered spelling")
	}
	if entry.Instrs[1].Unordered {
		t.Error("olt is ordered")
	}
	if entry.Instrs[0].Pred != FLT || entry.Instrs[1].Pred != FLT {
		t.Error("both spellings collapse to the same predicate")
	}
}
