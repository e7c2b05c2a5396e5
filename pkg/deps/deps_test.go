package deps

import (
	"testing"

	"github.com/xplshn/ssa2wast/pkg/ssa"
)

func declFunc(name string, ret *ssa.Type, params ...*ssa.Type) *ssa.Function {
	fn := &ssa.Function{Name: name, RetType: ret, Decl: true}
	for i, t := range params {
		fn.Params = append(fn.Params, &ssa.Argument{Typ: t, Index: i, Parent: fn})
	}
	return fn
}

func bodyFunc(name string, ret *ssa.Type, params ...*ssa.Type) *ssa.Function {
	fn := &ssa.Function{Name: name, RetType: ret, Section: "asmjs"}
	for i, t := range params {
		fn.Params = append(fn.Params, &ssa.Argument{Typ: t, Index: i, Parent: fn})
	}
	fn.AddBlock("entry").Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid})
	return fn
}

func TestImportsAreCalledDeclarations(t *testing.T) {
	used := declFunc("used", ssa.TypeVoid)
	unused := declFunc("unused", ssa.TypeVoid)

	caller := bodyFunc("caller", ssa.TypeVoid)
	caller.Blocks[0].Instrs = nil
	caller.Blocks[0].Append(&ssa.Instr{Op: ssa.OpCall, Typ: ssa.TypeVoid, Callee: used})
	caller.Blocks[0].Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid})
	caller.Finish()

	r := Analyze(&ssa.Module{Funcs: []*ssa.Function{used, unused, caller}})
	imports := r.Imports()
	if len(imports) != 1 || imports[0] != used {
		t.Errorf("imports = %v, want exactly the called declaration", imports)
	}
}

func TestTablesGroupBySignature(t *testing.T) {
	f1 := bodyFunc("f1", ssa.TypeI32, ssa.TypeI32)
	f2 := bodyFunc("f2", ssa.TypeI32, ssa.TypeI32)
	g1 := bodyFunc("g1", ssa.TypeF64)

	// Address-taking happens through operand positions.
	user := bodyFunc("user", ssa.TypeVoid)
	user.Blocks[0].Instrs = nil
	sink := &ssa.Undef{Typ: ssa.PointerTo(ssa.TypeI32, 4, 4)}
	for _, f := range []*ssa.Function{f1, f2, g1} {
		user.Blocks[0].Append(&ssa.Instr{Op: ssa.OpStore, Typ: ssa.TypeVoid, Ops: []ssa.Value{f, sink}})
	}
	user.Blocks[0].Append(&ssa.Instr{Op: ssa.OpRet, Typ: ssa.TypeVoid})
	user.Finish()

	r := Analyze(&ssa.Module{Funcs: []*ssa.Function{f1, f2, g1, user}})
	tables := r.FunctionTables()
	if len(tables) != 2 {
		t.Fatalf("table count = %d, want 2", len(tables))
	}

	off1, t1, err := r.FunctionAddress(f1)
	if err != nil {
		t.Fatal(err)
	}
	off2, t2, err := r.FunctionAddress(f2)
	if err != nil {
		t.Fatal(err)
	}
	if t1 != t2 {
		t.Error("same-signature functions must share a table")
	}
	if off1 != 0 || off2 != 1 {
		t.Errorf("offsets = %d,%d, want 0,1", off1, off2)
	}

	if _, ok := r.TableFor([]*ssa.Type{ssa.TypeI32}, ssa.TypeI32); !ok {
		t.Error("TableFor should find the i32->i32 table")
	}
	if _, ok := r.TableFor([]*ssa.Type{ssa.TypeF32}, ssa.TypeVoid); ok {
		t.Error("TableFor must miss for an absent signature")
	}

	if r.HasAddress(user) {
		t.Error("user's address was never taken")
	}
}

func TestGlobalInitializersTakeAddresses(t *testing.T) {
	cb := bodyFunc("cb", ssa.TypeVoid)
	g := &ssa.GlobalVar{
		Name: "handler", Section: "asmjs", Typ: ssa.TypeI32, Size: 4, Align: 4,
		Init: &ssa.ConstAgg{Elems: []ssa.Value{cb}},
	}
	r := Analyze(&ssa.Module{Funcs: []*ssa.Function{cb}, Globals: []*ssa.GlobalVar{g}})
	if !r.HasAddress(cb) {
		t.Error("function referenced from a global initializer needs a table slot")
	}
}

func TestConstructorsPassThrough(t *testing.T) {
	ctor := bodyFunc("init", ssa.TypeVoid)
	m := &ssa.Module{Funcs: []*ssa.Function{ctor}, Constructors: []*ssa.Function{ctor}}
	r := Analyze(m)
	if len(r.Constructors()) != 1 || r.Constructors()[0] != ctor {
		t.Errorf("constructors = %v", r.Constructors())
	}
}
