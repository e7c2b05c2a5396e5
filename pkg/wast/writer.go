// Package wast lowers an SSA module into the textual S-expression form of a
// stack-based WebAssembly-like bytecode. The hard parts live here: the
// structured control-flow renderer driven by the relooper, and the
// SSA-to-stack-machine instruction selection.
package wast

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xplshn/ssa2wast/pkg/config"
	"github.com/xplshn/ssa2wast/pkg/deps"
	"github.com/xplshn/ssa2wast/pkg/layout"
	"github.com/xplshn/ssa2wast/pkg/regalloc"
	"github.com/xplshn/ssa2wast/pkg/relooper"
	"github.com/xplshn/ssa2wast/pkg/ssa"
)

// Writer emits one module. All state lives for a single EmitModule call; the
// output stream is append-only and discarded wholesale on fatal errors.
type Writer struct {
	stream strings.Builder
	module *ssa.Module
	cfg    *config.Config
	lay    *layout.Layout
	deps   *deps.Registry
	policy regalloc.InlinePolicy

	functionIDs  map[*ssa.Function]int
	tableOffsets map[string]uint32

	stackTopGlobal int
	usedGlobals    int

	currentFun *ssa.Function
	reg        *regalloc.Registerize

	err error
}

// Option adjusts writer construction.
type Option func(*Writer)

// WithInlinePolicy installs the registerize inlining policy. The default
// materializes every value into a register.
func WithInlinePolicy(p regalloc.InlinePolicy) Option {
	return func(w *Writer) { w.policy = p }
}

func NewWriter(m *ssa.Module, cfg *config.Config, opts ...Option) *Writer {
	w := &Writer{
		module:       m,
		cfg:          cfg,
		functionIDs:  make(map[*ssa.Function]int),
		tableOffsets: make(map[string]uint32),
	}
	for _, o := range opts {
		o(w)
	}
	w.lay = layout.New(m, cfg.Section, cfg.HeapBase)
	w.deps = deps.Analyze(m)
	return w
}

func (w *Writer) setErr(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) print(s string) {
	if w.err != nil {
		return
	}
	w.stream.WriteString(s)
}

func (w *Writer) printf(format string, args ...interface{}) {
	if w.err != nil {
		return
	}
	fmt.Fprintf(&w.stream, format, args...)
}

// EmitModule runs the two-pass assembly and returns the module text. On
// error the partial stream is withheld.
func (w *Writer) EmitModule() (*bytes.Buffer, error) {
	w.makeModule()
	if w.err != nil {
		return nil, w.err
	}
	return bytes.NewBufferString(w.stream.String()), nil
}

func (w *Writer) inSection(f *ssa.Function) bool {
	return !f.Decl && len(f.Blocks) > 0 && f.Section == w.cfg.Section
}

func (w *Writer) makeModule() {
	// First pass: assign ids, imports before defined functions.
	if w.cfg.UseLoader {
		for _, f := range w.deps.Imports() {
			w.functionIDs[f] = len(w.functionIDs)
		}
	}
	for _, f := range w.module.Funcs {
		if w.inSection(f) {
			w.functionIDs[f] = len(w.functionIDs)
		}
	}

	w.print("(module\n")

	// Imports come before everything else.
	if w.cfg.UseLoader {
		for _, f := range w.deps.Imports() {
			w.compileImport(f)
		}
	}

	// One type per function table.
	for _, table := range w.deps.FunctionTables() {
		w.printf("(type $vt_%s (func ", table.Name)
		rep := table.Functions[0]
		w.compileMethodParams(rep)
		w.compileMethodResult(rep)
		w.print("))\n")
	}

	// One flat table; per-signature regions are addressed by offset.
	tables := w.deps.FunctionTables()
	if len(tables) > 0 {
		w.print("(table anyfunc (elem")
	}
	offset := uint32(0)
	for _, table := range tables {
		for _, f := range table.Functions {
			w.printf(" $%s", f.Name)
		}
		w.tableOffsets[table.Name] = offset
		offset += uint32(len(table.Functions))
	}
	if len(tables) > 0 {
		w.print("))\n")
	}

	w.printf("(memory (export \"memory\") %d %d)\n", w.cfg.MinPages, w.cfg.MaxPages)

	// The stack-top global starts at the end of default memory and is not
	// part of the user program.
	w.stackTopGlobal = w.usedGlobals
	w.usedGlobals++
	w.printf("(global (mut i32) (i32.const %d))\n", w.cfg.MinPages*config.WasmPageSize)

	entry := w.module.Func(w.cfg.EntrySymbol)
	if entry != nil && !w.inSection(entry) {
		entry = nil
	}
	ctors := w.sectionConstructors()
	if entry != nil && len(ctors) == 0 {
		w.printf("(start %d)\n", w.functionIDs[entry])
	} else if len(ctors) > 0 && !w.cfg.UseLoader {
		// The constructor runner is appended after all numbered functions.
		w.printf("(start %d)\n", len(w.functionIDs))
	}

	for _, f := range w.module.Funcs {
		if w.inSection(f) {
			w.compileMethod(f)
		}
	}

	if len(ctors) > 0 && !w.cfg.UseLoader {
		w.print("(func\n")
		for _, f := range ctors {
			w.printf("call %d\n", w.functionIDs[f])
		}
		if entry != nil {
			w.printf("call %d\n", w.functionIDs[entry])
		}
		w.print(")\n")
	}

	w.compileDataSection()

	w.print(")")
}

func (w *Writer) sectionConstructors() []*ssa.Function {
	var out []*ssa.Function
	for _, f := range w.deps.Constructors() {
		if w.inSection(f) {
			out = append(out, f)
		}
	}
	return out
}

func (w *Writer) compileImport(f *ssa.Function) {
	w.printf("(func (import \"imports\" \"%s\")", filterName(f.Name))
	w.compileMethodParams(f)
	w.compileMethodResult(f)
	w.print(")\n")
}

func (w *Writer) compileMethodParams(f *ssa.Function) {
	if len(f.Params) == 0 {
		return
	}
	w.print("(param")
	for _, p := range f.Params {
		w.print(" ")
		w.print(w.typeString(p.Typ))
	}
	w.print(")")
}

func (w *Writer) compileMethodResult(f *ssa.Function) {
	if f.RetType.IsVoid() {
		return
	}
	w.printf("(result %s)", w.typeString(f.RetType))
}

// compileMethodLocals declares the saved-stack-pointer slot, one local per
// register, and the optional label-dispatch slot, in that order.
func (w *Writer) compileMethodLocals(needsLabel bool) {
	w.print("(local i32")
	for _, info := range w.reg.RegistersForFunction() {
		switch info.Kind {
		case regalloc.Double:
			w.print(" f64")
		case regalloc.Float:
			w.print(" f32")
		default:
			w.print(" i32")
		}
	}
	if needsLabel {
		w.print(" i32")
	}
	w.print(")\n")
}

func (w *Writer) compileMethod(f *ssa.Function) {
	w.currentFun = f
	w.reg = regalloc.New(f, w.policy)

	w.printf("(func $%s", f.Name)
	w.printf(" (export \"%s\")", filterName(f.Name))
	w.compileMethodParams(f)
	w.compileMethodResult(f)
	w.print("\n")

	numArgs := f.NumArgs()
	var lastDepth0Block *ssa.BasicBlock
	if len(f.Blocks) == 1 {
		w.compileMethodLocals(false)
		w.printf("get_global %d\n", w.stackTopGlobal)
		w.printf("set_local %d\n", numArgs)
		w.compileBB(f.Entry())
		lastDepth0Block = f.Entry()
	} else {
		rl := relooper.New(f)
		w.compileMethodLocals(rl.NeedsLabel())
		w.printf("get_global %d\n", w.stackTopGlobal)
		w.printf("set_local %d\n", numArgs)
		numRegs := len(w.reg.RegistersForFunction())
		ri := newRenderInterface(w, 1+numArgs+numRegs)
		rl.Render(ri)
		lastDepth0Block = ri.lastDepth0Block
	}

	// Every function body ends in an explicit return; synthesize one (with a
	// typed fake value when needed) if the last top-level block does not.
	needsRet := true
	if lastDepth0Block != nil {
		if t := lastDepth0Block.Terminator(); t != nil && t.Op == ssa.OpRet {
			needsRet = false
		}
	}
	if needsRet {
		if !f.RetType.IsVoid() {
			w.printf("%s.const 0\n", w.typeString(f.RetType))
		}
		w.print("return\n")
	}
	w.print(")\n")
}

// wastBytesWriter escapes initializer bytes for a data segment; embedded
// function pointers resolve to their flat table index.
type wastBytesWriter struct {
	w *Writer
}

func (bw *wastBytesWriter) AddByte(b byte) {
	bw.w.printf("\\%02x", b)
}

func (bw *wastBytesWriter) FunctionTableIndex(f *ssa.Function) (uint32, error) {
	offset, table, err := bw.w.deps.FunctionAddress(f)
	if err != nil {
		return 0, err
	}
	return bw.w.tableOffsets[table.Name] + uint32(offset), nil
}

func (w *Writer) compileDataSection() {
	for _, g := range w.module.Globals {
		if g.Section != w.cfg.Section || g.Init == nil {
			continue
		}
		// A global holding a bare function is covered by the table itself.
		if _, isFunc := g.Init.(*ssa.Function); isFunc {
			continue
		}
		addr, err := w.lay.GlobalAddress(g)
		if err != nil {
			w.setErr(err)
			return
		}
		w.printf("(data (i32.const %d) \"", addr)
		if err := w.lay.CompileConstantAsBytes(g.Init, &wastBytesWriter{w: w}); err != nil {
			w.setErr(err)
			return
		}
		w.print("\")\n")
	}
}
