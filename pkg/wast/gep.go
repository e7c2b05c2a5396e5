package wast

import (
	"github.com/xplshn/ssa2wast/pkg/layout"
	"github.com/xplshn/ssa2wast/pkg/ssa"
)

// gepWriter folds a GEP chain into an additive expression: components first,
// then the base pointer, then a closing add.
type gepWriter struct {
	w     *Writer
	first bool
}

func (g *gepWriter) AddValue(v ssa.Value, size uint32) {
	g.w.compileOperand(v)
	g.w.print("\n")
	if size != 1 {
		g.w.printf("i32.const %d\n", size)
		g.w.print("i32.mul\n")
	}
	if !g.first {
		g.w.print("i32.add\n")
	}
	g.first = false
}

func (g *gepWriter) AddConst(v uint32) {
	g.w.printf("i32.const %d\n", v)
	if !g.first {
		g.w.print("i32.add\n")
	}
	g.first = false
}

func (w *Writer) compileGEP(parts []ssa.GepPart, base ssa.Value) {
	gw := gepWriter{w: w, first: true}
	p := layout.CompileGEP(parts, base, &gw)
	w.compileOperand(p)
	if !gw.first {
		w.print("\ni32.add")
	}
}
