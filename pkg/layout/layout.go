// Package layout places section-tagged globals in linear memory and
// serializes their initializers to raw bytes for the data section.
package layout

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xplshn/ssa2wast/pkg/ssa"
)

// Layout owns the address map. Globals are placed upward from HeapBase in
// module order, each aligned to its declared alignment.
type Layout struct {
	addrs map[*ssa.GlobalVar]uint32
	top   uint32
}

const DefaultHeapBase = 8

func New(m *ssa.Module, section string, heapBase uint32) *Layout {
	l := &Layout{addrs: make(map[*ssa.GlobalVar]uint32), top: heapBase}
	for _, g := range m.Globals {
		if g.Section != section {
			continue
		}
		l.addGlobal(g)
	}
	return l
}

func (l *Layout) addGlobal(g *ssa.GlobalVar) {
	align := uint32(g.Align)
	if align == 0 {
		align = 1
	}
	l.top = (l.top + align - 1) &^ (align - 1)
	l.addrs[g] = l.top
	size := uint32(g.Size)
	if size == 0 {
		size = 1
	}
	l.top += size
}

// GlobalAddress returns the assigned address of g.
func (l *Layout) GlobalAddress(g *ssa.GlobalVar) (uint32, error) {
	a, ok := l.addrs[g]
	if !ok {
		return 0, fmt.Errorf("global %q has no assigned address", g.Name)
	}
	return a, nil
}

// HeapTop is the first free address past all placed globals.
func (l *Layout) HeapTop() uint32 { return l.top }

// BytesWriter receives the serialized initializer one byte at a time.
// Function pointers are resolved through FunctionTableIndex so the data
// section carries call-indirect indices rather than raw addresses.
type BytesWriter interface {
	AddByte(b byte)
	FunctionTableIndex(f *ssa.Function) (uint32, error)
}

// CompileConstantAsBytes serializes init through w.
func (l *Layout) CompileConstantAsBytes(init ssa.Value, w BytesWriter) error {
	switch c := init.(type) {
	case *ssa.ConstInt:
		n := (c.Typ.Bits + 7) / 8
		if c.Typ.Bits == 1 {
			n = 1
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(c.Val))
		for i := 0; i < n; i++ {
			w.AddByte(buf[i])
		}
	case *ssa.ConstFloat:
		if c.Typ.Kind == ssa.Float {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(c.Val)))
			for _, b := range buf {
				w.AddByte(b)
			}
		} else {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(c.Val))
			for _, b := range buf {
				w.AddByte(b)
			}
		}
	case *ssa.ConstBytes:
		for _, b := range c.Data {
			w.AddByte(b)
		}
	case *ssa.ConstAgg:
		for _, e := range c.Elems {
			if err := l.CompileConstantAsBytes(e, w); err != nil {
				return err
			}
		}
	case *ssa.ConstZero:
		for i := 0; i < c.Size; i++ {
			w.AddByte(0)
		}
	case *ssa.NullPtr:
		for i := 0; i < 4; i++ {
			w.AddByte(0)
		}
	case *ssa.GlobalVar:
		addr, err := l.GlobalAddress(c)
		if err != nil {
			return err
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], addr)
		for _, b := range buf {
			w.AddByte(b)
		}
	case *ssa.Function:
		idx, err := w.FunctionTableIndex(c)
		if err != nil {
			return err
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], idx)
		for _, b := range buf {
			w.AddByte(b)
		}
	default:
		return fmt.Errorf("unsupported initializer %T", init)
	}
	return nil
}

// GepWriter receives the folded components of a GEP chain.
type GepWriter interface {
	AddValue(v ssa.Value, size uint32)
	AddConst(v uint32)
}

// CompileGEP feeds the folded offset components of gep to w and returns the
// base pointer. Zero constant components are skipped.
func CompileGEP(gep []ssa.GepPart, base ssa.Value, w GepWriter) ssa.Value {
	for _, p := range gep {
		if p.Index != nil {
			w.AddValue(p.Index, p.Scale)
		} else if p.Offset != 0 {
			w.AddConst(p.Offset)
		}
	}
	return base
}
