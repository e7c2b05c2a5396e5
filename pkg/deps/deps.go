// Package deps analyzes a module for the facts the backend needs up front:
// which declared functions are imports, which functions are taken by address
// (and therefore need call-indirect table slots), the per-signature function
// tables, and the constructor list.
package deps

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/xplshn/ssa2wast/pkg/ssa"
)

// FunctionTable groups the addressable functions sharing one signature. Name
// is the canonical signature spelling; Key its xxhash, used for grouping.
type FunctionTable struct {
	Name      string
	Key       uint64
	Functions []*ssa.Function
}

type Registry struct {
	imports      []*ssa.Function
	tables       []*FunctionTable
	tableByKey   map[uint64]*FunctionTable
	addresses    map[*ssa.Function]int // offset within the owning table
	tableOf      map[*ssa.Function]*FunctionTable
	constructors []*ssa.Function
}

func sigKey(sig string) uint64 { return xxhash.Sum64String(sig) }

// Analyze walks m once. Address-taken discovery covers operand positions and
// global initializers; direct callees do not count.
func Analyze(m *ssa.Module) *Registry {
	r := &Registry{
		tableByKey:   make(map[uint64]*FunctionTable),
		addresses:    make(map[*ssa.Function]int),
		tableOf:      make(map[*ssa.Function]*FunctionTable),
		constructors: m.Constructors,
	}

	importSeen := make(map[*ssa.Function]bool)
	addrSeen := make(map[*ssa.Function]bool)

	noteValue := func(v ssa.Value) {
		if f, ok := v.(*ssa.Function); ok && !addrSeen[f] {
			addrSeen[f] = true
			r.addFunctionToTable(f)
		}
	}
	var noteInit func(v ssa.Value)
	noteInit = func(v ssa.Value) {
		switch c := v.(type) {
		case *ssa.Function:
			noteValue(c)
		case *ssa.ConstAgg:
			for _, e := range c.Elems {
				noteInit(e)
			}
		}
	}

	for _, f := range m.Funcs {
		if f.Decl {
			continue
		}
		for _, b := range f.Blocks {
			for _, in := range b.Instrs {
				for _, op := range in.Ops {
					noteValue(op)
				}
				for _, inc := range in.Incoming {
					noteValue(inc.V)
				}
				if in.Op == ssa.OpCall {
					if callee, ok := in.Callee.(*ssa.Function); ok {
						if callee.Decl && !importSeen[callee] {
							importSeen[callee] = true
							r.imports = append(r.imports, callee)
						}
					} else if in.Callee != nil {
						noteValue(in.Callee)
					}
				}
			}
		}
	}
	for _, g := range m.Globals {
		if g.Init != nil {
			noteInit(g.Init)
		}
	}

	sort.SliceStable(r.tables, func(i, j int) bool { return r.tables[i].Name < r.tables[j].Name })
	return r
}

func (r *Registry) addFunctionToTable(f *ssa.Function) {
	name := f.SigString()
	key := sigKey(name)
	t, ok := r.tableByKey[key]
	if !ok {
		t = &FunctionTable{Name: name, Key: key}
		r.tableByKey[key] = t
		r.tables = append(r.tables, t)
	}
	r.addresses[f] = len(t.Functions)
	r.tableOf[f] = t
	t.Functions = append(t.Functions, f)
}

// Imports returns declared functions called from defined code, first-use
// order.
func (r *Registry) Imports() []*ssa.Function { return r.imports }

// FunctionTables returns all tables in deterministic (name) order.
func (r *Registry) FunctionTables() []*FunctionTable { return r.tables }

// TableFor returns the table holding the given signature, if one exists.
func (r *Registry) TableFor(params []*ssa.Type, result *ssa.Type) (*FunctionTable, bool) {
	t, ok := r.tableByKey[sigKey(ssa.SigString(params, result))]
	return t, ok
}

// FunctionAddress returns f's offset within its table.
func (r *Registry) FunctionAddress(f *ssa.Function) (int, *FunctionTable, error) {
	t, ok := r.tableOf[f]
	if !ok {
		return 0, nil, fmt.Errorf("function %q is not addressable", f.Name)
	}
	return r.addresses[f], t, nil
}

func (r *Registry) HasAddress(f *ssa.Function) bool {
	_, ok := r.tableOf[f]
	return ok
}

// Constructors returns the module's constructor functions in the order the
// module lists them.
func (r *Registry) Constructors() []*ssa.Function { return r.constructors }
