package ssa

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Parse reads the line-oriented textual IR form. The format mirrors the
// in-memory model one instruction per line:
//
//	func @add(i32 %a, i32 %b) i32 {
//	entry:
//	  %t = add i32 %a, %b
//	  ret i32 %t
//	}
//
//	declare @printf(i32) i32 vararg
//	global @g i32 4 align 4 = int i32 42
//	ctors @setup
//	start @main
func Parse(r io.Reader) (*Module, error) {
	p := &parser{
		m:       &Module{},
		scanner: bufio.NewScanner(r),
	}
	if err := p.run(); err != nil {
		return nil, err
	}
	return p.m, nil
}

type parser struct {
	m       *Module
	scanner *bufio.Scanner
	line    int

	fn     *Function
	block  *BasicBlock
	values map[string]Value
	fixups []fixup
}

// fixup defers an operand reference until the whole body is known; phi and
// branch operands routinely point forward.
type fixup struct {
	name  string
	line  int
	apply func(Value)
}

type blockFixup struct {
	name  string
	line  int
	apply func(*BasicBlock)
}

func (p *parser) errf(format string, args ...interface{}) error {
	return fmt.Errorf("line %d: "+format, append([]interface{}{p.line}, args...)...)
}

func (p *parser) run() error {
	var blockFixes []blockFixup
	blocks := make(map[string]*BasicBlock)

	finishFn := func() error {
		if p.fn == nil {
			return nil
		}
		for _, fx := range p.fixups {
			v, ok := p.values[fx.name]
			if !ok {
				p.line = fx.line
				return p.errf("undefined value %%%s", fx.name)
			}
			fx.apply(v)
		}
		for _, fx := range blockFixes {
			b, ok := blocks[fx.name]
			if !ok {
				p.line = fx.line
				return p.errf("undefined block %%%s", fx.name)
			}
			fx.apply(b)
		}
		p.fn.Finish()
		p.fn, p.block = nil, nil
		p.fixups, blockFixes = nil, nil
		p.values, blocks = nil, nil
		return nil
	}

	for p.scanner.Scan() {
		p.line++
		line := strings.TrimSpace(p.scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "func "):
			if p.fn != nil {
				return p.errf("nested func")
			}
			fn, err := p.parseFuncHeader(strings.TrimPrefix(line, "func "))
			if err != nil {
				return err
			}
			p.fn = fn
			p.values = make(map[string]Value)
			blocks = make(map[string]*BasicBlock)
			for _, a := range fn.Params {
				p.values[a.Name] = a
			}
			p.m.Funcs = append(p.m.Funcs, fn)

		case line == "}":
			if err := finishFn(); err != nil {
				return err
			}

		case strings.HasPrefix(line, "declare "):
			fn, err := p.parseFuncHeader(strings.TrimPrefix(line, "declare "))
			if err != nil {
				return err
			}
			fn.Decl = true
			fn.Section = ""
			p.m.Funcs = append(p.m.Funcs, fn)

		case strings.HasPrefix(line, "global "):
			if err := p.parseGlobal(strings.TrimPrefix(line, "global ")); err != nil {
				return err
			}

		case strings.HasPrefix(line, "ctors"):
			for _, tok := range strings.Fields(line)[1:] {
				name := strings.TrimPrefix(tok, "@")
				f := p.m.Func(name)
				if f == nil {
					return p.errf("unknown constructor @%s", name)
				}
				p.m.Constructors = append(p.m.Constructors, f)
			}

		case strings.HasPrefix(line, "start "):
			p.m.Start = strings.TrimPrefix(strings.Fields(line)[1], "@")

		case strings.HasSuffix(line, ":") && p.fn != nil:
			name := strings.TrimSuffix(line, ":")
			b := p.fn.AddBlock(name)
			blocks[name] = b
			p.block = b

		case p.fn != nil:
			if p.block == nil {
				return p.errf("instruction outside a block")
			}
			if err := p.parseInstr(line, blocks, &blockFixes); err != nil {
				return err
			}

		default:
			return p.errf("unexpected %q", line)
		}
	}
	if err := p.scanner.Err(); err != nil {
		return err
	}
	if p.fn != nil {
		return p.errf("unterminated func %q", p.fn.Name)
	}

	// Direct calls may reference functions defined later in the file.
	for _, pc := range p.m.pendingCalls {
		f := p.m.Func(pc.name)
		if f == nil {
			p.line = pc.line
			return p.errf("unknown function @%s", pc.name)
		}
		pc.in.Callee = f
	}
	p.m.pendingCalls = nil
	return nil
}

func parseType(tok string) (*Type, error) {
	if strings.HasSuffix(tok, "*") {
		elem, err := parseType(strings.TrimSuffix(tok, "*"))
		if err != nil {
			return nil, err
		}
		return PointerTo(elem, typeSize(elem), typeSize(elem)), nil
	}
	switch tok {
	case "void":
		return TypeVoid, nil
	case "i1":
		return TypeI1, nil
	case "i8":
		return TypeI8, nil
	case "i16":
		return TypeI16, nil
	case "i24":
		return IntType(24), nil
	case "i32":
		return TypeI32, nil
	case "f32":
		return TypeF32, nil
	case "f64":
		return TypeF64, nil
	case "ptr":
		return PointerTo(TypeI8, 1, 1), nil
	}
	return nil, fmt.Errorf("unknown type %q", tok)
}

func typeSize(t *Type) int {
	switch t.Kind {
	case Integer:
		n := (t.Bits + 7) / 8
		if n == 0 {
			n = 1
		}
		return n
	case Float:
		return 4
	case Double:
		return 8
	case Pointer:
		return 4
	}
	return 4
}

// parseFuncHeader parses `@name(i32 %a, ...) ret [vararg] [section <s>] [{]`.
func (p *parser) parseFuncHeader(s string) (*Function, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "{")
	s = strings.TrimSpace(s)

	open := strings.IndexByte(s, '(')
	closeIdx := strings.LastIndexByte(s, ')')
	if open < 0 || closeIdx < open {
		return nil, p.errf("malformed function header %q", s)
	}
	name := strings.TrimPrefix(strings.TrimSpace(s[:open]), "@")
	fn := &Function{Name: name, RetType: TypeVoid, Section: "asmjs"}

	params := strings.TrimSpace(s[open+1 : closeIdx])
	if params != "" {
		for _, field := range strings.Split(params, ",") {
			parts := strings.Fields(strings.TrimSpace(field))
			if len(parts) == 1 && parts[0] == "..." {
				fn.VarArg = true
				continue
			}
			// Declarations may list bare types with no parameter names.
			if len(parts) == 0 || len(parts) > 2 {
				return nil, p.errf("malformed parameter %q", field)
			}
			typ, err := parseType(parts[0])
			if err != nil {
				return nil, p.errf("%v", err)
			}
			name := ""
			if len(parts) == 2 {
				name = strings.TrimPrefix(parts[1], "%")
			}
			fn.Params = append(fn.Params, &Argument{
				Name:   name,
				Typ:    typ,
				Index:  len(fn.Params),
				Parent: fn,
			})
		}
	}

	rest := strings.Fields(strings.TrimSpace(s[closeIdx+1:]))
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "vararg":
			fn.VarArg = true
		case "section":
			i++
			if i < len(rest) {
				fn.Section = rest[i]
			}
		default:
			typ, err := parseType(rest[i])
			if err != nil {
				return nil, p.errf("%v", err)
			}
			fn.RetType = typ
		}
	}
	return fn, nil
}

// parseGlobal parses `@name <type> <size> align <n> [= init]`.
func (p *parser) parseGlobal(s string) error {
	eq := strings.IndexByte(s, '=')
	head := s
	var initStr string
	if eq >= 0 {
		head, initStr = s[:eq], strings.TrimSpace(s[eq+1:])
	}
	fields := strings.Fields(head)
	if len(fields) < 2 {
		return p.errf("malformed global %q", s)
	}
	g := &GlobalVar{
		Name:    strings.TrimPrefix(fields[0], "@"),
		Section: "asmjs",
		Align:   1,
	}
	typ, err := parseType(fields[1])
	if err != nil {
		return p.errf("%v", err)
	}
	g.Typ = typ
	g.Size = typeSize(typ)
	for i := 2; i < len(fields); i++ {
		switch fields[i] {
		case "align":
			i++
			if i < len(fields) {
				g.Align, _ = strconv.Atoi(fields[i])
			}
		case "section":
			i++
			if i < len(fields) {
				g.Section = fields[i]
			}
		default:
			if n, convErr := strconv.Atoi(fields[i]); convErr == nil {
				g.Size = n
			}
		}
	}
	if initStr != "" {
		init, err := p.parseInit(initStr)
		if err != nil {
			return err
		}
		g.Init = init
	}
	p.m.Globals = append(p.m.Globals, g)
	return nil
}

func (p *parser) parseInit(s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "int "):
		parts := strings.Fields(s)
		if len(parts) != 3 {
			return nil, p.errf("malformed int initializer %q", s)
		}
		typ, err := parseType(parts[1])
		if err != nil {
			return nil, p.errf("%v", err)
		}
		v, err := strconv.ParseInt(parts[2], 0, 64)
		if err != nil {
			return nil, p.errf("%v", err)
		}
		return &ConstInt{Typ: typ, Val: v}, nil
	case strings.HasPrefix(s, "float "):
		parts := strings.Fields(s)
		if len(parts) != 3 {
			return nil, p.errf("malformed float initializer %q", s)
		}
		typ, err := parseType(parts[1])
		if err != nil {
			return nil, p.errf("%v", err)
		}
		v, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, p.errf("%v", err)
		}
		return &ConstFloat{Typ: typ, Val: v}, nil
	case strings.HasPrefix(s, "bytes "):
		raw := strings.TrimSpace(strings.TrimPrefix(s, "bytes "))
		unq, err := strconv.Unquote(raw)
		if err != nil {
			return nil, p.errf("%v", err)
		}
		return &ConstBytes{Data: []byte(unq)}, nil
	case strings.HasPrefix(s, "zero "):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(s, "zero ")))
		if err != nil {
			return nil, p.errf("%v", err)
		}
		return &ConstZero{Size: n}, nil
	case strings.HasPrefix(s, "global "):
		name := strings.TrimPrefix(strings.Fields(s)[1], "@")
		g := p.m.Global(name)
		if g == nil {
			return nil, p.errf("unknown global @%s", name)
		}
		return g, nil
	case strings.HasPrefix(s, "func "):
		name := strings.TrimPrefix(strings.Fields(s)[1], "@")
		f := p.m.Func(name)
		if f == nil {
			return nil, p.errf("unknown function @%s", name)
		}
		return f, nil
	case strings.HasPrefix(s, "agg {") && strings.HasSuffix(s, "}"):
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "agg {"), "}")
		agg := &ConstAgg{}
		for _, field := range splitTopLevel(inner) {
			e, err := p.parseInit(field)
			if err != nil {
				return nil, err
			}
			agg.Elems = append(agg.Elems, e)
		}
		return agg, nil
	}
	return nil, p.errf("malformed initializer %q", s)
}

// splitTopLevel splits on commas outside quotes and braces.
func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	inStr := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				depth++
			}
		case '}':
			if !inStr {
				depth--
			}
		case ',':
			if !inStr && depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}
