// Package cli is a small flag-and-help framework: long/short flags, grouped
// boolean toggles, and terminal-width-aware help output.
package cli

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/term"
)

type Value interface {
	String() string
	Set(string) error
}

type stringValue struct{ p *string }

func (v *stringValue) Set(s string) error { *v.p = s; return nil }
func (v *stringValue) String() string     { return *v.p }

type boolValue struct{ p *bool }

func (v *boolValue) Set(s string) error {
	if s == "" {
		*v.p = true
		return nil
	}
	val, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid boolean value %q: %w", s, err)
	}
	*v.p = val
	return nil
}
func (v *boolValue) String() string { return strconv.FormatBool(*v.p) }

type uintValue struct{ p *uint }

func (v *uintValue) Set(s string) error {
	val, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*v.p = uint(val)
	return nil
}
func (v *uintValue) String() string { return strconv.FormatUint(uint64(*v.p), 10) }

type Flag struct {
	Name      string
	Shorthand string
	Usage     string
	Value     Value
	IsBool    bool
	Arg       string
}

type FlagSet struct {
	name       string
	flags      map[string]*Flag
	shorthands map[string]*Flag
	ordered    []*Flag
	// prefix handlers catch families like -W<name> and -Wno-<name>.
	prefixes map[string]func(name string, enable bool)
}

func NewFlagSet(name string) *FlagSet {
	return &FlagSet{
		name:       name,
		flags:      make(map[string]*Flag),
		shorthands: make(map[string]*Flag),
		prefixes:   make(map[string]func(string, bool)),
	}
}

func (fs *FlagSet) add(f *Flag) {
	fs.flags[f.Name] = f
	if f.Shorthand != "" {
		fs.shorthands[f.Shorthand] = f
	}
	fs.ordered = append(fs.ordered, f)
}

func (fs *FlagSet) String(p *string, name, shorthand, def, usage, arg string) {
	*p = def
	fs.add(&Flag{Name: name, Shorthand: shorthand, Usage: usage, Value: &stringValue{p}, Arg: arg})
}

func (fs *FlagSet) Bool(p *bool, name, shorthand string, def bool, usage string) {
	*p = def
	fs.add(&Flag{Name: name, Shorthand: shorthand, Usage: usage, Value: &boolValue{p}, IsBool: true})
}

func (fs *FlagSet) Uint(p *uint, name, shorthand string, def uint, usage, arg string) {
	*p = def
	fs.add(&Flag{Name: name, Shorthand: shorthand, Usage: usage, Value: &uintValue{p}, Arg: arg})
}

// Prefix registers a toggle family: -<prefix><name> enables, -<prefix>no-<name>
// disables.
func (fs *FlagSet) Prefix(prefix string, handler func(name string, enable bool)) {
	fs.prefixes[prefix] = handler
}

func (fs *FlagSet) Parse(args []string) ([]string, error) {
	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positional = append(positional, arg)
			continue
		}
		name := strings.TrimLeft(arg, "-")
		val := ""
		hasVal := false
		if eq := strings.Index(name, "="); eq >= 0 {
			name, val, hasVal = name[:eq], name[eq+1:], true
		}

		f := fs.flags[name]
		if f == nil {
			f = fs.shorthands[name]
		}
		if f == nil {
			if h, matched := fs.matchPrefix(name); matched {
				h()
				continue
			}
			return nil, fmt.Errorf("unknown flag -%s", name)
		}
		if !f.IsBool && !hasVal {
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("flag -%s expects a value", name)
			}
			val = args[i]
		}
		if err := f.Value.Set(val); err != nil {
			return nil, err
		}
	}
	return positional, nil
}

func (fs *FlagSet) matchPrefix(name string) (func(), bool) {
	for prefix, handler := range fs.prefixes {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		enable := true
		if strings.HasPrefix(rest, "no-") {
			rest = strings.TrimPrefix(rest, "no-")
			enable = false
		}
		toggled := rest
		h := handler
		return func() { h(toggled, enable) }, true
	}
	return nil, false
}

type App struct {
	Name        string
	Synopsis    string
	Description string
	FlagSet     *FlagSet
	Action      func(args []string) error
}

func NewApp(name string) *App {
	return &App{Name: name, FlagSet: NewFlagSet(name)}
}

func (a *App) Run(args []string) error {
	showHelp := false
	a.FlagSet.Bool(&showHelp, "help", "h", false, "Display this information.")
	positional, err := a.FlagSet.Parse(args)
	if err != nil {
		return err
	}
	if showHelp {
		a.PrintHelp(os.Stdout)
		return nil
	}
	return a.Action(positional)
}

func (a *App) PrintHelp(out *os.File) {
	width := 80
	if w, _, err := term.GetSize(int(out.Fd())); err == nil && w > 40 {
		width = w
	}

	fmt.Fprintf(out, "Usage: %s %s\n\n", a.Name, a.Synopsis)
	for _, line := range wrap(a.Description, width) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, "\nOptions:")

	flags := append([]*Flag(nil), a.FlagSet.ordered...)
	sort.Slice(flags, func(i, j int) bool { return flags[i].Name < flags[j].Name })
	for _, f := range flags {
		head := "  -" + f.Name
		if f.Shorthand != "" {
			head += ", -" + f.Shorthand
		}
		if f.Arg != "" {
			head += " <" + f.Arg + ">"
		}
		if len(head) < 26 {
			head += strings.Repeat(" ", 26-len(head))
		} else {
			head += "\n" + strings.Repeat(" ", 26)
		}
		fmt.Fprintf(out, "%s%s\n", head, f.Usage)
	}
}

func wrap(s string, width int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	line := words[0]
	for _, w := range words[1:] {
		if len(line)+1+len(w) > width {
			lines = append(lines, line)
			line = w
			continue
		}
		line += " " + w
	}
	return append(lines, line)
}
