package main

import (
	"fmt"
	"os"

	"github.com/xplshn/ssa2wast/pkg/cli"
	"github.com/xplshn/ssa2wast/pkg/config"
	"github.com/xplshn/ssa2wast/pkg/regalloc"
	"github.com/xplshn/ssa2wast/pkg/ssa"
	"github.com/xplshn/ssa2wast/pkg/util"
	"github.com/xplshn/ssa2wast/pkg/wast"
)

func main() {
	app := cli.NewApp("ssa2wast")
	app.Synopsis = "[options] <input.sir>"
	app.Description = "Lowers an SSA-form intermediate representation into the textual S-expression form of a stack-based WebAssembly-like bytecode."

	var (
		outFile  string
		entry    string
		minPages uint
		maxPages uint
		loader   bool
		inline   bool
		wall     bool
		wNoAll   bool
	)

	cfg := config.NewConfig()

	fs := app.FlagSet
	fs.String(&outFile, "output", "o", "a.wast", "Place the output into <file>.", "file")
	fs.String(&entry, "entry", "e", cfg.EntrySymbol, "Name of the bootstrap entry point.", "symbol")
	fs.Uint(&minPages, "min-pages", "", uint(cfg.MinPages), "Minimum linear memory size, in pages.", "n")
	fs.Uint(&maxPages, "max-pages", "", uint(cfg.MaxPages), "Maximum linear memory size, in pages.", "n")
	fs.Bool(&loader, "loader", "", false, "Emit imports for declared functions instead of trapping.")
	fs.Bool(&inline, "inline-singles", "", false, "Fold pure single-use values into their use instead of registerizing them.")
	fs.Bool(&wall, "Wall", "", false, "Enable all warnings.")
	fs.Bool(&wNoAll, "Wno-all", "", false, "Disable all warnings.")
	fs.Prefix("W", func(name string, enable bool) {
		if wt, ok := cfg.WarningMap[name]; ok {
			cfg.SetWarning(wt, enable)
		} else {
			util.Warnf(cfg, config.WarnExtra, "unrecognized warning flag -W%s", name)
		}
	})

	app.Action = func(inputs []string) error {
		if len(inputs) != 1 {
			return fmt.Errorf("expected exactly one input file")
		}
		if wNoAll {
			cfg.SetAllWarnings(false)
		}
		if wall {
			cfg.SetAllWarnings(true)
		}
		cfg.EntrySymbol = entry
		cfg.MinPages = uint32(minPages)
		cfg.MaxPages = uint32(maxPages)
		cfg.UseLoader = loader

		in, err := os.Open(inputs[0])
		if err != nil {
			return err
		}
		defer in.Close()

		mod, err := ssa.Parse(in)
		if err != nil {
			return fmt.Errorf("%s: %w", inputs[0], err)
		}
		if mod.Start != "" {
			cfg.EntrySymbol = mod.Start
		}

		var opts []wast.Option
		if inline {
			opts = append(opts, wast.WithInlinePolicy(regalloc.SingleUsePure))
		}
		out, err := wast.NewWriter(mod, cfg, opts...).EmitModule()
		if err != nil {
			return err
		}
		return os.WriteFile(outFile, out.Bytes(), 0o644)
	}

	if err := app.Run(os.Args[1:]); err != nil {
		util.Errf("%v", err)
		os.Exit(1)
	}
}
