package config

// WasmPageSize is the linear-memory page granularity.
const WasmPageSize = 65536

type Warning int

const (
	WarnUnsupportedConstExpr Warning = iota
	WarnUnsupportedInstr
	WarnUnknownCall
	WarnLossyFCmp
	WarnExtra
	WarnCount
)

type Info struct {
	Name        string
	Enabled     bool
	Description string
}

type Config struct {
	Warnings   map[Warning]Info
	WarningMap map[string]Warning

	// MinPages/MaxPages size the emitted memory declaration. The shadow
	// stack starts at MinPages*WasmPageSize and grows down.
	MinPages uint32
	MaxPages uint32

	// EntrySymbol names the bootstrap entry point eligible for (start ...).
	EntrySymbol string

	// Section tags the functions and globals placed in linear memory.
	Section string

	// HeapBase is the first address handed to the layout helper.
	HeapBase uint32

	// UseLoader emits imports for declared functions instead of requiring a
	// self-contained module.
	UseLoader bool
}

func NewConfig() *Config {
	cfg := &Config{
		Warnings:    make(map[Warning]Info),
		WarningMap:  make(map[string]Warning),
		MinPages:    1,
		MaxPages:    2,
		EntrySymbol: "_Z9wastStartv",
		Section:     "asmjs",
		HeapBase:    8,
	}

	warnings := map[Warning]Info{
		WarnUnsupportedConstExpr: {"unsupported-const-expr", true, "Warn when a constant expression is emitted as the 'undefined' placeholder."},
		WarnUnsupportedInstr:     {"unsupported-instr", true, "Warn when an instruction is skipped because no lowering exists."},
		WarnUnknownCall:          {"unknown-call", true, "Warn when a call target cannot be resolved and traps instead."},
		WarnLossyFCmp:            {"lossy-fcmp", false, "Warn when an ordered/unordered float compare collapses to the plain predicate."},
		WarnExtra:                {"extra", true, "Enable extra miscellaneous warnings."},
	}

	cfg.Warnings = warnings
	for wt, info := range warnings {
		cfg.WarningMap[info.Name] = wt
	}
	return cfg
}

func (c *Config) SetWarning(wt Warning, enabled bool) {
	if info, ok := c.Warnings[wt]; ok {
		info.Enabled = enabled
		c.Warnings[wt] = info
	}
}

func (c *Config) IsWarningEnabled(wt Warning) bool { return c.Warnings[wt].Enabled }

func (c *Config) SetAllWarnings(enabled bool) {
	for i := Warning(0); i < WarnCount; i++ {
		c.SetWarning(i, enabled)
	}
}
