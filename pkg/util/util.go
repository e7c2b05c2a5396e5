package util

import (
	"fmt"
	"os"

	"github.com/xplshn/ssa2wast/pkg/config"
)

// Warnf prints a formatted warning message if the corresponding warning is
// enabled.
func Warnf(cfg *config.Config, wt config.Warning, format string, args ...interface{}) {
	if cfg != nil && !cfg.IsWarningEnabled(wt) {
		return
	}
	name := ""
	if cfg != nil {
		name = cfg.Warnings[wt].Name
	}
	fmt.Fprintf(os.Stderr, "ssa2wast: \033[33mwarning:\033[0m ")
	fmt.Fprintf(os.Stderr, format, args...)
	if name != "" {
		fmt.Fprintf(os.Stderr, " [-W%s]", name)
	}
	fmt.Fprintln(os.Stderr)
}

// Errf prints a formatted error message without exiting; fatal conditions are
// reported through error returns instead.
func Errf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ssa2wast: \033[31merror:\033[0m ")
	fmt.Fprintf(os.Stderr, format, args...)
	fmt.Fprintln(os.Stderr)
}

// AlignUp rounds n up to the next multiple of align (a power of two).
func AlignUp(n, align int64) int64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}
