package cli

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlagParsing(t *testing.T) {
	fs := NewFlagSet("t")
	var (
		out   string
		pages uint
		loud  bool
	)
	fs.String(&out, "output", "o", "a.out", "output file", "file")
	fs.Uint(&pages, "pages", "", 1, "page count", "n")
	fs.Bool(&loud, "verbose", "v", false, "noise")

	toggles := map[string]bool{}
	fs.Prefix("W", func(name string, enable bool) { toggles[name] = enable })

	pos, err := fs.Parse([]string{
		"-o", "out.wast", "-pages=3", "-v", "-Wextra", "-Wno-unknown-call", "input.sir",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out != "out.wast" || pages != 3 || !loud {
		t.Errorf("values: out=%q pages=%d loud=%v", out, pages, loud)
	}
	if diff := cmp.Diff([]string{"input.sir"}, pos); diff != "" {
		t.Errorf("positional (-want +got):\n%s", diff)
	}
	if !toggles["extra"] || toggles["unknown-call"] {
		t.Errorf("prefix toggles: %v", toggles)
	}
}

func TestUnknownFlagErrors(t *testing.T) {
	fs := NewFlagSet("t")
	if _, err := fs.Parse([]string{"-nope"}); err == nil {
		t.Error("unknown flag should error")
	}
}
