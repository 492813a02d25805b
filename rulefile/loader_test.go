package rulefile_test

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/mashlab/mash"
	"github.com/mashlab/mash/cel"
	"github.com/mashlab/mash/rulefile"
)

func writeRules(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func TestLoadAndEvaluate(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "#derive", `
using { in {x} } define {
	rule increment out {y} always {
		set y {int(x) + 1}
	}
}
`)

	reg := mash.NewRegistry()
	loader := rulefile.NewLoader(cel.NewCompiler())
	if err := loader.LoadDirs(reg, dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.RuleCount() != 1 {
		t.Fatalf("expected one rule, got %d", reg.RuleCount())
	}

	e := mash.NewEngine(reg)
	res, err := e.Eval(context.Background(), &mash.Object{Path: "/obj", Tags: mash.TagMap{"x": "41"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(res.Changed(), mash.TagMap{"y": "42"}) {
		t.Fatalf("expected {y: 42}, got %v", res.Changed())
	}
}

func TestLoadSkipsNonRuleFiles(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "#good", `rule in {x} out {y} { set y {x} }`)
	writeRules(t, dir, "notes.txt", `not a rules file`)
	if err := os.Mkdir(filepath.Join(dir, "#subdir"), 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reg := mash.NewRegistry()
	if err := rulefile.NewLoader(cel.NewCompiler()).LoadDirs(reg, dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.RuleCount() != 1 {
		t.Fatalf("expected one rule, got %d", reg.RuleCount())
	}
}

// A syntax error aborts its file; other files still load, and the
// error is surfaced.
func TestLoadContinuesPastBadFile(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "#bad", `rule out {y} in {x} { set y {x} }`)
	writeRules(t, dir, "#good", `rule in {x} out {z} { set z {x} }`)

	reg := mash.NewRegistry()
	err := rulefile.NewLoader(cel.NewCompiler()).LoadDirs(reg, dir)
	if err == nil {
		t.Fatalf("expected the bad file's error")
	}
	if !strings.Contains(err.Error(), "before") {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.RuleCount() != 1 {
		t.Fatalf("the good file must still load, got %d rules", reg.RuleCount())
	}
}

// A compile failure in a later declaration must leave the registry
// untouched by the whole file, not just by the failing rule.
func TestLoadFileIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, "#mixed", `
rule first in {x} out {y} { set y {x} }
rule second in {x} out {z} { set z {x ==} }
`)

	reg := mash.NewRegistry()
	err := rulefile.NewLoader(cel.NewCompiler()).LoadFile(reg, path)
	if err == nil {
		t.Fatalf("expected the second rule's compile error")
	}
	if reg.RuleCount() != 0 {
		t.Fatalf("a failing file must install nothing, got %d rules", reg.RuleCount())
	}
}

func TestLoadRejectsNestedRule(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "#nested", `
rule outer in {x} out {y} {
	set y {x}
	rule inner { }
}
`)
	reg := mash.NewRegistry()
	err := rulefile.NewLoader(cel.NewCompiler()).LoadFile(reg, filepath.Join(dir, "#nested"))
	if err == nil {
		t.Fatalf("expected a nested-rule error")
	}
}

func TestLoadCompileErrorNamesRule(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "#broken", `rule breaker in {x} out {y} { set y {x ==} }`)

	reg := mash.NewRegistry()
	err := rulefile.NewLoader(cel.NewCompiler()).LoadFile(reg, filepath.Join(dir, "#broken"))
	if err == nil || !strings.Contains(err.Error(), "breaker") {
		t.Fatalf("expected the rule name in the error, got %v", err)
	}
}

func TestLoadMapRule(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "#colors", `
rule in {color} out {hex} map {
	{red}  {#f00}
	{blue} {#00f}
}
`)
	reg := mash.NewRegistry()
	if err := rulefile.NewLoader(cel.NewCompiler()).LoadDirs(reg, dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e := mash.NewEngine(reg)
	res, err := e.Eval(context.Background(), &mash.Object{Path: "/obj", Tags: mash.TagMap{"color": "blue"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Context["hex"] != "#00f" {
		t.Fatalf("expected #00f, got %q", res.Context["hex"])
	}
}
