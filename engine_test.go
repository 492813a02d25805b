package mash_test

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/mashlab/mash"
	"github.com/mashlab/mash/cel"
)

// compileBlock builds a default body from set statements using the CEL
// compiler.
func compileBlock(t *testing.T, stmts []mash.Stmt, in, out []string) mash.Body {
	t.Helper()
	b, err := cel.NewCompiler().CompileBlock(stmts, in, out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b
}

func set(name, expr string) mash.Stmt {
	return mash.Stmt{Op: mash.StmtSet, Name: name, Expr: expr}
}

func eval(t *testing.T, reg *mash.Registry, tags mash.TagMap, opts ...mash.EngineOption) *mash.Result {
	t.Helper()
	e := mash.NewEngine(reg, opts...)
	res, err := e.Eval(context.Background(), &mash.Object{Path: "/obj", Tags: tags})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkInvariants(t, reg, res)
	return res
}

// checkInvariants asserts the structural properties every evaluation
// must satisfy: known rule ids, dense unique trace indexes, writers
// ordered by trace index, and changed tags that actually differ.
func checkInvariants(t *testing.T, reg *mash.Registry, res *mash.Result) {
	t.Helper()
	for i, te := range res.Trace {
		if te.Index != i {
			t.Fatalf("trace index %d at position %d", te.Index, i)
		}
		if _, ok := reg.Rule(te.RuleID); !ok {
			t.Fatalf("trace references unknown rule %s", te.RuleID)
		}
	}
	for tag, writers := range res.PropertyWriters {
		last := -1
		for _, w := range writers {
			if w.TraceIndex <= last {
				t.Fatalf("writers of %s not ascending: %v", tag, writers)
			}
			last = w.TraceIndex
			if _, ok := reg.Rule(w.RuleID); !ok {
				t.Fatalf("writer references unknown rule %s", w.RuleID)
			}
		}
	}
	for tag, v := range res.Changed() {
		if initial, ok := res.Initial[tag]; ok && initial == v {
			t.Fatalf("changed tag %s equals its initial value", tag)
		}
	}
}

// An empty ruleset changes nothing.
func TestNoRules(t *testing.T) {
	res := eval(t, mash.NewRegistry(), mash.TagMap{"k": "v"})

	if len(res.Changed()) != 0 {
		t.Fatalf("expected no changes, got %v", res.Changed())
	}
	if !reflect.DeepEqual(res.Initial, mash.TagMap{"k": "v"}) {
		t.Fatalf("initial tags corrupted: %v", res.Initial)
	}
}

// A default rule computes its output from its input.
func TestSimpleDefaultRule(t *testing.T) {
	r := makeRule("", []string{"x"}, []string{"y"},
		compileBlock(t, []mash.Stmt{set("y", "int(x) + 1")}, []string{"x"}, []string{"y"}))
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"x": "41"})

	if !reflect.DeepEqual(res.Changed(), mash.TagMap{"y": "42"}) {
		t.Fatalf("expected {y: 42}, got %v", res.Changed())
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
}

// A mapping rule with a missing key produces the exception outcome:
// no outputs, no error.
func TestMapRuleMissingKey(t *testing.T) {
	r := &mash.Rule{
		Inputs:  []string{"color"},
		Outputs: []string{"hex"},
		Kind:    mash.KindMap,
		Body: &mash.MapBody{
			Inputs:  []string{"color"},
			Outputs: []string{"hex"},
			Table: map[string][]string{
				mash.MapKey([]string{"red"}):   {"#f00"},
				mash.MapKey([]string{"green"}): {"#0f0"},
			},
		},
	}
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"color": "blue"})

	if len(res.Changed()) != 0 {
		t.Fatalf("expected no outputs, got %v", res.Changed())
	}
	if len(res.Errors) != 0 {
		t.Fatalf("mapping miss must not be an error: %v", res.Errors)
	}
	if _, ok := res.Context["hex"]; ok {
		t.Fatalf("hex must be absent")
	}
}

func TestMapRuleHit(t *testing.T) {
	r := &mash.Rule{
		Inputs:  []string{"color"},
		Outputs: []string{"hex"},
		Kind:    mash.KindMap,
		Body: &mash.MapBody{
			Inputs:  []string{"color"},
			Outputs: []string{"hex"},
			Table:   map[string][]string{mash.MapKey([]string{"red"}): {"#f00"}},
		},
	}
	res := eval(t, newRegistry(t, r), mash.TagMap{"color": "red"})

	if !reflect.DeepEqual(res.Changed(), mash.TagMap{"hex": "#f00"}) {
		t.Fatalf("expected {hex: #f00}, got %v", res.Changed())
	}
}

// A violated claim is a rule body error; tags are unchanged.
func TestClaimViolation(t *testing.T) {
	body, err := cel.NewCompiler().CompileClaim("int(count) >= 0", []string{"count"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := &mash.Rule{Inputs: []string{"count"}, Kind: mash.KindClaim, Body: body}
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"count": "-3"})

	if len(res.Errors) != 1 {
		t.Fatalf("expected one error, got %v", res.Errors)
	}
	e := res.Errors[0]
	if e.Kind != mash.RuleBodyError || !strings.HasPrefix(e.Message, "Claim violated:") {
		t.Fatalf("unexpected error: %+v", e)
	}
	if len(res.Changed()) != 0 {
		t.Fatalf("claim must not change tags: %v", res.Changed())
	}
}

// Two rules writing different values to the same tag: one conflict
// error naming the earlier writer, final value from the later writer.
func TestWriteConflict(t *testing.T) {
	r1 := makeRule("", []string{"x"}, []string{"color"}, staticBody(map[string]string{"color": "red"}))
	r2 := makeRule("", []string{"x"}, []string{"color"}, staticBody(map[string]string{"color": "blue"}))
	reg := newRegistry(t, r1, r2)

	res := eval(t, reg, mash.TagMap{"x": "1"})

	var conflicts []mash.EvalError
	for _, e := range res.Errors {
		if e.Kind == mash.WriteConflict {
			conflicts = append(conflicts, e)
		}
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %v", res.Errors)
	}
	if !strings.Contains(conflicts[0].Message, r1.ID) {
		t.Fatalf("conflict must name the earlier writer %s: %s", r1.ID, conflicts[0].Message)
	}
	if res.Context["color"] != "blue" {
		t.Fatalf("expected the second writer's value, got %q", res.Context["color"])
	}
}

// Rule B needs A's output; the trace must show B skipped on missing
// input, A writing, then B succeeding after reactivation.
func TestReactivation(t *testing.T) {
	b := makeRule("B", []string{"y"}, []string{"z"},
		compileBlock(t, []mash.Stmt{set("z", "int(y) + 1")}, []string{"y"}, []string{"z"}))
	a := makeRule("A", []string{"x"}, []string{"y"},
		compileBlock(t, []mash.Stmt{set("y", "int(x) * 2")}, []string{"x"}, []string{"y"}))
	// B installed first, so its first pop precedes A's write.
	reg := newRegistry(t, b, a)

	res := eval(t, reg, mash.TagMap{"x": "5"})

	want := mash.TagMap{"y": "10", "z": "11"}
	if !reflect.DeepEqual(res.Changed(), want) {
		t.Fatalf("expected %v, got %v", want, res.Changed())
	}

	// Trace: B misses, A writes, B succeeds.
	if len(res.Trace) != 3 {
		t.Fatalf("expected 3 trace steps, got %d", len(res.Trace))
	}
	if res.Trace[0].RuleID != "B" || !strings.Contains(res.Trace[0].Notes[0], "inputs are missing") {
		t.Fatalf("step 0 should be B skipped: %+v", res.Trace[0])
	}
	if res.Trace[1].RuleID != "A" {
		t.Fatalf("step 1 should be A: %+v", res.Trace[1])
	}
	if res.Trace[2].RuleID != "B" {
		t.Fatalf("step 2 should be B reactivated: %+v", res.Trace[2])
	}
}

// A write equal to the current value never reactivates anything.
func TestUnchangedWriteDoesNotReactivate(t *testing.T) {
	r := makeRule("", []string{"x"}, []string{"x"},
		bodyFunc(func(inv *mash.Invocation) mash.Outcome {
			return mash.Outcome{Kind: mash.OutcomeOK, Outputs: map[string]string{"x": inv.Vars["x"].(string)}}
		}))
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"x": "same"})

	if res.Steps != 1 {
		t.Fatalf("identity rewrite must not reactivate; steps = %d", res.Steps)
	}
	if len(res.Changed()) != 0 {
		t.Fatalf("expected no changes, got %v", res.Changed())
	}
	found := false
	for _, n := range res.Trace[0].Notes {
		if strings.Contains(n, "written but unchanged") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an unchanged-write note, got %v", res.Trace[0].Notes)
	}
}

// A missing input skips the rule without error.
func TestMissingInputSkips(t *testing.T) {
	r := makeRule("", []string{"absent"}, []string{"y"}, staticBody(map[string]string{"y": "1"}))
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"x": "1"})

	if len(res.Errors) != 0 {
		t.Fatalf("missing input must not be an error: %v", res.Errors)
	}
	if len(res.Changed()) != 0 {
		t.Fatalf("skipped rule must not write: %v", res.Changed())
	}
	if len(res.RuleLog[r.ID]) == 0 || !strings.Contains(res.RuleLog[r.ID][0], "inputs are missing: absent") {
		t.Fatalf("expected a missing-inputs log entry, got %v", res.RuleLog[r.ID])
	}
}

// A false guard skips the rule, logging which condition failed.
func TestGuardSkips(t *testing.T) {
	r := makeRule("", []string{"x"}, []string{"y"}, staticBody(map[string]string{"y": "1"}))
	r.Guards = []*mash.Guard{{
		Expr:    `x == "go"`,
		Program: guardFunc(func(vars map[string]any) (bool, error) { return vars["x"] == "go", nil }),
	}}
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"x": "stop"})
	if len(res.Changed()) != 0 {
		t.Fatalf("guarded rule must not write: %v", res.Changed())
	}
	if !strings.Contains(res.RuleLog[r.ID][0], `condition 1 requires: x == "go"`) {
		t.Fatalf("unexpected log: %v", res.RuleLog[r.ID])
	}

	res = eval(t, reg, mash.TagMap{"x": "go"})
	if res.Context["y"] != "1" {
		t.Fatalf("passing guard must run the body")
	}
}

// An unset declared output discards every output and records an error.
func TestMissingOutputDiscardsAll(t *testing.T) {
	r := makeRule("", []string{"x"}, []string{"y", "z"}, staticBody(map[string]string{"y": "1"}))
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"x": "1"})

	if len(res.Changed()) != 0 {
		t.Fatalf("partial outputs must be discarded: %v", res.Changed())
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != mash.MissingOutput {
		t.Fatalf("expected a missing-output error, got %v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Message, "Didn't set output {z}") {
		t.Fatalf("unexpected message: %s", res.Errors[0].Message)
	}
}

// The continue signal accepts partial outputs.
func TestContinueAcceptsPartial(t *testing.T) {
	r := makeRule("", []string{"x"}, []string{"y", "z"},
		bodyFunc(func(*mash.Invocation) mash.Outcome {
			return mash.Outcome{Kind: mash.OutcomeContinue, Outputs: map[string]string{"y": "1"}}
		}))
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"x": "1"})

	if !reflect.DeepEqual(res.Changed(), mash.TagMap{"y": "1"}) {
		t.Fatalf("continue must accept partial outputs, got %v", res.Changed())
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
}

// An exception outcome discards outputs without recording an error.
func TestExceptionOutcome(t *testing.T) {
	r := makeRule("", []string{"x"}, []string{"y"},
		bodyFunc(func(*mash.Invocation) mash.Outcome {
			return mash.Outcome{Kind: mash.OutcomeException, Message: "not applicable here"}
		}))
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"x": "1"})

	if len(res.Changed()) != 0 || len(res.Errors) != 0 {
		t.Fatalf("exception must be silent: %v %v", res.Changed(), res.Errors)
	}
	if !strings.Contains(res.RuleLog[r.ID][0], "not applicable here") {
		t.Fatalf("exception message must be logged: %v", res.RuleLog[r.ID])
	}
}

// A body error is recorded and evaluation continues with other rules.
func TestBodyErrorContinues(t *testing.T) {
	bad := makeRule("", []string{"x"}, []string{"y"},
		bodyFunc(func(*mash.Invocation) mash.Outcome {
			return mash.Outcome{Kind: mash.OutcomeError, Message: "boom"}
		}))
	good := makeRule("", []string{"x"}, []string{"z"}, staticBody(map[string]string{"z": "ok"}))
	reg := newRegistry(t, bad, good)

	res := eval(t, reg, mash.TagMap{"x": "1"})

	if len(res.Errors) != 1 || res.Errors[0].Kind != mash.RuleBodyError {
		t.Fatalf("expected one body error, got %v", res.Errors)
	}
	if res.Context["z"] != "ok" {
		t.Fatalf("evaluation must continue past a body error")
	}
}

// A self-amplifying rule hits the step cap and records non-convergence.
func TestNonConvergence(t *testing.T) {
	r := makeRule("", []string{"x"}, []string{"x"},
		bodyFunc(func(inv *mash.Invocation) mash.Outcome {
			return mash.Outcome{Kind: mash.OutcomeOK, Outputs: map[string]string{"x": inv.Vars["x"].(string) + "!"}}
		}))
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"x": "a"}, mash.MaxSteps(10))

	if res.Steps != 10 {
		t.Fatalf("expected to stop at the cap, steps = %d", res.Steps)
	}
	last := res.Errors[len(res.Errors)-1]
	if last.Kind != mash.NonConvergence {
		t.Fatalf("expected a non-convergence error, got %v", res.Errors)
	}
}

// A ".*" input binds every tag under the prefix as a map.
func TestGlobInputBinding(t *testing.T) {
	r := makeRule("", []string{"cfg.*"}, []string{"n"},
		compileBlock(t, []mash.Stmt{set("n", "size(cfg)")}, []string{"cfg.*"}, []string{"n"}))
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"cfg.a": "1", "cfg.b": "2", "other": "3"})

	if res.Context["n"] != "2" {
		t.Fatalf("expected 2 bound tags, got %q", res.Context["n"])
	}
}

// Identical inputs with one worker produce identical traces.
func TestDeterministicTrace(t *testing.T) {
	mk := func() *mash.Registry {
		a := makeRule("A", []string{"x"}, []string{"y"},
			compileBlock(t, []mash.Stmt{set("y", "int(x) * 2")}, []string{"x"}, []string{"y"}))
		b := makeRule("B", []string{"y"}, []string{"z"},
			compileBlock(t, []mash.Stmt{set("z", "int(y) + 1")}, []string{"y"}, []string{"z"}))
		return newRegistry(t, a, b)
	}
	r1 := eval(t, mk(), mash.TagMap{"x": "5"})
	r2 := eval(t, mk(), mash.TagMap{"x": "5"})

	if !reflect.DeepEqual(r1.Trace, r2.Trace) {
		t.Fatalf("traces differ:\n%v\n%v", r1.Trace, r2.Trace)
	}
}

// Re-evaluating a fixed point changes nothing (R2).
func TestFixedPointIdempotent(t *testing.T) {
	mkBody := func() mash.Body {
		return compileBlock(t, []mash.Stmt{set("y", "int(x) + 1")}, []string{"x"}, []string{"y"})
	}
	reg := newRegistry(t, makeRule("", []string{"x"}, []string{"y"}, mkBody()))

	first := eval(t, reg, mash.TagMap{"x": "41"})

	after := first.Initial.Clone()
	for k, v := range first.Changed() {
		after[k] = v
	}
	second := eval(t, reg, after)
	if len(second.Changed()) != 0 {
		t.Fatalf("second evaluation must be a no-op, got %v", second.Changed())
	}
}

// The reserved variables are available to bodies.
func TestBuiltinVariables(t *testing.T) {
	r := &mash.Rule{
		Name:       "greeter",
		SourceFile: "/rules/#greet",
		Inputs:     []string{"x"},
		Outputs:    []string{"who", "from", "path"},
	}
	r.Body = compileBlock(t, []mash.Stmt{
		set("who", "rule_name()"),
		set("from", "rule_file()"),
		set("path", `object_path("sub")`),
	}, r.Inputs, r.Outputs)
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"x": "1"})

	if res.Context["who"] != "greeter" {
		t.Fatalf("rule_name: got %q", res.Context["who"])
	}
	if res.Context["from"] != "/rules/#greet" {
		t.Fatalf("rule_file: got %q", res.Context["from"])
	}
	if res.Context["path"] != "/obj/sub" {
		t.Fatalf("object_path: got %q", res.Context["path"])
	}
}

func TestHasTagBuiltin(t *testing.T) {
	r := makeRule("", []string{"x"}, []string{"y"},
		compileBlock(t, []mash.Stmt{
			set("y", `has_tag("cfg.*") ? "yes" : "no"`),
		}, []string{"x"}, []string{"y"}))
	reg := newRegistry(t, r)

	res := eval(t, reg, mash.TagMap{"x": "1", "cfg.a": "2"})
	if res.Context["y"] != "yes" {
		t.Fatalf("has_tag glob should match cfg.a, got %q", res.Context["y"])
	}

	res = eval(t, reg, mash.TagMap{"x": "1"})
	if res.Context["y"] != "no" {
		t.Fatalf("has_tag should miss, got %q", res.Context["y"])
	}
}
