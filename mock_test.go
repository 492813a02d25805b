package mash_test

import (
	"github.com/mashlab/mash"
)

// bodyFunc adapts a function to mash.Body for tests that don't need
// the CEL compiler.
type bodyFunc func(inv *mash.Invocation) mash.Outcome

func (f bodyFunc) Run(inv *mash.Invocation) mash.Outcome { return f(inv) }

// staticBody returns the same outputs on every run.
func staticBody(outs map[string]string) bodyFunc {
	return func(*mash.Invocation) mash.Outcome {
		copied := make(map[string]string, len(outs))
		for k, v := range outs {
			copied[k] = v
		}
		return mash.Outcome{Kind: mash.OutcomeOK, Outputs: copied}
	}
}

// guardFunc adapts a function to mash.BoolProgram.
type guardFunc func(vars map[string]any) (bool, error)

func (f guardFunc) Eval(vars map[string]any) (bool, error) { return f(vars) }

// makeRule builds a default-kind rule with a functional body.
func makeRule(id string, in, out []string, body mash.Body) *mash.Rule {
	return &mash.Rule{
		ID:      id,
		Inputs:  in,
		Outputs: out,
		Body:    body,
	}
}

// newRegistry installs the rules, failing the test on error.
type fataler interface{ Fatalf(string, ...any) }

func newRegistry(t fataler, rules ...*mash.Rule) *mash.Registry {
	reg := mash.NewRegistry()
	for _, r := range rules {
		if err := reg.Add(r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return reg
}
