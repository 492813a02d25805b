package mash

import (
	"fmt"
	"strings"
)

// A Rule derives output tags from input tags. Rules are compiled from
// their surface form by the rulefile package (or built directly in code)
// and installed in a Registry, which assigns the ID if one is not set.
//
// # Rule anatomy
//
//	Inputs are tag-name patterns. A pattern is either an exact dotted
//	name ("proj.cfg.name") or a prefix glob ending in ".*", which binds
//	every tag under the prefix.
//
//	Outputs are exact tag names. A rule runs only when every input
//	pattern matches at least one tag in the object's context; guards
//	are then checked in order, and the first false guard skips the
//	rule without error.
type Rule struct {
	// Unique within a registry; assigned by Registry.Add when empty.
	ID string

	// Human display name. Optional; see DisplayName.
	Name string

	// Path of the rules file this rule came from, or SourceDynamic
	// for rules defined in code.
	SourceFile string

	// Input tag-name patterns, in declaration order, deduplicated.
	Inputs []string

	// Output tag names. Exact only; no globs.
	Outputs []string

	// Gating conditions, evaluated left to right against the bound
	// inputs. Deduplicated by expression text.
	Guards []*Guard

	Kind Kind

	// The compiled body. Never nil for a registered rule.
	Body Body

	// Raw source text of the body, kept for the report's rule
	// definitions section and for the nested-rule check.
	BodyText string
}

// SourceDynamic is the SourceFile sentinel for rules defined in code
// rather than loaded from a rules file.
const SourceDynamic = "(dynamic)"

// Kind discriminates the three body forms a rule can have.
type Kind int

const (
	// KindDefault rules run a block of statements; outputs are the
	// final values of locals named like the rule's outputs.
	KindDefault Kind = iota

	// KindClaim rules assert a boolean expression and have no outputs.
	KindClaim

	// KindMap rules look the input tuple up in a fixed table.
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindClaim:
		return "claim"
	case KindMap:
		return "map"
	default:
		return "default"
	}
}

// A Guard is one gating condition on a rule.
type Guard struct {
	// The condition expression as written in the rules file.
	Expr string

	// Lenient guards ("when") coerce evaluation errors and non-true
	// results to false. Strict guards ("if") must evaluate to bool;
	// an evaluation error is recorded as a rule body error.
	Lenient bool

	// Set by the Compiler.
	Program BoolProgram
}

// BoolProgram is a compiled boolean expression.
type BoolProgram interface {
	Eval(vars map[string]any) (bool, error)
}

// Compiler turns expression text into runnable programs. The cel
// package provides the implementation used in production.
type Compiler interface {
	// CompileGuard compiles g.Expr and sets g.Program. The inputs are
	// the rule's input patterns, which determine the variables the
	// expression may reference.
	CompileGuard(g *Guard, inputs []string) error

	// CompileClaim compiles a claim expression into a Body.
	CompileClaim(expr string, inputs []string) (Body, error)

	// CompileBlock compiles a default rule's statements into a Body.
	// Later statements see the locals bound by earlier ones.
	CompileBlock(stmts []Stmt, inputs, outputs []string) (Body, error)
}

// DisplayName returns the rule's name, or the placeholder used for
// unnamed rules.
func (r *Rule) DisplayName() string {
	if r.Name == "" {
		return fmt.Sprintf("Unnamed Rule (%s)", r.ID)
	}
	return r.Name
}

// Ref renders the rule reference used in logs and reports.
func (r *Rule) Ref() string {
	return fmt.Sprintf("%s.%q", r.ID, r.DisplayName())
}

// MatchTag reports whether the tag name matches the pattern. A pattern
// ending in ".*" matches every name under the prefix. A trailing "*"
// in the final component matches any leaf with that stem under the
// exact intermediate path. Anything else is an exact match.
func MatchTag(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	}
	if strings.HasSuffix(pattern, "*") {
		pi := strings.LastIndex(pattern, ".")
		ni := strings.LastIndex(name, ".")
		if pi != ni {
			return false
		}
		if pi >= 0 && pattern[:pi] != name[:ni] {
			return false
		}
		stem := pattern[pi+1 : len(pattern)-1]
		return strings.HasPrefix(name[ni+1:], stem)
	}
	return false
}

// GlobPrefix returns the prefix of a ".*" input pattern and whether
// the pattern is a prefix glob.
func GlobPrefix(pattern string) (string, bool) {
	if strings.HasSuffix(pattern, ".*") {
		return pattern[:len(pattern)-2], true
	}
	return "", false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func dedupeGuards(in []*Guard) []*Guard {
	seen := make(map[string]bool, len(in))
	var out []*Guard
	for _, g := range in {
		if seen[g.Expr] {
			continue
		}
		seen[g.Expr] = true
		out = append(out, g)
	}
	return out
}
