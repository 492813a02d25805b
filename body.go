package mash

import (
	"fmt"
	"strings"
)

// Reserved variable names made available to every compiled expression.
// They sit under the "mash." prefix so they cannot collide with input
// tag bindings.
const (
	// VarObject holds the object's root path.
	VarObject = "mash.object"

	// VarRuleFile holds the rule's source file.
	VarRuleFile = "mash.rulefile"

	// VarRuleName holds the rule's display name.
	VarRuleName = "mash.rulename"

	// VarTags holds the current context as a map of tag name to value.
	VarTags = "mash.tags"
)

// An Invocation carries everything a Body needs for one execution.
type Invocation struct {
	// Bound input variables plus the reserved mash.* variables.
	Vars map[string]any

	// The rule's declared outputs.
	Outputs []string
}

// OutcomeKind classifies how a body execution ended.
type OutcomeKind int

const (
	// OutcomeOK: the body completed; Outputs holds the locals that
	// matched declared outputs. The evaluator discards all outputs if
	// any declared output is missing.
	OutcomeOK OutcomeKind = iota

	// OutcomeException: the input is not applicable. Outputs are
	// discarded, Message is logged, no error is recorded.
	OutcomeException

	// OutcomeContinue: the body ended early accepting partial
	// outputs; unset outputs are not an error.
	OutcomeContinue

	// OutcomeError: the body failed. Message holds the error.
	OutcomeError
)

// Outcome is the normalized result of running a rule body.
type Outcome struct {
	Kind    OutcomeKind
	Outputs map[string]string
	Message string
}

// Body is the compiled, callable form of a rule's body.
type Body interface {
	Run(inv *Invocation) Outcome
}

// StmtOp enumerates the statement forms of a default rule body.
type StmtOp int

const (
	// StmtSet binds a local: set <name> { <expr> }
	StmtSet StmtOp = iota

	// StmtException aborts with the exception outcome, optionally
	// with a message expression.
	StmtException

	// StmtContinue ends the body accepting partial outputs.
	StmtContinue
)

// Stmt is one parsed statement of a default rule body, before
// compilation.
type Stmt struct {
	Op   StmtOp
	Name string
	Expr string
}

// MapBody implements the map rule kind: a fixed table from input
// tuples to output tuples. Map rules accept exact inputs only.
type MapBody struct {
	// Input names in declaration order; the lookup key is their
	// bound values joined by MapKey.
	Inputs []string

	Outputs []string

	Table map[string][]string
}

// MapKey joins a value tuple into a table key.
func MapKey(parts []string) string {
	return strings.Join(parts, "\x1f")
}

// Run looks the bound input tuple up in the table. A missing key is
// the exception outcome, not an error.
func (b *MapBody) Run(inv *Invocation) Outcome {
	parts := make([]string, 0, len(b.Inputs))
	for _, name := range b.Inputs {
		v, ok := inv.Vars[name].(string)
		if !ok {
			return Outcome{Kind: OutcomeError, Message: fmt.Sprintf("map rule input %s is not a plain tag", name)}
		}
		parts = append(parts, v)
	}
	row, ok := b.Table[MapKey(parts)]
	if !ok {
		return Outcome{
			Kind:    OutcomeException,
			Message: fmt.Sprintf("no mapping for {%s}", strings.Join(parts, " ")),
		}
	}
	outs := make(map[string]string, len(b.Outputs))
	for i, name := range b.Outputs {
		outs[name] = row[i]
	}
	return Outcome{Kind: OutcomeOK, Outputs: outs}
}
