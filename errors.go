package mash

import (
	"errors"
	"fmt"
)

// ErrObjectNotFound marks an object path that is not a directory. It
// aborts that object only, never the batch.
var ErrObjectNotFound = errors.New("object path is not a directory")

// ErrRuleNotFound reports a rule id that is not in the registry. No
// function in this package returns it: Registry.Rule and Snapshot.Rule
// report a missing id with a false second result.
var ErrRuleNotFound = errors.New("rule not found")

// ErrorKind classifies errors accumulated during evaluation.
type ErrorKind string

const (
	ObjectNotFound ErrorKind = "object-not-found"
	RuleBodyError  ErrorKind = "rule-body"
	MissingOutput  ErrorKind = "missing-output"
	WriteConflict  ErrorKind = "write-conflict"
	NonConvergence ErrorKind = "non-convergence"
)

// EvalError is one entry in a per-object error list. Evaluation
// continues past these; they are delivered with the result.
type EvalError struct {
	TraceIndex int       `json:"trace_index"`
	Rule       string    `json:"rule"`
	Tag        string    `json:"tag,omitempty"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
}

func (e EvalError) String() string {
	if e.Tag != "" {
		return fmt.Sprintf("[%d] %s %s {%s}: %s", e.TraceIndex, e.Kind, e.Rule, e.Tag, e.Message)
	}
	return fmt.Sprintf("[%d] %s %s: %s", e.TraceIndex, e.Kind, e.Rule, e.Message)
}

// SyntaxError reports a malformed declaration in a rules file. Loading
// aborts the offending file and surfaces the error at load time.
type SyntaxError struct {
	File     string
	RuleName string
	Line     int
	Msg      string
}

func (e *SyntaxError) Error() string {
	where := e.File
	if e.Line > 0 {
		where = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	if e.RuleName != "" {
		return fmt.Sprintf("%s: rule %q: %s", where, e.RuleName, e.Msg)
	}
	return fmt.Sprintf("%s: %s", where, e.Msg)
}
