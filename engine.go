package mash

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Engine evaluates objects against a registry of rules to a fixed
// point. The registry snapshot is held in an atomic pointer so
// concurrent evaluations never take a lock; Reload swaps in the
// registry's current state.
type Engine struct {
	registry *Registry
	snap     atomic.Pointer[Snapshot]
	opts     EngineOptions
}

// EngineOptions configure evaluation. See the option functions.
type EngineOptions struct {
	MaxSteps int
}

// EngineOption mutates EngineOptions.
type EngineOption func(o *EngineOptions)

const defaultMaxSteps = 10000

// MaxSteps bounds the number of worklist pops per object. Past the
// cap the evaluator records a non-convergence error and stops.
// Default 10000.
func MaxSteps(n int) EngineOption {
	return func(o *EngineOptions) {
		o.MaxSteps = n
	}
}

// NewEngine initializes an engine over the registry.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		opts:     EngineOptions{MaxSteps: defaultMaxSteps},
	}
	for _, opt := range opts {
		opt(&e.opts)
	}
	e.snap.Store(registry.Snapshot())
	return e
}

// Reload snapshots the registry again. Evaluations already in flight
// keep the snapshot they started with.
func (e *Engine) Reload() {
	e.snap.Store(e.registry.Snapshot())
}

// Snapshot returns the snapshot current evaluations run against.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load()
}

// Eval runs the worklist fixed point for one object. The context is
// observed between rule evaluations, never mid-body. Per-rule errors
// accumulate in the result; the returned error is reserved for
// cancellation.
func (e *Engine) Eval(ctx context.Context, obj *Object) (*Result, error) {
	snap := e.snap.Load()
	res := newResult(obj)
	state := obj.Tags.Clone()
	if state == nil {
		state = TagMap{}
	}

	var worklist []string
	pending := make(map[string]bool)
	for _, r := range snap.Rules() {
		worklist = append(worklist, r.ID)
		pending[r.ID] = true
	}

	for len(worklist) > 0 {
		if err := ctx.Err(); err != nil {
			res.Context = state
			return res, err
		}
		if res.Steps >= e.opts.MaxSteps {
			res.Errors = append(res.Errors, EvalError{
				TraceIndex: len(res.Trace),
				Rule:       "",
				Kind:       NonConvergence,
				Message:    fmt.Sprintf("evaluation did not converge after %d steps", e.opts.MaxSteps),
			})
			break
		}

		id := worklist[0]
		worklist = worklist[1:]
		delete(pending, id)
		r, ok := snap.Rule(id)
		if !ok {
			// Cannot happen with a snapshot built from the registry.
			continue
		}

		ti := len(res.Trace)
		res.Trace = append(res.Trace, TraceEntry{Index: ti, RuleID: id})
		te := &res.Trace[ti]
		res.Steps++

		vars, missing := bindInputs(r, state)
		if len(missing) > 0 {
			note := "not evaluated because inputs are missing: " + strings.Join(missing, ", ")
			te.Notes = append(te.Notes, note)
			res.RuleLog[id] = append(res.RuleLog[id], note)
			continue
		}
		vars[VarObject] = obj.Path
		vars[VarRuleFile] = r.SourceFile
		vars[VarRuleName] = r.DisplayName()
		vars[VarTags] = map[string]string(state)

		if skipped := e.checkGuards(r, vars, res, te); skipped {
			continue
		}

		start := time.Now()
		out := r.Body.Run(&Invocation{Vars: vars, Outputs: r.Outputs})
		elapsed := time.Since(start)
		res.Profiling[id] += elapsed
		res.Profiling[ProfilingTotal] += elapsed

		switch out.Kind {
		case OutcomeError:
			res.Errors = append(res.Errors, EvalError{
				TraceIndex: ti,
				Rule:       r.Ref(),
				Kind:       RuleBodyError,
				Message:    out.Message,
			})
			note := "body failed: " + out.Message
			te.Notes = append(te.Notes, note)
			res.RuleLog[id] = append(res.RuleLog[id], note)
			continue

		case OutcomeException:
			note := "exception: not applicable"
			if out.Message != "" {
				note = "exception: " + out.Message
			}
			te.Notes = append(te.Notes, note)
			res.RuleLog[id] = append(res.RuleLog[id], note)
			continue

		case OutcomeOK:
			var unset []string
			for _, name := range r.Outputs {
				if _, ok := out.Outputs[name]; !ok {
					unset = append(unset, name)
				}
			}
			if len(unset) > 0 {
				for _, name := range unset {
					msg := fmt.Sprintf("Didn't set output {%s}", name)
					res.Errors = append(res.Errors, EvalError{
						TraceIndex: ti,
						Rule:       r.Ref(),
						Tag:        name,
						Kind:       MissingOutput,
						Message:    msg,
					})
					te.Notes = append(te.Notes, msg)
					res.RuleLog[id] = append(res.RuleLog[id], msg)
				}
				// All outputs are discarded when any is unset.
				continue
			}

		case OutcomeContinue:
			// Partial outputs from set variables are accepted.
		}

		e.merge(r, out.Outputs, state, snap, res, te, &worklist, pending)
	}

	res.Context = state
	return res, nil
}

// bindInputs resolves the rule's input patterns against the context.
// Exact patterns bind their value under the dotted name; ".*" patterns
// bind a map of every covered tag keyed by the remainder after the
// prefix. Patterns matching nothing are reported in missing.
func bindInputs(r *Rule, state TagMap) (map[string]any, []string) {
	vars := make(map[string]any, len(r.Inputs)+4)
	var missing []string
	for _, pattern := range r.Inputs {
		prefix, glob := GlobPrefix(pattern)
		if !glob {
			v, ok := state[pattern]
			if !ok {
				missing = append(missing, pattern)
				continue
			}
			vars[pattern] = v
			continue
		}
		matches := map[string]string{}
		for name, v := range state {
			if MatchTag(pattern, name) {
				matches[name[len(prefix)+1:]] = v
			}
		}
		if len(matches) == 0 {
			missing = append(missing, pattern)
			continue
		}
		vars[prefix] = matches
	}
	return vars, missing
}

// checkGuards evaluates the rule's conditions left to right. Returns
// true if the rule is skipped.
func (e *Engine) checkGuards(r *Rule, vars map[string]any, res *Result, te *TraceEntry) bool {
	id := r.ID
	for i, g := range r.Guards {
		ok, err := g.Program.Eval(vars)
		if err != nil {
			if !g.Lenient {
				res.Errors = append(res.Errors, EvalError{
					TraceIndex: te.Index,
					Rule:       r.Ref(),
					Kind:       RuleBodyError,
					Message:    fmt.Sprintf("condition %d (%s): %v", i+1, g.Expr, err),
				})
			}
			note := fmt.Sprintf("condition %d requires: %s", i+1, g.Expr)
			te.Notes = append(te.Notes, note)
			res.RuleLog[id] = append(res.RuleLog[id], note)
			return true
		}
		if !ok {
			note := fmt.Sprintf("condition %d requires: %s", i+1, g.Expr)
			te.Notes = append(te.Notes, note)
			res.RuleLog[id] = append(res.RuleLog[id], note)
			return true
		}
	}
	return false
}

// merge applies the body's outputs to the context, in declaration
// order: record the writer, detect unchanged writes and conflicts,
// update the value, and reactivate every rule reading the tag.
func (e *Engine) merge(r *Rule, outputs map[string]string, state TagMap, snap *Snapshot, res *Result, te *TraceEntry, worklist *[]string, pending map[string]bool) {
	id := r.ID
	for _, name := range r.Outputs {
		v, ok := outputs[name]
		if !ok {
			continue
		}

		writers := res.PropertyWriters[name]
		res.PropertyWriters[name] = append(writers, Write{RuleID: id, TraceIndex: te.Index})

		prev, had := state[name]
		if had && prev == v {
			note := fmt.Sprintf("%s written but unchanged (%s)", name, Truncate(v))
			te.Notes = append(te.Notes, note)
			res.RuleLog[id] = append(res.RuleLog[id], note)
			res.PropertyLog[name] = append(res.PropertyLog[name], note+" by "+r.Ref())
			continue
		}

		if other := lastOtherWriter(writers, id); other != nil {
			msg := fmt.Sprintf("conflict: %s previously written by %s at step %d", name, other.RuleID, other.TraceIndex)
			res.Errors = append(res.Errors, EvalError{
				TraceIndex: te.Index,
				Rule:       r.Ref(),
				Tag:        name,
				Kind:       WriteConflict,
				Message:    msg,
			})
			te.Notes = append(te.Notes, msg)
			res.RuleLog[id] = append(res.RuleLog[id], msg)
			res.PropertyLog[name] = append(res.PropertyLog[name], msg)
			// The value is still updated; later evaluation may
			// stabilize.
		}

		state[name] = v
		note := fmt.Sprintf("%s = %s", name, Truncate(v))
		if had {
			note = fmt.Sprintf("%s = %s (was %s)", name, Truncate(v), Truncate(prev))
		}
		te.Notes = append(te.Notes, note)
		res.RuleLog[id] = append(res.RuleLog[id], note)
		res.PropertyLog[name] = append(res.PropertyLog[name], note+" by "+r.Ref())

		for _, rid := range snap.RulesByInput(name) {
			if pending[rid] {
				continue
			}
			*worklist = append(*worklist, rid)
			pending[rid] = true
		}
	}
}

// lastOtherWriter returns the most recent prior write by a different
// rule, or nil.
func lastOtherWriter(writers []Write, id string) *Write {
	for i := len(writers) - 1; i >= 0; i-- {
		if writers[i].RuleID != id {
			return &writers[i]
		}
	}
	return nil
}

// Truncate shortens a value for inline rendering: strings longer than
// 32 characters become the first 29 plus "...".
func Truncate(s string) string {
	r := []rune(s)
	if len(r) <= 32 {
		return s
	}
	return string(r[:29]) + "..."
}
