package mash

import (
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Write records one write to a property: who wrote it and at which
// trace step.
type Write struct {
	RuleID     string `json:"rule_id"`
	TraceIndex int    `json:"trace_index"`
}

// TraceEntry is one step of the execution trace. Index is strictly
// monotonically increasing within an evaluation.
type TraceEntry struct {
	Index  int      `json:"index"`
	RuleID string   `json:"rule_id"`
	Notes  []string `json:"notes,omitempty"`
}

// Result of evaluating one object to a fixed point.
type Result struct {
	// The object's root path.
	Path string `json:"path"`

	// Tags as loaded from disk before evaluation.
	Initial TagMap `json:"initial"`

	// The final context after the worklist drained.
	Context TagMap `json:"context"`

	// One entry per worklist pop, in execution order.
	Trace []TraceEntry `json:"trace"`

	// Per-rule log entries, keyed by rule id.
	RuleLog map[string][]string `json:"rule_log"`

	// Per-property log entries, keyed by tag name.
	PropertyLog map[string][]string `json:"property_log"`

	// Every write to every property, ordered by ascending trace index.
	PropertyWriters map[string][]Write `json:"property_writers"`

	// Accumulated per-object errors. Evaluation continues past these.
	Errors []EvalError `json:"errors"`

	// Accumulated body wall-clock per rule id, plus the "total" key.
	Profiling map[string]time.Duration `json:"profiling"`

	// Worklist pops performed.
	Steps int `json:"steps"`
}

func newResult(obj *Object) *Result {
	return &Result{
		Path:            obj.Path,
		Initial:         obj.Tags.Clone(),
		RuleLog:         make(map[string][]string),
		PropertyLog:     make(map[string][]string),
		PropertyWriters: make(map[string][]Write),
		Profiling:       make(map[string]time.Duration),
	}
}

// Changed returns the tags whose final value differs from the initial
// tags, including tags that did not exist initially.
func (u *Result) Changed() TagMap {
	changed := TagMap{}
	for name, v := range u.Context {
		if initial, ok := u.Initial[name]; !ok || initial != v {
			changed[name] = v
		}
	}
	return changed
}

// ErrorStrings renders the error list, one entry per line, for the
// #errors tag.
func (u *Result) ErrorStrings() []string {
	out := make([]string, 0, len(u.Errors))
	for _, e := range u.Errors {
		out = append(out, e.String())
	}
	return out
}

// ProfiledRules returns the profiled rule ids sorted by descending
// accumulated time, excluding the "total" pseudo-key.
func (u *Result) ProfiledRules() []string {
	ids := make([]string, 0, len(u.Profiling))
	for id := range u.Profiling {
		if id == ProfilingTotal {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if u.Profiling[ids[i]] != u.Profiling[ids[j]] {
			return u.Profiling[ids[i]] > u.Profiling[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// ProfilingTotal is the pseudo-key accumulating total body time.
const ProfilingTotal = "total"

// String produces a one-glance summary of the evaluation.
func (u *Result) String() string {
	tw := table.NewWriter()
	tw.SetTitle("\nMASH RESULT SUMMARY\n")
	tw.AppendHeader(table.Row{"\nObject", "\nSteps", "Tags\nLoaded", "Tags\nChanged", "\nErrors", "Body\nTime"})
	tw.AppendRow(table.Row{
		u.Path,
		fmt.Sprintf("%d", u.Steps),
		fmt.Sprintf("%d", len(u.Initial)),
		fmt.Sprintf("%d", len(u.Changed())),
		fmt.Sprintf("%d", len(u.Errors)),
		u.Profiling[ProfilingTotal].Round(time.Microsecond).String(),
	})
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	tw.SetStyle(style)
	return tw.Render()
}
