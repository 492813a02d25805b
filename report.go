package mash

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Delta456/box-cli-maker/v2"
	"github.com/alexeyco/simpletable"
	"github.com/dustin/go-humanize"
)

// Report renders the full per-object evaluation report written to
// mash.log: summary, errors, updated tags, execution trace, rule
// evaluations, property evaluations, profiling, and rule definitions.
func Report(res *Result, snap *Snapshot) string {
	b := box.New(box.Config{Px: 2, Py: 1, Type: "Double", Color: "Cyan", TitlePos: "Top", ContentAlign: "Left"})

	s := strings.Builder{}
	s.WriteString(summarySection(res))
	s.WriteString(errorSection(res))
	s.WriteString(updatedTagsSection(res))
	s.WriteString(traceSection(res))
	s.WriteString(ruleEvalSection(res, snap))
	s.WriteString(propertySection(res, snap))
	s.WriteString(profilingSection(res))
	s.WriteString(definitionsSection(snap))

	return b.String("MASH EVALUATION REPORT", s.String())
}

func section(title string) string {
	return fmt.Sprintf("%s:\n%s\n", title, strings.Repeat("-", len(title)+1))
}

func summarySection(res *Result) string {
	s := strings.Builder{}
	s.WriteString(section("Summary"))
	s.WriteString(fmt.Sprintf("Object:        %s\n", res.Path))
	s.WriteString(fmt.Sprintf("Tags loaded:   %s\n", humanize.Comma(int64(len(res.Initial)))))
	s.WriteString(fmt.Sprintf("Tags changed:  %s\n", humanize.Comma(int64(len(res.Changed())))))
	s.WriteString(fmt.Sprintf("Steps:         %s\n", humanize.Comma(int64(res.Steps))))
	s.WriteString(fmt.Sprintf("Errors:        %s\n", humanize.Comma(int64(len(res.Errors)))))
	s.WriteString(fmt.Sprintf("Body time:     %s\n\n", res.Profiling[ProfilingTotal].Round(time.Microsecond)))
	return s.String()
}

func errorSection(res *Result) string {
	if len(res.Errors) == 0 {
		return ""
	}
	s := strings.Builder{}
	s.WriteString(section("Errors"))
	for _, e := range res.Errors {
		s.WriteString(e.String())
		s.WriteString("\n")
	}
	s.WriteString("\n")
	return s.String()
}

func updatedTagsSection(res *Result) string {
	changed := res.Changed()
	if len(changed) == 0 {
		return ""
	}
	t := simpletable.New()
	t.Header = &simpletable.Header{
		Cells: []*simpletable.Cell{
			{Align: simpletable.AlignCenter, Text: "Tag"},
			{Align: simpletable.AlignCenter, Text: "Value"},
			{Align: simpletable.AlignCenter, Text: "Was"},
		},
	}
	for _, name := range changed.Names() {
		was := "(absent)"
		if old, ok := res.Initial[name]; ok {
			was = Truncate(old)
		}
		t.Body.Cells = append(t.Body.Cells, []*simpletable.Cell{
			{Text: name},
			{Text: Truncate(changed[name])},
			{Text: was},
		})
	}
	t.SetStyle(simpletable.StyleUnicode)
	return section("Updated Tags") + t.String() + "\n\n"
}

func traceSection(res *Result) string {
	s := strings.Builder{}
	s.WriteString(section("Execution Trace"))
	for _, te := range res.Trace {
		s.WriteString(fmt.Sprintf("[%d] rule %s\n", te.Index, te.RuleID))
		for _, n := range te.Notes {
			s.WriteString("    " + n + "\n")
		}
	}
	s.WriteString("\n")
	return s.String()
}

func ruleEvalSection(res *Result, snap *Snapshot) string {
	s := strings.Builder{}
	s.WriteString(section("Rule Evaluations"))
	for _, r := range snap.Rules() {
		s.WriteString(r.Ref() + "\n")
		entries := res.RuleLog[r.ID]
		if len(entries) == 0 {
			s.WriteString("    (no entries)\n")
			continue
		}
		for _, e := range entries {
			s.WriteString("    " + e + "\n")
		}
	}
	s.WriteString("\n")
	return s.String()
}

func propertySection(res *Result, snap *Snapshot) string {
	names := map[string]bool{}
	for n := range res.PropertyLog {
		names[n] = true
	}
	for n := range res.PropertyWriters {
		names[n] = true
	}
	if len(names) == 0 {
		return ""
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	s := strings.Builder{}
	s.WriteString(section("Property Evaluations"))
	for _, name := range sorted {
		s.WriteString(name + "\n")
		if w := writerRefs(res, snap, name); len(w) > 0 {
			s.WriteString("    written by: " + strings.Join(w, ", ") + "\n")
		}
		if r := readerRefs(snap, name); len(r) > 0 {
			s.WriteString("    read by:    " + strings.Join(r, ", ") + "\n")
		}
		for _, e := range res.PropertyLog[name] {
			s.WriteString("    " + e + "\n")
		}
	}
	s.WriteString("\n")
	return s.String()
}

func writerRefs(res *Result, snap *Snapshot, tag string) []string {
	var refs []string
	seen := map[string]bool{}
	for _, w := range res.PropertyWriters[tag] {
		if seen[w.RuleID] {
			continue
		}
		seen[w.RuleID] = true
		if r, ok := snap.Rule(w.RuleID); ok {
			refs = append(refs, r.Ref())
		}
	}
	return refs
}

func readerRefs(snap *Snapshot, tag string) []string {
	var refs []string
	for _, id := range snap.RulesByInput(tag) {
		if r, ok := snap.Rule(id); ok {
			refs = append(refs, r.Ref())
		}
	}
	return refs
}

func profilingSection(res *Result) string {
	t := simpletable.New()
	t.Header = &simpletable.Header{
		Cells: []*simpletable.Cell{
			{Align: simpletable.AlignCenter, Text: "Rule"},
			{Align: simpletable.AlignCenter, Text: "ms"},
		},
	}
	for _, id := range res.ProfiledRules() {
		t.Body.Cells = append(t.Body.Cells, []*simpletable.Cell{
			{Text: id},
			{Align: simpletable.AlignRight, Text: millis(res.Profiling[id])},
		})
	}
	t.Body.Cells = append(t.Body.Cells, []*simpletable.Cell{
		{Text: ProfilingTotal},
		{Align: simpletable.AlignRight, Text: millis(res.Profiling[ProfilingTotal])},
	})
	t.SetStyle(simpletable.StyleUnicode)
	return section("Profiling") + t.String() + "\n\n"
}

func millis(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d)/float64(time.Millisecond))
}

func definitionsSection(snap *Snapshot) string {
	s := strings.Builder{}
	s.WriteString(section("Rule Definitions"))
	for _, r := range snap.Rules() {
		s.WriteString(fmt.Sprintf("%s  [%s, %s]\n", r.Ref(), r.Kind, r.SourceFile))
		if len(r.Inputs) > 0 {
			s.WriteString("    in:  " + strings.Join(r.Inputs, " ") + "\n")
		}
		if len(r.Outputs) > 0 {
			s.WriteString("    out: " + strings.Join(r.Outputs, " ") + "\n")
		}
		for _, g := range r.Guards {
			kw := "if"
			if g.Lenient {
				kw = "when"
			}
			s.WriteString(fmt.Sprintf("    %s: %s\n", kw, g.Expr))
		}
		if r.BodyText != "" {
			for _, line := range strings.Split(strings.TrimRight(r.BodyText, "\n"), "\n") {
				s.WriteString("    | " + line + "\n")
			}
		}
	}
	return s.String()
}
