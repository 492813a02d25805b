package mash

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Registry is the indexed rule collection. It is built once per run,
// then read-only during evaluation; workers read through an immutable
// Snapshot.
type Registry struct {
	mu sync.RWMutex

	rules map[string]*Rule
	order []string

	// Reverse index from input tag name (or pattern) to the rules it
	// triggers. Output names get an entry too, possibly empty, so
	// lookups never miss.
	byInput map[string][]string

	nextID int
}

// NewRegistry initializes an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rules:   make(map[string]*Rule),
		byInput: make(map[string][]string),
		nextID:  1,
	}
}

// nestedRule matches a line that starts a rule declaration inside a
// body. Rules cannot conditionally define other rules; this is a
// lexical check on the body text, not a semantic one.
var nestedRule = regexp.MustCompile(`(?m)^\s*rule\s`)

// check validates a rule's static invariants without installing it.
func check(r *Rule) error {
	if r == nil {
		return fmt.Errorf("attempt to add nil rule")
	}
	if nestedRule.MatchString(r.BodyText) {
		return &SyntaxError{
			File:     r.SourceFile,
			RuleName: r.Name,
			Msg:      "rule declaration inside a rule body",
		}
	}
	for _, out := range r.Outputs {
		if strings.HasSuffix(out, ".*") {
			return &SyntaxError{
				File:     r.SourceFile,
				RuleName: r.Name,
				Msg:      fmt.Sprintf("output %q may not be a pattern", out),
			}
		}
	}
	if r.Kind == KindClaim && len(r.Outputs) > 0 {
		return &SyntaxError{
			File:     r.SourceFile,
			RuleName: r.Name,
			Msg:      "claim rules cannot have outputs",
		}
	}
	if r.Body == nil {
		return fmt.Errorf("rule %q has no body", r.DisplayName())
	}
	return nil
}

// Add installs compiled rules. IDs are assigned when empty. Inputs and
// guards are deduplicated preserving first occurrence. Every rule is
// validated before any is installed, so a bad rule leaves the registry
// untouched by the whole call.
func (g *Registry) Add(rules ...*Rule) error {
	for _, r := range rules {
		if err := check(r); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			continue
		}
		if _, exists := g.rules[r.ID]; exists || seen[r.ID] {
			return fmt.Errorf("duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true
	}

	for _, r := range rules {
		if r.ID == "" {
			r.ID = strconv.Itoa(g.nextID)
			g.nextID++
		}
		r.Inputs = dedupe(r.Inputs)
		r.Guards = dedupeGuards(r.Guards)

		g.rules[r.ID] = r
		g.order = append(g.order, r.ID)
		for _, in := range r.Inputs {
			g.byInput[in] = append(g.byInput[in], r.ID)
		}
		for _, out := range r.Outputs {
			if _, ok := g.byInput[out]; !ok {
				g.byInput[out] = nil
			}
		}
	}
	return nil
}

// Rule returns the rule with the id.
func (g *Registry) Rule(id string) (*Rule, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rules[id]
	return r, ok
}

// Rules returns all rules in insertion order.
func (g *Registry) Rules() []*Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Rule, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.rules[id])
	}
	return out
}

// RuleCount is the number of rules in the registry.
func (g *Registry) RuleCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// RulesByInput returns the ids of the rules triggered by a write to
// the tag, in registry order: rules listing the name exactly plus
// rules whose ".*" pattern covers it.
func (g *Registry) RulesByInput(tag string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return triggered(tag, g.byInput, g.order)
}

func triggered(tag string, byInput map[string][]string, order []string) []string {
	hit := make(map[string]bool)
	for _, id := range byInput[tag] {
		hit[id] = true
	}
	for pattern, ids := range byInput {
		if _, glob := GlobPrefix(pattern); !glob {
			continue
		}
		if !MatchTag(pattern, tag) {
			continue
		}
		for _, id := range ids {
			hit[id] = true
		}
	}
	if len(hit) == 0 {
		return nil
	}
	out := make([]string, 0, len(hit))
	for _, id := range order {
		if hit[id] {
			out = append(out, id)
		}
	}
	return out
}

// String renders the registry as a table, in insertion order.
func (g *Registry) String() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tw := table.NewWriter()
	tw.SetTitle("\nMASH RULES\n")
	tw.AppendHeader(table.Row{"\nRule", "\nName", "\nInputs", "\nOutputs", "\nKind", "\nSource"})

	for _, id := range g.order {
		r := g.rules[id]
		tw.AppendRow(table.Row{
			r.ID,
			r.DisplayName(),
			strings.Join(r.Inputs, "\n"),
			strings.Join(r.Outputs, "\n"),
			r.Kind.String(),
			r.SourceFile,
		})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, WidthMax: 30},
		{Number: 3, WidthMax: 30},
		{Number: 4, WidthMax: 30},
	})

	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	tw.SetStyle(style)
	return tw.Render()
}
