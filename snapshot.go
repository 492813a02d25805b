package mash

// Snapshot is an immutable view of a registry, safe to share across
// workers without locking. The engine holds the current snapshot in an
// atomic pointer and swaps it wholesale on reload.
type Snapshot struct {
	rules   []*Rule
	byID    map[string]*Rule
	byInput map[string][]string
	order   []string
}

// Snapshot captures the registry's current state.
func (g *Registry) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := &Snapshot{
		rules:   make([]*Rule, 0, len(g.order)),
		byID:    make(map[string]*Rule, len(g.order)),
		byInput: make(map[string][]string, len(g.byInput)),
		order:   make([]string, len(g.order)),
	}
	copy(s.order, g.order)
	for _, id := range g.order {
		r := g.rules[id]
		s.rules = append(s.rules, r)
		s.byID[id] = r
	}
	for k, v := range g.byInput {
		ids := make([]string, len(v))
		copy(ids, v)
		s.byInput[k] = ids
	}
	return s
}

// Rules returns the snapshot's rules in registry insertion order.
func (s *Snapshot) Rules() []*Rule {
	return s.rules
}

// Rule returns the rule with the id.
func (s *Snapshot) Rule(id string) (*Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// RulesByInput returns the ids of rules triggered by a write to the
// tag, in registry order.
func (s *Snapshot) RulesByInput(tag string) []string {
	return triggered(tag, s.byInput, s.order)
}
