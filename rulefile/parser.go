package rulefile

import (
	"fmt"
	"strings"

	"github.com/mashlab/mash"
)

// decl is one parsed rule declaration, before compilation.
type decl struct {
	rule    *mash.Rule
	claim   string
	stmts   []mash.Stmt
	table   map[string][]string
	mapToks []token
	line    int
}

// frame is one entry of the using-context stack: defaults prepended to
// every rule declared inside the using block.
type frame struct {
	ins    []string
	outs   []string
	guards []*mash.Guard
}

type parser struct {
	toks  []token
	pos   int
	file  string
	stack []frame
}

var keywords = map[string]bool{
	"in": true, "out": true, "if": true, "when": true,
	"always": true, "then": true, "claim": true, "map": true,
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}
func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errf(line int, name, format string, args ...any) error {
	return &mash.SyntaxError{File: p.file, RuleName: name, Line: line, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expectBlock(after string, name string) (token, error) {
	t := p.next()
	if t.kind != tokBlock {
		return t, p.errf(t.line, name, "expected a {...} block after %q", after)
	}
	return t, nil
}

// parseAll consumes declarations until EOF.
func (p *parser) parseAll() ([]*decl, error) {
	var decls []*decl
	for {
		t := p.peek()
		switch {
		case t.kind == tokEOF:
			return decls, nil
		case t.kind == tokWord && t.text == "rule":
			p.next()
			d, err := p.parseRule()
			if err != nil {
				return nil, err
			}
			decls = append(decls, d)
		case t.kind == tokWord && t.text == "using":
			p.next()
			ds, err := p.parseUsing()
			if err != nil {
				return nil, err
			}
			decls = append(decls, ds...)
		case t.kind == tokWord && t.text == "metric":
			p.next()
			// metric <name> [<block>] is a no-op declaration.
			if nt := p.next(); nt.kind == tokEOF {
				return nil, p.errf(nt.line, "", "incomplete metric declaration at end of file")
			}
			if p.peek().kind == tokBlock {
				p.next()
			}
		default:
			return nil, p.errf(t.line, "", "expected a declaration, got %q", t.text)
		}
	}
}

// parseUsing handles using { in {..} out {..} if {..} } define { ... }.
// The frame composes with any enclosing frames and is popped on every
// exit path.
func (p *parser) parseUsing() ([]*decl, error) {
	header, err := p.expectBlock("using", "")
	if err != nil {
		return nil, err
	}
	def := p.next()
	if def.kind != tokWord || def.text != "define" {
		return nil, p.errf(def.line, "", "expected \"define\" after the using header")
	}
	body, err := p.expectBlock("define", "")
	if err != nil {
		return nil, err
	}

	f, err := p.parseUsingHeader(header)
	if err != nil {
		return nil, err
	}

	toks, err := lex(body.text, p.file, body.line)
	if err != nil {
		return nil, err
	}
	// The inner parser carries the extended stack; the enclosing
	// parser's stack is untouched, so the frame is gone on every exit
	// path.
	inner := &parser{toks: toks, file: p.file, stack: append(p.stack[:len(p.stack):len(p.stack)], f)}
	return inner.parseAll()
}

func (p *parser) parseUsingHeader(header token) (frame, error) {
	var f frame
	toks, err := lex(header.text, p.file, header.line)
	if err != nil {
		return f, err
	}
	h := &parser{toks: toks, file: p.file}
	for {
		t := h.next()
		if t.kind == tokEOF {
			return f, nil
		}
		if t.kind != tokWord {
			return f, p.errf(t.line, "", "unexpected block in using header")
		}
		b, err := h.expectBlock(t.text, "")
		if err != nil {
			return f, err
		}
		switch t.text {
		case "in":
			f.ins = append(f.ins, strings.Fields(b.text)...)
		case "out":
			f.outs = append(f.outs, strings.Fields(b.text)...)
		case "if":
			f.guards = append(f.guards, &mash.Guard{Expr: strings.TrimSpace(b.text)})
		default:
			return f, p.errf(t.line, "", "unexpected %q in using header", t.text)
		}
	}
}

// parseRule consumes one rule declaration after the "rule" keyword.
func (p *parser) parseRule() (*decl, error) {
	d := &decl{rule: &mash.Rule{SourceFile: p.file}, line: p.peek().line}
	r := d.rule

	// Optional display name: a word that is not a keyword, or a block
	// followed by a keyword (a bare block would be the body).
	t := p.peek()
	if t.kind == tokWord && !keywords[t.text] {
		r.Name = t.text
		p.next()
	} else if t.kind == tokBlock {
		if nt := p.peekAt(1); nt.kind == tokWord && keywords[nt.text] {
			r.Name = strings.TrimSpace(t.text)
			p.next()
		}
	}

	seenOut := false
	for {
		t := p.peek()
		if t.kind == tokEOF {
			return nil, p.errf(t.line, r.Name, "incomplete rule declaration at end of file")
		}

		if t.kind == tokBlock {
			p.next()
			if err := p.parseBlockBody(d, t); err != nil {
				return nil, err
			}
			break
		}

		p.next()
		switch t.text {
		case "in":
			if seenOut {
				return nil, p.errf(t.line, r.Name, "\"in\" must come before \"out\"")
			}
			b, err := p.expectBlock("in", r.Name)
			if err != nil {
				return nil, err
			}
			r.Inputs = append(r.Inputs, strings.Fields(b.text)...)
		case "out":
			seenOut = true
			b, err := p.expectBlock("out", r.Name)
			if err != nil {
				return nil, err
			}
			r.Outputs = append(r.Outputs, strings.Fields(b.text)...)
		case "if", "when":
			b, err := p.expectBlock(t.text, r.Name)
			if err != nil {
				return nil, err
			}
			r.Guards = append(r.Guards, &mash.Guard{Expr: strings.TrimSpace(b.text), Lenient: t.text == "when"})
		case "always", "then":
			// "always" adds nothing; "then" is an optional marker.
		case "claim":
			b, err := p.expectBlock("claim", r.Name)
			if err != nil {
				return nil, err
			}
			r.Kind = mash.KindClaim
			d.claim = strings.TrimSpace(b.text)
			r.BodyText = "claim {" + b.text + "}"
		case "map":
			b, err := p.expectBlock("map", r.Name)
			if err != nil {
				return nil, err
			}
			r.Kind = mash.KindMap
			r.BodyText = "map {" + b.text + "}"
			if err := p.stashMapBlock(d, b); err != nil {
				return nil, err
			}
		default:
			return nil, p.errf(t.line, r.Name, "unexpected %q in rule declaration", t.text)
		}

		if r.Kind == mash.KindClaim || r.Kind == mash.KindMap {
			break
		}
	}

	p.applyUsing(r)
	if r.Kind == mash.KindMap {
		if err := p.resolveMapTable(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// parseBlockBody splits a default body block into statements.
func (p *parser) parseBlockBody(d *decl, body token) error {
	r := d.rule
	r.Kind = mash.KindDefault
	r.BodyText = strings.TrimSpace(trimIndent(body.text))

	toks, err := lex(body.text, p.file, body.line)
	if err != nil {
		return err
	}
	b := &parser{toks: toks, file: p.file}
	for {
		t := b.next()
		if t.kind == tokEOF {
			return nil
		}
		if t.kind != tokWord {
			return p.errf(t.line, r.Name, "expected a statement, got a block")
		}
		switch t.text {
		case "set":
			name := b.next()
			if name.kind != tokWord {
				return p.errf(t.line, r.Name, "\"set\" requires a variable name")
			}
			expr := b.next()
			if expr.kind == tokEOF {
				return p.errf(t.line, r.Name, "\"set %s\" is missing its expression", name.text)
			}
			d.stmts = append(d.stmts, mash.Stmt{Op: mash.StmtSet, Name: name.text, Expr: strings.TrimSpace(expr.text)})
		case "exception":
			st := mash.Stmt{Op: mash.StmtException}
			if nt := b.peek(); nt.kind == tokBlock {
				b.next()
				st.Expr = strings.TrimSpace(nt.text)
			}
			d.stmts = append(d.stmts, st)
		case "continue":
			d.stmts = append(d.stmts, mash.Stmt{Op: mash.StmtContinue})
		default:
			return p.errf(t.line, r.Name, "unknown statement %q", t.text)
		}
	}
}

// stashMapBlock lexes the map table; arity is validated once the
// using-context has been applied.
func (p *parser) stashMapBlock(d *decl, body token) error {
	toks, err := lex(body.text, p.file, body.line)
	if err != nil {
		return err
	}
	// Drop the EOF sentinel, keep tuple tokens.
	d.mapToks = toks[:len(toks)-1]
	return nil
}

// resolveMapTable validates tuple arity against the merged inputs and
// outputs and builds the lookup table.
func (p *parser) resolveMapTable(d *decl) error {
	r := d.rule
	for _, in := range r.Inputs {
		if _, glob := mash.GlobPrefix(in); glob {
			return p.errf(d.line, r.Name, "map rules cannot take pattern input %q", in)
		}
	}
	if len(d.mapToks)%2 != 0 {
		return p.errf(d.line, r.Name, "map table must be {in-tuple} {out-tuple} pairs")
	}
	table := make(map[string][]string, len(d.mapToks)/2)
	for i := 0; i < len(d.mapToks); i += 2 {
		ins := strings.Fields(d.mapToks[i].text)
		outs := strings.Fields(d.mapToks[i+1].text)
		if len(ins) != len(r.Inputs) {
			return p.errf(d.mapToks[i].line, r.Name, "mapping key {%s} has %d values, rule has %d inputs",
				strings.Join(ins, " "), len(ins), len(r.Inputs))
		}
		if len(outs) != len(r.Outputs) {
			return p.errf(d.mapToks[i+1].line, r.Name, "mapping value {%s} has %d values, rule has %d outputs",
				strings.Join(outs, " "), len(outs), len(r.Outputs))
		}
		table[mash.MapKey(ins)] = outs
	}
	d.table = table
	return nil
}

// applyUsing prepends the accumulated using-context, outermost frame
// first.
func (p *parser) applyUsing(r *mash.Rule) {
	var ins, outs []string
	var guards []*mash.Guard
	for _, f := range p.stack {
		ins = append(ins, f.ins...)
		outs = append(outs, f.outs...)
		guards = append(guards, f.guards...)
	}
	r.Inputs = append(ins, r.Inputs...)
	r.Outputs = append(outs, r.Outputs...)
	r.Guards = append(cloneGuards(guards), r.Guards...)
}

// cloneGuards copies using-frame guards so each rule compiles its own
// programs.
func cloneGuards(gs []*mash.Guard) []*mash.Guard {
	out := make([]*mash.Guard, 0, len(gs))
	for _, g := range gs {
		c := *g
		c.Program = nil
		out = append(out, &c)
	}
	return out
}

// trimIndent strips the common leading whitespace block bodies carry
// from the rules file indentation.
func trimIndent(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, strings.TrimSpace(l))
	}
	return strings.Join(out, "\n")
}
