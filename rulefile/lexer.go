// Package rulefile parses the declarative rule surface syntax:
//
//	rule [<name>] [in { <patterns> }] [out { <names> }] (if {..} | when {..} | always)* [then] <body>
//	using { in {..} out {..} if {..} } define { <rules> }
//	metric <name> [<block>]
//
// where a body is a statement block, "claim { <expr> }", or
// "map { {in-tuple} {out-tuple} ... }". Parsed rules are compiled with
// a mash.Compiler and installed in a registry by the Loader.
package rulefile

import "github.com/mashlab/mash"

type tokKind int

const (
	tokWord tokKind = iota
	tokBlock
	tokEOF
)

type token struct {
	kind tokKind
	text string
	line int
}

// lex splits source into words and balanced {...} blocks. A '#' at the
// start of a line begins a comment running to end of line. Block text
// is captured raw, including newlines; nested braces must balance.
func lex(src, file string, startLine int) ([]token, error) {
	var toks []token
	line := startLine
	atLineStart := true
	i := 0
	n := len(src)

	for i < n {
		c := src[i]
		switch {
		case c == '\n':
			line++
			atLineStart = true
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#' && atLineStart:
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '{':
			depth := 1
			start := i + 1
			startedAt := line
			i++
			for i < n && depth > 0 {
				switch src[i] {
				case '{':
					depth++
				case '}':
					depth--
				case '\n':
					line++
				}
				i++
			}
			if depth != 0 {
				return nil, &mash.SyntaxError{File: file, Line: startedAt, Msg: "unbalanced braces"}
			}
			toks = append(toks, token{kind: tokBlock, text: src[start : i-1], line: startedAt})
			atLineStart = false
		case c == '}':
			return nil, &mash.SyntaxError{File: file, Line: line, Msg: "unexpected '}'"}
		default:
			start := i
			for i < n && src[i] != ' ' && src[i] != '\t' && src[i] != '\r' && src[i] != '\n' && src[i] != '{' && src[i] != '}' {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: src[start:i], line: line})
			atLineStart = false
		}
	}
	toks = append(toks, token{kind: tokEOF, line: line})
	return toks, nil
}
