// Package cel compiles the expression surface of mash rules — guards,
// claim expressions, and the set-statements of default bodies — into
// runnable programs backed by Google's cel-go. The expressions you
// write must conform to the CEL spec: https://github.com/google/cel-spec.
//
// Exact input tags are declared as CEL string variables under their
// dotted name; a ".*" input is declared as a map<string,string> named
// by its prefix. The builtins rule_file(), rule_name(), object_path()
// and has_tag() are provided as macros over reserved variables, so
// every program stays a pure compiled CEL program.
package cel

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/mashlab/mash"
)

// Compiler implements mash.Compiler on top of cel-go. Programs are
// parsed, checked and planned once at rules-load time; evaluation
// never re-parses.
type Compiler struct{}

// NewCompiler initializes a Compiler.
func NewCompiler() *Compiler {
	return &Compiler{}
}

// env builds the CEL environment for a rule with the given inputs.
func (c *Compiler) env(inputs []string) (*cel.Env, error) {
	opts := []cel.EnvOption{
		cel.Variable(mash.VarObject, cel.StringType),
		cel.Variable(mash.VarRuleFile, cel.StringType),
		cel.Variable(mash.VarRuleName, cel.StringType),
		cel.Variable(mash.VarTags, cel.MapType(cel.StringType, cel.StringType)),
		hasTagFunction(),
		builtinMacros(),
	}
	declared := map[string]bool{}
	for _, in := range inputs {
		if prefix, glob := mash.GlobPrefix(in); glob {
			if declared[prefix] {
				continue
			}
			declared[prefix] = true
			opts = append(opts, cel.Variable(prefix, cel.MapType(cel.StringType, cel.StringType)))
			continue
		}
		if declared[in] {
			continue
		}
		declared[in] = true
		opts = append(opts, cel.Variable(in, cel.StringType))
	}
	return cel.NewEnv(opts...)
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compiling %q: %w", expr, iss.Err())
	}
	return env.Program(ast)
}

// CompileGuard compiles the guard expression and attaches the program.
func (c *Compiler) CompileGuard(g *mash.Guard, inputs []string) error {
	env, err := c.env(inputs)
	if err != nil {
		return err
	}
	prg, err := compile(env, g.Expr)
	if err != nil {
		return err
	}
	g.Program = &boolProgram{prg: prg, lenient: g.Lenient}
	return nil
}

// boolProgram adapts a cel.Program to mash.BoolProgram. Lenient
// programs coerce errors and non-bool results to false.
type boolProgram struct {
	prg     cel.Program
	lenient bool
}

func (p *boolProgram) Eval(vars map[string]any) (bool, error) {
	out, _, err := p.prg.Eval(vars)
	if err != nil {
		if p.lenient {
			return false, nil
		}
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		if p.lenient {
			return truthy(out.Value()), nil
		}
		return false, fmt.Errorf("expected bool, got %T", out.Value())
	}
	return b, nil
}

// truthy applies command-result boolean coercion for "when" guards.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.TrimSpace(t)
		return s != "" && s != "0" && !strings.EqualFold(s, "false")
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	default:
		return v != nil
	}
}

// CompileClaim compiles a claim rule body. A false claim is a body
// error; evaluation of the object continues.
func (c *Compiler) CompileClaim(expr string, inputs []string) (mash.Body, error) {
	env, err := c.env(inputs)
	if err != nil {
		return nil, err
	}
	prg, err := compile(env, expr)
	if err != nil {
		return nil, err
	}
	return &claimBody{expr: expr, prg: prg}, nil
}

type claimBody struct {
	expr string
	prg  cel.Program
}

func (b *claimBody) Run(inv *mash.Invocation) mash.Outcome {
	out, _, err := b.prg.Eval(inv.Vars)
	if err != nil {
		return mash.Outcome{Kind: mash.OutcomeError, Message: err.Error()}
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return mash.Outcome{Kind: mash.OutcomeError, Message: fmt.Sprintf("claim %q is not boolean", b.expr)}
	}
	if !ok {
		return mash.Outcome{Kind: mash.OutcomeError, Message: fmt.Sprintf("Claim violated: %s", b.expr)}
	}
	return mash.Outcome{Kind: mash.OutcomeOK}
}

// CompileBlock compiles the statements of a default rule body. Each
// set statement extends the environment, so later statements can read
// the locals bound before them.
func (c *Compiler) CompileBlock(stmts []mash.Stmt, inputs, outputs []string) (mash.Body, error) {
	env, err := c.env(inputs)
	if err != nil {
		return nil, err
	}
	declared := map[string]bool{}
	b := &blockBody{outputs: outputs}
	for _, st := range stmts {
		cs := compiledStmt{op: st.Op, name: st.Name, expr: st.Expr}
		switch st.Op {
		case mash.StmtSet:
			cs.prg, err = compile(env, st.Expr)
			if err != nil {
				return nil, fmt.Errorf("set %s: %w", st.Name, err)
			}
			if !declared[st.Name] {
				env, err = env.Extend(cel.Variable(st.Name, cel.DynType))
				if err != nil {
					return nil, fmt.Errorf("declaring local %s: %w", st.Name, err)
				}
				declared[st.Name] = true
			}
		case mash.StmtException:
			if st.Expr != "" {
				cs.prg, err = compile(env, st.Expr)
				if err != nil {
					return nil, fmt.Errorf("exception message: %w", err)
				}
			}
		case mash.StmtContinue:
			// no expression
		}
		b.stmts = append(b.stmts, cs)
	}
	return b, nil
}

type compiledStmt struct {
	op   mash.StmtOp
	name string
	expr string
	prg  cel.Program
}

type blockBody struct {
	stmts   []compiledStmt
	outputs []string
}

func (b *blockBody) Run(inv *mash.Invocation) mash.Outcome {
	vars := make(map[string]any, len(inv.Vars)+len(b.stmts))
	for k, v := range inv.Vars {
		vars[k] = v
	}
	locals := map[string]any{}

	for _, st := range b.stmts {
		switch st.op {
		case mash.StmtSet:
			out, _, err := st.prg.Eval(vars)
			if err != nil {
				return mash.Outcome{Kind: mash.OutcomeError, Message: fmt.Sprintf("set %s: %v", st.name, err)}
			}
			v := out.Value()
			vars[st.name] = v
			locals[st.name] = v

		case mash.StmtException:
			msg := ""
			if st.prg != nil {
				out, _, err := st.prg.Eval(vars)
				if err == nil {
					msg = FormatValue(out.Value())
				}
			}
			return mash.Outcome{Kind: mash.OutcomeException, Message: msg}

		case mash.StmtContinue:
			return mash.Outcome{Kind: mash.OutcomeContinue, Outputs: b.collect(locals)}
		}
	}
	return mash.Outcome{Kind: mash.OutcomeOK, Outputs: b.collect(locals)}
}

func (b *blockBody) collect(locals map[string]any) map[string]string {
	outs := make(map[string]string, len(b.outputs))
	for _, name := range b.outputs {
		if v, ok := locals[name]; ok {
			outs[name] = FormatValue(v)
		}
	}
	return outs
}
