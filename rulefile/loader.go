package rulefile

import (
	goerrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/mashlab/mash"
)

// Loader reads rules files, compiles their expressions, and installs
// the rules in a registry. A syntax error aborts the offending file;
// loading continues with the remaining files and the collected errors
// are returned together.
type Loader struct {
	Compiler mash.Compiler
	Log      *slog.Logger
}

// NewLoader initializes a loader with the compiler. The logger
// defaults to slog.Default.
func NewLoader(c mash.Compiler) *Loader {
	return &Loader{Compiler: c, Log: slog.Default()}
}

// LoadDirs loads every rules file under the directories. Rules files
// are regular files whose basename begins with '#'.
func (l *Loader) LoadDirs(reg *mash.Registry, dirs ...string) error {
	var errs []error
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "rules directory %s", dir))
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), "#") {
				continue
			}
			if err := l.LoadFile(reg, filepath.Join(dir, e.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return goerrors.Join(errs...)
}

// LoadFile parses and compiles one rules file. The whole file is
// parsed before any rule is installed, so a syntax error leaves the
// registry untouched by this file.
func (l *Loader) LoadFile(reg *mash.Registry, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "rules file %s", path)
	}

	toks, err := lex(string(src), path, 1)
	if err != nil {
		return err
	}
	p := &parser{toks: toks, file: path}
	decls, err := p.parseAll()
	if err != nil {
		return err
	}

	// Compile every declaration before installing any, so a compile
	// failure in a later rule leaves the registry untouched by this
	// file. The single Add call validates the whole batch the same
	// way.
	rules := make([]*mash.Rule, 0, len(decls))
	for _, d := range decls {
		if err := l.build(d); err != nil {
			return err
		}
		rules = append(rules, d.rule)
	}
	if err := reg.Add(rules...); err != nil {
		return err
	}
	l.Log.Debug("loaded rules file", "path", path, "rules", len(decls))
	return nil
}

// build compiles a parsed declaration's guards and body.
func (l *Loader) build(d *decl) error {
	r := d.rule
	for _, g := range r.Guards {
		if err := l.Compiler.CompileGuard(g, r.Inputs); err != nil {
			return errors.Wrapf(err, "%s: rule %q", r.SourceFile, r.DisplayName())
		}
	}

	var err error
	switch r.Kind {
	case mash.KindClaim:
		r.Body, err = l.Compiler.CompileClaim(d.claim, r.Inputs)
	case mash.KindMap:
		r.Body = &mash.MapBody{Inputs: r.Inputs, Outputs: r.Outputs, Table: d.table}
	default:
		r.Body, err = l.Compiler.CompileBlock(d.stmts, r.Inputs, r.Outputs)
	}
	if err != nil {
		return errors.Wrapf(err, "%s: rule %q", r.SourceFile, r.DisplayName())
	}
	return nil
}
