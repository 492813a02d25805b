// Package mash infers properties of directory-based objects by
// applying declarative rules to filesystem-materialized tags.
//
// An object is a directory; each tag is a file whose name begins with
// '#' and whose content is the tag value. Nested directories form
// dotted tag namespaces: root/foo/bar/#baz holds the tag foo.bar.baz.
//
// Rules declare input tags, output tags and optional gating
// conditions, and compute outputs from inputs with one of three body
// kinds: a block of statements, a claim (an asserted invariant with no
// outputs), or a fixed mapping table. The Engine evaluates each object
// independently: starting from the tags loaded from disk it pops rules
// off a FIFO worklist, binds inputs, checks guards, runs the body, and
// merges outputs back into the context. A write that changes a tag's
// value reactivates every rule reading that tag, driving the context
// to a fixed point. Writes are checked for conflicts between rules,
// and every step is recorded in a trace with per-rule and per-property
// logs and profiling counters.
//
// The surrounding packages supply the I/O pipeline: rulefile parses
// the rule surface syntax, cel compiles its expressions, tagio scans
// objects and reads and writes tag files with bounded concurrency, and
// batch fans object evaluations out over a worker pool, spilling
// results to disk as they complete.
package mash
