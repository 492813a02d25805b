// Package batch fans per-object evaluations out over a worker pool and
// streams the results to a spill file, so a run over many objects
// never holds every result in memory.
package batch

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/mashlab/mash"
)

// Record is the serialized per-object result appended to the spill
// file, one JSON document per line.
type Record struct {
	ObjectPath  string              `json:"object_path"`
	InitialTags mash.TagMap         `json:"initial_tags"`
	ChangedTags mash.TagMap         `json:"changed_tags"`
	Errors      []mash.EvalError    `json:"errors,omitempty"`
	TraceLog    []mash.TraceEntry   `json:"trace_log,omitempty"`
	RuleLog     map[string][]string `json:"rule_log,omitempty"`
	PropertyLog map[string][]string `json:"property_log,omitempty"`
	Profiling   map[string]float64  `json:"profiling_ms,omitempty"`
}

// NewRecord converts an evaluation result.
func NewRecord(res *mash.Result) Record {
	prof := make(map[string]float64, len(res.Profiling))
	for id, d := range res.Profiling {
		prof[id] = float64(d) / float64(time.Millisecond)
	}
	return Record{
		ObjectPath:  res.Path,
		InitialTags: res.Initial,
		ChangedTags: res.Changed(),
		Errors:      res.Errors,
		TraceLog:    res.Trace,
		RuleLog:     res.RuleLog,
		PropertyLog: res.PropertyLog,
		Profiling:   prof,
	}
}

// SpillWriter appends records to the spill file. A single writer
// serializes the stream; workers call Append concurrently.
type SpillWriter struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
	n   int
}

// NewSpillWriter creates (truncating) the spill file.
func NewSpillWriter(path string) (*SpillWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	return &SpillWriter{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Append serializes one record.
func (w *SpillWriter) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n++
	return w.enc.Encode(rec)
}

// Count returns the number of records appended.
func (w *SpillWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Close flushes and closes the file.
func (w *SpillWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// ReadSpill streams the spill file, calling fn for each record.
func ReadSpill(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
