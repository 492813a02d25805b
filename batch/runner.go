package batch

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mashlab/mash"
	"github.com/mashlab/mash/tagio"
)

// Options configure a batch run.
type Options struct {
	// Max worker goroutines, clamped to the number of objects.
	// Default 16.
	Threads int

	// Max objects loaded into memory at once. Raised to Threads when
	// smaller, so no worker starves inside a batch. Default 32.
	BatchSize int

	// Bound on concurrently open tag files. Default 256.
	IOChannels int

	// Persist changed tags, #errors and mash.log back to each object.
	WriteResults bool
}

func (o Options) withDefaults(objects int) Options {
	if o.Threads <= 0 {
		o.Threads = 16
	}
	if o.Threads > objects && objects > 0 {
		o.Threads = objects
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.BatchSize < o.Threads {
		o.BatchSize = o.Threads
	}
	if o.IOChannels <= 0 {
		o.IOChannels = tagio.DefaultChannels
	}
	return o
}

// Summary aggregates a run.
type Summary struct {
	Objects int
	Failed  int
	Changed int
	Errors  int
}

// Runner evaluates batches of objects against a shared engine. Workers
// share only the engine's immutable registry snapshot; each owns its
// evaluator state, and no worker changes the process working
// directory.
type Runner struct {
	Engine *mash.Engine
	Opts   Options
	Log    *slog.Logger
}

// NewRunner initializes a runner.
func NewRunner(e *mash.Engine, opts Options) *Runner {
	return &Runner{Engine: e, Opts: opts, Log: slog.Default()}
}

// Run scans, reads and evaluates the objects in batches, appending one
// record per object to the spill writer. Per-object errors never abort
// the batch; the returned error is reserved for cancellation and spill
// I/O failures.
func (r *Runner) Run(ctx context.Context, objects []string, spill *SpillWriter) (Summary, error) {
	opts := r.Opts.withDefaults(len(objects))
	reader := tagio.NewReader(opts.IOChannels)
	snap := r.Engine.Snapshot()

	var failed, changed, errCount atomic.Int64

	for start := 0; start < len(objects); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(objects) {
			end = len(objects)
		}
		batch := objects[start:end]

		// Scan the whole batch first, so one reader pass loads every
		// tag before any evaluation begins.
		var files []tagio.TagFile
		loadable := make([]string, 0, len(batch))
		for _, obj := range batch {
			fs, err := tagio.ScanObject(obj)
			if err != nil {
				failed.Add(1)
				errCount.Add(1)
				r.Log.Warn("object not found", "object", obj)
				rec := Record{
					ObjectPath: obj,
					Errors: []mash.EvalError{{
						Kind:    mash.ObjectNotFound,
						Message: err.Error(),
					}},
				}
				if werr := spill.Append(rec); werr != nil {
					return r.summary(spill, &failed, &changed, &errCount), werr
				}
				continue
			}
			files = append(files, fs...)
			loadable = append(loadable, obj)
		}

		tags, err := reader.ReadAll(ctx, files)
		if err != nil {
			return r.summary(spill, &failed, &changed, &errCount), err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Threads)
		for _, obj := range loadable {
			obj := obj
			g.Go(func() error {
				objTags := tags[obj]
				if objTags == nil {
					objTags = mash.TagMap{}
				}
				res, err := r.Engine.Eval(gctx, &mash.Object{Path: obj, Tags: objTags})
				if err != nil {
					return err
				}
				errCount.Add(int64(len(res.Errors)))
				ch := res.Changed()
				if len(ch) > 0 {
					changed.Add(1)
				}
				if opts.WriteResults {
					if err := r.writeback(res, ch, snap); err != nil {
						r.Log.Warn("writeback failed", "object", obj, "error", err)
					}
				}
				return spill.Append(NewRecord(res))
			})
		}
		if err := g.Wait(); err != nil {
			return r.summary(spill, &failed, &changed, &errCount), err
		}
	}
	return r.summary(spill, &failed, &changed, &errCount), nil
}

func (r *Runner) writeback(res *mash.Result, changed mash.TagMap, snap *mash.Snapshot) error {
	if err := tagio.WriteTags(res.Path, changed); err != nil {
		return err
	}
	if err := tagio.WriteErrors(res.Path, res.ErrorStrings()); err != nil {
		return err
	}
	return tagio.WriteReport(res.Path, mash.Report(res, snap))
}

func (r *Runner) summary(spill *SpillWriter, failed, changed, errCount *atomic.Int64) Summary {
	return Summary{
		Objects: spill.Count(),
		Failed:  int(failed.Load()),
		Changed: int(changed.Load()),
		Errors:  int(errCount.Load()),
	}
}
