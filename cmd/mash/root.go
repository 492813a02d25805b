package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mashlab/mash"
	"github.com/mashlab/mash/batch"
	"github.com/mashlab/mash/cel"
	"github.com/mashlab/mash/config"
	"github.com/mashlab/mash/rulefile"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mash",
		Short: "Infer tag properties of directory objects by evaluating declarative rules",
		Long: `mash loads the #-file tags of each object directory, evaluates the
rule set to a fixed point, and writes back the changed tags together
with a per-object report (mash.log) and error list (#errors).`,
		SilenceUsage: true,
	}
	cmd.AddCommand(runCmd())
	return cmd
}

func runCmd() *cobra.Command {
	var (
		cfgPath      string
		source       string
		ruleDirs     []string
		writeResults string
		csvOut       string
		spillOut     string
		threads      int
		ioChannels   int
		batchSize    int
		maxSteps     int
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:          "run [flags] [object-dir ...]",
		Short:        "Evaluate the rule set over a batch of objects",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				var err error
				if cfg, err = config.Load(cfgPath); err != nil {
					return err
				}
			}
			flags := cmd.Flags()
			if flags.Changed("source") {
				cfg.Source = source
			}
			if flags.Changed("rules") {
				cfg.Rules = ruleDirs
			}
			if flags.Changed("write-results") {
				cfg.WriteResults = writeResults
			}
			if flags.Changed("csv-out") {
				cfg.CSVOut = csvOut
			}
			if flags.Changed("spill-out") {
				cfg.SpillOut = spillOut
			}
			if flags.Changed("threads") {
				cfg.Threads = threads
			}
			if flags.Changed("io-channels") {
				cfg.IOChannels = ioChannels
			}
			if flags.Changed("batch-size") {
				cfg.BatchSize = batchSize
			}
			if flags.Changed("max-steps") {
				cfg.MaxSteps = maxSteps
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if len(cfg.Rules) == 0 {
				return fmt.Errorf("at least one rules directory is required (--rules)")
			}

			setupLogging(cfg.LogLevel)

			objects, err := collectObjects(cfg.Source, args)
			if err != nil {
				return err
			}
			if len(objects) == 0 {
				return fmt.Errorf("no objects given")
			}
			return run(cmd.Context(), cfg, objects)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "YAML config file")
	f.StringVar(&source, "source", "args", "where object paths come from: args|stdin")
	f.StringSliceVar(&ruleDirs, "rules", nil, "rules directory (repeatable)")
	f.StringVar(&writeResults, "write-results", "on", "persist results to the objects: on|off")
	f.StringVar(&csvOut, "csv-out", "", "CSV export path")
	f.StringVar(&spillOut, "spill-out", "", "spill file path (temp file when empty)")
	f.IntVar(&threads, "threads", 16, "max worker threads")
	f.IntVar(&ioChannels, "io-channels", 256, "max concurrently open tag files")
	f.IntVar(&batchSize, "batch-size", 32, "max objects in memory at once")
	f.IntVar(&maxSteps, "max-steps", 10000, "worklist step cap per object")
	f.StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	return cmd
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func collectObjects(source string, args []string) ([]string, error) {
	if source == "stdin" {
		var objects []string
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line != "" {
				objects = append(objects, line)
			}
		}
		return objects, sc.Err()
	}
	return args, nil
}

func run(ctx context.Context, cfg config.Config, objects []string) error {
	reg := mash.NewRegistry()
	loader := rulefile.NewLoader(cel.NewCompiler())
	if err := loader.LoadDirs(reg, cfg.Rules...); err != nil {
		return err
	}
	slog.Info("rules loaded", "rules", reg.RuleCount(), "dirs", len(cfg.Rules))

	engine := mash.NewEngine(reg, mash.MaxSteps(cfg.MaxSteps))

	spillPath := cfg.SpillOut
	if spillPath == "" {
		tmp, err := os.CreateTemp("", "mash-spill-*.jsonl")
		if err != nil {
			return err
		}
		tmp.Close()
		spillPath = tmp.Name()
		defer os.Remove(spillPath)
	}
	spill, err := batch.NewSpillWriter(spillPath)
	if err != nil {
		return err
	}

	runner := batch.NewRunner(engine, batch.Options{
		Threads:      cfg.Threads,
		BatchSize:    cfg.BatchSize,
		IOChannels:   cfg.IOChannels,
		WriteResults: cfg.WriteResults == "on",
	})
	summary, runErr := runner.Run(ctx, objects, spill)
	if cerr := spill.Close(); runErr == nil {
		runErr = cerr
	}
	if runErr != nil {
		return runErr
	}

	if cfg.CSVOut != "" {
		if err := batch.WriteCSV(cfg.CSVOut, spillPath); err != nil {
			return err
		}
	}

	slog.Info("run complete",
		"objects", summary.Objects,
		"changed", summary.Changed,
		"failed", summary.Failed,
		"errors", summary.Errors)
	// Per-object errors are part of a successful run.
	return nil
}
