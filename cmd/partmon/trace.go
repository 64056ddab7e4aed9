package main

import (
	"fmt"
	"io"
	"regexp"

	"github.com/tinyrange/partmon/internal/trace"
)

func runTrace(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("trace", stderr)
	list := fs.Bool("list", false, "list the cores that appear in the trace")
	timeRange := fs.Bool("range", false, "print the earliest and latest timestamps")
	source := fs.String("source", "", "regex to filter cores (e.g. 'cpu[12]')")
	match := fs.String("match", "", "regex to filter messages")
	traps := fs.Bool("traps", false, "only show trap entries")
	limit := fs.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := fs.Bool("tail", false, "show the last N entries instead of the first N")
	fs.Usage = func() {
		fmt.Fprintf(stderr, `usage: partmon trace [flags] <file>

Each entry is printed as: TIMESTAMP [CORE] MESSAGE

`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("trace: expected one trace file")
	}

	r, closer, err := trace.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer closer.Close()

	if *list {
		for _, s := range r.Sources() {
			fmt.Fprintln(stdout, s)
		}
		return nil
	}
	if *timeRange {
		lo, hi := r.TimeRange()
		fmt.Fprintf(stdout, "earliest: %s\nlatest:   %s\nduration: %s\n", lo, hi, hi.Sub(lo))
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		if sourceRe, err = regexp.Compile(*source); err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		if matchRe, err = regexp.Compile(*match); err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	var opts trace.SearchOptions
	if sourceRe != nil {
		for _, s := range r.Sources() {
			if sourceRe.MatchString(s) {
				opts.Sources = append(opts.Sources, s)
			}
		}
		if len(opts.Sources) == 0 {
			return nil
		}
	}
	if *traps {
		opts.Kinds = []trace.Kind{trace.KindTrap}
	}

	var entries []trace.Entry
	if err := r.Search(opts, func(e trace.Entry) error {
		if matchRe != nil && !matchRe.MatchString(e.Message()) {
			return nil
		}
		entries = append(entries, e)
		return nil
	}); err != nil {
		return err
	}

	if *limit > 0 && len(entries) > *limit {
		if *tail {
			entries = entries[len(entries)-*limit:]
		} else {
			entries = entries[:*limit]
		}
	}
	for _, e := range entries {
		fmt.Fprintln(stdout, e)
	}
	return nil
}
