package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kolkov/covtrace/internal/cov/merge"
	"github.com/kolkov/covtrace/internal/cov/pathmap"
)

// stringList collects repeated -alias flags.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// combineCommand merges all partial records into the consolidated data file.
func combineCommand(args []string) {
	fs := flag.NewFlagSet("combine", flag.ExitOnError)
	dataFile := fs.String("data", ".covtrace", "data file path")
	var aliases stringList
	fs.Var(&aliases, "alias", "path prefix to remap onto the project root (repeatable)")
	_ = fs.Parse(args)

	opts := merge.Options{RemoveMerged: true}
	if len(aliases) > 0 {
		root, err := pathmap.FindRoot(".")
		if err != nil {
			fmt.Fprintf(os.Stderr, "covtrace: %v\n", err)
			os.Exit(1)
		}
		opts.Remap = pathmap.NewMapper(root+string(os.PathSeparator), aliases...).Remap
	}

	ds, err := merge.Combine(*dataFile, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "covtrace: combine failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Combined coverage data written to %s (%d files, %d contexts)\n",
		*dataFile, len(ds.Files()), len(ds.Contexts()))
}
