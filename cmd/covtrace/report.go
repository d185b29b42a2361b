package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/kolkov/covtrace/internal/cov/merge"
	"github.com/kolkov/covtrace/internal/cov/pathmap"
)

// reportCommand prints a per-file summary of the consolidated data file.
func reportCommand(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	dataFile := fs.String("data", ".covtrace", "data file path")
	_ = fs.Parse(args)

	ds, err := merge.Load(*dataFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "covtrace: %v\n", err)
		os.Exit(1)
	}

	title := "coverage data"
	if root, err := pathmap.FindRoot("."); err == nil {
		if mod, err := pathmap.ModulePath(root); err == nil {
			title = mod
		}
	}

	files := ds.Files()
	if len(files) == 0 {
		fmt.Printf("%s: no coverage data in %s\n", title, *dataFile)
		return
	}

	fmt.Printf("Coverage data for %s\n\n", title)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tLINES\tARCS\tINSTR ARCS")
	for _, file := range files {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n",
			file,
			len(ds.ExecutedLines(file)),
			len(ds.ExecutedLineArcs(file)),
			len(ds.ExecutedInstrArcs(file)))
	}
	w.Flush()

	contexts := ds.Contexts()
	labels := make([]string, 0, len(contexts))
	for _, label := range contexts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	fmt.Printf("\nContexts (%d):", len(labels))
	for _, label := range labels {
		fmt.Printf(" %s", label)
	}
	fmt.Println()
}
