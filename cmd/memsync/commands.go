package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/storage/memory"
)

// layoutCommand validates the given layout file, or prints the built-in
// layout without one.
func layoutCommand(args []string, out io.Writer) error {
	if len(args) == 0 {
		_, err := out.Write(layout.DefaultYAML())
		return err
	}
	lay, err := layout.Load(args[0])
	if err != nil {
		return err
	}
	kinds := make([]string, 0, len(lay.Kinds))
	for k := range lay.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(out, "%s: ok (version %s, process %s, kinds %v)\n", args[0], lay.Version, lay.Process, kinds)
	return nil
}

// exportCommand prints a summary of a recording.
func exportCommand(args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: memsync export <file>")
	}
	exp, err := memory.ReadExport(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "session   %s\n", exp.SessionID)
	fmt.Fprintf(out, "location  %s\n", exp.Location)
	fmt.Fprintf(out, "process   %s (layout %s)\n", exp.Process, exp.LayoutVersion)
	fmt.Fprintf(out, "started   %s\n", exp.StartTime)
	fmt.Fprintf(out, "duration  %.1fs\n", exp.DurationSeconds)
	if exp.Tag != "" {
		fmt.Fprintf(out, "tag       %s\n", exp.Tag)
	}

	type row struct {
		entities, samples, removed int
		track                      float64
	}
	byKind := map[string]*row{}
	for _, e := range exp.Entities {
		r := byKind[e.Kind]
		if r == nil {
			r = &row{}
			byKind[e.Kind] = r
		}
		r.entities++
		r.samples += len(e.Positions)
		r.track += e.TrackLength
		if e.Removed != nil {
			r.removed++
		}
	}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tENTITIES\tSAMPLES\tREMOVED\tDISTANCE")
	for _, k := range kinds {
		r := byKind[k]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f\n", k, r.entities, r.samples, r.removed, r.track)
	}
	return tw.Flush()
}
