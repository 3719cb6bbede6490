package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/pipeline/internal/jsonl"
)

func printCounts(w io.Writer, counts jsonl.Counts) {
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		fmt.Fprintf(w, "%-24s %d\n", t, counts[t])
	}
	fmt.Fprintf(w, "%-24s %d\n", "total", counts.Total())
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <dir>",
		Short: "Write every table to <dir>/<table>.jsonl",
		Long: `Export writes all tables from one consistent snapshot, one JSON object
per line. Existing files are replaced atomically.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			counts, err := jsonl.Export(cmd.Context(), a.store, a.graph, args[0])
			if err != nil {
				return systemError(err)
			}
			return a.print(cmd, counts, func(w io.Writer) { printCounts(w, counts) })
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <dir>",
		Short: "Load tables from <dir>/<table>.jsonl",
		Long: `Import reads the files written by export, parents before children, and
upserts every row in one transaction. Malformed lines are skipped and
counted; a row that violates the schema aborts the import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			res, err := jsonl.Import(cmd.Context(), a.guard, args[0])
			if err != nil {
				return err
			}
			if n := res.Malformed.Total(); n > 0 {
				a.logger.Warn("malformed lines skipped", "count", n)
			}
			return a.print(cmd, res, func(w io.Writer) { printCounts(w, res.Inserted) })
		},
	}
}
