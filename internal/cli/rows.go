package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/pipeline/internal/integrity"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

func newInsertCmd(a *app) *cobra.Command {
	var noReplace bool
	cmd := &cobra.Command{
		Use:   "insert <table> <json|->",
		Short: "Insert rows into a table",
		Long: `Insert one JSON object or an array of objects into a table. Every row is
checked against the table heading and its foreign keys; the batch commits
together or not at all. Use - to read the rows from stdin.

Example:
  pipeline insert Session '{"subject_id":101,"session":1,"session_date":"2019-03-01","username":"ds","rig":"RRig"}'
  pipeline insert Session.Trial - < trials.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := args[0]
			data, err := readArg(cmd, args[1])
			if err != nil {
				return err
			}
			rows, err := parseRows(data)
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			var opts []integrity.InsertOption
			if noReplace {
				opts = append(opts, integrity.WithoutReplace())
			}
			if err := a.guard.InsertMany(cmd.Context(), table, rows, opts...); err != nil {
				return err
			}
			return a.print(cmd, map[string]any{"table": table, "inserted": len(rows)}, func(w io.Writer) {
				fmt.Fprintf(w, "inserted %d row(s) into %s\n", len(rows), table)
			})
		},
	}
	cmd.Flags().BoolVar(&noReplace, "no-replace", false, "fail when a row with the same key exists")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <key-json>",
		Short: "Get a row by primary key",
		Long: `Get prints the row of a table whose primary key matches the given object.

Example:
  pipeline get Session.Trial '{"subject_id":101,"session":1,"trial":3}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := args[0]
			key, err := parseRow([]byte(args[1]))
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			row, err := a.guard.Get(cmd.Context(), table, key)
			if errors.Is(err, types.ErrNotFound) {
				return fmt.Errorf("no %s row with key %s: %w", table, key, err)
			}
			if err != nil {
				return err
			}
			return a.print(cmd, row, func(w io.Writer) { fmt.Fprintln(w, row.String()) })
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <table> <key-json>",
		Short: "Delete a row and everything that depends on it",
		Long: `Delete removes the row with the given primary key and, in the same
transaction, every row in any table that references it directly or
through other rows. Part rows are deleted through their master.

Example:
  pipeline delete Session '{"subject_id":101,"session":1}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := args[0]
			key, err := parseRow([]byte(args[1]))
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			rep, err := a.guard.Delete(cmd.Context(), table, key)
			if err != nil {
				return err
			}
			return a.print(cmd, rep, func(w io.Writer) { printDeleteReport(w, rep) })
		},
	}
}

func printDeleteReport(w io.Writer, rep integrity.DeleteReport) {
	if rep.Total() == 0 {
		fmt.Fprintln(w, "nothing deleted")
		return
	}
	for _, t := range rep.Tables() {
		fmt.Fprintf(w, "%-24s %d\n", t, rep.Deleted[t])
	}
	fmt.Fprintf(w, "%-24s %d\n", "total", rep.Total())
}

func newListCmd(a *app) *cobra.Command {
	var (
		where []string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list <table>",
		Short: "List the rows of a table in key order",
		Long: `List prints the rows of a table ordered by primary key, optionally
restricted with --where attr=value (a comma-separated value matches any
item).

Example:
  pipeline list Session.Trial --where session=1 --where trial=1,2,3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := args[0]
			pred, err := parseWhere(where)
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			def, err := a.graph.Table(table)
			if err != nil {
				return err
			}
			if pred != nil {
				for _, attr := range pred.Attrs() {
					if _, ok := def.Attribute(attr); !ok {
						return fmt.Errorf("%w: %s has no attribute %s", types.ErrInvalidRow, table, attr)
					}
				}
			}
			recs, err := a.store.Scan(cmd.Context(), table, "")
			if err != nil {
				return systemError(err)
			}
			rows := make([]types.Row, 0, len(recs))
			for _, r := range recs {
				if pred != nil && !pred.Match(r.Row) {
					continue
				}
				rows = append(rows, r.Row)
				if limit > 0 && len(rows) == limit {
					break
				}
			}
			return a.print(cmd, rows, func(w io.Writer) { printRows(w, rows) })
		},
	}
	cmd.Flags().StringArrayVar(&where, "where", nil, "restrict to rows with attr=value")
	cmd.Flags().IntVar(&limit, "limit", 0, "print at most this many rows")
	return cmd
}
