package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/pipeline/internal/experiment"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// tableInfo is the schema listing of one table.
type tableInfo struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Key         []string `json:"key"`
	Parents     []string `json:"parents,omitempty"`
	Ancestors   []string `json:"ancestors,omitempty"`
	Descendants []string `json:"descendants,omitempty"`
}

func newSchemaCmd(a *app) *cobra.Command {
	var (
		ancestors   bool
		descendants bool
	)
	cmd := &cobra.Command{
		Use:   "schema [table]",
		Short: "Show tables in dependency order",
		Long: `Schema lists every table, parents before children, with its kind and
primary key. Given a table it prints its definition; --ancestors and
--descendants add the tables it depends on or that depend on it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := experiment.NewGraph()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				var out []tableInfo
				for _, name := range g.Tables() {
					def, err := g.Table(name)
					if err != nil {
						return err
					}
					out = append(out, tableInfo{Name: name, Kind: string(def.Kind), Key: def.KeyNames()})
				}
				return a.print(cmd, out, func(w io.Writer) {
					for _, t := range out {
						fmt.Fprintf(w, "%-24s %-9s %s\n", t.Name, t.Kind, strings.Join(t.Key, ", "))
					}
				})
			}

			name := args[0]
			def, err := g.Table(name)
			if err != nil {
				return err
			}
			info := tableInfo{Name: name, Kind: string(def.Kind), Key: def.KeyNames()}
			if info.Parents, err = g.Parents(name); err != nil {
				return err
			}
			if ancestors {
				if info.Ancestors, err = g.Ancestors(name); err != nil {
					return err
				}
			}
			if descendants {
				if info.Descendants, err = g.Descendants(name); err != nil {
					return err
				}
			}
			if a.flags.jsonMode {
				return a.print(cmd, struct {
					tableInfo
					Definition types.TableDef `json:"definition"`
				}{info, def}, nil)
			}
			printTable(cmd.OutOrStdout(), def, info)
			return nil
		},
	}
	cmd.Flags().BoolVar(&ancestors, "ancestors", false, "list the tables this table depends on")
	cmd.Flags().BoolVar(&descendants, "descendants", false, "list the tables a delete would cascade into")
	return cmd
}

func printTable(w io.Writer, def types.TableDef, info tableInfo) {
	fmt.Fprintf(w, "%s (%s)", def.Name, def.Kind)
	if def.Comment != "" {
		fmt.Fprintf(w, "  # %s", def.Comment)
	}
	fmt.Fprintln(w)
	attr := func(a types.Attribute) {
		null := ""
		if a.Nullable {
			null = " null"
		}
		fmt.Fprintf(w, "  %-28s %s%s", a.Name, a.Type, null)
		if a.Comment != "" {
			fmt.Fprintf(w, "  # %s", a.Comment)
		}
		fmt.Fprintln(w)
	}
	for _, a := range def.Key {
		attr(a)
	}
	fmt.Fprintln(w, "  ---")
	for _, a := range def.Secondary {
		attr(a)
	}
	for _, fk := range def.ForeignKeys {
		fmt.Fprintf(w, "  -> %s", fk.Table)
		if len(fk.Mapping) > 0 {
			fmt.Fprintf(w, " %v", fk.Mapping)
		}
		fmt.Fprintln(w)
	}
	if len(def.Contents) > 0 {
		fmt.Fprintf(w, "  contents: %d rows\n", len(def.Contents))
	}
	list := func(label string, tables []string) {
		if len(tables) > 0 {
			fmt.Fprintf(w, "%s: %s\n", label, strings.Join(tables, ", "))
		}
	}
	list("parents", info.Parents)
	list("ancestors", info.Ancestors)
	list("descendants", info.Descendants)
}
