package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration and storage",
		Long: "Create the configuration and data directories, open the configured\n" +
			"store and insert the contents of every lookup table. Running init\n" +
			"again only adds lookup rows that are missing.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			n, err := a.guard.Seed(cmd.Context())
			if err != nil {
				return systemError(err)
			}
			out := map[string]any{
				"backend":     a.cfg.Store.Backend,
				"data_dir":    a.cfg.Store.DataDir,
				"config_dir":  a.cfg.ConfigDir,
				"lookup_rows": n,
			}
			return a.print(cmd, out, func(w io.Writer) {
				fmt.Fprintf(w, "pipeline initialized (%s store in %s, %d lookup rows added)\n",
					a.cfg.Store.Backend, a.cfg.Store.DataDir, n)
			})
		},
	}
}
