package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/pipeline/internal/populate"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

func newKeysCmd(a *app) *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "keys <computed-table>",
		Short: "Show the keys a computed table is derived from",
		Long: `Keys prints the result of the key source of a computed table. With
--pending it prints only keys that are neither populated nor excluded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			var (
				rows []types.Row
				err  error
			)
			if pending {
				rows, err = a.engine.Pending(cmd.Context(), args[0])
			} else {
				rows, err = a.engine.Eligible(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return a.print(cmd, rows, func(w io.Writer) { printRows(w, rows) })
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "only keys still to be computed")
	return cmd
}

type populateFlags struct {
	workers     int
	limit       int
	maxCalls    int
	order       string
	where       []string
	stopOnError bool
	once        bool
	metricsAddr string
}

func newPopulateCmd(a *app) *cobra.Command {
	var f populateFlags
	cmd := &cobra.Command{
		Use:   "populate <computed-table>",
		Short: "Compute the pending keys of a computed table",
		Long: `Populate reserves each pending key, runs the table's computation and
commits the result. Several pipeline processes may populate the same table
at once; every key is committed exactly once. Failed keys stay pending and
are listed by "pipeline jobs". Unless --once is given, passes are repeated
with exponential backoff while other workers hold keys or storage fails.

Example:
  pipeline populate PassivePhotostimTrial --workers 4 --where subject_id=101`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := args[0]
			opts, err := f.options(a)
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			workers := a.cfg.Populate.Workers
			if cmd.Flags().Changed("workers") {
				workers = f.workers
			}
			addr := a.cfg.MetricsAddr
			if cmd.Flags().Changed("metrics-addr") {
				addr = f.metricsAddr
			}
			if addr != "" {
				stop, err := a.serveMetrics(addr)
				if err != nil {
					return systemError(err)
				}
				defer stop()
			}

			var rep populate.Report
			if f.once {
				rep, err = a.engine.RunWorkers(cmd.Context(), table, workers, opts)
			} else {
				rep, err = a.engine.DriveWorkers(cmd.Context(), table, workers, opts, a.cfg.Populate.Backoff)
			}
			if perr := a.print(cmd, rep, func(w io.Writer) { printReport(w, rep) }); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&f.workers, "workers", 1, "concurrent workers (default from config)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "consider at most this many pending keys per pass")
	cmd.Flags().IntVar(&f.maxCalls, "max-calls", 0, "invoke the computation at most this many times per pass")
	cmd.Flags().StringVar(&f.order, "order", "", "random, sorted or reverse (default from config)")
	cmd.Flags().StringArrayVar(&f.where, "where", nil, "restrict to keys with attr=value")
	cmd.Flags().BoolVar(&f.stopOnError, "stop-on-error", false, "stop at the first failed computation")
	cmd.Flags().BoolVar(&f.once, "once", false, "run a single pass without retries")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while populating")
	return cmd
}

func (f populateFlags) options(a *app) (populate.Options, error) {
	order := a.cfg.Populate.Order
	if f.order != "" {
		o, err := populate.ParseOrder(f.order)
		if err != nil {
			return populate.Options{}, err
		}
		order = o
	}
	pred, err := parseWhere(f.where)
	if err != nil {
		return populate.Options{}, err
	}
	maxCalls := a.cfg.Populate.MaxCalls
	if f.maxCalls > 0 {
		maxCalls = f.maxCalls
	}
	return populate.Options{
		Restriction: pred,
		Limit:       f.limit,
		MaxCalls:    maxCalls,
		Order:       order,
		StopOnError: f.stopOnError,
	}, nil
}

// serveMetrics exposes the app registry on addr until stop is called.
func (a *app) serveMetrics(addr string) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

func printReport(w io.Writer, rep populate.Report) {
	fmt.Fprintf(w, "%s: eligible %d, pending %d, calls %d, populated %d, skipped %d, failed %d, conflicts %d\n",
		rep.Table, rep.Eligible, rep.Pending, rep.Calls, rep.Populated, rep.Skipped, rep.Failed, rep.Conflicts)
	for _, err := range rep.Failures {
		fmt.Fprintf(w, "  %v\n", err)
	}
}

func newProgressCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "progress [computed-table...]",
		Short: "Show how many keys remain for computed tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			tables := args
			if len(tables) == 0 {
				tables = a.engine.Tables()
			}
			type progress struct {
				Table     string `json:"table"`
				Remaining int    `json:"remaining"`
				Total     int    `json:"total"`
			}
			out := make([]progress, 0, len(tables))
			for _, t := range tables {
				remaining, total, err := a.engine.Progress(cmd.Context(), t)
				if err != nil {
					return err
				}
				out = append(out, progress{Table: t, Remaining: remaining, Total: total})
			}
			return a.print(cmd, out, func(w io.Writer) {
				for _, p := range out {
					pct := 100.0
					if p.Total > 0 {
						pct = 100 * float64(p.Total-p.Remaining) / float64(p.Total)
					}
					fmt.Fprintf(w, "%-24s %d/%d remaining (%.1f%% done)\n", p.Table, p.Remaining, p.Total, pct)
				}
			})
		},
	}
}

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <computed-table> <key-json>",
		Short: "Delete a computed row so it is computed again",
		Long: `Purge deletes a computed row, its parts and everything derived from it,
and clears its job record, so the next populate recomputes the key.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseRow([]byte(args[1]))
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			rep, err := a.engine.Purge(cmd.Context(), args[0], key)
			if err != nil {
				return err
			}
			return a.print(cmd, rep, func(w io.Writer) { printDeleteReport(w, rep) })
		},
	}
}

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs [computed-table]",
		Short: "List failed and excluded keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			jobs, err := a.engine.Jobs(cmd.Context(), table)
			if err != nil {
				return err
			}
			return a.print(cmd, jobs, func(w io.Writer) {
				for _, j := range jobs {
					fmt.Fprintf(w, "%-24s %-6s %s %s %s\n", j.Table, j.Status, j.Key, j.Time.Format(time.RFC3339), j.Message)
				}
			})
		},
	}

	var status string
	clearCmd := &cobra.Command{
		Use:   "clear [computed-table]",
		Short: "Remove job records so failed or excluded keys are attempted again",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st populate.JobStatus
			switch status {
			case "", string(populate.JobError), string(populate.JobIgnore):
				st = populate.JobStatus(status)
			default:
				return fmt.Errorf("unknown job status %q", status)
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			n, err := a.engine.ClearJobs(cmd.Context(), table, st)
			if err != nil {
				return err
			}
			return a.print(cmd, map[string]int{"cleared": n}, func(w io.Writer) {
				fmt.Fprintf(w, "cleared %d job(s)\n", n)
			})
		},
	}
	clearCmd.Flags().StringVar(&status, "status", "", "only clear jobs with this status (error or ignore)")
	cmd.AddCommand(clearCmd)
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired key reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			n, err := a.engine.SweepReservations(cmd.Context())
			if err != nil {
				return systemError(err)
			}
			return a.print(cmd, map[string]int{"swept": n}, func(w io.Writer) {
				fmt.Fprintf(w, "removed %d expired reservation(s)\n", n)
			})
		},
	}
}
