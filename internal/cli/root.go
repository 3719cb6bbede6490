// Package cli implements the pipeline command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/pipeline/internal/config"
	"github.com/mesh-intelligence/pipeline/internal/paths"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// Version is the pipeline release, set at build time with
// -ldflags "-X github.com/mesh-intelligence/pipeline/internal/cli.Version=...".
var Version = "0.1.0-dev"

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
}

// exitError carries the exit code for err.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// systemError marks err as an environment or storage failure.
func systemError(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: exitSysError, err: err}
}

// ExitCode maps an error returned by a command to the process exit code.
// Storage and I/O failures exit 2; everything else the user can fix exits 1.
func ExitCode(err error) int {
	var ee *exitError
	var pe *types.PopulateError
	switch {
	case err == nil:
		return exitSuccess
	case errors.As(err, &ee):
		return ee.code
	case errors.As(err, &pe),
		errors.Is(err, types.ErrIntegrity),
		errors.Is(err, types.ErrStorageUnavailable),
		errors.Is(err, types.ErrStoreClosed),
		errors.Is(err, types.ErrTxConflict),
		errors.Is(err, context.DeadlineExceeded):
		return exitSysError
	}
	return exitUserError
}

// NewRootCmd creates the top-level "pipeline" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	root, _ := newRoot()
	return root
}

// newRoot builds the command tree around a shared app. The caller closes
// the app after the command ran.
func newRoot() (*cobra.Command, *app) {
	var flags rootFlags
	a := &app{flags: &flags}

	root := &cobra.Command{
		Use:   "pipeline",
		Short: "Experiment records with foreign keys and auto-populated computed tables",
		Long: "pipeline stores behavioral experiment records (sessions, trials, events,\n" +
			"photostimulation) with referential integrity, and fills computed tables\n" +
			"from their key sources with concurrent workers.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			dir, err := paths.ResolveConfigDir(flags.configDir)
			if err != nil {
				return systemError(fmt.Errorf("resolve config dir: %w", err))
			}
			cfg, err := config.Load(dir, flags.dataDir)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.Log.Logger(cmd.ErrOrStderr())
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (default: platform data dir)")
	root.PersistentFlags().BoolVar(&flags.jsonMode, "json", false, "output as JSON")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newInsertCmd(a),
		newGetCmd(a),
		newDeleteCmd(a),
		newListCmd(a),
		newKeysCmd(a),
		newPopulateCmd(a),
		newProgressCmd(a),
		newPurgeCmd(a),
		newJobsCmd(a),
		newSweepCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newSchemaCmd(a),
	)
	return root, a
}

// Execute runs the root command with args and returns the exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, a := newRoot()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if cerr := a.close(); err == nil && cerr != nil {
		err = systemError(cerr)
	}
	if err != nil {
		fmt.Fprintln(stderr, "pipeline:", err)
	}
	return ExitCode(err)
}

// Main runs the CLI on the process arguments and exits. An interrupt
// cancels the running command.
func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
