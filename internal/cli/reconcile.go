package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoDashPi/device-client/internal/reconcile"
)

// ReconcileResult is the output of the reconcile command.
type ReconcileResult struct {
	reconcile.Result
}

func (r ReconcileResult) String() string {
	return fmt.Sprintf("Reconciled: %d new files in %d new sessions, %d claims released, %d cleanups finished, %d directories removed\nUploads: %s",
		r.Discovered, r.Sessions, r.Released, r.Cleaned, r.DirsRemoved, r.Uploads)
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recover leftovers of earlier runs",
		Long: `Record chunk files the database does not know, release uploads a dead
process left claimed, finish interrupted cleanups and upload everything
that is still pending. This is what "run" does before it starts recording.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(opts, cmd)
		},
	}
}

func runReconcile(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())

	a, err := openApp(opts, out, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.reconciler().Run(commandContext(cmd))
	if err != nil {
		return out.Fail(ExitFailure, CodeUpload, "reconciliation failed", err)
	}
	if err := out.Success(ReconcileResult{res}); err != nil {
		return err
	}
	return reportExit(res.Uploads)
}
