package cli

import (
	"github.com/spf13/cobra"

	"github.com/GoDashPi/device-client/internal/store"
	"github.com/GoDashPi/device-client/internal/uploader"
)

// UploadOptions holds flags for the upload command.
type UploadOptions struct {
	*RootOptions
	Statuses []string
}

// UploadResult is the output of the upload command.
type UploadResult struct {
	Statuses []store.Status  `json:"statuses"`
	Report   uploader.Report `json:"report"`
}

func (r UploadResult) String() string {
	return "Upload pass finished: " + r.Report.String()
}

// NewUploadCommand creates the upload command.
func NewUploadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UploadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload pending recordings and sensor readings once",
		Long: `Run one upload pass over every file and sensor reading in the given
statuses. Without --status every non-terminal status is included.

Example:
  dashpi upload
  dashpi upload --status FAILED_TO_UPLOAD --status READY_FOR_UPLOAD`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(opts, cmd)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Statuses, "status", "s", nil, "status to include (repeatable)")

	return cmd
}

func runUpload(opts *UploadOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())

	statuses, err := store.ParseStatuses(opts.Statuses)
	if err != nil {
		return out.Fail(ExitCommandError, CodeArgument, "invalid --status", err)
	}
	if len(statuses) == 0 {
		statuses = store.NonTerminal
	}

	a, err := openApp(opts.RootOptions, out, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.uploader.Upload(commandContext(cmd), statuses)
	if err != nil {
		return out.Fail(ExitFailure, CodeUpload, "upload pass failed", err)
	}
	if err := out.Success(UploadResult{Statuses: statuses, Report: report}); err != nil {
		return err
	}
	return reportExit(report)
}
