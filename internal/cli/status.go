package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoDashPi/device-client/internal/config"
	"github.com/GoDashPi/device-client/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Session string
}

// StatusResult is the output of the status command.
type StatusResult struct {
	Session  string               `json:"session,omitempty"`
	Sessions int                  `json:"sessions"`
	Files    map[store.Status]int `json:"files"`
	Sensors  map[store.Status]int `json:"sensors"`
}

func (r StatusResult) String() string {
	var b strings.Builder
	if r.Session != "" {
		fmt.Fprintf(&b, "Session %s\n", r.Session)
	} else {
		fmt.Fprintf(&b, "Sessions: %d\n", r.Sessions)
	}
	writeCounts(&b, "Files", r.Files)
	writeCounts(&b, "Sensor readings", r.Sensors)
	return strings.TrimRight(b.String(), "\n")
}

func writeCounts(b *strings.Builder, title string, counts map[store.Status]int) {
	fmt.Fprintf(b, "%s:\n", title)
	empty := true
	for _, s := range store.AllStatuses {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(b, "  %-17s %d\n", s, n)
			empty = false
		}
	}
	if empty {
		b.WriteString("  (none)\n")
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show record counts per upload status",
		Long: `Count files and sensor readings per upload status, across all sessions
or for one session.

Example:
  dashpi status
  dashpi status --session 3f0c... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Session, "session", "", "restrict counts to one session")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())

	// Read-only: no database lock, so it works beside `dashpi run`.
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}
	logger.Debug("opening database", "path", cfg.Paths.Database)
	st, err := store.Open(cfg.Paths.Database)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "failed to open database", err)
	}
	defer st.Close()

	res, err := collectStatus(commandContext(cmd), st, opts.Session)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "failed to read status", err)
	}
	return out.Success(res)
}

func collectStatus(ctx context.Context, st *store.Store, sessionID string) (StatusResult, error) {
	res := StatusResult{Session: sessionID}

	if sessionID != "" {
		if _, err := st.GetSession(ctx, sessionID); err != nil {
			return res, err
		}
		res.Sessions = 1
	} else {
		sessions, err := st.ListSessions(ctx)
		if err != nil {
			return res, err
		}
		res.Sessions = len(sessions)
	}

	var err error
	if res.Files, err = st.CountByStatus(ctx, store.KindFile, sessionID); err != nil {
		return res, err
	}
	if res.Sensors, err = st.CountByStatus(ctx, store.KindSensor, sessionID); err != nil {
		return res, err
	}
	return res, nil
}
