package cli

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/Vasu1712/framerate-backend/internal/sessions"
)

// NewSessionCommand creates the session command group for operators.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and maintain stored sessions",
	}
	cmd.AddCommand(newSessionGetCommand(rootOpts))
	cmd.AddCommand(newSessionPurgeCommand(rootOpts))
	return cmd
}

func newSessionGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <code>",
		Short: "Print a session document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), rootOpts.Config)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer b.Close()

			sess, err := sessions.NewService(sessions.NewEngine(b.store), nil).Get(cmd.Context(), args[0])
			if errors.Is(err, sessions.ErrNotFound) {
				return WrapExitError(ExitFailure, "no such session", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read session", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		},
	}
}

func newSessionPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired session rows and old relay messages from the postgres store",
		Long: `Delete expired rows from the postgres store.

Valkey and the in-memory store expire keys themselves, so there is nothing to
purge for them. A running server purges postgres periodically as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), rootOpts.Config)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer b.Close()

			if b.pg == nil {
				printf(cmd, "%s store expires keys itself, nothing to purge\n", b.name)
				return nil
			}
			n, err := b.pg.PurgeExpired(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "purge failed", err)
			}
			m, err := b.pgRelay.PurgeOlderThan(cmd.Context(), time.Minute)
			if err != nil {
				return WrapExitError(ExitFailure, "purge failed", err)
			}
			printf(cmd, "purged %d expired rows and %d relay messages\n", n, m)
			return nil
		},
	}
}
