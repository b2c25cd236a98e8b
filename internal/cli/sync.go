package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"fieldsync/internal/engine"
	"fieldsync/internal/model"

	"github.com/spf13/cobra"
)

// NewSyncCommand runs one sync pass against the remote.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		remoteURL   string
		authToken   string
		noResolve   bool
		showDetails bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the operation queue against the remote",
		Long: `sync drains pending operations in priority order, retries transient
failures with backoff, and resolves version conflicts. Without --remote
the pass runs against an empty in-memory remote, which is only useful
for trying the tool out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			eng, err := a.newEngine(remoteURL, authToken)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := formatter(cmd, rootOpts)

			progress := make(chan model.Progress, 16)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for p := range progress {
					out.VerboseLog("phase=%s %d processed, %d conflicts (%.0f%%)",
						p.Phase, p.ProcessedCount, p.ConflictCount, p.Fraction*100)
				}
			}()

			result, err := eng.RunSyncPass(ctx, engine.RunOptions{
				Progress:      progress,
				NoAutoResolve: noResolve,
			})
			close(progress)
			<-done
			if err != nil {
				return WrapExitError(ExitFailure, "sync pass", err)
			}

			if rootOpts.Format == "json" {
				if err := out.Success(result); err != nil {
					return err
				}
			} else {
				printSyncResult(out, result, showDetails)
			}

			if result.Status != model.SyncStatusCompleted {
				return NewExitError(ExitFailure, fmt.Sprintf("sync ended %s", result.Status))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&remoteURL, "remote", "", "base URL of the remote repository")
	cmd.Flags().StringVar(&authToken, "token", "", "bearer token for the remote")
	cmd.Flags().BoolVar(&noResolve, "no-resolve", false, "surface conflicts instead of resolving them")
	cmd.Flags().BoolVar(&showDetails, "details", false, "list surfaced conflicts")
	return cmd
}

func printSyncResult(out *OutputFormatter, r model.SyncResult, details bool) {
	fmt.Fprintf(out.Writer, "sync %s: %s\n", r.SyncID, r.Status)
	fmt.Fprintf(out.Writer, "  processed: %d  completed: %d  failed: %d  retried: %d  resolved: %d\n",
		r.ProcessedOperations, r.CompletedOperations, r.FailedOperations,
		r.RetriedOperations, r.ResolvedConflicts)
	if len(r.Conflicts) > 0 {
		fmt.Fprintf(out.Writer, "  conflicts awaiting resolution: %d\n", len(r.Conflicts))
		if details {
			for _, c := range r.Conflicts {
				fmt.Fprintf(out.Writer, "    %s  entity=%s type=%s detected=%s\n",
					c.ID, c.EntityID, c.Type, c.DetectedAt.Format("2006-01-02 15:04:05"))
			}
		}
	}
}
