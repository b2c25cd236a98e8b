package cli

import (
	"fmt"

	"fieldsync/internal/model"

	"github.com/spf13/cobra"
)

// NewStatusCommand reports queue depth and open conflicts.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued operations and open conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			eng, err := a.newEngine("", "")
			if err != nil {
				return err
			}
			report, err := eng.Status(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "reading status", err)
			}

			out := formatter(cmd, rootOpts)
			if rootOpts.Format == "json" {
				return out.Success(report)
			}

			for _, st := range []model.OpStatus{
				model.StatusPending, model.StatusInFlight,
				model.StatusCompleted, model.StatusFailed,
			} {
				fmt.Fprintf(out.Writer, "%-10s %d\n", st, report.Operations[st])
			}
			fmt.Fprintf(out.Writer, "conflicts  %d\n", len(report.Conflicts))
			for _, c := range report.Conflicts {
				fmt.Fprintf(out.Writer, "  %s  entity=%s type=%s\n", c.ID, c.EntityID, c.Type)
			}
			return nil
		},
	}
}
