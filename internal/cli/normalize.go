package cli

import (
	"errors"
	"fmt"
	"strings"

	"fieldsync/internal/normalize"

	"github.com/spf13/cobra"
)

// NewNormalizeCommand resolves free-text equipment names against the catalog.
func NewNormalizeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		year   int
		userID string
	)

	cmd := &cobra.Command{
		Use:   "normalize <name>...",
		Short: "Resolve a free-text equipment name to canonical identifiers",
		Long: `normalize matches a name like "JD X9-1100" against the canonical
catalog and prints candidates with confidence scores. Matches below the
confidence bar are flagged as needing confirmation; confirm or reject
them with the confirm and reject commands.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := strings.Join(args, " ")

			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := formatter(cmd, rootOpts)
			matches, err := a.Normalizer.Normalize(cmd.Context(), input, normalize.Options{
				Year:   year,
				UserID: userID,
			})
			if err != nil {
				var nm *normalize.NoMatchError
				if errors.As(err, &nm) {
					if ferr := out.Error("NO_MATCH", err.Error(), nm.Alternatives); ferr != nil {
						return ferr
					}
					return NewExitError(ExitFailure, "no match")
				}
				return WrapExitError(ExitCommandError, "normalizing", err)
			}

			if rootOpts.Format == "json" {
				return out.Success(matches)
			}
			for _, m := range matches {
				confirm := ""
				if m.RequiresConfirmation {
					confirm = "  (needs confirmation)"
				}
				fmt.Fprintf(out.Writer, "%-28s %.3f  %s%s\n", m.CanonicalID, m.Confidence, m.Tier, confirm)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&year, "year", 0, "model year hint")
	cmd.Flags().StringVar(&userID, "user", "", "user id for learned matches")
	return cmd
}

// NewConfirmCommand records that a suggested match was correct.
func NewConfirmCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <input> <canonical-id>",
		Short: "Confirm a suggested match so it is trusted next time",
		Args:  requireArgs(2, "<input> <canonical-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Normalizer.Confirm(cmd.Context(), args[0], args[1]); err != nil {
				return WrapExitError(ExitFailure, "confirming match", err)
			}
			return formatter(cmd, rootOpts).Success(map[string]string{
				"input":        args[0],
				"canonical_id": args[1],
			})
		},
	}
}

// NewRejectCommand records that a suggestion was wrong, optionally with the
// right answer.
func NewRejectCommand(rootOpts *RootOptions) *cobra.Command {
	var correction string
	cmd := &cobra.Command{
		Use:   "reject <input> <canonical-id>",
		Short: "Reject a suggested match, optionally recording the correct id",
		Args:  requireArgs(2, "<input> <canonical-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Normalizer.Reject(cmd.Context(), args[0], args[1], correction); err != nil {
				return WrapExitError(ExitFailure, "rejecting match", err)
			}
			return formatter(cmd, rootOpts).Success(map[string]string{
				"input":      args[0],
				"rejected":   args[1],
				"correction": correction,
			})
		},
	}
	cmd.Flags().StringVar(&correction, "correct-id", "", "the canonical id the input actually refers to")
	return cmd
}
