package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"fieldsync/internal/model"
	"fieldsync/internal/record"

	"github.com/spf13/cobra"
)

// NewConflictsCommand lists and manually resolves open conflicts.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			conflicts, err := a.Store.ListConflicts(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "listing conflicts", err)
			}

			out := formatter(cmd, rootOpts)
			if rootOpts.Format == "json" {
				return out.Success(conflicts)
			}
			if len(conflicts) == 0 {
				fmt.Fprintln(out.Writer, "no open conflicts")
				return nil
			}
			for _, c := range conflicts {
				fmt.Fprintf(out.Writer, "%s  entity=%s type=%s local_conf=%.2f remote_conf=%.2f detected=%s\n",
					c.ID, c.EntityID, c.Type, c.LocalConfidence, c.RemoteConfidence,
					c.DetectedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		strategy   string
		winnerFile string
		remoteURL  string
		authToken  string
	)

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve one conflict with a chosen strategy",
		Args:  requireArgs(1, "one conflict id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := model.ResolutionStrategy(strategy)
			if !model.ValidStrategies[st] {
				return NewExitError(ExitCommandError, fmt.Sprintf(
					"unknown strategy %q: must be one of %s", strategy, strategyNames()))
			}

			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			eng, err := a.newEngine(remoteURL, authToken)
			if err != nil {
				return err
			}
			var resolution model.Resolution
			if winnerFile != "" {
				data, rErr := os.ReadFile(winnerFile)
				if rErr != nil {
					return WrapExitError(ExitCommandError, "reading winner file", rErr)
				}
				winner, uErr := record.Unmarshal(data)
				if uErr != nil {
					return WrapExitError(ExitCommandError, "parsing winner file", uErr)
				}
				resolution, err = eng.Resolver().ResolveWithRecord(cmd.Context(), args[0], st, winner)
			} else {
				resolution, err = eng.Resolver().ResolveManual(cmd.Context(), args[0], st)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "resolving conflict", err)
			}

			out := formatter(cmd, rootOpts)
			if rootOpts.Format == "json" {
				return out.Success(resolution)
			}
			fmt.Fprintf(out.Writer, "resolved %s via %s\n", resolution.ConflictID, resolution.Strategy)
			for _, r := range resolution.Reasons {
				fmt.Fprintf(out.Writer, "  %s\n", r)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", string(model.StrategyConfidenceWeighted),
		"resolution strategy ("+strategyNames()+")")
	cmd.Flags().StringVar(&winnerFile, "winner", "",
		"path to a JSON equipment record that replaces both copies")
	cmd.Flags().StringVar(&remoteURL, "remote", "", "base URL of the remote repository")
	cmd.Flags().StringVar(&authToken, "token", "", "bearer token for the remote")
	return cmd
}

func strategyNames() string {
	names := make([]string, 0, len(model.ValidStrategies))
	for s := range model.ValidStrategies {
		names = append(names, string(s))
	}
	// map order is random; sort for stable help text
	sort.Strings(names)
	return strings.Join(names, "|")
}
