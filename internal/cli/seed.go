package cli

import (
	"fieldsync/internal/store"

	"github.com/spf13/cobra"
)

// NewSeedCommand loads a catalog seed file into the database.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <seed.yaml>",
		Short: "Load canonical models and variants into the catalog",
		Args:  requireArgs(1, "one seed file"),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := store.LoadSeed(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "reading seed", err)
			}

			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Store.ApplySeed(cmd.Context(), seed); err != nil {
				return WrapExitError(ExitFailure, "applying seed", err)
			}
			return formatter(cmd, rootOpts).Success(map[string]int{
				"models":   len(seed.Models),
				"variants": len(seed.Variants),
			})
		},
	}
}
