package cli

import (
	"fmt"
	"time"

	"fieldsync/internal/model"
	"fieldsync/internal/normalize"
	"fieldsync/internal/record"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// recordFlags collects the equipment fields shared by create and update.
type recordFlags struct {
	ID          string
	UserID      string
	Brand       string
	Model       string
	Nickname    string
	Year        int
	EngineHours float64
	Notes       []string
	Priority    string
	Normalize   bool
}

func (rf *recordFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&rf.ID, "id", "", "equipment id (generated when empty)")
	cmd.Flags().StringVar(&rf.UserID, "user", "", "owning user id (required)")
	cmd.Flags().StringVar(&rf.Brand, "brand", "", "equipment brand (required)")
	cmd.Flags().StringVar(&rf.Model, "model", "", "equipment model (required)")
	cmd.Flags().StringVar(&rf.Nickname, "nickname", "", "nickname")
	cmd.Flags().IntVar(&rf.Year, "year", 0, "model year")
	cmd.Flags().Float64Var(&rf.EngineHours, "hours", 0, "engine hour meter reading")
	cmd.Flags().StringArrayVar(&rf.Notes, "note", nil, "free-text note (repeatable)")
	cmd.Flags().StringVar(&rf.Priority, "priority", "medium", "sync priority (low|medium|high)")
	cmd.Flags().BoolVar(&rf.Normalize, "normalize", false, "resolve brand and model to a canonical id before queueing")
}

// NewEnqueueCommand queues local equipment mutations for the next sync pass.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an equipment change for sync",
	}
	cmd.AddCommand(newEnqueueCreateCommand(rootOpts))
	cmd.AddCommand(newEnqueueUpdateCommand(rootOpts))
	cmd.AddCommand(newEnqueueDeleteCommand(rootOpts))
	return cmd
}

func newEnqueueCreateCommand(rootOpts *RootOptions) *cobra.Command {
	rf := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an equipment record and queue it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, rootOpts, rf, model.OpCreate)
		},
	}
	rf.register(cmd)
	return cmd
}

func newEnqueueUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	rf := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update an equipment record and queue the change",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rf.ID == "" {
				return NewExitError(ExitCommandError, "--id is required for updates")
			}
			return runEnqueue(cmd, rootOpts, rf, model.OpUpdate)
		},
	}
	rf.register(cmd)
	return cmd
}

func newEnqueueDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	var userID, priority string
	cmd := &cobra.Command{
		Use:   "delete <equipment-id>",
		Short: "Delete an equipment record and queue the deletion",
		Args:  requireArgs(1, "one equipment id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return NewExitError(ExitCommandError, "--user is required")
			}
			prio, err := model.ParsePriority(priority)
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}

			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			eng, err := a.newEngine("", "")
			if err != nil {
				return err
			}
			opID, err := eng.SubmitDelete(cmd.Context(), userID, args[0], prio)
			if err != nil {
				return WrapExitError(ExitFailure, "queueing delete", err)
			}
			return formatter(cmd, rootOpts).Success(map[string]string{
				"operation_id": opID,
				"entity_id":    args[0],
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user id (required)")
	cmd.Flags().StringVar(&priority, "priority", "medium", "sync priority (low|medium|high)")
	return cmd
}

func runEnqueue(cmd *cobra.Command, rootOpts *RootOptions, rf *recordFlags, kind model.OpKind) error {
	prio, err := model.ParsePriority(rf.Priority)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	a, err := openApp(cmd, rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	var rec record.Equipment
	if kind == model.OpUpdate {
		// Updates overlay the flags on the stored record so untouched
		// fields survive and the version advances from its current value.
		rec, err = a.Store.GetEquipment(cmd.Context(), rf.ID)
		if err != nil {
			return WrapExitError(ExitFailure, "loading equipment", err)
		}
		if rf.Nickname != "" {
			rec = rec.WithNickname(rf.Nickname, now)
		}
		if rf.EngineHours > 0 {
			rec = rec.WithEngineHours(rf.EngineHours, now)
		}
		for _, note := range rf.Notes {
			rec = rec.WithNote(note, now)
		}
		if rf.Brand != "" {
			rec.Brand = rf.Brand
		}
		if rf.Model != "" {
			rec.Model = rf.Model
		}
		if rf.Year != 0 {
			rec.Year = rf.Year
		}
	} else {
		rec = record.Equipment{
			ID:          rf.ID,
			UserID:      rf.UserID,
			Brand:       rf.Brand,
			Model:       rf.Model,
			Nickname:    rf.Nickname,
			Year:        rf.Year,
			EngineHours: rf.EngineHours,
			Notes:       rf.Notes,
			Provenance:  record.ProvenanceUserEntered,
			Version:     1,
			UpdatedAt:   now,
		}
		if rec.ID == "" {
			rec.ID = "eq-" + uuid.Must(uuid.NewV7()).String()
		}
	}

	out := formatter(cmd, rootOpts)
	if rf.Normalize {
		rec, err = stampCanonical(cmd, a, rec, out)
		if err != nil {
			return err
		}
	}

	eng, err := a.newEngine("", "")
	if err != nil {
		return err
	}

	var opID string
	switch kind {
	case model.OpCreate:
		opID, err = eng.SubmitCreate(cmd.Context(), rec, prio)
	default:
		opID, err = eng.SubmitUpdate(cmd.Context(), rec, prio)
	}
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("queueing %s", kind), err)
	}

	return out.Success(map[string]any{
		"operation_id": opID,
		"entity_id":    rec.ID,
		"canonical_id": rec.CanonicalID,
	})
}

// stampCanonical resolves the record's brand and model against the catalog
// and stamps the canonical id when a confident match exists. Low-confidence
// matches are reported but not applied without confirmation.
func stampCanonical(cmd *cobra.Command, a *app, rec record.Equipment, out *OutputFormatter) (record.Equipment, error) {
	input := rec.Brand + " " + rec.Model
	matches, err := a.Normalizer.Normalize(cmd.Context(), input, normalize.Options{
		Year:   rec.Year,
		UserID: rec.UserID,
	})
	if err != nil {
		if normalize.IsNoMatch(err) {
			out.VerboseLog("no catalog match for %q, queueing as entered", input)
			return rec, nil
		}
		return rec, WrapExitError(ExitFailure, "normalizing", err)
	}

	best := matches[0]
	if best.RequiresConfirmation {
		out.VerboseLog("match %s needs confirmation (confidence %.2f), queueing as entered",
			best.CanonicalID, best.Confidence)
		return rec, nil
	}
	return rec.WithCanonicalID(best.CanonicalID, best.Confidence, time.Now()), nil
}
