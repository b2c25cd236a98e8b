package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"fieldsync/internal/model"
	"fieldsync/internal/record"
	"fieldsync/internal/repo"
	"fieldsync/internal/store"
)

// ConflictResolver settles conflicts between local and remote copies.
//
// Strategy selection, in order:
//  1. one side's confidence exceeds the other's by more than the policy
//     gap: the trusted side wins outright
//  2. the update timestamps differ: the newer side wins
//  3. the copies touch disjoint field sets: merge them field by field
//  4. otherwise the local copy wins, and the disagreement is surfaced
//     for the user to review
//
// Decide is a pure function of the descriptor: the same conflict always
// yields the same resolution, on any device, in any order.
type ConflictResolver struct {
	store  *store.Store
	remote repo.Repository
	policy Policy
}

// NewConflictResolver builds a resolver over the local store and remote
// repository.
func NewConflictResolver(s *store.Store, remote repo.Repository, p Policy) *ConflictResolver {
	return &ConflictResolver{store: s, remote: remote, policy: p}
}

// Decide picks a strategy and winning payload for a conflict without
// touching storage.
func (r *ConflictResolver) Decide(desc model.ConflictDescriptor) (model.Resolution, error) {
	localMissing := payloadMissing(desc.LocalPayload)
	remoteMissing := payloadMissing(desc.RemotePayload)

	var local record.Equipment
	if !localMissing {
		l, err := record.Unmarshal(desc.LocalPayload)
		if err != nil {
			return model.Resolution{}, fmt.Errorf("resolve %s: local payload: %w", desc.ID, err)
		}
		local = l
	}

	// A vanished remote copy cannot win anything.
	if remoteMissing {
		if localMissing {
			return r.finishDeleted(desc, model.StrategyLocalWins,
				"both copies gone, nothing to restore")
		}
		return r.finish(desc, model.StrategyLocalWins, local,
			"remote copy no longer exists, keeping local record")
	}

	remote, err := record.Unmarshal(desc.RemotePayload)
	if err != nil {
		return model.Resolution{}, fmt.Errorf("resolve %s: remote payload: %w", desc.ID, err)
	}

	// A local delete against a remote edit: the newer side decides
	// whether the tombstone stands. A tombstone carries no confidence of
	// its own, so when the timestamps tie the surviving copy wins.
	if localMissing {
		switch {
		case desc.LocalTimestamp.After(desc.RemoteTimestamp):
			return r.finishDeleted(desc, model.StrategyLocalWins,
				"deletion is newer than the remote edit, record stays deleted")
		case desc.RemoteTimestamp.After(desc.LocalTimestamp):
			return r.finish(desc, model.StrategyRemoteWins, remote,
				"remote edit is newer than the deletion, restoring record")
		default:
			return r.finish(desc, model.StrategyConfidenceWeighted, remote,
				fmt.Sprintf("timestamps tie, surviving copy with confidence %.2f restored",
					desc.RemoteConfidence))
		}
	}

	if gap := desc.LocalConfidence - desc.RemoteConfidence; math.Abs(gap) > r.policy.ConfidenceGap {
		winner := local
		side := "local"
		if gap < 0 {
			winner = remote
			side = "remote"
		}
		return r.finish(desc, model.StrategyConfidenceWeighted, winner,
			fmt.Sprintf("%s confidence %.2f vs %.2f exceeds gap %.2f",
				side, desc.LocalConfidence, desc.RemoteConfidence, r.policy.ConfidenceGap))
	}

	if !desc.LocalTimestamp.Equal(desc.RemoteTimestamp) {
		if desc.LocalTimestamp.After(desc.RemoteTimestamp) {
			return r.finish(desc, model.StrategyLocalWins, local, "local copy updated more recently")
		}
		return r.finish(desc, model.StrategyRemoteWins, remote, "remote copy updated more recently")
	}

	if desc.Type == model.ConflictFieldSet && record.MergeableFields(local, remote) {
		return r.finish(desc, model.StrategyFieldMerge, record.Merge(local, remote),
			"copies touch compatible fields, merged")
	}

	return r.finish(desc, model.StrategyLocalWins, local,
		"no strategy preferred either side, defaulting to local")
}

// payloadMissing reports whether a conflict side carries no record: a
// deleted local copy or a vanished remote one.
func payloadMissing(p []byte) bool {
	return len(p) == 0 || string(p) == "null"
}

// finishDeleted builds a resolution whose winner is the absence of the
// record: applying it deletes both copies.
func (r *ConflictResolver) finishDeleted(desc model.ConflictDescriptor, strategy model.ResolutionStrategy, reasons ...string) (model.Resolution, error) {
	return model.Resolution{
		ConflictID: desc.ID,
		Strategy:   strategy,
		Winner:     []byte("null"),
		Reasons:    reasons,
	}, nil
}

func (r *ConflictResolver) finish(desc model.ConflictDescriptor, strategy model.ResolutionStrategy, winner record.Equipment, reasons ...string) (model.Resolution, error) {
	body, err := record.Marshal(winner)
	if err != nil {
		return model.Resolution{}, fmt.Errorf("resolve %s: %w", desc.ID, err)
	}
	return model.Resolution{
		ConflictID: desc.ID,
		Strategy:   strategy,
		Winner:     body,
		Reasons:    reasons,
	}, nil
}

// Resolve decides a conflict and applies the outcome. Safe to call twice
// for the same conflict: the second application writes the same winner
// and finds the conflict row already gone.
func (r *ConflictResolver) Resolve(ctx context.Context, desc model.ConflictDescriptor) (model.Resolution, error) {
	res, err := r.Decide(desc)
	if err != nil {
		return model.Resolution{}, err
	}
	if err := r.Apply(ctx, desc, res); err != nil {
		return model.Resolution{}, err
	}
	return res, nil
}

// ResolveManual applies a caller-chosen strategy instead of the automatic
// decision. Used when a user reviews a surfaced conflict by hand.
func (r *ConflictResolver) ResolveManual(ctx context.Context, conflictID string, strategy model.ResolutionStrategy) (model.Resolution, error) {
	if !model.ValidStrategies[strategy] {
		return model.Resolution{}, fmt.Errorf("resolve %s: unknown strategy %q", conflictID, strategy)
	}

	desc, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return model.Resolution{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}

	var local record.Equipment
	localMissing := payloadMissing(desc.LocalPayload)
	if !localMissing {
		local, err = record.Unmarshal(desc.LocalPayload)
		if err != nil {
			return model.Resolution{}, fmt.Errorf("resolve %s: local payload: %w", conflictID, err)
		}
	}

	var res model.Resolution
	switch strategy {
	case model.StrategyLocalWins:
		if localMissing {
			res, err = r.finishDeleted(desc, strategy, "user chose to keep the deletion")
			break
		}
		res, err = r.finish(desc, strategy, local, "user chose local copy")
	case model.StrategyRemoteWins:
		var remote record.Equipment
		remote, err = record.Unmarshal(desc.RemotePayload)
		if err == nil {
			res, err = r.finish(desc, strategy, remote, "user chose remote copy")
		}
	case model.StrategyFieldMerge:
		if localMissing {
			return model.Resolution{}, fmt.Errorf("resolve %s: local copy was deleted, nothing to merge", conflictID)
		}
		var remote record.Equipment
		remote, err = record.Unmarshal(desc.RemotePayload)
		if err == nil {
			if !record.MergeableFields(local, remote) {
				return model.Resolution{}, fmt.Errorf("resolve %s: copies disagree on identity fields, merge not possible", conflictID)
			}
			res, err = r.finish(desc, strategy, record.Merge(local, remote), "user chose field merge")
		}
	case model.StrategyConfidenceWeighted:
		res, err = r.Decide(desc)
	}
	if err != nil {
		return model.Resolution{}, err
	}

	if err := r.Apply(ctx, desc, res); err != nil {
		return model.Resolution{}, err
	}
	return res, nil
}

// Apply persists a resolution: the winner replaces both the local and the
// remote copies, then the conflict row is deleted. The winner's version
// is bumped above both copies so the remote accepts the write. A null
// winner means the record stays deleted, so both copies are removed
// instead.
func (r *ConflictResolver) Apply(ctx context.Context, desc model.ConflictDescriptor, res model.Resolution) error {
	if payloadMissing(res.Winner) {
		return r.applyDeletion(ctx, desc, res)
	}

	winner, err := record.Unmarshal(res.Winner)
	if err != nil {
		return fmt.Errorf("apply resolution %s: %w", res.ConflictID, err)
	}

	var remoteVersion int64
	if string(desc.RemotePayload) != "null" && len(desc.RemotePayload) > 0 {
		if remote, err := record.Unmarshal(desc.RemotePayload); err == nil {
			remoteVersion = remote.Version
		}
	}
	if winner.Version <= remoteVersion {
		winner.Version = remoteVersion + 1
	}

	if err := r.store.SaveEquipment(ctx, winner); err != nil {
		return fmt.Errorf("apply resolution %s: save local: %w", res.ConflictID, err)
	}

	if err := r.remote.Update(ctx, winner.ID, winner); err != nil {
		switch {
		case repo.IsNotFound(err):
			err = r.remote.Create(ctx, winner)
		case repo.IsConflict(err):
			// A previous application may have already pushed this winner.
			current, getErr := r.remote.GetByID(ctx, winner.ID)
			if getErr == nil && !materiallyDifferent(current, winner) {
				err = nil
			}
		}
		if err != nil {
			// Conflict row stays; the next sync pass retries the push.
			return fmt.Errorf("apply resolution %s: push winner: %w", res.ConflictID, err)
		}
	}

	if err := r.store.DeleteConflict(ctx, desc.ID); err != nil {
		return fmt.Errorf("apply resolution %s: %w", res.ConflictID, err)
	}

	slog.Info("conflict resolved",
		"conflict_id", desc.ID,
		"entity_id", desc.EntityID,
		"strategy", res.Strategy,
	)
	return nil
}

// applyDeletion tears down both copies for a resolution whose winner is
// the tombstone. Either copy already being gone is fine.
func (r *ConflictResolver) applyDeletion(ctx context.Context, desc model.ConflictDescriptor, res model.Resolution) error {
	if err := r.store.DeleteEquipment(ctx, desc.EntityID); err != nil {
		return fmt.Errorf("apply resolution %s: delete local: %w", res.ConflictID, err)
	}

	if err := r.remote.Delete(ctx, desc.EntityID); err != nil && !repo.IsNotFound(err) {
		// Conflict row stays; the next sync pass retries the push.
		return fmt.Errorf("apply resolution %s: delete remote: %w", res.ConflictID, err)
	}

	if err := r.store.DeleteConflict(ctx, desc.ID); err != nil {
		return fmt.Errorf("apply resolution %s: %w", res.ConflictID, err)
	}

	slog.Info("conflict resolved",
		"conflict_id", desc.ID,
		"entity_id", desc.EntityID,
		"strategy", res.Strategy,
		"deleted", true,
	)
	return nil
}

// ResolveWithRecord applies a caller-supplied winning record to a
// surfaced conflict: the record replaces both copies regardless of what
// either side held. The strategy is recorded for audit only.
func (r *ConflictResolver) ResolveWithRecord(ctx context.Context, conflictID string, strategy model.ResolutionStrategy, winner record.Equipment) (model.Resolution, error) {
	if !model.ValidStrategies[strategy] {
		return model.Resolution{}, fmt.Errorf("resolve %s: unknown strategy %q", conflictID, strategy)
	}
	if err := winner.Validate(); err != nil {
		return model.Resolution{}, fmt.Errorf("resolve %s: winning record: %w", conflictID, err)
	}

	desc, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return model.Resolution{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}
	if winner.ID != desc.EntityID {
		return model.Resolution{}, fmt.Errorf("resolve %s: winning record id %q does not match conflict entity %q",
			conflictID, winner.ID, desc.EntityID)
	}

	res, err := r.finish(desc, strategy, winner, "user supplied the winning record")
	if err != nil {
		return model.Resolution{}, err
	}
	if err := r.Apply(ctx, desc, res); err != nil {
		return model.Resolution{}, err
	}
	return res, nil
}
