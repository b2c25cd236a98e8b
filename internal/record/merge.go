package record

import "slices"

// Merge combines a local and remote copy of the same entity field by field.
//
// The remote record is the base. Merge rules:
//   - local non-zero scalar fields override remote
//   - list fields (notes, attachments) are unioned, remote order first
//   - local nickname wins whenever it is non-empty
//   - monotonic counters (engine hours, version) take the larger value
//   - the later UpdatedAt wins
//
// Merge is deterministic: identical inputs always produce an identical
// result, which is what makes conflict resolution idempotent.
func Merge(local, remote Equipment) Equipment {
	out := remote.Clone()

	if local.Nickname != "" {
		out.Nickname = local.Nickname
	}
	if local.CanonicalID != "" {
		out.CanonicalID = local.CanonicalID
	}
	if local.Year != 0 {
		out.Year = local.Year
	}
	if local.Provenance != "" && out.Provenance == "" {
		out.Provenance = local.Provenance
	}
	if local.MatchConfidence > out.MatchConfidence {
		out.MatchConfidence = local.MatchConfidence
	}

	// Monotonic counters take the larger side.
	if local.EngineHours > out.EngineHours {
		out.EngineHours = local.EngineHours
	}
	if local.Version > out.Version {
		out.Version = local.Version
	}
	if local.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = local.UpdatedAt
	}

	out.Notes = unionStrings(remote.Notes, local.Notes)
	out.Attachments = unionStrings(remote.Attachments, local.Attachments)

	return out
}

// MergeableFields reports whether the two copies differ only in ways the
// field-level merge can reconcile: disjoint optional scalars, appendable
// lists, and monotonic counters. Disagreement on identity fields (brand,
// model, user) rules a merge out.
func MergeableFields(local, remote Equipment) bool {
	if local.ID != remote.ID {
		return false
	}
	if local.UserID != remote.UserID || local.Brand != remote.Brand || local.Model != remote.Model {
		return false
	}
	// Both sides set a canonical ID and disagree: identity dispute.
	if local.CanonicalID != "" && remote.CanonicalID != "" && local.CanonicalID != remote.CanonicalID {
		return false
	}
	if local.Year != 0 && remote.Year != 0 && local.Year != remote.Year {
		return false
	}
	return true
}

// unionStrings appends items from add that are not already in base,
// preserving base order then add order.
func unionStrings(base, add []string) []string {
	if len(base) == 0 && len(add) == 0 {
		return nil
	}
	out := slices.Clone(base)
	for _, s := range add {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
