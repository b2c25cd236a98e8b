package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/normalize"
)

// Compile-time check that Store satisfies the normalizer's table contract.
var _ normalize.Catalog = (*Store)(nil)

// LookupCanonical finds a canonical model whose key exactly matches.
func (s *Store) LookupCanonical(ctx context.Context, key string) (normalize.CanonicalModel, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, brand, model, key, aliases, usage_count
		FROM canonical_models
		WHERE key = ?
	`, key)

	cm, err := scanCanonicalModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return normalize.CanonicalModel{}, false, nil
	}
	if err != nil {
		return normalize.CanonicalModel{}, false, fmt.Errorf("lookup canonical %q: %w", key, err)
	}
	return cm, true, nil
}

// LookupVariant finds the canonical id for a known variant spelling.
func (s *Store) LookupVariant(ctx context.Context, variant string) (string, bool, error) {
	var canonicalID string
	err := s.db.QueryRowContext(ctx, `
		SELECT canonical_id FROM model_variants WHERE variant = ?
	`, variant).Scan(&canonicalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup variant %q: %w", variant, err)
	}
	return canonicalID, true, nil
}

// LookupLearned finds a previously confirmed or corrected match.
func (s *Store) LookupLearned(ctx context.Context, input string) (normalize.LearnedMatch, bool, error) {
	var lm normalize.LearnedMatch
	err := s.db.QueryRowContext(ctx, `
		SELECT input, suggested_id, accepted_id FROM learned_matches WHERE input = ?
	`, input).Scan(&lm.Input, &lm.SuggestedID, &lm.AcceptedID)
	if errors.Is(err, sql.ErrNoRows) {
		return normalize.LearnedMatch{}, false, nil
	}
	if err != nil {
		return normalize.LearnedMatch{}, false, fmt.Errorf("lookup learned %q: %w", input, err)
	}
	return lm, true, nil
}

// ListModels returns every canonical model ordered by id.
func (s *Store) ListModels(ctx context.Context) ([]normalize.CanonicalModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, brand, model, key, aliases, usage_count
		FROM canonical_models
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	out := []normalize.CanonicalModel{}
	for rows.Next() {
		cm, err := scanCanonicalModel(rows)
		if err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		out = append(out, cm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list models: iterate: %w", err)
	}
	return out, nil
}

// SaveLearned upserts a learning record by input.
func (s *Store) SaveLearned(ctx context.Context, lm normalize.LearnedMatch, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learned_matches (input, suggested_id, accepted_id, usage_count, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(input) DO UPDATE SET
			suggested_id = excluded.suggested_id,
			accepted_id = excluded.accepted_id
	`, lm.Input, lm.SuggestedID, lm.AcceptedID, now.UnixNano())
	if err != nil {
		return fmt.Errorf("save learned %q: %w", lm.Input, err)
	}
	return nil
}

// RecordCanonicalUsage bumps the usage counter on a canonical model.
func (s *Store) RecordCanonicalUsage(ctx context.Context, canonicalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE canonical_models SET usage_count = usage_count + 1 WHERE id = ?
	`, canonicalID)
	if err != nil {
		return fmt.Errorf("record canonical usage %q: %w", canonicalID, err)
	}
	return nil
}

// RecordVariantUsage bumps the usage counter on a variant spelling.
func (s *Store) RecordVariantUsage(ctx context.Context, variant string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE model_variants SET usage_count = usage_count + 1 WHERE variant = ?
	`, variant)
	if err != nil {
		return fmt.Errorf("record variant usage %q: %w", variant, err)
	}
	return nil
}

// UpsertCanonicalModel inserts or refreshes one canonical model. Existing
// usage counters are preserved.
func (s *Store) UpsertCanonicalModel(ctx context.Context, cm normalize.CanonicalModel) error {
	aliases, err := json.Marshal(cm.Aliases)
	if err != nil {
		return fmt.Errorf("upsert canonical model %q: %w", cm.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO canonical_models (id, brand, model, key, aliases, usage_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			brand = excluded.brand,
			model = excluded.model,
			key = excluded.key,
			aliases = excluded.aliases
	`, cm.ID, cm.Brand, cm.Model, cm.Key, string(aliases))
	if err != nil {
		return fmt.Errorf("upsert canonical model %q: %w", cm.ID, err)
	}
	return nil
}

// UpsertVariant inserts or redirects one known variant spelling.
func (s *Store) UpsertVariant(ctx context.Context, variant, canonicalID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_variants (variant, canonical_id, usage_count)
		VALUES (?, ?, 0)
		ON CONFLICT(variant) DO UPDATE SET canonical_id = excluded.canonical_id
	`, variant, canonicalID)
	if err != nil {
		return fmt.Errorf("upsert variant %q: %w", variant, err)
	}
	return nil
}

func scanCanonicalModel(row rowScanner) (normalize.CanonicalModel, error) {
	var (
		cm          normalize.CanonicalModel
		aliasesJSON string
	)
	if err := row.Scan(&cm.ID, &cm.Brand, &cm.Model, &cm.Key, &aliasesJSON, &cm.UsageCount); err != nil {
		return normalize.CanonicalModel{}, err
	}
	if err := json.Unmarshal([]byte(aliasesJSON), &cm.Aliases); err != nil {
		return normalize.CanonicalModel{}, fmt.Errorf("decode aliases for %s: %w", cm.ID, err)
	}
	return cm, nil
}
