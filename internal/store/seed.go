package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fieldsync/internal/normalize"
)

// CatalogSeed is the YAML shape of a catalog seed file:
//
//	models:
//	  - id: john_deere/x9_1100
//	    brand: John Deere
//	    model: X9 1100
//	    aliases: ["JD X9", "Deere X9-1100"]
//	variants:
//	  "JD X9-1100": john_deere/x9_1100
//
// Alias and variant strings are canonicalized at load time, so seed files
// can use natural spellings.
type CatalogSeed struct {
	Models   []SeedModel       `yaml:"models"`
	Variants map[string]string `yaml:"variants"`
}

// SeedModel is one canonical model entry in a seed file.
type SeedModel struct {
	ID      string   `yaml:"id"`
	Brand   string   `yaml:"brand"`
	Model   string   `yaml:"model"`
	Aliases []string `yaml:"aliases"`
}

// LoadSeed parses a catalog seed file.
func LoadSeed(path string) (CatalogSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CatalogSeed{}, fmt.Errorf("load seed: %w", err)
	}

	var seed CatalogSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return CatalogSeed{}, fmt.Errorf("load seed %s: %w", path, err)
	}

	for i, m := range seed.Models {
		if m.ID == "" || m.Brand == "" || m.Model == "" {
			return CatalogSeed{}, fmt.Errorf("load seed %s: model %d missing id, brand, or model", path, i)
		}
	}
	return seed, nil
}

// ApplySeed upserts a seed's models and variants into the catalog tables.
// Idempotent: re-applying the same seed changes nothing, and usage
// counters survive reseeding.
func (s *Store) ApplySeed(ctx context.Context, seed CatalogSeed) error {
	for _, m := range seed.Models {
		aliases := make([]string, 0, len(m.Aliases))
		for _, a := range m.Aliases {
			if key := normalize.Canonicalize(a); key != "" {
				aliases = append(aliases, key)
			}
		}

		cm := normalize.CanonicalModel{
			ID:      m.ID,
			Brand:   m.Brand,
			Model:   m.Model,
			Key:     normalize.Canonicalize(m.Brand + " " + m.Model),
			Aliases: aliases,
		}
		if err := s.UpsertCanonicalModel(ctx, cm); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	for variant, canonicalID := range seed.Variants {
		key := normalize.Canonicalize(variant)
		if key == "" {
			continue
		}
		if err := s.UpsertVariant(ctx, key, canonicalID); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	return nil
}
