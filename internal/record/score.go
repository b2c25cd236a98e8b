package record

import "time"

// OptionalFieldsPopulated reports how many of the record's optional fields
// carry data, for the completeness component of confidence scoring.
//
// Optional fields: canonical ID, nickname, year, engine hours, notes,
// attachments. Brand/model/user are required and do not count.
func (e Equipment) OptionalFieldsPopulated() (populated, total int) {
	total = 6
	if e.CanonicalID != "" {
		populated++
	}
	if e.Nickname != "" {
		populated++
	}
	if e.Year != 0 {
		populated++
	}
	if e.EngineHours > 0 {
		populated++
	}
	if len(e.Notes) > 0 {
		populated++
	}
	if len(e.Attachments) > 0 {
		populated++
	}
	return populated, total
}

// LastUpdated returns the record's last modification time.
func (e Equipment) LastUpdated() time.Time {
	return e.UpdatedAt
}

// Verified reports whether the record's data came from a verified source.
func (e Equipment) Verified() bool {
	return e.Provenance == ProvenanceManufacturerVerified ||
		e.Provenance == ProvenanceExpertValidated
}
