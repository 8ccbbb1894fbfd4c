package model

import (
	"time"

	"github.com/google/uuid"
)

// Annotation is the mutable quality/methodology metadata attached to a
// ledger record. Annotations live outside the hashed payload: re-scoring a
// record's data quality must never require re-hashing history, so these
// fields are stored as a separate row keyed by record id and are free to
// change after the record is sealed.
type Annotation struct {
	RecordID       uuid.UUID `json:"record_id"`
	QualityScore   *int      `json:"quality_score,omitempty"`
	UncertaintyPct *float64  `json:"uncertainty_pct,omitempty"`
	Flags          []string  `json:"flags"`
	Notes          string    `json:"notes"`
	UpdatedAt      time.Time `json:"updated_at"`
}
