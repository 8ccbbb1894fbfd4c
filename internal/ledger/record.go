package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the sentinel previous-hash of the first record in every
// ledger partition. All chains anchor to this constant rather than to a
// computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// SupersedesField is the reserved payload field that links an amendment
// record to the record it supersedes. Amendments never mutate the original
// record; they append a new one carrying this reference.
const SupersedesField = "supersedes"

// PeriodLayout is the format of an anchor period identifier: a UTC calendar day.
const PeriodLayout = "2006-01-02"

// FieldMap is a record's logical payload: field name to scalar value.
// Supported value types are string, bool, nil, and numerics; see Canonicalize.
type FieldMap map[string]any

// Record is a single hash-chained entry in an emission ledger partition.
type Record struct {
	ID        uuid.UUID `json:"id"`
	Partition string    `json:"partition"`
	Payload   FieldMap  `json:"payload"`
	Salt      string    `json:"salt"`
	PrevHash  string    `json:"previous_hash"`
	Hash      string    `json:"record_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Anchor is an immutable periodic commitment over the record hashes created
// in one UTC calendar day of a partition.
type Anchor struct {
	Partition   string    `json:"partition"`
	Period      string    `json:"period"`
	RootHash    string    `json:"root_hash"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// PeriodOf returns the anchor period identifier covering t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format(PeriodLayout)
}

// PeriodBounds returns the half-open UTC interval [start, end) covered by a
// period identifier.
func PeriodBounds(period string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(PeriodLayout, period, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period %q: %w", period, err)
	}
	return start, start.Add(24 * time.Hour), nil
}

// amendPayload builds the payload of an amendment record: the caller's fields
// plus the supersedes reference to the original record.
func amendPayload(orig *Record, payload FieldMap) (FieldMap, error) {
	if _, ok := payload[SupersedesField]; ok {
		return nil, &CanonicalizationError{Field: SupersedesField, Detail: "reserved for amendment records"}
	}
	out := make(FieldMap, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[SupersedesField] = orig.ID.String()
	return out, nil
}
