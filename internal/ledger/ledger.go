package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Verification failure reasons, reported in VerificationResult.Reason.
const (
	ReasonHashMismatch   = "hash_mismatch"
	ReasonChainBreak     = "chain_break"
	ReasonAnchorMismatch = "anchor_mismatch"
)

// VerificationResult is the outcome of a tamper check. A failed check is not
// an error: the check itself ran to completion and localized the divergence.
type VerificationResult struct {
	OK bool `json:"ok"`

	// Reason is set when OK is false: hash_mismatch, chain_break, or
	// anchor_mismatch.
	Reason string `json:"reason,omitempty"`

	// RecordID localizes the first divergent record for hash_mismatch and
	// chain_break. Records after this point are untrustworthy; earlier
	// records may still be valid.
	RecordID *uuid.UUID `json:"record_id,omitempty"`

	// Period is set for anchor checks.
	Period string `json:"period,omitempty"`

	// Checked is the number of records examined before the check concluded.
	Checked int `json:"checked"`
}

// Ledger is the append-only, hash-chained emission record store. Both
// MemoryLedger and PostgresLedger implement this interface.
//
// Appends are serialized per partition; independent partitions append in
// parallel. All verification methods are read-only and safe to run
// concurrently with appends.
type Ledger interface {
	// Append canonicalizes payload, generates a salt, links the record to the
	// current chain head of partition, and persists it. Returns ErrHeadConflict
	// when another writer advanced the head first.
	Append(ctx context.Context, partition string, payload FieldMap) (*Record, error)

	// Amend appends a new record superseding recordID. The original record is
	// never mutated and remains part of the chain.
	Amend(ctx context.Context, partition string, recordID uuid.UUID, payload FieldMap) (*Record, error)

	// Get returns the record with the given id.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// Head returns the current chain head hash of partition, or GenesisHash
	// for an empty partition.
	Head(ctx context.Context, partition string) (string, error)

	// Len returns the number of records in partition.
	Len(ctx context.Context, partition string) (int, error)

	// Partitions lists all partitions that contain at least one record.
	Partitions(ctx context.Context) ([]string, error)

	// VerifyRecord recomputes a record's hash from its stored payload, salt,
	// and previous hash, and compares it to the stored record hash.
	VerifyRecord(ctx context.Context, id uuid.UUID) (*VerificationResult, error)

	// VerifyChain walks partition's records in append order between fromID and
	// toID (uuid.Nil means the partition boundary) and reports the first
	// broken link or hash mismatch.
	VerifyChain(ctx context.Context, partition string, fromID, toID uuid.UUID) (*VerificationResult, error)

	// AnchorPeriod computes the Merkle root over the period's record hashes
	// and persists it. Idempotent: re-anchoring an unchanged period returns
	// the stored anchor; a divergent recomputation returns ErrAnchorClosed.
	AnchorPeriod(ctx context.Context, partition, period string) (*Anchor, error)

	// GetAnchor returns the stored anchor for (partition, period).
	GetAnchor(ctx context.Context, partition, period string) (*Anchor, error)

	// VerifyAnchor recomputes the Merkle root over the period's record hashes
	// as currently stored and compares it to the persisted anchor.
	VerifyAnchor(ctx context.Context, partition, period string) (*VerificationResult, error)
}
