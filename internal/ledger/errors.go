package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound is returned when no record exists with the given id.
	ErrRecordNotFound = errors.New("record not found")

	// ErrPartitionNotFound is returned when a partition has no records.
	ErrPartitionNotFound = errors.New("partition not found")

	// ErrAnchorNotFound is returned when no anchor exists for a period.
	ErrAnchorNotFound = errors.New("anchor not found")

	// ErrHeadConflict is returned when another writer advanced the chain head
	// between the head read and the record write. Callers retry with the new head.
	ErrHeadConflict = errors.New("chain head advanced by another writer")

	// ErrAnchorClosed is returned when a period is already anchored and the
	// recomputed root differs from the stored one. This signals an integrity
	// problem upstream and requires manual investigation.
	ErrAnchorClosed = errors.New("period already anchored with different contents")

	// ErrEmptyPeriod is returned when anchoring a period that contains no records.
	ErrEmptyPeriod = errors.New("no records in period")

	// ErrHashCollision is returned when a newly computed record hash already
	// exists in the store. Fatal; never ignored.
	ErrHashCollision = errors.New("record hash collision")
)

// CanonicalizationError reports a payload that cannot be serialized
// deterministically. Such input is rejected at ingestion, not retried.
type CanonicalizationError struct {
	Field  string
	Detail string
}

func (e *CanonicalizationError) Error() string {
	if e.Field == "" {
		return "canonicalize: " + e.Detail
	}
	return fmt.Sprintf("canonicalize field %q: %s", e.Field, e.Detail)
}

// HashInputError reports a malformed salt or hash reference.
type HashInputError struct {
	Detail string
}

func (e *HashInputError) Error() string {
	return "hash input: " + e.Detail
}
