package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation. It is
// primarily useful for testing and for single-process deployments that do
// not require durable persistence across restarts.
type MemoryLedger struct {
	mu      sync.RWMutex
	chains  map[string][]*Record
	byID    map[uuid.UUID]*Record
	hashes  map[string]uuid.UUID
	anchors map[string]*Anchor
}

// New creates an empty MemoryLedger.
func New() *MemoryLedger {
	return &MemoryLedger{
		chains:  make(map[string][]*Record),
		byID:    make(map[uuid.UUID]*Record),
		hashes:  make(map[string]uuid.UUID),
		anchors: make(map[string]*Anchor),
	}
}

// Append implements Ledger. The partition mutex makes the head read and the
// record write atomic, so two records can never claim the same predecessor.
func (l *MemoryLedger) Append(_ context.Context, partition string, payload FieldMap) (*Record, error) {
	if partition == "" {
		return nil, errors.New("partition must not be empty")
	}

	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	head := GenesisHash
	if chain := l.chains[partition]; len(chain) > 0 {
		head = chain[len(chain)-1].Hash
	}

	hash, err := ComputeHash(canonical, salt, head)
	if err != nil {
		return nil, err
	}
	if _, dup := l.hashes[hash]; dup {
		return nil, ErrHashCollision
	}

	rec := &Record{
		ID:        uuid.New(),
		Partition: partition,
		Payload:   clonePayload(payload),
		Salt:      salt,
		PrevHash:  head,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
	l.chains[partition] = append(l.chains[partition], rec)
	l.byID[rec.ID] = rec
	l.hashes[hash] = rec.ID
	return rec, nil
}

// Amend implements Ledger.
func (l *MemoryLedger) Amend(ctx context.Context, partition string, recordID uuid.UUID, payload FieldMap) (*Record, error) {
	l.mu.RLock()
	orig, ok := l.byID[recordID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrRecordNotFound
	}
	if orig.Partition != partition {
		return nil, fmt.Errorf("record %s is not in partition %q: %w", recordID, partition, ErrRecordNotFound)
	}

	amended, err := amendPayload(orig, payload)
	if err != nil {
		return nil, err
	}
	return l.Append(ctx, partition, amended)
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.byID[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// Head implements Ledger.
func (l *MemoryLedger) Head(_ context.Context, partition string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.chains[partition]
	if len(chain) == 0 {
		return GenesisHash, nil
	}
	return chain[len(chain)-1].Hash, nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context, partition string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chains[partition]), nil
}

// Partitions implements Ledger.
func (l *MemoryLedger) Partitions(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	parts := make([]string, 0, len(l.chains))
	for p := range l.chains {
		parts = append(parts, p)
	}
	sort.Strings(parts)
	return parts, nil
}

// VerifyRecord implements Ledger.
func (l *MemoryLedger) VerifyRecord(_ context.Context, id uuid.UUID) (*VerificationResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.byID[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return verifyOne(rec)
}

// VerifyChain implements Ledger.
func (l *MemoryLedger) VerifyChain(_ context.Context, partition string, fromID, toID uuid.UUID) (*VerificationResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain, ok := l.chains[partition]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, partition)
	}

	from, to := 0, len(chain)-1
	if fromID != uuid.Nil {
		if from = indexOf(chain, fromID); from < 0 {
			return nil, ErrRecordNotFound
		}
	}
	if toID != uuid.Nil {
		if to = indexOf(chain, toID); to < 0 {
			return nil, ErrRecordNotFound
		}
	}
	if from > to {
		return nil, fmt.Errorf("from record is later than to record")
	}

	prevHash := GenesisHash
	if from > 0 {
		var err error
		if prevHash, err = recomputeHash(chain[from-1]); err != nil {
			return nil, err
		}
	}
	return verifyWalk(chain[from:to+1], prevHash)
}

// AnchorPeriod implements Ledger.
func (l *MemoryLedger) AnchorPeriod(_ context.Context, partition, period string) (*Anchor, error) {
	hashes, err := l.periodHashes(partition, period)
	if err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		return nil, ErrEmptyPeriod
	}
	root, err := MerkleRoot(hashes)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := partition + "|" + period
	if a, ok := l.anchors[key]; ok {
		if a.RootHash == root && a.RecordCount == len(hashes) {
			return a, nil
		}
		return nil, ErrAnchorClosed
	}

	a := &Anchor{
		Partition:   partition,
		Period:      period,
		RootHash:    root,
		RecordCount: len(hashes),
		CreatedAt:   time.Now().UTC(),
	}
	l.anchors[key] = a
	return a, nil
}

// GetAnchor implements Ledger.
func (l *MemoryLedger) GetAnchor(_ context.Context, partition, period string) (*Anchor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.anchors[partition+"|"+period]
	if !ok {
		return nil, ErrAnchorNotFound
	}
	return a, nil
}

// VerifyAnchor implements Ledger.
func (l *MemoryLedger) VerifyAnchor(ctx context.Context, partition, period string) (*VerificationResult, error) {
	anchor, err := l.GetAnchor(ctx, partition, period)
	if err != nil {
		return nil, err
	}

	hashes, err := l.periodHashes(partition, period)
	if err != nil {
		return nil, err
	}
	mismatch := &VerificationResult{Reason: ReasonAnchorMismatch, Period: period, Checked: len(hashes)}
	if len(hashes) != anchor.RecordCount {
		return mismatch, nil
	}
	root, err := MerkleRoot(hashes)
	if err != nil {
		return nil, err
	}
	if root != anchor.RootHash {
		return mismatch, nil
	}
	return &VerificationResult{OK: true, Period: period, Checked: len(hashes)}, nil
}

// periodHashes returns the ordered record hashes of partition created within
// the period.
func (l *MemoryLedger) periodHashes(partition, period string) ([]string, error) {
	start, end, err := PeriodBounds(period)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var hashes []string
	for _, r := range l.chains[partition] {
		at := r.CreatedAt.UTC()
		if !at.Before(start) && at.Before(end) {
			hashes = append(hashes, r.Hash)
		}
	}
	return hashes, nil
}

func indexOf(chain []*Record, id uuid.UUID) int {
	for i, r := range chain {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func clonePayload(p FieldMap) FieldMap {
	out := make(FieldMap, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
