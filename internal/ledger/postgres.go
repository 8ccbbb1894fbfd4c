package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockBase is XORed with a digest of the partition name to form the
// per-partition PostgreSQL advisory lock key. The value is arbitrary but must
// be consistent across all writer processes.
const advisoryLockBase = int64(7_214_360_912)

// Unique constraint names from migrations/001_init.up.sql, used to map
// insert violations onto ledger errors.
const (
	headConstraint      = "carbon_records_head_key"
	collisionConstraint = "carbon_records_record_hash_key"
)

// PostgresLedger persists hash-chained emission records and Merkle anchors to
// PostgreSQL. It implements the Ledger interface.
//
// Appends within a partition are serialized with a transaction-scoped
// advisory lock. The store may be written by multiple processes, so the
// UNIQUE (partition, previous_hash) constraint is the optimistic backstop:
// a second writer claiming the same predecessor surfaces as ErrHeadConflict.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

func partitionLockKey(partition string) int64 {
	sum := sha256.Sum256([]byte(partition))
	return advisoryLockBase ^ int64(binary.BigEndian.Uint64(sum[:8]))
}

// Append implements Ledger.
func (l *PostgresLedger) Append(ctx context.Context, partition string, payload FieldMap) (*Record, error) {
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

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialize appends to this partition; the lock is released when the
	// transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", partitionLockKey(partition)); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	head := GenesisHash
	err = tx.QueryRow(ctx,
		"SELECT record_hash FROM carbon_records WHERE partition = $1 ORDER BY seq DESC LIMIT 1",
		partition,
	).Scan(&head)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	hash, err := ComputeHash(canonical, salt, head)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:        uuid.New(),
		Partition: partition,
		Payload:   payload,
		Salt:      salt,
		PrevHash:  head,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO carbon_records (id, partition, payload, salt, previous_hash, record_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Partition, rec.Payload, rec.Salt, rec.PrevHash, rec.Hash, rec.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case headConstraint:
				return nil, ErrHeadConflict
			case collisionConstraint:
				return nil, ErrHashCollision
			}
		}
		return nil, fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit record tx: %w", err)
	}

	l.logger.Debug("record appended",
		zap.String("partition", rec.Partition),
		zap.String("record_id", rec.ID.String()),
		zap.String("record_hash", rec.Hash),
	)
	return rec, nil
}

// Amend implements Ledger.
func (l *PostgresLedger) Amend(ctx context.Context, partition string, recordID uuid.UUID, payload FieldMap) (*Record, error) {
	orig, err := l.Get(ctx, recordID)
	if err != nil {
		return nil, err
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

const recordColumns = "id, partition, payload, salt, previous_hash, record_hash, created_at"

func scanRecord(row pgx.Row) (*Record, error) {
	rec := &Record{}
	err := row.Scan(&rec.ID, &rec.Partition, &rec.Payload, &rec.Salt, &rec.PrevHash, &rec.Hash, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(l.pool.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM carbon_records WHERE id = $1", id))
}

// Head implements Ledger.
func (l *PostgresLedger) Head(ctx context.Context, partition string) (string, error) {
	head := GenesisHash
	err := l.pool.QueryRow(ctx,
		"SELECT record_hash FROM carbon_records WHERE partition = $1 ORDER BY seq DESC LIMIT 1",
		partition,
	).Scan(&head)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	return head, nil
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context, partition string) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM carbon_records WHERE partition = $1", partition,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Partitions implements Ledger.
func (l *PostgresLedger) Partitions(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx,
		"SELECT DISTINCT partition FROM carbon_records ORDER BY partition")
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// VerifyRecord implements Ledger.
func (l *PostgresLedger) VerifyRecord(ctx context.Context, id uuid.UUID) (*VerificationResult, error) {
	rec, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return verifyOne(rec)
}

// VerifyChain implements Ledger. It streams the partition's records in append
// order and validates the hash chain. O(n) in range length.
func (l *PostgresLedger) VerifyChain(ctx context.Context, partition string, fromID, toID uuid.UUID) (*VerificationResult, error) {
	fromSeq, toSeq := int64(-1), int64(-1)
	if fromID != uuid.Nil {
		var err error
		if fromSeq, err = l.seqOf(ctx, partition, fromID); err != nil {
			return nil, err
		}
	}
	if toID != uuid.Nil {
		var err error
		if toSeq, err = l.seqOf(ctx, partition, toID); err != nil {
			return nil, err
		}
	}
	if fromSeq >= 0 && toSeq >= 0 && fromSeq > toSeq {
		return nil, fmt.Errorf("from record is later than to record")
	}

	// The first record of a bounded range links to the recomputed hash of
	// its predecessor; at the partition start it links to GenesisHash.
	prevHash := GenesisHash
	if fromSeq >= 0 {
		pred, err := scanRecord(l.pool.QueryRow(ctx,
			"SELECT "+recordColumns+" FROM carbon_records WHERE partition = $1 AND seq < $2 ORDER BY seq DESC LIMIT 1",
			partition, fromSeq))
		switch {
		case errors.Is(err, ErrRecordNotFound):
			// range starts at the partition head
		case err != nil:
			return nil, err
		default:
			if prevHash, err = recomputeHash(pred); err != nil {
				return nil, err
			}
		}
	}

	rows, err := l.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM carbon_records
		 WHERE partition = $1
		   AND ($2::bigint < 0 OR seq >= $2)
		   AND ($3::bigint < 0 OR seq <= $3)
		 ORDER BY seq ASC`,
		partition, fromSeq, toSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	checked := 0
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		checked++

		got, err := recomputeHash(rec)
		if err != nil {
			return nil, err
		}
		if got != rec.Hash {
			id := rec.ID
			return &VerificationResult{Reason: ReasonHashMismatch, RecordID: &id, Checked: checked}, nil
		}
		if rec.PrevHash != prevHash {
			id := rec.ID
			return &VerificationResult{Reason: ReasonChainBreak, RecordID: &id, Checked: checked}, nil
		}
		prevHash = got
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream chain: %w", err)
	}
	if checked == 0 {
		return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, partition)
	}
	return &VerificationResult{OK: true, Checked: checked}, nil
}

func (l *PostgresLedger) seqOf(ctx context.Context, partition string, id uuid.UUID) (int64, error) {
	var seq int64
	var part string
	err := l.pool.QueryRow(ctx,
		"SELECT seq, partition FROM carbon_records WHERE id = $1", id,
	).Scan(&seq, &part)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrRecordNotFound
		}
		return 0, fmt.Errorf("resolve record %s: %w", id, err)
	}
	if part != partition {
		return 0, fmt.Errorf("record %s is not in partition %q: %w", id, partition, ErrRecordNotFound)
	}
	return seq, nil
}

// AnchorPeriod implements Ledger.
func (l *PostgresLedger) AnchorPeriod(ctx context.Context, partition, period string) (*Anchor, error) {
	start, end, err := PeriodBounds(period)
	if err != nil {
		return nil, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", partitionLockKey(partition)); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	hashes, err := periodHashesTx(ctx, tx, partition, start, end)
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

	existing := &Anchor{Partition: partition, Period: period}
	var existingPeriod time.Time
	err = tx.QueryRow(ctx,
		"SELECT period, root_hash, record_count, created_at FROM ledger_anchors WHERE partition = $1 AND period = $2",
		partition, start,
	).Scan(&existingPeriod, &existing.RootHash, &existing.RecordCount, &existing.CreatedAt)
	switch {
	case err == nil:
		if existing.RootHash == root && existing.RecordCount == len(hashes) {
			return existing, nil
		}
		return nil, ErrAnchorClosed
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("read anchor: %w", err)
	}

	anchor := &Anchor{
		Partition:   partition,
		Period:      period,
		RootHash:    root,
		RecordCount: len(hashes),
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_anchors (partition, period, root_hash, record_count, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		anchor.Partition, start, anchor.RootHash, anchor.RecordCount, anchor.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert anchor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit anchor tx: %w", err)
	}

	l.logger.Info("period anchored",
		zap.String("partition", partition),
		zap.String("period", period),
		zap.String("root", root),
		zap.Int("records", anchor.RecordCount),
	)
	return anchor, nil
}

// GetAnchor implements Ledger.
func (l *PostgresLedger) GetAnchor(ctx context.Context, partition, period string) (*Anchor, error) {
	start, _, err := PeriodBounds(period)
	if err != nil {
		return nil, err
	}

	anchor := &Anchor{Partition: partition, Period: period}
	var periodDay time.Time
	err = l.pool.QueryRow(ctx,
		"SELECT period, root_hash, record_count, created_at FROM ledger_anchors WHERE partition = $1 AND period = $2",
		partition, start,
	).Scan(&periodDay, &anchor.RootHash, &anchor.RecordCount, &anchor.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnchorNotFound
		}
		return nil, fmt.Errorf("read anchor: %w", err)
	}
	return anchor, nil
}

// VerifyAnchor implements Ledger.
func (l *PostgresLedger) VerifyAnchor(ctx context.Context, partition, period string) (*VerificationResult, error) {
	anchor, err := l.GetAnchor(ctx, partition, period)
	if err != nil {
		return nil, err
	}
	start, end, err := PeriodBounds(period)
	if err != nil {
		return nil, err
	}

	hashes, err := periodHashesTx(ctx, l.pool, partition, start, end)
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

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func periodHashesTx(ctx context.Context, q querier, partition string, start, end time.Time) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT record_hash FROM carbon_records
		 WHERE partition = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY seq ASC`,
		partition, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query period hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan period hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
