package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carbon-dna/ledger/internal/ledger"
	"github.com/carbon-dna/ledger/internal/records/model"
)

// maxAppendRetries bounds how often an append is retried after losing a
// chain-head race to another writer.
const maxAppendRetries = 3

// AnnotationStore is the persistence interface for record annotations.
// *repository.AnnotationRepository and *repository.MemoryAnnotationStore
// satisfy this interface.
type AnnotationStore interface {
	Upsert(ctx context.Context, a *model.Annotation) error
	Get(ctx context.Context, recordID uuid.UUID) (*model.Annotation, error)
}

// TamperCallback is invoked whenever a verification run detects tampering.
type TamperCallback func(ctx context.Context, partition string, res *ledger.VerificationResult)

// RecordService contains the ingestion-facing business logic around the
// ledger: payload validation, conflict retries, amendments, verification,
// and the non-hashed annotation layer.
type RecordService struct {
	ledger      ledger.Ledger
	annotations AnnotationStore // nil = annotations disabled
	onTamper    TamperCallback  // nil = no alerting
	logger      *zap.Logger
}

// New creates a RecordService.
func New(l ledger.Ledger, logger *zap.Logger) *RecordService {
	return &RecordService{ledger: l, logger: logger}
}

// SetAnnotationStore configures the annotation store.
func (s *RecordService) SetAnnotationStore(st AnnotationStore) {
	s.annotations = st
}

// SetTamperCallback configures the callback invoked on tamper findings.
func (s *RecordService) SetTamperCallback(fn TamperCallback) {
	s.onTamper = fn
}

// Append validates and appends a new record to partition, retrying a bounded
// number of times when another writer advances the chain head first.
func (s *RecordService) Append(ctx context.Context, partition string, payload ledger.FieldMap) (*ledger.Record, error) {
	if len(payload) == 0 {
		return nil, errors.New("payload must not be empty")
	}
	if _, ok := payload[ledger.SupersedesField]; ok {
		return nil, &ledger.CanonicalizationError{Field: ledger.SupersedesField, Detail: "reserved for amendment records"}
	}
	return s.appendRetry(ctx, partition, func(ctx context.Context) (*ledger.Record, error) {
		return s.ledger.Append(ctx, partition, payload)
	})
}

// Amend appends a record superseding recordID. The original stays immutable.
func (s *RecordService) Amend(ctx context.Context, partition string, recordID uuid.UUID, payload ledger.FieldMap) (*ledger.Record, error) {
	if len(payload) == 0 {
		return nil, errors.New("payload must not be empty")
	}
	return s.appendRetry(ctx, partition, func(ctx context.Context) (*ledger.Record, error) {
		return s.ledger.Amend(ctx, partition, recordID, payload)
	})
}

func (s *RecordService) appendRetry(ctx context.Context, partition string, attempt func(context.Context) (*ledger.Record, error)) (*ledger.Record, error) {
	var rec *ledger.Record
	var err error
	for try := 1; try <= maxAppendRetries; try++ {
		rec, err = attempt(ctx)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ledger.ErrHeadConflict) {
			return nil, err
		}
		s.logger.Warn("chain head conflict, retrying",
			zap.String("partition", partition),
			zap.Int("attempt", try),
		)
	}
	return nil, fmt.Errorf("append to %q lost the head race %d times: %w", partition, maxAppendRetries, err)
}

// Get returns a stored record.
func (s *RecordService) Get(ctx context.Context, id uuid.UUID) (*ledger.Record, error) {
	return s.ledger.Get(ctx, id)
}

// Head returns the current chain head of a partition.
func (s *RecordService) Head(ctx context.Context, partition string) (string, error) {
	return s.ledger.Head(ctx, partition)
}

// VerifyRecord checks a single record and reports tampering to the
// configured callback.
func (s *RecordService) VerifyRecord(ctx context.Context, id uuid.UUID) (*ledger.VerificationResult, error) {
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.ledger.VerifyRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	s.reportTamper(ctx, rec.Partition, res)
	return res, nil
}

// VerifyChain checks a partition's chain between fromID and toID (uuid.Nil
// means the partition boundary).
func (s *RecordService) VerifyChain(ctx context.Context, partition string, fromID, toID uuid.UUID) (*ledger.VerificationResult, error) {
	res, err := s.ledger.VerifyChain(ctx, partition, fromID, toID)
	if err != nil {
		return nil, err
	}
	s.reportTamper(ctx, partition, res)
	return res, nil
}

// AnchorPeriod closes a period under a Merkle root.
func (s *RecordService) AnchorPeriod(ctx context.Context, partition, period string) (*ledger.Anchor, error) {
	return s.ledger.AnchorPeriod(ctx, partition, period)
}

// GetAnchor returns a stored anchor.
func (s *RecordService) GetAnchor(ctx context.Context, partition, period string) (*ledger.Anchor, error) {
	return s.ledger.GetAnchor(ctx, partition, period)
}

// VerifyAnchor checks a period's records against its stored anchor.
func (s *RecordService) VerifyAnchor(ctx context.Context, partition, period string) (*ledger.VerificationResult, error) {
	res, err := s.ledger.VerifyAnchor(ctx, partition, period)
	if err != nil {
		return nil, err
	}
	s.reportTamper(ctx, partition, res)
	return res, nil
}

// Annotate attaches or replaces the mutable quality annotation of a record.
// The record itself is never touched.
func (s *RecordService) Annotate(ctx context.Context, a *model.Annotation) error {
	if s.annotations == nil {
		return errors.New("annotations are not configured")
	}
	if _, err := s.ledger.Get(ctx, a.RecordID); err != nil {
		return err
	}
	return s.annotations.Upsert(ctx, a)
}

// GetAnnotation returns a record's annotation.
func (s *RecordService) GetAnnotation(ctx context.Context, recordID uuid.UUID) (*model.Annotation, error) {
	if s.annotations == nil {
		return nil, errors.New("annotations are not configured")
	}
	return s.annotations.Get(ctx, recordID)
}

// reportTamper logs a failed verification and forwards it to the tamper
// callback. Tamper findings are never downgraded or swallowed: the result is
// always returned to the caller as well.
func (s *RecordService) reportTamper(ctx context.Context, partition string, res *ledger.VerificationResult) {
	if res.OK {
		return
	}
	fields := []zap.Field{
		zap.String("partition", partition),
		zap.String("reason", res.Reason),
	}
	if res.RecordID != nil {
		fields = append(fields, zap.String("record_id", res.RecordID.String()))
	}
	if res.Period != "" {
		fields = append(fields, zap.String("period", res.Period))
	}
	s.logger.Error("tamper detected", fields...)

	if s.onTamper != nil {
		s.onTamper(ctx, partition, res)
	}
}
