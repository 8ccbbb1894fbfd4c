package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carbon-dna/ledger/internal/records/model"
)

// ErrNotFound is returned when a record has no annotation.
var ErrNotFound = errors.New("annotation not found")

// AnnotationRepository persists record annotations to PostgreSQL.
type AnnotationRepository struct {
	db *pgxpool.Pool
}

// NewAnnotationRepository creates a new AnnotationRepository.
func NewAnnotationRepository(db *pgxpool.Pool) *AnnotationRepository {
	return &AnnotationRepository{db: db}
}

// Upsert creates or replaces the annotation for a record.
func (r *AnnotationRepository) Upsert(ctx context.Context, a *model.Annotation) error {
	a.UpdatedAt = time.Now().UTC()
	if a.Flags == nil {
		a.Flags = []string{}
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO record_annotations (record_id, quality_score, uncertainty_pct, flags, notes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (record_id) DO UPDATE SET
			quality_score   = EXCLUDED.quality_score,
			uncertainty_pct = EXCLUDED.uncertainty_pct,
			flags           = EXCLUDED.flags,
			notes           = EXCLUDED.notes,
			updated_at      = EXCLUDED.updated_at`,
		a.RecordID, a.QualityScore, a.UncertaintyPct, a.Flags, a.Notes, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert annotation: %w", err)
	}
	return nil
}

// Get returns the annotation for a record.
func (r *AnnotationRepository) Get(ctx context.Context, recordID uuid.UUID) (*model.Annotation, error) {
	a := &model.Annotation{}
	err := r.db.QueryRow(ctx, `
		SELECT record_id, quality_score, uncertainty_pct, flags, notes, updated_at
		FROM record_annotations WHERE record_id = $1`,
		recordID,
	).Scan(&a.RecordID, &a.QualityScore, &a.UncertaintyPct, &a.Flags, &a.Notes, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get annotation: %w", err)
	}
	return a, nil
}

// MemoryAnnotationStore is an in-memory annotation store for tests and
// single-process deployments.
type MemoryAnnotationStore struct {
	mu sync.RWMutex
	m  map[uuid.UUID]*model.Annotation
}

// NewMemoryAnnotationStore creates an empty MemoryAnnotationStore.
func NewMemoryAnnotationStore() *MemoryAnnotationStore {
	return &MemoryAnnotationStore{m: make(map[uuid.UUID]*model.Annotation)}
}

// Upsert creates or replaces the annotation for a record.
func (s *MemoryAnnotationStore) Upsert(_ context.Context, a *model.Annotation) error {
	a.UpdatedAt = time.Now().UTC()
	if a.Flags == nil {
		a.Flags = []string{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.m[a.RecordID] = &cp
	return nil
}

// Get returns the annotation for a record.
func (s *MemoryAnnotationStore) Get(_ context.Context, recordID uuid.UUID) (*model.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.m[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}
