package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
)

// MemoryRecordRepository keeps analytic records in process memory. It stores
// and returns deep copies so callers never alias stored state.
type MemoryRecordRepository struct {
	mu      sync.RWMutex
	records map[models.RecordKey]*models.AnalyticRecord
}

// NewMemoryRecordRepository constructs an empty in-memory store.
func NewMemoryRecordRepository() *MemoryRecordRepository {
	return &MemoryRecordRepository{records: make(map[models.RecordKey]*models.AnalyticRecord)}
}

// Get returns a copy of the record stored under key.
func (r *MemoryRecordRepository) Get(ctx context.Context, key models.RecordKey) (*models.AnalyticRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[key]
	if !ok {
		return nil, false, nil
	}
	return record.Clone(), true, nil
}

// Upsert replaces the record under its key in one critical section.
func (r *MemoryRecordRepository) Upsert(ctx context.Context, record *models.AnalyticRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := record.Key()
	if existing, ok := r.records[key]; ok {
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	r.records[key] = record.Clone()
	return nil
}

// ListByRisk mirrors the SQL roster ordering: most severe first, then subject id.
func (r *MemoryRecordRepository) ListByRisk(ctx context.Context, filter models.AnalyticRecordFilter) ([]models.AnalyticRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]models.AnalyticRecord, 0)
	for key, record := range r.records {
		if filter.SubjectType != "" && key.SubjectType != filter.SubjectType {
			continue
		}
		if filter.AnalysisType != "" && key.AnalysisType != filter.AnalysisType {
			continue
		}
		if filter.Period != "" && key.Period != filter.Period {
			continue
		}
		if record.RiskLevel < filter.MinLevel {
			continue
		}
		out = append(out, *record.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskLevel != out[j].RiskLevel {
			return out[i].RiskLevel > out[j].RiskLevel
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Len reports how many records are stored.
func (r *MemoryRecordRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
