package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
	appErrors "github.com/noah-isme/sma-risk-analytics/pkg/errors"
)

// RecordRepository persists analytic records by their composite key.
type RecordRepository interface {
	Get(ctx context.Context, key models.RecordKey) (*models.AnalyticRecord, bool, error)
	Upsert(ctx context.Context, record *models.AnalyticRecord) error
	ListByRisk(ctx context.Context, filter models.AnalyticRecordFilter) ([]models.AnalyticRecord, error)
}

// RecordStore fronts the analytic record repository with a read-through cache.
type RecordStore struct {
	repo     RecordRepository
	cache    *CacheService
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
	fills    fillGuard
}

const fillShards = 64

// fillGuard orders cache fills after invalidations of the same key. A reader records the
// shard generation before loading from the repository and only fills the cache if no
// upsert bumped that generation in the meantime.
type fillGuard struct {
	mu  [fillShards]sync.Mutex
	gen [fillShards]uint64
}

func (g *fillGuard) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % fillShards)
}

func (g *fillGuard) generation(key string) uint64 {
	i := g.shard(key)
	g.mu[i].Lock()
	defer g.mu[i].Unlock()
	return g.gen[i]
}

func (g *fillGuard) fill(key string, gen uint64, set func()) {
	i := g.shard(key)
	g.mu[i].Lock()
	defer g.mu[i].Unlock()
	if g.gen[i] == gen {
		set()
	}
}

func (g *fillGuard) invalidate(key string, drop func()) {
	i := g.shard(key)
	g.mu[i].Lock()
	defer g.mu[i].Unlock()
	g.gen[i]++
	drop()
}

// NewRecordStore constructs the store. cache may be nil.
func NewRecordStore(repo RecordRepository, cache *CacheService, cacheTTL time.Duration, logger *zap.Logger) *RecordStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{repo: repo, cache: cache, cacheTTL: cacheTTL, logger: logger, now: time.Now}
}

func makeRecordCacheKey(key models.RecordKey) string {
	return fmt.Sprintf("analytics:risk:%s:%s:%s:%s", key.SubjectType, key.SubjectID, key.AnalysisType, key.Period)
}

// Get returns the record stored under key; a missing record is (nil, false, nil).
func (s *RecordStore) Get(ctx context.Context, key models.RecordKey) (*models.AnalyticRecord, bool, error) {
	record, found, _, err := s.Lookup(ctx, key)
	return record, found, err
}

// Lookup is Get that also reports whether the cache served the record.
func (s *RecordStore) Lookup(ctx context.Context, key models.RecordKey) (*models.AnalyticRecord, bool, bool, error) {
	cacheKey := makeRecordCacheKey(key)
	var cached models.AnalyticRecord
	hit, err := s.cache.Get(ctx, cacheKey, &cached)
	if err == nil && hit {
		return &cached, true, true, nil
	}

	gen := s.fills.generation(cacheKey)
	record, found, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, false, false, appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to load analytic record")
	}
	if !found {
		return nil, false, false, nil
	}
	s.fills.fill(cacheKey, gen, func() {
		_ = s.cache.Set(ctx, cacheKey, record, s.cacheTTL)
	})
	return record, true, false, nil
}

// Upsert validates and atomically replaces the record under its key, then drops the cached copy.
func (s *RecordStore) Upsert(ctx context.Context, record *models.AnalyticRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, record); err != nil {
		return appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to store analytic record")
	}
	s.fills.invalidate(makeRecordCacheKey(record.Key()), func() {
		if err := s.cache.Delete(ctx, makeRecordCacheKey(record.Key())); err != nil {
			s.logger.Sugar().Warnw("stale analytic record may stay cached", "key", record.Key(), "error", err)
		}
	})
	return nil
}

// NeedsRecompute reports whether the record under key is missing or older than window.
// A non-positive window never expires records.
func (s *RecordStore) NeedsRecompute(ctx context.Context, key models.RecordKey, window time.Duration, force bool) (bool, error) {
	if force {
		return true, nil
	}
	record, found, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return stale(record, found, window, s.now()), nil
}

func stale(record *models.AnalyticRecord, found bool, window time.Duration, now time.Time) bool {
	if !found {
		return true
	}
	if window <= 0 {
		return false
	}
	return now.Sub(record.CalculatedAt) > window
}

// ListByRisk lists stored records at or above filter.MinLevel.
func (s *RecordStore) ListByRisk(ctx context.Context, filter models.AnalyticRecordFilter) ([]models.AnalyticRecord, error) {
	records, err := s.repo.ListByRisk(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to list analytic records")
	}
	return records, nil
}

func validateRecord(record *models.AnalyticRecord) error {
	invalid := func(msg string) error {
		return appErrors.Clone(appErrors.ErrValidation, msg)
	}
	switch {
	case record == nil:
		return invalid("record is required")
	case !record.SubjectType.Valid():
		return appErrors.Clone(appErrors.ErrUnknownSubjectType, fmt.Sprintf("unknown subject type %q", record.SubjectType))
	case record.SubjectID == "":
		return invalid("subject id is required")
	case !record.AnalysisType.Valid():
		return invalid(fmt.Sprintf("unknown analysis type %q", record.AnalysisType))
	case record.Score < 0 || record.Score > 100:
		return invalid("score must be within [0,100]")
	case record.Rate < 0 || record.Rate > 100:
		return invalid("rate must be within [0,100]")
	case record.CompletedEvents < 0 || record.CompletedEvents > record.TotalEvents:
		return invalid("completed events must be within [0,total events]")
	}
	if _, err := models.ParsePeriod(record.Period); err != nil {
		return invalid(err.Error())
	}
	return nil
}
