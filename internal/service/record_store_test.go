package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
	"github.com/noah-isme/sma-risk-analytics/internal/repository"
	appErrors "github.com/noah-isme/sma-risk-analytics/pkg/errors"
)

type memoryCacheRepo struct {
	mu    sync.Mutex
	store map[string][]byte
	gets  int
}

func (s *memoryCacheRepo) Get(_ context.Context, key string, dest interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	payload, ok := s.store[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(payload, dest)
}

func (s *memoryCacheRepo) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		s.store = make(map[string][]byte)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.store[key] = payload
	return nil
}

func (s *memoryCacheRepo) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.store, key)
	}
	return nil
}

func (s *memoryCacheRepo) DeleteByPattern(_ context.Context, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range s.store {
		if strings.HasPrefix(key, prefix) {
			delete(s.store, key)
		}
	}
	return nil
}

func (s *memoryCacheRepo) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.store[key]
	return ok
}

type failingRecordRepo struct {
	getErr    error
	upsertErr error
}

func (f *failingRecordRepo) Get(context.Context, models.RecordKey) (*models.AnalyticRecord, bool, error) {
	return nil, false, f.getErr
}

func (f *failingRecordRepo) Upsert(context.Context, *models.AnalyticRecord) error {
	return f.upsertErr
}

func (f *failingRecordRepo) ListByRisk(context.Context, models.AnalyticRecordFilter) ([]models.AnalyticRecord, error) {
	return nil, f.getErr
}

// pausingRecordRepo holds the first armed Get after it has read the row.
type pausingRecordRepo struct {
	*repository.MemoryRecordRepository
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (p *pausingRecordRepo) Get(ctx context.Context, key models.RecordKey) (*models.AnalyticRecord, bool, error) {
	record, found, err := p.MemoryRecordRepository.Get(ctx, key)
	if p.armed.CompareAndSwap(true, false) {
		close(p.read)
		<-p.release
	}
	return record, found, err
}

func storeRecord(id string, score float64) *models.AnalyticRecord {
	return &models.AnalyticRecord{
		SubjectType:     models.SubjectEnrollment,
		SubjectID:       id,
		AnalysisType:    models.AnalysisRiskPrediction,
		Period:          "30d",
		Score:           score,
		Rate:            100 - score,
		RiskLevel:       models.RiskMedium,
		ComponentScores: map[models.Dimension]float64{models.DimensionAcademic: score},
		Triggers:        []string{},
		Recommendations: []string{},
		CalculatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func newTestStore(cache *memoryCacheRepo) (*RecordStore, *repository.MemoryRecordRepository) {
	repo := repository.NewMemoryRecordRepository()
	cacheSvc := NewCacheService(cache, nil, time.Minute, zap.NewNop(), true)
	return NewRecordStore(repo, cacheSvc, time.Minute, zap.NewNop()), repo
}

func TestRecordStoreReadThroughAndInvalidate(t *testing.T) {
	cache := &memoryCacheRepo{}
	store, _ := newTestStore(cache)
	ctx := context.Background()

	record := storeRecord("enr-1", 55)
	require.NoError(t, store.Upsert(ctx, record))
	cacheKey := makeRecordCacheKey(record.Key())
	assert.False(t, cache.has(cacheKey))

	_, found, hit, err := store.Lookup(ctx, record.Key())
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, hit)
	assert.True(t, cache.has(cacheKey))

	cached, found, hit, err := store.Lookup(ctx, record.Key())
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, hit)
	assert.Equal(t, 55.0, cached.Score)
	assert.Equal(t, models.RiskMedium, cached.RiskLevel)

	updated := storeRecord("enr-1", 70)
	require.NoError(t, store.Upsert(ctx, updated))
	assert.False(t, cache.has(cacheKey))

	fresh, _, err := store.Get(ctx, record.Key())
	require.NoError(t, err)
	assert.Equal(t, 70.0, fresh.Score)
}

func TestRecordStoreSlowReaderDoesNotRecacheReplacedRecord(t *testing.T) {
	cache := &memoryCacheRepo{}
	repo := &pausingRecordRepo{
		MemoryRecordRepository: repository.NewMemoryRecordRepository(),
		read:                   make(chan struct{}),
		release:                make(chan struct{}),
	}
	store := NewRecordStore(repo, NewCacheService(cache, nil, time.Minute, zap.NewNop(), true), time.Minute, zap.NewNop())
	ctx := context.Background()

	old := storeRecord("enr-1", 10)
	require.NoError(t, store.Upsert(ctx, old))
	cacheKey := makeRecordCacheKey(old.Key())

	repo.armed.Store(true)
	done := make(chan *models.AnalyticRecord, 1)
	go func() {
		record, _, err := store.Get(ctx, old.Key())
		assert.NoError(t, err)
		done <- record
	}()

	<-repo.read
	require.NoError(t, store.Upsert(ctx, storeRecord("enr-1", 90)))
	close(repo.release)

	first := <-done
	assert.Equal(t, 10.0, first.Score)
	assert.False(t, cache.has(cacheKey))

	fresh, found, err := store.Get(ctx, old.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 90.0, fresh.Score)
	assert.True(t, cache.has(cacheKey))
}

func TestRecordStoreUpsertIdempotent(t *testing.T) {
	store, repo := newTestStore(&memoryCacheRepo{})
	ctx := context.Background()

	first := storeRecord("enr-1", 42)
	require.NoError(t, store.Upsert(ctx, first))
	firstStored, _, err := store.Get(ctx, first.Key())
	require.NoError(t, err)

	second := storeRecord("enr-1", 42)
	second.CalculatedAt = first.CalculatedAt
	require.NoError(t, store.Upsert(ctx, second))
	secondStored, _, err := store.Get(ctx, first.Key())
	require.NoError(t, err)

	assert.Equal(t, firstStored, secondStored)
	assert.Equal(t, 1, repo.Len())
}

func TestRecordStoreRejectsInvalidRecords(t *testing.T) {
	store, repo := newTestStore(&memoryCacheRepo{})
	ctx := context.Background()

	cases := map[string]func(r *models.AnalyticRecord){
		"score":     func(r *models.AnalyticRecord) { r.Score = 101 },
		"rate":      func(r *models.AnalyticRecord) { r.Rate = -1 },
		"events":    func(r *models.AnalyticRecord) { r.TotalEvents, r.CompletedEvents = 2, 3 },
		"period":    func(r *models.AnalyticRecord) { r.Period = "0d" },
		"subjectID": func(r *models.AnalyticRecord) { r.SubjectID = "" },
	}
	for name, mutate := range cases {
		record := storeRecord("enr-1", 50)
		mutate(record)
		err := store.Upsert(ctx, record)
		assert.ErrorIs(t, err, appErrors.ErrValidation, name)
	}

	bad := storeRecord("enr-1", 50)
	bad.SubjectType = "SCHOOL"
	assert.ErrorIs(t, store.Upsert(ctx, bad), appErrors.ErrUnknownSubjectType)
	assert.Equal(t, 0, repo.Len())
}

func TestRecordStoreSurfacesRepositoryErrors(t *testing.T) {
	repo := &failingRecordRepo{getErr: assert.AnError, upsertErr: assert.AnError}
	store := NewRecordStore(repo, nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	_, _, err := store.Get(ctx, storeRecord("enr-1", 10).Key())
	assert.ErrorIs(t, err, appErrors.ErrStore)
	assert.ErrorIs(t, err, assert.AnError)

	err = store.Upsert(ctx, storeRecord("enr-1", 10))
	assert.ErrorIs(t, err, appErrors.ErrStore)
}

func TestRecordStoreNeedsRecompute(t *testing.T) {
	store, _ := newTestStore(&memoryCacheRepo{})
	ctx := context.Background()
	record := storeRecord("enr-1", 50)

	needed, err := store.NeedsRecompute(ctx, record.Key(), time.Hour, false)
	require.NoError(t, err)
	assert.True(t, needed, "missing record")

	require.NoError(t, store.Upsert(ctx, record))
	needed, err = store.NeedsRecompute(ctx, record.Key(), time.Hour, false)
	require.NoError(t, err)
	assert.False(t, needed)

	needed, err = store.NeedsRecompute(ctx, record.Key(), time.Hour, true)
	require.NoError(t, err)
	assert.True(t, needed, "forced")

	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	needed, err = store.NeedsRecompute(ctx, record.Key(), time.Hour, false)
	require.NoError(t, err)
	assert.True(t, needed, "stale")

	needed, err = store.NeedsRecompute(ctx, record.Key(), 0, false)
	require.NoError(t, err)
	assert.False(t, needed, "no window")
}
