package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-risk-analytics/internal/dto"
	"github.com/noah-isme/sma-risk-analytics/internal/models"
	"github.com/noah-isme/sma-risk-analytics/internal/repository"
	"github.com/noah-isme/sma-risk-analytics/internal/scoring"
	appErrors "github.com/noah-isme/sma-risk-analytics/pkg/errors"
)

type stubAggregator struct {
	mu    sync.Mutex
	raw   models.RawAggregates
	err   error
	fail  map[string]error
	calls int
}

func (s *stubAggregator) Aggregate(_ context.Context, subject models.Subject, _ string) (models.RawAggregates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.fail[subject.ID]; ok {
		return models.RawAggregates{}, err
	}
	return s.raw, s.err
}

func (s *stubAggregator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// exampleRaw scores academic=90, attendance=40, financial=70, engagement=60, behavioral=80.
func exampleRaw() models.RawAggregates {
	paid := 5
	active := 12
	grades := []float64{95, 95, 95, 95, 95, 95, 95, 95, 95, 45}
	return models.RawAggregates{
		Academic:   &models.AcademicAggregate{Grades: grades, Scale: 100, PassMark: 75, AssessmentsDue: 10},
		Attendance: &models.AttendanceAggregate{TotalSessions: 10, AttendedSessions: 4},
		Financial:  &models.FinancialAggregate{TotalDue: 10, PaidOnTime: 7, DaysSinceLastPayment: &paid},
		Engagement: &models.EngagementAggregate{DaysSinceLastActivity: &active},
		Behavioral: &models.BehavioralAggregate{NegativeSignals: 1},
	}
}

type riskFixture struct {
	svc        *RiskService
	aggregator *stubAggregator
	repo       *repository.MemoryRecordRepository
	cache      *memoryCacheRepo
}

func newRiskFixture(t *testing.T, staleness time.Duration) riskFixture {
	t.Helper()
	engine, err := scoring.NewEngine(scoring.DefaultConfig())
	require.NoError(t, err)
	cache := &memoryCacheRepo{}
	store, repo := newTestStore(cache)
	aggregator := &stubAggregator{raw: exampleRaw()}
	svc := NewRiskService(engine, aggregator, store, NewMetricsService(), nil, zap.NewNop(), RiskServiceConfig{DefaultPeriod: "30d", StalenessWindow: staleness})
	return riskFixture{svc: svc, aggregator: aggregator, repo: repo, cache: cache}
}

func TestRiskServiceEndToEndExample(t *testing.T) {
	f := newRiskFixture(t, time.Hour)

	record, cacheHit, err := f.svc.Get(context.Background(), dto.RiskQuery{SubjectType: "ENROLLMENT", SubjectID: "enr-1"})
	require.NoError(t, err)
	assert.False(t, cacheHit)
	assert.InDelta(t, 68.0, record.Score, 1e-9)
	assert.Equal(t, models.RiskHigh, record.RiskLevel)
	assert.InDelta(t, 32.0, record.Rate, 1e-9)
	assert.Contains(t, record.Triggers, scoring.TriggerLowAttendance)
	assert.NotContains(t, record.Triggers, scoring.TriggerLowAcademic)
	assert.NotContains(t, record.Triggers, scoring.TriggerPaymentIrregular)
	assert.NotContains(t, record.Triggers, scoring.TriggerBehavioral)
	assert.Len(t, record.Recommendations, len(record.Triggers))
	assert.Equal(t, 10, record.TotalEvents)
	assert.Equal(t, 4, record.CompletedEvents)
	assert.Equal(t, "new", record.Trends["direction"])
	assert.NotEmpty(t, record.ID)
}

func TestRiskServiceCacheThenCompute(t *testing.T) {
	f := newRiskFixture(t, time.Hour)
	ctx := context.Background()
	query := dto.RiskQuery{SubjectType: "ENROLLMENT", SubjectID: "enr-1", AnalysisType: "risk_prediction", Period: "30d"}

	first, hit, err := f.svc.Get(ctx, query)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, f.aggregator.callCount())

	second, hit, err := f.svc.Get(ctx, query)
	require.NoError(t, err)
	assert.False(t, hit, "served from the store, then cached")
	assert.Equal(t, 1, f.aggregator.callCount())
	assert.Equal(t, first.ID, second.ID)

	third, hit, err := f.svc.Get(ctx, query)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, f.aggregator.callCount())
	assert.Equal(t, first.Score, third.Score)
}

func TestRiskServiceRefreshAndStalenessRecompute(t *testing.T) {
	f := newRiskFixture(t, time.Hour)
	ctx := context.Background()
	query := dto.RiskQuery{SubjectType: "ENROLLMENT", SubjectID: "enr-1"}

	_, _, err := f.svc.Get(ctx, query)
	require.NoError(t, err)

	query.Refresh = true
	refreshed, _, err := f.svc.Get(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, 2, f.aggregator.callCount())
	assert.Equal(t, "stable", refreshed.Trends["direction"])

	query.Refresh = false
	f.svc.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	_, _, err = f.svc.Get(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, 3, f.aggregator.callCount())
	assert.Equal(t, 1, f.repo.Len())
}

func TestRiskServiceTrendsFollowRiskLevel(t *testing.T) {
	f := newRiskFixture(t, time.Hour)
	ctx := context.Background()
	subject := enrollment("enr-1")

	_, err := f.svc.Recompute(ctx, subject, models.AnalysisRiskPrediction, "30d")
	require.NoError(t, err)

	worse := exampleRaw()
	worse.Behavioral = &models.BehavioralAggregate{}
	f.aggregator.raw = worse
	record, err := f.svc.Recompute(ctx, subject, models.AnalysisRiskPrediction, "30d")
	require.NoError(t, err)
	assert.Greater(t, record.Trends["score_delta"], 0.0)
	assert.Equal(t, "worsening", record.Trends["direction"])

	_, err = f.svc.Recompute(ctx, subject, models.AnalysisAttendance, "30d")
	require.NoError(t, err)
	f.aggregator.raw = exampleRaw()
	attendance, err := f.svc.Recompute(ctx, subject, models.AnalysisAttendance, "30d")
	require.NoError(t, err)
	assert.Equal(t, "worsening", attendance.Trends["direction"])
}

func TestRiskServiceFailureLeavesPreviousRecord(t *testing.T) {
	f := newRiskFixture(t, time.Hour)
	ctx := context.Background()
	subject := enrollment("enr-1")

	original, err := f.svc.Recompute(ctx, subject, models.AnalysisRiskPrediction, "30d")
	require.NoError(t, err)

	f.aggregator.err = appErrors.Clone(appErrors.ErrPipeline, "warehouse offline")
	_, err = f.svc.Recompute(ctx, subject, models.AnalysisRiskPrediction, "30d")
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrPipeline)

	stored, found, err := f.repo.Get(ctx, original.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, original.CalculatedAt, stored.CalculatedAt)
	assert.Equal(t, original.Score, stored.Score)
}

func TestRiskServiceComputeDoesNotPersist(t *testing.T) {
	f := newRiskFixture(t, time.Hour)

	record, err := f.svc.Compute(context.Background(), enrollment("enr-1"), models.AnalysisProgress, "2w")
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisProgress, record.AnalysisType)
	assert.Equal(t, 0, f.repo.Len())
}

func TestRiskServiceDegradedDimensionsScoreNeutral(t *testing.T) {
	f := newRiskFixture(t, time.Hour)
	f.aggregator.raw = models.RawAggregates{}

	record, err := f.svc.Compute(context.Background(), enrollment("enr-1"), models.AnalysisRiskPrediction, "30d")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, record.Score, 1e-9)
	assert.Equal(t, models.RiskMedium, record.RiskLevel)
	assert.Len(t, record.DegradedDimensions, len(models.Dimensions))
	for _, d := range models.Dimensions {
		assert.Equal(t, 50.0, record.ComponentScores[d])
	}
}

func TestRiskServiceValidation(t *testing.T) {
	f := newRiskFixture(t, time.Hour)
	ctx := context.Background()

	_, _, err := f.svc.Get(ctx, dto.RiskQuery{SubjectType: "SCHOOL", SubjectID: "x"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, _, err = f.svc.Get(ctx, dto.RiskQuery{SubjectType: "GROUP", SubjectID: "class-1", Period: "3x"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	for _, period := range []string{"300y", "110000d", "9999999999w"} {
		_, _, err = f.svc.Get(ctx, dto.RiskQuery{SubjectType: "ENROLLMENT", SubjectID: "enr-1", Period: period})
		assert.ErrorIs(t, err, appErrors.ErrValidation, period)
	}

	_, err = f.svc.Compute(ctx, models.Subject{Type: "SCHOOL", ID: "x"}, models.AnalysisRiskPrediction, "30d")
	assert.ErrorIs(t, err, appErrors.ErrUnknownSubjectType)
	assert.Equal(t, 0, f.aggregator.callCount())
}

func TestRiskServiceConcurrentSameKey(t *testing.T) {
	f := newRiskFixture(t, time.Hour)
	ctx := context.Background()
	subject := enrollment("enr-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Recompute(ctx, subject, models.AnalysisRiskPrediction, "30d")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.repo.Len())
	stored, found, err := f.repo.Get(ctx, models.NewRecordKey(subject, models.AnalysisRiskPrediction, "30d"))
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 68.0, stored.Score, 1e-9)
}

func TestRiskServiceRoster(t *testing.T) {
	f := newRiskFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.svc.Recompute(ctx, enrollment("enr-1"), models.AnalysisRiskPrediction, "30d")
	require.NoError(t, err)
	f.aggregator.raw = models.RawAggregates{}
	_, err = f.svc.Recompute(ctx, enrollment("enr-2"), models.AnalysisRiskPrediction, "30d")
	require.NoError(t, err)

	roster, err := f.svc.Roster(ctx, dto.RosterQuery{})
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "enr-1", roster[0].SubjectID)

	all, err := f.svc.Roster(ctx, dto.RosterQuery{MinLevel: "low"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
