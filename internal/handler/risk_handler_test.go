package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-risk-analytics/internal/dto"
	"github.com/noah-isme/sma-risk-analytics/internal/middleware"
	"github.com/noah-isme/sma-risk-analytics/internal/models"
	"github.com/noah-isme/sma-risk-analytics/internal/service"
	appErrors "github.com/noah-isme/sma-risk-analytics/pkg/errors"
	"github.com/noah-isme/sma-risk-analytics/pkg/jobs"
)

type fakeRiskSrv struct {
	record      *models.AnalyticRecord
	cacheHit    bool
	err         error
	validateErr error
	roster      []models.AnalyticRecord
	lastQuery   dto.RiskQuery
	lastRoster  dto.RosterQuery
}

func (f *fakeRiskSrv) Validate(interface{}) error { return f.validateErr }

func (f *fakeRiskSrv) Get(_ context.Context, query dto.RiskQuery) (*models.AnalyticRecord, bool, error) {
	f.lastQuery = query
	return f.record, f.cacheHit, f.err
}

func (f *fakeRiskSrv) Roster(_ context.Context, query dto.RosterQuery) ([]models.AnalyticRecord, error) {
	f.lastRoster = query
	return f.roster, f.err
}

type fakeBatchSrv struct {
	job      *models.BatchJob
	err      error
	enqueued []service.BatchRequest
}

func (f *fakeBatchSrv) Enqueue(req service.BatchRequest) (*models.BatchJob, error) {
	f.enqueued = append(f.enqueued, req)
	return f.job, f.err
}

func (f *fakeBatchSrv) Status(id string) (*models.BatchJob, error) {
	if f.job == nil || f.job.ID != id {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "batch job not found")
	}
	return f.job, nil
}

type fakeSnapshot struct{}

func (fakeSnapshot) Snapshot() models.AnalyticsSystemMetrics {
	return models.AnalyticsSystemMetrics{RiskComputations: 7}
}

type fakeQueueStats struct{}

func (fakeQueueStats) Stats() jobs.Stats { return jobs.Stats{Pending: 2} }

func newRiskContext(method, target string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, target, bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	return c, rec
}

func TestRiskHandlerGetSuccess(t *testing.T) {
	srv := &fakeRiskSrv{
		record:   &models.AnalyticRecord{SubjectType: models.SubjectEnrollment, SubjectID: "enr-1", Score: 68, RiskLevel: models.RiskHigh},
		cacheHit: true,
	}
	handler := NewRiskHandler(srv, &fakeBatchSrv{}, fakeSnapshot{}, nil)

	c, rec := newRiskContext(http.MethodGet, "/risk/subjects/enrollment/enr-1?period=2w&refresh=true", nil)
	c.Params = gin.Params{{Key: "subjectType", Value: "enrollment"}, {Key: "subjectId", Value: "enr-1"}}

	handler.Get(c)

	require.Equal(t, http.StatusOK, rec.Code)
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "high", envelope.Data["risk_level"])
	assert.Equal(t, true, envelope.Meta["cache_hit"])
	assert.Equal(t, "ENROLLMENT", srv.lastQuery.SubjectType)
	assert.Equal(t, "2w", srv.lastQuery.Period)
	assert.True(t, srv.lastQuery.Refresh)
}

func TestRiskHandlerGetErrors(t *testing.T) {
	handler := NewRiskHandler(&fakeRiskSrv{}, &fakeBatchSrv{}, fakeSnapshot{}, nil)
	c, rec := newRiskContext(http.MethodGet, "/risk/subjects/group/class-1?refresh=maybe", nil)
	c.Params = gin.Params{{Key: "subjectType", Value: "group"}, {Key: "subjectId", Value: "class-1"}}
	handler.Get(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing := &fakeRiskSrv{err: appErrors.Clone(appErrors.ErrSubjectNotFound, "no such enrollment")}
	handler = NewRiskHandler(missing, &fakeBatchSrv{}, fakeSnapshot{}, nil)
	c, rec = newRiskContext(http.MethodGet, "/risk/subjects/enrollment/ghost", nil)
	c.Params = gin.Params{{Key: "subjectType", Value: "enrollment"}, {Key: "subjectId", Value: "ghost"}}
	handler.Get(c)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRiskHandlerRoster(t *testing.T) {
	srv := &fakeRiskSrv{roster: []models.AnalyticRecord{{SubjectID: "enr-1", RiskLevel: models.RiskCritical}}}
	handler := NewRiskHandler(srv, &fakeBatchSrv{}, fakeSnapshot{}, nil)

	c, rec := newRiskContext(http.MethodGet, "/risk/roster?min_level=CRITICAL&limit=5", nil)
	handler.Roster(c)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "critical", srv.lastRoster.MinLevel)
	assert.Equal(t, 5, srv.lastRoster.Limit)
	var envelope struct {
		Data       dto.RiskRosterResponse `json:"data"`
		Pagination models.Pagination      `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, 1, envelope.Data.Count)
	assert.Equal(t, 5, envelope.Pagination.PageSize)

	c, rec = newRiskContext(http.MethodGet, "/risk/roster?limit=lots", nil)
	handler.Roster(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRiskHandlerRecompute(t *testing.T) {
	batches := &fakeBatchSrv{job: &models.BatchJob{ID: "job-1", State: models.BatchJobQueued}}
	handler := NewRiskHandler(&fakeRiskSrv{}, batches, fakeSnapshot{}, nil)

	body, _ := json.Marshal(dto.RecomputeRequest{SubjectType: "group", AnalysisType: "risk_prediction", Period: "30d"})
	c, rec := newRiskContext(http.MethodPost, "/risk/batches", body)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	handler.Recompute(c)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "job-1", envelope.Data["job_id"])
	require.Len(t, batches.enqueued, 1)
	assert.Equal(t, models.SubjectGroup, batches.enqueued[0].SubjectType)
	assert.False(t, batches.enqueued[0].OnlyStale)
	assert.Equal(t, "admin-1", batches.enqueued[0].RequestedBy)
}

func TestRiskHandlerRecomputeRejectsInvalidInput(t *testing.T) {
	batches := &fakeBatchSrv{}
	handler := NewRiskHandler(&fakeRiskSrv{validateErr: appErrors.ErrValidation}, batches, fakeSnapshot{}, nil)

	c, rec := newRiskContext(http.MethodPost, "/risk/batches", []byte("{"))
	handler.Recompute(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, _ := json.Marshal(dto.RecomputeRequest{SubjectType: "SCHOOL"})
	c, rec = newRiskContext(http.MethodPost, "/risk/batches", body)
	handler.Recompute(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, batches.enqueued)
}

func TestRiskHandlerRecomputeQueueUnavailable(t *testing.T) {
	batches := &fakeBatchSrv{err: appErrors.Clone(appErrors.ErrServiceUnavailable, "batch queue is not running")}
	handler := NewRiskHandler(&fakeRiskSrv{}, batches, fakeSnapshot{}, nil)

	body, _ := json.Marshal(dto.RecomputeRequest{SubjectType: "ENROLLMENT", AnalysisType: "progress", Period: "1y"})
	c, rec := newRiskContext(http.MethodPost, "/risk/batches", body)
	handler.Recompute(c)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRiskHandlerBatchStatus(t *testing.T) {
	batches := &fakeBatchSrv{job: &models.BatchJob{ID: "job-1", State: models.BatchJobFinished}}
	handler := NewRiskHandler(&fakeRiskSrv{}, batches, fakeSnapshot{}, nil)

	c, rec := newRiskContext(http.MethodGet, "/risk/batches/job-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "job-1"}}
	handler.BatchStatus(c)
	require.Equal(t, http.StatusOK, rec.Code)
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "FINISHED", envelope.Data["state"])

	c, rec = newRiskContext(http.MethodGet, "/risk/batches/nope", nil)
	c.Params = gin.Params{{Key: "id", Value: "nope"}}
	handler.BatchStatus(c)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRiskHandlerSystem(t *testing.T) {
	handler := NewRiskHandler(&fakeRiskSrv{}, &fakeBatchSrv{}, fakeSnapshot{}, fakeQueueStats{})

	c, rec := newRiskContext(http.MethodGet, "/risk/system", nil)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	handler.System(c)

	require.Equal(t, http.StatusOK, rec.Code)
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	metrics, ok := envelope.Data["metrics"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(7), metrics["risk_computations"])
	queue, ok := envelope.Data["queue"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), queue["pending"])
}

type responseEnvelope struct {
	Data map[string]interface{} `json:"data"`
	Meta map[string]interface{} `json:"meta"`
}
