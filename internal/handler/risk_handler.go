package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-risk-analytics/internal/dto"
	"github.com/noah-isme/sma-risk-analytics/internal/middleware"
	"github.com/noah-isme/sma-risk-analytics/internal/models"
	"github.com/noah-isme/sma-risk-analytics/internal/service"
	appErrors "github.com/noah-isme/sma-risk-analytics/pkg/errors"
	"github.com/noah-isme/sma-risk-analytics/pkg/jobs"
	"github.com/noah-isme/sma-risk-analytics/pkg/response"
)

const defaultRosterLimit = 100

type riskReader interface {
	Validate(req interface{}) error
	Get(ctx context.Context, query dto.RiskQuery) (*models.AnalyticRecord, bool, error)
	Roster(ctx context.Context, query dto.RosterQuery) ([]models.AnalyticRecord, error)
}

type batchScheduler interface {
	Enqueue(req service.BatchRequest) (*models.BatchJob, error)
	Status(id string) (*models.BatchJob, error)
}

type metricsSnapshotter interface {
	Snapshot() models.AnalyticsSystemMetrics
}

type queueStats interface {
	Stats() jobs.Stats
}

// RiskHandler exposes the risk analytics endpoints.
type RiskHandler struct {
	risk    riskReader
	batches batchScheduler
	metrics metricsSnapshotter
	queue   queueStats
}

// NewRiskHandler constructs the handler. queue may be nil.
func NewRiskHandler(risk riskReader, batches batchScheduler, metrics metricsSnapshotter, queue queueStats) *RiskHandler {
	return &RiskHandler{risk: risk, batches: batches, metrics: metrics, queue: queue}
}

// Get godoc
// @Summary Risk record of one subject
// @Tags Risk
// @Produce json
// @Param subjectType path string true "ENROLLMENT or GROUP"
// @Param subjectId path string true "Enrollment or class ID"
// @Param analysis_type query string false "risk_prediction, progress, performance or attendance"
// @Param period query string false "Lookback window such as 30d, 2w, 3m, 1y"
// @Param refresh query bool false "Recompute before answering"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /risk/subjects/{subjectType}/{subjectId} [get]
func (h *RiskHandler) Get(c *gin.Context) {
	query := dto.RiskQuery{
		SubjectType:  strings.ToUpper(c.Param("subjectType")),
		SubjectID:    c.Param("subjectId"),
		AnalysisType: c.Query("analysis_type"),
		Period:       c.Query("period"),
	}
	if raw := c.Query("refresh"); raw != "" {
		refresh, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid refresh parameter"))
			return
		}
		query.Refresh = refresh
	}

	start := time.Now()
	record, cacheHit, err := h.risk.Get(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, record, nil, processingMeta(c, start))
}

// Roster godoc
// @Summary Subjects at or above a risk level
// @Tags Risk
// @Produce json
// @Param subject_type query string false "ENROLLMENT or GROUP"
// @Param analysis_type query string false "Analysis type"
// @Param period query string false "Lookback window"
// @Param min_level query string false "none, low, medium, high or critical (default high)"
// @Param limit query int false "Maximum rows (default 100)"
// @Success 200 {object} response.Envelope
// @Router /risk/roster [get]
func (h *RiskHandler) Roster(c *gin.Context) {
	query := dto.RosterQuery{
		SubjectType:  strings.ToUpper(c.Query("subject_type")),
		AnalysisType: c.Query("analysis_type"),
		Period:       c.Query("period"),
		MinLevel:     strings.ToLower(c.Query("min_level")),
	}
	limit := defaultRosterLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid limit parameter"))
			return
		}
		query.Limit = parsed
		limit = parsed
	}

	start := time.Now()
	items, err := h.risk.Roster(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, false)
	pagination := &models.Pagination{Page: 1, PageSize: limit, TotalCount: len(items)}
	response.JSON(c, http.StatusOK, dto.RiskRosterResponse{Items: items, Count: len(items)}, pagination, processingMeta(c, start))
}

// Recompute godoc
// @Summary Queue a recompute of every active subject
// @Tags Risk
// @Accept json
// @Produce json
// @Param payload body dto.RecomputeRequest true "Batch selection"
// @Success 202 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /risk/batches [post]
func (h *RiskHandler) Recompute(c *gin.Context) {
	var req dto.RecomputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request body"))
		return
	}
	req.SubjectType = strings.ToUpper(req.SubjectType)
	if err := h.risk.Validate(req); err != nil {
		response.Error(c, err)
		return
	}
	batch := service.BatchRequest{
		SubjectType:  models.SubjectType(req.SubjectType),
		AnalysisType: models.AnalysisType(req.AnalysisType),
		Period:       req.Period,
		TermID:       req.TermID,
	}
	if claims := claimsFromContext(c); claims != nil {
		batch.RequestedBy = claims.UserID
	}
	job, err := h.batches.Enqueue(batch)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, dto.RecomputeResponse{JobID: job.ID, State: job.State}, nil)
}

// BatchStatus godoc
// @Summary Status of a queued recompute
// @Tags Risk
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /risk/batches/{id} [get]
func (h *RiskHandler) BatchStatus(c *gin.Context) {
	job, err := h.batches.Status(c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, job, nil)
}

// System godoc
// @Summary Instrumentation snapshot
// @Tags Risk
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /risk/system [get]
func (h *RiskHandler) System(c *gin.Context) {
	if h.metrics == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	start := time.Now()
	data := gin.H{"metrics": h.metrics.Snapshot()}
	if h.queue != nil {
		data["queue"] = h.queue.Stats()
	}
	middleware.SetCacheHit(c, false)
	response.JSON(c, http.StatusOK, data, nil, processingMeta(c, start))
}

func processingMeta(c *gin.Context, start time.Time) map[string]interface{} {
	meta := middleware.ExtractMeta(c)
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["processing_time_ms"] = time.Since(start).Milliseconds()
	return meta
}
