package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-risk-analytics/internal/dto"
	"github.com/noah-isme/sma-risk-analytics/internal/models"
	"github.com/noah-isme/sma-risk-analytics/internal/scoring"
	appErrors "github.com/noah-isme/sma-risk-analytics/pkg/errors"
)

type metricAggregator interface {
	Aggregate(ctx context.Context, subject models.Subject, period string) (models.RawAggregates, error)
}

// RiskServiceConfig carries request defaults and the staleness window.
type RiskServiceConfig struct {
	DefaultPeriod   string
	StalenessWindow time.Duration
}

// RiskService runs the scoring pipeline for single subjects.
type RiskService struct {
	engine     *scoring.Engine
	aggregator metricAggregator
	store      *RecordStore
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	cfg        RiskServiceConfig
	now        func() time.Time
}

// NewRiskService constructs the service.
func NewRiskService(engine *scoring.Engine, aggregator metricAggregator, store *RecordStore, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg RiskServiceConfig) *RiskService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultPeriod == "" {
		cfg.DefaultPeriod = "30d"
	}
	registerRiskValidations(validate)
	return &RiskService{
		engine:     engine,
		aggregator: aggregator,
		store:      store,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

func registerRiskValidations(validate *validator.Validate) {
	_ = validate.RegisterValidation("subject_type", func(fl validator.FieldLevel) bool {
		return models.SubjectType(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("analysis_type", func(fl validator.FieldLevel) bool {
		return models.AnalysisType(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("period", func(fl validator.FieldLevel) bool {
		_, err := models.ParsePeriod(fl.Field().String())
		return err == nil
	})
}

// Validate checks a request DTO against the registered rules.
func (s *RiskService) Validate(req interface{}) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request")
	}
	return nil
}

// Get serves the stored record when it is fresh and recomputes it otherwise. The
// boolean reports a cache hit.
func (s *RiskService) Get(ctx context.Context, query dto.RiskQuery) (*models.AnalyticRecord, bool, error) {
	if err := s.Validate(query); err != nil {
		return nil, false, err
	}
	subject := models.Subject{Type: models.SubjectType(query.SubjectType), ID: query.SubjectID}
	analysisType, period := s.defaults(query.AnalysisType, query.Period)

	if query.Refresh {
		record, err := s.Recompute(ctx, subject, analysisType, period)
		return record, false, err
	}

	key := models.NewRecordKey(subject, analysisType, period)
	record, found, cacheHit, err := s.store.Lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !stale(record, found, s.cfg.StalenessWindow, s.now()) {
		return record, cacheHit, nil
	}
	record, err = s.recompute(ctx, subject, analysisType, period, record)
	return record, false, err
}

// Recompute runs the pipeline and replaces the stored record.
func (s *RiskService) Recompute(ctx context.Context, subject models.Subject, analysisType models.AnalysisType, period string) (*models.AnalyticRecord, error) {
	previous, _, err := s.store.Get(ctx, models.NewRecordKey(subject, analysisType, period))
	if err != nil {
		return nil, err
	}
	return s.recompute(ctx, subject, analysisType, period, previous)
}

func (s *RiskService) recompute(ctx context.Context, subject models.Subject, analysisType models.AnalysisType, period string, previous *models.AnalyticRecord) (*models.AnalyticRecord, error) {
	record, err := s.compute(ctx, subject, analysisType, period, previous)
	if err != nil {
		return nil, err
	}
	if err := s.store.Upsert(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Compute runs the pipeline without persisting. Trends compare against the stored record, if any.
func (s *RiskService) Compute(ctx context.Context, subject models.Subject, analysisType models.AnalysisType, period string) (*models.AnalyticRecord, error) {
	previous, _, err := s.store.Get(ctx, models.NewRecordKey(subject, analysisType, period))
	if err != nil {
		return nil, err
	}
	return s.compute(ctx, subject, analysisType, period, previous)
}

func (s *RiskService) compute(ctx context.Context, subject models.Subject, analysisType models.AnalysisType, period string, previous *models.AnalyticRecord) (record *models.AnalyticRecord, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveRiskComputation(string(analysisType), err, time.Since(start))
	}()

	if !subject.Type.Valid() {
		return nil, appErrors.Clone(appErrors.ErrUnknownSubjectType, fmt.Sprintf("unknown subject type %q", subject.Type))
	}
	if subject.ID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject id is required")
	}
	if !analysisType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown analysis type %q", analysisType))
	}
	if _, err := models.ParsePeriod(period); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid period")
	}

	raw, err := s.aggregator.Aggregate(ctx, subject, period)
	if err != nil {
		return nil, err
	}
	result, err := s.engine.Evaluate(analysisType, raw)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPipeline.Code, appErrors.ErrPipeline.Status, "risk evaluation failed")
	}
	if len(result.DegradedDimensions) > 0 {
		s.logger.Sugar().Debugw("risk computed with neutral dimensions", "subject", subject.String(), "analysis_type", analysisType, "degraded", result.DegradedDimensions)
	}

	now := s.now().UTC()
	return &models.AnalyticRecord{
		SubjectType:        subject.Type,
		SubjectID:          subject.ID,
		AnalysisType:       analysisType,
		Period:             period,
		Score:              result.Score,
		Rate:               result.Rate,
		RiskLevel:          result.RiskLevel,
		TotalEvents:        result.TotalEvents,
		CompletedEvents:    result.CompletedEvents,
		ComponentScores:    result.ComponentScores,
		DegradedDimensions: result.DegradedDimensions,
		Triggers:           result.Triggers,
		Recommendations:    result.Recommendations,
		Trends:             trends(previous, result, s.healthOriented(analysisType)),
		Patterns:           result.Patterns,
		Comparisons:        result.Comparisons,
		CalculatedAt:       now,
	}, nil
}

// Roster lists stored records at or above a risk level.
func (s *RiskService) Roster(ctx context.Context, query dto.RosterQuery) ([]models.AnalyticRecord, error) {
	if err := s.Validate(query); err != nil {
		return nil, err
	}
	analysisType, period := s.defaults(query.AnalysisType, query.Period)
	minLevel := models.RiskHigh
	if query.MinLevel != "" {
		level, err := models.ParseRiskLevel(query.MinLevel)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid min_level")
		}
		minLevel = level
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByRisk(ctx, models.AnalyticRecordFilter{
		SubjectType:  models.SubjectType(query.SubjectType),
		AnalysisType: analysisType,
		Period:       period,
		MinLevel:     minLevel,
		Limit:        limit,
	})
}

func (s *RiskService) defaults(analysisType, period string) (models.AnalysisType, string) {
	at := models.AnalysisType(analysisType)
	if at == "" {
		at = models.AnalysisRiskPrediction
	}
	if period == "" {
		period = s.cfg.DefaultPeriod
	}
	return at, period
}

// healthOriented reports whether a rising score lowers the risk level of the analysis type.
func (s *RiskService) healthOriented(analysisType models.AnalysisType) bool {
	classifier, ok := s.engine.Classifier(analysisType)
	return ok && classifier.Bands().Inverted
}

// trends compares a fresh result with the record it replaces. The direction follows
// the risk level: a change that raises risk is worsening.
func trends(previous *models.AnalyticRecord, result *scoring.Result, healthOriented bool) map[string]interface{} {
	if previous == nil {
		return map[string]interface{}{"direction": "new"}
	}
	delta := math.Round((result.Score-previous.Score)*100) / 100
	direction := "stable"
	if delta != 0 {
		direction = "worsening"
		if (delta > 0) == healthOriented {
			direction = "improving"
		}
	}
	return map[string]interface{}{
		"direction":              direction,
		"score_delta":            delta,
		"previous_score":         previous.Score,
		"previous_risk_level":    previous.RiskLevel.String(),
		"previous_calculated_at": previous.CalculatedAt.UTC().Format(time.RFC3339),
	}
}
