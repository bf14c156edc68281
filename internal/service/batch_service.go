package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
	appErrors "github.com/noah-isme/sma-risk-analytics/pkg/errors"
	"github.com/noah-isme/sma-risk-analytics/pkg/jobs"
)

// JobTypeRiskRecompute identifies batch recompute jobs on the queue.
const JobTypeRiskRecompute = "risk_recompute"

type subjectSelector interface {
	Subjects(ctx context.Context, subjectType models.SubjectType, termID string) ([]string, error)
}

type subjectPipeline interface {
	Compute(ctx context.Context, subject models.Subject, analysisType models.AnalysisType, period string) (*models.AnalyticRecord, error)
}

type batchRecordStore interface {
	Upsert(ctx context.Context, record *models.AnalyticRecord) error
	NeedsRecompute(ctx context.Context, key models.RecordKey, window time.Duration, force bool) (bool, error)
}

// BatchRequest selects what a recompute-all run covers.
type BatchRequest struct {
	SubjectType  models.SubjectType
	AnalysisType models.AnalysisType
	Period       string
	TermID       string
	// OnlyStale leaves records younger than the staleness window untouched.
	OnlyStale   bool
	RequestedBy string
}

// BatchServiceConfig tunes the worker pool and scheduling.
type BatchServiceConfig struct {
	Workers          int
	SubjectTimeout   time.Duration
	StalenessWindow  time.Duration
	ScheduleInterval time.Duration
	ScheduledTypes   []models.AnalysisType
	ScheduledPeriods []string
	TermID           string
	RetainJobs       int
}

// BatchService recomputes every eligible subject with a bounded worker pool.
type BatchService struct {
	selector subjectSelector
	pipeline subjectPipeline
	store    batchRecordStore
	queue    jobDispatcher
	metrics  *MetricsService
	logger   *zap.Logger
	cfg      BatchServiceConfig

	mu       sync.RWMutex
	jobs     map[string]*models.BatchJob
	jobOrder []string
	now      func() time.Time
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// NewBatchService constructs the orchestrator. queue may be nil when only RecomputeAll is used.
func NewBatchService(selector subjectSelector, pipeline subjectPipeline, store batchRecordStore, metrics *MetricsService, logger *zap.Logger, cfg BatchServiceConfig) *BatchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SubjectTimeout <= 0 {
		cfg.SubjectTimeout = 30 * time.Second
	}
	if cfg.RetainJobs <= 0 {
		cfg.RetainJobs = 100
	}
	return &BatchService{
		selector: selector,
		pipeline: pipeline,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		jobs:     make(map[string]*models.BatchJob),
		now:      time.Now,
	}
}

// SetQueue attaches the dispatcher used by Enqueue. The queue's handler is Handle and
// its exhaustion hook is Abandon.
func (s *BatchService) SetQueue(queue jobDispatcher) {
	s.queue = queue
}

func validateBatchRequest(req BatchRequest) error {
	if !req.SubjectType.Valid() {
		return appErrors.Clone(appErrors.ErrUnknownSubjectType, fmt.Sprintf("unknown subject type %q", req.SubjectType))
	}
	if !req.AnalysisType.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown analysis type %q", req.AnalysisType))
	}
	if _, err := models.ParsePeriod(req.Period); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid period")
	}
	return nil
}

// RecomputeAll runs the pipeline for every selected subject. Per-subject failures are
// collected into the result and never abort the run. Cancelling ctx stops new
// subjects from starting; subjects already running finish under their own timeout.
func (s *BatchService) RecomputeAll(ctx context.Context, req BatchRequest) (models.BatchResult, error) {
	result := models.BatchResult{
		SubjectType:  req.SubjectType,
		AnalysisType: req.AnalysisType,
		Period:       req.Period,
		Failures:     []models.BatchFailure{},
		StartedAt:    s.now().UTC(),
	}
	if err := validateBatchRequest(req); err != nil {
		return result, err
	}
	ids, err := s.selector.Subjects(ctx, req.SubjectType, req.TermID)
	if err != nil {
		return result, appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to select subjects")
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)
	// in-flight subjects must not observe the caller's cancellation
	base := context.WithoutCancel(ctx)

	record := func(id string, skipped bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Attempted++
		switch {
		case err != nil:
			result.Failed++
			result.Failures = append(result.Failures, models.BatchFailure{SubjectID: id, Error: err.Error()})
		case skipped:
			result.Succeeded++
			result.Skipped++
		default:
			result.Succeeded++
		}
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			skipped, err := s.recomputeSubject(base, models.Subject{Type: req.SubjectType, ID: id}, req)
			record(id, skipped, err)
			if err != nil {
				s.logger.Sugar().Warnw("subject recompute failed", "subject_type", req.SubjectType, "subject_id", id, "analysis_type", req.AnalysisType, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Cancelled = ctx.Err() != nil
	result.FinishedAt = s.now().UTC()
	sort.Slice(result.Failures, func(i, j int) bool {
		return result.Failures[i].SubjectID < result.Failures[j].SubjectID
	})
	s.metrics.ObserveBatch(result)
	s.logger.Sugar().Infow("risk batch finished",
		"subject_type", req.SubjectType,
		"analysis_type", req.AnalysisType,
		"period", req.Period,
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"cancelled", result.Cancelled,
	)
	return result, nil
}

// recomputeSubject is the per-subject isolation boundary: it applies the timeout,
// turns panics into errors and only upserts after a complete computation.
func (s *BatchService) recomputeSubject(base context.Context, subject models.Subject, req BatchRequest) (skipped bool, err error) {
	ctx, cancel := context.WithTimeout(base, s.cfg.SubjectTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			skipped = false
			err = appErrors.Clone(appErrors.ErrPipeline, fmt.Sprintf("panic while scoring %s: %v", subject, r))
		}
	}()

	key := models.NewRecordKey(subject, req.AnalysisType, req.Period)
	if req.OnlyStale {
		needed, err := s.store.NeedsRecompute(ctx, key, s.cfg.StalenessWindow, false)
		if err != nil {
			return false, err
		}
		if !needed {
			return true, nil
		}
	}

	record, err := s.pipeline.Compute(ctx, subject, req.AnalysisType, req.Period)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrPipeline.Code, appErrors.ErrPipeline.Status, "subject timed out")
	}
	return false, s.store.Upsert(ctx, record)
}

// Enqueue registers an asynchronous batch and hands it to the queue.
func (s *BatchService) Enqueue(req BatchRequest) (*models.BatchJob, error) {
	if err := validateBatchRequest(req); err != nil {
		return nil, err
	}
	if s.queue == nil {
		return nil, appErrors.Clone(appErrors.ErrServiceUnavailable, "batch queue is not running")
	}
	now := s.now().UTC()
	job := &models.BatchJob{
		ID:           uuid.NewString(),
		SubjectType:  req.SubjectType,
		AnalysisType: req.AnalysisType,
		Period:       req.Period,
		TermID:       req.TermID,
		RequestedBy:  req.RequestedBy,
		State:        models.BatchJobQueued,
		EnqueuedAt:   now,
		UpdatedAt:    now,
	}
	s.saveJob(job)
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: JobTypeRiskRecompute, Payload: req}); err != nil {
		s.updateJob(job.ID, func(j *models.BatchJob) {
			j.State = models.BatchJobFailed
			j.Error = err.Error()
		})
		return nil, appErrors.Wrap(err, appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status, "failed to enqueue batch")
	}
	return s.snapshotJob(job.ID), nil
}

// Handle processes a queued batch. It returns an error only when the batch could not
// start, so the queue retries it; the job stays QUEUED until Abandon marks it failed.
func (s *BatchService) Handle(ctx context.Context, job jobs.Job) error {
	req, ok := job.Payload.(BatchRequest)
	if !ok {
		s.logger.Sugar().Errorw("unexpected batch payload", "job_id", job.ID, "type", fmt.Sprintf("%T", job.Payload))
		return nil
	}
	s.updateJob(job.ID, func(j *models.BatchJob) {
		j.State = models.BatchJobRunning
	})

	result, err := s.RecomputeAll(ctx, req)
	if err != nil {
		s.updateJob(job.ID, func(j *models.BatchJob) {
			j.Error = err.Error()
			j.State = models.BatchJobQueued
		})
		return err
	}
	result.JobID = job.ID
	s.updateJob(job.ID, func(j *models.BatchJob) {
		j.State = models.BatchJobFinished
		j.Error = ""
		j.Result = &result
	})
	return nil
}

// Abandon marks a batch the queue gave up on as failed.
func (s *BatchService) Abandon(job jobs.Job, err error) {
	s.updateJob(job.ID, func(j *models.BatchJob) {
		j.State = models.BatchJobFailed
		if err != nil {
			j.Error = err.Error()
		}
	})
	s.logger.Sugar().Errorw("risk batch abandoned", "job_id", job.ID, "attempts", job.Attempt, "error", err)
}

// Status returns a copy of the tracked batch job.
func (s *BatchService) Status(id string) (*models.BatchJob, error) {
	job := s.snapshotJob(id)
	if job == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "batch job not found")
	}
	return job, nil
}

// StartSchedule periodically enqueues every configured (analysis type, period) pair for
// both subject kinds until ctx is done.
func (s *BatchService) StartSchedule(ctx context.Context) {
	if s.cfg.ScheduleInterval <= 0 || len(s.cfg.ScheduledTypes) == 0 || len(s.cfg.ScheduledPeriods) == 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.ScheduleInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.enqueueScheduled()
			}
		}
	}()
}

func (s *BatchService) enqueueScheduled() {
	for _, subjectType := range []models.SubjectType{models.SubjectEnrollment, models.SubjectGroup} {
		for _, analysisType := range s.cfg.ScheduledTypes {
			for _, period := range s.cfg.ScheduledPeriods {
				req := BatchRequest{SubjectType: subjectType, AnalysisType: analysisType, Period: period, TermID: s.cfg.TermID, OnlyStale: true, RequestedBy: "scheduler"}
				if _, err := s.Enqueue(req); err != nil {
					s.logger.Sugar().Warnw("scheduled batch not enqueued", "subject_type", subjectType, "analysis_type", analysisType, "period", period, "error", err)
				}
			}
		}
	}
}

func (s *BatchService) saveJob(job *models.BatchJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	for len(s.jobOrder) > s.cfg.RetainJobs {
		delete(s.jobs, s.jobOrder[0])
		s.jobOrder = s.jobOrder[1:]
	}
}

func (s *BatchService) updateJob(id string, fn func(*models.BatchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = s.now().UTC()
}

func (s *BatchService) snapshotJob(id string) *models.BatchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	clone := *job
	if job.Result != nil {
		result := *job.Result
		result.Failures = append([]models.BatchFailure(nil), job.Result.Failures...)
		clone.Result = &result
	}
	return &clone
}
