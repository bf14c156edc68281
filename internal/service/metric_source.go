package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
	appErrors "github.com/noah-isme/sma-risk-analytics/pkg/errors"
)

// MetricSource supplies raw per-dimension inputs for one subject kind.
type MetricSource interface {
	Exists(ctx context.Context, id string) (bool, error)
	Academic(ctx context.Context, id string, window models.Window) (*models.AcademicAggregate, error)
	Attendance(ctx context.Context, id string, window models.Window) (*models.AttendanceAggregate, error)
	Financial(ctx context.Context, id string, window models.Window) (*models.FinancialAggregate, error)
	Engagement(ctx context.Context, id string, window models.Window) (*models.EngagementAggregate, error)
	Behavioral(ctx context.Context, id string, window models.Window) (*models.BehavioralAggregate, error)
}

// MetricAggregator resolves the source for a subject kind and collects every dimension.
type MetricAggregator struct {
	sources map[models.SubjectType]MetricSource
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewMetricAggregator constructs the aggregator.
func NewMetricAggregator(sources map[models.SubjectType]MetricSource, metrics *MetricsService, logger *zap.Logger) *MetricAggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricAggregator{sources: sources, metrics: metrics, logger: logger, now: time.Now}
}

// Aggregate fetches the raw aggregates of subject over the rolling period. A failing
// dimension is left absent so it scores neutral; the call fails only when every
// dimension fails or ctx expires.
func (a *MetricAggregator) Aggregate(ctx context.Context, subject models.Subject, period string) (models.RawAggregates, error) {
	var raw models.RawAggregates
	source, ok := a.sources[subject.Type]
	if !ok {
		return raw, appErrors.Clone(appErrors.ErrUnknownSubjectType, fmt.Sprintf("unknown subject type %q", subject.Type))
	}
	window, err := models.WindowFor(period, a.now().UTC())
	if err != nil {
		return raw, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid period")
	}

	exists, err := source.Exists(ctx, subject.ID)
	if err != nil {
		return raw, appErrors.Wrap(err, appErrors.ErrPipeline.Code, appErrors.ErrPipeline.Status, "resolve subject")
	}
	if !exists {
		return raw, appErrors.Clone(appErrors.ErrSubjectNotFound, fmt.Sprintf("subject %s not found", subject))
	}

	fetchers := map[models.Dimension]func(context.Context) error{
		models.DimensionAcademic: func(ctx context.Context) (err error) {
			raw.Academic, err = source.Academic(ctx, subject.ID, window)
			return err
		},
		models.DimensionAttendance: func(ctx context.Context) (err error) {
			raw.Attendance, err = source.Attendance(ctx, subject.ID, window)
			return err
		},
		models.DimensionFinancial: func(ctx context.Context) (err error) {
			raw.Financial, err = source.Financial(ctx, subject.ID, window)
			return err
		},
		models.DimensionEngagement: func(ctx context.Context) (err error) {
			raw.Engagement, err = source.Engagement(ctx, subject.ID, window)
			return err
		},
		models.DimensionBehavioral: func(ctx context.Context) (err error) {
			raw.Behavioral, err = source.Behavioral(ctx, subject.ID, window)
			return err
		},
	}

	var (
		mu       sync.Mutex
		failures = make(map[models.Dimension]error)
		g        errgroup.Group
	)
	for _, dim := range models.Dimensions {
		dim, fetch := dim, fetchers[dim]
		g.Go(func() error {
			start := time.Now()
			err := fetch(ctx)
			a.metrics.ObserveDBQuery("metrics_"+string(dim), time.Since(start))
			if err != nil {
				mu.Lock()
				failures[dim] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return models.RawAggregates{}, appErrors.Wrap(err, appErrors.ErrPipeline.Code, appErrors.ErrPipeline.Status, "metric aggregation interrupted")
	}
	if len(failures) == len(models.Dimensions) {
		return models.RawAggregates{}, appErrors.Wrap(failures[models.DimensionAcademic], appErrors.ErrPipeline.Code, appErrors.ErrPipeline.Status, "all metric dimensions unavailable")
	}
	for _, dim := range models.Dimensions {
		if err, failed := failures[dim]; failed {
			clearDimension(&raw, dim)
			a.logger.Sugar().Warnw("metric dimension unavailable, scoring neutral", "subject", subject.String(), "dimension", dim, "error", err)
		}
	}
	return raw, nil
}

func clearDimension(raw *models.RawAggregates, dim models.Dimension) {
	switch dim {
	case models.DimensionAcademic:
		raw.Academic = nil
	case models.DimensionAttendance:
		raw.Attendance = nil
	case models.DimensionFinancial:
		raw.Financial = nil
	case models.DimensionEngagement:
		raw.Engagement = nil
	case models.DimensionBehavioral:
		raw.Behavioral = nil
	}
}

// BreakerSourceConfig tunes the circuit breaker around a metric source.
type BreakerSourceConfig struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
}

// BreakerSource short-circuits calls to a metric source after consecutive failures.
type BreakerSource struct {
	next MetricSource
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerSource wraps next with a breaker reporting its state to metrics.
func NewBreakerSource(next MetricSource, cfg BreakerSourceConfig, metrics *MetricsService, logger *zap.Logger) *BreakerSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	metrics.SetBreakerState(cfg.Name, int(gobreaker.StateClosed))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("metric source breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.SetBreakerState(name, int(to))
		},
	})
	return &BreakerSource{next: next, cb: cb}
}

// State reports the current breaker state.
func (b *BreakerSource) State() gobreaker.State {
	return b.cb.State()
}

func execute[T any](b *BreakerSource, fn func() (T, error)) (T, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn()
		return v, err
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, appErrors.Wrap(err, appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status, "metric source unavailable")
		}
		return zero, err
	}
	return out.(T), nil
}

// Exists implements MetricSource.
func (b *BreakerSource) Exists(ctx context.Context, id string) (bool, error) {
	return execute(b, func() (bool, error) { return b.next.Exists(ctx, id) })
}

// Academic implements MetricSource.
func (b *BreakerSource) Academic(ctx context.Context, id string, window models.Window) (*models.AcademicAggregate, error) {
	return execute(b, func() (*models.AcademicAggregate, error) { return b.next.Academic(ctx, id, window) })
}

// Attendance implements MetricSource.
func (b *BreakerSource) Attendance(ctx context.Context, id string, window models.Window) (*models.AttendanceAggregate, error) {
	return execute(b, func() (*models.AttendanceAggregate, error) { return b.next.Attendance(ctx, id, window) })
}

// Financial implements MetricSource.
func (b *BreakerSource) Financial(ctx context.Context, id string, window models.Window) (*models.FinancialAggregate, error) {
	return execute(b, func() (*models.FinancialAggregate, error) { return b.next.Financial(ctx, id, window) })
}

// Engagement implements MetricSource.
func (b *BreakerSource) Engagement(ctx context.Context, id string, window models.Window) (*models.EngagementAggregate, error) {
	return execute(b, func() (*models.EngagementAggregate, error) { return b.next.Engagement(ctx, id, window) })
}

// Behavioral implements MetricSource.
func (b *BreakerSource) Behavioral(ctx context.Context, id string, window models.Window) (*models.BehavioralAggregate, error) {
	return execute(b, func() (*models.BehavioralAggregate, error) { return b.next.Behavioral(ctx, id, window) })
}
