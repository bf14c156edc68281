package scoring

import (
	"math"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
)

// Scorer converts raw aggregates for one dimension into a 0–100 sub-score.
type Scorer struct {
	cfg Config
}

// NewScorer validates the configuration and returns a scorer.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// ScoreDimension returns the dimension score. The boolean is true when the
// aggregator supplied no data and the neutral score was used instead.
func (s *Scorer) ScoreDimension(dim models.Dimension, raw models.RawAggregates) (float64, bool) {
	if !raw.Present(dim) {
		return s.cfg.NeutralScore, true
	}
	var score float64
	switch dim {
	case models.DimensionAcademic:
		score = s.academic(raw.Academic)
	case models.DimensionAttendance:
		score = s.attendance(raw.Attendance)
	case models.DimensionFinancial:
		score = s.financial(raw.Financial)
	case models.DimensionEngagement:
		score = s.engagement(raw.Engagement)
	case models.DimensionBehavioral:
		score = s.behavioral(raw.Behavioral)
	default:
		return s.cfg.NeutralScore, true
	}
	return Clamp(score), false
}

// ScoreAll scores every dimension and lists those that fell back to neutral for lack of data.
func (s *Scorer) ScoreAll(raw models.RawAggregates) (map[models.Dimension]float64, []models.Dimension) {
	scores := make(map[models.Dimension]float64, len(models.Dimensions))
	var degraded []models.Dimension
	for _, d := range models.Dimensions {
		score, missing := s.ScoreDimension(d, raw)
		scores[d] = score
		if missing {
			degraded = append(degraded, d)
		}
	}
	return scores, degraded
}

func (s *Scorer) academic(a *models.AcademicAggregate) float64 {
	if len(a.Grades) == 0 || a.Scale <= 0 {
		return s.cfg.NeutralScore
	}
	var sum float64
	for _, g := range a.Grades {
		sum += g
	}
	avg := Clamp(sum / float64(len(a.Grades)) / a.Scale * 100)
	passRatio := float64(a.Passed()) / float64(len(a.Grades)) * 100
	blend := s.cfg.AcademicPassBlend
	return (1-blend)*avg + blend*passRatio
}

func (s *Scorer) attendance(a *models.AttendanceAggregate) float64 {
	if a.TotalSessions <= 0 {
		return s.cfg.NeutralScore
	}
	attended := a.AttendedSessions
	if attended > a.TotalSessions {
		attended = a.TotalSessions
	}
	score := float64(attended) / float64(a.TotalSessions) * 100
	if excess := a.LongestAbsenceStreak - s.cfg.AbsenceStreakThreshold; excess > 0 {
		score -= float64(excess) * s.cfg.AbsencePenalty
	}
	return score
}

func (s *Scorer) financial(f *models.FinancialAggregate) float64 {
	if f.TotalDue <= 0 {
		return s.cfg.NeutralScore
	}
	onTime := f.PaidOnTime
	if onTime > f.TotalDue {
		onTime = f.TotalDue
	}
	regularity := float64(onTime) / float64(f.TotalDue) * 100
	return regularity * s.overdueFactor(f.DaysSinceLastPayment)
}

// overdueFactor is 1 inside the grace period and falls linearly to 0 at the overdue horizon.
func (s *Scorer) overdueFactor(days *int) float64 {
	if days == nil {
		return 0
	}
	grace := float64(s.cfg.PaymentGraceDays)
	horizon := float64(s.cfg.PaymentOverdueDays)
	d := float64(*days)
	switch {
	case d <= grace:
		return 1
	case d >= horizon:
		return 0
	default:
		return 1 - (d-grace)/(horizon-grace)
	}
}

func (s *Scorer) engagement(e *models.EngagementAggregate) float64 {
	if e.DaysSinceLastActivity == nil {
		return 0
	}
	days := math.Max(0, float64(*e.DaysSinceLastActivity))
	return 100 * (1 - days/float64(s.cfg.EngagementStaleDays))
}

func (s *Scorer) behavioral(b *models.BehavioralAggregate) float64 {
	signals := float64(b.NegativeSignals + 2*b.Escalations)
	return 100 - signals*s.cfg.BehaviorSignalPenalty
}

// Clamp bounds v to [0,100]; NaN collapses to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
