package scoring

import (
	"sort"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
)

// Trigger identifiers surfaced to callers.
const (
	TriggerLowAcademic       = "low_academic_performance"
	TriggerFailedAssessments = "multiple_failed_assessments"
	TriggerLowAttendance     = "low_attendance"
	TriggerAbsenceStreak     = "consecutive_absences"
	TriggerPaymentIrregular  = "payment_irregularity"
	TriggerOverduePayment    = "overdue_payment"
	TriggerLowEngagement     = "low_engagement"
	TriggerInactivity        = "platform_inactivity"
	TriggerBehavioral        = "behavioral_concerns"
)

type guard func(score float64, raw models.RawAggregates, cfg Config) bool

type rule struct {
	dimension      models.Dimension
	trigger        string
	recommendation string
	fires          guard
}

// rules are listed in dimension order; the stable sort keeps this order for ties.
var rules = []rule{
	{
		dimension:      models.DimensionAcademic,
		trigger:        TriggerLowAcademic,
		recommendation: "Schedule remedial tutoring for the weakest subjects",
		fires: func(score float64, _ models.RawAggregates, cfg Config) bool {
			return score < cfg.Guards.AcademicBelow
		},
	},
	{
		dimension:      models.DimensionAcademic,
		trigger:        TriggerFailedAssessments,
		recommendation: "Review failed assessments with the homeroom teacher and plan retakes",
		fires: func(_ float64, raw models.RawAggregates, cfg Config) bool {
			a := raw.Academic
			if a == nil || len(a.Grades) == 0 {
				return false
			}
			failed := len(a.Grades) - a.Passed()
			return float64(failed)/float64(len(a.Grades)) > cfg.Guards.FailedRatioAbove
		},
	},
	{
		dimension:      models.DimensionAttendance,
		trigger:        TriggerLowAttendance,
		recommendation: "Contact the student's guardian about attendance",
		fires: func(score float64, _ models.RawAggregates, cfg Config) bool {
			return score < cfg.Guards.AttendanceBelow
		},
	},
	{
		dimension:      models.DimensionAttendance,
		trigger:        TriggerAbsenceStreak,
		recommendation: "Arrange a counselling session after consecutive absences",
		fires: func(_ float64, raw models.RawAggregates, cfg Config) bool {
			return raw.Attendance != nil && raw.Attendance.LongestAbsenceStreak > cfg.AbsenceStreakThreshold
		},
	},
	{
		dimension:      models.DimensionFinancial,
		trigger:        TriggerPaymentIrregular,
		recommendation: "Offer a tuition payment plan",
		fires: func(score float64, _ models.RawAggregates, cfg Config) bool {
			return score < cfg.Guards.FinancialBelow
		},
	},
	{
		dimension:      models.DimensionFinancial,
		trigger:        TriggerOverduePayment,
		recommendation: "Send an overdue payment reminder to the guardian",
		fires: func(_ float64, raw models.RawAggregates, cfg Config) bool {
			f := raw.Financial
			if f == nil || f.TotalDue <= 0 {
				return false
			}
			return f.DaysSinceLastPayment == nil || *f.DaysSinceLastPayment > cfg.Guards.OverduePaymentDays
		},
	},
	{
		dimension:      models.DimensionEngagement,
		trigger:        TriggerLowEngagement,
		recommendation: "Assign a mentor to follow up on learning platform usage",
		fires: func(score float64, _ models.RawAggregates, cfg Config) bool {
			return score < cfg.Guards.EngagementBelow
		},
	},
	{
		dimension:      models.DimensionEngagement,
		trigger:        TriggerInactivity,
		recommendation: "Reach out about inactivity on the learning platform",
		fires: func(_ float64, raw models.RawAggregates, cfg Config) bool {
			e := raw.Engagement
			if e == nil {
				return false
			}
			return e.DaysSinceLastActivity == nil || *e.DaysSinceLastActivity > cfg.EngagementStaleDays
		},
	},
	{
		dimension:      models.DimensionBehavioral,
		trigger:        TriggerBehavioral,
		recommendation: "Refer the student to the guidance counsellor",
		fires: func(score float64, _ models.RawAggregates, cfg Config) bool {
			return score < cfg.Guards.BehavioralBelow
		},
	},
}

// Generator emits triggers and paired recommendations from component scores.
type Generator struct {
	cfg Config
}

// NewGenerator returns a trigger generator for a validated configuration.
func NewGenerator(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Generator{cfg: cfg}, nil
}

type firedRule struct {
	rule     rule
	severity float64
	dimIndex int
}

// Generate returns triggers ordered by descending severity, the dimension's weighted
// deficit weight·(100-score). Ties keep dimension order, then rule order.
func (g *Generator) Generate(scores map[models.Dimension]float64, raw models.RawAggregates) ([]string, []string) {
	var fired []firedRule
	for _, r := range rules {
		score, ok := scores[r.dimension]
		if !ok {
			continue
		}
		if !r.fires(score, raw, g.cfg) {
			continue
		}
		fired = append(fired, firedRule{
			rule:     r,
			severity: g.cfg.Weights[r.dimension] * (100 - score),
			dimIndex: r.dimension.Index(),
		})
	}

	sort.SliceStable(fired, func(i, j int) bool {
		if fired[i].severity != fired[j].severity {
			return fired[i].severity > fired[j].severity
		}
		return fired[i].dimIndex < fired[j].dimIndex
	})

	triggers := make([]string, 0, len(fired))
	recommendations := make([]string, 0, len(fired))
	for _, f := range fired {
		triggers = append(triggers, f.rule.trigger)
		recommendations = append(recommendations, f.rule.recommendation)
	}
	return triggers, recommendations
}
