package models

// AcademicAggregate summarises grades recorded in the period.
type AcademicAggregate struct {
	Grades []float64
	// Scale is the maximum grade value (20 or 100).
	Scale          float64
	PassMark       float64
	AssessmentsDue int
}

// Passed counts grades at or above the pass mark.
func (a *AcademicAggregate) Passed() int {
	passed := 0
	for _, g := range a.Grades {
		if g >= a.PassMark {
			passed++
		}
	}
	return passed
}

// AttendanceAggregate summarises scheduled and attended sessions.
type AttendanceAggregate struct {
	TotalSessions        int
	AttendedSessions     int
	LongestAbsenceStreak int
}

// FinancialAggregate summarises tuition payments due in the period.
type FinancialAggregate struct {
	TotalDue   int
	PaidOnTime int
	// DaysSinceLastPayment is nil when no payment was ever recorded.
	DaysSinceLastPayment *int
}

// EngagementAggregate summarises platform activity recency.
type EngagementAggregate struct {
	// DaysSinceLastActivity is nil when the subject was never active.
	DaysSinceLastActivity *int
}

// BehavioralAggregate counts negative behaviour signals.
type BehavioralAggregate struct {
	NegativeSignals int
	Escalations     int
}

// RawAggregates bundles per-dimension inputs for one subject and period.
// A nil dimension means the aggregator could not supply it.
type RawAggregates struct {
	Academic   *AcademicAggregate
	Attendance *AttendanceAggregate
	Financial  *FinancialAggregate
	Engagement *EngagementAggregate
	Behavioral *BehavioralAggregate
}

// Present reports whether the aggregator supplied the dimension.
func (r RawAggregates) Present(d Dimension) bool {
	switch d {
	case DimensionAcademic:
		return r.Academic != nil
	case DimensionAttendance:
		return r.Attendance != nil
	case DimensionFinancial:
		return r.Financial != nil
	case DimensionEngagement:
		return r.Engagement != nil
	case DimensionBehavioral:
		return r.Behavioral != nil
	default:
		return false
	}
}
