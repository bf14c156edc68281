package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
)

// MetricsOptions tunes how raw rows are summarised.
type MetricsOptions struct {
	GradeScale float64
	PassMark   float64
	// EscalationPoints is the absolute behaviour point value at which a negative note counts as an escalation.
	EscalationPoints int
}

// defaultPassRatio places the pass mark at this fraction of the grade scale when none is configured.
const defaultPassRatio = 0.75

// DefaultMetricsOptions matches the grading conventions of the school schema.
func DefaultMetricsOptions() MetricsOptions {
	return MetricsOptions{GradeScale: 100, PassMark: 75, EscalationPoints: 20}
}

// MetricsRepository aggregates per-dimension inputs for one subject kind. The
// scope fragment restricts the enrollments table (aliased e) to the subject.
type MetricsRepository struct {
	db          *sqlx.DB
	opts        MetricsOptions
	scope       string
	existsQuery string
}

// NewEnrollmentMetricsRepository aggregates a single enrollment.
func NewEnrollmentMetricsRepository(db *sqlx.DB, opts MetricsOptions) *MetricsRepository {
	return &MetricsRepository{
		db:          db,
		opts:        normaliseOptions(opts),
		scope:       "e.id = $1",
		existsQuery: "SELECT EXISTS (SELECT 1 FROM enrollments WHERE id = $1)",
	}
}

// NewGroupMetricsRepository aggregates every active enrollment of a class.
func NewGroupMetricsRepository(db *sqlx.DB, opts MetricsOptions) *MetricsRepository {
	return &MetricsRepository{
		db:          db,
		opts:        normaliseOptions(opts),
		scope:       "e.class_id = $1 AND e.status = 'ACTIVE'",
		existsQuery: "SELECT EXISTS (SELECT 1 FROM classes WHERE id = $1)",
	}
}

func normaliseOptions(opts MetricsOptions) MetricsOptions {
	defaults := DefaultMetricsOptions()
	if opts.GradeScale <= 0 {
		opts.GradeScale = defaults.GradeScale
	}
	if opts.PassMark <= 0 || opts.PassMark > opts.GradeScale {
		opts.PassMark = defaultPassRatio * opts.GradeScale
	}
	if opts.EscalationPoints <= 0 {
		opts.EscalationPoints = defaults.EscalationPoints
	}
	return opts
}

// Exists reports whether the subject id resolves to a known row.
func (r *MetricsRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, r.existsQuery, id); err != nil {
		return false, fmt.Errorf("check subject %s: %w", id, err)
	}
	return exists, nil
}

// Academic collects grade values updated in the window and the number of assessments configured.
func (r *MetricsRepository) Academic(ctx context.Context, id string, window models.Window) (*models.AcademicAggregate, error) {
	gradesQuery := `SELECT g.grade_value
FROM grades g
JOIN enrollments e ON e.id = g.enrollment_id
WHERE ` + r.scope + ` AND g.updated_at >= $2 AND g.updated_at < $3
ORDER BY g.updated_at ASC`
	var grades []float64
	if err := r.db.SelectContext(ctx, &grades, gradesQuery, id, window.From, window.To); err != nil {
		return nil, fmt.Errorf("query grades: %w", err)
	}

	dueQuery := `SELECT COUNT(*)
FROM enrollments e
JOIN grade_configs gc ON gc.class_id = e.class_id AND gc.term_id = e.term_id
JOIN grade_config_components gcc ON gcc.grade_config_id = gc.id
WHERE ` + r.scope
	var due int
	if err := r.db.GetContext(ctx, &due, dueQuery, id); err != nil {
		return nil, fmt.Errorf("count assessments due: %w", err)
	}

	return &models.AcademicAggregate{
		Grades:         grades,
		Scale:          r.opts.GradeScale,
		PassMark:       r.opts.PassMark,
		AssessmentsDue: due,
	}, nil
}

type attendanceRow struct {
	EnrollmentID string                  `db:"enrollment_id"`
	Status       models.AttendanceStatus `db:"status"`
}

// Attendance counts sessions in the window. Sick and excused days are left out of
// the denominator; the longest streak of absences is taken across members.
func (r *MetricsRepository) Attendance(ctx context.Context, id string, window models.Window) (*models.AttendanceAggregate, error) {
	query := `SELECT da.enrollment_id, da.status
FROM daily_attendance da
JOIN enrollments e ON e.id = da.enrollment_id
WHERE ` + r.scope + ` AND da.date >= $2 AND da.date < $3
ORDER BY da.enrollment_id ASC, da.date ASC`
	var rows []attendanceRow
	if err := r.db.SelectContext(ctx, &rows, query, id, window.From, window.To); err != nil {
		return nil, fmt.Errorf("query daily attendance: %w", err)
	}

	agg := &models.AttendanceAggregate{}
	streak := 0
	current := ""
	for _, row := range rows {
		if row.EnrollmentID != current {
			current = row.EnrollmentID
			streak = 0
		}
		if !row.Status.Counted() {
			continue
		}
		agg.TotalSessions++
		if row.Status == models.AttendanceStatusPresent {
			agg.AttendedSessions++
			streak = 0
			continue
		}
		streak++
		if streak > agg.LongestAbsenceStreak {
			agg.LongestAbsenceStreak = streak
		}
	}
	return agg, nil
}

type paymentRow struct {
	EnrollmentID string       `db:"enrollment_id"`
	TotalDue     int          `db:"total_due"`
	PaidOnTime   int          `db:"paid_on_time"`
	LastPaidAt   sql.NullTime `db:"last_paid_at"`
}

// Financial counts invoices due in the window and how many were paid by their
// due date. Days since last payment averages over members that ever paid.
func (r *MetricsRepository) Financial(ctx context.Context, id string, window models.Window) (*models.FinancialAggregate, error) {
	query := `SELECT e.id AS enrollment_id,
       COUNT(ti.id) FILTER (WHERE ti.due_date >= $2 AND ti.due_date < $3) AS total_due,
       COUNT(ti.id) FILTER (WHERE ti.due_date >= $2 AND ti.due_date < $3 AND ti.paid_at IS NOT NULL AND ti.paid_at <= ti.due_date) AS paid_on_time,
       MAX(ti.paid_at) FILTER (WHERE ti.paid_at < $3) AS last_paid_at
FROM enrollments e
LEFT JOIN tuition_invoices ti ON ti.enrollment_id = e.id
WHERE ` + r.scope + `
GROUP BY e.id
ORDER BY e.id ASC`
	var rows []paymentRow
	if err := r.db.SelectContext(ctx, &rows, query, id, window.From, window.To); err != nil {
		return nil, fmt.Errorf("query tuition invoices: %w", err)
	}

	agg := &models.FinancialAggregate{}
	var lastPaid []time.Time
	for _, row := range rows {
		agg.TotalDue += row.TotalDue
		agg.PaidOnTime += row.PaidOnTime
		if row.LastPaidAt.Valid {
			lastPaid = append(lastPaid, row.LastPaidAt.Time)
		}
	}
	agg.DaysSinceLastPayment = averageDaysSince(lastPaid, window.To)
	return agg, nil
}

type activityRow struct {
	EnrollmentID   string       `db:"enrollment_id"`
	LastActivityAt sql.NullTime `db:"last_activity_at"`
}

// Engagement reports the days since the most recent platform activity, averaged
// over members that were ever active.
func (r *MetricsRepository) Engagement(ctx context.Context, id string, window models.Window) (*models.EngagementAggregate, error) {
	query := `SELECT e.id AS enrollment_id, MAX(al.occurred_at) AS last_activity_at
FROM enrollments e
LEFT JOIN student_activity_logs al ON al.student_id = e.student_id AND al.occurred_at < $2
WHERE ` + r.scope + `
GROUP BY e.id
ORDER BY e.id ASC`
	var rows []activityRow
	if err := r.db.SelectContext(ctx, &rows, query, id, window.To); err != nil {
		return nil, fmt.Errorf("query activity logs: %w", err)
	}
	var last []time.Time
	for _, row := range rows {
		if row.LastActivityAt.Valid {
			last = append(last, row.LastActivityAt.Time)
		}
	}
	return &models.EngagementAggregate{DaysSinceLastActivity: averageDaysSince(last, window.To)}, nil
}

// Behavioral counts negative notes in the window and those heavy enough to be escalations.
func (r *MetricsRepository) Behavioral(ctx context.Context, id string, window models.Window) (*models.BehavioralAggregate, error) {
	query := `SELECT COUNT(bn.id) FILTER (WHERE bn.note_type = '-') AS negative_signals,
       COUNT(bn.id) FILTER (WHERE bn.note_type = '-' AND ABS(bn.points) >= $4) AS escalations
FROM enrollments e
JOIN behavior_notes bn ON bn.student_id = e.student_id
WHERE ` + r.scope + ` AND bn.date >= $2 AND bn.date < $3`
	var row struct {
		NegativeSignals int `db:"negative_signals"`
		Escalations     int `db:"escalations"`
	}
	if err := r.db.GetContext(ctx, &row, query, id, window.From, window.To, r.opts.EscalationPoints); err != nil {
		return nil, fmt.Errorf("query behavior notes: %w", err)
	}
	return &models.BehavioralAggregate{NegativeSignals: row.NegativeSignals, Escalations: row.Escalations}, nil
}

func averageDaysSince(times []time.Time, now time.Time) *int {
	if len(times) == 0 {
		return nil
	}
	var total float64
	for _, t := range times {
		days := now.Sub(t).Hours() / 24
		if days < 0 {
			days = 0
		}
		total += days
	}
	avg := int(math.Floor(total / float64(len(times))))
	return &avg
}
