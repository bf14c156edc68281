package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
)

func testWindow() models.Window {
	to := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	return models.Window{From: to.AddDate(0, 0, -30), To: to}
}

func TestMetricsRepositoryAttendanceStreaks(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewGroupMetricsRepository(db, MetricsOptions{})
	w := testWindow()

	rows := sqlmock.NewRows([]string{"enrollment_id", "status"}).
		AddRow("enr-1", "A").
		AddRow("enr-1", "A").
		AddRow("enr-1", "S").
		AddRow("enr-1", "A").
		AddRow("enr-1", "H").
		AddRow("enr-2", "A").
		AddRow("enr-2", "A").
		AddRow("enr-2", "H")
	mock.ExpectQuery("FROM daily_attendance da").
		WithArgs("class-1", w.From, w.To).
		WillReturnRows(rows)

	agg, err := repo.Attendance(context.Background(), "class-1", w)
	require.NoError(t, err)
	assert.Equal(t, 7, agg.TotalSessions)
	assert.Equal(t, 2, agg.AttendedSessions)
	// sick days neither break nor extend a streak
	assert.Equal(t, 3, agg.LongestAbsenceStreak)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsRepositoryAcademic(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentMetricsRepository(db, DefaultMetricsOptions())
	w := testWindow()

	mock.ExpectQuery("SELECT g.grade_value").
		WithArgs("enr-1", w.From, w.To).
		WillReturnRows(sqlmock.NewRows([]string{"grade_value"}).AddRow(80.0).AddRow(60.0))
	mock.ExpectQuery("FROM enrollments e\nJOIN grade_configs").
		WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	agg, err := repo.Academic(context.Background(), "enr-1", w)
	require.NoError(t, err)
	assert.Equal(t, []float64{80, 60}, agg.Grades)
	assert.Equal(t, 4, agg.AssessmentsDue)
	assert.Equal(t, 100.0, agg.Scale)
	assert.Equal(t, 1, agg.Passed())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsRepositoryPassMarkFollowsGradeScale(t *testing.T) {
	opts := normaliseOptions(MetricsOptions{GradeScale: 20})
	assert.Equal(t, 15.0, opts.PassMark)

	opts = normaliseOptions(MetricsOptions{GradeScale: 20, PassMark: 75})
	assert.Equal(t, 15.0, opts.PassMark)

	opts = normaliseOptions(MetricsOptions{GradeScale: 20, PassMark: 10})
	assert.Equal(t, 10.0, opts.PassMark)

	opts = normaliseOptions(MetricsOptions{})
	assert.Equal(t, DefaultMetricsOptions(), opts)

	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentMetricsRepository(db, MetricsOptions{GradeScale: 20})
	w := testWindow()

	mock.ExpectQuery("SELECT g.grade_value").
		WithArgs("enr-1", w.From, w.To).
		WillReturnRows(sqlmock.NewRows([]string{"grade_value"}).AddRow(18.0).AddRow(16.0).AddRow(9.0))
	mock.ExpectQuery("FROM enrollments e\nJOIN grade_configs").
		WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	agg, err := repo.Academic(context.Background(), "enr-1", w)
	require.NoError(t, err)
	assert.Equal(t, 20.0, agg.Scale)
	assert.Equal(t, 2, agg.Passed())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsRepositoryFinancialAveragesLastPayment(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewGroupMetricsRepository(db, DefaultMetricsOptions())
	w := testWindow()

	rows := sqlmock.NewRows([]string{"enrollment_id", "total_due", "paid_on_time", "last_paid_at"}).
		AddRow("enr-1", 2, 2, w.To.AddDate(0, 0, -10)).
		AddRow("enr-2", 2, 1, w.To.AddDate(0, 0, -30)).
		AddRow("enr-3", 1, 0, nil)
	mock.ExpectQuery("FROM enrollments e\nLEFT JOIN tuition_invoices").
		WithArgs("class-1", w.From, w.To).
		WillReturnRows(rows)

	agg, err := repo.Financial(context.Background(), "class-1", w)
	require.NoError(t, err)
	assert.Equal(t, 5, agg.TotalDue)
	assert.Equal(t, 3, agg.PaidOnTime)
	require.NotNil(t, agg.DaysSinceLastPayment)
	assert.Equal(t, 20, *agg.DaysSinceLastPayment)
}

func TestMetricsRepositoryEngagementNeverActive(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentMetricsRepository(db, DefaultMetricsOptions())
	w := testWindow()

	mock.ExpectQuery("student_activity_logs").
		WithArgs("enr-1", w.To).
		WillReturnRows(sqlmock.NewRows([]string{"enrollment_id", "last_activity_at"}).AddRow("enr-1", nil))

	agg, err := repo.Engagement(context.Background(), "enr-1", w)
	require.NoError(t, err)
	assert.Nil(t, agg.DaysSinceLastActivity)
}

func TestMetricsRepositoryBehavioral(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentMetricsRepository(db, MetricsOptions{EscalationPoints: 15})
	w := testWindow()

	mock.ExpectQuery("FROM enrollments e\nJOIN behavior_notes").
		WithArgs("enr-1", w.From, w.To, 15).
		WillReturnRows(sqlmock.NewRows([]string{"negative_signals", "escalations"}).AddRow(3, 1))

	agg, err := repo.Behavioral(context.Background(), "enr-1", w)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.NegativeSignals)
	assert.Equal(t, 1, agg.Escalations)
}

func TestMetricsRepositoryExists(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewGroupMetricsRepository(db, DefaultMetricsOptions())

	mock.ExpectQuery("SELECT EXISTS \\(SELECT 1 FROM classes").
		WithArgs("class-9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := repo.Exists(context.Background(), "class-9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetricsRepositoryPropagatesQueryErrors(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentMetricsRepository(db, DefaultMetricsOptions())

	mock.ExpectQuery("FROM daily_attendance").WillReturnError(assert.AnError)

	_, err := repo.Attendance(context.Background(), "enr-1", testWindow())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
