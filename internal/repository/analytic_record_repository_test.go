package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
)

func newRecordRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return sqlxDB, mock, func() {
		sqlxDB.Close()
		db.Close()
	}
}

var recordColumns = []string{
	"id", "subject_type", "subject_id", "analysis_type", "period", "score", "rate", "risk_level",
	"total_events", "completed_events", "component_scores", "degraded_dimensions", "triggers", "recommendations",
	"trends", "patterns", "comparisons", "calculated_at", "created_at",
}

func sampleKey() models.RecordKey {
	return models.RecordKey{SubjectType: models.SubjectEnrollment, SubjectID: "enr-1", AnalysisType: models.AnalysisRiskPrediction, Period: "30d"}
}

func TestAnalyticRecordRepositoryGet(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewAnalyticRecordRepository(db)

	calculated := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(recordColumns).AddRow(
		"rec-1", "ENROLLMENT", "enr-1", "risk_prediction", "30d", 68.0, 32.0, "high",
		20, 10, `{"academic":80,"attendance":40,"financial":80,"engagement":70,"behavioral":70}`, `[]`,
		`["low_attendance"]`, `["Contact the student's guardian about attendance"]`,
		`{}`, `{"weakest_dimension":"attendance"}`, `{}`, calculated, calculated,
	)
	mock.ExpectQuery("SELECT id, subject_type").
		WithArgs("ENROLLMENT", "enr-1", "risk_prediction", "30d").
		WillReturnRows(rows)

	record, found, err := repo.Get(context.Background(), sampleKey())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "rec-1", record.ID)
	assert.Equal(t, models.RiskHigh, record.RiskLevel)
	assert.Equal(t, 40.0, record.ComponentScores[models.DimensionAttendance])
	assert.Equal(t, []string{"low_attendance"}, record.Triggers)
	assert.Equal(t, "attendance", record.Patterns["weakest_dimension"])
	assert.Equal(t, calculated, record.CalculatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyticRecordRepositoryGetNotFound(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewAnalyticRecordRepository(db)

	mock.ExpectQuery("SELECT id, subject_type").WillReturnError(sql.ErrNoRows)

	record, found, err := repo.Get(context.Background(), sampleKey())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, record)
}

func TestAnalyticRecordRepositoryGetPropagatesErrors(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewAnalyticRecordRepository(db)

	mock.ExpectQuery("SELECT id, subject_type").WillReturnError(sql.ErrConnDone)

	_, found, err := repo.Get(context.Background(), sampleKey())
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.False(t, found)
}

func TestAnalyticRecordRepositoryUpsertKeepsExistingIdentity(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewAnalyticRecordRepository(db)

	created := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO analytic_records").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("rec-existing", created))

	record := &models.AnalyticRecord{
		SubjectType:     models.SubjectEnrollment,
		SubjectID:       "enr-1",
		AnalysisType:    models.AnalysisRiskPrediction,
		Period:          "30d",
		Score:           68,
		Rate:            32,
		RiskLevel:       models.RiskHigh,
		ComponentScores: map[models.Dimension]float64{models.DimensionAcademic: 80},
		CalculatedAt:    time.Now().UTC(),
	}
	require.NoError(t, repo.Upsert(context.Background(), record))
	assert.Equal(t, "rec-existing", record.ID)
	assert.Equal(t, created, record.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyticRecordRepositoryUpsertWrapsErrors(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewAnalyticRecordRepository(db)

	mock.ExpectQuery("INSERT INTO analytic_records").WillReturnError(sql.ErrConnDone)

	err := repo.Upsert(context.Background(), &models.AnalyticRecord{SubjectType: models.SubjectGroup, SubjectID: "class-1", AnalysisType: models.AnalysisAttendance, Period: "7d"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestAnalyticRecordRepositoryListByRisk(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewAnalyticRecordRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(recordColumns).
		AddRow("rec-2", "ENROLLMENT", "enr-2", "risk_prediction", "30d", 85.0, 15.0, "critical", 0, 0, `{}`, `["financial"]`, `[]`, `[]`, `{}`, `{}`, `{}`, now, now).
		AddRow("rec-1", "ENROLLMENT", "enr-1", "risk_prediction", "30d", 68.0, 32.0, "high", 0, 0, `{}`, `[]`, `[]`, `[]`, `{}`, `{}`, `{}`, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("AND analysis_type = $1 AND period = $2 AND risk_level IN ($3,$4)")).
		WithArgs("risk_prediction", "30d", "high", "critical", 50).
		WillReturnRows(rows)

	records, err := repo.ListByRisk(context.Background(), models.AnalyticRecordFilter{
		AnalysisType: models.AnalysisRiskPrediction,
		Period:       "30d",
		MinLevel:     models.RiskHigh,
		Limit:        50,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.RiskCritical, records[0].RiskLevel)
	assert.True(t, records[0].Degraded())
	require.NoError(t, mock.ExpectationsWereMet())
}
