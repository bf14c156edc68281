package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
)

const analyticRecordColumns = `id, subject_type, subject_id, analysis_type, period, score, rate, risk_level,
total_events, completed_events, component_scores, degraded_dimensions, triggers, recommendations,
trends, patterns, comparisons, calculated_at, created_at`

// AnalyticRecordRepository persists analytic records in Postgres keyed by
// (subject_type, subject_id, analysis_type, period).
type AnalyticRecordRepository struct {
	db *sqlx.DB
}

// NewAnalyticRecordRepository constructs the repository.
func NewAnalyticRecordRepository(db *sqlx.DB) *AnalyticRecordRepository {
	return &AnalyticRecordRepository{db: db}
}

type analyticRecordRow struct {
	ID                 string    `db:"id"`
	SubjectType        string    `db:"subject_type"`
	SubjectID          string    `db:"subject_id"`
	AnalysisType       string    `db:"analysis_type"`
	Period             string    `db:"period"`
	Score              float64   `db:"score"`
	Rate               float64   `db:"rate"`
	RiskLevel          string    `db:"risk_level"`
	TotalEvents        int       `db:"total_events"`
	CompletedEvents    int       `db:"completed_events"`
	ComponentScores    string    `db:"component_scores"`
	DegradedDimensions string    `db:"degraded_dimensions"`
	Triggers           string    `db:"triggers"`
	Recommendations    string    `db:"recommendations"`
	Trends             string    `db:"trends"`
	Patterns           string    `db:"patterns"`
	Comparisons        string    `db:"comparisons"`
	CalculatedAt       time.Time `db:"calculated_at"`
	CreatedAt          time.Time `db:"created_at"`
}

// Get loads the record for key. A missing record is reported as (nil, false, nil).
func (r *AnalyticRecordRepository) Get(ctx context.Context, key models.RecordKey) (*models.AnalyticRecord, bool, error) {
	query := `SELECT ` + analyticRecordColumns + `
FROM analytic_records
WHERE subject_type = $1 AND subject_id = $2 AND analysis_type = $3 AND period = $4`
	var row analyticRecordRow
	if err := r.db.GetContext(ctx, &row, query, key.SubjectType, key.SubjectID, key.AnalysisType, key.Period); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get analytic record %s/%s: %w", key.Subject(), key.AnalysisType, err)
	}
	record, err := row.toModel()
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// Upsert atomically inserts or replaces the record for its key. The id and
// created_at of an existing row survive the replace and are copied back.
func (r *AnalyticRecordRepository) Upsert(ctx context.Context, record *models.AnalyticRecord) error {
	const query = `INSERT INTO analytic_records (id, subject_type, subject_id, analysis_type, period, score, rate, risk_level,
total_events, completed_events, component_scores, degraded_dimensions, triggers, recommendations,
trends, patterns, comparisons, calculated_at, created_at)
VALUES (:id, :subject_type, :subject_id, :analysis_type, :period, :score, :rate, :risk_level,
:total_events, :completed_events, :component_scores, :degraded_dimensions, :triggers, :recommendations,
:trends, :patterns, :comparisons, :calculated_at, :created_at)
ON CONFLICT (subject_type, subject_id, analysis_type, period)
DO UPDATE SET score = EXCLUDED.score, rate = EXCLUDED.rate, risk_level = EXCLUDED.risk_level,
              total_events = EXCLUDED.total_events, completed_events = EXCLUDED.completed_events,
              component_scores = EXCLUDED.component_scores, degraded_dimensions = EXCLUDED.degraded_dimensions,
              triggers = EXCLUDED.triggers, recommendations = EXCLUDED.recommendations,
              trends = EXCLUDED.trends, patterns = EXCLUDED.patterns, comparisons = EXCLUDED.comparisons,
              calculated_at = EXCLUDED.calculated_at
RETURNING id, created_at`

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	row, err := newAnalyticRecordRow(record)
	if err != nil {
		return err
	}

	rows, err := r.db.NamedQueryContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("upsert analytic record: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&record.ID, &record.CreatedAt); err != nil {
			return fmt.Errorf("scan upserted analytic record: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("upsert analytic record: %w", err)
	}
	return nil
}

// ListByRisk returns records at or above filter.MinLevel, most severe first.
func (r *AnalyticRecordRepository) ListByRisk(ctx context.Context, filter models.AnalyticRecordFilter) ([]models.AnalyticRecord, error) {
	var builder strings.Builder
	builder.WriteString("SELECT " + analyticRecordColumns + " FROM analytic_records WHERE 1=1")
	var args []interface{}
	if filter.SubjectType != "" {
		args = append(args, filter.SubjectType)
		builder.WriteString(fmt.Sprintf(" AND subject_type = $%d", len(args)))
	}
	if filter.AnalysisType != "" {
		args = append(args, filter.AnalysisType)
		builder.WriteString(fmt.Sprintf(" AND analysis_type = $%d", len(args)))
	}
	if filter.Period != "" {
		args = append(args, filter.Period)
		builder.WriteString(fmt.Sprintf(" AND period = $%d", len(args)))
	}
	if filter.MinLevel > models.RiskNone {
		levels := levelsFrom(filter.MinLevel)
		builder.WriteString(fmt.Sprintf(" AND risk_level IN (%s)", placeholdersFrom(len(args)+1, len(levels))))
		for _, level := range levels {
			args = append(args, level)
		}
	}
	builder.WriteString(` ORDER BY CASE risk_level WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC, subject_id ASC`)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		builder.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	var rows []analyticRecordRow
	if err := r.db.SelectContext(ctx, &rows, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list analytic records by risk: %w", err)
	}
	records := make([]models.AnalyticRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.toModel()
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

func levelsFrom(min models.RiskLevel) []string {
	var levels []string
	for l := min; l <= models.RiskCritical; l++ {
		levels = append(levels, l.String())
	}
	return levels
}

func placeholdersFrom(start, n int) string {
	values := make([]string, n)
	for i := 0; i < n; i++ {
		values[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(values, ",")
}

func newAnalyticRecordRow(record *models.AnalyticRecord) (*analyticRecordRow, error) {
	row := &analyticRecordRow{
		ID:              record.ID,
		SubjectType:     string(record.SubjectType),
		SubjectID:       record.SubjectID,
		AnalysisType:    string(record.AnalysisType),
		Period:          record.Period,
		Score:           record.Score,
		Rate:            record.Rate,
		RiskLevel:       record.RiskLevel.String(),
		TotalEvents:     record.TotalEvents,
		CompletedEvents: record.CompletedEvents,
		CalculatedAt:    record.CalculatedAt,
		CreatedAt:       record.CreatedAt,
	}
	fields := []struct {
		dst   *string
		value interface{}
		empty string
	}{
		{&row.ComponentScores, record.ComponentScores, "{}"},
		{&row.DegradedDimensions, record.DegradedDimensions, "[]"},
		{&row.Triggers, record.Triggers, "[]"},
		{&row.Recommendations, record.Recommendations, "[]"},
		{&row.Trends, record.Trends, "{}"},
		{&row.Patterns, record.Patterns, "{}"},
		{&row.Comparisons, record.Comparisons, "{}"},
	}
	for _, f := range fields {
		encoded, err := encodeJSON(f.value, f.empty)
		if err != nil {
			return nil, err
		}
		*f.dst = encoded
	}
	return row, nil
}

func encodeJSON(value interface{}, empty string) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode analytic record field: %w", err)
	}
	if string(payload) == "null" {
		return empty, nil
	}
	return string(payload), nil
}

func (row analyticRecordRow) toModel() (*models.AnalyticRecord, error) {
	level, err := models.ParseRiskLevel(row.RiskLevel)
	if err != nil {
		return nil, err
	}
	record := &models.AnalyticRecord{
		ID:              row.ID,
		SubjectType:     models.SubjectType(row.SubjectType),
		SubjectID:       row.SubjectID,
		AnalysisType:    models.AnalysisType(row.AnalysisType),
		Period:          row.Period,
		Score:           row.Score,
		Rate:            row.Rate,
		RiskLevel:       level,
		TotalEvents:     row.TotalEvents,
		CompletedEvents: row.CompletedEvents,
		CalculatedAt:    row.CalculatedAt,
		CreatedAt:       row.CreatedAt,
	}
	decoders := []struct {
		raw  string
		dest interface{}
	}{
		{row.ComponentScores, &record.ComponentScores},
		{row.DegradedDimensions, &record.DegradedDimensions},
		{row.Triggers, &record.Triggers},
		{row.Recommendations, &record.Recommendations},
		{row.Trends, &record.Trends},
		{row.Patterns, &record.Patterns},
		{row.Comparisons, &record.Comparisons},
	}
	for _, d := range decoders {
		if d.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(d.raw), d.dest); err != nil {
			return nil, fmt.Errorf("decode analytic record %s: %w", row.ID, err)
		}
	}
	return record, nil
}
