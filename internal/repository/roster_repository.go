package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
)

// RosterRepository selects the subjects a batch recompute walks over.
type RosterRepository struct {
	db *sqlx.DB
}

// NewRosterRepository constructs the repository.
func NewRosterRepository(db *sqlx.DB) *RosterRepository {
	return &RosterRepository{db: db}
}

// ActiveEnrollments lists active enrollment ids, optionally limited to a term.
func (r *RosterRepository) ActiveEnrollments(ctx context.Context, termID string) ([]string, error) {
	query := "SELECT id FROM enrollments WHERE status = $1"
	args := []interface{}{models.EnrollmentStatusActive}
	if termID != "" {
		args = append(args, termID)
		query += fmt.Sprintf(" AND term_id = $%d", len(args))
	}
	query += " ORDER BY id ASC"

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("list active enrollments: %w", err)
	}
	return ids, nil
}

// ActiveGroups lists classes holding at least one active enrollment.
func (r *RosterRepository) ActiveGroups(ctx context.Context, termID string) ([]string, error) {
	query := "SELECT DISTINCT class_id FROM enrollments WHERE status = $1"
	args := []interface{}{models.EnrollmentStatusActive}
	if termID != "" {
		args = append(args, termID)
		query += fmt.Sprintf(" AND term_id = $%d", len(args))
	}
	query += " ORDER BY class_id ASC"

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("list active groups: %w", err)
	}
	return ids, nil
}

// Subjects resolves the subject ids of one kind.
func (r *RosterRepository) Subjects(ctx context.Context, subjectType models.SubjectType, termID string) ([]string, error) {
	switch subjectType {
	case models.SubjectEnrollment:
		return r.ActiveEnrollments(ctx, termID)
	case models.SubjectGroup:
		return r.ActiveGroups(ctx, termID)
	default:
		return nil, fmt.Errorf("unsupported subject type %q", subjectType)
	}
}
