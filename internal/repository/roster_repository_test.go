package repository

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
)

func TestRosterRepositoryActiveEnrollmentsByTerm(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM enrollments WHERE status = $1 AND term_id = $2 ORDER BY id ASC")).
		WithArgs("ACTIVE", "term-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("enr-1").AddRow("enr-2"))

	ids, err := repo.Subjects(context.Background(), models.SubjectEnrollment, "term-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"enr-1", "enr-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryActiveGroups(t *testing.T) {
	db, mock, cleanup := newRecordRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT class_id FROM enrollments WHERE status = $1 ORDER BY class_id ASC")).
		WithArgs("ACTIVE").
		WillReturnRows(sqlmock.NewRows([]string{"class_id"}).AddRow("class-1"))

	ids, err := repo.Subjects(context.Background(), models.SubjectGroup, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"class-1"}, ids)
}

func TestRosterRepositoryRejectsUnknownKind(t *testing.T) {
	repo := NewRosterRepository(nil)
	_, err := repo.Subjects(context.Background(), models.SubjectType("SCHOOL"), "")
	assert.Error(t, err)
}
