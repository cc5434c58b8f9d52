package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageCountsAreWindowed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepo(db, time.Second)

	since := time.Now().Add(-24 * time.Hour).UTC()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM usage_tracking_anonymous`).
		WithArgs("203.0.113.9", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := repo.CountAnonymous(context.Background(), "203.0.113.9", since)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM usage_tracking_authenticated`).
		WithArgs("alice", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(17))

	count, err = repo.CountAuthenticated(context.Background(), "alice", since)
	require.NoError(t, err)
	assert.Equal(t, 17, count)
}

func TestUsageRecord(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepo(db, time.Second)

	mock.ExpectExec("INSERT INTO usage_tracking_anonymous").
		WithArgs("203.0.113.9").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.RecordAnonymous(context.Background(), "203.0.113.9"))

	mock.ExpectExec("INSERT INTO usage_tracking_authenticated").
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.RecordAuthenticated(context.Background(), "alice"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageOldestHandlesNull(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepo(db, time.Second)

	oldest := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT MIN\(used_at\) FROM usage_tracking_anonymous`).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(oldest))

	got, err := repo.OldestAnonymous(context.Background(), "203.0.113.9", oldest.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, oldest, *got)

	// No usage in the window scans as NULL.
	mock.ExpectQuery(`SELECT MIN\(used_at\) FROM usage_tracking_authenticated`).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	got, err = repo.OldestAuthenticated(context.Background(), "alice", time.Now())
	require.NoError(t, err)
	assert.Nil(t, got)
}
