package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chessmirror/chessmirror/internal/models"
)

func TestPGNUpsertBatchUsesOneTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPGNRepo(db, time.Second)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO games_pgn")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	recs := []models.PGNRecord{
		{UserID: "alice", Platform: models.PlatformLichess, ProviderGameID: "g1", PGN: "1. e4 e5 *"},
		{UserID: "alice", Platform: models.PlatformLichess, ProviderGameID: "g2", PGN: "1. d4 d5 *"},
	}
	require.NoError(t, repo.UpsertBatch(context.Background(), recs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGNGetMissingReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPGNRepo(db, time.Second)

	mock.ExpectQuery("SELECT .+ FROM games_pgn").WillReturnError(sql.ErrNoRows)

	rec, err := repo.Get(context.Background(), models.GameKey{
		UserID: "alice", Platform: models.PlatformLichess, ProviderGameID: "absent",
	})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPGNGetBatch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPGNRepo(db, time.Second)

	mock.ExpectQuery("SELECT provider_game_id, pgn FROM games_pgn").
		WithArgs("alice", models.PlatformLichess, pq.Array([]string{"g1", "g2"})).
		WillReturnRows(sqlmock.NewRows([]string{"provider_game_id", "pgn"}).
			AddRow("g1", "1. e4 e5 *"))

	got, err := repo.GetBatch(context.Background(), "alice", models.PlatformLichess, []string{"g1", "g2"})
	require.NoError(t, err)
	// Missing PGNs simply have no entry; callers fall back per game.
	assert.Equal(t, map[string]string{"g1": "1. e4 e5 *"}, got)
}

func TestPGNGetBatchEmptyInput(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPGNRepo(db, time.Second)

	got, err := repo.GetBatch(context.Background(), "alice", models.PlatformLichess, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
