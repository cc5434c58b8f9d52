package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chessmirror/chessmirror/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "postgres")
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func sampleGame(id string) models.Game {
	return models.Game{
		UserID:         "alice",
		Platform:       models.PlatformLichess,
		ProviderGameID: id,
		PlayedAt:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Color:          models.ColorWhite,
		Result:         models.ResultWin,
		MyRating:       1850,
		OpponentRating: 1840,
		TimeControl:    "600+5",
	}
}

func TestGamesUpsertBatchCountsInsertsAndUpdates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO games")
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM games`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	result, err := repo.UpsertBatch(context.Background(), []models.Game{sampleGame("g1"), sampleGame("g2")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 2, result.Verified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGamesUpsertBatchVerificationMismatch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO games")
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectCommit()
	// Read-back sees fewer rows than were written.
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM games`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	_, err := repo.UpsertBatch(context.Background(), []models.Game{sampleGame("g1")})
	require.Error(t, err)
	assert.Equal(t, models.TagPersistenceFailed, models.TagOf(err))
}

func TestGamesUpsertBatchRejectsMissingPlayedAt(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO games")
	mock.ExpectRollback()

	game := sampleGame("g1")
	game.PlayedAt = time.Time{}
	_, err := repo.UpsertBatch(context.Background(), []models.Game{game})
	require.Error(t, err)
	assert.Equal(t, models.TagValidation, models.TagOf(err))
}

func TestGamesUpsertBatchEmptyIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	result, err := repo.UpsertBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, result.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGamesGetMissingReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	mock.ExpectQuery("SELECT .+ FROM games").WillReturnError(sql.ErrNoRows)

	game, err := repo.Get(context.Background(), models.GameKey{
		UserID: "alice", Platform: models.PlatformLichess, ProviderGameID: "absent",
	})
	require.NoError(t, err)
	assert.Nil(t, game)
}

func TestGamesGetOrdered(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	cols := []string{"user_id", "platform", "provider_game_id", "played_at", "color", "result",
		"my_rating", "opponent_rating", "time_control", "opening", "opening_normalized", "opening_family", "created_at"}
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT .+ FROM games").
		WithArgs("alice", models.PlatformLichess, 2, 0).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("alice", "lichess", "g2", now, "black", "loss", 1848, 1900, "600+5", "", "", "", now).
			AddRow("alice", "lichess", "g1", now.Add(-time.Hour), "white", "win", 1850, 1840, "600+5", "", "", "", now))

	games, err := repo.GetOrdered(context.Background(), "alice", models.PlatformLichess, 2, 0)
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Equal(t, "g2", games[0].ProviderGameID)
	assert.Equal(t, "g1", games[1].ProviderGameID)
}

func TestGamesBoundaryPlayedAt(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	newest := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT MAX\(played_at\) FROM games`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(newest))

	got, err := repo.NewestPlayedAt(context.Background(), "alice", models.PlatformLichess)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newest, *got)

	// A user with no games yields NULL, surfaced as a nil pointer.
	mock.ExpectQuery(`SELECT MIN\(played_at\) FROM games`).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	got, err = repo.OldestPlayedAt(context.Background(), "alice", models.PlatformLichess)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGamesCount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM games`).
		WithArgs("alice", models.PlatformLichess).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := repo.Count(context.Background(), "alice", models.PlatformLichess)
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}
