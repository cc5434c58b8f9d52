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

func sampleMove(ply int) models.MoveAnalysis {
	return models.MoveAnalysis{
		UserID:         "alice",
		Platform:       models.PlatformLichess,
		ProviderGameID: "g1",
		AnalysisType:   models.AnalysisStockfish,
		PlyIndex:       ply,
		MoveSAN:        "e4",
		CentipawnLoss:  3,
		Classification: models.MoveBest,
		IsBest:         true,
		Phase:          models.PhaseOpening,
	}
}

func sampleAggregate() models.GameAnalysis {
	return models.GameAnalysis{
		UserID:         "alice",
		Platform:       models.PlatformLichess,
		ProviderGameID: "g1",
		AnalysisType:   models.AnalysisStockfish,
		Accuracy:       97.5,
		MovesTotal:     2,
	}
}

func TestReplaceGameAnalysisIsOneTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM move_analyses").
		WillReturnResult(sqlmock.NewResult(0, 2))
	prep := mock.ExpectPrepare("INSERT INTO move_analyses")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO game_analyses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	moves := []models.MoveAnalysis{sampleMove(0), sampleMove(1)}
	err := repo.ReplaceGameAnalysis(context.Background(), moves, sampleAggregate())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceGameAnalysisTagsFKViolation(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM move_analyses").
		WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare("INSERT INTO move_analyses")
	prep.ExpectExec().WillReturnError(&pq.Error{Code: "23503"})
	mock.ExpectRollback()

	err := repo.ReplaceGameAnalysis(context.Background(), []models.MoveAnalysis{sampleMove(0)}, sampleAggregate())
	require.Error(t, err)
	assert.Equal(t, models.TagFKViolationPreempt, models.TagOf(err))
}

func TestReplaceMovesSkipsAggregate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM move_analyses").
		WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare("INSERT INTO move_analyses")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	key := models.GameKey{UserID: "alice", Platform: models.PlatformLichess, ProviderGameID: "g1"}
	err := repo.ReplaceMoves(context.Background(), key, models.AnalysisStockfish, []models.MoveAnalysis{sampleMove(0)})
	require.NoError(t, err)
	// No game_analyses write may occur on this path.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureGameExistsReportsCreation(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db, time.Second)

	mock.ExpectQuery("INSERT INTO games").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	created, err := repo.EnsureGameExists(context.Background(), sampleGame("g1"))
	require.NoError(t, err)
	assert.True(t, created)

	mock.ExpectQuery("INSERT INTO games").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(false))
	created, err = repo.EnsureGameExists(context.Background(), sampleGame("g1"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestAnalyzedAccuracies(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db, time.Second)

	mock.ExpectQuery("SELECT provider_game_id, accuracy FROM game_analyses").
		WithArgs("alice", models.PlatformLichess, models.AnalysisStockfish, pq.Array([]string{"g1", "g2", "g3"})).
		WillReturnRows(sqlmock.NewRows([]string{"provider_game_id", "accuracy"}).
			AddRow("g1", 91.2).
			AddRow("g3", 88.0))

	got, err := repo.AnalyzedAccuracies(context.Background(), "alice", models.PlatformLichess,
		models.AnalysisStockfish, []string{"g1", "g2", "g3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"g1": 91.2, "g3": 88.0}, got)
}

func TestAnalyzedAccuraciesEmptyInput(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db, time.Second)

	got, err := repo.AnalyzedAccuracies(context.Background(), "alice", models.PlatformLichess,
		models.AnalysisStockfish, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGameAnalysisMissingReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db, time.Second)

	mock.ExpectQuery("SELECT .+ FROM game_analyses").WillReturnError(sql.ErrNoRows)

	agg, err := repo.GetGameAnalysis(context.Background(),
		models.GameKey{UserID: "alice", Platform: models.PlatformLichess, ProviderGameID: "absent"},
		models.AnalysisStockfish)
	require.NoError(t, err)
	assert.Nil(t, agg)
}

func TestGetGameAnalysisScansNestedScores(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db, time.Second)

	cols := []string{"user_id", "platform", "provider_game_id", "analysis_type",
		"tactical_score", "positional_score", "aggressive_score", "patient_score", "novelty_score", "staleness_score",
		"accuracy", "opening_accuracy", "middlegame_accuracy", "endgame_accuracy",
		"count_best", "count_great", "count_excellent", "count_good", "count_inaccuracy", "count_mistake", "count_blunder",
		"moves_total", "fallback_moves", "critical_moments", "created_at"}
	mock.ExpectQuery("SELECT .+ FROM game_analyses").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"alice", "lichess", "g1", "stockfish",
			72.0, 55.0, 61.0, 40.0, 33.0, 20.0,
			91.5, 95.0, 90.0, 88.0,
			10, 4, 3, 2, 1, 1, 0,
			21, 0, 2, time.Now().UTC()))

	agg, err := repo.GetGameAnalysis(context.Background(),
		models.GameKey{UserID: "alice", Platform: models.PlatformLichess, ProviderGameID: "g1"},
		models.AnalysisStockfish)
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, 72.0, agg.Traits.Tactical)
	assert.Equal(t, 10, agg.Counts.Best)
	assert.Equal(t, 91.5, agg.Accuracy)
	assert.Equal(t, 21, agg.MovesTotal)
}

func TestUpsertPersonality(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db, time.Second)

	mock.ExpectExec("INSERT INTO personality_scores").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertPersonality(context.Background(), models.PersonalityScores{
		UserID:        "alice",
		Platform:      models.PlatformLichess,
		GamesAnalyzed: 12,
		MovesAnalyzed: 480,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUserAnalysesClearsAllThreeTables(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM move_analyses").WillReturnResult(sqlmock.NewResult(0, 40))
	mock.ExpectExec("DELETE FROM game_analyses").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM personality_scores").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.DeleteUserAnalyses(context.Background(), "alice", models.PlatformLichess)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
