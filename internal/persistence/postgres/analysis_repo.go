package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/persistence"
)

// analysisRepo implements AnalysisRepo for PostgreSQL.
type analysisRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAnalysisRepo creates a PostgreSQL analysis repository.
func NewAnalysisRepo(db *sqlx.DB, timeout time.Duration) persistence.AnalysisRepo {
	return &analysisRepo{db: db, timeout: timeout}
}

// ReplaceGameAnalysis rewrites the move rows and the aggregate for one
// game identity in a single transaction. Aggregates must never outlive
// or precede their move set, so partial visibility is impossible.
func (r *analysisRepo) ReplaceGameAnalysis(ctx context.Context, moves []models.MoveAnalysis, agg models.GameAnalysis) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(moves)/200+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	key := models.GameKey{UserID: agg.UserID, Platform: agg.Platform, ProviderGameID: agg.ProviderGameID}
	if err := replaceMovesTx(ctx, tx, key, agg.AnalysisType, moves); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO game_analyses (user_id, platform, provider_game_id, analysis_type,
			tactical_score, positional_score, aggressive_score, patient_score, novelty_score, staleness_score,
			accuracy, opening_accuracy, middlegame_accuracy, endgame_accuracy,
			count_best, count_great, count_excellent, count_good, count_inaccuracy, count_mistake, count_blunder,
			moves_total, fallback_moves, critical_moments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (user_id, platform, provider_game_id, analysis_type) DO UPDATE SET
			tactical_score = EXCLUDED.tactical_score,
			positional_score = EXCLUDED.positional_score,
			aggressive_score = EXCLUDED.aggressive_score,
			patient_score = EXCLUDED.patient_score,
			novelty_score = EXCLUDED.novelty_score,
			staleness_score = EXCLUDED.staleness_score,
			accuracy = EXCLUDED.accuracy,
			opening_accuracy = EXCLUDED.opening_accuracy,
			middlegame_accuracy = EXCLUDED.middlegame_accuracy,
			endgame_accuracy = EXCLUDED.endgame_accuracy,
			count_best = EXCLUDED.count_best,
			count_great = EXCLUDED.count_great,
			count_excellent = EXCLUDED.count_excellent,
			count_good = EXCLUDED.count_good,
			count_inaccuracy = EXCLUDED.count_inaccuracy,
			count_mistake = EXCLUDED.count_mistake,
			count_blunder = EXCLUDED.count_blunder,
			moves_total = EXCLUDED.moves_total,
			fallback_moves = EXCLUDED.fallback_moves,
			critical_moments = EXCLUDED.critical_moments,
			created_at = now()`,
		agg.UserID, agg.Platform, agg.ProviderGameID, agg.AnalysisType,
		agg.Traits.Tactical, agg.Traits.Positional, agg.Traits.Aggressive, agg.Traits.Patient,
		agg.Traits.Novelty, agg.Traits.Staleness,
		agg.Accuracy, agg.OpeningAccuracy, agg.MiddlegameAccuracy, agg.EndgameAccuracy,
		agg.Counts.Best, agg.Counts.Great, agg.Counts.Excellent, agg.Counts.Good,
		agg.Counts.Inaccuracy, agg.Counts.Mistake, agg.Counts.Blunder,
		agg.MovesTotal, agg.FallbackMoves, agg.CriticalMoments)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to upsert game analysis: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to commit analysis: %w", err))
	}
	return nil
}

// replaceMovesTx clears and re-inserts the move rows for one identity
// inside the caller's transaction.
func replaceMovesTx(ctx context.Context, tx *sqlx.Tx, key models.GameKey, analysisType models.AnalysisType, moves []models.MoveAnalysis) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM move_analyses
		WHERE user_id = $1 AND platform = $2 AND provider_game_id = $3 AND analysis_type = $4`,
		key.UserID, key.Platform, key.ProviderGameID, analysisType)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to clear move analyses: %w", err))
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO move_analyses (user_id, platform, provider_game_id, analysis_type, ply_index,
			move_san, centipawn_loss, classification, is_best, is_blunder, is_mistake, is_inaccuracy,
			evaluation_before, evaluation_after, phase, is_fallback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to prepare move insert: %w", err))
	}
	defer stmt.Close()

	for _, m := range moves {
		_, err := stmt.ExecContext(ctx,
			m.UserID, m.Platform, m.ProviderGameID, m.AnalysisType, m.PlyIndex,
			m.MoveSAN, m.CentipawnLoss, m.Classification, m.IsBest, m.IsBlunder, m.IsMistake, m.IsInaccuracy,
			m.EvalBefore, m.EvalAfter, m.Phase, m.IsFallback)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
				return models.Tagged(models.TagFKViolationPreempt,
					fmt.Errorf("game row missing for move insert at ply %d: %w", m.PlyIndex, err))
			}
			return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to insert move analysis ply %d: %w", m.PlyIndex, err))
		}
	}
	return nil
}

// ReplaceMoves rewrites move rows without the aggregate, preserving
// completed plies from a timed-out job.
func (r *analysisRepo) ReplaceMoves(ctx context.Context, key models.GameKey, analysisType models.AnalysisType, moves []models.MoveAnalysis) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(moves)/200+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := replaceMovesTx(ctx, tx, key, analysisType, moves); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to commit move replacement: %w", err))
	}
	return nil
}

// EnsureGameExists upserts a minimal game row so move inserts cannot hit
// a foreign-key violation when the importer never stored the game.
func (r *analysisRepo) EnsureGameExists(ctx context.Context, game models.Game) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if game.PlayedAt.IsZero() {
		game.PlayedAt = time.Now().UTC()
	}

	var inserted bool
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO games (user_id, platform, provider_game_id, played_at, color, result,
			my_rating, opponent_rating, time_control, opening, opening_normalized, opening_family)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, platform, provider_game_id) DO UPDATE SET played_at = games.played_at
		RETURNING (xmax = 0) AS inserted`,
		game.UserID, game.Platform, game.ProviderGameID, game.PlayedAt.UTC(), game.Color, game.Result,
		game.MyRating, game.OpponentRating, game.TimeControl, game.Opening, game.OpeningNormalized, game.OpeningFamily).
		Scan(&inserted)
	if err != nil {
		return false, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to ensure game exists: %w", err))
	}
	return inserted, nil
}

const gameAnalysisColumns = `user_id, platform, provider_game_id, analysis_type,
	tactical_score, positional_score, aggressive_score, patient_score, novelty_score, staleness_score,
	accuracy, opening_accuracy, middlegame_accuracy, endgame_accuracy,
	count_best, count_great, count_excellent, count_good, count_inaccuracy, count_mistake, count_blunder,
	moves_total, fallback_moves, critical_moments, created_at`

// gameAnalysisRow flattens the nested aggregate for sqlx scanning.
type gameAnalysisRow struct {
	models.GameAnalysis
	Tactical   float64 `db:"tactical_score"`
	Positional float64 `db:"positional_score"`
	Aggressive float64 `db:"aggressive_score"`
	Patient    float64 `db:"patient_score"`
	Novelty    float64 `db:"novelty_score"`
	Staleness  float64 `db:"staleness_score"`
	Best       int     `db:"count_best"`
	Great      int     `db:"count_great"`
	Excellent  int     `db:"count_excellent"`
	Good       int     `db:"count_good"`
	Inaccuracy int     `db:"count_inaccuracy"`
	Mistake    int     `db:"count_mistake"`
	Blunder    int     `db:"count_blunder"`
}

func (row *gameAnalysisRow) toModel() models.GameAnalysis {
	agg := row.GameAnalysis
	agg.Traits = models.TraitScores{
		Tactical:   row.Tactical,
		Positional: row.Positional,
		Aggressive: row.Aggressive,
		Patient:    row.Patient,
		Novelty:    row.Novelty,
		Staleness:  row.Staleness,
	}
	agg.Counts = models.MoveCounts{
		Best:       row.Best,
		Great:      row.Great,
		Excellent:  row.Excellent,
		Good:       row.Good,
		Inaccuracy: row.Inaccuracy,
		Mistake:    row.Mistake,
		Blunder:    row.Blunder,
	}
	return agg
}

func (r *analysisRepo) GetGameAnalysis(ctx context.Context, key models.GameKey, analysisType models.AnalysisType) (*models.GameAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row gameAnalysisRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+gameAnalysisColumns+` FROM game_analyses
		WHERE user_id = $1 AND platform = $2 AND provider_game_id = $3 AND analysis_type = $4`,
		key.UserID, key.Platform, key.ProviderGameID, analysisType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to get game analysis: %w", err))
	}
	agg := row.toModel()
	return &agg, nil
}

func (r *analysisRepo) ListGameAnalyses(ctx context.Context, userID string, platform models.Platform, limit, offset int) ([]models.GameAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []gameAnalysisRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+gameAnalysisColumns+` FROM game_analyses
		WHERE user_id = $1 AND platform = $2
		ORDER BY created_at DESC, provider_game_id DESC
		LIMIT $3 OFFSET $4`,
		userID, platform, limit, offset)
	if err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to list game analyses: %w", err))
	}

	out := make([]models.GameAnalysis, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func (r *analysisRepo) AnalyzedAccuracies(ctx context.Context, userID string, platform models.Platform, analysisType models.AnalysisType, gameIDs []string) (map[string]float64, error) {
	if len(gameIDs) == 0 {
		return map[string]float64{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT provider_game_id, accuracy FROM game_analyses
		WHERE user_id = $1 AND platform = $2 AND analysis_type = $3 AND provider_game_id = ANY($4)`,
		userID, platform, analysisType, pq.Array(gameIDs))
	if err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to query analyzed accuracies: %w", err))
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var accuracy float64
		if err := rows.Scan(&id, &accuracy); err != nil {
			return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to scan accuracy row: %w", err))
		}
		out[id] = accuracy
	}
	return out, rows.Err()
}

func (r *analysisRepo) ListMoveAnalyses(ctx context.Context, key models.GameKey, analysisType models.AnalysisType) ([]models.MoveAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var moves []models.MoveAnalysis
	err := r.db.SelectContext(ctx, &moves, `
		SELECT user_id, platform, provider_game_id, analysis_type, ply_index, move_san,
			centipawn_loss, classification, is_best, is_blunder, is_mistake, is_inaccuracy,
			evaluation_before, evaluation_after, phase, is_fallback
		FROM move_analyses
		WHERE user_id = $1 AND platform = $2 AND provider_game_id = $3 AND analysis_type = $4
		ORDER BY ply_index`,
		key.UserID, key.Platform, key.ProviderGameID, analysisType)
	if err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to list move analyses: %w", err))
	}
	return moves, nil
}

func (r *analysisRepo) UpsertPersonality(ctx context.Context, scores models.PersonalityScores) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO personality_scores (user_id, platform,
			tactical_score, positional_score, aggressive_score, patient_score, novelty_score, staleness_score,
			games_analyzed, moves_analyzed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (user_id, platform) DO UPDATE SET
			tactical_score = EXCLUDED.tactical_score,
			positional_score = EXCLUDED.positional_score,
			aggressive_score = EXCLUDED.aggressive_score,
			patient_score = EXCLUDED.patient_score,
			novelty_score = EXCLUDED.novelty_score,
			staleness_score = EXCLUDED.staleness_score,
			games_analyzed = EXCLUDED.games_analyzed,
			moves_analyzed = EXCLUDED.moves_analyzed,
			updated_at = now()`,
		scores.UserID, scores.Platform,
		scores.Traits.Tactical, scores.Traits.Positional, scores.Traits.Aggressive,
		scores.Traits.Patient, scores.Traits.Novelty, scores.Traits.Staleness,
		scores.GamesAnalyzed, scores.MovesAnalyzed)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to upsert personality scores: %w", err))
	}
	return nil
}

func (r *analysisRepo) GetPersonality(ctx context.Context, userID string, platform models.Platform) (*models.PersonalityScores, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := struct {
		models.PersonalityScores
		Tactical   float64 `db:"tactical_score"`
		Positional float64 `db:"positional_score"`
		Aggressive float64 `db:"aggressive_score"`
		Patient    float64 `db:"patient_score"`
		Novelty    float64 `db:"novelty_score"`
		Staleness  float64 `db:"staleness_score"`
	}{}
	err := r.db.GetContext(ctx, &row, `
		SELECT user_id, platform, tactical_score, positional_score, aggressive_score,
			patient_score, novelty_score, staleness_score, games_analyzed, moves_analyzed, updated_at
		FROM personality_scores WHERE user_id = $1 AND platform = $2`,
		userID, platform)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to get personality scores: %w", err))
	}

	scores := row.PersonalityScores
	scores.Traits = models.TraitScores{
		Tactical:   row.Tactical,
		Positional: row.Positional,
		Aggressive: row.Aggressive,
		Patient:    row.Patient,
		Novelty:    row.Novelty,
		Staleness:  row.Staleness,
	}
	return &scores, nil
}

// DeleteUserAnalyses removes the tenant's aggregates and move rows.
// Games and PGNs survive; personality is rederived on next analysis.
func (r *analysisRepo) DeleteUserAnalyses(ctx context.Context, userID string, platform models.Platform) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	for _, query := range []string{
		`DELETE FROM move_analyses WHERE user_id = $1 AND platform = $2`,
		`DELETE FROM game_analyses WHERE user_id = $1 AND platform = $2`,
		`DELETE FROM personality_scores WHERE user_id = $1 AND platform = $2`,
	} {
		if _, err := tx.ExecContext(ctx, query, userID, platform); err != nil {
			return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to delete user analyses: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to commit analysis deletion: %w", err))
	}
	return nil
}
