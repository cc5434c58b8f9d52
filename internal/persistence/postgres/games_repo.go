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

// gamesRepo implements GamesRepo for PostgreSQL.
type gamesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewGamesRepo creates a PostgreSQL games repository.
func NewGamesRepo(db *sqlx.DB, timeout time.Duration) persistence.GamesRepo {
	return &gamesRepo{db: db, timeout: timeout}
}

const gameColumns = `user_id, platform, provider_game_id, played_at, color, result,
	my_rating, opponent_rating, time_control, opening, opening_normalized, opening_family, created_at`

// UpsertBatch inserts or updates games on the identity key. Display
// fields are overwritten on conflict; identity and played_at survive.
// A read-back count verifies the rows actually landed.
func (r *gamesRepo) UpsertBatch(ctx context.Context, games []models.Game) (persistence.UpsertResult, error) {
	var result persistence.UpsertResult
	if len(games) == 0 {
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(games)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	// xmax = 0 distinguishes fresh inserts from conflict updates.
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO games (user_id, platform, provider_game_id, played_at, color, result,
			my_rating, opponent_rating, time_control, opening, opening_normalized, opening_family)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, platform, provider_game_id) DO UPDATE SET
			color = EXCLUDED.color,
			result = EXCLUDED.result,
			my_rating = EXCLUDED.my_rating,
			opponent_rating = EXCLUDED.opponent_rating,
			time_control = EXCLUDED.time_control,
			opening = EXCLUDED.opening,
			opening_normalized = EXCLUDED.opening_normalized,
			opening_family = EXCLUDED.opening_family
		RETURNING (xmax = 0) AS inserted`)
	if err != nil {
		return result, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to prepare upsert: %w", err))
	}
	defer stmt.Close()

	ids := make([]string, 0, len(games))
	var firstUser string
	var firstPlatform models.Platform
	for i, g := range games {
		if g.PlayedAt.IsZero() {
			return result, models.Taggedf(models.TagValidation, "game %s has no played_at timestamp", g.ProviderGameID)
		}
		if i == 0 {
			firstUser, firstPlatform = g.UserID, g.Platform
		}

		var inserted bool
		err := stmt.QueryRowContext(ctx,
			g.UserID, g.Platform, g.ProviderGameID, g.PlayedAt.UTC(), g.Color, g.Result,
			g.MyRating, g.OpponentRating, g.TimeControl, g.Opening, g.OpeningNormalized, g.OpeningFamily).
			Scan(&inserted)
		if err != nil {
			return result, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to upsert game %s: %w", g.ProviderGameID, err))
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
		ids = append(ids, g.ProviderGameID)
	}

	if err := tx.Commit(); err != nil {
		return result, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to commit upsert: %w", err))
	}

	// Read-back verification guards against silently failed writes
	// (permission errors, replica lag in misconfigured deployments).
	var verified int
	err = r.db.GetContext(ctx, &verified, `
		SELECT COUNT(*) FROM games
		WHERE user_id = $1 AND platform = $2 AND provider_game_id = ANY($3)`,
		firstUser, firstPlatform, pq.Array(ids))
	if err != nil {
		return result, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to verify upsert: %w", err))
	}
	result.Verified = verified
	if verified != len(ids) {
		return result, models.Taggedf(models.TagPersistenceFailed,
			"upsert verification mismatch: wrote %d games, read back %d", len(ids), verified)
	}

	return result, nil
}

func (r *gamesRepo) Get(ctx context.Context, key models.GameKey) (*models.Game, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var game models.Game
	err := r.db.GetContext(ctx, &game, `
		SELECT `+gameColumns+` FROM games
		WHERE user_id = $1 AND platform = $2 AND provider_game_id = $3`,
		key.UserID, key.Platform, key.ProviderGameID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to get game: %w", err))
	}
	return &game, nil
}

func (r *gamesRepo) GetOrdered(ctx context.Context, userID string, platform models.Platform, limit, offset int) ([]models.Game, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var games []models.Game
	err := r.db.SelectContext(ctx, &games, `
		SELECT `+gameColumns+` FROM games
		WHERE user_id = $1 AND platform = $2
		ORDER BY played_at DESC, provider_game_id DESC
		LIMIT $3 OFFSET $4`,
		userID, platform, limit, offset)
	if err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to list games: %w", err))
	}
	return games, nil
}

// ListUnanalyzed uses a left anti-join so games with an existing
// aggregate for this analysis type are excluded in one pass.
func (r *gamesRepo) ListUnanalyzed(ctx context.Context, userID string, platform models.Platform, analysisType models.AnalysisType, n int) ([]models.Game, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var games []models.Game
	err := r.db.SelectContext(ctx, &games, `
		SELECT g.user_id, g.platform, g.provider_game_id, g.played_at, g.color, g.result,
			g.my_rating, g.opponent_rating, g.time_control, g.opening, g.opening_normalized,
			g.opening_family, g.created_at
		FROM games g
		LEFT JOIN game_analyses ga
			ON ga.user_id = g.user_id AND ga.platform = g.platform
			AND ga.provider_game_id = g.provider_game_id AND ga.analysis_type = $3
		WHERE g.user_id = $1 AND g.platform = $2 AND ga.provider_game_id IS NULL
		ORDER BY g.played_at DESC, g.provider_game_id DESC
		LIMIT $4`,
		userID, platform, analysisType, n)
	if err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to list unanalyzed games: %w", err))
	}
	return games, nil
}

func (r *gamesRepo) NewestPlayedAt(ctx context.Context, userID string, platform models.Platform) (*time.Time, error) {
	return r.boundaryPlayedAt(ctx, userID, platform, "MAX")
}

func (r *gamesRepo) OldestPlayedAt(ctx context.Context, userID string, platform models.Platform) (*time.Time, error) {
	return r.boundaryPlayedAt(ctx, userID, platform, "MIN")
}

func (r *gamesRepo) boundaryPlayedAt(ctx context.Context, userID string, platform models.Platform, agg string) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ts sql.NullTime
	query := fmt.Sprintf(`SELECT %s(played_at) FROM games WHERE user_id = $1 AND platform = $2`, agg)
	if err := r.db.GetContext(ctx, &ts, query, userID, platform); err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to query played_at boundary: %w", err))
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time.UTC()
	return &t, nil
}

func (r *gamesRepo) Count(ctx context.Context, userID string, platform models.Platform) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM games WHERE user_id = $1 AND platform = $2`, userID, platform)
	if err != nil {
		return 0, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to count games: %w", err))
	}
	return count, nil
}
