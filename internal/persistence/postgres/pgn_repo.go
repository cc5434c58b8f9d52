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

// pgnRepo implements PGNRepo for PostgreSQL.
type pgnRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPGNRepo creates a PostgreSQL PGN repository.
func NewPGNRepo(db *sqlx.DB, timeout time.Duration) persistence.PGNRepo {
	return &pgnRepo{db: db, timeout: timeout}
}

const pgnUpsert = `
	INSERT INTO games_pgn (user_id, platform, provider_game_id, pgn)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_id, platform, provider_game_id) DO UPDATE SET pgn = EXCLUDED.pgn`

func (r *pgnRepo) Upsert(ctx context.Context, rec models.PGNRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, pgnUpsert, rec.UserID, rec.Platform, rec.ProviderGameID, rec.PGN)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to upsert pgn: %w", err))
	}
	return nil
}

func (r *pgnRepo) UpsertBatch(ctx context.Context, recs []models.PGNRecord) error {
	if len(recs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(recs)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pgnUpsert)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to prepare pgn upsert: %w", err))
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, rec.UserID, rec.Platform, rec.ProviderGameID, rec.PGN); err != nil {
			return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to upsert pgn %s: %w", rec.ProviderGameID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to commit pgn batch: %w", err))
	}
	return nil
}

func (r *pgnRepo) Get(ctx context.Context, key models.GameKey) (*models.PGNRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rec models.PGNRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT user_id, platform, provider_game_id, pgn, created_at FROM games_pgn
		WHERE user_id = $1 AND platform = $2 AND provider_game_id = $3`,
		key.UserID, key.Platform, key.ProviderGameID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to get pgn: %w", err))
	}
	return &rec, nil
}

func (r *pgnRepo) GetBatch(ctx context.Context, userID string, platform models.Platform, gameIDs []string) (map[string]string, error) {
	if len(gameIDs) == 0 {
		return map[string]string{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT provider_game_id, pgn FROM games_pgn
		WHERE user_id = $1 AND platform = $2 AND provider_game_id = ANY($3)`,
		userID, platform, pq.Array(gameIDs))
	if err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to batch-get pgns: %w", err))
	}
	defer rows.Close()

	out := make(map[string]string, len(gameIDs))
	for rows.Next() {
		var id, pgn string
		if err := rows.Scan(&id, &pgn); err != nil {
			return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to scan pgn row: %w", err))
		}
		out[id] = pgn
	}
	if err := rows.Err(); err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("pgn batch iteration failed: %w", err))
	}
	return out, nil
}
