package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/chessmirror/chessmirror/internal/persistence"
)

// defaultQueryTimeout bounds every repository query so a stalled
// database cannot wedge import or analysis workers.
const defaultQueryTimeout = 10 * time.Second

// Connect opens a Postgres pool and returns the bundled repositories.
func Connect(databaseURL string) (*sqlx.DB, *persistence.Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := NewStore(db, defaultQueryTimeout)
	log.Info().Msg("Connected to postgres")
	return db, store, nil
}

// NewStore wires the repository implementations over an existing pool.
func NewStore(db *sqlx.DB, timeout time.Duration) *persistence.Store {
	return &persistence.Store{
		Games:    NewGamesRepo(db, timeout),
		PGNs:     NewPGNRepo(db, timeout),
		Analyses: NewAnalysisRepo(db, timeout),
		Usage:    NewUsageRepo(db, timeout),
	}
}

// EnsureSchema creates the tables and constraints if they do not exist.
// Production deployments run migrations instead; this keeps development
// and tests self-contained.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS games (
		user_id            TEXT        NOT NULL,
		platform           TEXT        NOT NULL,
		provider_game_id   TEXT        NOT NULL,
		played_at          TIMESTAMPTZ NOT NULL,
		color              TEXT        NOT NULL DEFAULT '',
		result             TEXT        NOT NULL DEFAULT '',
		my_rating          INTEGER     NOT NULL DEFAULT 0,
		opponent_rating    INTEGER     NOT NULL DEFAULT 0,
		time_control       TEXT        NOT NULL DEFAULT '',
		opening            TEXT        NOT NULL DEFAULT '',
		opening_normalized TEXT        NOT NULL DEFAULT '',
		opening_family     TEXT        NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, platform, provider_game_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_games_played_at
		ON games (user_id, platform, played_at DESC, provider_game_id DESC)`,

	`CREATE TABLE IF NOT EXISTS games_pgn (
		user_id          TEXT        NOT NULL,
		platform         TEXT        NOT NULL,
		provider_game_id TEXT        NOT NULL,
		pgn              TEXT        NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, platform, provider_game_id),
		FOREIGN KEY (user_id, platform, provider_game_id)
			REFERENCES games (user_id, platform, provider_game_id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS move_analyses (
		user_id            TEXT             NOT NULL,
		platform           TEXT             NOT NULL,
		provider_game_id   TEXT             NOT NULL,
		analysis_type      TEXT             NOT NULL,
		ply_index          INTEGER          NOT NULL,
		move_san           TEXT             NOT NULL,
		centipawn_loss     DOUBLE PRECISION NOT NULL,
		classification     TEXT             NOT NULL,
		is_best            BOOLEAN          NOT NULL,
		is_blunder         BOOLEAN          NOT NULL,
		is_mistake         BOOLEAN          NOT NULL,
		is_inaccuracy      BOOLEAN          NOT NULL,
		evaluation_before  INTEGER          NOT NULL,
		evaluation_after   INTEGER          NOT NULL,
		phase              TEXT             NOT NULL,
		is_fallback        BOOLEAN          NOT NULL DEFAULT FALSE,
		PRIMARY KEY (user_id, platform, provider_game_id, analysis_type, ply_index),
		FOREIGN KEY (user_id, platform, provider_game_id)
			REFERENCES games (user_id, platform, provider_game_id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS game_analyses (
		user_id             TEXT             NOT NULL,
		platform            TEXT             NOT NULL,
		provider_game_id    TEXT             NOT NULL,
		analysis_type       TEXT             NOT NULL,
		tactical_score      DOUBLE PRECISION NOT NULL,
		positional_score    DOUBLE PRECISION NOT NULL,
		aggressive_score    DOUBLE PRECISION NOT NULL,
		patient_score       DOUBLE PRECISION NOT NULL,
		novelty_score       DOUBLE PRECISION NOT NULL,
		staleness_score     DOUBLE PRECISION NOT NULL,
		accuracy            DOUBLE PRECISION NOT NULL,
		opening_accuracy    DOUBLE PRECISION NOT NULL,
		middlegame_accuracy DOUBLE PRECISION NOT NULL,
		endgame_accuracy    DOUBLE PRECISION NOT NULL,
		count_best          INTEGER          NOT NULL DEFAULT 0,
		count_great         INTEGER          NOT NULL DEFAULT 0,
		count_excellent     INTEGER          NOT NULL DEFAULT 0,
		count_good          INTEGER          NOT NULL DEFAULT 0,
		count_inaccuracy    INTEGER          NOT NULL DEFAULT 0,
		count_mistake       INTEGER          NOT NULL DEFAULT 0,
		count_blunder       INTEGER          NOT NULL DEFAULT 0,
		moves_total         INTEGER          NOT NULL DEFAULT 0,
		fallback_moves      INTEGER          NOT NULL DEFAULT 0,
		critical_moments    INTEGER          NOT NULL DEFAULT 0,
		created_at          TIMESTAMPTZ      NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, platform, provider_game_id, analysis_type),
		FOREIGN KEY (user_id, platform, provider_game_id)
			REFERENCES games (user_id, platform, provider_game_id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS personality_scores (
		user_id          TEXT             NOT NULL,
		platform         TEXT             NOT NULL,
		tactical_score   DOUBLE PRECISION NOT NULL,
		positional_score DOUBLE PRECISION NOT NULL,
		aggressive_score DOUBLE PRECISION NOT NULL,
		patient_score    DOUBLE PRECISION NOT NULL,
		novelty_score    DOUBLE PRECISION NOT NULL,
		staleness_score  DOUBLE PRECISION NOT NULL,
		games_analyzed   INTEGER          NOT NULL DEFAULT 0,
		moves_analyzed   INTEGER          NOT NULL DEFAULT 0,
		updated_at       TIMESTAMPTZ      NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, platform)
	)`,

	`CREATE TABLE IF NOT EXISTS usage_tracking_anonymous (
		id        BIGSERIAL   PRIMARY KEY,
		client_ip TEXT        NOT NULL,
		used_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_anon_ip_time
		ON usage_tracking_anonymous (client_ip, used_at)`,

	`CREATE TABLE IF NOT EXISTS usage_tracking_authenticated (
		id      BIGSERIAL   PRIMARY KEY,
		user_id TEXT        NOT NULL,
		used_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_auth_user_time
		ON usage_tracking_authenticated (user_id, used_at)`,
}
