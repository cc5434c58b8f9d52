package persistence

import (
	"context"
	"time"

	"github.com/chessmirror/chessmirror/internal/models"
)

// UpsertResult reports the outcome of a batch game upsert. Verified is
// the count confirmed by the read-back query; a mismatch with
// Inserted+Updated indicates silently failed writes.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Verified int `json:"verified"`
}

// GamesRepo persists canonical game records with idempotent upserts
// keyed by (user_id, platform, provider_game_id).
type GamesRepo interface {
	// UpsertBatch inserts or updates a batch and verifies the rows are
	// readable afterwards.
	UpsertBatch(ctx context.Context, games []models.Game) (UpsertResult, error)

	// Get returns a single game or nil when absent.
	Get(ctx context.Context, key models.GameKey) (*models.Game, error)

	// GetOrdered returns games newest first: played_at DESC with
	// provider_game_id DESC as the tie-breaker.
	GetOrdered(ctx context.Context, userID string, platform models.Platform, limit, offset int) ([]models.Game, error)

	// ListUnanalyzed returns up to n games, newest first, that have no
	// game-analysis row for the given analysis type.
	ListUnanalyzed(ctx context.Context, userID string, platform models.Platform, analysisType models.AnalysisType, n int) ([]models.Game, error)

	// NewestPlayedAt and OldestPlayedAt bound the stored history for
	// the two-phase importer. Nil when the tenant has no games.
	NewestPlayedAt(ctx context.Context, userID string, platform models.Platform) (*time.Time, error)
	OldestPlayedAt(ctx context.Context, userID string, platform models.Platform) (*time.Time, error)

	// Count returns the total stored games for the tenant.
	Count(ctx context.Context, userID string, platform models.Platform) (int64, error)
}

// PGNRepo stores raw movetext separately from game metadata.
type PGNRepo interface {
	Upsert(ctx context.Context, rec models.PGNRecord) error
	UpsertBatch(ctx context.Context, recs []models.PGNRecord) error

	// Get returns the PGN for one game or nil when absent.
	Get(ctx context.Context, key models.GameKey) (*models.PGNRecord, error)

	// GetBatch maps provider game IDs to movetext for the tenant.
	// Callers must not rely on map iteration order.
	GetBatch(ctx context.Context, userID string, platform models.Platform, gameIDs []string) (map[string]string, error)
}

// AnalysisRepo persists move analyses and their per-game aggregates.
// The replace operation is transactional: either the full move set and
// the aggregate land together or nothing does.
type AnalysisRepo interface {
	// ReplaceGameAnalysis deletes existing move rows for the identity,
	// inserts the new set and upserts the aggregate in one transaction.
	ReplaceGameAnalysis(ctx context.Context, moves []models.MoveAnalysis, agg models.GameAnalysis) error

	// ReplaceMoves rewrites move rows without touching the aggregate.
	// Used to preserve completed plies when a job times out mid-game;
	// aggregates are only ever written complete.
	ReplaceMoves(ctx context.Context, key models.GameKey, analysisType models.AnalysisType, moves []models.MoveAnalysis) error

	// EnsureGameExists creates a minimal game row when analysis targets
	// a game the importer has not stored. Returns true when created.
	EnsureGameExists(ctx context.Context, game models.Game) (bool, error)

	GetGameAnalysis(ctx context.Context, key models.GameKey, analysisType models.AnalysisType) (*models.GameAnalysis, error)
	ListGameAnalyses(ctx context.Context, userID string, platform models.Platform, limit, offset int) ([]models.GameAnalysis, error)

	// AnalyzedAccuracies maps each already-analyzed game ID from the
	// given set to its accuracy. Missing IDs are not analyzed.
	AnalyzedAccuracies(ctx context.Context, userID string, platform models.Platform, analysisType models.AnalysisType, gameIDs []string) (map[string]float64, error)

	ListMoveAnalyses(ctx context.Context, key models.GameKey, analysisType models.AnalysisType) ([]models.MoveAnalysis, error)

	UpsertPersonality(ctx context.Context, scores models.PersonalityScores) error
	GetPersonality(ctx context.Context, userID string, platform models.Platform) (*models.PersonalityScores, error)

	// DeleteUserAnalyses removes all analyses for a tenant; operator
	// tooling only. Move analyses cascade.
	DeleteUserAnalyses(ctx context.Context, userID string, platform models.Platform) error
}

// UsageRepo backs quota enforcement. Windows are rolling; counting reads
// may fail without denying service (the limiter fails open).
type UsageRepo interface {
	CountAnonymous(ctx context.Context, clientIP string, since time.Time) (int, error)
	RecordAnonymous(ctx context.Context, clientIP string) error
	CountAuthenticated(ctx context.Context, userID string, since time.Time) (int, error)
	RecordAuthenticated(ctx context.Context, userID string) error

	// OldestAnonymous and OldestAuthenticated return the oldest usage
	// timestamp inside the window, used to compute when a denied tenant
	// regains capacity. Nil when the window is empty.
	OldestAnonymous(ctx context.Context, clientIP string, since time.Time) (*time.Time, error)
	OldestAuthenticated(ctx context.Context, userID string, since time.Time) (*time.Time, error)
}

// Store bundles the repositories handed to the composition root.
type Store struct {
	Games    GamesRepo
	PGNs     PGNRepo
	Analyses AnalysisRepo
	Usage    UsageRepo
}
