package models

import (
	"strings"
	"time"
)

// Platform identifies the external chess platform a game came from.
type Platform string

const (
	PlatformLichess  Platform = "lichess"
	PlatformChessCom Platform = "chess.com"
)

// Valid reports whether the platform is one we know how to import from.
func (p Platform) Valid() bool {
	return p == PlatformLichess || p == PlatformChessCom
}

// CanonicalUserID normalizes a user identifier for storage and lookup.
// Chess.com usernames are case-insensitive so they are lowercased; Lichess
// usernames are case-preserving. Both are trimmed. The function is idempotent.
func CanonicalUserID(userID string, platform Platform) string {
	userID = strings.TrimSpace(userID)
	if platform == PlatformChessCom {
		return strings.ToLower(userID)
	}
	return userID
}

// AnalysisType selects the engine profile used for a game analysis.
type AnalysisType string

const (
	AnalysisStockfish AnalysisType = "stockfish"
	AnalysisDeep      AnalysisType = "deep"
)

// GameResult from the player's perspective.
type GameResult string

const (
	ResultWin  GameResult = "win"
	ResultLoss GameResult = "loss"
	ResultDraw GameResult = "draw"
)

// Color the player held in a game.
type Color string

const (
	ColorWhite Color = "white"
	ColorBlack Color = "black"
)

// GameKey is the canonical identity of a game record.
type GameKey struct {
	UserID         string   `json:"user_id" db:"user_id"`
	Platform       Platform `json:"platform" db:"platform"`
	ProviderGameID string   `json:"provider_game_id" db:"provider_game_id"`
}

// Game is the canonical imported game record. Display fields may be
// overwritten by re-import; identity never changes.
type Game struct {
	UserID            string     `json:"user_id" db:"user_id"`
	Platform          Platform   `json:"platform" db:"platform"`
	ProviderGameID    string     `json:"provider_game_id" db:"provider_game_id"`
	PlayedAt          time.Time  `json:"played_at" db:"played_at"`
	Color             Color      `json:"color" db:"color"`
	Result            GameResult `json:"result" db:"result"`
	MyRating          int        `json:"my_rating" db:"my_rating"`
	OpponentRating    int        `json:"opponent_rating" db:"opponent_rating"`
	TimeControl       string     `json:"time_control" db:"time_control"`
	Opening           string     `json:"opening" db:"opening"`
	OpeningNormalized string     `json:"opening_normalized" db:"opening_normalized"`
	OpeningFamily     string     `json:"opening_family" db:"opening_family"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// Key returns the game's canonical identity.
func (g *Game) Key() GameKey {
	return GameKey{UserID: g.UserID, Platform: g.Platform, ProviderGameID: g.ProviderGameID}
}

// PGNRecord holds raw movetext for a game. Stored separately from Game
// because it is large and independently cacheable.
type PGNRecord struct {
	UserID         string    `json:"user_id" db:"user_id"`
	Platform       Platform  `json:"platform" db:"platform"`
	ProviderGameID string    `json:"provider_game_id" db:"provider_game_id"`
	PGN            string    `json:"pgn" db:"pgn"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// MoveClassification buckets a move by centipawn loss.
type MoveClassification string

const (
	MoveBest       MoveClassification = "best"
	MoveGreat      MoveClassification = "great"
	MoveExcellent  MoveClassification = "excellent"
	MoveGood       MoveClassification = "good"
	MoveInaccuracy MoveClassification = "inaccuracy"
	MoveMistake    MoveClassification = "mistake"
	MoveBlunder    MoveClassification = "blunder"
)

// GamePhase of a single ply.
type GamePhase string

const (
	PhaseOpening    GamePhase = "opening"
	PhaseMiddlegame GamePhase = "middlegame"
	PhaseEndgame    GamePhase = "endgame"
)

// MoveAnalysis is one analyzed ply of a game. Rows are replaced wholesale
// on re-analysis, keyed by (game identity, analysis_type).
type MoveAnalysis struct {
	UserID         string       `json:"user_id" db:"user_id"`
	Platform       Platform     `json:"platform" db:"platform"`
	ProviderGameID string       `json:"provider_game_id" db:"provider_game_id"`
	AnalysisType   AnalysisType `json:"analysis_type" db:"analysis_type"`
	PlyIndex       int          `json:"ply_index" db:"ply_index"`
	MoveSAN        string       `json:"move_san" db:"move_san"`
	CentipawnLoss  float64      `json:"centipawn_loss" db:"centipawn_loss"`
	Classification MoveClassification `json:"classification" db:"classification"`
	IsBest         bool         `json:"is_best" db:"is_best"`
	IsBlunder      bool         `json:"is_blunder" db:"is_blunder"`
	IsMistake      bool         `json:"is_mistake" db:"is_mistake"`
	IsInaccuracy   bool         `json:"is_inaccuracy" db:"is_inaccuracy"`
	EvalBefore     int          `json:"evaluation_before" db:"evaluation_before"`
	EvalAfter      int          `json:"evaluation_after" db:"evaluation_after"`
	Phase          GamePhase    `json:"phase" db:"phase"`
	IsFallback     bool         `json:"is_fallback" db:"is_fallback"`
}

// MoveCounts tallies classifications over a set of analyzed moves.
type MoveCounts struct {
	Best       int `json:"best"`
	Great      int `json:"great"`
	Excellent  int `json:"excellent"`
	Good       int `json:"good"`
	Inaccuracy int `json:"inaccuracy"`
	Mistake    int `json:"mistake"`
	Blunder    int `json:"blunder"`
}

// Total returns the number of counted moves.
func (m MoveCounts) Total() int {
	return m.Best + m.Great + m.Excellent + m.Good + m.Inaccuracy + m.Mistake + m.Blunder
}

// TraitScores are the six personality subscores, each in [0,100] with 50
// denoting neutral.
type TraitScores struct {
	Tactical   float64 `json:"tactical"`
	Positional float64 `json:"positional"`
	Aggressive float64 `json:"aggressive"`
	Patient    float64 `json:"patient"`
	Novelty    float64 `json:"novelty"`
	Staleness  float64 `json:"staleness"`
}

// GameAnalysis is the per-game aggregate. It is a pure function of the
// move-analysis rows sharing its identity and is rewritten atomically
// with them.
type GameAnalysis struct {
	UserID         string       `json:"user_id" db:"user_id"`
	Platform       Platform     `json:"platform" db:"platform"`
	ProviderGameID string       `json:"provider_game_id" db:"provider_game_id"`
	AnalysisType   AnalysisType `json:"analysis_type" db:"analysis_type"`

	Traits             TraitScores `json:"traits"`
	Accuracy           float64     `json:"accuracy" db:"accuracy"`
	OpeningAccuracy    float64     `json:"opening_accuracy" db:"opening_accuracy"`
	MiddlegameAccuracy float64     `json:"middlegame_accuracy" db:"middlegame_accuracy"`
	EndgameAccuracy    float64     `json:"endgame_accuracy" db:"endgame_accuracy"`
	Counts             MoveCounts  `json:"counts"`
	MovesTotal         int         `json:"moves_total" db:"moves_total"`
	FallbackMoves      int         `json:"fallback_moves" db:"fallback_moves"`
	CriticalMoments    int         `json:"critical_moments" db:"critical_moments"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
}

// PersonalityScores is the player-level trait aggregate, rederived from
// analyzed games rather than cascaded.
type PersonalityScores struct {
	UserID        string      `json:"user_id" db:"user_id"`
	Platform      Platform    `json:"platform" db:"platform"`
	Traits        TraitScores `json:"traits"`
	GamesAnalyzed int         `json:"games_analyzed" db:"games_analyzed"`
	MovesAnalyzed int         `json:"moves_analyzed" db:"moves_analyzed"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// ImportPhase of a running import session.
type ImportPhase string

const (
	PhaseProbeNew    ImportPhase = "probe_new"
	PhaseBackfillOld ImportPhase = "backfill_old"
	PhaseDone        ImportPhase = "done"
	PhaseError       ImportPhase = "error"
)

// ImportSession tracks one running import for a (user, platform) pair.
// Ephemeral; at most one active per tenant.
type ImportSession struct {
	UserID            string      `json:"user_id"`
	Platform          Platform    `json:"platform"`
	Phase             ImportPhase `json:"phase"`
	Cursor            string      `json:"cursor"`
	ImportedCount     int         `json:"imported_count"`
	CheckedCount      int         `json:"checked_count"`
	SkippedDuplicates int         `json:"skipped_duplicates"`
	StartedAt         time.Time   `json:"started_at"`
	LastProgressAt    time.Time   `json:"last_progress_at"`
	StatusMessage     string      `json:"status_message"`
}

// Stuck reports whether the session has made no progress for the given window.
func (s *ImportSession) Stuck(window time.Duration, now time.Time) bool {
	if s.Phase == PhaseDone || s.Phase == PhaseError {
		return false
	}
	return now.Sub(s.LastProgressAt) > window
}

// JobState of an analysis job. Terminal states are final; a retry is a new job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobKind distinguishes single-game from batch analysis jobs.
type JobKind string

const (
	JobSingleGame JobKind = "single_game"
	JobBatch      JobKind = "batch"
)

// AnalysisJob is one unit of scheduled analysis work.
type AnalysisJob struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Platform     Platform     `json:"platform"`
	Kind         JobKind      `json:"kind"`
	AnalysisType AnalysisType `json:"analysis_type"`
	GameIDs      []string     `json:"game_ids"`
	Depth        int          `json:"depth"`
	IsAnonymous  bool         `json:"is_anonymous"`
	ClientIP     string       `json:"client_ip"`
	State        JobState     `json:"state"`
	ErrorTag     ErrorTag     `json:"error_tag,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`

	Progress JobProgress `json:"progress"`
}

// JobProgress is the polling snapshot for a running job.
type JobProgress struct {
	JobsTotal     int    `json:"jobs_total"`
	JobsCompleted int    `json:"jobs_completed"`
	CurrentGameID string `json:"current_game_id,omitempty"`
	MovesAnalyzed int    `json:"moves_analyzed"`
	MovesTotal    int    `json:"moves_total"`
	FallbackMoves int    `json:"fallback_moves"`
	Phase         string `json:"phase"`
}

// Evaluation is a single engine (or fallback) position assessment.
// Mate scores are clamped to ±MateScoreCP with the winning side's sign.
type Evaluation struct {
	ScoreCP      int      `json:"score_cp"`
	BestMoveUCI  string   `json:"best_move_uci"`
	PV           []string `json:"principal_variation,omitempty"`
	DepthReached int      `json:"depth_reached"`
	IsMate       bool     `json:"is_mate"`
	Fallback     bool     `json:"fallback"`
}

// MateScoreCP is the sentinel magnitude used for mate evaluations. It is
// larger than any material-based score so ordering comparisons stay valid.
const MateScoreCP = 100000
