// Package analysis walks a game through the engine pool, producing one
// analyzed row per ply and the per-game aggregate derived from them.
package analysis

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/notnil/chess"

	"github.com/chessmirror/chessmirror/internal/cache"
	"github.com/chessmirror/chessmirror/internal/engine"
	"github.com/chessmirror/chessmirror/internal/metrics"
	"github.com/chessmirror/chessmirror/internal/models"
)

// Classification thresholds in centipawns of loss.
const (
	thresholdBest       = 5
	thresholdGreat      = 15
	thresholdExcellent  = 25
	thresholdGood       = 50
	thresholdInaccuracy = 100
	thresholdMistake    = 200
)

// Phase boundaries: the opening ends at ply 20; the endgame begins once
// combined non-pawn material drops to 10 points or less.
const (
	openingPlyLimit     = 20
	endgameMaterialCap  = 10
	forcingSwingCP      = 50
	criticalSwingCP     = 150
	evalCacheTTL        = 24 * time.Hour
)

// Params selects engine strength for one game walk.
type Params struct {
	Depth      int
	MoveTime   time.Duration
	SkillLevel int
}

// Progress is invoked after each analyzed ply.
type Progress func(analyzed, total, fallback int)

// Analyzer evaluates positions through the pool with a fingerprint-keyed
// evaluation cache in front.
type Analyzer struct {
	pool  *engine.Pool
	evals cache.Store
}

// NewAnalyzer wires the engine pool with an evaluation cache. evals may
// be nil to disable caching.
func NewAnalyzer(pool *engine.Pool, evals cache.Store) *Analyzer {
	return &Analyzer{pool: pool, evals: evals}
}

// AnalyzeGame replays the PGN and evaluates every position once,
// deriving per-ply rows for all plies. Cancellation is honored between
// positions; on timeout the completed rows are returned alongside the
// error so callers can preserve them.
func (a *Analyzer) AnalyzeGame(ctx context.Context, game models.Game, pgn string, analysisType models.AnalysisType, params Params, progress Progress) ([]models.MoveAnalysis, error) {
	replay, err := replayGame(pgn)
	if err != nil {
		return nil, err
	}
	moves := replay.Moves()
	positions := replay.Positions()
	if len(moves) == 0 {
		return nil, models.Taggedf(models.TagParseError, "PGN contains no moves")
	}

	// One evaluation per position, shared between the ply it follows and
	// the ply it precedes. Rows are built incrementally so a timeout
	// mid-game still hands back the completed plies for preservation.
	fallbacks := 0
	prevEval, err := a.evaluate(ctx, positions[0].String(), params)
	if err != nil {
		return nil, err
	}
	if prevEval.Fallback {
		fallbacks++
		metrics.FallbackEvaluations.Inc()
	}

	rows := make([]models.MoveAnalysis, 0, len(moves))
	for i, move := range moves {
		if err := ctx.Err(); err != nil {
			return rows, models.Tagged(models.TagTimeout, err)
		}
		nextEval, err := a.evaluate(ctx, positions[i+1].String(), params)
		if err != nil {
			return rows, err
		}
		if nextEval.Fallback {
			fallbacks++
			metrics.FallbackEvaluations.Inc()
		}

		posBefore := positions[i]
		// Scores arrive from the side to move's perspective; store them
		// from White's so consecutive evals are comparable.
		beforeWhite := whitePerspective(prevEval, posBefore.Turn())
		afterWhite := whitePerspective(nextEval, positions[i+1].Turn())

		// The mover's view of the position after the move is the negation
		// of the opponent's view.
		cpl := float64(prevEval.ScoreCP + nextEval.ScoreCP)
		if cpl < 0 {
			cpl = 0
		}
		if cpl > 2*models.MateScoreCP {
			cpl = 2 * models.MateScoreCP
		}

		classification := Classify(cpl)
		rows = append(rows, models.MoveAnalysis{
			UserID:         game.UserID,
			Platform:       game.Platform,
			ProviderGameID: game.ProviderGameID,
			AnalysisType:   analysisType,
			PlyIndex:       i,
			MoveSAN:        chess.AlgebraicNotation{}.Encode(posBefore, move),
			CentipawnLoss:  cpl,
			Classification: classification,
			IsBest:         classification == models.MoveBest,
			IsBlunder:      classification == models.MoveBlunder,
			IsMistake:      classification == models.MoveMistake,
			IsInaccuracy:   classification == models.MoveInaccuracy,
			EvalBefore:     beforeWhite,
			EvalAfter:      afterWhite,
			Phase:          phaseAt(i, posBefore),
			IsFallback:     prevEval.Fallback || nextEval.Fallback,
		})
		prevEval = nextEval

		if progress != nil {
			progress(i+1, len(moves), fallbacks)
		}
	}
	return rows, nil
}

// CountPlies reports how many half-moves a PGN contains, for sizing
// job timeouts before any engine time is spent.
func CountPlies(pgn string) (int, error) {
	replay, err := replayGame(pgn)
	if err != nil {
		return 0, err
	}
	return len(replay.Moves()), nil
}

// evaluate consults the fingerprint cache before the pool.
func (a *Analyzer) evaluate(ctx context.Context, fen string, params Params) (models.Evaluation, error) {
	key := engine.Fingerprint(fen, params.Depth, params.SkillLevel)
	if a.evals != nil {
		if cached, ok := a.evals.Get(key); ok {
			if eval, ok := cached.(models.Evaluation); ok {
				metrics.CacheHits.WithLabelValues("evaluation").Inc()
				return eval, nil
			}
		}
		metrics.CacheMisses.WithLabelValues("evaluation").Inc()
	}

	eval, err := a.pool.Evaluate(ctx, engine.EvalRequest{
		FEN:      fen,
		Depth:    params.Depth,
		MoveTime: params.MoveTime,
	})
	if err != nil {
		return models.Evaluation{}, err
	}
	if a.evals != nil && !eval.Fallback {
		a.evals.Set(key, eval, evalCacheTTL)
	}
	return eval, nil
}

// Classify buckets a centipawn loss.
func Classify(cpl float64) models.MoveClassification {
	switch {
	case cpl <= thresholdBest:
		return models.MoveBest
	case cpl <= thresholdGreat:
		return models.MoveGreat
	case cpl <= thresholdExcellent:
		return models.MoveExcellent
	case cpl <= thresholdGood:
		return models.MoveGood
	case cpl <= thresholdInaccuracy:
		return models.MoveInaccuracy
	case cpl <= thresholdMistake:
		return models.MoveMistake
	default:
		return models.MoveBlunder
	}
}

// phaseAt determines the game phase for the ply about to be played.
func phaseAt(plyIndex int, pos *chess.Position) models.GamePhase {
	if plyIndex < openingPlyLimit {
		return models.PhaseOpening
	}
	if nonPawnMaterial(pos) <= endgameMaterialCap {
		return models.PhaseEndgame
	}
	return models.PhaseMiddlegame
}

// nonPawnMaterial sums both sides' piece points (knights and bishops 3,
// rooks 5, queens 9).
func nonPawnMaterial(pos *chess.Position) int {
	points := map[chess.PieceType]int{
		chess.Knight: 3,
		chess.Bishop: 3,
		chess.Rook:   5,
		chess.Queen:  9,
	}
	total := 0
	for _, piece := range pos.Board().SquareMap() {
		total += points[piece.Type()]
	}
	return total
}

// whitePerspective flips a side-to-move score to White's point of view.
func whitePerspective(eval models.Evaluation, turn chess.Color) int {
	if turn == chess.Black {
		return -eval.ScoreCP
	}
	return eval.ScoreCP
}

// replayGame parses PGN movetext into a replayable game.
func replayGame(pgn string) (*chess.Game, error) {
	pgnFunc, err := chess.PGN(strings.NewReader(pgn))
	if err != nil {
		return nil, models.Tagged(models.TagParseError, err)
	}
	return chess.NewGame(pgnFunc), nil
}

// Swing is the absolute evaluation change a move caused, in White-
// perspective centipawns.
func Swing(row models.MoveAnalysis) float64 {
	return math.Abs(float64(row.EvalAfter - row.EvalBefore))
}

// Forcing reports whether the move materially changed the evaluation.
func Forcing(row models.MoveAnalysis) bool {
	return Swing(row) >= forcingSwingCP
}

// Critical reports a swing large enough to count as a turning point.
func Critical(row models.MoveAnalysis) bool {
	return Swing(row) >= criticalSwingCP
}

