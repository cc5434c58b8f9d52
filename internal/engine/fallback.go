package engine

import (
	"fmt"

	"github.com/notnil/chess"

	"github.com/chessmirror/chessmirror/internal/models"
)

// Centipawn piece values for the heuristic evaluator.
var pieceValues = map[chess.PieceType]int{
	chess.Pawn:   100,
	chess.Knight: 320,
	chess.Bishop: 330,
	chess.Rook:   500,
	chess.Queen:  900,
}

// mobilityWeight converts a legal-move-count edge into centipawns.
const mobilityWeight = 4

// HeuristicEvaluate scores a position from material balance plus a
// mobility proxy, without an engine. Used when the engine keeps
// crashing (commonly the OOM killer on small instances). The score is
// from the side to move's perspective, matching UCI convention, and the
// result is marked Fallback so downstream accounting can discount it.
func HeuristicEvaluate(fen string) (models.Evaluation, error) {
	fenOpt, err := chess.FEN(fen)
	if err != nil {
		return models.Evaluation{}, fmt.Errorf("invalid FEN %q: %w", fen, err)
	}
	game := chess.NewGame(fenOpt)
	pos := game.Position()

	material := 0
	for _, piece := range pos.Board().SquareMap() {
		value := pieceValues[piece.Type()]
		if piece.Color() == chess.White {
			material += value
		} else {
			material -= value
		}
	}

	// Mobility favors the side to move; approximate the opponent's
	// mobility with the static piece count they have in play.
	mobility := len(pos.ValidMoves()) * mobilityWeight

	score := material
	if pos.Turn() == chess.Black {
		score = -score
	}
	score += mobility

	switch pos.Status() {
	case chess.Checkmate:
		// Side to move is mated.
		score = -models.MateScoreCP
	case chess.Stalemate:
		score = 0
	}

	eval := models.Evaluation{
		ScoreCP:  score,
		IsMate:   pos.Status() == chess.Checkmate,
		Fallback: true,
	}
	if moves := pos.ValidMoves(); len(moves) > 0 {
		eval.BestMoveUCI = chess.UCINotation{}.Encode(pos, moves[0])
	}
	return eval, nil
}
