package analysis

import (
	"github.com/chessmirror/chessmirror/internal/models"
)

// accuracyWeight maps a classification to its contribution toward the
// accuracy percentage. A game of nothing but best moves scores 100.
var accuracyWeight = map[models.MoveClassification]float64{
	models.MoveBest:       1.0,
	models.MoveGreat:      0.9,
	models.MoveExcellent:  0.8,
	models.MoveGood:       0.65,
	models.MoveInaccuracy: 0.4,
	models.MoveMistake:    0.2,
	models.MoveBlunder:    0.0,
}

// PlayerRows filters the per-ply rows down to the player's own moves.
// White moves sit at even ply indices, Black at odd.
func PlayerRows(rows []models.MoveAnalysis, color models.Color) []models.MoveAnalysis {
	wantParity := 0
	if color == models.ColorBlack {
		wantParity = 1
	}
	var out []models.MoveAnalysis
	for _, row := range rows {
		if row.PlyIndex%2 == wantParity {
			out = append(out, row)
		}
	}
	return out
}

// Aggregate derives the per-game analysis record from the full set of
// per-ply rows. Trait scores are filled in by the personality layer; the
// aggregate here covers counts and accuracies, all computed over the
// player's own moves.
func Aggregate(game models.Game, analysisType models.AnalysisType, rows []models.MoveAnalysis) models.GameAnalysis {
	mine := PlayerRows(rows, game.Color)

	agg := models.GameAnalysis{
		UserID:         game.UserID,
		Platform:       game.Platform,
		ProviderGameID: game.ProviderGameID,
		AnalysisType:   analysisType,
		MovesTotal:     len(mine),
	}

	var byPhase = map[models.GamePhase][]models.MoveAnalysis{}
	for _, row := range mine {
		switch row.Classification {
		case models.MoveBest:
			agg.Counts.Best++
		case models.MoveGreat:
			agg.Counts.Great++
		case models.MoveExcellent:
			agg.Counts.Excellent++
		case models.MoveGood:
			agg.Counts.Good++
		case models.MoveInaccuracy:
			agg.Counts.Inaccuracy++
		case models.MoveMistake:
			agg.Counts.Mistake++
		case models.MoveBlunder:
			agg.Counts.Blunder++
		}
		if row.IsFallback {
			agg.FallbackMoves++
		}
		if Critical(row) {
			agg.CriticalMoments++
		}
		byPhase[row.Phase] = append(byPhase[row.Phase], row)
	}

	agg.Accuracy = accuracyOf(mine)
	agg.OpeningAccuracy = accuracyOf(byPhase[models.PhaseOpening])
	agg.MiddlegameAccuracy = accuracyOf(byPhase[models.PhaseMiddlegame])
	agg.EndgameAccuracy = accuracyOf(byPhase[models.PhaseEndgame])
	return agg
}

// accuracyOf is the classification-weighted accuracy percentage over a
// set of moves; zero when the set is empty.
func accuracyOf(rows []models.MoveAnalysis) float64 {
	if len(rows) == 0 {
		return 0
	}
	sum := 0.0
	for _, row := range rows {
		sum += accuracyWeight[row.Classification]
	}
	return 100 * sum / float64(len(rows))
}
