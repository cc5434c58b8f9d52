// Package personality maps per-move evaluations and game-level signals
// into six player traits, each in [0,100] with 50 as neutral. Aggressive
// and patient, like novelty and staleness, move as soft opposites.
package personality

import (
	"math"
	"time"

	"github.com/chessmirror/chessmirror/internal/analysis"
	"github.com/chessmirror/chessmirror/internal/models"
)

// moveSignals are the per-game ratios the trait formulas consume. All
// ratios are in [0,1] over the player's own moves.
type moveSignals struct {
	forcingRatio   float64
	quietRatio     float64
	blunderRate    float64
	mistakeRate    float64
	inaccuracyRate float64
	bestRate       float64
	bestInForcing  float64
	quietBestRate  float64
	quietDriftCP   float64
	consistency    float64
	endgameAcc     float64
	longestStreak  int
	moves          int
}

func signalsFrom(rows []models.MoveAnalysis) moveSignals {
	var s moveSignals
	s.moves = len(rows)
	if s.moves == 0 {
		return s
	}

	var forcing, quiet, blunders, mistakes, inaccuracies, best int
	var bestInForcing, quietBest int
	var quietDrift float64
	var endgameRows, endgameBest int
	var cplSum, cplSumSq float64
	streak, longest := 0, 0

	for _, row := range rows {
		isForcing := analysis.Forcing(row)
		if isForcing {
			forcing++
			if row.IsBest {
				bestInForcing++
			}
		} else {
			quiet++
			quietDrift += row.CentipawnLoss
			if row.IsBest {
				quietBest++
			}
		}
		switch row.Classification {
		case models.MoveBlunder:
			blunders++
		case models.MoveMistake:
			mistakes++
		case models.MoveInaccuracy:
			inaccuracies++
		case models.MoveBest:
			best++
		}
		if row.Phase == models.PhaseEndgame {
			endgameRows++
			if row.IsBest {
				endgameBest++
			}
		}
		if row.IsBlunder || row.IsMistake {
			streak = 0
		} else {
			streak++
			if streak > longest {
				longest = streak
			}
		}
		cplSum += row.CentipawnLoss
		cplSumSq += row.CentipawnLoss * row.CentipawnLoss
	}

	n := float64(s.moves)
	s.forcingRatio = float64(forcing) / n
	s.quietRatio = float64(quiet) / n
	s.blunderRate = float64(blunders) / n
	s.mistakeRate = float64(mistakes) / n
	s.inaccuracyRate = float64(inaccuracies) / n
	s.bestRate = float64(best) / n
	s.longestStreak = longest
	if forcing > 0 {
		s.bestInForcing = float64(bestInForcing) / float64(forcing)
	}
	if quiet > 0 {
		s.quietBestRate = float64(quietBest) / float64(quiet)
		s.quietDriftCP = quietDrift / float64(quiet)
	}
	if endgameRows > 0 {
		s.endgameAcc = float64(endgameBest) / float64(endgameRows)
	}

	// Consistency in [0,100]: high when centipawn losses cluster tightly.
	mean := cplSum / n
	variance := cplSumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	s.consistency = clamp(100-math.Sqrt(variance), 0, 100)
	return s
}

// GameTraits scores one game from the player's analyzed moves. Novelty
// and staleness carry only the move-level component here; the dominant
// game-level repertoire component is blended in at player aggregation.
func GameTraits(rows []models.MoveAnalysis, color models.Color) models.TraitScores {
	mine := analysis.PlayerRows(rows, color)
	s := signalsFrom(mine)
	if s.moves == 0 {
		return models.TraitScores{
			Tactical: baseScore, Positional: baseScore,
			Aggressive: baseScore, Patient: baseScore,
			Novelty: baseScore, Staleness: baseScore,
		}
	}

	tactical := baseScore +
		s.bestInForcing*tacticalForcingBestWeight -
		s.blunderRate*tacticalBlunderWeight -
		s.mistakeRate*tacticalMistakeWeight

	positional := baseScore +
		s.quietBestRate*positionalQuietBestWeight -
		s.quietDriftCP*positionalDriftWeight

	aggressive := baseScore +
		s.forcingRatio*aggressiveForcingWeight -
		s.quietRatio*aggressiveQuietWeight -
		(s.blunderRate*aggressiveBlunderWeight + s.mistakeRate*aggressiveMistakeWeight)

	patient := baseScore +
		s.quietRatio*patientQuietWeight -
		s.forcingRatio*patientForcingWeight +
		stabilityBonus(s) + endgameBonus(s) + timeBonus(s) + streakBonus(s) -
		(s.blunderRate*patientBlunderWeight +
			s.mistakeRate*patientMistakeWeight +
			s.inaccuracyRate*patientInaccuracyWeight)

	variety := moveVariety(mine)

	return models.TraitScores{
		Tactical:   clamp(tactical, 0, 100),
		Positional: clamp(positional, 0, 100),
		Aggressive: clamp(aggressive, 0, 100),
		Patient:    clamp(patient, 0, 100),
		Novelty:    clamp(baseScore+variety*20-10, 0, 100),
		Staleness:  clamp(baseScore-variety*20+10, 0, 100),
	}
}

// TimeScore is the time-management proxy derived from error patterns
// when platform clock data is unavailable.
func TimeScore(s moveSignals) float64 {
	errorRate := s.blunderRate + s.mistakeRate + s.inaccuracyRate
	score := baseScore -
		(s.blunderRate*timeBlunderWeight + s.mistakeRate*timeMistakeWeight + errorRate*timeErrorWeight) +
		(s.bestRate*timeBestWeight + s.consistency*timeConsistencyWeight)
	return clamp(score, 0, 100)
}

func stabilityBonus(s moveSignals) float64 {
	return clamp((s.consistency-50)*0.16, 0, stabilityBonusCap)
}

func endgameBonus(s moveSignals) float64 {
	return clamp(s.endgameAcc*endgameBonusCap, 0, endgameBonusCap)
}

func timeBonus(s moveSignals) float64 {
	return clamp((TimeScore(s)-baseScore)*0.2, 0, timeBonusCap)
}

func streakBonus(s moveSignals) float64 {
	return clamp(float64(s.longestStreak)*0.25, 0, streakBonusCap)
}

// moveVariety in [0,1] is the local pattern-variety proxy: how many
// distinct piece kinds the player moved relative to the six available.
func moveVariety(rows []models.MoveAnalysis) float64 {
	if len(rows) == 0 {
		return 0
	}
	kinds := make(map[byte]struct{})
	for _, row := range rows {
		if row.MoveSAN == "" {
			continue
		}
		c := row.MoveSAN[0]
		if c >= 'A' && c <= 'Z' {
			kinds[c] = struct{}{}
		} else {
			kinds['P'] = struct{}{}
		}
	}
	return float64(len(kinds)) / 6
}

// RepertoireStats summarize a player's opening spread across analyzed
// games for the game-level novelty/staleness component.
type RepertoireStats struct {
	// Diversity in [0,100]: distinct canonical openings relative to games.
	Diversity float64
	// TopShare in [0,1]: fraction of games in the single most-played opening.
	TopShare float64
}

// RepertoireFrom computes repertoire stats from games' normalized
// opening names. Games with no opening label are ignored.
func RepertoireFrom(games []models.Game) RepertoireStats {
	counts := make(map[string]int)
	total := 0
	for _, g := range games {
		name := g.OpeningNormalized
		if name == "" {
			name = g.Opening
		}
		if name == "" {
			continue
		}
		counts[name]++
		total++
	}
	if total == 0 {
		return RepertoireStats{}
	}
	top := 0
	for _, c := range counts {
		if c > top {
			top = c
		}
	}
	return RepertoireStats{
		Diversity: 100 * float64(len(counts)) / float64(total),
		TopShare:  float64(top) / float64(total),
	}
}

// gameNovelty and gameStaleness are the repertoire-level formulas.
func gameNovelty(r RepertoireStats) float64 {
	return clamp(noveltyBase+r.Diversity*noveltyDiversityWeight-r.TopShare*noveltyTopShareWeight, 0, 100)
}

func gameStaleness(r RepertoireStats) float64 {
	return clamp(stalenessBase+r.TopShare*stalenessTopShareWeight-r.Diversity*stalenessDiversityWeight, 0, 100)
}

// AggregatePlayer folds per-game analyses into the player-level score:
// a move-count-weighted mean of the per-game traits, with novelty and
// staleness re-blended 10/90 against the repertoire component.
func AggregatePlayer(userID string, platform models.Platform, analyses []models.GameAnalysis, games []models.Game) models.PersonalityScores {
	scores := models.PersonalityScores{
		UserID:    userID,
		Platform:  platform,
		UpdatedAt: time.Now().UTC(),
	}
	if len(analyses) == 0 {
		scores.Traits = models.TraitScores{
			Tactical: baseScore, Positional: baseScore,
			Aggressive: baseScore, Patient: baseScore,
			Novelty: baseScore, Staleness: baseScore,
		}
		return scores
	}

	var weightSum float64
	var t models.TraitScores
	for _, ga := range analyses {
		w := float64(ga.MovesTotal)
		if w == 0 {
			continue
		}
		t.Tactical += ga.Traits.Tactical * w
		t.Positional += ga.Traits.Positional * w
		t.Aggressive += ga.Traits.Aggressive * w
		t.Patient += ga.Traits.Patient * w
		t.Novelty += ga.Traits.Novelty * w
		t.Staleness += ga.Traits.Staleness * w
		weightSum += w
		scores.MovesAnalyzed += ga.MovesTotal
	}
	scores.GamesAnalyzed = len(analyses)
	if weightSum == 0 {
		weightSum = 1
	}
	t.Tactical /= weightSum
	t.Positional /= weightSum
	t.Aggressive /= weightSum
	t.Patient /= weightSum
	t.Novelty /= weightSum
	t.Staleness /= weightSum

	repertoire := RepertoireFrom(games)
	t.Novelty = clamp(t.Novelty*moveLevelBlend+gameNovelty(repertoire)*gameLevelBlend, 0, 100)
	t.Staleness = clamp(t.Staleness*moveLevelBlend+gameStaleness(repertoire)*gameLevelBlend, 0, 100)

	scores.Traits = t
	return scores
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
