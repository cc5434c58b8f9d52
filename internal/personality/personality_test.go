package personality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chessmirror/chessmirror/internal/models"
)

// forcingMove and quietMove build white-ply rows with controlled swing.
func forcingMove(ply int, class models.MoveClassification) models.MoveAnalysis {
	return models.MoveAnalysis{
		PlyIndex:       ply,
		MoveSAN:        "Qxf7",
		Classification: class,
		IsBest:         class == models.MoveBest,
		IsBlunder:      class == models.MoveBlunder,
		IsMistake:      class == models.MoveMistake,
		IsInaccuracy:   class == models.MoveInaccuracy,
		EvalBefore:     0,
		EvalAfter:      200,
	}
}

func quietMove(ply int, class models.MoveClassification, cpl float64) models.MoveAnalysis {
	return models.MoveAnalysis{
		PlyIndex:       ply,
		MoveSAN:        "Nf3",
		Classification: class,
		IsBest:         class == models.MoveBest,
		CentipawnLoss:  cpl,
		EvalBefore:     10,
		EvalAfter:      15,
	}
}

func TestGameTraitsEmptyIsNeutral(t *testing.T) {
	traits := GameTraits(nil, models.ColorWhite)
	assert.Equal(t, 50.0, traits.Tactical)
	assert.Equal(t, 50.0, traits.Aggressive)
	assert.Equal(t, 50.0, traits.Patient)
}

func TestGameTraitsAggressivePatientOpposition(t *testing.T) {
	var forcingRows, quietRows []models.MoveAnalysis
	for i := 0; i < 20; i += 2 {
		forcingRows = append(forcingRows, forcingMove(i, models.MoveBest))
		quietRows = append(quietRows, quietMove(i, models.MoveBest, 3))
	}

	sharp := GameTraits(forcingRows, models.ColorWhite)
	calm := GameTraits(quietRows, models.ColorWhite)

	assert.Greater(t, sharp.Aggressive, calm.Aggressive)
	assert.Greater(t, calm.Patient, sharp.Patient)
	assert.Greater(t, sharp.Aggressive, 50.0)
	assert.Less(t, sharp.Patient, 50.0)
}

func TestGameTraitsErrorsDragEverything(t *testing.T) {
	var clean, sloppy []models.MoveAnalysis
	for i := 0; i < 20; i += 2 {
		clean = append(clean, quietMove(i, models.MoveBest, 2))
		class := models.MoveBest
		if i%4 == 0 {
			class = models.MoveBlunder
		}
		sloppy = append(sloppy, quietMove(i, class, 250))
	}

	good := GameTraits(clean, models.ColorWhite)
	bad := GameTraits(sloppy, models.ColorWhite)

	assert.Greater(t, good.Tactical, bad.Tactical)
	assert.Greater(t, good.Patient, bad.Patient)
	assert.Greater(t, good.Positional, bad.Positional)
}

func TestGameTraitsClamped(t *testing.T) {
	var rows []models.MoveAnalysis
	for i := 0; i < 60; i += 2 {
		rows = append(rows, forcingMove(i, models.MoveBlunder))
	}
	traits := GameTraits(rows, models.ColorWhite)
	for _, v := range []float64{traits.Tactical, traits.Positional, traits.Aggressive, traits.Patient, traits.Novelty, traits.Staleness} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
}

func TestTimeScorePenalizesBlunders(t *testing.T) {
	precise := moveSignals{bestRate: 0.8, consistency: 90, moves: 20}
	blundery := moveSignals{blunderRate: 0.3, mistakeRate: 0.2, moves: 20}

	assert.Greater(t, TimeScore(precise), 50.0)
	assert.Less(t, TimeScore(blundery), 50.0)
}

func TestRepertoireFrom(t *testing.T) {
	games := []models.Game{
		{OpeningNormalized: "Sicilian Defense"},
		{OpeningNormalized: "Sicilian Defense"},
		{OpeningNormalized: "Sicilian Defense"},
		{OpeningNormalized: "Caro-Kann Defense"},
		{Opening: "Italian Game"},
		{},
	}

	r := RepertoireFrom(games)
	assert.InDelta(t, 0.6, r.TopShare, 0.001)
	assert.InDelta(t, 60.0, r.Diversity, 0.001)
}

func TestRepertoireEmpty(t *testing.T) {
	r := RepertoireFrom(nil)
	assert.Zero(t, r.TopShare)
	assert.Zero(t, r.Diversity)
}

func TestNoveltyStalenessSoftOpposition(t *testing.T) {
	varied := RepertoireStats{Diversity: 80, TopShare: 0.15}
	repetitive := RepertoireStats{Diversity: 10, TopShare: 0.85}

	assert.Greater(t, gameNovelty(varied), gameNovelty(repetitive))
	assert.Greater(t, gameStaleness(repetitive), gameStaleness(varied))

	// Calibration target: each pair sums in roughly [70,130] for
	// realistic repertoires.
	sum := gameNovelty(varied) + gameStaleness(varied)
	assert.InDelta(t, 100, sum, 35)
}

func TestAggregatePlayerWeightsByMoves(t *testing.T) {
	analyses := []models.GameAnalysis{
		{MovesTotal: 30, Traits: models.TraitScores{Tactical: 80, Positional: 60, Aggressive: 70, Patient: 30, Novelty: 50, Staleness: 50}},
		{MovesTotal: 10, Traits: models.TraitScores{Tactical: 40, Positional: 60, Aggressive: 30, Patient: 70, Novelty: 50, Staleness: 50}},
	}

	scores := AggregatePlayer("alice", models.PlatformLichess, analyses, nil)

	require.Equal(t, 2, scores.GamesAnalyzed)
	assert.Equal(t, 40, scores.MovesAnalyzed)
	// 30-move game dominates 3:1.
	assert.InDelta(t, 70.0, scores.Traits.Tactical, 0.01)
	assert.InDelta(t, 60.0, scores.Traits.Aggressive, 0.01)
}

func TestAggregatePlayerEmptyIsNeutral(t *testing.T) {
	scores := AggregatePlayer("alice", models.PlatformLichess, nil, nil)
	assert.Equal(t, 50.0, scores.Traits.Tactical)
	assert.Equal(t, 0, scores.GamesAnalyzed)
}
