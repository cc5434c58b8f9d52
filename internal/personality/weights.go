package personality

// Trait formula weights. Hand-tuned design constants calibrated against
// two reference players (beginner ~1200 landing at Patient 55-65,
// advanced ~1800 at Patient 75-85); subject to recalibration when a
// larger validation set exists.
const (
	baseScore = 50.0

	// Aggressive: forcing play raises it, quiet play and errors drag it.
	aggressiveForcingWeight = 45.0
	aggressiveQuietWeight   = 38.0
	aggressiveBlunderWeight = 15.0
	aggressiveMistakeWeight = 10.0

	// Patient: mirror image of aggressive, with bonuses for stability.
	patientQuietWeight      = 24.0
	patientForcingWeight    = 44.0
	patientBlunderWeight    = 28.0
	patientMistakeWeight    = 16.0
	patientInaccuracyWeight = 10.0
	stabilityBonusCap       = 8.0
	endgameBonusCap         = 6.0
	timeBonusCap            = 6.0
	streakBonusCap          = 5.0

	// Tactical: rewarded for finding the best move when it matters.
	tacticalForcingBestWeight = 40.0
	tacticalBlunderWeight     = 25.0
	tacticalMistakeWeight     = 15.0

	// Positional: quiet-phase precision minus quiet-phase drift.
	positionalQuietBestWeight = 35.0
	positionalDriftWeight     = 0.15

	// Time-management proxy from error patterns, when clock data is
	// unavailable.
	timeBlunderWeight     = 80.0
	timeMistakeWeight     = 40.0
	timeErrorWeight       = 20.0
	timeBestWeight        = 30.0
	timeConsistencyWeight = 0.2

	// Novelty/staleness game-level formulas over the opening repertoire.
	noveltyBase            = 25.0
	noveltyDiversityWeight = 0.6
	noveltyTopShareWeight  = 80.0
	stalenessBase          = 35.0
	stalenessTopShareWeight  = 150.0
	stalenessDiversityWeight = 0.25

	// Blend between move-level and game-level novelty/staleness signals.
	moveLevelBlend = 0.10
	gameLevelBlend = 0.90
)
