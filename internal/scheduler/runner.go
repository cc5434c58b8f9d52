package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chessmirror/chessmirror/internal/analysis"
	"github.com/chessmirror/chessmirror/internal/importer"
	"github.com/chessmirror/chessmirror/internal/metrics"
	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/openings"
	"github.com/chessmirror/chessmirror/internal/personality"
)

const (
	// persistRetries bounds retries of a failed analysis transaction.
	persistRetries = 2

	// jobTimeoutFactor scales the engine-time estimate into the hard
	// job deadline.
	jobTimeoutFactor = 10

	// personalityGameWindow is how many recent analyses feed the
	// player-level aggregate.
	personalityGameWindow = 200
)

// target is one game selected for analysis, with its movetext resolved.
type target struct {
	game models.Game
	pgn  string
}

// runJob drives one job to a terminal state.
func (s *Scheduler) runJob(j *job) {
	id := j.record.ID
	if err := j.ctx.Err(); err != nil {
		s.finish(j, models.JobCancelled, "", "cancelled before start")
		return
	}

	s.update(id, func(r *models.AnalysisJob) {
		r.State = models.JobRunning
		r.Progress.Phase = "selecting"
	})

	targets, err := s.selectTargets(j)
	if err != nil {
		s.fail(j, err)
		return
	}
	if len(targets) == 0 {
		s.finish(j, models.JobCompleted, "", "nothing to analyze")
		return
	}

	s.update(id, func(r *models.AnalysisJob) {
		r.Progress.JobsTotal = len(targets)
		r.Progress.Phase = "analyzing"
		r.GameIDs = gameIDsOf(targets)
	})

	params := analysis.Params{
		Depth:      j.record.Depth,
		MoveTime:   time.Duration(s.cfg.DefaultMoveTime * float64(time.Second)),
		SkillLevel: s.cfg.SkillLevel,
	}

	completed := 0
	var lastErr error
	for _, t := range targets {
		if err := j.ctx.Err(); err != nil {
			s.finish(j, models.JobCancelled, "", "cancelled")
			return
		}
		if err := s.analyzeOne(j, t, params); err != nil {
			lastErr = err
			log.Error().Str("job_id", id).Str("game_id", t.game.ProviderGameID).
				Str("tag", string(models.TagOf(err))).Err(err).
				Msg("Game analysis failed")
			metrics.AnalysesCompleted.WithLabelValues("failed").Inc()
			continue
		}
		completed++
		metrics.AnalysesCompleted.WithLabelValues("completed").Inc()
		s.update(id, func(r *models.AnalysisJob) {
			r.Progress.JobsCompleted = completed
		})
	}

	if completed > 0 {
		s.refreshPersonality(j)
		if s.analytics != nil {
			s.analytics.InvalidateTenant(j.record.UserID, j.record.Platform)
		}
	}

	if completed == 0 && lastErr != nil {
		s.fail(j, lastErr)
		return
	}
	s.finish(j, models.JobCompleted, "", "")
}

// selectTargets resolves the job's game set with movetext, newest first.
func (s *Scheduler) selectTargets(j *job) ([]target, error) {
	ctx := j.ctx
	switch {
	case j.req.RawPGN != "":
		return s.targetFromRawPGN(j)
	case j.req.GameID != "":
		return s.targetFromGameID(ctx, j)
	default:
		return s.selectBatch(ctx, j)
	}
}

func (s *Scheduler) targetFromRawPGN(j *job) ([]target, error) {
	game, err := importer.GameFromPGN(j.req.UserID, j.req.Platform, "pgn-"+j.record.ID[:8], j.req.RawPGN)
	if err != nil {
		return nil, err
	}
	return []target{{game: game, pgn: j.req.RawPGN}}, nil
}

func (s *Scheduler) targetFromGameID(ctx context.Context, j *job) ([]target, error) {
	key := models.GameKey{UserID: j.req.UserID, Platform: j.req.Platform, ProviderGameID: j.req.GameID}
	pgn, err := s.resolvePGN(ctx, key)
	if err != nil {
		return nil, err
	}

	game, err := s.store.Games.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if game == nil {
		// The importer never stored this game; reconstruct it from the
		// movetext so the analysis has a parent row.
		reconstructed, err := importer.GameFromPGN(key.UserID, key.Platform, key.ProviderGameID, pgn)
		if err != nil {
			return nil, err
		}
		game = &reconstructed
	}
	return []target{{game: *game, pgn: pgn}}, nil
}

// selectBatch picks the N most recent unanalyzed games. Ordering from
// the store must be strictly non-increasing; an inversion means the
// selector itself is broken and the job fails rather than analyze the
// wrong games.
func (s *Scheduler) selectBatch(ctx context.Context, j *job) ([]target, error) {
	limit := j.req.BatchLimit
	games, err := s.store.Games.ListUnanalyzed(ctx, j.req.UserID, j.req.Platform, j.req.AnalysisType, limit*batchFetchMultiplier)
	if err != nil {
		return nil, err
	}
	if err := validateOrdering(games); err != nil {
		return nil, err
	}

	ids := make([]string, len(games))
	for i, g := range games {
		ids[i] = g.ProviderGameID
	}

	// Double-check against the aggregate table: the anti-join and this
	// lookup can disagree only mid-write, and skipping is the safe side.
	analyzed, err := s.store.Analyses.AnalyzedAccuracies(ctx, j.req.UserID, j.req.Platform, j.req.AnalysisType, ids)
	if err != nil {
		return nil, err
	}

	pgnByID, err := s.store.PGNs.GetBatch(ctx, j.req.UserID, j.req.Platform, ids)
	if err != nil {
		return nil, err
	}

	// Re-walk the ordered slice rather than the map so chronology is
	// preserved.
	var targets []target
	for _, g := range games {
		if len(targets) >= limit {
			break
		}
		if _, done := analyzed[g.ProviderGameID]; done {
			continue
		}
		pgn, ok := pgnByID[g.ProviderGameID]
		if !ok {
			pgn, err = s.resolvePGN(ctx, g.Key())
			if err != nil {
				log.Warn().Str("game_id", g.ProviderGameID).Err(err).
					Msg("Skipping game with unresolvable PGN")
				continue
			}
		}
		targets = append(targets, target{game: g, pgn: pgn})
	}
	return targets, nil
}

func validateOrdering(games []models.Game) error {
	for i := 1; i < len(games); i++ {
		if games[i].PlayedAt.After(games[i-1].PlayedAt) {
			return models.Taggedf(models.TagPersistenceFailed,
				"game ordering inversion at index %d: %s after %s",
				i, games[i].PlayedAt, games[i-1].PlayedAt)
		}
	}
	return nil
}

func (s *Scheduler) resolvePGN(ctx context.Context, key models.GameKey) (string, error) {
	if s.pgns != nil {
		return s.pgns.EnsurePGN(ctx, key)
	}
	rec, err := s.store.PGNs.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", models.Taggedf(models.TagNotFound, "no PGN stored for game %s", key.ProviderGameID)
	}
	return rec.PGN, nil
}

// analyzeOne runs the full per-game protocol: analyze, aggregate,
// classify the opening, persist atomically, all under the game's time
// budget.
func (s *Scheduler) analyzeOne(j *job, t target, params analysis.Params) error {
	plies, err := analysis.CountPlies(t.pgn)
	if err != nil {
		return err
	}

	// Hard ceiling: N+1 position evaluations at the move-time budget,
	// scaled by the job timeout factor.
	budget := time.Duration(plies+1) * params.MoveTime * jobTimeoutFactor
	if budget < time.Minute {
		budget = time.Minute
	}
	ctx, cancel := context.WithTimeout(j.ctx, budget)
	defer cancel()

	s.update(j.record.ID, func(r *models.AnalysisJob) {
		r.Progress.CurrentGameID = t.game.ProviderGameID
		r.Progress.MovesTotal = plies
		r.Progress.MovesAnalyzed = 0
	})

	rows, err := s.analyzer.AnalyzeGame(ctx, t.game, t.pgn, j.record.AnalysisType, params, func(analyzed, total, fallback int) {
		s.update(j.record.ID, func(r *models.AnalysisJob) {
			r.Progress.MovesAnalyzed = analyzed
			r.Progress.MovesTotal = total
			r.Progress.FallbackMoves = fallback
		})
	})
	if err != nil {
		if models.TagOf(err) == models.TagTimeout && len(rows) > 0 {
			// Preserve the completed plies; the aggregate stays unwritten
			// because it must describe the whole game.
			if persistErr := s.store.Analyses.ReplaceMoves(context.Background(), t.game.Key(), j.record.AnalysisType, rows); persistErr != nil {
				log.Error().Str("game_id", t.game.ProviderGameID).Err(persistErr).
					Msg("Failed to preserve partial analysis after timeout")
			}
		}
		return err
	}

	game := s.classifyOpening(t.game, rows)
	agg := analysis.Aggregate(game, j.record.AnalysisType, rows)
	agg.Traits = personality.GameTraits(rows, game.Color)

	return s.persistGame(j, game, rows, agg)
}

// classifyOpening backfills the normalized opening fields from whatever
// signal is available: ECO, the raw label, or the first moves.
func (s *Scheduler) classifyOpening(game models.Game, rows []models.MoveAnalysis) models.Game {
	sans := make([]string, 0, 6)
	for _, row := range rows {
		if len(sans) == 6 {
			break
		}
		sans = append(sans, row.MoveSAN)
	}
	c := openings.Classify(game.OpeningFamily, game.Opening, sans)
	if game.Opening == "" {
		game.Opening = c.Name
	}
	game.OpeningNormalized = c.Family
	if game.OpeningFamily == "" {
		game.OpeningFamily = c.Family
	}
	return game
}

// persistGame commits the move rows and the aggregate in one
// transaction, retrying transient failures and auto-creating the parent
// game row when the FK preflight finds it missing.
func (s *Scheduler) persistGame(j *job, game models.Game, rows []models.MoveAnalysis, agg models.GameAnalysis) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// FK preflight: the analysis may target a game the importer never
	// stored, or one reconstructed from raw PGN.
	if created, err := s.store.Analyses.EnsureGameExists(ctx, game); err != nil {
		return err
	} else if created {
		log.Info().Str("game_id", game.ProviderGameID).
			Str("tag", string(models.TagFKViolationPreempt)).
			Msg("Auto-created missing game row before analysis write")
	} else {
		// Push the refreshed opening classification to the stored row.
		if _, err := s.store.Games.UpsertBatch(ctx, []models.Game{game}); err != nil {
			log.Warn().Str("game_id", game.ProviderGameID).Err(err).
				Msg("Failed to refresh opening classification")
		}
	}

	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= persistRetries; attempt++ {
		err = s.store.Analyses.ReplaceGameAnalysis(ctx, rows, agg)
		if err == nil {
			return nil
		}
		switch models.TagOf(err) {
		case models.TagFKViolationPreempt:
			if _, ensureErr := s.store.Analyses.EnsureGameExists(ctx, game); ensureErr != nil {
				return ensureErr
			}
		case models.TagPersistenceFailed:
			// Transient; retry with backoff.
		default:
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

// refreshPersonality rederives the player-level traits from the
// analyzed games and stores them.
func (s *Scheduler) refreshPersonality(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	userID, platform := j.record.UserID, j.record.Platform
	analyses, err := s.store.Analyses.ListGameAnalyses(ctx, userID, platform, personalityGameWindow, 0)
	if err != nil {
		log.Error().Str("user_id", userID).Err(err).Msg("Failed to load analyses for personality refresh")
		return
	}
	games, err := s.store.Games.GetOrdered(ctx, userID, platform, personalityGameWindow, 0)
	if err != nil {
		log.Error().Str("user_id", userID).Err(err).Msg("Failed to load games for personality refresh")
		return
	}

	scores := personality.AggregatePlayer(userID, platform, analyses, games)
	if err := s.store.Analyses.UpsertPersonality(ctx, scores); err != nil {
		log.Error().Str("user_id", userID).Err(err).Msg("Failed to store personality scores")
		return
	}
	log.Info().Str("user_id", userID).Str("platform", string(platform)).
		Int("games", scores.GamesAnalyzed).Int("moves", scores.MovesAnalyzed).
		Msg("Personality scores refreshed")
}

func (s *Scheduler) fail(j *job, err error) {
	tag := models.TagOf(err)
	var denied *QuotaDeniedError
	if errors.As(err, &denied) {
		tag = models.TagRateLimit
	}
	s.update(j.record.ID, func(r *models.AnalysisJob) {
		r.State = models.JobFailed
		r.ErrorTag = tag
		r.ErrorMessage = err.Error()
		r.Progress.Phase = "failed"
	})
	log.Error().Str("job_id", j.record.ID).Str("tag", string(tag)).Err(err).Msg("Analysis job failed")
}

func (s *Scheduler) finish(j *job, state models.JobState, tag models.ErrorTag, message string) {
	s.update(j.record.ID, func(r *models.AnalysisJob) {
		r.State = state
		r.ErrorTag = tag
		if message != "" {
			r.Progress.Phase = message
		} else {
			r.Progress.Phase = string(state)
		}
	})
	log.Info().Str("job_id", j.record.ID).Str("state", string(state)).Msg("Analysis job finished")
}

func gameIDsOf(targets []target) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.game.ProviderGameID
	}
	return ids
}
