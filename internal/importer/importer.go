// Package importer ingests player game history from Lichess and
// Chess.com into the games and PGN stores. Imports run as background
// sessions observable through polling; a two-phase cursor walk first
// probes for games newer than anything stored, then backfills older
// history.
package importer

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chessmirror/chessmirror/internal/cache"
	"github.com/chessmirror/chessmirror/internal/config"
	"github.com/chessmirror/chessmirror/internal/metrics"
	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/persistence"
)

// Mode selects how much history a session pursues.
type Mode string

const (
	// ModeSmart probes for new games only; the cheap incremental path.
	ModeSmart Mode = "smart"
	// ModeFull runs both phases: probe new, then backfill old history.
	ModeFull Mode = "full"
)

const (
	// emptyBatchThreshold is how many consecutive zero-new probe batches
	// trigger the switch to backfill.
	emptyBatchThreshold = 3

	// gcInterval forces a collection every N imported games to keep the
	// peak footprint down on small instances.
	gcInterval = 100

	sessionTimeout = 30 * time.Minute
)

// Importer coordinates import sessions across tenants under a global
// concurrency semaphore.
type Importer struct {
	games     persistence.GamesRepo
	pgns      persistence.PGNRepo
	sources   map[models.Platform]Source
	sessions  *SessionRegistry
	analytics *cache.AnalyticsCache
	sem       chan struct{}
	cfg       config.ImportConfig
}

// New creates the importer. analytics may be nil in one-shot CLI use.
func New(games persistence.GamesRepo, pgns persistence.PGNRepo, sources map[models.Platform]Source, analytics *cache.AnalyticsCache, cfg config.ImportConfig) *Importer {
	return &Importer{
		games:     games,
		pgns:      pgns,
		sources:   sources,
		sessions:  NewSessionRegistry(),
		analytics: analytics,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		cfg:       cfg,
	}
}

// Sessions exposes the registry for progress polling.
func (im *Importer) Sessions() *SessionRegistry {
	return im.sessions
}

// Progress returns the tenant's session snapshot, or nil when no
// session has run.
func (im *Importer) Progress(userID string, platform models.Platform) *models.ImportSession {
	return im.sessions.Snapshot(userID, platform)
}

// Start begins a background import session. The user ID must already be
// canonical. Rejects synchronously with import_in_progress when the
// global semaphore is saturated or the tenant already has a session.
func (im *Importer) Start(userID string, platform models.Platform, maxGames int, mode Mode) (*models.ImportSession, error) {
	source, ok := im.sources[platform]
	if !ok {
		return nil, models.Taggedf(models.TagValidation, "unsupported platform %q", platform)
	}
	if maxGames <= 0 || maxGames > im.cfg.SessionGameCap {
		maxGames = im.cfg.SessionGameCap
	}

	select {
	case im.sem <- struct{}{}:
	default:
		return nil, models.Taggedf(models.TagImportInProgress,
			"all %d import slots are busy, retry shortly", im.cfg.MaxConcurrent)
	}

	session, err := im.sessions.Begin(userID, platform)
	if err != nil {
		<-im.sem
		return nil, err
	}

	metrics.ImportsStarted.WithLabelValues(string(platform)).Inc()
	log.Info().Str("user_id", userID).Str("platform", string(platform)).
		Int("max_games", maxGames).Str("mode", string(mode)).
		Msg("Import session started")

	go func() {
		defer func() { <-im.sem }()
		ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
		defer cancel()
		im.run(ctx, source, userID, platform, maxGames, mode)
	}()

	snapshot := *session
	return &snapshot, nil
}

// run executes the session phases and finalizes the session record.
func (im *Importer) run(ctx context.Context, source Source, userID string, platform models.Platform, maxGames int, mode Mode) {
	outcome := "completed"
	state := &sessionState{userID: userID, platform: platform, max: maxGames}

	err := im.probeNew(ctx, source, state)
	if err == nil && mode == ModeFull && state.switchToBackfill && state.imported < maxGames {
		im.sessions.Update(userID, platform, func(s *models.ImportSession) {
			s.Phase = models.PhaseBackfillOld
		})
		err = im.backfillOld(ctx, source, state)
	}

	if err != nil {
		outcome = "failed"
		tag := models.TagOf(err)
		log.Error().Str("user_id", userID).Str("platform", string(platform)).
			Str("tag", string(tag)).Err(err).Msg("Import session failed")
		im.sessions.Update(userID, platform, func(s *models.ImportSession) {
			s.Phase = models.PhaseError
			s.StatusMessage = string(tag)
		})
	} else {
		im.sessions.Update(userID, platform, func(s *models.ImportSession) {
			s.Phase = models.PhaseDone
			s.StatusMessage = "done"
		})
		log.Info().Str("user_id", userID).Str("platform", string(platform)).
			Int("imported", state.imported).Int("checked", state.checked).
			Int("skipped_duplicates", state.skipped).Msg("Import session finished")
	}

	metrics.ImportsCompleted.WithLabelValues(string(platform), outcome).Inc()
	if state.imported > 0 && im.analytics != nil {
		im.analytics.InvalidateTenant(userID, platform)
	}
}

// sessionState is the mutable progress of one running session.
type sessionState struct {
	userID   string
	platform models.Platform
	max      int

	imported         int
	checked          int
	skipped          int
	sinceGC          int
	switchToBackfill bool
}

// probeNew fetches games strictly newer than the newest stored game.
// Three consecutive batches with zero new games hand over to backfill;
// finding new games and then exhausting the window completes the
// session without a backfill switch.
func (im *Importer) probeNew(ctx context.Context, source Source, st *sessionState) error {
	cursor, err := im.games.NewestPlayedAt(ctx, st.userID, st.platform)
	if err != nil {
		return err
	}
	freshUser := cursor == nil

	emptyBatches := 0
	foundNew := false
	for st.imported < st.max {
		if err := ctx.Err(); err != nil {
			return models.Tagged(models.TagTimeout, err)
		}

		batchSize := adaptiveBatchSize(st.imported)
		batch, err := im.fetchWithRetry(ctx, st, func() ([]ImportedGame, error) {
			return source.FetchNewer(ctx, st.userID, cursor, batchSize)
		})
		if err != nil {
			return err
		}

		if len(batch) == 0 {
			if freshUser || foundNew {
				return nil
			}
			emptyBatches++
			if emptyBatches >= emptyBatchThreshold {
				st.switchToBackfill = true
				return nil
			}
			continue
		}

		result, err := im.persistBatch(ctx, st, batch)
		if err != nil {
			return err
		}
		if result.Inserted == 0 {
			emptyBatches++
		} else {
			emptyBatches = 0
			foundNew = true
		}
		if emptyBatches >= emptyBatchThreshold {
			if !freshUser {
				st.switchToBackfill = true
			}
			return nil
		}

		// Advance past the newest game seen; batches arrive newest first.
		newest := batch[0].Game.PlayedAt
		cursor = &newest

		if len(batch) < batchSize {
			// Short page: window exhausted.
			if !freshUser && !foundNew {
				st.switchToBackfill = true
			}
			return nil
		}
		im.pause(st)
	}
	return nil
}

// backfillOld walks history backward from the oldest stored game.
func (im *Importer) backfillOld(ctx context.Context, source Source, st *sessionState) error {
	oldest, err := im.games.OldestPlayedAt(ctx, st.userID, st.platform)
	if err != nil {
		return err
	}
	if oldest == nil {
		return nil
	}
	cursor := *oldest

	for st.imported < st.max {
		if err := ctx.Err(); err != nil {
			return models.Tagged(models.TagTimeout, err)
		}

		batchSize := adaptiveBatchSize(st.imported)
		batch, err := im.fetchWithRetry(ctx, st, func() ([]ImportedGame, error) {
			return source.FetchOlder(ctx, st.userID, cursor, batchSize)
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		if _, err := im.persistBatch(ctx, st, batch); err != nil {
			return err
		}

		cursor = batch[len(batch)-1].Game.PlayedAt
		if len(batch) < batchSize {
			return nil
		}
		im.pause(st)
	}
	return nil
}

// fetchWithRetry runs one batch fetch, retrying once on failure before
// giving up on the session.
func (im *Importer) fetchWithRetry(ctx context.Context, st *sessionState, fetch func() ([]ImportedGame, error)) ([]ImportedGame, error) {
	batch, err := fetch()
	if err == nil {
		return batch, nil
	}

	tag := models.TagOf(err)
	log.Warn().Str("user_id", st.userID).Str("platform", string(st.platform)).
		Str("tag", string(tag)).Err(err).Msg("Batch fetch failed, retrying once")
	im.sessions.Update(st.userID, st.platform, func(s *models.ImportSession) {
		s.StatusMessage = string(tag)
	})

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return nil, models.Tagged(models.TagTimeout, ctx.Err())
	}
	return fetch()
}

// persistBatch upserts games and PGNs and updates session counters.
// Duplicates show up as updated rows and are counted, not re-imported.
func (im *Importer) persistBatch(ctx context.Context, st *sessionState, batch []ImportedGame) (persistence.UpsertResult, error) {
	games := make([]models.Game, len(batch))
	pgns := make([]models.PGNRecord, len(batch))
	for i, ig := range batch {
		games[i] = ig.Game
		pgns[i] = models.PGNRecord{
			UserID:         ig.Game.UserID,
			Platform:       ig.Game.Platform,
			ProviderGameID: ig.Game.ProviderGameID,
			PGN:            ig.PGN,
		}
	}

	result, err := im.games.UpsertBatch(ctx, games)
	if err != nil {
		return result, err
	}
	if err := im.pgns.UpsertBatch(ctx, pgns); err != nil {
		return result, err
	}

	st.checked += len(batch)
	st.imported += result.Inserted
	st.skipped += result.Updated
	st.sinceGC += result.Inserted

	metrics.GamesImported.WithLabelValues(string(st.platform)).Add(float64(result.Inserted))
	metrics.GamesSkipped.WithLabelValues(string(st.platform)).Add(float64(result.Updated))

	im.sessions.Update(st.userID, st.platform, func(s *models.ImportSession) {
		s.ImportedCount = st.imported
		s.CheckedCount = st.checked
		s.SkippedDuplicates = st.skipped
	})

	if st.sinceGC >= gcInterval {
		st.sinceGC = 0
		runtime.GC()
	}
	return result, nil
}

// pause sleeps between batches; longer once the session is large.
func (im *Importer) pause(st *sessionState) {
	delay := 100 * time.Millisecond
	if st.imported >= 500 {
		delay = 200 * time.Millisecond
	}
	time.Sleep(delay)
}

// adaptiveBatchSize shrinks batches as the session grows to cap the
// per-batch memory footprint.
func adaptiveBatchSize(imported int) int {
	switch {
	case imported < 500:
		return 50
	case imported < 800:
		return 35
	default:
		return 25
	}
}

// EnsurePGN returns the stored movetext for a game, fetching and
// persisting it from the platform when absent.
func (im *Importer) EnsurePGN(ctx context.Context, key models.GameKey) (string, error) {
	rec, err := im.pgns.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if rec != nil {
		return rec.PGN, nil
	}

	source, ok := im.sources[key.Platform]
	if !ok {
		return "", models.Taggedf(models.TagValidation, "unsupported platform %q", key.Platform)
	}
	pgn, err := source.FetchGamePGN(ctx, key.UserID, key.ProviderGameID)
	if err != nil {
		return "", err
	}

	err = im.pgns.Upsert(ctx, models.PGNRecord{
		UserID:         key.UserID,
		Platform:       key.Platform,
		ProviderGameID: key.ProviderGameID,
		PGN:            pgn,
	})
	if err != nil {
		return "", err
	}
	log.Info().Str("user_id", key.UserID).Str("platform", string(key.Platform)).
		Str("game_id", key.ProviderGameID).Msg("Fetched missing PGN on demand")
	return pgn, nil
}
