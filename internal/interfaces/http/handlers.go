package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/notnil/chess"

	"github.com/chessmirror/chessmirror/internal/analysis"
	"github.com/chessmirror/chessmirror/internal/cache"
	"github.com/chessmirror/chessmirror/internal/config"
	"github.com/chessmirror/chessmirror/internal/engine"
	"github.com/chessmirror/chessmirror/internal/importer"
	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/openings"
	"github.com/chessmirror/chessmirror/internal/persistence"
	"github.com/chessmirror/chessmirror/internal/scheduler"
)

// AnalysisScheduler is the job-submission surface the handlers need.
type AnalysisScheduler interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (*models.AnalysisJob, error)
	TenantJobs(userID string, platform models.Platform) []models.AnalysisJob
}

// GameImporter starts import sessions and reports their progress.
type GameImporter interface {
	Start(userID string, platform models.Platform, maxGames int, mode importer.Mode) (*models.ImportSession, error)
	Progress(userID string, platform models.Platform) *models.ImportSession
}

// PositionEvaluator answers one-off position evaluations synchronously.
type PositionEvaluator interface {
	Evaluate(ctx context.Context, req engine.EvalRequest) (models.Evaluation, error)
}

// Handlers carries the endpoint dependencies.
type Handlers struct {
	sched     AnalysisScheduler
	imports   GameImporter
	evaluator PositionEvaluator
	store     persistence.Store
	analytics *cache.AnalyticsCache
	engineCfg config.EngineConfig
	started   time.Time
}

// NewHandlers wires the endpoint dependencies. analytics may be nil to
// disable response caching.
func NewHandlers(sched AnalysisScheduler, imports GameImporter, evaluator PositionEvaluator, store persistence.Store, analytics *cache.AnalyticsCache, engineCfg config.EngineConfig) *Handlers {
	return &Handlers{
		sched:     sched,
		imports:   imports,
		evaluator: evaluator,
		store:     store,
		analytics: analytics,
		engineCfg: engineCfg,
		started:   time.Now().UTC(),
	}
}

// Health reports liveness and uptime.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// NotFound is the JSON 404 for unrouted paths.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusNotFound, errorResponse{
		Error: "no such endpoint: " + r.URL.Path,
		Tag:   models.TagNotFound,
	})
}

// Analyze decodes the variant request body and either evaluates a
// position inline or submits a job to the scheduler.
func (h *Handlers) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.Taggedf(models.TagValidation, "malformed request body: %v", err))
		return
	}

	variant, err := req.resolveVariant()
	if err != nil {
		writeError(w, err)
		return
	}

	// Position variants are synchronous and bypass the job queue.
	if variant == variantPosition || variant == variantMove {
		h.evaluatePosition(w, r, req, variant)
		return
	}

	platform := models.Platform(req.Platform)
	userID := models.CanonicalUserID(req.UserID, platform)
	tier, anonymous := req.tier()

	jobRec, err := h.sched.Submit(r.Context(), scheduler.SubmitRequest{
		UserID:       userID,
		Platform:     platform,
		AnalysisType: req.analysisType(),
		Depth:        req.Depth,
		GameID:       req.GameID,
		RawPGN:       req.PGN,
		BatchLimit:   req.Limit,
		Tier:         tier,
		ClientIP:     clientIP(r),
		IsAnonymous:  anonymous,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":      true,
		"message":      "analysis queued",
		"analysis_id":  jobRec.ID,
		"progress_url": "/progress/" + req.UserID + "/" + string(platform),
	})
}

// evaluatePosition serves the fen and fen+move variants directly from
// the engine pool.
func (h *Handlers) evaluatePosition(w http.ResponseWriter, r *http.Request, req analyzeRequest, variant analyzeVariant) {
	depth := req.Depth
	if depth <= 0 {
		depth = h.engineCfg.DefaultDepth
	}
	moveTime := time.Duration(h.engineCfg.DefaultMoveTime * float64(time.Second))

	fenOpt, err := chess.FEN(req.FEN)
	if err != nil {
		writeError(w, models.Taggedf(models.TagValidation, "invalid fen: %v", err))
		return
	}
	pos := chess.NewGame(fenOpt).Position()

	before, err := h.evaluator.Evaluate(r.Context(), engine.EvalRequest{
		FEN: req.FEN, Depth: depth, MoveTime: moveTime,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	payload := map[string]interface{}{
		"success":    true,
		"evaluation": before,
	}

	if variant == variantMove {
		move, err := decodeMove(pos, req.Move)
		if err != nil {
			writeError(w, err)
			return
		}
		after, err := h.evaluator.Evaluate(r.Context(), engine.EvalRequest{
			FEN: pos.Update(move).String(), Depth: depth, MoveTime: moveTime,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		// Both scores are side-to-move, so their sum is the mover's loss.
		cpl := float64(before.ScoreCP + after.ScoreCP)
		if cpl < 0 {
			cpl = 0
		}
		payload["played"] = map[string]interface{}{
			"move":            req.Move,
			"centipawn_loss":  cpl,
			"classification":  analysis.Classify(cpl),
			"evaluation_after": after,
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// decodeMove accepts either UCI or SAN notation.
func decodeMove(pos *chess.Position, notation string) (*chess.Move, error) {
	if move, err := (chess.UCINotation{}).Decode(pos, notation); err == nil {
		return move, nil
	}
	move, err := chess.AlgebraicNotation{}.Decode(pos, notation)
	if err != nil {
		return nil, models.Taggedf(models.TagValidation, "illegal or unparseable move %q", notation)
	}
	return move, nil
}

// Results returns the tenant's recent game analyses, newest first.
func (h *Handlers) Results(w http.ResponseWriter, r *http.Request) {
	userID, platform, err := tenantFromPath(mux.Vars(r))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 20, 100)
	offset := queryInt(r, "offset", 0, 1<<20)

	analyses, err := h.store.Analyses.ListGameAnalyses(r.Context(), userID, platform, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"user_id":  userID,
		"platform": platform,
		"limit":    limit,
		"offset":   offset,
		"analyses": analyses,
	})
}

// statsPayload is the summary response, cached per tenant.
type statsPayload struct {
	UserID          string                    `json:"user_id"`
	Platform        models.Platform           `json:"platform"`
	TotalGames      int64                     `json:"total_games"`
	AnalyzedGames   int                       `json:"analyzed_games"`
	AverageAccuracy float64                   `json:"average_accuracy"`
	MoveCounts      models.MoveCounts         `json:"move_counts"`
	Personality     *models.PersonalityScores `json:"personality,omitempty"`
}

// Stats summarizes the tenant's analyzed games.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	userID, platform, err := tenantFromPath(mux.Vars(r))
	if err != nil {
		writeError(w, err)
		return
	}

	if h.analytics != nil {
		if cached, ok := h.analytics.Get("stats", userID, platform, nil, false); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	total, err := h.store.Games.Count(r.Context(), userID, platform)
	if err != nil {
		writeError(w, err)
		return
	}
	analyses, err := h.store.Analyses.ListGameAnalyses(r.Context(), userID, platform, 500, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	personality, err := h.store.Analyses.GetPersonality(r.Context(), userID, platform)
	if err != nil {
		writeError(w, err)
		return
	}

	payload := statsPayload{
		UserID:        userID,
		Platform:      platform,
		TotalGames:    total,
		AnalyzedGames: len(analyses),
		Personality:   personality,
	}
	var accuracySum float64
	for _, a := range analyses {
		accuracySum += a.Accuracy
		payload.MoveCounts.Best += a.Counts.Best
		payload.MoveCounts.Great += a.Counts.Great
		payload.MoveCounts.Excellent += a.Counts.Excellent
		payload.MoveCounts.Good += a.Counts.Good
		payload.MoveCounts.Inaccuracy += a.Counts.Inaccuracy
		payload.MoveCounts.Mistake += a.Counts.Mistake
		payload.MoveCounts.Blunder += a.Counts.Blunder
	}
	if len(analyses) > 0 {
		payload.AverageAccuracy = accuracySum / float64(len(analyses))
	}

	if h.analytics != nil {
		h.analytics.Set("stats", userID, platform, nil, payload)
	}
	writeJSON(w, http.StatusOK, payload)
}

// Progress reports the import session and analysis jobs for polling.
func (h *Handlers) Progress(w http.ResponseWriter, r *http.Request) {
	userID, platform, err := tenantFromPath(mux.Vars(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"import":        h.imports.Progress(userID, platform),
		"analysis_jobs": h.sched.TenantJobs(userID, platform),
	})
}

// checkEntry is the per-game answer of the batch check endpoint.
type checkEntry struct {
	Analyzed bool    `json:"analyzed"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// CheckAnalyses maps each submitted game ID to its analysis status.
// The body is a JSON array of game IDs; {"game_ids": [...]} also works.
func (h *Handlers) CheckAnalyses(w http.ResponseWriter, r *http.Request) {
	userID, platform, err := tenantFromPath(mux.Vars(r))
	if err != nil {
		writeError(w, err)
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, models.Taggedf(models.TagValidation, "malformed request body: %v", err))
		return
	}
	var gameIDs []string
	if err := json.Unmarshal(body, &gameIDs); err != nil {
		var wrapped struct {
			GameIDs []string `json:"game_ids"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			writeError(w, models.Taggedf(models.TagValidation, "expected a list of game ids"))
			return
		}
		gameIDs = wrapped.GameIDs
	}

	analysisType := models.AnalysisType(r.URL.Query().Get("analysis_type"))
	if analysisType == "" {
		analysisType = models.AnalysisStockfish
	}

	analyzed, err := h.store.Analyses.AnalyzedAccuracies(r.Context(), userID, platform, analysisType, gameIDs)
	if err != nil {
		writeError(w, err)
		return
	}

	result := make(map[string]checkEntry, len(gameIDs))
	for _, id := range gameIDs {
		if accuracy, ok := analyzed[id]; ok {
			result[id] = checkEntry{Analyzed: true, Accuracy: accuracy}
		} else {
			result[id] = checkEntry{}
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// importRequest is the body of both import endpoints.
type importRequest struct {
	UserID   string `json:"user_id"`
	Platform string `json:"platform"`
	MaxGames int    `json:"max_games"`
}

// ImportGamesSmart starts a recent-window incremental import.
func (h *Handlers) ImportGamesSmart(w http.ResponseWriter, r *http.Request) {
	h.startImport(w, r, importer.ModeSmart)
}

// ImportMoreGames starts a full probe + backfill import.
func (h *Handlers) ImportMoreGames(w http.ResponseWriter, r *http.Request) {
	h.startImport(w, r, importer.ModeFull)
}

func (h *Handlers) startImport(w http.ResponseWriter, r *http.Request, mode importer.Mode) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.Taggedf(models.TagValidation, "malformed request body: %v", err))
		return
	}
	platform := models.Platform(req.Platform)
	if !platform.Valid() {
		writeError(w, models.Taggedf(models.TagValidation, "unknown platform %q", req.Platform))
		return
	}
	userID := models.CanonicalUserID(req.UserID, platform)
	if userID == "" {
		writeError(w, models.Taggedf(models.TagValidation, "user_id is required"))
		return
	}

	session, err := h.imports.Start(userID, platform, req.MaxGames, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":      true,
		"message":      "import started",
		"session":      session,
		"progress_url": "/progress/" + req.UserID + "/" + string(platform),
	})
}

// ClearCache drops the tenant's cached analytics responses.
func (h *Handlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	userID, platform, err := tenantFromPath(mux.Vars(r))
	if err != nil {
		writeError(w, err)
		return
	}
	removed := 0
	if h.analytics != nil {
		removed = h.analytics.InvalidateTenant(userID, platform)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"removed": removed,
	})
}

// repertoireEntry aggregates one opening family in the player's
// repertoire for a color.
type repertoireEntry struct {
	Opening string `json:"opening"`
	Games   int    `json:"games"`
	Wins    int    `json:"wins"`
	Draws   int    `json:"draws"`
	Losses  int    `json:"losses"`
}

// deepAnalysisPayload is the full personality + repertoire view.
type deepAnalysisPayload struct {
	UserID          string                    `json:"user_id"`
	Platform        models.Platform           `json:"platform"`
	Personality     *models.PersonalityScores `json:"personality,omitempty"`
	WhiteRepertoire []repertoireEntry         `json:"white_repertoire"`
	BlackRepertoire []repertoireEntry         `json:"black_repertoire"`
}

// DeepAnalysis serves personality scores plus the color-filtered
// opening repertoire. force_refresh bypasses the cache read.
func (h *Handlers) DeepAnalysis(w http.ResponseWriter, r *http.Request) {
	userID, platform, err := tenantFromPath(mux.Vars(r))
	if err != nil {
		writeError(w, err)
		return
	}
	forceRefresh := queryBool(r, "force_refresh")

	if h.analytics != nil {
		if cached, ok := h.analytics.Get("deep-analysis", userID, platform, nil, forceRefresh); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	personality, err := h.store.Analyses.GetPersonality(r.Context(), userID, platform)
	if err != nil {
		writeError(w, err)
		return
	}
	games, err := h.store.Games.GetOrdered(r.Context(), userID, platform, 500, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	payload := deepAnalysisPayload{
		UserID:          userID,
		Platform:        platform,
		Personality:     personality,
		WhiteRepertoire: repertoireFor(games, models.ColorWhite),
		BlackRepertoire: repertoireFor(games, models.ColorBlack),
	}

	if h.analytics != nil {
		h.analytics.Set("deep-analysis", userID, platform, nil, payload)
	}
	writeJSON(w, http.StatusOK, payload)
}

// repertoireFor groups the color-owned games by canonical opening name.
// The color-ownership filter is the server-side rule; mismatched-color
// openings never appear here.
func repertoireFor(games []models.Game, color models.Color) []repertoireEntry {
	owned := openings.FilterRepertoire(games, color)

	index := make(map[string]int)
	var entries []repertoireEntry
	for _, g := range owned {
		name := openings.Classify(g.OpeningFamily, g.Opening, nil).Family
		i, ok := index[name]
		if !ok {
			i = len(entries)
			index[name] = i
			entries = append(entries, repertoireEntry{Opening: name})
		}
		entries[i].Games++
		switch g.Result {
		case models.ResultWin:
			entries[i].Wins++
		case models.ResultDraw:
			entries[i].Draws++
		case models.ResultLoss:
			entries[i].Losses++
		}
	}
	if entries == nil {
		entries = []repertoireEntry{}
	}
	return entries
}

func queryInt(r *http.Request, key string, def, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	v := strings.ToLower(r.URL.Query().Get(key))
	return v == "1" || v == "true" || v == "yes"
}
