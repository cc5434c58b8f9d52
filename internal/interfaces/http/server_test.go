package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chessmirror/chessmirror/internal/config"
	"github.com/chessmirror/chessmirror/internal/engine"
	"github.com/chessmirror/chessmirror/internal/importer"
	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/persistence"
	"github.com/chessmirror/chessmirror/internal/ratelimit"
	"github.com/chessmirror/chessmirror/internal/scheduler"
)

type fakeSched struct {
	lastReq   scheduler.SubmitRequest
	submitErr error
	jobs      []models.AnalysisJob
}

func (f *fakeSched) Submit(ctx context.Context, req scheduler.SubmitRequest) (*models.AnalysisJob, error) {
	f.lastReq = req
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &models.AnalysisJob{ID: "job-1", UserID: req.UserID, Platform: req.Platform, State: models.JobQueued}, nil
}

func (f *fakeSched) TenantJobs(userID string, platform models.Platform) []models.AnalysisJob {
	return f.jobs
}

type fakeImports struct {
	lastMode importer.Mode
	lastUser string
	startErr error
	session  *models.ImportSession
}

func (f *fakeImports) Start(userID string, platform models.Platform, maxGames int, mode importer.Mode) (*models.ImportSession, error) {
	f.lastUser = userID
	f.lastMode = mode
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &models.ImportSession{UserID: userID, Platform: platform, Phase: models.PhaseProbeNew}, nil
}

func (f *fakeImports) Progress(userID string, platform models.Platform) *models.ImportSession {
	return f.session
}

type fakeEvaluator struct {
	evals []models.Evaluation
	calls int
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, req engine.EvalRequest) (models.Evaluation, error) {
	if f.calls >= len(f.evals) {
		return models.Evaluation{}, fmt.Errorf("unexpected evaluation call %d", f.calls)
	}
	eval := f.evals[f.calls]
	f.calls++
	return eval, nil
}

type fakeReadStore struct {
	games       []models.Game
	analyses    []models.GameAnalysis
	accuracies  map[string]float64
	personality *models.PersonalityScores
}

func (f *fakeReadStore) store() persistence.Store {
	return persistence.Store{Games: (*readGames)(f), Analyses: (*readAnalyses)(f)}
}

type readGames fakeReadStore

func (g *readGames) UpsertBatch(ctx context.Context, games []models.Game) (persistence.UpsertResult, error) {
	return persistence.UpsertResult{}, nil
}
func (g *readGames) Get(ctx context.Context, key models.GameKey) (*models.Game, error) {
	return nil, nil
}
func (g *readGames) GetOrdered(ctx context.Context, userID string, platform models.Platform, limit, offset int) ([]models.Game, error) {
	return g.games, nil
}
func (g *readGames) ListUnanalyzed(ctx context.Context, userID string, platform models.Platform, analysisType models.AnalysisType, n int) ([]models.Game, error) {
	return nil, nil
}
func (g *readGames) NewestPlayedAt(ctx context.Context, userID string, platform models.Platform) (*time.Time, error) {
	return nil, nil
}
func (g *readGames) OldestPlayedAt(ctx context.Context, userID string, platform models.Platform) (*time.Time, error) {
	return nil, nil
}
func (g *readGames) Count(ctx context.Context, userID string, platform models.Platform) (int64, error) {
	return int64(len(g.games)), nil
}

type readAnalyses fakeReadStore

func (a *readAnalyses) ReplaceGameAnalysis(ctx context.Context, moves []models.MoveAnalysis, agg models.GameAnalysis) error {
	return nil
}
func (a *readAnalyses) ReplaceMoves(ctx context.Context, key models.GameKey, analysisType models.AnalysisType, moves []models.MoveAnalysis) error {
	return nil
}
func (a *readAnalyses) EnsureGameExists(ctx context.Context, game models.Game) (bool, error) {
	return false, nil
}
func (a *readAnalyses) GetGameAnalysis(ctx context.Context, key models.GameKey, analysisType models.AnalysisType) (*models.GameAnalysis, error) {
	return nil, nil
}
func (a *readAnalyses) ListGameAnalyses(ctx context.Context, userID string, platform models.Platform, limit, offset int) ([]models.GameAnalysis, error) {
	return a.analyses, nil
}
func (a *readAnalyses) AnalyzedAccuracies(ctx context.Context, userID string, platform models.Platform, analysisType models.AnalysisType, gameIDs []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, id := range gameIDs {
		if acc, ok := a.accuracies[id]; ok {
			out[id] = acc
		}
	}
	return out, nil
}
func (a *readAnalyses) ListMoveAnalyses(ctx context.Context, key models.GameKey, analysisType models.AnalysisType) ([]models.MoveAnalysis, error) {
	return nil, nil
}
func (a *readAnalyses) UpsertPersonality(ctx context.Context, scores models.PersonalityScores) error {
	return nil
}
func (a *readAnalyses) GetPersonality(ctx context.Context, userID string, platform models.Platform) (*models.PersonalityScores, error) {
	return a.personality, nil
}
func (a *readAnalyses) DeleteUserAnalyses(ctx context.Context, userID string, platform models.Platform) error {
	return nil
}

type testEnv struct {
	sched   *fakeSched
	imports *fakeImports
	eval    *fakeEvaluator
	data    *fakeReadStore
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sched:   &fakeSched{},
		imports: &fakeImports{},
		eval:    &fakeEvaluator{},
		data:    &fakeReadStore{accuracies: map[string]float64{}},
	}
	handlers := NewHandlers(env.sched, env.imports, env.eval, env.data.store(), nil,
		config.EngineConfig{DefaultDepth: 12, DefaultMoveTime: 0.1})
	srv, err := NewServer(config.HTTPConfig{Host: "127.0.0.1", Port: 0}, handlers)
	require.NoError(t, err)
	env.router = srv.Router()
	return env
}

func (env *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("GET", "/no-such-route", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(models.TagNotFound), decodeBody(t, rec)["tag"])
}

func TestAnalyzeRejectsAmbiguousBody(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("POST", "/analyze", map[string]interface{}{
		"user_id": "alice", "platform": "lichess", "analysis_type": "stockfish",
		"game_id": "g1", "limit": 5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(models.TagValidation), decodeBody(t, rec)["tag"])
}

func TestAnalyzeCanonicalizesUserID(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("POST", "/analyze", map[string]interface{}{
		"user_id": "HiKaRu", "platform": "chess.com", "analysis_type": "stockfish",
		"limit": 10,
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "hikaru", env.sched.lastReq.UserID)
	assert.Equal(t, "job-1", decodeBody(t, rec)["analysis_id"])
}

func TestAnalyzeQuotaDeniedCarriesDecision(t *testing.T) {
	env := newTestEnv(t)
	env.sched.submitErr = &scheduler.QuotaDeniedError{Decision: ratelimit.Decision{
		Limit: 3, CurrentUsage: 3, ResetsInHours: 5.5,
	}}
	rec := env.do("POST", "/analyze", map[string]interface{}{
		"user_id": "alice", "platform": "lichess", "analysis_type": "stockfish",
		"limit": 10, "tier": "anonymous",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	require.NotNil(t, body["quota"])
	quota := body["quota"].(map[string]interface{})
	assert.Equal(t, float64(3), quota["limit"])
	assert.Equal(t, 5.5, quota["resets_in_hours"])
}

func TestAnalyzeQueueFullMapsTo429(t *testing.T) {
	env := newTestEnv(t)
	env.sched.submitErr = models.Taggedf(models.TagQueueFull, "queue is full")
	rec := env.do("POST", "/analyze", map[string]interface{}{
		"user_id": "alice", "platform": "lichess", "analysis_type": "stockfish", "limit": 5,
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAnalyzePositionWithMove(t *testing.T) {
	env := newTestEnv(t)
	env.eval.evals = []models.Evaluation{
		{ScoreCP: 30, BestMoveUCI: "e2e4", DepthReached: 12},
		{ScoreCP: -10, DepthReached: 12},
	}
	rec := env.do("POST", "/analyze", map[string]interface{}{
		"user_id": "alice", "platform": "lichess",
		"fen":  "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		"move": "e2e4",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	played := body["played"].(map[string]interface{})
	assert.Equal(t, float64(20), played["centipawn_loss"])
	assert.Equal(t, string(models.MoveExcellent), played["classification"])
	assert.Equal(t, 2, env.eval.calls)
}

func TestAnalyzeMoveWithoutFEN(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("POST", "/analyze", map[string]interface{}{
		"user_id": "alice", "platform": "lichess", "move": "e2e4",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResultsPagination(t *testing.T) {
	env := newTestEnv(t)
	env.data.analyses = []models.GameAnalysis{
		{ProviderGameID: "g1", Accuracy: 88.5},
		{ProviderGameID: "g2", Accuracy: 74.0},
	}
	rec := env.do("GET", "/results/alice/lichess?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["analyses"], 2)
	assert.Equal(t, float64(10), body["limit"])
}

func TestStatsSummary(t *testing.T) {
	env := newTestEnv(t)
	env.data.games = []models.Game{{ProviderGameID: "g1"}, {ProviderGameID: "g2"}, {ProviderGameID: "g3"}}
	env.data.analyses = []models.GameAnalysis{
		{Accuracy: 80, Counts: models.MoveCounts{Best: 10, Blunder: 1}},
		{Accuracy: 90, Counts: models.MoveCounts{Best: 12}},
	}
	rec := env.do("GET", "/stats/alice/lichess", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["total_games"])
	assert.Equal(t, float64(2), body["analyzed_games"])
	assert.Equal(t, float64(85), body["average_accuracy"])
}

func TestProgressSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.imports.session = &models.ImportSession{Phase: models.PhaseBackfillOld, ImportedCount: 42}
	env.sched.jobs = []models.AnalysisJob{{ID: "job-1", State: models.JobRunning}}

	rec := env.do("GET", "/progress/alice/lichess", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	imp := body["import"].(map[string]interface{})
	assert.Equal(t, string(models.PhaseBackfillOld), imp["phase"])
	assert.Len(t, body["analysis_jobs"], 1)
}

func TestCheckAnalysesBareList(t *testing.T) {
	env := newTestEnv(t)
	env.data.accuracies["g1"] = 92.3
	rec := env.do("POST", "/analyses/alice/lichess/check", []string{"g1", "g2"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	g1 := body["g1"].(map[string]interface{})
	assert.Equal(t, true, g1["analyzed"])
	assert.Equal(t, 92.3, g1["accuracy"])
	g2 := body["g2"].(map[string]interface{})
	assert.Equal(t, false, g2["analyzed"])
}

func TestImportEndpointsSelectMode(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("POST", "/import-games-smart", map[string]interface{}{
		"user_id": "Alice", "platform": "chess.com",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, importer.ModeSmart, env.imports.lastMode)
	assert.Equal(t, "alice", env.imports.lastUser)

	rec = env.do("POST", "/import-more-games", map[string]interface{}{
		"user_id": "alice", "platform": "lichess",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, importer.ModeFull, env.imports.lastMode)
}

func TestImportInProgressMapsTo429(t *testing.T) {
	env := newTestEnv(t)
	env.imports.startErr = models.Taggedf(models.TagImportInProgress, "session already running")
	rec := env.do("POST", "/import-games-smart", map[string]interface{}{
		"user_id": "alice", "platform": "lichess",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClearCacheWithoutCache(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("DELETE", "/clear-cache/alice/lichess", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["removed"])
}

func TestDeepAnalysisFiltersRepertoireByColor(t *testing.T) {
	env := newTestEnv(t)
	// Caro-Kann faced as White must not appear in the White repertoire.
	env.data.games = []models.Game{
		{ProviderGameID: "g1", Color: models.ColorWhite, Opening: "Caro-Kann Defense", Result: models.ResultWin},
		{ProviderGameID: "g2", Color: models.ColorWhite, Opening: "Italian Game", Result: models.ResultWin},
		{ProviderGameID: "g3", Color: models.ColorBlack, Opening: "Caro-Kann Defense", Result: models.ResultDraw},
	}

	rec := env.do("GET", "/deep-analysis/alice/lichess", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	white := body["white_repertoire"].([]interface{})
	require.Len(t, white, 1)
	assert.Equal(t, "Italian Game", white[0].(map[string]interface{})["opening"])

	black := body["black_repertoire"].([]interface{})
	require.Len(t, black, 1)
	assert.Equal(t, "Caro-Kann Defense", black[0].(map[string]interface{})["opening"])
}

func TestStatusForTag(t *testing.T) {
	cases := []struct {
		tag  models.ErrorTag
		want int
	}{
		{models.TagValidation, http.StatusBadRequest},
		{models.TagParseError, http.StatusBadRequest},
		{models.TagNotFound, http.StatusNotFound},
		{models.TagRateLimit, http.StatusTooManyRequests},
		{models.TagImportInProgress, http.StatusTooManyRequests},
		{models.TagQueueFull, http.StatusTooManyRequests},
		{models.TagEngineUnavailable, http.StatusServiceUnavailable},
		{models.TagTimeout, http.StatusGatewayTimeout},
		{models.TagNetwork, http.StatusBadGateway},
		{models.TagPersistenceFailed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusForTag(tc.tag), string(tc.tag))
	}
}
