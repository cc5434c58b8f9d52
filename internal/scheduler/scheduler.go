// Package scheduler admits analysis jobs under quota, queues them, and
// dispatches work to the engine pool through the analyzer. Jobs move
// queued -> running -> {completed | failed | cancelled}; terminal states
// are final and a retry is a new job.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chessmirror/chessmirror/internal/analysis"
	"github.com/chessmirror/chessmirror/internal/cache"
	"github.com/chessmirror/chessmirror/internal/config"
	"github.com/chessmirror/chessmirror/internal/metrics"
	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/persistence"
	"github.com/chessmirror/chessmirror/internal/ratelimit"
)

const (
	// queueCap bounds pending batch jobs. Single-game requests are never
	// refused; they queue past the cap.
	queueCap = 64

	// batchFetchMultiplier over-fetches candidates so already-analyzed
	// games can be excluded and still leave N to analyze.
	batchFetchMultiplier = 3
)

// PGNFetcher resolves missing movetext on demand.
type PGNFetcher interface {
	EnsurePGN(ctx context.Context, key models.GameKey) (string, error)
}

// Analyzer is the per-game analysis contract the scheduler drives;
// *analysis.Analyzer is the production implementation.
type Analyzer interface {
	AnalyzeGame(ctx context.Context, game models.Game, pgn string, analysisType models.AnalysisType, params analysis.Params, progress analysis.Progress) ([]models.MoveAnalysis, error)
}

// SubmitRequest is one decoded analysis order. Exactly one of the
// target fields is set, mirroring the request variants at the boundary.
type SubmitRequest struct {
	UserID       string
	Platform     models.Platform
	AnalysisType models.AnalysisType
	Depth        int

	// Target variants.
	GameID     string
	RawPGN     string
	BatchLimit int

	// Tenant identity for quota.
	Tier        ratelimit.Tier
	ClientIP    string
	IsAnonymous bool
}

// QuotaDeniedError carries the full decision for the 429 body.
type QuotaDeniedError struct {
	Decision ratelimit.Decision
}

func (e *QuotaDeniedError) Error() string {
	return fmt.Sprintf("quota exceeded: %d of %d used", e.Decision.CurrentUsage, e.Decision.Limit)
}

type job struct {
	record *models.AnalysisJob
	req    SubmitRequest
	cancel context.CancelFunc
	ctx    context.Context
}

// Scheduler owns the job queue, registry and worker pool.
type Scheduler struct {
	store     persistence.Store
	analyzer  Analyzer
	quota     *ratelimit.Quota
	analytics *cache.AnalyticsCache
	pgns      PGNFetcher
	cfg       config.EngineConfig

	queue chan *job

	mu   sync.RWMutex
	jobs map[string]*job

	wg       sync.WaitGroup
	shutdown context.CancelFunc
}

// New creates a scheduler; call Start to launch workers. analytics and
// pgns may be nil in CLI use.
func New(store persistence.Store, analyzer Analyzer, quota *ratelimit.Quota, analytics *cache.AnalyticsCache, pgns PGNFetcher, cfg config.EngineConfig) *Scheduler {
	return &Scheduler{
		store:     store,
		analyzer:  analyzer,
		quota:     quota,
		analytics: analytics,
		pgns:      pgns,
		cfg:       cfg,
		queue:     make(chan *job, queueCap),
		jobs:      make(map[string]*job),
	}
}

// Start launches the worker pool. Worker count tracks engine
// concurrency: more workers than engines would only block on the pool.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdown = cancel

	workers := s.cfg.MaxConcurrent
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-s.queue:
					s.runJob(j)
				}
			}
		}()
	}
	log.Info().Int("workers", workers).Msg("Analysis scheduler started")
}

// Stop cancels running jobs and waits for workers to exit.
func (s *Scheduler) Stop() {
	if s.shutdown != nil {
		s.shutdown()
	}
	s.mu.RLock()
	for _, j := range s.jobs {
		j.cancel()
	}
	s.mu.RUnlock()
	s.wg.Wait()
}

// Submit admits and enqueues one analysis job. Quota denial returns a
// *QuotaDeniedError; a saturated queue rejects batch jobs with
// queue_full while single-game jobs always queue.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*models.AnalysisJob, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	identity := req.UserID
	if req.IsAnonymous {
		identity = req.ClientIP
	}
	decision := s.quota.Check(ctx, req.Tier, identity)
	if !decision.Allowed {
		metrics.QuotaDenials.WithLabelValues(string(req.Tier)).Inc()
		return nil, &QuotaDeniedError{Decision: decision}
	}

	kind := models.JobSingleGame
	if req.BatchLimit > 0 {
		kind = models.JobBatch
	}
	if req.Depth <= 0 {
		req.Depth = s.cfg.DefaultDepth
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	record := &models.AnalysisJob{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Platform:     req.Platform,
		Kind:         kind,
		AnalysisType: req.AnalysisType,
		Depth:        req.Depth,
		IsAnonymous:  req.IsAnonymous,
		ClientIP:     req.ClientIP,
		State:        models.JobQueued,
		CreatedAt:    time.Now().UTC(),
	}
	if req.GameID != "" {
		record.GameIDs = []string{req.GameID}
	}
	j := &job{record: record, req: req, ctx: jobCtx, cancel: cancel}

	if kind == models.JobBatch {
		select {
		case s.queue <- j:
		default:
			cancel()
			return nil, models.Taggedf(models.TagQueueFull,
				"analysis queue is full (%d pending), retry shortly", queueCap)
		}
	} else {
		select {
		case s.queue <- j:
		default:
			// Never refuse a single-game request; hand off asynchronously.
			go func() { s.queue <- j }()
		}
	}

	s.mu.Lock()
	s.jobs[record.ID] = j
	s.mu.Unlock()

	s.quota.Record(ctx, req.Tier, identity)
	log.Info().Str("job_id", record.ID).Str("user_id", req.UserID).
		Str("platform", string(req.Platform)).Str("kind", string(kind)).
		Int("depth", req.Depth).Msg("Analysis job queued")

	snapshot := *record
	return &snapshot, nil
}

func validate(req SubmitRequest) error {
	if req.UserID == "" {
		return models.Taggedf(models.TagValidation, "user_id is required")
	}
	if !req.Platform.Valid() {
		return models.Taggedf(models.TagValidation, "unknown platform %q", req.Platform)
	}
	if req.AnalysisType != models.AnalysisStockfish && req.AnalysisType != models.AnalysisDeep {
		return models.Taggedf(models.TagValidation, "unknown analysis type %q", req.AnalysisType)
	}
	targets := 0
	if req.GameID != "" {
		targets++
	}
	if req.RawPGN != "" {
		targets++
	}
	if req.BatchLimit > 0 {
		targets++
	}
	if targets != 1 {
		return models.Taggedf(models.TagValidation,
			"exactly one of game_id, pgn or batch limit must be set (got %d)", targets)
	}
	return nil
}

// Job returns a snapshot of one job.
func (s *Scheduler) Job(id string) (*models.AnalysisJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	snapshot := *j.record
	return &snapshot, true
}

// TenantJobs returns snapshots of the tenant's jobs, for progress polling.
func (s *Scheduler) TenantJobs(userID string, platform models.Platform) []models.AnalysisJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AnalysisJob
	for _, j := range s.jobs {
		if j.record.UserID == userID && j.record.Platform == platform {
			out = append(out, *j.record)
		}
	}
	return out
}

// Cancel requests cancellation of a queued or running job.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.record.State.Terminal() {
		return false
	}
	j.cancel()
	return true
}

// update mutates a job record under the registry lock.
func (s *Scheduler) update(id string, fn func(*models.AnalysisJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		fn(j.record)
	}
}
