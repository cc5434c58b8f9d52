package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chessmirror/chessmirror/internal/config"
	"github.com/chessmirror/chessmirror/internal/metrics"
	"github.com/chessmirror/chessmirror/internal/models"
)

const (
	// acquireTimeout bounds how long a caller waits for a free engine
	// before the request is rejected as unavailable.
	acquireTimeout = 30 * time.Second

	// maxCrashRetries is how many times a single evaluation is retried
	// on a fresh engine after a crash before falling back.
	maxCrashRetries = 2
)

// Pool hands out exclusive engine leases from a bounded set. Crashed
// engines are recycled on release; evaluations that keep crashing fall
// back to the heuristic evaluator so a batch never stalls on a dying
// engine binary.
type Pool struct {
	opts   Options
	leases chan *UCIEngine

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool of size engines. Subprocesses start lazily on
// first acquisition, so constructing a pool is cheap.
func NewPool(cfg config.EngineConfig) *Pool {
	opts := Options{
		ExecutablePath: cfg.ExecutablePath,
		HashMB:         cfg.HashMB,
		Threads:        cfg.Threads,
		SkillLevel:     cfg.SkillLevel,
		MultiPV:        1,
	}
	size := cfg.MaxConcurrent
	if size < 1 {
		size = 1
	}
	p := &Pool{
		opts:   opts,
		leases: make(chan *UCIEngine, size),
	}
	for i := 0; i < size; i++ {
		p.leases <- NewUCIEngine(opts)
	}
	return p
}

// Acquire takes an exclusive engine lease, starting the subprocess if
// needed. Blocks until a lease frees up, the acquire timeout passes or
// the context is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*UCIEngine, error) {
	timer := time.NewTimer(acquireTimeout)
	defer timer.Stop()

	select {
	case eng := <-p.leases:
		if err := eng.Start(); err != nil {
			// Return the slot so the pool does not shrink.
			p.Release(eng)
			return nil, err
		}
		return eng, nil
	case <-timer.C:
		return nil, models.Taggedf(models.TagEngineUnavailable, "no engine available within %v", acquireTimeout)
	case <-ctx.Done():
		return nil, models.Tagged(models.TagTimeout, ctx.Err())
	}
}

// Release returns a lease. Dead engines are replaced with fresh ones so
// the pool never shrinks below its configured size.
func (p *Pool) Release(eng *UCIEngine) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		eng.Close()
		return
	}

	if !eng.Healthy() {
		log.Warn().Bool("killed_by_signal", eng.KilledBySignal()).
			Msg("Recycling dead engine")
		metrics.EngineRestarts.Inc()
		eng.Close()
		eng = NewUCIEngine(p.opts)
	}
	select {
	case p.leases <- eng:
	default:
		// Pool already full; should not happen with balanced acquire/release.
		eng.Close()
	}
}

// Evaluate runs one position evaluation, transparently retrying on
// engine crashes and degrading to the heuristic evaluator once the
// retry budget is spent. The fallback result carries Fallback: true.
func (p *Pool) Evaluate(ctx context.Context, req EvalRequest) (models.Evaluation, error) {
	var lastErr error
	for attempt := 0; attempt <= maxCrashRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.Evaluation{}, models.Tagged(models.TagTimeout, err)
		}

		eng, err := p.Acquire(ctx)
		if err != nil {
			if models.TagOf(err) == models.TagEngineUnavailable && attempt == 0 {
				return models.Evaluation{}, err
			}
			lastErr = err
			continue
		}

		eval, err := eng.Evaluate(req)
		p.Release(eng)
		if err == nil {
			return eval, nil
		}
		lastErr = err
		if models.TagOf(err) != models.TagEngineCrash {
			return models.Evaluation{}, err
		}
		log.Warn().Int("attempt", attempt+1).Str("fen", req.FEN).Err(err).
			Msg("Engine crashed during evaluation, retrying")
	}

	log.Error().Str("fen", req.FEN).Err(lastErr).
		Msg("Engine retries exhausted, using heuristic evaluation")
	eval, err := HeuristicEvaluate(req.FEN)
	if err != nil {
		return models.Evaluation{}, models.Tagged(models.TagEngineCrash, err)
	}
	return eval, nil
}

// Close shuts down every engine in the pool. Leases held by callers are
// closed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case eng := <-p.leases:
			eng.Close()
		default:
			return
		}
	}
}
