package engine

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chessmirror/chessmirror/internal/models"
)

// Options configures a single UCI engine subprocess.
type Options struct {
	ExecutablePath string
	HashMB         int
	Threads        int
	SkillLevel     int
	MultiPV        int
}

// UCIEngine drives one chess-engine subprocess over the UCI protocol.
// Not safe for concurrent use; the pool hands out exclusive leases.
type UCIEngine struct {
	opts    Options
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	mu      sync.Mutex
	started bool
	dead    bool

	name   string
	author string
}

// NewUCIEngine creates a driver. The subprocess starts lazily on first use.
func NewUCIEngine(opts Options) *UCIEngine {
	return &UCIEngine{opts: opts}
}

// Start launches and configures the subprocess. Idempotent.
func (e *UCIEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started && !e.dead {
		return nil
	}

	cmd := exec.Command(e.opts.ExecutablePath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return models.Tagged(models.TagEngineUnavailable, fmt.Errorf("failed to spawn engine: %w", err))
	}

	e.cmd = cmd
	e.stdin = stdin
	e.scanner = bufio.NewScanner(stdout)
	e.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	e.started = true
	e.dead = false

	if err := e.handshake(); err != nil {
		e.killLocked()
		return models.Tagged(models.TagEngineUnavailable, err)
	}
	if err := e.configure(); err != nil {
		e.killLocked()
		return models.Tagged(models.TagEngineUnavailable, err)
	}

	log.Debug().Str("engine", e.name).Str("author", e.author).
		Int("hash_mb", e.opts.HashMB).Int("threads", e.opts.Threads).
		Msg("Engine subprocess ready")
	return nil
}

// handshake runs uci/isready and records the engine identity lines.
func (e *UCIEngine) handshake() error {
	if err := e.send("uci"); err != nil {
		return err
	}
	for {
		line, err := e.readLine(5 * time.Second)
		if err != nil {
			return fmt.Errorf("engine handshake failed: %w", err)
		}
		switch {
		case strings.HasPrefix(line, "id name "):
			e.name = strings.TrimPrefix(line, "id name ")
		case strings.HasPrefix(line, "id author "):
			e.author = strings.TrimPrefix(line, "id author ")
		case line == "uciok":
			return e.waitReady()
		}
	}
}

func (e *UCIEngine) configure() error {
	options := map[string]string{
		"Hash":    strconv.Itoa(e.opts.HashMB),
		"Threads": strconv.Itoa(e.opts.Threads),
		"MultiPV": strconv.Itoa(maxInt(e.opts.MultiPV, 1)),
	}
	if e.opts.SkillLevel > 0 && e.opts.SkillLevel < 20 {
		options["Skill Level"] = strconv.Itoa(e.opts.SkillLevel)
	}
	for name, value := range options {
		if err := e.send(fmt.Sprintf("setoption name %s value %s", name, value)); err != nil {
			return err
		}
	}
	return e.waitReady()
}

func (e *UCIEngine) waitReady() error {
	if err := e.send("isready"); err != nil {
		return err
	}
	for {
		line, err := e.readLine(5 * time.Second)
		if err != nil {
			return fmt.Errorf("engine not ready: %w", err)
		}
		if line == "readyok" {
			return nil
		}
	}
}

// EvalRequest is one position evaluation order.
type EvalRequest struct {
	FEN      string
	Depth    int
	MoveTime time.Duration
	MultiPV  int
}

// Evaluate sets the position and searches. The hard deadline is twice
// the move-time budget; past it the subprocess is killed and the call
// reports an engine crash.
func (e *UCIEngine) Evaluate(req EvalRequest) (models.Evaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started || e.dead {
		return models.Evaluation{}, models.Taggedf(models.TagEngineCrash, "engine not running")
	}

	if err := e.send("position fen " + req.FEN); err != nil {
		e.markDead()
		return models.Evaluation{}, models.Tagged(models.TagEngineCrash, err)
	}

	goCmd := fmt.Sprintf("go depth %d", req.Depth)
	if req.MoveTime > 0 {
		goCmd += fmt.Sprintf(" movetime %d", req.MoveTime.Milliseconds())
	}
	if err := e.send(goCmd); err != nil {
		e.markDead()
		return models.Evaluation{}, models.Tagged(models.TagEngineCrash, err)
	}

	deadline := 2*req.MoveTime + 2*time.Second
	return e.collectSearch(deadline)
}

// collectSearch reads info lines until bestmove, tracking the deepest
// score seen. Scores are from the side to move's perspective.
func (e *UCIEngine) collectSearch(deadline time.Duration) (models.Evaluation, error) {
	var eval models.Evaluation
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	lines := make(chan string, 16)
	errs := make(chan error, 1)
	go func() {
		for e.scanner.Scan() {
			line := strings.TrimSpace(e.scanner.Text())
			select {
			case lines <- line:
			default:
			}
			if strings.HasPrefix(line, "bestmove") {
				return
			}
		}
		if err := e.scanner.Err(); err != nil {
			errs <- err
		} else {
			errs <- io.EOF
		}
	}()

	for {
		select {
		case line := <-lines:
			if strings.HasPrefix(line, "info ") {
				parseInfoLine(line, &eval)
				continue
			}
			if strings.HasPrefix(line, "bestmove ") {
				fields := strings.Fields(line)
				if len(fields) >= 2 && fields[1] != "(none)" {
					eval.BestMoveUCI = fields[1]
				}
				return eval, nil
			}
		case err := <-errs:
			e.markDead()
			return eval, models.Tagged(models.TagEngineCrash, fmt.Errorf("engine died mid-search: %w", err))
		case <-timer.C:
			// The engine ignored its budget; escalate to SIGKILL.
			log.Warn().Str("engine", e.name).Dur("deadline", deadline).
				Msg("Engine unresponsive past deadline, killing")
			e.killLocked()
			return eval, models.Taggedf(models.TagEngineCrash, "engine unresponsive after %v", deadline)
		}
	}
}

// parseInfoLine extracts depth, score and pv from a UCI info line.
func parseInfoLine(line string, eval *models.Evaluation) {
	fields := strings.Fields(line)
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if i+1 < len(fields) {
				if d, err := strconv.Atoi(fields[i+1]); err == nil && d >= eval.DepthReached {
					eval.DepthReached = d
				}
			}
		case "score":
			if i+2 >= len(fields) {
				continue
			}
			value, err := strconv.Atoi(fields[i+2])
			if err != nil {
				continue
			}
			switch fields[i+1] {
			case "cp":
				eval.ScoreCP = value
				eval.IsMate = false
			case "mate":
				// Clamp to the sentinel, preserving which side mates.
				eval.IsMate = true
				if value >= 0 {
					eval.ScoreCP = models.MateScoreCP
				} else {
					eval.ScoreCP = -models.MateScoreCP
				}
			}
		case "pv":
			eval.PV = append([]string(nil), fields[i+1:]...)
			return
		}
	}
}

// Healthy reports whether the subprocess is usable.
func (e *UCIEngine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.dead
}

// KilledBySignal reports whether the last exit was a kill signal
// (OOM killer or our own escalation).
func (e *UCIEngine) KilledBySignal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.cmd.ProcessState == nil {
		return false
	}
	status, ok := e.cmd.ProcessState.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}

// Close terminates the subprocess politely, then forcefully.
func (e *UCIEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.dead {
		return
	}
	_ = e.send("quit")
	done := make(chan struct{})
	go func() {
		e.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		e.killLocked()
	}
	e.dead = true
}

func (e *UCIEngine) send(cmd string) error {
	_, err := io.WriteString(e.stdin, cmd+"\n")
	if err != nil {
		return fmt.Errorf("failed to write %q to engine: %w", cmd, err)
	}
	return nil
}

// readLine reads one line with a deadline, for the handshake phase only.
func (e *UCIEngine) readLine(timeout time.Duration) (string, error) {
	type scanResult struct {
		line string
		err  error
	}
	ch := make(chan scanResult, 1)
	go func() {
		if e.scanner.Scan() {
			ch <- scanResult{line: strings.TrimSpace(e.scanner.Text())}
			return
		}
		err := e.scanner.Err()
		if err == nil {
			err = io.EOF
		}
		ch <- scanResult{err: err}
	}()

	select {
	case res := <-ch:
		return res.line, res.err
	case <-time.After(timeout):
		return "", fmt.Errorf("timed out after %v waiting for engine output", timeout)
	}
}

func (e *UCIEngine) markDead() {
	e.dead = true
}

// killLocked sends SIGKILL and reaps the process. Caller holds the mutex.
func (e *UCIEngine) killLocked() {
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
		go e.cmd.Wait()
	}
	e.dead = true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
