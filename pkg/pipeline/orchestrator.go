package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrNoMatch is returned when no registered pipeline satisfies the
	// requirements.
	ErrNoMatch = errors.New("no pipeline matches requirements")

	// ErrTimeout marks an execution that exceeded its deadline. Retryable
	// by default.
	ErrTimeout = errors.New("pipeline execution timed out")

	// ErrUnknownStrategy is returned for a strategy outside the sealed
	// set.
	ErrUnknownStrategy = errors.New("unknown execution strategy")
)

// ExecStrategy selects how Execute picks among matching pipelines.
type ExecStrategy string

// The sealed set of execution strategies.
const (
	StrategyFirst    ExecStrategy = "first"
	StrategyFallback ExecStrategy = "fallback"
	StrategyParallel ExecStrategy = "parallel"
)

// Orchestrator defaults.
const (
	DefaultExecTimeout   = 30 * time.Second
	DefaultMaxConcurrent = 3

	// Scoring weights: pipeline priority dominates, then historical
	// success rate, then speed.
	priorityWeight = 0.5
	successWeight  = 0.3
	speedWeight    = 0.2
)

// ExecOptions tunes one orchestrated execution.
type ExecOptions struct {
	Strategy      ExecStrategy
	Timeout       time.Duration
	MaxConcurrent int
	Retry         *RetryPolicy
	// Options is passed through to Pipeline.Process.
	Options map[string]any
}

func (o *ExecOptions) applyDefaults() {
	if o.Strategy == "" {
		o.Strategy = StrategyFirst
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultExecTimeout
	}

	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
}

// Candidate is one scored match from FindPipelines.
type Candidate struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Orchestrator dispatches work across the registry's pipelines.
type Orchestrator struct {
	registry *Registry
	logger   *slog.Logger

	instMu    sync.Mutex
	instances map[string]Pipeline
}

// NewOrchestrator creates an orchestrator over a registry. A nil logger
// disables logging.
func NewOrchestrator(registry *Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Orchestrator{
		registry:  registry,
		logger:    logger,
		instances: make(map[string]Pipeline),
	}
}

// FindPipelines returns the pipelines whose capability set covers the
// requirements, scored by priority, success rate, and speed, best first.
func (o *Orchestrator) FindPipelines(req Requirements) []Candidate {
	names := o.registry.matching(req.Capabilities)

	candidates := make([]Candidate, 0, len(names))
	for _, name := range names {
		candidates = append(candidates, Candidate{Name: name, Score: o.score(name)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}

		return candidates[i].Name < candidates[j].Name
	})

	return candidates
}

func (o *Orchestrator) score(name string) float64 {
	stats, err := o.registry.GetStats(name)
	if err != nil {
		return 0
	}

	var priority float64

	inst, instErr := o.instance(name)
	if instErr == nil {
		priority = float64(inst.Priority())
	}

	speed := 0.0
	if stats.AvgExecutionTime > 0 {
		speed = 1.0 / stats.AvgExecutionTime.Seconds()
		if speed > 1 {
			speed = 1
		}
	}

	return priority*priorityWeight + stats.SuccessRate()*successWeight + speed*speedWeight
}

// instance returns a live instance for name, creating one with an empty
// config on first use.
func (o *Orchestrator) instance(name string) (Pipeline, error) {
	o.instMu.Lock()
	defer o.instMu.Unlock()

	if inst, ok := o.instances[name]; ok {
		return inst, nil
	}

	inst, err := o.registry.Create(name, nil)
	if err != nil {
		return nil, err
	}

	o.instances[name] = inst

	return inst, nil
}

// Forget drops the orchestrator's cached instance for a name. Callers
// unregistering a pipeline use it to release the reference.
func (o *Orchestrator) Forget(name string) {
	o.instMu.Lock()
	delete(o.instances, name)
	o.instMu.Unlock()
}

// ExecutePipeline runs one named pipeline under the configured timeout and
// optional retry policy, recording the outcome in the registry stats.
func (o *Orchestrator) ExecutePipeline(ctx context.Context, name string, input any, opts ExecOptions) Result {
	opts.applyDefaults()

	inst, err := o.instance(name)
	if err != nil {
		return failure(name, 0, err)
	}

	start := time.Now()

	var output any

	op := func() error {
		out, runErr := o.runOnce(ctx, inst, input, opts)
		if runErr != nil {
			return runErr
		}

		output = out

		return nil
	}

	if opts.Retry != nil {
		err = opts.Retry.run(ctx, op)
	} else {
		err = op()
	}

	elapsed := time.Since(start)

	if err != nil {
		return failure(name, elapsed, err)
	}

	return Result{
		Success: true,
		Output:  output,
		Metadata: ResultMetadata{
			PipelineID:    name,
			ExecutionTime: elapsed,
			Timestamp:     time.Now(),
		},
	}
}

func (o *Orchestrator) runOnce(ctx context.Context, inst Pipeline, input any, opts ExecOptions) (any, error) {
	execCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	output, err := inst.Process(execCtx, input, opts.Options)
	elapsed := time.Since(start)

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
	}

	o.registry.recordResult(inst.ID(), elapsed, err == nil)

	if err != nil {
		return nil, err
	}

	return output, nil
}

// Execute selects matching pipelines and runs them per the strategy:
// `first` calls only the best match, `fallback` walks the score order until
// one succeeds, `parallel` races up to MaxConcurrent and keeps the first
// success.
func (o *Orchestrator) Execute(ctx context.Context, req Requirements, input any, opts ExecOptions) Result {
	opts.applyDefaults()

	candidates := o.FindPipelines(req)
	if len(candidates) == 0 {
		return failure("", 0, fmt.Errorf("%w: %v", ErrNoMatch, req.Capabilities))
	}

	switch opts.Strategy {
	case StrategyFirst:
		return o.ExecutePipeline(ctx, candidates[0].Name, input, opts)
	case StrategyFallback:
		return o.executeFallback(ctx, candidates, input, opts)
	case StrategyParallel:
		return o.executeParallel(ctx, candidates, input, opts)
	default:
		return failure("", 0, fmt.Errorf("%w: %s", ErrUnknownStrategy, opts.Strategy))
	}
}

func (o *Orchestrator) executeFallback(ctx context.Context, candidates []Candidate, input any, opts ExecOptions) Result {
	var merr *multierror.Error

	for _, candidate := range candidates {
		result := o.ExecutePipeline(ctx, candidate.Name, input, opts)
		if result.Success {
			return result
		}

		merr = multierror.Append(merr, fmt.Errorf("%s: %s", candidate.Name, result.Error))

		o.logger.Warn("pipeline fallback: candidate failed",
			"pipeline", candidate.Name, "error", result.Error)
	}

	return failure("", 0, fmt.Errorf("all %d candidates failed: %w", len(candidates), merr.ErrorOrNil()))
}

func (o *Orchestrator) executeParallel(ctx context.Context, candidates []Candidate, input any, opts ExecOptions) Result {
	if len(candidates) > opts.MaxConcurrent {
		candidates = candidates[:opts.MaxConcurrent]
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Result, len(candidates))

	for _, candidate := range candidates {
		go func() {
			results <- o.ExecutePipeline(raceCtx, candidate.Name, input, opts)
		}()
	}

	var merr *multierror.Error

	for range candidates {
		result := <-results
		if result.Success {
			// Cancel the rest of the race; they terminate best-effort.
			cancel()

			return result
		}

		merr = multierror.Append(merr, errors.New(result.Error))
	}

	return failure("", 0, fmt.Errorf("parallel execution failed: %w", merr.ErrorOrNil()))
}

func failure(name string, elapsed time.Duration, err error) Result {
	return Result{
		Success: false,
		Error:   err.Error(),
		Metadata: ResultMetadata{
			PipelineID:    name,
			ExecutionTime: elapsed,
			Timestamp:     time.Now(),
		},
	}
}
