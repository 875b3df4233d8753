// Package pipeline provides the capability-indexed processing registry and
// the orchestrator that dispatches work across registered pipelines with
// retry, fallback, and parallel execution strategies.
package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrPermanent marks failures that must never be retried (for example an
// authentication refusal). Producers wrap it; the default retry predicate
// checks for it with errors.Is.
var ErrPermanent = errors.New("permanent failure")

// Pipeline is a unit of processing selected by capability tags.
type Pipeline interface {
	// ID is the stable pipeline identity.
	ID() string

	// Capabilities returns the tags this pipeline can serve.
	Capabilities() []string

	// Priority orders competing pipelines; higher wins.
	Priority() int

	// Process runs the pipeline on one input.
	Process(ctx context.Context, input any, opts map[string]any) (any, error)
}

// Cleaner is optionally implemented by pipeline instances that hold
// resources. Unregister asks live instances to clean up, fire-and-forget
// with a timeout.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Factory instantiates a pipeline from a configuration map.
type Factory func(config map[string]any) (Pipeline, error)

// Metadata describes a registration entry.
type Metadata struct {
	Category     string    `json:"category"`
	Version      string    `json:"version"`
	Description  string    `json:"description"`
	Author       string    `json:"author"`
	Capabilities []string  `json:"capabilities"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Stats tracks per-pipeline execution outcomes, maintained by the
// orchestrator through the registry.
type Stats struct {
	SuccessCount     uint64        `json:"success_count"`
	FailureCount     uint64        `json:"failure_count"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
}

// SuccessRate is successes over total executions, 0 when never executed.
func (s Stats) SuccessRate() float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 0
	}

	return float64(s.SuccessCount) / float64(total)
}

// Result is the orchestrator's uniform execution outcome.
type Result struct {
	Success  bool           `json:"success"`
	Output   any            `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata ResultMetadata `json:"metadata"`
}

// ResultMetadata identifies which pipeline produced a result and when.
type ResultMetadata struct {
	PipelineID    string        `json:"pipelineId"`
	ExecutionTime time.Duration `json:"executionTime"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Requirements selects pipelines for orchestrated execution. A pipeline
// matches when its capability set is a superset of Capabilities.
type Requirements struct {
	Capabilities []string `json:"capabilities"`
}
