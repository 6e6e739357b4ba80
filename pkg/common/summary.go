package common

import (
	"maps"
	"slices"
	"sync"
)

// Stage names a pipeline stage in a RunSummary.
type Stage string

const (
	StageExtraction    Stage = "extraction"
	StageDeduplication Stage = "deduplication"
	StageEmbedding     Stage = "embedding"
	StageClustering    Stage = "clustering"
	StageSummarization Stage = "summarization"
)

// Failure kinds recorded in a RunSummary.
const (
	FailureProviderUnavailable = "provider_unavailable"
	FailureMalformedOutput     = "malformed_output"
	FailureClustering          = "clustering_failure"
	FailureCancelled           = "cancelled"
	FailureOther               = "error"
)

// UnitFailure describes why one unit of work failed.
type UnitFailure struct {
	Unit  string `json:"unit"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// StageResult aggregates the outcome of every unit processed in a stage.
type StageResult struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Failures  []UnitFailure `json:"failures,omitempty"`
}

// RunSummary collects per-stage success and failure counts of a pipeline run.
// It is safe for concurrent use.
type RunSummary struct {
	RunID string

	mu     sync.Mutex
	stages map[Stage]*StageResult
}

// NewRunSummary returns an empty summary for the given run.
func NewRunSummary(runID string) *RunSummary {
	return &RunSummary{
		RunID:  runID,
		stages: make(map[Stage]*StageResult),
	}
}

func (s *RunSummary) stage(stage Stage) *StageResult {
	r, ok := s.stages[stage]
	if !ok {
		r = &StageResult{}
		s.stages[stage] = r
	}
	return r
}

// Succeed records a successful unit.
func (s *RunSummary) Succeed(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage(stage).Succeeded++
}

// Skip records a unit that was intentionally not processed.
func (s *RunSummary) Skip(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage(stage).Skipped++
}

// Fail records a failed unit. kind classifies the failure.
func (s *RunSummary) Fail(stage Stage, unit string, kind string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.stage(stage)
	r.Failed++
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.Failures = append(r.Failures, UnitFailure{Unit: unit, Kind: kind, Error: msg})
}

// Stage returns a copy of the result of one stage.
func (s *RunSummary) Stage(stage Stage) StageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.stages[stage]
	if !ok {
		return StageResult{}
	}
	out := *r
	out.Failures = slices.Clone(r.Failures)
	return out
}

// Stages returns a copy of all recorded stages.
func (s *RunSummary) Stages() map[Stage]StageResult {
	s.mu.Lock()
	keys := slices.Collect(maps.Keys(s.stages))
	s.mu.Unlock()

	out := make(map[Stage]StageResult, len(keys))
	for _, k := range keys {
		out[k] = s.Stage(k)
	}
	return out
}

// HasFailures reports whether any stage recorded a failure.
func (s *RunSummary) HasFailures() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.stages {
		if r.Failed > 0 {
			return true
		}
	}
	return false
}
