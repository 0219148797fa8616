package model

import (
	"errors"
	"fmt"
	"strings"
)

// Pipeline names one status-driven lifecycle.
type Pipeline string

const (
	PipelineBlocks               Pipeline = "blocks"
	PipelineTransactions         Pipeline = "transactions"
	PipelineInternalTransactions Pipeline = "internal_transactions"
	PipelineAddresses            Pipeline = "addresses"
	PipelineLogs                 Pipeline = "logs"
)

// Status is a lifecycle position within a pipeline.
type Status string

const (
	StatusImported   Status = "imported"
	StatusDownloaded Status = "downloaded"
	StatusIndexable  Status = "indexable"
	StatusIndexed    Status = "indexed"
	StatusPending    Status = "pending"
	StatusSkipped    Status = "skipped"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrUnknownPipeline   = errors.New("unknown pipeline")
	ErrUnknownStatus     = errors.New("unknown status")
)

// transitions is the canonical state machine. Every forward move made by a
// worker must appear here.
var transitions = map[Pipeline]map[Status][]Status{
	PipelineBlocks: {
		StatusImported:   {StatusDownloaded},
		StatusDownloaded: {StatusIndexable},
		StatusIndexable:  {StatusIndexed},
	},
	PipelineTransactions: {
		StatusImported:   {StatusDownloaded},
		StatusDownloaded: {StatusIndexable},
		StatusIndexable:  {StatusIndexed},
	},
	PipelineInternalTransactions: {
		StatusPending: {StatusDownloaded, StatusSkipped},
	},
	PipelineAddresses: {
		StatusImported:   {StatusDownloaded},
		StatusDownloaded: {StatusIndexed},
	},
	PipelineLogs: {
		StatusDownloaded: {StatusIndexed},
	},
}

var statuses = map[Pipeline][]Status{
	PipelineBlocks:               {StatusImported, StatusDownloaded, StatusIndexable, StatusIndexed},
	PipelineTransactions:         {StatusImported, StatusDownloaded, StatusIndexable, StatusIndexed},
	PipelineInternalTransactions: {StatusPending, StatusDownloaded, StatusSkipped},
	PipelineAddresses:            {StatusImported, StatusDownloaded, StatusIndexed},
	PipelineLogs:                 {StatusDownloaded, StatusIndexed},
}

// claimable lists the stages a worker consumes from.
var claimable = []Stage{
	{PipelineBlocks, StatusImported},
	{PipelineBlocks, StatusIndexable},
	{PipelineTransactions, StatusImported},
	{PipelineTransactions, StatusIndexable},
	{PipelineInternalTransactions, StatusPending},
	{PipelineAddresses, StatusImported},
	{PipelineAddresses, StatusDownloaded},
}

// Pipelines returns every known pipeline.
func Pipelines() []Pipeline {
	return []Pipeline{
		PipelineBlocks,
		PipelineTransactions,
		PipelineInternalTransactions,
		PipelineAddresses,
		PipelineLogs,
	}
}

// Statuses returns the statuses a pipeline may hold, in lifecycle order.
func (p Pipeline) Statuses() []Status {
	return append([]Status(nil), statuses[p]...)
}

func (p Pipeline) Valid() bool {
	_, ok := statuses[p]

	return ok
}

// Has reports whether s belongs to the pipeline.
func (p Pipeline) Has(s Status) bool {
	for _, candidate := range statuses[p] {
		if candidate == s {
			return true
		}
	}

	return false
}

// ValidateTransition checks a forward move against the state machine.
func ValidateTransition(p Pipeline, from, to Status) error {
	next, ok := transitions[p]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPipeline, p)
	}

	for _, candidate := range next[from] {
		if candidate == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, p, from, to)
}

// Stage is a (pipeline, status) pair.
type Stage struct {
	Pipeline Pipeline
	Status   Status
}

func NewStage(p Pipeline, s Status) Stage {
	return Stage{Pipeline: p, Status: s}
}

func (s Stage) String() string {
	return string(s.Pipeline) + ":" + string(s.Status)
}

// Claimable reports whether workers consume from this stage.
func (s Stage) Claimable() bool {
	for _, c := range claimable {
		if c == s {
			return true
		}
	}

	return false
}

// ClaimableStages returns every stage consumed by a worker.
func ClaimableStages() []Stage {
	return append([]Stage(nil), claimable...)
}

func ParsePipeline(v string) (Pipeline, error) {
	p := Pipeline(strings.ToLower(strings.TrimSpace(v)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPipeline, v)
	}

	return p, nil
}

// ParseStage validates a pipeline and status pair.
func ParseStage(pipeline, status string) (Stage, error) {
	p, err := ParsePipeline(pipeline)
	if err != nil {
		return Stage{}, err
	}

	s := Status(strings.ToLower(strings.TrimSpace(status)))
	if !p.Has(s) {
		return Stage{}, fmt.Errorf("%w: %q for pipeline %s", ErrUnknownStatus, status, p)
	}

	return Stage{Pipeline: p, Status: s}, nil
}
