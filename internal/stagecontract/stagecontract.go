// Package stagecontract defines the language-neutral stage worker
// interface (spec §6.2): the scheduler invokes stages as opaque external
// collaborators via a stable input/output contract, never linking their
// scientific logic into this process.
package stagecontract

import "context"

// ProducedArtifact is one output a stage declares having written.
type ProducedArtifact struct {
	DataType   string         `json:"data_type"`
	StagePath  string         `json:"stage_path"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Input is handed to a stage invocation.
type Input struct {
	GroupID   string         `json:"group_id"`
	StageName string         `json:"stage_name"`
	Inputs    map[string]any `json:"inputs"`
}

// Result is what a stage invocation reports on completion.
type Result struct {
	OK            bool               `json:"ok"`
	Produced      []ProducedArtifact `json:"produced,omitempty"`
	NextStageHint string             `json:"next_stage_hint,omitempty"`
	Error         string             `json:"error,omitempty"`
	// Fatal marks a non-retriable failure (validation error, missing
	// required input) per §4.4's transient/fatal classification.
	Fatal bool `json:"fatal,omitempty"`
}

// Runner invokes a single stage. Implementations must honor ctx
// cancellation within the stage-declared grace period, must not write
// outside declared output paths, must not mutate input paths, and must
// tolerate replay with identical inputs (§6.2 contract).
type Runner interface {
	Run(ctx context.Context, in Input) (Result, error)
}
