// Package execrunner is the production stagecontract.Runner: it invokes an
// operator-configured external command per stage, feeding it the stage
// input as JSON on stdin and parsing its stdout as the stage result. No
// example in the retrieved pack shells out to a subprocess for unit-of-work
// execution, so this plumbing is built directly on os/exec (see DESIGN.md).
package execrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/dsa110/contimg-ingestd/internal/stagecontract"
)

// Runner shells out to cmd with args (the stage_command.<stage> config
// value) for every invocation.
type Runner struct {
	Command string
	Args    []string
}

func New(command string, args ...string) *Runner {
	return &Runner{Command: command, Args: args}
}

func (r *Runner) Run(ctx context.Context, in stagecontract.Input) (stagecontract.Result, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return stagecontract.Result{}, fmt.Errorf("execrunner: marshal input: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return stagecontract.Result{OK: false, Error: "canceled after " + elapsed.String()}, ctx.Err()
	}

	var result stagecontract.Result
	if decErr := json.Unmarshal(stdout.Bytes(), &result); decErr != nil {
		msg := fmt.Sprintf("execrunner: malformed stage output: %v (stderr: %s)", decErr, stderr.String())
		return stagecontract.Result{OK: false, Error: msg, Fatal: true}, fmt.Errorf("%s", msg)
	}
	if runErr != nil && result.Error == "" {
		result.Error = fmt.Sprintf("%v (stderr: %s)", runErr, stderr.String())
	}
	return result, nil
}
