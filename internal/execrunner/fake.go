package execrunner

import (
	"context"
	"sync"

	"github.com/dsa110/contimg-ingestd/internal/stagecontract"
)

// FakeRunner is a test double implementing stagecontract.Runner, letting
// scheduler tests script per-stage outcomes without spawning a process.
type FakeRunner struct {
	mu      sync.Mutex
	Results map[string]stagecontract.Result
	Errs    map[string]error
	Calls   []stagecontract.Input
}

func NewFake() *FakeRunner {
	return &FakeRunner{Results: map[string]stagecontract.Result{}, Errs: map[string]error{}}
}

func (f *FakeRunner) Run(ctx context.Context, in stagecontract.Input) (stagecontract.Result, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, in)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return stagecontract.Result{OK: false, Error: "canceled"}, ctx.Err()
	default:
	}

	if err, ok := f.Errs[in.StageName]; ok {
		return stagecontract.Result{}, err
	}
	if res, ok := f.Results[in.StageName]; ok {
		return res, nil
	}
	return stagecontract.Result{OK: true}, nil
}
