package execrunner

import (
	"context"
	"fmt"
	"strings"

	"github.com/dsa110/contimg-ingestd/internal/stagecontract"
)

// Router dispatches a stage invocation to the operator-configured command
// for that stage (config §6.4's stage_command.<stage> map), building one
// Runner per stage name the first time it's needed.
type Router struct {
	commands map[string][]string
	runners  map[string]*Runner
}

// NewRouter builds a Router from the stage_command config map, where each
// value is a shell-style command line (e.g. "python3 /opt/ingestd/convert.py").
func NewRouter(stageCommands map[string]string) (*Router, error) {
	r := &Router{
		commands: make(map[string][]string, len(stageCommands)),
		runners:  make(map[string]*Runner, len(stageCommands)),
	}
	for stage, line := range stageCommands {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return nil, fmt.Errorf("execrunner: empty stage_command for stage %q", stage)
		}
		r.commands[stage] = fields
	}
	return r, nil
}

func (r *Router) Run(ctx context.Context, in stagecontract.Input) (stagecontract.Result, error) {
	fields, ok := r.commands[in.StageName]
	if !ok {
		return stagecontract.Result{OK: false, Fatal: true, Error: "no stage_command configured for stage " + in.StageName},
			fmt.Errorf("execrunner: no command configured for stage %q", in.StageName)
	}
	runner, ok := r.runners[in.StageName]
	if !ok {
		runner = New(fields[0], fields[1:]...)
		r.runners[in.StageName] = runner
	}
	return runner.Run(ctx, in)
}
