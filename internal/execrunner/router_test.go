package execrunner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg-ingestd/internal/stagecontract"
)

func TestRouterDispatchesToConfiguredCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell assumed")
	}
	script := filepath.Join(t.TempDir(), "convert.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho '{\"ok\":true}'\n"), 0o755))

	r, err := NewRouter(map[string]string{"converting": script})
	require.NoError(t, err)
	res, err := r.Run(context.Background(), stagecontract.Input{StageName: "converting"})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestRouterRejectsUnconfiguredStage(t *testing.T) {
	r, err := NewRouter(map[string]string{"converting": "echo hi"})
	require.NoError(t, err)
	res, err := r.Run(context.Background(), stagecontract.Input{StageName: "calibrating"})
	require.Error(t, err)
	assert.True(t, res.Fatal)
}

func TestNewRouterRejectsEmptyCommand(t *testing.T) {
	_, err := NewRouter(map[string]string{"converting": "   "})
	require.Error(t, err)
}
