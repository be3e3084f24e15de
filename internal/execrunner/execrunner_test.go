package execrunner

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg-ingestd/internal/stagecontract"
)

func TestRunParsesStageResultFromStdout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell assumed")
	}
	r := New("sh", "-c", `cat >/dev/null; echo '{"ok":true,"produced":[{"data_type":"ms","stage_path":"/tmp/out.ms"}]}'`)
	res, err := r.Run(context.Background(), stagecontract.Input{GroupID: "g1", StageName: "converting"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.Len(t, res.Produced, 1)
	assert.Equal(t, "/tmp/out.ms", res.Produced[0].StagePath)
}

func TestRunReportsMalformedOutputAsFatal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell assumed")
	}
	r := New("sh", "-c", `cat >/dev/null; echo 'not json'`)
	res, err := r.Run(context.Background(), stagecontract.Input{GroupID: "g1", StageName: "converting"})
	require.Error(t, err)
	assert.True(t, res.Fatal)
}

func TestRunHonorsCancellation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell assumed")
	}
	r := New("sh", "-c", `cat >/dev/null; sleep 5`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, stagecontract.Input{GroupID: "g1", StageName: "converting"})
	require.Error(t, err)
}
