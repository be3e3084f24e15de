package mslock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireExcludesConcurrentHolder(t *testing.T) {
	tbl := New(time.Hour)
	msPath := filepath.Join(t.TempDir(), "group.ms")

	release, err := tbl.Acquire(context.Background(), msPath, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tbl.Acquire(ctx, msPath, 50*time.Millisecond)
	assert.Error(t, err)

	release()

	release2, err := tbl.Acquire(context.Background(), msPath, time.Second)
	require.NoError(t, err)
	release2()
}

func TestReleaseIsIdempotent(t *testing.T) {
	tbl := New(time.Hour)
	msPath := filepath.Join(t.TempDir(), "group.ms")

	release, err := tbl.Acquire(context.Background(), msPath, time.Second)
	require.NoError(t, err)
	release()
	release()

	release2, err := tbl.Acquire(context.Background(), msPath, time.Second)
	require.NoError(t, err)
	release2()
}

func TestStaleLockIsPreempted(t *testing.T) {
	tbl := New(time.Millisecond)
	msPath := filepath.Join(t.TempDir(), "group.ms")

	release, err := tbl.Acquire(context.Background(), msPath, time.Second)
	require.NoError(t, err)
	release()

	// Leave an orphaned lock file older than staleAge behind.
	require.NoError(t, os.WriteFile(lockFilePath(msPath), []byte("{}"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockFilePath(msPath), old, old))
	tbl.preemptStale(msPath)
	_, err = os.Stat(lockFilePath(msPath))
	assert.True(t, os.IsNotExist(err))

	time.Sleep(5 * time.Millisecond)
	release2, err := tbl.Acquire(context.Background(), msPath, time.Second)
	require.NoError(t, err)
	release2()
}
