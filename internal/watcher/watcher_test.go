package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilenameNormalizesSeparators(t *testing.T) {
	cases := []struct {
		name       string
		wantGroup  string
		wantSB     int
		wantMatch  bool
	}{
		{"2026-07-31T12:00:00_sb01.hdf5", "2026-07-31T12:00:00", 1, true},
		{"2026-07-31_12_00_00_sb07.hdf5", "2026-07-31T12:00:00", 7, true},
		{"not-a-capture-file.txt", "", 0, false},
		{"2026-07-31T12:00:00_sb1.hdf5", "", 0, false},
	}
	for _, c := range cases {
		group, sb, ok := ParseFilename(c.name)
		assert.Equal(t, c.wantMatch, ok, c.name)
		if c.wantMatch {
			assert.Equal(t, c.wantGroup, group, c.name)
			assert.Equal(t, c.wantSB, sb, c.name)
		}
	}
}

func TestScanExistingEmitsMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-07-31T12:00:00_sb00.hdf5"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("x"), 0o644))

	w := New(nil, dir, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	select {
	case ev := <-w.Events():
		assert.Equal(t, "2026-07-31T12:00:00", ev.GroupID)
		assert.Equal(t, 0, ev.SubbandIdx)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovery scan event")
	}
}

func TestWatcherEmitsOnNewFileAfterSettle(t *testing.T) {
	dir := t.TempDir()
	w := New(nil, dir, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	path := filepath.Join(dir, "2026-07-31T13:00:00_sb02.hdf5")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	select {
	case ev := <-w.Events():
		assert.Equal(t, "2026-07-31T13:00:00", ev.GroupID)
		assert.Equal(t, 2, ev.SubbandIdx)
		assert.Equal(t, path, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for create event")
	}
}
