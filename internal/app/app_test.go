package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	script := filepath.Join(dir, "stage.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho '{\"ok\":true}'\n"), 0o755))

	input := filepath.Join(dir, "input")
	staging := filepath.Join(dir, "staging")
	published := filepath.Join(dir, "published")
	for _, d := range []string{input, staging, published} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	path := filepath.Join(dir, "config.yaml")
	contents := "input_dir: " + input + "\n" +
		"staging_dir: " + staging + "\n" +
		"published_dir: " + published + "\n" +
		"queue_db_path: " + filepath.Join(dir, "queue.db") + "\n" +
		"registry_db_path: " + filepath.Join(dir, "registry.db") + "\n" +
		"n_workers: 1\n" +
		"stage_command:\n" +
		"  converting: " + script + "\n" +
		"  flagging: " + script + "\n" +
		"  calibrating: " + script + "\n" +
		"  applying: " + script + "\n" +
		"  imaging: " + script + "\n" +
		"  mosaicing: " + script + "\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestNewWiresEveryComponent(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	a, err := New(cfgPath)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Store)
	require.NotNil(t, a.Registry)
	require.NotNil(t, a.Sched)
	require.NotNil(t, a.Server)
	require.NotNil(t, a.Server.Engine())
}

func TestStartThenCloseIsClean(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	a, err := New(cfgPath)
	require.NoError(t, err)

	require.NoError(t, a.Start(t.Context()))
	time.Sleep(10 * time.Millisecond)
	a.Close()
}
