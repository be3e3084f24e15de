package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const minimalYAML = `
input_dir: /data/in
staging_dir: /data/staging
published_dir: /data/published
queue_db_path: /data/queue.db
registry_db_path: /data/registry.db
`

func TestNewLoaderAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	l, err := NewLoader(path)
	require.NoError(t, err)

	c := l.Current()
	assert.Equal(t, "/data/in", c.InputDir)
	assert.Equal(t, 16, c.ExpectedSubbands)
	assert.Equal(t, 3, c.MaxGroupRetries)
	assert.Equal(t, 3600, c.MSLockTimeoutS)
}

func TestNewLoaderRejectsMissingRequiredKeys(t *testing.T) {
	path := writeConfigFile(t, "expected_subbands: 8\n")
	_, err := NewLoader(path)
	require.Error(t, err)
}

func TestApplyDefersRestartOnlyKeys(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	l, err := NewLoader(path)
	require.NoError(t, err)

	applied, deferred, err := l.Apply(map[string]any{
		"max_group_retries": 5,
		"input_dir":         "/new/in",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"max_group_retries"}, applied)
	assert.ElementsMatch(t, []string{"input_dir"}, deferred)
	assert.Equal(t, 5, l.Current().MaxGroupRetries)
	assert.Equal(t, "/data/in", l.Current().InputDir)
}

func TestStageTimeoutFallsBackToDefault(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	l, err := NewLoader(path)
	require.NoError(t, err)
	c := l.Current()
	assert.Equal(t, 300.0, c.StageTimeout("converting").Seconds())
}
