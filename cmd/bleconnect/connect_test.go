package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOptionsEmptyPath(t *testing.T) {
	opts, err := loadOptions("")
	require.NoError(t, err)
	assert.Zero(t, opts.MaxAttempts, "zero value defers to library defaults")
}

func TestLoadOptionsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	content := `
max_attempts: 6
max_transient_errors: 12
connect_timeout: 10s
safety_timeout: 12s
backoff: 500ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	opts, err := loadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, 6, opts.MaxAttempts)
	assert.Equal(t, 12, opts.MaxTransientErrors)
	assert.Equal(t, 10*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 12*time.Second, opts.SafetyTimeout)
	assert.Equal(t, 500*time.Millisecond, opts.Backoff)
}

func TestLoadOptionsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connect_timeout: soon\n"), 0o600))

	_, err := loadOptions(path)
	assert.Error(t, err)
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := loadOptions(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
