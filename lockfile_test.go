package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFileMutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	l, err := acquireLock(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data, "lock file records the holder's pid")

	_, err = acquireLock(path)
	assert.Error(t, err, "second tracer must be refused")

	l.release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "lock file removed on release")

	l2, err := acquireLock(path)
	require.NoError(t, err)
	l2.release()
}
