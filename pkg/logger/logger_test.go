package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunLogName(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	assert.Equal(t, "evaluation_2025-03-14T09-26-53.log", RunLogName("evaluation", ts))
}

func TestInit_RotatesKeepingNewestThree(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"evaluation_2025-01-01T00-00-00.log",
		"evaluation_2025-01-02T00-00-00.log",
		"evaluation_2025-01-03T00-00-00.log",
		"other_2020-01-01T00-00-00.log",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	var console bytes.Buffer
	path, err := Init(Options{
		Level:   "info",
		Dir:     dir,
		Prefix:  "evaluation",
		Console: &console,
		Now:     func() time.Time { return time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { Log = zap.NewNop() })

	Info("hello")
	Sync()

	assert.Equal(t, filepath.Join(dir, "evaluation_2025-01-04T00-00-00.log"), path)
	assert.Contains(t, console.String(), "hello")

	_, err = os.Stat(filepath.Join(dir, "evaluation_2025-01-01T00-00-00.log"))
	assert.True(t, os.IsNotExist(err))
	for _, name := range []string{
		"evaluation_2025-01-02T00-00-00.log",
		"evaluation_2025-01-03T00-00-00.log",
		"evaluation_2025-01-04T00-00-00.log",
		"other_2020-01-01T00-00-00.log",
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestInit_RejectsBadLevel(t *testing.T) {
	_, err := Init(Options{Level: "loud"})
	assert.Error(t, err)
}
