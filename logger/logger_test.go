package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConsoleLog(t *testing.T) {
	require.NoError(t, InitConsoleLog("WARNING"))
	assert.Equal(t, logging.WARNING, logging.GetLevel(""))

	require.Error(t, InitConsoleLog("LOUD"))
}

func TestInitLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "afxdp.log")
	require.NoError(t, InitLog(path, "DEBUG"))
	defer func() { require.NoError(t, InitConsoleLog("INFO")) }()

	logging.MustGetLogger("test").Infof("hello %d", 42)

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	b, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello 42")
}
