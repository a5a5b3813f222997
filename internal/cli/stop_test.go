package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("should fail when no daemon is running", func(t *testing.T) {
		path := setupTestCLI(t)

		_, err := executeCommand(t, "stop", "--config", path, "--timeout", "1s")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})

	t.Run("should remove a stale PID file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "valedesk.pid")
		// PIDs this large are never handed out.
		require.NoError(t, os.WriteFile(pidFile, []byte("999999999"), 0o644))

		err := stopDaemon(&bytes.Buffer{}, pidFile, time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stale")

		_, statErr := os.Stat(pidFile)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("should document the timeout flag", func(t *testing.T) {
		out, err := executeCommand(t, "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Stop the ValeDesk daemon")
		assert.Contains(t, out, "timeout")
	})
}
