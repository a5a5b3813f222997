package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestWriter(t *testing.T, maxSizeMB, maxAge int, compress bool) (*RotatingWriter, string) {
	t.Helper()
	logFile := filepath.Join(t.TempDir(), "nested", "valedesk.log")
	w, err := NewRotatingWriter(logFile, maxSizeMB, maxAge, compress)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, logFile
}

func rotated(t *testing.T, logFile string) []string {
	t.Helper()
	matches, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	return matches
}

func TestRotatingWriter(t *testing.T) {
	t.Run("should create the file and its directory", func(t *testing.T) {
		_, logFile := setupTestWriter(t, 1, 7, false)
		_, err := os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("should rotate once the size limit is crossed", func(t *testing.T) {
		w, logFile := setupTestWriter(t, 1, 7, false)
		line := []byte(strings.Repeat("x", 1023) + "\n")
		for i := 0; i < 1024; i++ {
			_, err := w.Write(line)
			require.NoError(t, err)
		}
		assert.Empty(t, rotated(t, logFile))

		_, err := w.Write(line)
		require.NoError(t, err)
		assert.Len(t, rotated(t, logFile), 1)

		info, err := os.Stat(logFile)
		require.NoError(t, err)
		assert.Equal(t, int64(len(line)), info.Size())
	})

	t.Run("should gzip rotated files", func(t *testing.T) {
		w, logFile := setupTestWriter(t, 1, 7, true)
		big := []byte(strings.Repeat("y", 1024*1024))
		_, err := w.Write(big)
		require.NoError(t, err)
		_, err = w.Write([]byte("next\n"))
		require.NoError(t, err)

		files := rotated(t, logFile)
		require.Len(t, files, 1)
		assert.True(t, strings.HasSuffix(files[0], ".gz"))
	})

	t.Run("should never rotate without a size limit", func(t *testing.T) {
		w, logFile := setupTestWriter(t, 0, 7, false)
		_, err := w.Write([]byte(strings.Repeat("z", 2*1024*1024)))
		require.NoError(t, err)
		assert.Empty(t, rotated(t, logFile))
	})

	t.Run("should drop expired rotations on open", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "valedesk.log")
		old := logFile + ".20200101-000000.000000"
		fresh := logFile + ".20990101-000000.000000"
		require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
		require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0o644))
		past := time.Now().AddDate(0, 0, -30)
		require.NoError(t, os.Chtimes(old, past, past))

		w, err := NewRotatingWriter(logFile, 1, 7, false)
		require.NoError(t, err)
		defer w.Close()

		_, err = os.Stat(old)
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(fresh)
		assert.NoError(t, err)
	})

	t.Run("should refuse writes after close", func(t *testing.T) {
		w, _ := setupTestWriter(t, 1, 7, false)
		require.NoError(t, w.Close())
		_, err := w.Write([]byte("late"))
		assert.ErrorIs(t, err, os.ErrClosed)
		assert.NoError(t, w.Close())
	})
}
