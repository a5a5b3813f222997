package cli

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
)

func TestSessionsCommand(t *testing.T) {
	t.Run("should list an empty store", func(t *testing.T) {
		path := setupTestCLI(t)

		out, err := executeCommand(t, "sessions", "list", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "No sessions")
	})

	t.Run("should fail for an unknown session", func(t *testing.T) {
		path := setupTestCLI(t)

		_, err := executeCommand(t, "sessions", "history", "missing", "--config", path)
		assert.Error(t, err)
	})
}

func TestScheduleCommand(t *testing.T) {
	t.Run("should add, list and remove a scheduled prompt", func(t *testing.T) {
		path := setupTestCLI(t)

		out, err := executeCommand(t, "schedule", "add", "every 1h", "--config", path,
			"--title", "digest", "--prompt", "summarize the inbox")
		require.NoError(t, err)
		m := regexp.MustCompile(`Scheduled (\S+), next run`).FindStringSubmatch(out)
		require.Len(t, m, 2, out)
		id := m[1]

		out, err = executeCommand(t, "schedule", "list", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "digest")
		assert.Contains(t, out, "every 1h")

		out, err = executeCommand(t, "schedule", "rm", id, "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Removed "+id)

		out, err = executeCommand(t, "schedule", "list", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "No scheduled tasks")
	})

	t.Run("should reject an unsupported schedule", func(t *testing.T) {
		path := setupTestCLI(t)

		_, err := executeCommand(t, "schedule", "add", "sometime", "--config", path, "--title", "x")
		assert.Error(t, err)
	})
}

func TestPrintHistory(t *testing.T) {
	t.Run("should render each message kind", func(t *testing.T) {
		h := &agent.History{
			Session: &agent.Session{Title: "Demo", Status: agent.StatusCompleted, Model: "gpt-test"},
			Messages: []agent.Message{
				{Type: agent.MessageUserPrompt, Prompt: "list files"},
				{Type: agent.MessageToolUse, Name: "list_dir"},
				{Type: agent.MessageToolResult, Output: "a.go\nb.go", IsError: false},
				{Type: agent.MessageText, Text: "Two files."},
			},
			Todos: []agent.TodoItem{{Content: "check tests", Status: "pending"}},
		}
		out := &bytes.Buffer{}

		printHistory(out, h)

		assert.Contains(t, out.String(), "Demo [completed] model=gpt-test")
		assert.Contains(t, out.String(), "> list files")
		assert.Contains(t, out.String(), "[tool] list_dir")
		assert.Contains(t, out.String(), "[ok] a.go ...")
		assert.Contains(t, out.String(), "Two files.")
		assert.Contains(t, out.String(), "- [pending] check tests")
	})
}
