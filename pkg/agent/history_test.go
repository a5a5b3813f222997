package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConversation(t *testing.T) {
	transcript := []Message{
		{Type: MessageUserPrompt, Prompt: "first"},
		{Type: MessageText, Text: "Let me look."},
		{Type: MessageToolUse, ID: "t1", Name: "read_file", Input: map[string]interface{}{"path": "a.txt", "explanation": "check\nthe file"}},
		{Type: MessageToolResult, ToolUseID: "t1", Output: "line one\nline two"},
		{Type: MessageToolUse, ID: "t2", Name: "run_command", Input: map[string]interface{}{"command": "false"}},
		{Type: MessageToolResult, ToolUseID: "t2", Output: "exit code 1", IsError: true},
		{Type: MessageText, Text: "Done."},
		{Type: MessageResult, Summary: "Done."},
		{Type: MessageUserPrompt, Prompt: "second"},
	}

	t.Run("should compress tool pairs into the assistant text", func(t *testing.T) {
		conv, _ := buildConversation(transcript, "", "")
		require.Len(t, conv.messages, 3)
		assert.Equal(t, RoleAssistant, conv.messages[1].Role)
		assert.Equal(t,
			"Let me look.\nread_file,check the file,line one line two\nrun_command,,ERROR: exit code 1\nDone.",
			conv.messages[1].Content)
	})

	t.Run("should prepend memory to the last user message only", func(t *testing.T) {
		conv, appended := buildConversation(transcript, "third", "prefers tabs")
		require.True(t, appended)
		require.Len(t, conv.messages, 4)
		assert.Equal(t, "first", conv.messages[0].Content)
		assert.Equal(t, "second", conv.messages[2].Content)
		assert.Equal(t, "<memory>\nprefers tabs\n</memory>\n\nthird", conv.messages[3].Content)
	})

	t.Run("should not append a prompt equal to the last one", func(t *testing.T) {
		conv, appended := buildConversation(transcript, "second", "")
		assert.False(t, appended)
		assert.Len(t, conv.messages, 3)
		assert.Equal(t, 2, conv.memoryIdx)
	})

	t.Run("should truncate compressed output to 80 characters", func(t *testing.T) {
		long := strings.Repeat("é", 200)
		conv, _ := buildConversation([]Message{
			{Type: MessageUserPrompt, Prompt: "go"},
			{Type: MessageToolUse, ID: "t1", Name: "fetch_url"},
			{Type: MessageToolResult, ToolUseID: "t1", Output: long},
		}, "", "")
		require.Len(t, conv.messages, 2)
		assert.Equal(t, "fetch_url,,"+strings.Repeat("é", 80), conv.messages[1].Content)
	})

	t.Run("should skip synthetic prompts", func(t *testing.T) {
		conv, _ := buildConversation([]Message{
			{Type: MessageUserPrompt, Prompt: "real"},
			{Type: MessageUserPrompt, Prompt: "hint", Synthetic: true},
		}, "", "")
		require.Len(t, conv.messages, 1)
		assert.Equal(t, "real", conv.messages[0].Content)
	})

	t.Run("should rewrite memory in place", func(t *testing.T) {
		conv, _ := buildConversation(nil, "hello", "old")
		conv.append(ChatMessage{Role: RoleAssistant, Content: "ok"})
		conv.refreshMemory("new")
		assert.Equal(t, "<memory>\nnew\n</memory>\n\nhello", conv.messages[0].Content)
		conv.refreshMemory("")
		assert.Equal(t, "hello", conv.messages[0].Content)
	})
}

func TestToolCallBuilder(t *testing.T) {
	t.Run("should assemble fragments per index in order", func(t *testing.T) {
		b := newToolCallBuilder(4)
		b.Add(ToolCallDelta{Index: 1, ID: "b", Name: "search"})
		b.Add(ToolCallDelta{Index: 0, Name: "read_file"})
		b.Add(ToolCallDelta{Index: 0, ArgumentsFragment: `{"path":`})
		b.Add(ToolCallDelta{Index: 1, ArgumentsFragment: `{"q":"x"}`})
		b.Add(ToolCallDelta{Index: 0, ArgumentsFragment: `"a.txt"}`})

		assert.Equal(t, []ToolCall{
			{ID: "call_4_0", Name: "read_file", Arguments: `{"path":"a.txt"}`},
			{ID: "b", Name: "search", Arguments: `{"q":"x"}`},
		}, b.Calls())
	})

	t.Run("should default empty arguments and drop nameless calls", func(t *testing.T) {
		b := newToolCallBuilder(1)
		b.Add(ToolCallDelta{Index: 0, Name: "list_directory"})
		b.Add(ToolCallDelta{Index: 1, ArgumentsFragment: "{}"})

		assert.Equal(t, []ToolCall{{ID: "call_1_0", Name: "list_directory", Arguments: "{}"}}, b.Calls())
	})
}

func TestParseTodos(t *testing.T) {
	previous := []TodoItem{{ID: "todo_1", Content: "write tests", Status: "pending", CreatedAt: 10, UpdatedAt: 10}}

	t.Run("should keep identity of known items", func(t *testing.T) {
		todos, err := parseTodos(map[string]interface{}{
			"todos": []interface{}{
				map[string]interface{}{"content": "write tests", "status": "completed"},
				map[string]interface{}{"content": "ship", "status": "pending"},
			},
		}, previous)
		require.NoError(t, err)
		require.Len(t, todos, 2)
		assert.Equal(t, "todo_1", todos[0].ID)
		assert.Equal(t, int64(10), todos[0].CreatedAt)
		assert.Equal(t, "completed", todos[0].Status)
		assert.NotEqual(t, "todo_1", todos[1].ID)
	})

	t.Run("should reject a non-array payload", func(t *testing.T) {
		_, err := parseTodos(map[string]interface{}{"todos": "nope"}, nil)
		assert.Error(t, err)
	})
}
