package agent

import (
	"strings"
)

const compressedOutputLimit = 80

// conversation is the model-facing message list of one run.
type conversation struct {
	messages []ChatMessage

	// memoryIdx is the user message carrying memory, -1 when none.
	memoryIdx  int
	memoryBase string
}

// buildConversation replays a stored transcript into chat messages and
// appends prompt unless it repeats the last replayed prompt. It reports
// whether the prompt was appended.
func buildConversation(transcript []Message, prompt, memory string) (*conversation, bool) {
	conv := &conversation{memoryIdx: -1}

	var (
		lastPrompt string
		havePrompt bool
		toolLines  []string
		pending    = map[string]int{}
	)

	flushTools := func() {
		if len(toolLines) == 0 {
			return
		}
		block := strings.Join(toolLines, "\n")
		toolLines = nil
		pending = map[string]int{}
		if n := len(conv.messages); n > 0 && conv.messages[n-1].Role == RoleAssistant {
			if conv.messages[n-1].Content != "" {
				conv.messages[n-1].Content += "\n"
			}
			conv.messages[n-1].Content += block
			return
		}
		conv.messages = append(conv.messages, ChatMessage{Role: RoleAssistant, Content: block})
	}

	for _, msg := range transcript {
		switch msg.Type {
		case MessageUserPrompt:
			if msg.Synthetic {
				continue
			}
			flushTools()
			conv.messages = append(conv.messages, ChatMessage{Role: RoleUser, Content: msg.Prompt})
			lastPrompt, havePrompt = msg.Prompt, true
		case MessageText:
			if msg.Text == "" {
				continue
			}
			flushTools()
			if n := len(conv.messages); n > 0 && conv.messages[n-1].Role == RoleAssistant {
				conv.messages[n-1].Content += "\n" + msg.Text
			} else {
				conv.messages = append(conv.messages, ChatMessage{Role: RoleAssistant, Content: msg.Text})
			}
		case MessageToolUse:
			pending[msg.ID] = len(toolLines)
			toolLines = append(toolLines, compressToolLine(msg))
		case MessageToolResult:
			if i, ok := pending[msg.ToolUseID]; ok {
				toolLines[i] = toolLines[i] + compressToolOutput(msg)
				delete(pending, msg.ToolUseID)
			}
		}
	}
	flushTools()

	appended := false
	if prompt != "" && !(havePrompt && prompt == lastPrompt) {
		conv.messages = append(conv.messages, ChatMessage{Role: RoleUser, Content: prompt})
		appended = true
	}

	for i := len(conv.messages) - 1; i >= 0; i-- {
		if conv.messages[i].Role == RoleUser {
			conv.memoryIdx = i
			conv.memoryBase = conv.messages[i].Content
			break
		}
	}
	conv.refreshMemory(memory)
	return conv, appended
}

// refreshMemory rewrites the memory-bearing message with new memory text.
func (c *conversation) refreshMemory(memory string) {
	if c.memoryIdx < 0 {
		return
	}
	c.messages[c.memoryIdx].Content = wrapMemory(memory) + c.memoryBase
}

func (c *conversation) append(msg ChatMessage) {
	c.messages = append(c.messages, msg)
}

func wrapMemory(memory string) string {
	memory = strings.TrimSpace(memory)
	if memory == "" {
		return ""
	}
	return "<memory>\n" + memory + "\n</memory>\n\n"
}

// compressToolLine renders "name,explanation," for a tool_use entry; the
// matching result's output is appended by compressToolOutput.
func compressToolLine(use Message) string {
	explanation, _ := use.Input["explanation"].(string)
	return use.Name + "," + flatten(explanation) + ","
}

func compressToolOutput(result Message) string {
	out := flatten(result.Output)
	if runes := []rune(out); len(runes) > compressedOutputLimit {
		out = string(runes[:compressedOutputLimit])
	}
	if result.IsError {
		return "ERROR: " + out
	}
	return out
}

func flatten(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
