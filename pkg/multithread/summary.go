package multithread

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
)

// maxThreadChars bounds how much of each transcript feeds the summary.
const maxThreadChars = 6000

func buildSummaryPrompt(task *Task, transcripts [][]agent.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Below are the results of %d independent threads working on the same request. ", len(task.Threads))
	b.WriteString("Write one combined answer. Point out where the threads agree and where they differ, ")
	b.WriteString("and say which conclusion is best supported.\n\n")

	request := task.Prompt
	if request == "" {
		request = task.Title
	}
	fmt.Fprintf(&b, "Request:\n%s\n", request)

	for i, th := range task.Threads {
		label := th.Spec.Title
		if th.Spec.Role != "" {
			label = th.Spec.Role
		}
		fmt.Fprintf(&b, "\n=== Thread %d: %s (%s) ===\n", i+1, label, th.Status)

		var body string
		if i < len(transcripts) && transcripts[i] != nil {
			body = renderTranscript(transcripts[i])
		}
		if body == "" {
			body = th.Text
		}
		if body == "" && th.Error != "" {
			body = "Error: " + th.Error
		}
		b.WriteString(tail(body, maxThreadChars))
		b.WriteString("\n")
	}
	return b.String()
}

// renderTranscript keeps assistant text and tool activity; the user prompt
// is already part of the request.
func renderTranscript(msgs []agent.Message) string {
	var lines []string
	for _, m := range msgs {
		switch m.Type {
		case agent.MessageText:
			if t := strings.TrimSpace(m.Text); t != "" {
				lines = append(lines, t)
			}
		case agent.MessageToolUse:
			lines = append(lines, "[tool] "+m.Name)
		case agent.MessageToolResult:
			if m.IsError {
				lines = append(lines, "[tool error] "+firstLine(m.Output))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// tail keeps the last n runes, where conclusions usually are.
func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return "..." + string(runes[len(runes)-n:])
}

func sortNewestFirst(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt > tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
}
