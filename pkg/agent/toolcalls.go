package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// toolCallBuilder assembles streamed tool call fragments by index.
type toolCallBuilder struct {
	iteration int
	calls     map[int]*pendingCall
}

func newToolCallBuilder(iteration int) *toolCallBuilder {
	return &toolCallBuilder{iteration: iteration, calls: make(map[int]*pendingCall)}
}

// Add merges one fragment. ids and names arrive once per index, usually on
// the first fragment; argument text is concatenated.
func (b *toolCallBuilder) Add(d ToolCallDelta) {
	pc, ok := b.calls[d.Index]
	if !ok {
		pc = &pendingCall{}
		b.calls[d.Index] = pc
	}
	if d.ID != "" {
		pc.id = d.ID
	}
	if d.Name != "" {
		pc.name = d.Name
	}
	pc.args.WriteString(d.ArgumentsFragment)
}

// Calls returns the finished calls in index order. Missing ids are
// synthesized from the iteration and index so replays stay stable.
func (b *toolCallBuilder) Calls() []ToolCall {
	indexes := make([]int, 0, len(b.calls))
	for idx := range b.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		pc := b.calls[idx]
		if pc.name == "" {
			continue
		}
		id := pc.id
		if id == "" {
			id = fmt.Sprintf("call_%d_%d", b.iteration, idx)
		}
		args := pc.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out = append(out, ToolCall{ID: id, Name: pc.name, Arguments: args})
	}
	return out
}

// parseArguments decodes a call's JSON arguments into an object.
func parseArguments(raw string) (map[string]interface{}, error) {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}
