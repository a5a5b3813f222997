package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

// ToolName is the memory tool exposed to the model.
const ToolName = "manage_memory"

// Registrar is the subset of the tool executor used for registration.
type Registrar interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

// RegisterTools registers manage_memory backed by store.
func RegisterTools(executor Registrar, store *Store) error {
	if store == nil {
		return fmt.Errorf("memory store is required")
	}
	return executor.RegisterTool(ManageMemoryTool(store))
}

// ManageMemoryTool reads or edits the long-term memory document. Successful
// calls carry the memory effect so the runner refreshes its context.
func ManageMemoryTool(store *Store) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: ToolName,
		Description: "Read or update long-term memory shared across sessions. " +
			"Use append for new facts about the user or their projects; use replace to rewrite the whole document.",
		Effect: toolexecutor.EffectMemory,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "action", Type: "string", Description: "Operation to perform", Required: true,
				Enum: []string{"read", "append", "replace"}},
			{Name: "content", Type: "string", Description: "Text to append, or the full new document for replace"},
			{Name: "explanation", Type: "string", Description: "One sentence on why this call is needed"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			action, _ := params["action"].(string)
			content, _ := params["content"].(string)

			switch action {
			case "read":
				if strings.TrimSpace(store.Content()) == "" {
					return "Memory is empty.", nil
				}
				return store.Content(), nil
			case "append":
				if err := store.Append(content); err != nil {
					return nil, err
				}
				return "Memory updated.", nil
			case "replace":
				if err := store.Replace(content); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Memory replaced (%d bytes).", len(content)), nil
			default:
				return nil, fmt.Errorf("unknown action %q", action)
			}
		},
	}
}
