package agent

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// parseTodos converts manage_todos arguments into the new task list.
// Items matching a previous entry by id, or else by content, keep that
// entry's id and creation time.
func parseTodos(args map[string]interface{}, previous []TodoItem) ([]TodoItem, error) {
	raw, ok := args["todos"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("todos must be an array")
	}

	byID := make(map[string]TodoItem, len(previous))
	byContent := make(map[string]TodoItem, len(previous))
	for _, item := range previous {
		byID[item.ID] = item
		byContent[strings.TrimSpace(item.Content)] = item
	}

	now := nowMillis()
	todos := make([]TodoItem, 0, len(raw))
	for i, entry := range raw {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("todo %d is not an object", i)
		}
		content, _ := obj["content"].(string)
		status, _ := obj["status"].(string)
		id, _ := obj["id"].(string)

		item := TodoItem{ID: id, Content: content, Status: status, CreatedAt: now, UpdatedAt: now}
		prev, found := byID[id]
		if !found || id == "" {
			prev, found = byContent[strings.TrimSpace(content)]
		}
		if found {
			item.ID = prev.ID
			item.CreatedAt = prev.CreatedAt
			if prev.Content == content && prev.Status == status {
				item.UpdatedAt = prev.UpdatedAt
			}
		}
		if item.ID == "" {
			nid, err := gonanoid.New(10)
			if err != nil {
				return nil, fmt.Errorf("failed to generate todo id: %w", err)
			}
			item.ID = "todo_" + nid
		}
		todos = append(todos, item)
	}
	return todos, nil
}
