package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot is used when a session has no working directory.
	WorkspaceRoot string
	// Shell runs run_command. Defaults to "sh".
	Shell string
	// Fetcher performs fetch_url requests. Defaults to an HTTP fetcher.
	Fetcher Fetcher
	// ProtectedPaths are glob patterns (** allowed), relative to the
	// workspace root, that the file tools refuse to touch.
	ProtectedPaths []string
}

// RegisterCoreTools registers the baseline filesystem, shell, web and todo tools.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher(30 * time.Second)
	}

	tools := []toolexecutor.ToolDefinition{
		listDirectoryTool(opts),
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		runCommandTool(opts),
		fetchURLTool(opts),
		manageTodosTool(),
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func explanationParam() toolexecutor.ToolParameter {
	return toolexecutor.ToolParameter{Name: "explanation", Type: "string", Description: "One sentence on why this call is needed"}
}

func listDirectoryTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_directory",
		Description: "List the entries of a directory in the workspace. Directories end with '/'.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative directory path", Required: true},
			explanationParam(),
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}
			if err := checkProtected(root, target, opts.ProtectedPaths); err != nil {
				return nil, err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	}
}

func readFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a text file from the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)", Default: 200000},
			explanationParam(),
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}
			if err := checkProtected(root, target, opts.ProtectedPaths); err != nil {
				return nil, err
			}

			maxBytes := int64(200000)
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}
			if truncated {
				return string(data) + "\n... [file truncated]", nil
			}
			return string(data), nil
		},
	}
}

func writeFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating parent directories.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwrite (default false)"},
			explanationParam(),
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}
			if err := checkProtected(root, target, opts.ProtectedPaths); err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}

			return fmt.Sprintf("wrote %d bytes to %s", len(content), pathValue), nil
		},
	}
}

func editFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)"},
			explanationParam(),
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}
			if err := checkProtected(root, target, opts.ProtectedPaths); err != nil {
				return nil, err
			}
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found")
			}
			n := 1
			if replaceAll {
				n = -1
			} else {
				occurrences = 1
			}
			if err := os.WriteFile(target, []byte(strings.Replace(content, search, replace, n)), 0644); err != nil {
				return nil, err
			}
			return fmt.Sprintf("replaced %d occurrence(s) in %s", occurrences, pathValue), nil
		},
	}
}

func runCommandTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "run_command",
		Description: "Run a shell command in the workspace and return its combined output.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Command line to execute", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the workspace"},
			explanationParam(),
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}
			cwd := root
			if raw, _ := params["cwd"].(string); strings.TrimSpace(raw) != "" {
				if cwd, err = resolvePathInWorkspace(root, raw); err != nil {
					return nil, err
				}
			}

			cmd := exec.CommandContext(ctx, opts.Shell, "-c", command)
			cmd.Dir = cwd
			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &out

			err = cmd.Run()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, fmt.Errorf("exit code %d\n%s", exitErr.ExitCode(), out.String())
			}
			if err != nil {
				return nil, err
			}
			return out.String(), nil
		},
	}
}

func fetchURLTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "fetch_url",
		Description: "Fetch a web page over HTTP(S) and return its body as text. HTML is converted to markdown.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "url", Type: "string", Description: "Absolute http or https URL", Required: true},
			explanationParam(),
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			url, _ := params["url"].(string)
			url = strings.TrimSpace(url)
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return nil, fmt.Errorf("url must start with http:// or https://")
			}

			var cache *toolexecutor.WebCache
			if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
				cache = execCtx.WebCache
			}
			if cache != nil {
				if body, ok := cache.Get(url); ok {
					return body, nil
				}
			}

			body, err := opts.Fetcher.Fetch(ctx, url)
			if err != nil {
				return nil, err
			}
			if cache != nil {
				cache.Put(url, body)
			}
			return body, nil
		},
	}
}

func manageTodosTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "manage_todos",
		Description: "Replace the session's task list. Send the full list every time.",
		Effect:      toolexecutor.EffectTodos,
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "todos",
				Type:        "array",
				Description: "Complete list of todo items",
				Required:    true,
				Items: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id":      map[string]interface{}{"type": "string"},
						"content": map[string]interface{}{"type": "string"},
						"status": map[string]interface{}{
							"type": "string",
							"enum": []string{"pending", "in_progress", "completed", "cancelled"},
						},
					},
					"required": []string{"content", "status"},
				},
			},
			explanationParam(),
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			items, _ := params["todos"].([]interface{})
			done := 0
			for _, raw := range items {
				if item, ok := raw.(map[string]interface{}); ok && item["status"] == "completed" {
					done++
				}
			}
			return fmt.Sprintf("todo list updated: %d items, %d completed", len(items), done), nil
		},
	}
}

func readFileWithLimit(path string, maxBytes int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], true, nil
	}
	return data, false, nil
}

// checkProtected rejects targets matching any protected pattern. Patterns
// match the workspace-relative path with forward slashes.
func checkProtected(root, target string, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range patterns {
		matched, err := doublestar.Match(pattern, rel)
		if err != nil {
			return fmt.Errorf("invalid protected path pattern %q: %w", pattern, err)
		}
		if matched {
			return fmt.Errorf("path %q is protected", rel)
		}
	}
	return nil
}

func resolveWorkspaceRoot(execCtx *toolexecutor.ExecutionContext, opts Options) (string, error) {
	if execCtx != nil && strings.TrimSpace(execCtx.WorkingDir) != "" {
		return filepath.Clean(execCtx.WorkingDir), nil
	}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		return filepath.Clean(opts.WorkspaceRoot), nil
	}
	return "", fmt.Errorf("workspace root is not configured")
}

func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}
