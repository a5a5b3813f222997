// Package agent drives one conversation with a model through a streaming tool loop.
//
// Invariants:
// - A session has at most one active run; each run owns its permission gate and loop window.
// - Every tool_use persisted to the transcript is followed by exactly one tool_result.
// - A run emits exactly one terminal session.status: completed, error or idle.
// - Tool calls route through the ToolExecutor port only.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{Client: client, Store: store, Tools: tools})
//	result, _ := runner.Run(ctx, agent.RunParams{
//		SessionID: "s1",
//		Prompt:    "list the files in this folder",
//	})
//	_ = result
package agent
