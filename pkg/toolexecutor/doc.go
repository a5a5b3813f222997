// Package toolexecutor is the tool port the agent runner calls.
//
// An Executor owns the registry shared by every run. Each run gets a Scope
// bound to its working directory and web cache. Arguments are checked
// against the tool's JSON schema before the handler runs, handlers are cut
// off after the configured timeout and long output is truncated. Failures
// come back as unsuccessful ToolResults, never as Go errors, so the model
// sees them and can recover.
package toolexecutor
