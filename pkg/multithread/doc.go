// Package multithread runs one request as several concurrent agent
// threads and aggregates their outcomes.
//
// Invariants:
// - Tasks are created idle and start only on StartTask.
// - One thread's failure never cancels its siblings.
// - The aggregate status comes from a pluggable policy; per-thread outcomes stay visible.
// - With a shared web cache every thread of a task receives the same cache instance.
// - The registry is persisted with atomic writes; tasks found running at load are failed.
//
// Usage:
//
//	coord, _ := multithread.NewCoordinator(multithread.Config{Launcher: launcher, AutoSave: true})
//	_ = coord.Initialize()
//	task, _ := coord.CreateTask(ctx, multithread.TaskRequest{Mode: multithread.ModeConsensus, Prompt: "Summarize X"})
//	_ = coord.StartTask(ctx, task.ID)
//	done, _ := coord.Wait(ctx, task.ID)
//	_ = done
package multithread
