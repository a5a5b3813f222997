// Package memory keeps the long-term memory document shared by all sessions.
//
// Invariants:
// - A missing memory file reads as empty memory.
// - Writes replace the file atomically and refresh the cached content.
// - External edits are picked up by the watcher after a debounce window.
//
// Usage:
//
//	store, _ := memory.New("/home/me/.valedesk", logger)
//	_ = store.Load()
//	w, _ := memory.Watch(store, logger)
//	defer w.Stop()
//	_ = memory.RegisterTools(executor, store)
package memory
