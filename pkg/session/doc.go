// Package session persists sessions, their transcripts and todo lists, and
// scheduled tasks in SQLite.
//
// Invariants:
// - Transcript entries are keyed by uuid; appending the same entry twice is a no-op.
// - Transcripts are read back in append order.
// - Sessions list pinned first, then by most recent update.
// - Sessions left running by a crashed process are reset to idle at startup.
//
// Usage:
//
//	store, _ := session.Open("/tmp/valedesk/sessions.db", zerolog.Nop())
//	sess, _ := store.CreateSession(ctx, session.CreateParams{Title: "Refactor"})
//	_ = store.Append(ctx, sess.ID, agent.Message{Type: agent.MessageUserPrompt, Prompt: "hi"})
//	history, _ := store.ReadHistory(ctx, sess.ID)
//	_ = history
package session
