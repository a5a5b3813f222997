// Package scheduler runs stored prompts at their scheduled times.
//
// A robfig/cron job polls the store; a due task is rescheduled (recurring)
// or disabled (one-shot) before its prompt starts, so a slow run is never
// picked up twice.
package scheduler
