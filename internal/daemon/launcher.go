package daemon

import (
	"context"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/multithread"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/session"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

// threadLauncher backs coordinator threads with ordinary sessions, so a
// thread can be inspected, continued or deleted like any other session.
type threadLauncher struct {
	daemon *Daemon
}

var _ multithread.ThreadLauncher = (*threadLauncher)(nil)

func (l *threadLauncher) CreateThread(ctx context.Context, spec multithread.ThreadSpec) (string, error) {
	s, err := l.daemon.createSession(ctx, session.CreateParams{
		Title:       spec.Title,
		Cwd:         spec.Cwd,
		Model:       spec.Model,
		Temperature: spec.Temperature,
	})
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

func (l *threadLauncher) RunThread(ctx context.Context, sessionID string, spec multithread.ThreadSpec, cache *toolexecutor.WebCache) (*agent.RunResult, error) {
	return l.daemon.runSync(ctx, agent.RunParams{
		SessionID:   sessionID,
		Prompt:      spec.Prompt,
		Model:       spec.Model,
		Temperature: spec.Temperature,
		Cwd:         spec.Cwd,
		WebCache:    cache,
	})
}

func (l *threadLauncher) Transcript(ctx context.Context, sessionID string) ([]agent.Message, error) {
	return l.daemon.store.Messages(ctx, sessionID)
}
