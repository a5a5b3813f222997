package gateway

import (
	"context"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/multithread"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/scheduler"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/session"
)

// registerBuiltinMethods binds every RPC method to the service.
func (s *Server) registerBuiltinMethods() {
	builtins := map[string]RequestHandler{
		"session.start":       s.handleSessionStart,
		"session.continue":    s.handleSessionContinue,
		"session.stop":        s.handleSessionStop,
		"session.list":        s.handleSessionList,
		"session.history":     s.handleSessionHistory,
		"session.delete":      s.handleSessionDelete,
		"session.pin":         s.handleSessionPin,
		"permission.response": s.handlePermissionResponse,
		"message.edit":        s.handleMessageEdit,
		"task.create":         s.handleTaskCreate,
		"task.start":          s.handleTaskStart,
		"task.get":            s.handleTaskGet,
		"task.list":           s.handleTaskList,
		"task.delete":         s.handleTaskDelete,
		"schedule.create":     s.handleScheduleCreate,
		"schedule.list":       s.handleScheduleList,
		"schedule.delete":     s.handleScheduleDelete,
	}
	for name, handler := range builtins {
		_ = s.router.RegisterMethod(name, handler)
	}
}

func (s *Server) handleSessionStart(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	prompt, err := requireString(params, "prompt")
	if err != nil {
		return nil, err
	}
	temperature, err := optionalFloat(params, "temperature")
	if err != nil {
		return nil, err
	}
	return s.service.StartSession(ctx, session.CreateParams{
		Title:        optionalString(params, "title"),
		Prompt:       prompt,
		Cwd:          optionalString(params, "cwd"),
		Model:        optionalString(params, "model"),
		Temperature:  temperature,
		AllowedTools: optionalString(params, "allowedTools"),
	})
}

func (s *Server) handleSessionContinue(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}
	if err := s.service.ContinueSession(ctx, sessionID, optionalString(params, "prompt")); err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessionId": sessionID, "accepted": true}, nil
}

func (s *Server) handleSessionStop(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"stopped": s.service.StopSession(sessionID)}, nil
}

func (s *Server) handleSessionList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	sessions, err := s.service.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessions": sessions}, nil
}

func (s *Server) handleSessionHistory(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}
	return s.service.History(ctx, sessionID)
}

func (s *Server) handleSessionDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}
	if err := s.service.DeleteSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}

func (s *Server) handleSessionPin(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}
	pinned, err := requireBool(params, "pinned")
	if err != nil {
		return nil, err
	}
	if err := s.service.PinSession(ctx, sessionID, pinned); err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessionId": sessionID, "pinned": pinned}, nil
}

func (s *Server) handlePermissionResponse(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}
	toolUseID, err := requireString(params, "toolUseId")
	if err != nil {
		return nil, err
	}
	approved, err := requireBool(params, "approved")
	if err != nil {
		return nil, err
	}

	resolved := s.service.ResolvePermission(sessionID, toolUseID, approved)
	s.logger.Info().
		Str("clientId", ClientIDFromContext(ctx)).
		Str("sessionId", sessionID).
		Str("toolUseId", toolUseID).
		Bool("approved", approved).
		Bool("resolved", resolved).
		Msg("Permission response received")
	return map[string]interface{}{"resolved": resolved}, nil
}

func (s *Server) handleMessageEdit(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}
	messageUUID, err := requireString(params, "messageUuid")
	if err != nil {
		return nil, err
	}
	prompt, err := requireString(params, "prompt")
	if err != nil {
		return nil, err
	}
	if err := s.service.EditMessage(ctx, sessionID, messageUUID, prompt); err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessionId": sessionID, "accepted": true}, nil
}

func (s *Server) handleTaskCreate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var req multithread.TaskRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	task, err := s.service.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}
	if start, _ := params["start"].(bool); start {
		if err := s.service.StartTask(ctx, task.ID); err != nil {
			return nil, err
		}
		return s.service.GetTask(task.ID)
	}
	return task, nil
}

func (s *Server) handleTaskStart(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	taskID, err := requireString(params, "taskId")
	if err != nil {
		return nil, err
	}
	if err := s.service.StartTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.service.GetTask(taskID)
}

func (s *Server) handleTaskGet(_ context.Context, params map[string]interface{}) (interface{}, error) {
	taskID, err := requireString(params, "taskId")
	if err != nil {
		return nil, err
	}
	return s.service.GetTask(taskID)
}

func (s *Server) handleTaskList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"tasks": s.service.ListTasks()}, nil
}

func (s *Server) handleTaskDelete(_ context.Context, params map[string]interface{}) (interface{}, error) {
	taskID, err := requireString(params, "taskId")
	if err != nil {
		return nil, err
	}
	if err := s.service.DeleteTask(taskID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}

func (s *Server) handleScheduleCreate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var add scheduler.AddParams
	if err := decodeParams(params, &add); err != nil {
		return nil, err
	}
	if err := scheduler.Validate(add.Schedule); err != nil {
		return nil, invalidParams("%v", err)
	}
	return s.service.CreateSchedule(ctx, add)
}

func (s *Server) handleScheduleList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	tasks, err := s.service.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tasks": tasks}, nil
}

func (s *Server) handleScheduleDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "id")
	if err != nil {
		return nil, err
	}
	if err := s.service.DeleteSchedule(ctx, id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}
