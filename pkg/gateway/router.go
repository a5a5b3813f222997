package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/multithread"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/session"
)

// DefaultIdempotencyTTL is how long a keyed response is replayed.
const DefaultIdempotencyTTL = 5 * time.Minute

// RequestHandler handles one RPC method call.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPCRouter maps method names to handlers and replays responses for
// requests that carry an idempotency key.
type RPCRouter struct {
	mu               sync.RWMutex
	methods          map[string]RequestHandler
	idempotencyTTL   time.Duration
	idempotencyCache map[string]cachedRPCResponse
}

type cachedRPCResponse struct {
	response  RPCResponse
	expiresAt time.Time
}

// NewRPCRouter creates an empty router.
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods:          make(map[string]RequestHandler),
		idempotencyTTL:   DefaultIdempotencyTTL,
		idempotencyCache: make(map[string]cachedRPCResponse),
	}
}

// RegisterMethod registers or replaces a handler.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes a handler.
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// ParseRequest decodes and validates a JSON-RPC request.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if req.ID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}
	return &req, nil
}

// RouteRequest runs the handler for req and wraps its outcome.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: InvalidRequest, Message: "invalid request"}}
	}

	cacheKey := idempotencyCacheKey(req.Method, req.IdempotencyKey)
	if cacheKey != "" {
		if cached, ok := r.getCachedResponse(cacheKey); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()
	if !exists {
		return &RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}

	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	result, err := handler(ctx, params)

	response := &RPCResponse{ID: req.ID, JSONRPC: "2.0"}
	if err != nil {
		response.Error = toRPCError(err)
	} else {
		response.Result = result
	}

	if cacheKey != "" {
		r.cacheResponse(cacheKey, *response)
	}
	return response
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.methods[name]
	return exists
}

// GetMethods returns the registered method names, sorted.
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

// toRPCError maps domain errors onto JSON-RPC codes.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, session.ErrNotFound), errors.Is(err, multithread.ErrTaskNotFound):
		return &RPCError{Code: NotFound, Message: err.Error()}
	case errors.Is(err, agent.ErrSessionBusy), errors.Is(err, multithread.ErrAlreadyStarted):
		return &RPCError{Code: Conflict, Message: err.Error()}
	case errors.Is(err, multithread.ErrInvalidRequest), errors.Is(err, agent.ErrEmptyPrompt),
		errors.Is(err, agent.ErrNotEditable):
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	default:
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
}

func idempotencyCacheKey(method, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return method + ":" + idempotencyKey
}

func (r *RPCRouter) getCachedResponse(key string) (RPCResponse, bool) {
	r.mu.RLock()
	entry, exists := r.idempotencyCache[key]
	r.mu.RUnlock()
	if !exists {
		return RPCResponse{}, false
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		r.mu.Lock()
		if current, ok := r.idempotencyCache[key]; ok && now.After(current.expiresAt) {
			delete(r.idempotencyCache, key)
		}
		r.mu.Unlock()
		return RPCResponse{}, false
	}
	return cloneRPCResponse(entry.response), true
}

func (r *RPCRouter) cacheResponse(key string, response RPCResponse) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.idempotencyCache[key] = cachedRPCResponse{
		response:  cloneRPCResponse(response),
		expiresAt: now.Add(r.idempotencyTTL),
	}
	for k, entry := range r.idempotencyCache {
		if now.After(entry.expiresAt) {
			delete(r.idempotencyCache, k)
		}
	}
}

func cloneRPCResponse(src RPCResponse) RPCResponse {
	cloned := RPCResponse{ID: src.ID, Result: src.Result, JSONRPC: src.JSONRPC}
	if src.Error != nil {
		errCopy := *src.Error
		cloned.Error = &errCopy
	}
	return cloned
}
