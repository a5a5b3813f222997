package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/vakovalskii/ValeDesk-sub000/internal/observability"
	"github.com/vakovalskii/ValeDesk-sub000/internal/tracing"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/events"
)

const (
	DefaultAddr         = "127.0.0.1:8787"
	DefaultTickInterval = 30 * time.Second

	// SecretHeader authenticates /rpc calls when a shared secret is set.
	SecretHeader = "X-ValeDesk-Secret"

	maxRPCBody = 4 << 20
)

// Config holds server configuration
type Config struct {
	Addr         string
	SharedSecret string
	TickInterval time.Duration

	RequestsPerMinute int
	MaxConcurrent     int

	Service Service
	// Bus is the event source pushed to websocket clients.
	Bus    *events.Bus
	Logger zerolog.Logger
}

// Server exposes the engine over websocket and HTTP JSON-RPC.
type Server struct {
	cfg         Config
	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	service     Service
	logger      zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewServer validates cfg and registers the built-in methods.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	observability.EnsureRegistered()

	clients := NewClientRegistry()
	s := &Server{
		cfg:         cfg,
		clients:     clients,
		router:      NewRPCRouter(),
		authHandler: NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, cfg.Logger),
		service:     cfg.Service,
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP routes without starting background work.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start binds the listener, then serves in the background and begins
// pushing bus events and ticks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth", s.authHandler.Required()).
		Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.startEventPump(bgCtx)
	s.startTickEmitter(bgCtx)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests until ctx expires, then closes every
// connection.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.bgWG.Wait()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{"message": "Server is shutting down"})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached with requests in flight")
	}

	for _, client := range s.clients.All() {
		_ = client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) startEventPump(ctx context.Context) {
	if s.cfg.Bus == nil {
		return
	}
	ch, unsubscribe := s.cfg.Bus.Subscribe()
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.broadcaster.Forward(ev)
				observability.SetEventsDropped(int64(s.cfg.Bus.Dropped()))
			}
		}
	}()
}

func (s *Server) startTickEmitter(ctx context.Context) {
	if s.cfg.TickInterval < 0 {
		return
	}
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]interface{}{"clients": s.clients.Count()})
			}
		}
	}()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.shuttingDown() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"shutting_down"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.cfg.RequestsPerMinute, s.cfg.MaxConcurrent),
		State:        StateConnecting,
	}
	if !s.authHandler.Required() {
		client.Authenticated = true
		client.State = StateAuthenticated
	}
	s.clients.Add(client)
	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.greet(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to greet client")
		_ = conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// greet sends a challenge, or an immediate success when auth is off.
func (s *Server) greet(client *Client) error {
	if client.Authenticated {
		return client.WriteJSON(AuthResult{Event: "auth.success", Success: true})
	}
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge
	client.State = StateAuthenticating
	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket read error")
			}
			return
		}
		s.clients.Touch(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage processes one frame. It returns false when the connection
// should be closed.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		rpcErr := toRPCError(err)
		s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		return true
	}

	if err := client.RateLimiter.Acquire(); err != nil {
		code := RateLimitExceeded
		if errors.Is(err, ErrTooManyConcurrent) {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, err.Error())
		return true
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer client.RateLimiter.Release()

		ctx := tracing.WithTraceID(withClientID(context.Background(), client.ID), tracing.NewTraceID())
		resp := s.dispatch(ctx, req)
		if err := client.WriteJSON(resp); err != nil {
			s.logger.Error().Err(err).Str("clientId", client.ID).Str("requestId", req.ID).Msg("Failed to send response")
		}
	}()
	return true
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authHandler.CheckSecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", Error: toRPCError(err)})
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(withClientID(r.Context(), "http"), traceID)

	s.inFlightReqs.Add(1)
	resp := s.dispatch(ctx, req)
	s.inFlightReqs.Done()

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Str("trace_id", traceID).Msg("Failed to encode RPC response")
	}
}

func (s *Server) dispatch(ctx context.Context, req *RPCRequest) *RPCResponse {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	resp := s.router.RouteRequest(ctx, req)

	ev := logger.Debug()
	if resp.Error != nil {
		ev = logger.Warn().Int("code", resp.Error.Code).Str("error", resp.Error.Message)
	}
	ev.Str("clientId", ClientIDFromContext(ctx)).
		Str("requestId", req.ID).
		Str("method", req.Method).
		Dur("duration", time.Since(start)).
		Msg("RPC handled")
	return resp
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	if client.Authenticated {
		_ = client.WriteJSON(AuthResult{Event: "auth.success", Success: true})
		return true
	}

	var result AuthResult
	s.clients.Update(client.ID, func(c *Client) {
		result = s.authHandler.HandleAuthResponse(c, authResp.Signature)
	})
	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}
	if !result.Success {
		s.logger.Warn().Str("clientId", client.ID).Str("reason", result.Message).Msg("Authentication failed")
		return client.AuthAttempts < maxAuthAttempts
	}
	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	return true
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	resp := RPCResponse{ID: requestID, JSONRPC: "2.0", Error: &RPCError{Code: code, Message: message}}
	if err := client.WriteJSON(resp); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send error response")
	}
}

// RegisterMethod adds or replaces an RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Methods lists the registered RPC methods.
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// ConnectedClients reports every connected client.
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Infos()
}
