package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vakovalskii/ValeDesk-sub000/internal/config"
	"github.com/vakovalskii/ValeDesk-sub000/internal/logger"
	"github.com/vakovalskii/ValeDesk-sub000/internal/observability"
	"github.com/vakovalskii/ValeDesk-sub000/internal/tracing"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/coretools"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/events"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/gateway"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/loopdetect"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/memory"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/multithread"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/scheduler"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/session"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

// Daemon wires the store, tools, memory, runner, coordinator, scheduler and
// gateway together and implements the session operations on top of them.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	// Core modules
	bus         *events.Bus
	store       *session.Store
	memory      *memory.Store
	watcher     *memory.Watcher
	tools       *toolexecutor.ToolExecutor
	runner      *agent.Runner
	coordinator *multithread.Coordinator

	// Services
	scheduler *scheduler.Scheduler
	cleanup   *session.Cleanup
	gateway   *gateway.Server

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	client  agent.ModelClient
	fetcher coretools.Fetcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// runs holds sessions reserved for a run, from acceptance until Run
	// returns, so a second start is rejected before any goroutine exists.
	// Each entry cancels that run's context.
	runsMu sync.Mutex
	runs   map[string]context.CancelFunc
	runsWG sync.WaitGroup

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithModelClient replaces the client built from the llm config section.
func WithModelClient(client agent.ModelClient) Option {
	return func(d *Daemon) { d.client = client }
}

// WithFetcher replaces the HTTP fetcher behind fetch_url.
func WithFetcher(f coretools.Fetcher) Option {
	return func(d *Daemon) { d.fetcher = f }
}

// Status reports whether the daemon is serving.
type Status struct {
	Running        bool          `json:"running"`
	Uptime         time.Duration `json:"uptime"`
	StartTime      time.Time     `json:"startTime"`
	ActiveRuns     int           `json:"activeRuns"`
	GatewayClients int           `json:"gatewayClients"`
}

// New builds every module. Nothing runs in the background until Start; the
// session operations work right away, which is what one-shot CLI commands use.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	cfg.ApplyPaths()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}

	observability.EnsureRegistered()
	if err := observability.InitAuditLogger(cfg.Storage.AuditLog); err != nil {
		d.log.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
	}
	if err := tracing.Setup(ctx, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	}

	if err := d.initializeCoreModules(); err != nil {
		d.teardown()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.teardown()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	d.bus = events.NewBus(cfg.Gateway.EventBuffer)

	store, err := session.Open(cfg.Storage.DatabasePath, d.logger.Component("session"))
	if err != nil {
		return err
	}
	d.store = store
	if _, err := store.ResetRunningSessions(d.ctx); err != nil {
		return err
	}

	mem, err := memory.New(cfg.DataDir, d.logger.Component("memory"))
	if err != nil {
		return fmt.Errorf("failed to create memory store: %w", err)
	}
	if err := mem.Load(); err != nil {
		return fmt.Errorf("failed to load memory: %w", err)
	}
	d.memory = mem

	d.tools = toolexecutor.New(
		toolexecutor.WithTimeout(cfg.Agent.ToolTimeout),
		toolexecutor.WithMaxOutput(cfg.Agent.MaxToolOutput),
		toolexecutor.WithRecorder(observability.RecordToolExecution),
		toolexecutor.WithLogger(d.logger.Component("tools")),
	)
	fetcher := d.fetcher
	if fetcher == nil {
		fetcher = coretools.NewHTTPFetcher(cfg.Agent.FetchTimeout)
	}
	if err := coretools.RegisterCoreTools(d.tools, coretools.Options{
		WorkspaceRoot:  cfg.Agent.WorkspaceRoot,
		Shell:          cfg.Agent.Shell,
		Fetcher:        fetcher,
		ProtectedPaths: cfg.Agent.ProtectedPaths,
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	if err := memory.RegisterTools(d.tools, mem); err != nil {
		return fmt.Errorf("failed to register memory tools: %w", err)
	}

	// A bad llm section is not fatal here: every run reports it as its
	// first and only error.
	var clientErr error
	if d.client == nil {
		d.client, clientErr = agent.NewModelClient(agent.ProviderConfig{
			Provider:  cfg.LLM.Provider,
			APIKey:    cfg.LLM.APIKey,
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		})
		if clientErr != nil {
			d.log.Warn().Err(clientErr).Msg("Model client is not configured")
		}
	}

	runner, err := agent.NewRunner(agent.Config{
		Client:      d.client,
		ClientError: clientErr,
		Tools: func(ec toolexecutor.ExecutionContext) agent.ToolExecutor {
			return d.tools.Scope(ec)
		},
		Store:          store,
		Memory:         mem,
		Emit:           d.bus.Emitter(),
		Logger:         d.logger.Component("agent"),
		PermissionMode: agent.PermissionMode(cfg.Agent.PermissionMode),
		AutoApprove:    toolexecutor.ParseAllowedTools(strings.Join(cfg.Agent.AutoApprove, ",")),
		ToolPolicy:     toolexecutor.DenyPolicy(cfg.Agent.DeniedTools),
		MaxIterations:  cfg.Agent.MaxIterations,
		Loop: loopdetect.Config{
			Window:      cfg.Agent.Loop.Window,
			Threshold:   cfg.Agent.Loop.Threshold,
			MaxEpisodes: cfg.Agent.Loop.MaxEpisodes,
		},
		SystemPrompt:    cfg.Agent.SystemPrompt,
		SendTemperature: cfg.LLM.SendTemperature,
		MaxTokens:       cfg.LLM.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = runner

	policy := multithread.MajorityPolicy
	if cfg.Multithread.Policy == "all" {
		policy = multithread.AllSucceededPolicy
	}
	coordinator, err := multithread.NewCoordinator(multithread.Config{
		Launcher:       &threadLauncher{daemon: d},
		RegistryPath:   cfg.Multithread.RegistryPath,
		AutoSave:       cfg.Multithread.AutoSave,
		Policy:         policy,
		MinThreads:     cfg.Multithread.MinThreads,
		MaxThreads:     cfg.Multithread.MaxThreads,
		DefaultThreads: cfg.Multithread.DefaultThreads,
		Emit:           d.bus.Emitter(),
		Logger:         d.logger.Component("multithread"),
	})
	if err != nil {
		return fmt.Errorf("failed to create task coordinator: %w", err)
	}
	if err := coordinator.Initialize(); err != nil {
		return fmt.Errorf("failed to load task registry: %w", err)
	}
	d.coordinator = coordinator

	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(scheduler.Config{
			Store:    d.store,
			Execute:  d.executeScheduled,
			Emit:     d.bus.Emitter(),
			Interval: cfg.Scheduler.Interval,
			Logger:   d.logger.Component("scheduler"),
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		d.scheduler = sched
	}

	if cfg.Storage.RetentionDays > 0 {
		d.cleanup = session.NewCleanup(d.store, cfg.Retention(), cfg.Storage.PruneInterval, d.logger.Component("cleanup"))
	}

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
			SharedSecret:      cfg.Gateway.SharedSecret,
			TickInterval:      cfg.Gateway.TickInterval,
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			MaxConcurrent:     cfg.Gateway.MaxConcurrent,
			Service:           d,
			Bus:               d.bus,
			Logger:            d.logger.Component("gateway"),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gateway = server
	}
	return nil
}

// Start starts the background services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is stopped")
	}
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := tracing.LoggerFromContext(tracing.EnsureTraceID(d.ctx), d.log)
	logger.Info().Msg("Starting ValeDesk daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	watcher, err := memory.Watch(d.memory, d.logger.Component("memory"),
		memory.WithReloadHook(func(content string) {
			observability.SetMemoryBytes(len(content))
		}))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to watch memory file, external edits need a restart")
	} else {
		d.watcher = watcher
	}

	if d.scheduler != nil {
		if err := d.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		logger.Info().Msg("Scheduler started")
	}

	if d.cleanup != nil {
		if err := d.cleanup.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start session cleanup")
		}
	}

	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started")
	return nil
}

// Stop aborts active runs, stops every service and closes the store. It is
// safe to call on a daemon that was never started.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	wasRunning := d.running
	d.running = false
	d.mu.Unlock()

	logger := tracing.LoggerFromContext(tracing.EnsureTraceID(context.Background()), d.log)
	logger.Info().Msg("Stopping ValeDesk daemon")

	var errs []error
	if d.gateway != nil && wasRunning {
		if err := d.gateway.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
	}
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.cleanup != nil && d.cleanup.IsRunning() {
		if err := d.cleanup.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("cleanup: %w", err))
		}
	}

	d.abortAll()
	if !waitGroup(ctx, &d.runsWG) {
		logger.Warn().Msg("Timeout waiting for runs to stop")
	}

	d.cancel()
	if !waitGroup(ctx, &d.wg) {
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if wasRunning {
		if err := d.lifecycle.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("lifecycle: %w", err))
		}
	}
	errs = append(errs, d.teardown()...)

	if err := tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}

	logger.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

// teardown closes whatever initialization got as far as opening.
func (d *Daemon) teardown() []error {
	var errs []error
	if d.coordinator != nil {
		if err := d.coordinator.Close(); err != nil {
			errs = append(errs, fmt.Errorf("coordinator: %w", err))
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("memory watcher: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session store: %w", err))
		}
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit log: %w", err))
	}
	d.cancel()
	return errs
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait(timeout time.Duration) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.log.Info().Str("signal", sig.String()).Msg("Received signal")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Stop(ctx)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	d.runsMu.Lock()
	status.ActiveRuns = len(d.runs)
	d.runsMu.Unlock()
	if d.gateway != nil {
		status.GatewayClients = len(d.gateway.ConnectedClients())
	}
	return status
}

// Config returns the daemon configuration
func (d *Daemon) Config() *config.Config { return d.config }

// Bus returns the event bus every component publishes to.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Store returns the session store.
func (d *Daemon) Store() *session.Store { return d.store }

// Runner returns the agent runner.
func (d *Daemon) Runner() *agent.Runner { return d.runner }

// Coordinator returns the multi-thread task coordinator.
func (d *Daemon) Coordinator() *multithread.Coordinator { return d.coordinator }

// Gateway returns the gateway server, nil when disabled.
func (d *Daemon) Gateway() *gateway.Server { return d.gateway }

func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
