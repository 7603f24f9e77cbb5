// Package listener drives the long-running listen command: it takes
// ownership of the profile, starts the delegation server, keeps the protocol
// session open and shuts everything down in order.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/leonletto/chatlink/internal/clock"
	"github.com/leonletto/chatlink/internal/protocol"
	"github.com/leonletto/chatlink/internal/shutdown"
)

// DefaultRestartCloseCodes are the websocket close codes treated as
// transient when keep-alive is on: normal, going away, abnormal, internal
// error, service restart, try again later, and the gateway's session
// rotation code.
var DefaultRestartCloseCodes = []int{1000, 1001, 1006, 1011, 1012, 1013, 4000}

// Releaser is a held owner lock.
type Releaser interface {
	Release() error
}

// AcquireFunc takes ownership of the profile for sessionID.
type AcquireFunc func(sessionID string) (Releaser, error)

// IPCServer is the delegation server as seen by the controller.
type IPCServer interface {
	Start(ctx context.Context) error
	Stop() error
	RemoveSocket() error
}

// Config holds the controller's timing and policy settings.
type Config struct {
	Profile string

	// Supervised hands restart decisions to an external process manager and
	// turns on lifecycle events.
	Supervised bool

	KeepAlive         bool
	RestartDelay      time.Duration
	RestartAnyClose   bool
	RestartCloseCodes []int

	// Recycle, when positive, ends the process with RecycleExitCode after
	// this much uptime. Ignored in supervised mode.
	Recycle time.Duration

	Heartbeat      time.Duration
	ShutdownGrace  time.Duration
	ConnectTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.RestartDelay <= 0 {
		c.RestartDelay = 5 * time.Second
	}
	if c.RestartCloseCodes == nil {
		c.RestartCloseCodes = DefaultRestartCloseCodes
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
}

// Deps are the controller's collaborators. Client and Acquire are required.
type Deps struct {
	Client  protocol.Client
	Acquire AcquireFunc

	// IPC is nil when delegation is disabled.
	IPC IPCServer

	// Emitter receives lifecycle events in supervised mode.
	Emitter *Emitter

	// OnMessage receives every inbound payload, in arrival order, on the
	// controller's goroutine.
	OnMessage func(raw json.RawMessage)

	Clock        clock.Clock
	Shutdown     *shutdown.Coordinator
	Logger       *slog.Logger
	NewSessionID func() string
}

type eventKind int

const (
	evProtocol eventKind = iota
	evConnectResult
	evRestart
	evRecycle
	evHeartbeat
)

type ctrlEvent struct {
	kind    eventKind
	proto   protocol.Event
	attempt int
	err     error
}

type stopRequest struct {
	code  int
	cause error
}

// Controller is the listener state machine. All transitions happen on the
// goroutine running Run; protocol callbacks and timers only post events.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	events   chan ctrlEvent
	stopReq  chan stopRequest
	stopOnce sync.Once
	finished chan struct{}

	mu        sync.Mutex
	state     State
	sessionID string

	// Owned by the Run goroutine.
	startedAt      time.Time
	attempt        int
	connects       int
	messages       int
	restartTimer   *clock.Timer
	recycleTimer   *clock.Timer
	heartbeatTimer *clock.Timer
	closedEmitted  bool
}

// New creates a controller in StateIdle.
func New(cfg Config, deps Deps) *Controller {
	cfg.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Shutdown == nil {
		deps.Shutdown = shutdown.New(deps.Clock, deps.Logger)
	}
	if deps.NewSessionID == nil {
		deps.NewSessionID = func() string { return ulid.Make().String() }
	}
	if deps.OnMessage == nil {
		deps.OnMessage = func(json.RawMessage) {}
	}
	return &Controller{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.With("profile", cfg.Profile),
		events:   make(chan ctrlEvent, 256),
		stopReq:  make(chan stopRequest, 1),
		finished: make(chan struct{}),
		state:    StateIdle,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id generated for this run, or "" before Run.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Shutdown asks Run to stop and return code. Only the first request counts.
func (c *Controller) Shutdown(code int, cause error) {
	c.stopOnce.Do(func() {
		c.stopReq <- stopRequest{code: code, cause: cause}
	})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debug("listener state", "from", string(prev), "to", string(s))
	}
}

// post delivers an event to the Run loop, or drops it once Run has ended.
func (c *Controller) post(ev ctrlEvent) {
	select {
	case c.events <- ev:
	case <-c.finished:
	}
}

func (c *Controller) onProtocolEvent(ev protocol.Event) {
	c.post(ctrlEvent{kind: evProtocol, proto: ev})
}

// Run executes the listener until shutdown and returns the process exit code.
// Run must be called at most once.
func (c *Controller) Run(ctx context.Context) (int, error) {
	c.setState(StateAcquiringLock)
	sessionID := c.deps.NewSessionID()
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
	c.log = c.log.With("session_id", sessionID)

	lock, err := c.deps.Acquire(sessionID)
	if err != nil {
		c.setState(StateStopped)
		close(c.finished)
		return ExitFatal, err
	}
	c.deps.Shutdown.Register(shutdown.StageRelease, "release owner lock", func(context.Context) error {
		return lock.Release()
	})

	if c.deps.Emitter != nil {
		c.deps.Emitter.SetSession(sessionID)
	}
	c.emit(EventSessionID, nil)

	c.setState(StateStartingIPC)
	if c.deps.IPC != nil {
		if err := c.deps.IPC.Start(ctx); err != nil {
			if relErr := lock.Release(); relErr != nil {
				c.log.Warn("release owner lock", "error", relErr)
			}
			c.setState(StateStopped)
			close(c.finished)
			return ExitFatal, fmt.Errorf("start delegation server: %w", err)
		}
		ipc := c.deps.IPC
		c.deps.Shutdown.Register(shutdown.StageStopIntake, "stop delegation intake", func(context.Context) error {
			return ipc.Stop()
		})
		c.deps.Shutdown.Register(shutdown.StageCleanup, "remove delegation socket", func(context.Context) error {
			return ipc.RemoveSocket()
		})
	}

	unsubscribe := c.deps.Client.Subscribe(c.onProtocolEvent)
	client := c.deps.Client
	c.deps.Shutdown.Register(shutdown.StageDisconnect, "disconnect", func(context.Context) error {
		unsubscribe()
		return client.Disconnect()
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	c.startedAt = c.deps.Clock.Now()
	if c.cfg.Recycle > 0 && !c.cfg.Supervised {
		c.recycleTimer = c.deps.Clock.AfterFunc(c.cfg.Recycle, func() {
			c.post(ctrlEvent{kind: evRecycle})
		})
		c.log.Info("recycle scheduled", "after", c.cfg.Recycle)
	}
	if c.cfg.Supervised {
		c.scheduleHeartbeat()
	}

	c.log.Info("listener started", "supervised", c.cfg.Supervised, "keepalive", c.cfg.KeepAlive)
	c.startConnect(runCtx)

	for {
		select {
		case <-ctx.Done():
			return c.stop(cancelRun, ExitOK, nil)
		case req := <-c.stopReq:
			return c.stop(cancelRun, req.code, req.cause)
		case ev := <-c.events:
			if code, cause, done := c.handle(runCtx, ev); done {
				return c.stop(cancelRun, code, cause)
			}
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev ctrlEvent) (code int, cause error, done bool) {
	switch ev.kind {
	case evProtocol:
		return c.handleProtocol(ev.proto)

	case evConnectResult:
		if ev.attempt != c.attempt || ev.err == nil {
			return 0, nil, false
		}
		c.log.Warn("connect failed", "attempt", ev.attempt, "error", ev.err)
		c.emit(EventError, map[string]any{"error": ev.err.Error(), "stage": "connect"})
		if c.cfg.KeepAlive && !c.cfg.Supervised {
			c.scheduleRestart("connect failed")
			return 0, nil, false
		}
		return ExitFatal, fmt.Errorf("%w: %v", ErrConnect, ev.err), true

	case evRestart:
		if c.State() == StateReconnecting {
			c.startConnect(ctx)
		}

	case evRecycle:
		c.log.Info("recycle interval reached, exiting for restart",
			"uptime", c.deps.Clock.Now().Sub(c.startedAt))
		return RecycleExitCode, nil, true

	case evHeartbeat:
		c.emit(EventHeartbeat, map[string]any{
			"state":     string(c.State()),
			"uptime_ms": c.deps.Clock.Now().Sub(c.startedAt).Milliseconds(),
			"messages":  c.messages,
			"connects":  c.connects,
		})
		c.scheduleHeartbeat()
	}
	return 0, nil, false
}

func (c *Controller) handleProtocol(ev protocol.Event) (int, error, bool) {
	switch ev.Kind {
	case protocol.EventConnected:
		if s := c.State(); s != StateConnecting && s != StateReconnecting {
			return 0, nil, false
		}
		c.restartTimer.Stop()
		c.restartTimer = nil
		c.connects++
		c.setState(StateConnected)
		c.log.Info("connected", "attempt", c.attempt)
		c.emit(EventConnected, map[string]any{"attempt": c.attempt})

	case protocol.EventMessage:
		c.messages++
		c.deps.OnMessage(ev.Message)

	case protocol.EventError:
		c.log.Warn("protocol error", "error", ev.Err)
		msg := "unknown error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		c.emit(EventError, map[string]any{"error": msg})

	case protocol.EventClosed:
		if s := c.State(); s != StateConnected && s != StateConnecting {
			return 0, nil, false
		}
		c.log.Warn("connection closed", "code", ev.CloseCode, "reason", ev.CloseReason)
		cause := fmt.Errorf("%w: code %d (%s)", ErrClosed, ev.CloseCode, ev.CloseReason)

		if c.cfg.Supervised {
			c.emit(EventClosed, map[string]any{"code": ev.CloseCode, "reason": ev.CloseReason})
			c.closedEmitted = true
			return ExitFatal, cause, true
		}
		if c.cfg.KeepAlive && c.shouldRestart(ev.CloseCode) {
			c.scheduleRestart(fmt.Sprintf("closed with code %d", ev.CloseCode))
			return 0, nil, false
		}
		return ExitFatal, cause, true
	}
	return 0, nil, false
}

func (c *Controller) shouldRestart(code int) bool {
	return c.cfg.RestartAnyClose || slices.Contains(c.cfg.RestartCloseCodes, code)
}

func (c *Controller) startConnect(ctx context.Context) {
	c.attempt++
	attempt := c.attempt
	c.setState(StateConnecting)

	client := c.deps.Client
	timeout := c.cfg.ConnectTimeout
	go func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := client.Connect(cctx)
		c.post(ctrlEvent{kind: evConnectResult, attempt: attempt, err: err})
	}()
}

func (c *Controller) scheduleRestart(reason string) {
	c.restartTimer.Stop()
	c.restartTimer = c.deps.Clock.AfterFunc(c.cfg.RestartDelay, func() {
		c.post(ctrlEvent{kind: evRestart})
	})
	c.setState(StateReconnecting)
	c.log.Info("restart scheduled", "reason", reason, "delay", c.cfg.RestartDelay)
}

func (c *Controller) scheduleHeartbeat() {
	c.heartbeatTimer = c.deps.Clock.AfterFunc(c.cfg.Heartbeat, func() {
		c.post(ctrlEvent{kind: evHeartbeat})
	})
}

func (c *Controller) emit(event string, fields map[string]any) {
	if !c.cfg.Supervised || c.deps.Emitter == nil {
		return
	}
	if err := c.deps.Emitter.Emit(event, fields); err != nil {
		c.log.Warn("emit lifecycle event", "event", event, "error", err)
	}
}

// stop runs the shutdown hooks and ends Run. Hooks that overrun the grace
// period are abandoned.
func (c *Controller) stop(cancelRun context.CancelFunc, code int, cause error) (int, error) {
	c.setState(StateShuttingDown)
	c.log.Info("shutting down", "exit_code", code)

	c.recycleTimer.Stop()
	c.restartTimer.Stop()
	c.heartbeatTimer.Stop()
	cancelRun()

	if !c.closedEmitted {
		c.emit(EventClosed, map[string]any{"reason": "shutdown", "exit_code": code})
	}

	if err := c.deps.Shutdown.Run(c.cfg.ShutdownGrace); err != nil {
		if errors.Is(err, shutdown.ErrGraceExceeded) {
			c.log.Warn("shutdown grace exceeded, exiting anyway", "grace", c.cfg.ShutdownGrace)
		} else {
			c.log.Warn("shutdown completed with errors", "error", err)
		}
	}

	close(c.finished)
	c.setState(StateStopped)
	c.log.Info("listener stopped", "exit_code", code)
	return code, cause
}
