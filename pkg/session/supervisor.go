// Package session owns the lifecycle of the messaging session: it opens
// connections, drives the event loop and decides whether a closed
// connection is restarted.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sakaki-bot/sakaki/pkg/bus"
	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

var (
	// ErrLoggedOut is returned by Run after an explicit logout.
	ErrLoggedOut = errors.New("session logged out")
	// ErrUnreachable is returned by Run once the retry policy is exhausted.
	ErrUnreachable = errors.New("session unreachable")
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateReconnecting State = "reconnecting"
	StateTerminated   State = "terminated"
	StateUnreachable  State = "unreachable"
)

// Protocol is the collaborator that owns credentials and the wire session.
type Protocol interface {
	LoadCredentials(ctx context.Context) error
	NegotiateVersion(ctx context.Context) (protocol.Version, error)
	// Open starts a session whose events are passed to emit in order.
	Open(ctx context.Context, emit func(protocol.Event)) (protocol.Conn, error)
	SaveCredentials(ctx context.Context) error
}

// BatchHandler consumes one event batch. Session-level events are passed
// back through the Lifecycle.
type BatchHandler interface {
	HandleBatch(ctx context.Context, h protocol.Handle, lc protocol.Lifecycle, batch protocol.Batch)
}

// Task is a background job that runs for the whole process, independent
// of session generations.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options configures a Supervisor.
type Options struct {
	Policy    Policy
	Bus       *bus.MessageBus
	QueueSize int
	MaxBatch  int
	Tasks     []Task
}

type Supervisor struct {
	proto   Protocol
	handler BatchHandler
	opts    Options

	mu      sync.RWMutex
	state   State
	gen     *generation
	genSeq  int
	lastErr string

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSupervisor(p Protocol, h BatchHandler, opts Options) *Supervisor {
	if opts.Policy.InitialDelay == 0 && opts.Policy.MaxAttempts == 0 {
		opts.Policy = DefaultPolicy()
	}
	return &Supervisor{
		proto:   p,
		handler: h,
		opts:    opts,
		state:   StateIdle,
		sleep:   sleepContext,
	}
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State      State  `json:"state"`
	Generation int    `json:"generation"`
	LastError  string `json:"last_error,omitempty"`
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{State: s.state, Generation: s.genSeq, LastError: s.lastErr}
}

// Handle returns the handle of the current generation, or nil.
func (s *Supervisor) Handle() protocol.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.gen == nil {
		return nil
	}
	return s.gen.conn
}

func (s *Supervisor) setState(st State, reason string) {
	s.mu.Lock()
	s.state = st
	gen := s.genSeq
	if reason != "" {
		s.lastErr = reason
	}
	s.mu.Unlock()

	s.opts.Bus.PublishConnection(bus.ConnectionEvent{
		State:      string(st),
		Reason:     reason,
		Generation: gen,
	})
}

// Start loads credentials, negotiates the protocol version, opens a new
// session and binds a fresh event loop to it. The loop lives until the
// connection of this generation closes or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) (protocol.Handle, error) {
	s.setState(StateConnecting, "")

	if err := s.proto.LoadCredentials(ctx); err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	version, err := s.proto.NegotiateVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("negotiate version: %w", err)
	}
	logger.InfoCF("session", fmt.Sprintf("using WA v%s, isLatest: %t", version.Value, version.IsLatest), map[string]interface{}{
		"version":   version.Value,
		"is_latest": version.IsLatest,
	})

	s.mu.Lock()
	s.genSeq++
	gen := newGeneration(s, s.genSeq)
	s.mu.Unlock()

	conn, err := s.proto.Open(ctx, gen.emit)
	if err != nil {
		gen.queue.Stop()
		return nil, fmt.Errorf("open session: %w", err)
	}
	gen.conn = conn

	s.mu.Lock()
	s.gen = gen
	s.mu.Unlock()

	go gen.run(ctx, s.handler)

	logger.InfoCF("session", "Session started", map[string]interface{}{
		"generation": gen.id,
	})
	return conn, nil
}

// Run starts the session and keeps it alive until ctx is cancelled, the
// account logs out, or the retry policy gives up. Background tasks are
// started once and joined before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, task := range s.opts.Tasks {
		g.Go(func() error {
			logger.DebugCF("session", "Background task started", map[string]interface{}{"task": task.Name})
			err := task.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("task %s: %w", task.Name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := s.supervise(gctx)
		if err != nil {
			return err
		}
		// Stop the background tasks on a clean shutdown too.
		return context.Canceled
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Supervisor) supervise(ctx context.Context) error {
	attempt := 0
	for {
		_, err := s.Start(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			logger.ErrorCF("session", "Failed to start session", map[string]interface{}{
				"error":   err.Error(),
				"attempt": attempt,
			})
			if s.opts.Policy.Exhausted(attempt) {
				return s.giveUp(err)
			}
			if err := s.wait(ctx, attempt); err != nil {
				return nil
			}
			continue
		}

		gen := s.current()
		var reason protocol.CloseReason
		select {
		case <-ctx.Done():
			s.stopGeneration(gen)
			s.setState(StateClosing, "shutdown")
			return nil
		case reason = <-gen.closed:
		}

		s.setState(StateClosing, string(reason.Reason))
		s.stopGeneration(gen)

		if reason.Terminal() {
			logger.ErrorCF("session", "Connection closed. You are logged out.", map[string]interface{}{
				"generation": gen.id,
			})
			s.setState(StateTerminated, string(reason.Reason))
			return ErrLoggedOut
		}

		if gen.opened.Load() {
			attempt = 0
		}
		attempt++
		if s.opts.Policy.Exhausted(attempt) {
			return s.giveUp(fmt.Errorf("connection closed: %s", reason.Reason))
		}

		logger.WarnCF("session", "Connection closed, reconnecting", map[string]interface{}{
			"reason":  string(reason.Reason),
			"message": reason.Message,
			"attempt": attempt,
		})
		s.setState(StateReconnecting, string(reason.Reason))
		if err := s.wait(ctx, attempt); err != nil {
			return nil
		}
	}
}

func (s *Supervisor) wait(ctx context.Context, attempt int) error {
	delay := s.opts.Policy.Delay(attempt)
	logger.InfoCF("session", "Waiting before reconnect", map[string]interface{}{
		"delay":   delay.String(),
		"attempt": attempt,
	})
	return s.sleep(ctx, delay)
}

func (s *Supervisor) giveUp(cause error) error {
	logger.ErrorCF("session", "Giving up on session", map[string]interface{}{
		"error":        cause.Error(),
		"max_attempts": s.opts.Policy.MaxAttempts,
	})
	s.setState(StateUnreachable, cause.Error())
	return fmt.Errorf("%w: %w", ErrUnreachable, cause)
}

func (s *Supervisor) current() *generation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// stopGeneration releases the queue, closes the connection and waits for
// the event loop to finish its current batch. In-flight work is not
// cancelled; sends against the closed handle simply fail.
func (s *Supervisor) stopGeneration(gen *generation) {
	gen.queue.Stop()
	gen.conn.Close()
	<-gen.done

	s.mu.Lock()
	if s.gen == gen {
		s.gen = nil
	}
	s.mu.Unlock()
}

// generation is one Start: its own queue, connection and loop goroutine.
// It is the Lifecycle handed to the batch handler.
type generation struct {
	id     int
	sup    *Supervisor
	queue  *bus.EventQueue
	conn   protocol.Conn
	closed chan protocol.CloseReason
	done   chan struct{}
	opened atomic.Bool
}

func newGeneration(s *Supervisor, id int) *generation {
	return &generation{
		id:     id,
		sup:    s,
		queue:  bus.NewEventQueue(s.opts.QueueSize, s.opts.MaxBatch),
		closed: make(chan protocol.CloseReason, 1),
		done:   make(chan struct{}),
	}
}

func (g *generation) emit(evt protocol.Event) {
	if !g.queue.Publish(evt) {
		logger.DebugCF("session", "Dropped event for stopped generation", map[string]interface{}{
			"generation": g.id,
			"kind":       string(evt.Kind()),
		})
	}
}

func (g *generation) run(ctx context.Context, h BatchHandler) {
	defer close(g.done)
	for {
		batch, ok := g.queue.Next(ctx)
		if !ok {
			return
		}
		h.HandleBatch(ctx, g.conn, g, batch)
	}
}

func (g *generation) ConnectionChanged(ctx context.Context, u protocol.ConnectionUpdate) {
	logger.InfoCF("session", "connection update", map[string]interface{}{
		"generation": g.id,
		"state":      string(u.State),
		"reason":     string(u.Close.Reason),
	})

	switch u.State {
	case protocol.ConnectionOpen:
		g.opened.Store(true)
		g.sup.setState(StateOpen, "")
	case protocol.ConnectionClosed:
		select {
		case g.closed <- u.Close:
		default:
		}
	}
}

func (g *generation) CredentialsChanged(ctx context.Context) error {
	if err := g.sup.proto.SaveCredentials(ctx); err != nil {
		logger.ErrorCF("session", "Failed to save credentials", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	logger.DebugC("session", "Credentials saved")
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
