package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memsync/memsync/internal/dispatcher"
	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/scatter"
	"github.com/memsync/memsync/internal/scheduler"
	"github.com/memsync/memsync/internal/typeresolver"
	"github.com/memsync/memsync/internal/world"
	"github.com/memsync/memsync/pkg/core"
)

// DefaultPollInterval is the wait between process and world lookups.
const DefaultPollInterval = 2 * time.Second

// State is the manager's position in the lifecycle.
type State string

const (
	StateWaiting  State = "waiting_for_process"
	StateLocating State = "locating_world"
	StateTracking State = "tracking"
)

// Config tunes a Manager.
type Config struct {
	// Process overrides the layout's process name.
	Process      string
	PollInterval time.Duration
	Schedule     world.Schedule
	// AddressRange overrides memory.DefaultUserRange when non-zero.
	AddressRange memory.AddressRange
	MaxReadSize  int
}

// Deps are the collaborators of a Manager. Only Source and Layout are
// required.
type Deps struct {
	Source     memory.Attacher
	Layout     *layout.Layout
	Sink       world.Sink
	Dispatcher *dispatcher.Dispatcher
	Metrics    *scatter.Metrics
	Log        *slog.Logger
}

// Manager owns the current session.
type Manager struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu      sync.RWMutex
	state   State
	pid     uint32
	current *Session
	sched   *scheduler.Scheduler
}

// NewManager validates deps and applies config defaults.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Source == nil {
		return nil, errors.New("session: nil source")
	}
	if deps.Layout == nil {
		return nil, errors.New("session: nil layout")
	}
	if cfg.Process == "" {
		cfg.Process = deps.Layout.Process
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		deps:  deps,
		log:   log,
		state: StateWaiting,
	}, nil
}

// Run drives the lifecycle until ctx is cancelled, which is also the error
// it returns.
func (m *Manager) Run(ctx context.Context) error {
	for {
		m.setState(StateWaiting, 0)
		pid, err := m.waitForProcess(ctx)
		if err != nil {
			return err
		}
		m.log.Info("Process found", "process", m.cfg.Process, "pid", pid)
		m.publish(TopicProcessAvailable, ProcessEvent{Name: m.cfg.Process, PID: pid})

		err = m.attached(ctx, pid)
		m.publish(TopicProcessUnavailable, ProcessEvent{Name: m.cfg.Process, PID: pid, Err: err})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn("Process lost", "pid", pid, "error", err)
		if err := sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (m *Manager) waitForProcess(ctx context.Context) (uint32, error) {
	for {
		pid, err := m.deps.Source.FindProcess(m.cfg.Process)
		if err == nil {
			return pid, nil
		}
		if !errors.Is(err, memory.ErrProcessUnavailable) {
			m.log.Warn("Process lookup failed", "process", m.cfg.Process, "error", err)
		}
		if err := sleep(ctx, m.cfg.PollInterval); err != nil {
			return 0, err
		}
	}
}

// checkProcess fails once the process exits or is replaced by a new pid.
func (m *Manager) checkProcess(pid uint32) error {
	cur, err := m.deps.Source.FindProcess(m.cfg.Process)
	if err != nil {
		return err
	}
	if cur != pid {
		return fmt.Errorf("%w: pid %d replaced by %d", memory.ErrProcessUnavailable, pid, cur)
	}
	return nil
}

func (m *Manager) readerOptions() []memory.ReaderOption {
	var opts []memory.ReaderOption
	if m.cfg.AddressRange != (memory.AddressRange{}) {
		opts = append(opts, memory.WithAddressRange(m.cfg.AddressRange))
	}
	if m.cfg.MaxReadSize > 0 {
		opts = append(opts, memory.WithMaxReadSize(m.cfg.MaxReadSize))
	}
	return opts
}

// attached runs sessions against one process until it goes away.
func (m *Manager) attached(ctx context.Context, pid uint32) error {
	rt := m.deps.Layout.Runtime
	base, err := m.deps.Source.ModuleBase(pid, rt.Module)
	if err != nil {
		return fmt.Errorf("runtime module: %w", err)
	}
	prov, err := m.deps.Source.Attach(pid)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	reader := memory.NewReader(prov, m.readerOptions()...)
	resolver, err := typeresolver.New(reader, rt, base,
		typeresolver.WithMetrics(m.deps.Metrics),
		typeresolver.WithLogger(m.log))
	if err != nil {
		return err
	}

	for {
		m.setState(StateLocating, pid)
		w, err := m.locate(ctx, pid, reader, resolver)
		if err != nil {
			return err
		}
		sess := newSession(m.cfg.Process, pid, base, reader, resolver, w, m.deps.Layout.Version)
		err = m.track(ctx, sess)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, memory.ErrProcessUnavailable) {
			return err
		}
		m.log.Info("Session ended", "session", sess.ID, "error", err)
	}
}

func (m *Manager) locate(ctx context.Context, pid uint32, r *memory.Reader, res *typeresolver.Resolver) (*world.World, error) {
	for {
		if err := m.checkProcess(pid); err != nil {
			return nil, err
		}
		w, err := world.Locate(ctx, world.Deps{
			Reader:   r,
			Resolver: res,
			Layout:   m.deps.Layout,
			Metrics:  m.deps.Metrics,
			Sink:     m.deps.Sink,
			Log:      m.log,
		})
		switch {
		case err == nil:
			return w, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, memory.ErrProcessUnavailable):
			return nil, err
		case errors.Is(err, memory.ErrNotFound):
			m.log.Debug("World not loaded", "error", err)
		default:
			m.log.Warn("World lookup failed", "error", err)
		}
		if err := sleep(ctx, m.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (m *Manager) track(ctx context.Context, sess *Session) error {
	loops := sess.World.Loops(m.cfg.Schedule)
	loops = append(loops, scheduler.Loop{
		Name:     "process",
		Interval: m.cfg.PollInterval,
		Priority: -10,
		Work: func(context.Context) (bool, error) {
			return false, m.checkProcess(sess.PID)
		},
	})
	sched, err := scheduler.New(m.log.With("session", sess.ID.String()), loops, scheduler.WithFatal(world.IsFatal))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.state = StateTracking
	m.current = sess
	m.sched = sched
	m.mu.Unlock()

	m.log.Info("Session started", "session", sess.ID, "world", sess.World.Addr(), "location", sess.World.Location())
	m.publish(TopicSessionStarted, sess.Info())

	err = sched.Run(ctx)

	m.mu.Lock()
	m.current = nil
	m.sched = nil
	m.state = StateLocating
	m.mu.Unlock()

	sess.Ended = time.Now()
	m.publish(TopicSessionEnded, sess.Info())
	return err
}

func (m *Manager) setState(s State, pid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.pid = pid
}

func (m *Manager) publish(topic string, payload any) {
	if m.deps.Dispatcher == nil {
		return
	}
	if err := m.deps.Dispatcher.Publish(dispatcher.Event{Topic: topic, Payload: payload}); err != nil {
		m.log.Warn("Lifecycle handler failed", "topic", topic, "error", err)
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns the tracked session, or nil.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Info returns the record of the tracked session.
func (m *Manager) Info() (core.Session, bool) {
	if s := m.Current(); s != nil {
		return s.Info(), true
	}
	return core.Session{}, false
}

// Snapshot returns the current views of kind, or nil outside a session.
func (m *Manager) Snapshot(kind core.Kind) []core.EntityState {
	if s := m.Current(); s != nil {
		return s.World.Snapshot(kind)
	}
	return nil
}

// Counts returns the tracked entity counts, or nil outside a session.
func (m *Manager) Counts() map[core.Kind]int {
	if s := m.Current(); s != nil {
		return s.World.Counts()
	}
	return nil
}

// LoopStats returns the running scheduler's loop stats.
func (m *Manager) LoopStats() []scheduler.LoopStats {
	m.mu.RLock()
	sched := m.sched
	m.mu.RUnlock()
	if sched == nil {
		return nil
	}
	return sched.Stats()
}

// Attrs returns the lifecycle attributes attached to every log record.
func (m *Manager) Attrs() []slog.Attr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attrs := []slog.Attr{slog.String("state", string(m.state))}
	if m.current != nil {
		attrs = append(attrs,
			slog.String("sessionId", m.current.ID.String()),
			slog.Any("pid", m.current.PID))
	} else if m.pid != 0 {
		attrs = append(attrs, slog.Any("pid", m.pid))
	}
	return attrs
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
