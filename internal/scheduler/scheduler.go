// Package scheduler runs independently timed refresh loops, each on its own
// goroutine, with shared cancellation on fatal errors.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/memsync/memsync/internal/memory"
)

// Work performs one iteration. busy reports whether there was useful work,
// which shortens the next sleep.
type Work func(ctx context.Context) (busy bool, err error)

// Loop is one periodically executed unit of work.
type Loop struct {
	Name string
	// Interval is the idle sleep between iterations.
	Interval time.Duration
	// MinInterval is the floor the sleep shrinks toward while busy. Zero
	// disables adaptation.
	MinInterval time.Duration
	// Priority orders loop start-up, highest first.
	Priority int
	// Dedicated pins the loop to its own OS thread.
	Dedicated bool
	Work      Work
}

// LoopStats describes a loop's recent behaviour.
type LoopStats struct {
	Name         string
	Iterations   uint64
	Errors       uint64
	LastDuration time.Duration
	Sleep        time.Duration
	LastError    string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFatal adds a predicate marking additional errors as fatal. Errors for
// which memory.IsFatal is true are always fatal.
func WithFatal(pred func(error) bool) Option {
	return func(s *Scheduler) {
		s.fatal = append(s.fatal, pred)
	}
}

// Scheduler runs a fixed set of loops.
type Scheduler struct {
	log   *slog.Logger
	loops []Loop
	fatal []func(error) bool

	mu    sync.RWMutex
	stats map[string]*LoopStats

	iterations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
}

// New validates loops and creates a scheduler. Metrics go to the global
// OTel meter (no-op if not configured).
func New(log *slog.Logger, loops []Loop, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		log:   log,
		stats: make(map[string]*LoopStats, len(loops)),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, l := range loops {
		if l.Name == "" || l.Work == nil {
			return nil, fmt.Errorf("loop %q: name and work are required", l.Name)
		}
		if l.Interval <= 0 {
			return nil, fmt.Errorf("loop %q: interval must be positive", l.Name)
		}
		if _, dup := s.stats[l.Name]; dup {
			return nil, fmt.Errorf("loop %q registered twice", l.Name)
		}
		s.stats[l.Name] = &LoopStats{Name: l.Name, Sleep: l.Interval}
	}
	s.loops = slices.Clone(loops)
	slices.SortStableFunc(s.loops, func(a, b Loop) int {
		return cmp.Compare(b.Priority, a.Priority)
	})

	m := meter()
	var err error
	s.iterations, err = m.Int64Counter(
		"scheduler.loop.iterations",
		metric.WithDescription("Loop iterations executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating iterations counter: %w", err)
	}
	s.errors, err = m.Int64Counter(
		"scheduler.loop.errors",
		metric.WithDescription("Loop iterations that returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating errors counter: %w", err)
	}
	s.duration, err = m.Float64Histogram(
		"scheduler.loop.duration",
		metric.WithDescription("Loop iteration duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}
	return s, nil
}

func (s *Scheduler) isFatal(err error) bool {
	if memory.IsFatal(err) {
		return true
	}
	for _, pred := range s.fatal {
		if pred(err) {
			return true
		}
	}
	return false
}

// Run starts every loop and blocks until ctx is cancelled or a loop hits a
// fatal error, which stops all loops and is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range s.loops {
		g.Go(func() error {
			return s.runLoop(gctx, l)
		})
	}
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

func (s *Scheduler) runLoop(ctx context.Context, l Loop) error {
	if l.Dedicated {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	log := s.log.With("loop", l.Name, "priority", l.Priority)
	log.Debug("Loop started", "interval", l.Interval, "minInterval", l.MinInterval, "dedicated", l.Dedicated)
	defer log.Debug("Loop stopped")

	attrs := metric.WithAttributes(attribute.String("loop", l.Name))
	sleep := l.Interval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		busy, err := l.Work(ctx)
		elapsed := time.Since(start)
		sleep = nextSleep(sleep, busy, l)

		mctx := context.WithoutCancel(ctx)
		s.iterations.Add(mctx, 1, attrs)
		s.duration.Record(mctx, float64(elapsed.Microseconds())/1000, attrs)
		s.record(l.Name, elapsed, sleep, err)

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.errors.Add(mctx, 1, attrs)
			if s.isFatal(err) {
				log.Error("Fatal loop error", "error", err)
				return fmt.Errorf("loop %s: %w", l.Name, err)
			}
			log.Warn("Loop iteration failed", "error", err)
		}
		timer.Reset(sleep)
	}
}

// nextSleep halves the sleep while busy and doubles it back while idle.
func nextSleep(cur time.Duration, busy bool, l Loop) time.Duration {
	if l.MinInterval <= 0 || l.MinInterval >= l.Interval {
		return l.Interval
	}
	if busy {
		return max(cur/2, l.MinInterval)
	}
	return min(cur*2, l.Interval)
}

func (s *Scheduler) record(name string, elapsed, sleep time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[name]
	st.Iterations++
	st.LastDuration = elapsed
	st.Sleep = sleep
	if err != nil {
		st.Errors++
		st.LastError = err.Error()
	}
}

// Stats returns a copy of every loop's statistics in start order.
func (s *Scheduler) Stats() []LoopStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LoopStats, 0, len(s.loops))
	for _, l := range s.loops {
		out = append(out, *s.stats[l.Name])
	}
	return out
}
