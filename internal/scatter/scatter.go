// Package scatter batches many remote reads into one transport round trip
// per dependency level.
//
// A Batch is a sequence of rounds. Every request of round N is issued in a
// single Provider.ReadScatter call, and the continuations of round N run
// before round N+1 is issued. A continuation returns the requests it needs
// next; those are appended to the following round.
package scatter

import (
	"context"
	"errors"
	"fmt"

	"github.com/memsync/memsync/internal/memory"
)

// DefaultMaxRounds bounds the depth of continuation chains.
const DefaultMaxRounds = 16

// ErrBatchUsed is returned when Execute is called more than once.
var ErrBatchUsed = errors.New("scatter batch already executed")

// Request is one read of a round. Then receives the bytes read and returns
// the requests to issue in the next round. Then is not called when the
// request is invalid or the transport could not read it.
type Request struct {
	Addr   memory.Address
	Size   int
	Cached bool
	Then   func(data []byte) []Request
}

// Round holds the requests staged for one round trip.
type Round struct {
	reqs []Request
}

// Add stages requests in the round.
func (r *Round) Add(reqs ...Request) *Round {
	r.reqs = append(r.reqs, reqs...)
	return r
}

// Len returns the number of staged requests.
func (r *Round) Len() int {
	return len(r.reqs)
}

// Stats describes one execution.
type Stats struct {
	Rounds   int
	Requests int
	Failed   int
	Dropped  int
}

// Option configures a Batch.
type Option func(*Batch)

// WithMaxRounds caps the number of round trips. Requests produced for a
// round beyond the cap are dropped.
func WithMaxRounds(n int) Option {
	return func(b *Batch) {
		if n > 0 {
			b.maxRounds = n
		}
	}
}

// WithMetrics reports every execution to m.
func WithMetrics(m *Metrics) Option {
	return func(b *Batch) {
		b.metrics = m
	}
}

// Batch is a single-use multi-round scatter read.
type Batch struct {
	r          *memory.Reader
	rounds     []*Round
	onComplete []func()
	maxRounds  int
	metrics    *Metrics
	used       bool
	stats      Stats
}

// New creates an empty batch reading through r.
func New(r *memory.Reader, opts ...Option) *Batch {
	b := &Batch{
		r:         r,
		maxRounds: DefaultMaxRounds,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Round returns round i, reserving every round up to it.
func (b *Batch) Round(i int) *Round {
	for len(b.rounds) <= i {
		b.rounds = append(b.rounds, &Round{})
	}
	return b.rounds[i]
}

// OnComplete registers fn to run after the last round of a successful
// execution.
func (b *Batch) OnComplete(fn func()) {
	b.onComplete = append(b.onComplete, fn)
}

// Stats returns the statistics of the last execution.
func (b *Batch) Stats() Stats {
	return b.stats
}

// Execute issues every round in order. A transport failure aborts the
// batch; failed or invalid individual requests only skip their
// continuations.
func (b *Batch) Execute(ctx context.Context) error {
	if b.used {
		return ErrBatchUsed
	}
	b.used = true
	defer b.metrics.record(ctx, &b.stats)

	var carried []Request
	for i := 0; ; i++ {
		pending := carried
		if i < len(b.rounds) {
			pending = append(b.rounds[i].reqs, carried...)
		}
		if len(pending) == 0 && i >= len(b.rounds) {
			break
		}
		if len(pending) == 0 {
			carried = nil
			continue
		}
		if i >= b.maxRounds {
			b.stats.Dropped += len(pending)
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		next, err := b.issue(i, pending)
		if err != nil {
			return err
		}
		carried = next
	}

	for _, fn := range b.onComplete {
		fn()
	}
	return nil
}

// issue performs one round trip and runs its continuations.
func (b *Batch) issue(round int, reqs []Request) ([]Request, error) {
	entries := make([]memory.ScatterEntry, 0, len(reqs))
	owners := make([]int, 0, len(reqs))

	total := 0
	for _, req := range reqs {
		if req.Size > 0 {
			total += req.Size
		}
	}
	arena := make([]byte, total)

	for idx, req := range reqs {
		if req.Size <= 0 || b.r.Check(req.Addr, req.Size) != nil {
			b.stats.Dropped++
			continue
		}
		buf := arena[:req.Size:req.Size]
		arena = arena[req.Size:]
		entries = append(entries, memory.ScatterEntry{Addr: req.Addr, Buf: buf, Cached: req.Cached})
		owners = append(owners, idx)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	b.stats.Rounds++
	b.stats.Requests += len(entries)
	if err := b.r.Provider().ReadScatter(entries); err != nil {
		return nil, fmt.Errorf("%w: scatter round %d (%d entries): %w", memory.ErrReadFailed, round, len(entries), err)
	}

	var next []Request
	for j, e := range entries {
		if !e.OK {
			b.stats.Failed++
			continue
		}
		if then := reqs[owners[j]].Then; then != nil {
			next = append(next, then(e.Buf)...)
		}
	}
	return next, nil
}
