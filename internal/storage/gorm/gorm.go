// Package gormstorage implements storage.Backend on GORM with internal
// queues drained by a background writer goroutine. The postgres and sqlite
// backends wrap it.
package gormstorage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/memsync/memsync/internal/model"
	"github.com/memsync/memsync/internal/model/convert"
	"github.com/memsync/memsync/internal/queue"
	"github.com/memsync/memsync/pkg/core"
)

// DefaultFlushInterval is the writer cadence when none is configured.
const DefaultFlushInterval = 2 * time.Second

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB            *gorm.DB
	Log           *slog.Logger
	FlushInterval time.Duration
}

type queues struct {
	Entities *queue.Queue[model.Entity]
	States   *queue.Queue[model.EntityState]
	Removals *queue.Queue[model.EntityRemoval]
}

// MaxPendingStates bounds the state queue while the database is
// unreachable. Entities and removals are never dropped.
const MaxPendingStates = 500_000

// batchSize caps the rows written per transaction.
const batchSize = 5000

func newQueues() *queues {
	return &queues{
		Entities: queue.New[model.Entity](0),
		States:   queue.New[model.EntityState](MaxPendingStates),
		Removals: queue.New[model.EntityRemoval](0),
	}
}

// Backend implements storage.Backend with queue-based batch writes.
type Backend struct {
	deps      Dependencies
	queues    *queues
	sessionID atomic.Pointer[string]

	flushMu  sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

// New creates a new GORM storage backend. The database must already be
// migrated.
func New(deps Dependencies) *Backend {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = DefaultFlushInterval
	}
	return &Backend{
		deps:   deps,
		queues: newQueues(),
	}
}

// DB returns the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Init starts the DB writer goroutine.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return fmt.Errorf("gorm backend: no database")
	}
	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})
	go b.writer()
	return nil
}

// Close stops the writer and writes whatever is still queued.
func (b *Backend) Close() error {
	if b.stopChan != nil {
		close(b.stopChan)
		<-b.done
		b.stopChan = nil
	}
	return b.Flush()
}

// StartSession inserts the session row synchronously so queued rows can
// reference it.
func (b *Backend) StartSession(s core.Session) error {
	row := convert.CoreToSession(s)
	if err := b.deps.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert session %s: %w", s.ID, err)
	}
	id := s.ID
	b.sessionID.Store(&id)
	return nil
}

// EndSession flushes the session's rows and stamps its end time.
func (b *Backend) EndSession(s core.Session) error {
	if err := b.Flush(); err != nil {
		return err
	}
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	err := b.deps.DB.Model(&model.Session{}).Where("id = ?", s.ID).Update("end_time", end).Error
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", s.ID, err)
	}
	if b.SessionID() == s.ID {
		b.sessionID.Store(nil)
	}
	return nil
}

// SessionID returns the open session, or "".
func (b *Backend) SessionID() string {
	if p := b.sessionID.Load(); p != nil {
		return *p
	}
	return ""
}

// AddEntity converts and queues an entity.
func (b *Backend) AddEntity(e core.Entity) error {
	b.queues.Entities.Push(convert.CoreToEntity(b.SessionID(), e))
	return nil
}

// RecordEntityState converts and queues an entity state.
func (b *Backend) RecordEntityState(s core.EntityState) error {
	b.queues.States.Push(convert.CoreToEntityState(b.SessionID(), s))
	return nil
}

// RemoveEntity converts and queues a removal.
func (b *Backend) RemoveEntity(r core.EntityRemoval) error {
	b.queues.Removals.Push(convert.CoreToEntityRemoval(b.SessionID(), r))
	return nil
}

// Pending returns the number of queued rows.
func (b *Backend) Pending() int {
	return b.queues.Entities.Len() + b.queues.States.Len() + b.queues.Removals.Len()
}

// Dropped returns how many states were discarded while the queue was full.
func (b *Backend) Dropped() uint64 {
	return b.queues.States.Dropped()
}

// Flush writes every queue. Entities go first so states never precede
// the row they describe.
func (b *Backend) Flush() error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	db := b.deps.DB
	return errors.Join(
		writeQueue(db, b.queues.Entities, "entities", b.deps.Log),
		writeQueue(db, b.queues.States, "entity states", b.deps.Log),
		writeQueue(db, b.queues.Removals, "entity removals", b.deps.Log),
	)
}

func (b *Backend) writer() {
	defer close(b.done)
	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			// Failed batches are requeued and retried next tick.
			_ = b.Flush()
		}
	}
}

// writeQueue writes the queue to the database in batches, one
// transaction each. A failed batch is put back at the front.
func writeQueue[T any](db *gorm.DB, q *queue.Queue[T], name string, log *slog.Logger) error {
	written := 0
	for {
		items := q.Take(batchSize)
		if len(items) == 0 {
			break
		}
		tx := db.Begin()
		if err := tx.Create(&items).Error; err != nil {
			log.Error("Error creating rows", "table", name, "count", len(items), "error", err)
			tx.Rollback()
			q.Requeue(items)
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := tx.Commit().Error; err != nil {
			q.Requeue(items)
			return fmt.Errorf("commit %s: %w", name, err)
		}
		written += len(items)
	}
	if written > 0 {
		log.Debug("Wrote rows", "table", name, "count", written)
	}
	return nil
}
