// Package memory implements storage.Backend by keeping a session in memory
// and exporting it to a JSON recording when the session ends.
package memory

import (
	"fmt"
	"sync"

	"github.com/memsync/memsync/internal/config"
	v1 "github.com/memsync/memsync/internal/storage/memory/export/v1"
	"github.com/memsync/memsync/pkg/core"
)

type recordKey struct {
	kind core.Kind
	addr uint64
}

// Backend stores session data in memory and exports to JSON.
type Backend struct {
	cfg config.MemoryConfig
	tag string

	mu       sync.RWMutex
	session  *core.Session
	records  []*v1.EntityRecord
	live     map[recordKey]*v1.EntityRecord
	lastPath string
	lastMeta core.UploadMetadata
}

// New creates a new memory backend. tag is copied into every export.
func New(cfg config.MemoryConfig, tag string) *Backend {
	return &Backend{
		cfg:  cfg,
		tag:  tag,
		live: make(map[recordKey]*v1.EntityRecord),
	}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// StartSession begins recording a new session, discarding any previous one.
func (b *Backend) StartSession(s core.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.session = &s
	b.records = nil
	b.live = make(map[recordKey]*v1.EntityRecord)
	return nil
}

// EndSession exports the session.
func (b *Backend) EndSession(s core.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil || b.session.ID != s.ID {
		return fmt.Errorf("session %s was not started", s.ID)
	}
	b.session.EndTime = s.EndTime
	err := b.export()
	b.session = nil
	return err
}

// AddEntity registers a new entity.
func (b *Backend) AddEntity(e core.Entity) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil
	}
	rec := &v1.EntityRecord{Entity: e}
	b.records = append(b.records, rec)
	b.live[recordKey{e.Kind, e.Addr}] = rec
	return nil
}

// RecordEntityState appends a state to its entity. States of unknown
// entities are dropped.
func (b *Backend) RecordEntityState(s core.EntityState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec, ok := b.live[recordKey{s.Kind, s.Addr}]; ok {
		rec.States = append(rec.States, s)
	}
	return nil
}

// RemoveEntity closes an entity's record.
func (b *Backend) RemoveEntity(r core.EntityRemoval) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := recordKey{r.Kind, r.Addr}
	if rec, ok := b.live[key]; ok {
		rec.Removal = &r
		delete(b.live, key)
	}
	return nil
}

// Data returns a copy of the session being recorded.
func (b *Backend) Data() (v1.SessionData, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.session == nil {
		return v1.SessionData{}, false
	}
	return b.data(), true
}

func (b *Backend) data() v1.SessionData {
	recs := make([]*v1.EntityRecord, len(b.records))
	for i, r := range b.records {
		cp := *r
		cp.States = append([]core.EntityState(nil), r.States...)
		recs[i] = &cp
	}
	return v1.SessionData{Session: *b.session, Tag: b.tag, Entities: recs}
}

// ExportedFilePath returns the path of the last export.
func (b *Backend) ExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPath
}

// ExportMetadata describes the last export for upload.
func (b *Backend) ExportMetadata() core.UploadMetadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastMeta
}
