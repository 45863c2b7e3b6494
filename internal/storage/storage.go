package storage

import (
	"fmt"

	"github.com/memsync/memsync/internal/dispatcher"
	"github.com/memsync/memsync/internal/session"
	"github.com/memsync/memsync/pkg/core"
)

// Backend is the interface all storage implementations must satisfy.
// It receives the world's entity stream plus the session lifecycle.
type Backend interface {
	Init() error
	Close() error

	StartSession(s core.Session) error
	EndSession(s core.Session) error

	AddEntity(e core.Entity) error
	RecordEntityState(s core.EntityState) error
	RemoveEntity(r core.EntityRemoval) error
}

// Uploadable is an optional interface for backends that produce a file
// suitable for upload once a session ends.
type Uploadable interface {
	ExportedFilePath() string
	ExportMetadata() core.UploadMetadata
}

// RegisterHandlers subscribes b to the session lifecycle topics.
// Handlers are synchronous so a session is open before the first entity
// reaches the backend.
func RegisterHandlers(d *dispatcher.Dispatcher, b Backend) {
	d.Register(session.TopicSessionStarted, func(e dispatcher.Event) error {
		s, ok := e.Payload.(core.Session)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		return b.StartSession(s)
	}, dispatcher.Logged())

	d.Register(session.TopicSessionEnded, func(e dispatcher.Event) error {
		s, ok := e.Payload.(core.Session)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		return b.EndSession(s)
	}, dispatcher.Logged())
}
