// Package session drives the attach lifecycle: wait for the game process,
// locate its world, run the refresh loops and start over when either goes
// away.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/typeresolver"
	"github.com/memsync/memsync/internal/world"
	"github.com/memsync/memsync/pkg/core"
)

// Lifecycle topics published through the dispatcher.
const (
	TopicProcessAvailable   = "process.available"
	TopicProcessUnavailable = "process.unavailable"
	TopicSessionStarted     = "session.started"
	TopicSessionEnded       = "session.ended"
)

// ProcessEvent is the payload of the process topics.
type ProcessEvent struct {
	Name string
	PID  uint32
	Err  error
}

// Session is one tracked world inside an attached process. Every component
// working on the world receives it explicitly.
type Session struct {
	ID         uuid.UUID
	Process    string
	PID        uint32
	ModuleBase memory.Address
	Reader     *memory.Reader
	Resolver   *typeresolver.Resolver
	World      *world.World
	Layout     string
	Started    time.Time
	Ended      time.Time
}

func newSession(process string, pid uint32, base memory.Address, r *memory.Reader, res *typeresolver.Resolver, w *world.World, layoutVersion string) *Session {
	return &Session{
		ID:         uuid.New(),
		Process:    process,
		PID:        pid,
		ModuleBase: base,
		Reader:     r,
		Resolver:   res,
		World:      w,
		Layout:     layoutVersion,
		Started:    time.Now(),
	}
}

// Info returns the record stored for the session.
func (s *Session) Info() core.Session {
	return core.Session{
		ID:            s.ID.String(),
		Process:       s.Process,
		PID:           s.PID,
		LayoutVersion: s.Layout,
		Location:      s.World.Location(),
		StartTime:     s.Started,
		EndTime:       s.Ended,
	}
}
