// Package websocket implements storage.Backend by streaming the session
// to a remote collector.
package websocket

import (
	"log/slog"

	"github.com/memsync/memsync/pkg/core"
	"github.com/memsync/memsync/pkg/streaming"
)

// Config holds WebSocket backend configuration.
type Config struct {
	URL    string
	Secret string
}

// Backend streams session data over WebSocket. Session boundaries wait for
// the collector's ack; entity traffic is fire-and-forget.
type Backend struct {
	conn *connection
	cfg  Config
}

// New creates a new WebSocket storage backend.
func New(cfg Config, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		conn: newConnection(log.With("backend", "websocket")),
		cfg:  cfg,
	}
}

// Init connects to the collector.
func (b *Backend) Init() error {
	return b.conn.dial(b.cfg.URL, b.cfg.Secret)
}

// Close disconnects from the collector.
func (b *Backend) Close() error {
	return b.conn.close()
}

// Dropped returns how many messages were lost to a full queue or a broken
// connection.
func (b *Backend) Dropped() int64 {
	return b.conn.dropped.Load()
}

func (b *Backend) send(msgType string, payload any) error {
	data, err := streaming.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	b.conn.send(data)
	return nil
}

// StartSession announces the session and waits for the ack.
func (b *Backend) StartSession(s core.Session) error {
	data, err := streaming.Marshal(streaming.TypeStartSession, streaming.NewSessionPayload(s))
	if err != nil {
		return err
	}
	b.conn.setSession(data)
	return b.conn.sendAndWait(data, streaming.TypeStartSession, ackTimeout)
}

// EndSession closes the session on the collector and waits for the ack.
func (b *Backend) EndSession(s core.Session) error {
	defer b.conn.setSession(nil)
	data, err := streaming.Marshal(streaming.TypeEndSession, streaming.NewSessionPayload(s))
	if err != nil {
		return err
	}
	return b.conn.sendAndWait(data, streaming.TypeEndSession, ackTimeout)
}

func (b *Backend) AddEntity(e core.Entity) error {
	return b.send(streaming.TypeAddEntity, streaming.NewEntityPayload(e))
}

func (b *Backend) RecordEntityState(s core.EntityState) error {
	return b.send(streaming.TypeEntityState, streaming.NewStatePayload(s))
}

func (b *Backend) RemoveEntity(r core.EntityRemoval) error {
	return b.send(streaming.TypeRemoveEntity, streaming.NewRemovalPayload(r))
}
