// Package streaming defines the wire protocol used to stream a live
// session to a remote collector over WebSocket.
package streaming

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/memsync/memsync/pkg/core"
)

// Message type constants of the streaming protocol.
const (
	TypeStartSession = "start_session"
	TypeEndSession   = "end_session"
	TypeAddEntity    = "add_entity"
	TypeEntityState  = "entity_state"
	TypeRemoveEntity = "remove_entity"
	TypeAck          = "ack"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// SessionPayload carries start_session and end_session.
type SessionPayload struct {
	ID            string     `json:"id"`
	Process       string     `json:"process"`
	PID           uint32     `json:"pid"`
	LayoutVersion string     `json:"layoutVersion"`
	Location      string     `json:"location"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
}

// EntityPayload carries add_entity.
type EntityPayload struct {
	Addr      uint64    `json:"addr"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Side      int32     `json:"side"`
	FirstSeen time.Time `json:"firstSeen"`
}

// StatePayload carries entity_state. Position is [x, y, z] and absent
// when the entity has no resolved position yet.
type StatePayload struct {
	Addr      uint64      `json:"addr"`
	Kind      string      `json:"kind"`
	Position  *[3]float64 `json:"position,omitempty"`
	Destroyed bool        `json:"destroyed,omitempty"`
	Anomalous bool        `json:"anomalous,omitempty"`
	Time      time.Time   `json:"time"`
}

// RemovalPayload carries remove_entity.
type RemovalPayload struct {
	Addr   uint64    `json:"addr"`
	Kind   string    `json:"kind"`
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}

// NewSessionPayload converts a session.
func NewSessionPayload(s core.Session) SessionPayload {
	p := SessionPayload{
		ID:            s.ID,
		Process:       s.Process,
		PID:           s.PID,
		LayoutVersion: s.LayoutVersion,
		Location:      s.Location,
		StartTime:     s.StartTime,
	}
	if !s.EndTime.IsZero() {
		end := s.EndTime
		p.EndTime = &end
	}
	return p
}

// NewEntityPayload converts an entity.
func NewEntityPayload(e core.Entity) EntityPayload {
	return EntityPayload{Addr: e.Addr, Kind: string(e.Kind), Name: e.Name, Side: e.Side, FirstSeen: e.FirstSeen}
}

// NewStatePayload converts an entity state. Name and side are static and
// travel with add_entity only.
func NewStatePayload(s core.EntityState) StatePayload {
	p := StatePayload{Addr: s.Addr, Kind: string(s.Kind), Destroyed: s.Destroyed, Anomalous: s.Anomalous, Time: s.Time}
	if s.HasPos {
		p.Position = &[3]float64{s.Position.X, s.Position.Y, s.Position.Z}
	}
	return p
}

// NewRemovalPayload converts a removal.
func NewRemovalPayload(r core.EntityRemoval) RemovalPayload {
	return RemovalPayload{Addr: r.Addr, Kind: string(r.Kind), Reason: r.Reason, Time: r.Time}
}

// Marshal builds a JSON-encoded Envelope from a message type and payload.
func Marshal(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}
