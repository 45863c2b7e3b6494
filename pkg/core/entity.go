package core

import "time"

// Entity is the static description of a tracked object, recorded once
// when it is discovered.
type Entity struct {
	Addr      uint64
	Kind      Kind
	Name      string
	Side      int32
	FirstSeen time.Time
}

// EntityState is a point-in-time view of an entity. Values are replaced,
// never mutated, so a view handed out stays consistent.
type EntityState struct {
	Addr      uint64
	Kind      Kind
	Name      string
	Side      int32
	Position  Position3D
	HasPos    bool
	Destroyed bool
	Anomalous bool
	Time      time.Time
}

// Removal reasons.
const (
	RemovedVanished  = "vanished"
	RemovedDestroyed = "destroyed"
)

// EntityRemoval records an entity leaving the registry.
type EntityRemoval struct {
	Addr   uint64
	Kind   Kind
	Reason string
	Time   time.Time
}
