package model

import (
	"database/sql"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []any{
	&Session{},
	&Entity{},
	&EntityState{},
	&EntityRemoval{},
	&Performance{},
}

////////////////////////
// SYSTEM MODELS
////////////////////////

// Performance is one status-monitor sample
type Performance struct {
	ID        uint         `json:"id" gorm:"primarykey;autoIncrement;"`
	Time      time.Time    `json:"time" gorm:"type:timestamptz;index:idx_performance_time"`
	SessionID string       `json:"sessionId" gorm:"size:36;index:idx_performance_session_id"`
	State     string       `json:"state" gorm:"size:32"`
	Counts    EntityCounts `json:"counts" gorm:"embedded;embeddedPrefix:count_"`
	// Loops holds the scheduler's per-loop stats.
	Loops datatypes.JSON `json:"loops"`
}

func (*Performance) TableName() string {
	return "performances"
}

// EntityCounts is the number of tracked entities per kind
type EntityCounts struct {
	Players    uint16 `json:"players"`
	Loot       uint16 `json:"loot"`
	Explosives uint16 `json:"explosives"`
	Exfils     uint16 `json:"exfils"`
}

////////////////////////
// RECORDING MODELS
////////////////////////

// Session is one tracked world
type Session struct {
	ID            string       `json:"id" gorm:"primaryKey;size:36"`
	Process       string       `json:"process" gorm:"size:128"`
	PID           uint32       `json:"pid"`
	LayoutVersion string       `json:"layoutVersion" gorm:"size:64"`
	Location      string       `json:"location" gorm:"size:64"`
	StartTime     time.Time    `json:"startTime" gorm:"type:timestamptz;index:idx_session_start"`
	EndTime       sql.NullTime `json:"endTime" gorm:"type:timestamptz"`
}

func (*Session) TableName() string {
	return "sessions"
}

// Entity is a discovered object
type Entity struct {
	ID        uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	SessionID string    `json:"sessionId" gorm:"size:36;index:idx_entity_session_id"`
	Session   Session   `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Addr      uint64    `json:"addr" gorm:"index:idx_entity_addr"`
	Kind      string    `json:"kind" gorm:"size:16"`
	Name      string    `json:"name" gorm:"size:128"`
	FirstSeen time.Time `json:"firstSeen" gorm:"type:timestamptz"`
	// Attributes holds kind-specific static fields.
	Attributes datatypes.JSON `json:"attributes"`
}

func (*Entity) TableName() string {
	return "entities"
}

// EntityState is a recorded view of an entity
type EntityState struct {
	ID        uint       `json:"id" gorm:"primarykey;autoIncrement;"`
	Time      time.Time  `json:"time" gorm:"type:timestamptz;index:idx_entitystate_time"`
	SessionID string     `json:"sessionId" gorm:"size:36;index:idx_entitystate_session_id"`
	Session   Session    `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Addr      uint64     `json:"addr" gorm:"index:idx_entitystate_addr"`
	Kind      string     `json:"kind" gorm:"size:16"`
	Name      string     `json:"name" gorm:"size:128"`
	Side      int32      `json:"side"`
	Position  geom.Point `json:"position"` // ground plane XY, height Z
	Destroyed bool       `json:"destroyed" gorm:"default:false"`
	Anomalous bool       `json:"anomalous" gorm:"default:false"`
}

func (*EntityState) TableName() string {
	return "entity_states"
}

// EntityRemoval records an entity leaving the world
type EntityRemoval struct {
	ID        uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	Time      time.Time `json:"time" gorm:"type:timestamptz"`
	SessionID string    `json:"sessionId" gorm:"size:36;index:idx_entityremoval_session_id"`
	Session   Session   `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Addr      uint64    `json:"addr"`
	Kind      string    `json:"kind" gorm:"size:16"`
	Reason    string    `json:"reason" gorm:"size:16"`
}

func (*EntityRemoval) TableName() string {
	return "entity_removals"
}
