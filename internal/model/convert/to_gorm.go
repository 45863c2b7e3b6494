// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"database/sql"
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/memsync/memsync/internal/geo"
	"github.com/memsync/memsync/internal/model"
	"github.com/memsync/memsync/pkg/core"
)

// CoreToSession converts a core.Session to a GORM model.Session.
func CoreToSession(s core.Session) model.Session {
	return model.Session{
		ID:            s.ID,
		Process:       s.Process,
		PID:           s.PID,
		LayoutVersion: s.LayoutVersion,
		Location:      s.Location,
		StartTime:     s.StartTime,
		EndTime:       sql.NullTime{Time: s.EndTime, Valid: !s.EndTime.IsZero()},
	}
}

// entityAttributes holds the kind-specific static fields of an entity.
type entityAttributes struct {
	Side *int32 `json:"side,omitempty"`
}

// CoreToEntity converts a core.Entity to a GORM model.Entity.
func CoreToEntity(sessionID string, e core.Entity) model.Entity {
	attrs := entityAttributes{}
	if e.Kind == core.KindPlayer {
		side := e.Side
		attrs.Side = &side
	}
	data, _ := json.Marshal(attrs)
	return model.Entity{
		SessionID:  sessionID,
		Addr:       e.Addr,
		Kind:       string(e.Kind),
		Name:       e.Name,
		FirstSeen:  e.FirstSeen,
		Attributes: datatypes.JSON(data),
	}
}

// CoreToEntityState converts a core.EntityState to a GORM model.EntityState.
func CoreToEntityState(sessionID string, s core.EntityState) model.EntityState {
	return model.EntityState{
		Time:      s.Time,
		SessionID: sessionID,
		Addr:      s.Addr,
		Kind:      string(s.Kind),
		Name:      s.Name,
		Side:      s.Side,
		Position:  geo.PointZ(s.Position),
		Destroyed: s.Destroyed,
		Anomalous: s.Anomalous,
	}
}

// CoreToEntityRemoval converts a core.EntityRemoval to a GORM model.EntityRemoval.
func CoreToEntityRemoval(sessionID string, r core.EntityRemoval) model.EntityRemoval {
	return model.EntityRemoval{
		Time:      r.Time,
		SessionID: sessionID,
		Addr:      r.Addr,
		Kind:      string(r.Kind),
		Reason:    r.Reason,
	}
}
