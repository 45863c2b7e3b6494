package convert

import (
	"encoding/json"

	"github.com/memsync/memsync/internal/geo"
	"github.com/memsync/memsync/internal/model"
	"github.com/memsync/memsync/pkg/core"
)

// SessionToCore converts a GORM model.Session to a core.Session.
func SessionToCore(s model.Session) core.Session {
	out := core.Session{
		ID:            s.ID,
		Process:       s.Process,
		PID:           s.PID,
		LayoutVersion: s.LayoutVersion,
		Location:      s.Location,
		StartTime:     s.StartTime,
	}
	if s.EndTime.Valid {
		out.EndTime = s.EndTime.Time
	}
	return out
}

// EntityToCore converts a GORM model.Entity to a core.Entity.
func EntityToCore(e model.Entity) core.Entity {
	out := core.Entity{
		Addr:      e.Addr,
		Kind:      core.Kind(e.Kind),
		Name:      e.Name,
		FirstSeen: e.FirstSeen,
	}
	var attrs entityAttributes
	if len(e.Attributes) > 0 && json.Unmarshal(e.Attributes, &attrs) == nil && attrs.Side != nil {
		out.Side = *attrs.Side
	}
	return out
}

// EntityStateToCore converts a GORM model.EntityState to a core.EntityState.
// A state without a readable position has HasPos unset.
func EntityStateToCore(s model.EntityState) core.EntityState {
	out := core.EntityState{
		Addr:      s.Addr,
		Kind:      core.Kind(s.Kind),
		Name:      s.Name,
		Side:      s.Side,
		Destroyed: s.Destroyed,
		Anomalous: s.Anomalous,
		Time:      s.Time,
	}
	if p, err := geo.Position3D(s.Position); err == nil {
		out.Position = p
		out.HasPos = true
	}
	return out
}

// EntityRemovalToCore converts a GORM model.EntityRemoval to a core.EntityRemoval.
func EntityRemovalToCore(r model.EntityRemoval) core.EntityRemoval {
	return core.EntityRemoval{
		Addr:   r.Addr,
		Kind:   core.Kind(r.Kind),
		Reason: r.Reason,
		Time:   r.Time,
	}
}
