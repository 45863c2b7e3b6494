package v1

import (
	"math"
	"time"

	"github.com/memsync/memsync/internal/geo"
	"github.com/memsync/memsync/internal/util"
	"github.com/memsync/memsync/pkg/core"
)

// SessionData contains everything recorded for one session.
type SessionData struct {
	Session core.Session
	Tag     string
	// Entities in discovery order. An address reused after removal gets a
	// new record.
	Entities []*EntityRecord
}

// EntityRecord groups an entity with its time series.
type EntityRecord struct {
	Entity  core.Entity
	States  []core.EntityState
	Removal *core.EntityRemoval
}

// Build creates an Export from the session data. Entity IDs are indexes
// into the entities array.
func Build(data *SessionData) Export {
	s := data.Session
	export := Export{
		FormatVersion: FormatVersion,
		SessionID:     s.ID,
		Process:       s.Process,
		LayoutVersion: s.LayoutVersion,
		Location:      s.Location,
		StartTime:     formatTime(s.StartTime),
		Tag:           data.Tag,
		Entities:      make([]Entity, 0, len(data.Entities)),
		Removals:      make([]Removal, 0),
	}
	if !s.EndTime.IsZero() {
		export.EndTime = formatTime(s.EndTime)
		export.DurationSeconds = s.EndTime.Sub(s.StartTime).Seconds()
	}

	for id, rec := range data.Entities {
		ent := Entity{
			ID:        id,
			Addr:      util.HexAddr(rec.Entity.Addr),
			Kind:      string(rec.Entity.Kind),
			Name:      rec.Entity.Name,
			FirstSeen: formatTime(rec.Entity.FirstSeen),
			Positions: make([][]any, 0, len(rec.States)),
		}
		if rec.Entity.Kind == core.KindPlayer {
			side := rec.Entity.Side
			ent.Side = &side
		}

		track := make([]core.Position3D, 0, len(rec.States))
		for _, st := range rec.States {
			if !st.HasPos {
				continue
			}
			ent.Positions = append(ent.Positions, []any{
				st.Time.UnixMilli(),
				round(st.Position.X),
				round(st.Position.Y),
				round(st.Position.Z),
				boolToInt(st.Destroyed),
				boolToInt(st.Anomalous),
			})
			track = append(track, st.Position)
		}
		ent.TrackLength = round(geo.Distance(track))

		if rec.Removal != nil {
			rm := Removal{
				EntityID: id,
				Addr:     ent.Addr,
				Kind:     ent.Kind,
				Reason:   rec.Removal.Reason,
				Time:     formatTime(rec.Removal.Time),
			}
			ent.Removed = &rm
			export.Removals = append(export.Removals, rm)
		}
		export.Entities = append(export.Entities, ent)
	}
	return export
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// round keeps two decimals, enough for centimetre precision.
func round(v float64) float64 {
	return math.Round(v*100) / 100
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
