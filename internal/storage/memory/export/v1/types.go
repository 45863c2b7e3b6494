// Package v1 contains the v1 recording export format.
package v1

// FormatVersion is written into every export.
const FormatVersion = 1

// Export is the root JSON structure of a recording.
type Export struct {
	FormatVersion   int       `json:"formatVersion"`
	SessionID       string    `json:"sessionId"`
	Process         string    `json:"process"`
	LayoutVersion   string    `json:"layoutVersion"`
	Location        string    `json:"location"`
	StartTime       string    `json:"startTime"`
	EndTime         string    `json:"endTime,omitempty"`
	DurationSeconds float64   `json:"durationSeconds"`
	Tag             string    `json:"tag,omitempty"`
	Entities        []Entity  `json:"entities"`
	Removals        []Removal `json:"removals"`
}

// Entity is one tracked object and its position samples.
//
// Each position is [unixMillis, x, y, z, destroyed, anomalous] with the
// flags encoded as 0 or 1.
type Entity struct {
	ID          int      `json:"id"`
	Addr        string   `json:"addr"`
	Kind        string   `json:"kind"`
	Name        string   `json:"name"`
	Side        *int32   `json:"side,omitempty"`
	FirstSeen   string   `json:"firstSeen"`
	TrackLength float64  `json:"trackLength"`
	Positions   [][]any  `json:"positions"`
	Removed     *Removal `json:"removed,omitempty"`
}

// Removal records an entity leaving the registry.
type Removal struct {
	EntityID int    `json:"entityId"`
	Addr     string `json:"addr"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
	Time     string `json:"time"`
}
