package core

import "time"

// Session is one attach to a running game world, from the moment the world
// is located until it disappears or the process exits.
type Session struct {
	ID            string
	Process       string
	PID           uint32
	LayoutVersion string
	Location      string
	StartTime     time.Time
	EndTime       time.Time
}

// UploadMetadata accompanies a recording uploaded to the web service.
type UploadMetadata struct {
	SessionID string
	Location  string
	Duration  float64
	Tag       string
}
