// Package core defines the public data types shared by the recorder,
// storage backends and streaming clients.
package core

// Position3D is a world-space position.
type Position3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Kind is the category of a tracked entity.
type Kind string

const (
	KindPlayer    Kind = "player"
	KindLoot      Kind = "loot"
	KindExplosive Kind = "explosive"
	KindExfil     Kind = "exfil"
)

// Kinds lists every entity kind.
func Kinds() []Kind {
	return []Kind{KindPlayer, KindLoot, KindExplosive, KindExfil}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPlayer, KindLoot, KindExplosive, KindExfil:
		return true
	}
	return false
}
