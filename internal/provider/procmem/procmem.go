package procmem

import (
	"github.com/memsync/memsync/internal/memory"
)

// Options tunes an Attacher.
type Options struct {
	// ProcRoot overrides /proc.
	ProcRoot string
	// MaxTransfer caps a single read. Defaults to DefaultMaxTransfer.
	MaxTransfer int
}

// Attacher opens local processes for reading.
type Attacher struct {
	Procfs
	maxTransfer int
}

var _ memory.Attacher = (*Attacher)(nil)

// New returns an Attacher.
func New(opts Options) *Attacher {
	if opts.MaxTransfer <= 0 {
		opts.MaxTransfer = DefaultMaxTransfer
	}
	return &Attacher{Procfs: Procfs{Root: opts.ProcRoot}, maxTransfer: opts.MaxTransfer}
}
