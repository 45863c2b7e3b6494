//go:build !linux

package procmem

import (
	"errors"
	"fmt"

	"github.com/memsync/memsync/internal/memory"
)

// ErrUnsupported is returned by Attach on platforms without process_vm_readv.
var ErrUnsupported = errors.New("local process reads are only supported on linux")

// Attach always fails off linux.
func (a *Attacher) Attach(pid uint32) (memory.Provider, error) {
	return nil, fmt.Errorf("attach pid %d: %w", pid, ErrUnsupported)
}
