//go:build linux

package procmem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/memsync/memsync/internal/memory"
)

// iovMax is the kernel's IOV_MAX.
const iovMax = 1024

// Attach opens pid. Reads use process_vm_readv, which needs ptrace access
// to the target.
func (a *Attacher) Attach(pid uint32) (memory.Provider, error) {
	if !a.Alive(pid) {
		return nil, fmt.Errorf("%w: pid %d", memory.ErrProcessUnavailable, pid)
	}
	return &Process{pid: int(pid), maxTransfer: a.maxTransfer}, nil
}

// Process reads one local process.
type Process struct {
	pid         int
	maxTransfer int
}

// PID returns the target pid.
func (p *Process) PID() int {
	return p.pid
}

// MaxTransferSize implements memory.Provider.
func (p *Process) MaxTransferSize() int {
	return p.maxTransfer
}

// ReadMemory implements memory.Provider. The cached hint has no meaning for
// a local read.
func (p *Process) ReadMemory(addr memory.Address, buf []byte, _ bool) error {
	if len(buf) == 0 {
		return nil
	}
	if len(buf) > p.maxTransfer {
		return fmt.Errorf("%w: %d bytes exceeds transfer limit %d", memory.ErrReadFailed, len(buf), p.maxTransfer)
	}
	local := []unix.Iovec{iovec(buf)}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if err != nil {
		return p.wrap(addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short read at %s: %d of %d bytes", memory.ErrReadFailed, addr, n, len(buf))
	}
	return nil
}

// ReadScatter implements memory.Provider. The kernel stops a vectored
// read at the first unreadable segment, so the batch is resumed after
// every failed entry.
func (p *Process) ReadScatter(entries []memory.ScatterEntry) error {
	local := make([]unix.Iovec, 0, min(len(entries), iovMax))
	remote := make([]unix.RemoteIovec, 0, min(len(entries), iovMax))

	for i := 0; i < len(entries); {
		local, remote = local[:0], remote[:0]
		j := i
		for ; j < len(entries) && j-i < iovMax; j++ {
			e := &entries[j]
			e.OK = false
			if len(e.Buf) == 0 || len(e.Buf) > p.maxTransfer {
				break
			}
			local = append(local, iovec(e.Buf))
			remote = append(remote, unix.RemoteIovec{Base: uintptr(e.Addr), Len: len(e.Buf)})
		}
		if len(local) == 0 {
			// entries[i] cannot be issued at all.
			entries[i].OK = len(entries[i].Buf) == 0
			i++
			continue
		}

		n, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
		if err != nil {
			if errors.Is(err, unix.ESRCH) {
				return p.wrap(entries[i].Addr, err)
			}
			n = 0
		}
		k := i
		for ; k < i+len(local) && n >= len(entries[k].Buf); k++ {
			entries[k].OK = true
			n -= len(entries[k].Buf)
		}
		if k < i+len(local) {
			// entries[k] stopped the transfer.
			k++
		}
		i = k
	}
	return nil
}

func (p *Process) wrap(addr memory.Address, err error) error {
	if errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%w: pid %d: %v", memory.ErrProcessUnavailable, p.pid, err)
	}
	return fmt.Errorf("%w: %s: %v", memory.ErrReadFailed, addr, err)
}

func iovec(buf []byte) unix.Iovec {
	v := unix.Iovec{Base: &buf[0]}
	v.SetLen(len(buf))
	return v
}
