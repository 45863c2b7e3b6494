// Package procmem reads the memory of a local process through procfs and
// process_vm_readv.
package procmem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/memsync/memsync/internal/memory"
)

// DefaultMaxTransfer is the read ceiling when none is configured.
const DefaultMaxTransfer = 1 << 20

// commLen is the kernel's limit on /proc/<pid>/comm, without the NUL.
const commLen = 15

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start, End memory.Address
	Perms      string
	Offset     uint64
	Path       string
}

// ParseMaps reads the maps format.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("bad range %q", fields[0])
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad start %q: %w", lo, err)
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad end %q: %w", hi, err)
		}
		off, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad offset %q: %w", fields[2], err)
		}
		m := Mapping{Start: memory.Address(start), End: memory.Address(end), Perms: fields[1], Offset: off}
		if len(fields) >= 6 {
			m.Path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

// FindModule returns the lowest start address of the mappings backed by a
// file named module. Names compare case-insensitively so Windows images
// loaded under a compatibility layer still match.
func FindModule(maps []Mapping, module string) (memory.Address, bool) {
	var (
		base  memory.Address
		found bool
	)
	for _, m := range maps {
		if m.Path == "" || !strings.EqualFold(filepath.Base(m.Path), module) {
			continue
		}
		if !found || m.Start < base {
			base, found = m.Start, true
		}
	}
	return base, found
}

// MatchComm reports whether a process whose comm is comm may be name.
func MatchComm(comm, name string) bool {
	comm = strings.TrimSpace(comm)
	if comm == name {
		return true
	}
	return len(name) > commLen && comm == name[:commLen]
}

// Procfs locates processes under a proc filesystem root.
type Procfs struct {
	Root string
}

func (p Procfs) root() string {
	if p.Root == "" {
		return "/proc"
	}
	return p.Root
}

// PIDs lists the numeric entries of the root in ascending order.
func (p Procfs) PIDs() ([]uint32, error) {
	entries, err := os.ReadDir(p.root())
	if err != nil {
		return nil, err
	}
	var pids []uint32
	for _, e := range entries {
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil || !e.IsDir() {
			continue
		}
		pids = append(pids, uint32(n))
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids, nil
}

// FindProcess returns the lowest pid whose comm or executable name is name.
func (p Procfs) FindProcess(name string) (uint32, error) {
	pids, err := p.PIDs()
	if err != nil {
		return 0, fmt.Errorf("%w: list processes: %v", memory.ErrProcessUnavailable, err)
	}
	for _, pid := range pids {
		dir := filepath.Join(p.root(), strconv.FormatUint(uint64(pid), 10))
		if comm, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil && MatchComm(string(comm), name) {
			return pid, nil
		}
		if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil && filepath.Base(exe) == name {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("%w: process %q", memory.ErrProcessUnavailable, name)
}

// ModuleBase returns the load address of module in pid.
func (p Procfs) ModuleBase(pid uint32, module string) (memory.Address, error) {
	f, err := os.Open(filepath.Join(p.root(), strconv.FormatUint(uint64(pid), 10), "maps"))
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: pid %d", memory.ErrProcessUnavailable, pid)
	}
	if err != nil {
		return 0, fmt.Errorf("open maps of pid %d: %w", pid, err)
	}
	defer f.Close()

	maps, err := ParseMaps(f)
	if err != nil {
		return 0, fmt.Errorf("parse maps of pid %d: %w", pid, err)
	}
	base, ok := FindModule(maps, module)
	if !ok {
		return 0, fmt.Errorf("%w: module %q in pid %d", memory.ErrProcessUnavailable, module, pid)
	}
	return base, nil
}

// Alive reports whether pid still has a procfs entry.
func (p Procfs) Alive(pid uint32) bool {
	_, err := os.Stat(filepath.Join(p.root(), strconv.FormatUint(uint64(pid), 10)))
	return err == nil
}
