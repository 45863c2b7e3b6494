// Package fakemem is an in-process memory.Provider backed by a sparse page
// map. It stands in for the hardware transport in tests.
package fakemem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/memsync/memsync/internal/memory"
)

const pageSize = 0x1000

// DefaultHeapBase is where Alloc starts handing out addresses.
const DefaultHeapBase memory.Address = 0x1000_0000

// ErrUnmapped is returned for reads touching a page that was never written.
var ErrUnmapped = errors.New("unmapped page")

// ReadHook runs before every ReadMemory call is served. call counts from 1.
type ReadHook func(call int, addr memory.Address, n int)

// Memory is a sparse, writable address space.
type Memory struct {
	mu    sync.Mutex
	pages map[uint64][]byte
	next  memory.Address

	maxTransfer  int
	transportErr error
	hook         ReadHook

	readCalls    int
	scatterCalls int
	scatterSizes []int

	processes map[string]uint32
	modules   map[string]memory.Address
}

// New returns an empty address space.
func New() *Memory {
	return &Memory{
		pages:       make(map[uint64][]byte),
		next:        DefaultHeapBase,
		maxTransfer: memory.DefaultMaxReadSize,
		processes:   make(map[string]uint32),
		modules:     make(map[string]memory.Address),
	}
}

// SetMaxTransferSize changes the reported transfer ceiling.
func (m *Memory) SetMaxTransferSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxTransfer = n
}

// SetTransportError makes every subsequent call fail at the transport level.
// Pass nil to clear it.
func (m *Memory) SetTransportError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transportErr = err
}

// SetReadHook installs a hook run before each ReadMemory call. The hook may
// write to the memory to simulate the remote process mutating it.
func (m *Memory) SetReadHook(h ReadHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// Calls returns how many ReadMemory and ReadScatter calls were served.
func (m *Memory) Calls() (reads, scatters int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCalls, m.scatterCalls
}

// ScatterSizes returns the entry count of every ReadScatter call so far.
func (m *Memory) ScatterSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.scatterSizes))
	copy(out, m.scatterSizes)
	return out
}

// Alloc reserves size zeroed bytes and returns their address. Allocations are
// 16-byte aligned and never reused.
func (m *Memory) Alloc(size int) memory.Address {
	m.mu.Lock()
	addr := m.next
	m.next = (m.next + memory.Address(size) + 15) &^ 15
	if size == 0 {
		m.next += 16
	}
	m.mu.Unlock()
	m.Write(addr, make([]byte, size))
	return addr
}

// Write stores data at addr, mapping pages as needed.
func (m *Memory) Write(addr memory.Address, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write(addr, data)
}

func (m *Memory) write(addr memory.Address, data []byte) {
	for len(data) > 0 {
		pn := uint64(addr) / pageSize
		off := uint64(addr) % pageSize
		page, ok := m.pages[pn]
		if !ok {
			page = make([]byte, pageSize)
			m.pages[pn] = page
		}
		n := copy(page[off:], data)
		data = data[n:]
		addr += memory.Address(n)
	}
}

func (m *Memory) read(addr memory.Address, buf []byte) error {
	for done := 0; done < len(buf); {
		cur := uint64(addr) + uint64(done)
		page, ok := m.pages[cur/pageSize]
		if !ok {
			return fmt.Errorf("%w at 0x%X", ErrUnmapped, cur)
		}
		done += copy(buf[done:], page[cur%pageSize:])
	}
	return nil
}

// WriteValue stores v in little-endian encoding.
func (m *Memory) WriteValue(addr memory.Address, v any) {
	buf := make([]byte, binary.Size(v))
	if _, err := binary.Encode(buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("fakemem: encode %T: %v", v, err))
	}
	m.Write(addr, buf)
}

// PutPointer stores p as a 64-bit pointer.
func (m *Memory) PutPointer(addr, p memory.Address) {
	m.WriteValue(addr, uint64(p))
}

// PutInt32 stores v as a little-endian int32.
func (m *Memory) PutInt32(addr memory.Address, v int32) {
	m.WriteValue(addr, v)
}

// PutFloat32s stores consecutive little-endian float32 values.
func (m *Memory) PutFloat32s(addr memory.Address, vs ...float32) {
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	m.Write(addr, buf)
}

// PutCString stores s followed by a NUL byte.
func (m *Memory) PutCString(addr memory.Address, s string) {
	m.Write(addr, append([]byte(s), 0))
}

// PutUTF16 stores s as little-endian UTF-16 code units without terminator.
func (m *Memory) PutUTF16(addr memory.Address, s string) {
	var buf []byte
	for _, r := range s {
		if r > 0xFFFF {
			r1, r2 := utf16Surrogates(r)
			buf = binary.LittleEndian.AppendUint16(buf, r1)
			buf = binary.LittleEndian.AppendUint16(buf, r2)
			continue
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(r))
	}
	m.Write(addr, buf)
}

func utf16Surrogates(r rune) (uint16, uint16) {
	r -= 0x10000
	return uint16(0xD800 + (r>>10)&0x3FF), uint16(0xDC00 + r&0x3FF)
}

// AddProcess registers a process name for FindProcess.
func (m *Memory) AddProcess(name string, pid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[name] = pid
}

// RemoveProcess forgets a process name.
func (m *Memory) RemoveProcess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processes, name)
}

// AddModule registers a module base for ModuleBase.
func (m *Memory) AddModule(pid uint32, module string, base memory.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[moduleKey(pid, module)] = base
}

func moduleKey(pid uint32, module string) string {
	return fmt.Sprintf("%d/%s", pid, module)
}

// FindProcess implements memory.Locator.
func (m *Memory) FindProcess(name string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid, ok := m.processes[name]
	if !ok {
		return 0, fmt.Errorf("%w: process %q", memory.ErrProcessUnavailable, name)
	}
	return pid, nil
}

// ModuleBase implements memory.Locator.
func (m *Memory) ModuleBase(pid uint32, module string) (memory.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, ok := m.modules[moduleKey(pid, module)]
	if !ok {
		return 0, fmt.Errorf("%w: module %q in pid %d", memory.ErrProcessUnavailable, module, pid)
	}
	return base, nil
}

// Attach implements memory.Attacher. The image itself is the transport.
func (m *Memory) Attach(pid uint32) (memory.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.processes {
		if p == pid {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: pid %d", memory.ErrProcessUnavailable, pid)
}

// MaxTransferSize implements memory.Provider.
func (m *Memory) MaxTransferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTransfer
}

// ReadMemory implements memory.Provider.
func (m *Memory) ReadMemory(addr memory.Address, buf []byte, cached bool) error {
	m.mu.Lock()
	m.readCalls++
	call := m.readCalls
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(call, addr, len(buf))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transportErr != nil {
		return m.transportErr
	}
	if len(buf) > m.maxTransfer {
		return fmt.Errorf("transfer of %d bytes exceeds %d", len(buf), m.maxTransfer)
	}
	return m.read(addr, buf)
}

// ReadScatter implements memory.Provider.
func (m *Memory) ReadScatter(entries []memory.ScatterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scatterCalls++
	m.scatterSizes = append(m.scatterSizes, len(entries))
	if m.transportErr != nil {
		return m.transportErr
	}
	for i := range entries {
		e := &entries[i]
		e.OK = len(e.Buf) <= m.maxTransfer && m.read(e.Addr, e.Buf) == nil
	}
	return nil
}

var (
	_ memory.Provider = (*Memory)(nil)
	_ memory.Locator  = (*Memory)(nil)
)
