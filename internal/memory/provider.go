package memory

// ScatterEntry is one read of a scatter transfer. The transport fills Buf
// and sets OK for every entry it could read.
type ScatterEntry struct {
	Addr   Address
	Buf    []byte
	Cached bool
	OK     bool
}

// Provider is the transport to the remote process.
type Provider interface {
	// ReadMemory fills buf with the bytes at addr. A partial read is a failure.
	ReadMemory(addr Address, buf []byte, cached bool) error

	// ReadScatter performs every entry in one round trip. The returned error
	// is reserved for transport-level failures; individual misses only leave
	// the entry's OK flag unset.
	ReadScatter(entries []ScatterEntry) error

	// MaxTransferSize is the largest single read the transport accepts.
	MaxTransferSize() int
}

// Locator resolves processes and their modules.
type Locator interface {
	FindProcess(name string) (uint32, error)
	ModuleBase(pid uint32, module string) (Address, error)
}

// Attacher locates processes and opens a transport to one of them.
type Attacher interface {
	Locator
	Attach(pid uint32) (Provider, error)
}
