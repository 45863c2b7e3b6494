package scatter

import (
	"encoding/binary"

	"github.com/memsync/memsync/internal/memory"
)

// Value reads a fixed-size T at addr and passes it to fn.
func Value[T any](addr memory.Address, cached bool, fn func(T) []Request) Request {
	n, err := memory.SizeOf[T]()
	if err != nil {
		return Request{Addr: addr}
	}
	return Request{
		Addr:   addr,
		Size:   n,
		Cached: cached,
		Then: func(data []byte) []Request {
			v, err := memory.Decode[T](data)
			if err != nil {
				return nil
			}
			return fn(v)
		},
	}
}

// Span reads count consecutive T values at addr.
func Span[T any](addr memory.Address, count int, cached bool, fn func([]T) []Request) Request {
	n, err := memory.SizeOf[T]()
	if err != nil || count <= 0 {
		return Request{Addr: addr}
	}
	return Request{
		Addr:   addr,
		Size:   n * count,
		Cached: cached,
		Then: func(data []byte) []Request {
			out := make([]T, count)
			if err := memory.DecodeSlice(data, out); err != nil {
				return nil
			}
			return fn(out)
		},
	}
}

// Pointer reads a pointer at addr. Null pointers end the chain. Any other
// value is passed to fn unvalidated: fn may only use it to build follow-up
// requests, which the batch validates before issuing, and must not keep it
// as a trusted address.
func Pointer(addr memory.Address, cached bool, fn func(memory.Address) []Request) Request {
	return Request{
		Addr:   addr,
		Size:   8,
		Cached: cached,
		Then: func(data []byte) []Request {
			p := memory.Address(binary.LittleEndian.Uint64(data))
			if p.IsZero() {
				return nil
			}
			return fn(p)
		},
	}
}

// String reads up to maxLen code units at addr and decodes them.
func String(addr memory.Address, maxLen int, enc memory.Encoding, fn func(string) []Request) Request {
	unit := 1
	if enc == memory.UTF16 {
		unit = 2
	}
	return Request{
		Addr: addr,
		Size: maxLen * unit,
		Then: func(data []byte) []Request {
			s, err := memory.DecodeString(data, enc)
			if err != nil {
				return nil
			}
			return fn(s)
		},
	}
}

// ManagedString reads a runtime string object at addr in one request,
// truncating it to maxLen characters.
func ManagedString(addr memory.Address, maxLen int, lay memory.StringLayout, fn func(string) []Request) Request {
	return Request{
		Addr: addr,
		Size: int(lay.CharsOffset) + 2*maxLen,
		Then: func(data []byte) []Request {
			s, err := memory.DecodeManagedString(data, maxLen, lay)
			if err != nil {
				return nil
			}
			return fn(s)
		},
	}
}

// Chain follows pointers through offsets, one hop per round: the pointer at
// addr+offsets[0] is read, then the pointer at that value+offsets[1], and
// so on. fn receives the final pointer. With no offsets fn runs immediately.
func Chain(addr memory.Address, offsets []uint32, fn func(memory.Address) []Request) []Request {
	if len(offsets) == 0 {
		return fn(addr)
	}
	return []Request{
		Pointer(addr.Add(uint64(offsets[0])), false, func(p memory.Address) []Request {
			return Chain(p, offsets[1:], fn)
		}),
	}
}

// Done is a continuation that issues nothing further.
func Done[T any](fn func(T)) func(T) []Request {
	return func(v T) []Request {
		fn(v)
		return nil
	}
}
