// Package memory provides validated, typed reads of a remote process's
// virtual memory through a pluggable transport.
package memory

import "fmt"

// Address is a virtual address in the remote process.
type Address uint64

// String formats the address as hex.
func (a Address) String() string {
	return fmt.Sprintf("0x%X", uint64(a))
}

// Add returns a+off.
func (a Address) Add(off uint64) Address {
	return a + Address(off)
}

// IsZero reports whether the address is null.
func (a Address) IsZero() bool {
	return a == 0
}

// AddressRange bounds the addresses considered plausible user-space pointers.
// Both ends are inclusive.
type AddressRange struct {
	Min Address
	Max Address
}

// DefaultUserRange excludes the low guard pages and the kernel half of a
// 64-bit address space.
var DefaultUserRange = AddressRange{
	Min: 0x10000,
	Max: 0x7FFF_FFFF_FFFF,
}

// Valid reports whether a lies within the range.
func (r AddressRange) Valid(a Address) bool {
	return a >= r.Min && a <= r.Max
}

// ValidSpan reports whether every byte of [a, a+n) lies within the range.
func (r AddressRange) ValidSpan(a Address, n int) bool {
	if n < 0 || !r.Valid(a) {
		return false
	}
	if n == 0 {
		return true
	}
	last := a + Address(n-1)
	if last < a {
		// overflow
		return false
	}
	return r.Valid(last)
}

// IsValid checks a against DefaultUserRange.
func IsValid(a Address) bool {
	return DefaultUserRange.Valid(a)
}
