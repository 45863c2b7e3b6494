package memory

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Record is a remote struct read as raw bytes. Fields are decoded by offset
// from a layout table; every accessor is bounds-checked.
type Record struct {
	Base Address
	Data []byte
	// rng validates pointer fields. Zero means DefaultUserRange.
	rng AddressRange
}

// ReadRecord reads size bytes at addr as a Record.
func (r *Reader) ReadRecord(addr Address, size int, cached bool) (Record, error) {
	buf, err := r.ReadBytes(addr, size, cached)
	if err != nil {
		return Record{}, err
	}
	return Record{Base: addr, Data: buf, rng: r.valid}, nil
}

// NewRecord wraps bytes already read from addr.
func NewRecord(addr Address, data []byte, rng AddressRange) Record {
	return Record{Base: addr, Data: data, rng: rng}
}

func (rec Record) field(off uint32, size int) ([]byte, error) {
	end := uint64(off) + uint64(size)
	if end > uint64(len(rec.Data)) {
		return nil, fmt.Errorf("%w: field [0x%X,+%d) outside %d byte record at %s",
			ErrCorruptStructure, off, size, len(rec.Data), rec.Base)
	}
	return rec.Data[off:end], nil
}

// Uint8 decodes a byte at off.
func (rec Record) Uint8(off uint32) (uint8, error) {
	b, err := rec.field(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool decodes a one-byte boolean at off.
func (rec Record) Bool(off uint32) (bool, error) {
	v, err := rec.Uint8(off)
	return v != 0, err
}

// Int32 decodes a little-endian int32 at off.
func (rec Record) Int32(off uint32) (int32, error) {
	v, err := rec.Uint32(off)
	return int32(v), err
}

// Uint32 decodes a little-endian uint32 at off.
func (rec Record) Uint32(off uint32) (uint32, error) {
	b, err := rec.field(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 decodes a little-endian uint64 at off.
func (rec Record) Uint64(off uint32) (uint64, error) {
	b, err := rec.field(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Float32 decodes a little-endian float32 at off.
func (rec Record) Float32(off uint32) (float32, error) {
	v, err := rec.Uint32(off)
	return math.Float32frombits(v), err
}

// RawPointer decodes a pointer at off without validating it. Null pointers
// are common in runtime metadata, so callers decide what zero means.
func (rec Record) RawPointer(off uint32) (Address, error) {
	v, err := rec.Uint64(off)
	return Address(v), err
}

// Pointer decodes a pointer at off and validates it.
func (rec Record) Pointer(off uint32) (Address, error) {
	p, err := rec.RawPointer(off)
	if err != nil {
		return 0, err
	}
	rng := rec.rng
	if rng == (AddressRange{}) {
		rng = DefaultUserRange
	}
	if !rng.Valid(p) {
		return 0, fmt.Errorf("%w: %s at %s+0x%X", ErrInvalidPointer, p, rec.Base, off)
	}
	return p, nil
}

// Bytes returns n raw bytes at off.
func (rec Record) Bytes(off uint32, n int) ([]byte, error) {
	return rec.field(off, n)
}
