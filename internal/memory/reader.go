package memory

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DefaultMaxReadSize caps a single transfer when the provider reports no limit.
const DefaultMaxReadSize = 16 << 20

// ErrInvalidPointer is returned when a read succeeds but the value read is
// not a plausible address.
var ErrInvalidPointer = fmt.Errorf("%w: dereferenced value", ErrInvalidAddress)

// Reader performs validated reads against a Provider.
type Reader struct {
	p       Provider
	valid   AddressRange
	maxSize int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithAddressRange overrides DefaultUserRange.
func WithAddressRange(rng AddressRange) ReaderOption {
	return func(r *Reader) {
		r.valid = rng
	}
}

// WithMaxReadSize lowers the per-call ceiling below the provider's own limit.
func WithMaxReadSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 && (r.maxSize <= 0 || n < r.maxSize) {
			r.maxSize = n
		}
	}
}

// NewReader wraps p.
func NewReader(p Provider, opts ...ReaderOption) *Reader {
	r := &Reader{
		p:       p,
		valid:   DefaultUserRange,
		maxSize: p.MaxTransferSize(),
	}
	if r.maxSize <= 0 {
		r.maxSize = DefaultMaxReadSize
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Provider returns the underlying transport.
func (r *Reader) Provider() Provider {
	return r.p
}

// Range returns the address range used for validation.
func (r *Reader) Range() AddressRange {
	return r.valid
}

// MaxReadSize returns the per-call transfer ceiling.
func (r *Reader) MaxReadSize() int {
	return r.maxSize
}

// Valid reports whether addr passes validation.
func (r *Reader) Valid(addr Address) bool {
	return r.valid.Valid(addr)
}

// Check performs the pre-flight validation every read goes through.
func (r *Reader) Check(addr Address, n int) error {
	if !r.valid.ValidSpan(addr, n) {
		return fmt.Errorf("%w: %s (+%d)", ErrInvalidAddress, addr, n)
	}
	if n > r.maxSize {
		return fmt.Errorf("%w: %d bytes at %s exceeds transfer ceiling %d", ErrReadFailed, n, addr, r.maxSize)
	}
	return nil
}

func (r *Reader) read(addr Address, buf []byte, cached bool) error {
	if err := r.p.ReadMemory(addr, buf, cached); err != nil {
		return fmt.Errorf("%w at %s (%d bytes): %w", ErrReadFailed, addr, len(buf), err)
	}
	return nil
}

// ReadInto fills buf from addr.
func (r *Reader) ReadInto(addr Address, buf []byte, cached bool) error {
	if err := r.Check(addr, len(buf)); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	return r.read(addr, buf, cached)
}

// ReadBytes reads n bytes at addr.
func (r *Reader) ReadBytes(addr Address, n int, cached bool) ([]byte, error) {
	if err := r.Check(addr, n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := r.read(addr, buf, cached); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadBytesVerified reads n bytes three times without the cache and returns
// the first read only if all three are byte-for-byte identical.
func (r *Reader) ReadBytesVerified(addr Address, n int) ([]byte, error) {
	if err := r.Check(addr, n); err != nil {
		return nil, err
	}
	first := make([]byte, n)
	if n == 0 {
		return first, nil
	}
	if err := r.read(addr, first, false); err != nil {
		return nil, err
	}
	next := make([]byte, n)
	for i := 0; i < 2; i++ {
		if err := r.read(addr, next, false); err != nil {
			return nil, err
		}
		if !bytes.Equal(first, next) {
			return nil, fmt.Errorf("%w at %s (%d bytes)", ErrConsistencyFailed, addr, n)
		}
	}
	return first, nil
}

// ReadPointer reads a pointer at addr and validates the value read.
func (r *Reader) ReadPointer(addr Address, cached bool) (Address, error) {
	v, err := ReadValue[uint64](r, addr, cached)
	if err != nil {
		return 0, err
	}
	p := Address(v)
	if !r.valid.Valid(p) {
		return 0, fmt.Errorf("%w: %s at %s", ErrInvalidPointer, p, addr)
	}
	return p, nil
}

// ReadPointerVerified is ReadPointer through a verified read.
func (r *Reader) ReadPointerVerified(addr Address) (Address, error) {
	v, err := ReadValueVerified[uint64](r, addr)
	if err != nil {
		return 0, err
	}
	p := Address(v)
	if !r.valid.Valid(p) {
		return 0, fmt.Errorf("%w: %s at %s", ErrInvalidPointer, p, addr)
	}
	return p, nil
}

// ReadPointerChain dereferences addr+offsets[0], then the result+offsets[1],
// and so on, returning the final pointer.
func (r *Reader) ReadPointerChain(addr Address, offsets ...uint32) (Address, error) {
	cur := addr
	for i, off := range offsets {
		next, err := r.ReadPointer(cur.Add(uint64(off)), false)
		if err != nil {
			return 0, fmt.Errorf("pointer chain hop %d: %w", i, err)
		}
		cur = next
	}
	return cur, nil
}

// SizeOf returns the encoded size of T, or an error if T has no fixed size.
func SizeOf[T any]() (int, error) {
	var zero T
	n := binary.Size(zero)
	if n <= 0 {
		return 0, fmt.Errorf("%w: %T has no fixed size", ErrReadFailed, zero)
	}
	return n, nil
}

// Decode materializes a T from the little-endian bytes in buf.
func Decode[T any](buf []byte) (T, error) {
	var v T
	if _, err := binary.Decode(buf, binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// DecodeSlice fills dst from the little-endian bytes in buf.
func DecodeSlice[T any](buf []byte, dst []T) error {
	if len(dst) == 0 {
		return nil
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, dst); err != nil {
		return fmt.Errorf("decode []%T: %w", dst[0], err)
	}
	return nil
}

// ReadValue reads a fixed-size T at addr.
func ReadValue[T any](r *Reader, addr Address, cached bool) (T, error) {
	var zero T
	n, err := SizeOf[T]()
	if err != nil {
		return zero, err
	}
	buf, err := r.ReadBytes(addr, n, cached)
	if err != nil {
		return zero, err
	}
	return Decode[T](buf)
}

// ReadValueVerified reads a fixed-size T at addr through a verified read.
func ReadValueVerified[T any](r *Reader, addr Address) (T, error) {
	var zero T
	n, err := SizeOf[T]()
	if err != nil {
		return zero, err
	}
	buf, err := r.ReadBytesVerified(addr, n)
	if err != nil {
		return zero, err
	}
	return Decode[T](buf)
}

// ReadSpan fills dst with len(dst) consecutive values starting at addr.
func ReadSpan[T any](r *Reader, addr Address, dst []T, cached bool) error {
	buf, err := readSpanBytes[T](r, addr, len(dst), cached, false)
	if err != nil {
		return err
	}
	return DecodeSlice(buf, dst)
}

// ReadSpanVerified is ReadSpan through a verified read.
func ReadSpanVerified[T any](r *Reader, addr Address, dst []T) error {
	buf, err := readSpanBytes[T](r, addr, len(dst), false, true)
	if err != nil {
		return err
	}
	return DecodeSlice(buf, dst)
}

// ReadArray reads count consecutive values starting at addr.
func ReadArray[T any](r *Reader, addr Address, count int, cached bool) ([]T, error) {
	if err := checkSpan[T](r, addr, count); err != nil {
		return nil, err
	}
	out := make([]T, count)
	if err := ReadSpan(r, addr, out, cached); err != nil {
		return nil, err
	}
	return out, nil
}

func readSpanBytes[T any](r *Reader, addr Address, count int, cached, verified bool) ([]byte, error) {
	if err := checkSpan[T](r, addr, count); err != nil {
		return nil, err
	}
	size, _ := SizeOf[T]()
	if verified {
		return r.ReadBytesVerified(addr, count*size)
	}
	return r.ReadBytes(addr, count*size, cached)
}

// checkSpan validates a read of count values of T at addr before anything
// is allocated. The address is checked first.
func checkSpan[T any](r *Reader, addr Address, count int) error {
	size, err := SizeOf[T]()
	if err != nil {
		return err
	}
	if !r.valid.Valid(addr) {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	if count < 0 {
		return fmt.Errorf("%w: negative element count %d at %s", ErrCorruptStructure, count, addr)
	}
	if count > r.maxSize/size {
		return fmt.Errorf("%w: %d elements of %d bytes at %s exceeds transfer ceiling %d", ErrReadFailed, count, size, addr, r.maxSize)
	}
	return nil
}
