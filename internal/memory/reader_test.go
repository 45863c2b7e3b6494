package memory_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/memory/fakemem"
)

type vec3 struct {
	X, Y, Z float32
}

func TestReader_InvalidAddressSkipsTransport(t *testing.T) {
	mem := fakemem.New()
	r := memory.NewReader(mem)

	invalid := []memory.Address{0, 0x100, 0xFFFF_8000_0000_0000}
	for _, addr := range invalid {
		_, err := r.ReadBytes(addr, 8, false)
		assert.ErrorIs(t, err, memory.ErrInvalidAddress)

		_, err = r.ReadBytesVerified(addr, 8)
		assert.ErrorIs(t, err, memory.ErrInvalidAddress)

		_, err = memory.ReadValue[uint32](r, addr, true)
		assert.ErrorIs(t, err, memory.ErrInvalidAddress)

		_, err = r.ReadString(addr, 16, memory.UTF8, false)
		assert.ErrorIs(t, err, memory.ErrInvalidAddress)
	}

	reads, scatters := mem.Calls()
	assert.Zero(t, reads, "no transport call may be made for an invalid address")
	assert.Zero(t, scatters)
}

func TestReader_SizeAboveCeiling(t *testing.T) {
	mem := fakemem.New()
	mem.SetMaxTransferSize(64)
	r := memory.NewReader(mem)
	addr := mem.Alloc(128)

	_, err := r.ReadBytes(addr, 65, false)
	require.ErrorIs(t, err, memory.ErrReadFailed)

	_, err = memory.ReadArray[uint64](r, addr, 9, false)
	require.ErrorIs(t, err, memory.ErrReadFailed)

	reads, _ := mem.Calls()
	assert.Zero(t, reads)

	_, err = r.ReadBytes(addr, 64, false)
	assert.NoError(t, err)
}

func TestReadArray_HugeCountIsRejectedBeforeAllocating(t *testing.T) {
	mem := fakemem.New()
	r := memory.NewReader(mem)
	addr := mem.Alloc(64)

	_, err := memory.ReadArray[uint64](r, addr, 1<<62, false)
	require.ErrorIs(t, err, memory.ErrReadFailed)

	_, err = memory.ReadArray[uint64](r, addr, -1, false)
	require.ErrorIs(t, err, memory.ErrCorruptStructure)

	reads, _ := mem.Calls()
	assert.Zero(t, reads)
}

func TestReadSpan_InvalidAddressBeatsCeiling(t *testing.T) {
	mem := fakemem.New()
	r := memory.NewReader(mem)
	oversized := make([]uint64, r.MaxReadSize()/8+1)

	err := memory.ReadSpan(r, 0x8, oversized, false)
	assert.ErrorIs(t, err, memory.ErrInvalidAddress)

	_, err = memory.ReadArray[uint64](r, 0x8, len(oversized), false)
	assert.ErrorIs(t, err, memory.ErrInvalidAddress)

	err = memory.ReadSpanVerified(r, 0x8, oversized)
	assert.ErrorIs(t, err, memory.ErrInvalidAddress)

	reads, _ := mem.Calls()
	assert.Zero(t, reads)
}

func TestReader_ReadValue(t *testing.T) {
	mem := fakemem.New()
	r := memory.NewReader(mem)
	addr := mem.Alloc(32)
	mem.WriteValue(addr, vec3{1.5, -2, 300})
	mem.PutInt32(addr.Add(12), -7)

	v, err := memory.ReadValue[vec3](r, addr, true)
	require.NoError(t, err)
	assert.Equal(t, vec3{1.5, -2, 300}, v)

	i, err := memory.ReadValue[int32](r, addr.Add(12), false)
	require.NoError(t, err)
	assert.Equal(t, int32(-7), i)
}

func TestReader_UnmappedIsReadFailed(t *testing.T) {
	mem := fakemem.New()
	r := memory.NewReader(mem)

	_, err := r.ReadBytes(0x5000_0000, 8, false)
	require.ErrorIs(t, err, memory.ErrReadFailed)
	assert.ErrorIs(t, err, fakemem.ErrUnmapped)
}

func TestReader_TransportErrorIsWrapped(t *testing.T) {
	mem := fakemem.New()
	r := memory.NewReader(mem)
	addr := mem.Alloc(8)

	mem.SetTransportError(memory.ErrProcessUnavailable)
	_, err := r.ReadPointer(addr, false)
	require.ErrorIs(t, err, memory.ErrReadFailed)
	assert.ErrorIs(t, err, memory.ErrProcessUnavailable)
	assert.True(t, memory.IsFatal(err))
}

func TestReader_ReadBytesVerified_Stable(t *testing.T) {
	mem := fakemem.New()
	r := memory.NewReader(mem)
	addr := mem.Alloc(16)
	mem.Write(addr, []byte{1, 2, 3, 4})

	got, err := r.ReadBytesVerified(addr, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	reads, _ := mem.Calls()
	assert.Equal(t, 3, reads, "verified read performs exactly three reads")
}

func TestReader_ReadBytesVerified_Mismatch(t *testing.T) {
	for flip := 1; flip <= 3; flip++ {
		mem := fakemem.New()
		r := memory.NewReader(mem)
		addr := mem.Alloc(8)
		mem.PutPointer(addr, 0x2000_0000)

		mem.SetReadHook(func(call int, _ memory.Address, _ int) {
			if call == flip {
				mem.PutPointer(addr, 0x3000_0000)
			}
		})

		_, err := r.ReadPointerVerified(addr)
		if flip == 1 {
			// The value changed before the first read, so all three agree.
			require.NoError(t, err)
			continue
		}
		assert.ErrorIs(t, err, memory.ErrConsistencyFailed, "mutation before read %d", flip)
	}
}

func TestReader_ReadBytesVerified_NoRetry(t *testing.T) {
	mem := fakemem.New()
	r := memory.NewReader(mem)
	addr := mem.Alloc(4)

	var n uint32
	mem.SetReadHook(func(int, memory.Address, int) {
		n++
		mem.WriteValue(addr, n)
	})

	_, err := memory.ReadValueVerified[uint32](r, addr)
	require.ErrorIs(t, err, memory.ErrConsistencyFailed)

	reads, _ := mem.Calls()
	assert.Equal(t, 2, reads, "the mismatch is reported on the first disagreeing read")
}

func TestReader_ReadPointer(t *testing.T) {
	mem := fakemem.New()
	r := memory.NewReader(mem)
	slot := mem.Alloc(24)
	mem.PutPointer(slot, 0x4000_0000)
	mem.PutPointer(slot.Add(8), 0x8)
	mem.PutPointer(slot.Add(16), 0)

	p, err := r.ReadPointer(slot, false)
	require.NoError(t, err)
	assert.Equal(t, memory.Address(0x4000_0000), p)

	_, err = r.ReadPointer(slot.Add(8), false)
	assert.ErrorIs(t, err, memory.ErrInvalidPointer)
	assert.ErrorIs(t, err, memory.ErrInvalidAddress)

	_, err = r.ReadPointer(slot.Add(16), false)
	assert.ErrorIs(t, err, memory.ErrInvalidAddress)
}

func TestReader_ReadPointerChain(t *testing.T) {
	mem := fakemem.New()
	r := memory.NewReader(mem)

	a := mem.Alloc(0x40)
	b := mem.Alloc(0x40)
	c := mem.Alloc(0x40)
	mem.PutPointer(a.Add(0x10), b)
	mem.PutPointer(b.Add(0x28), c)

	got, err := r.ReadPointerChain(a, 0x10, 0x28)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = r.ReadPointerChain(a, 0x10, 0x30)
	assert.ErrorIs(t, err, memory.ErrInvalidAddress)

	got, err = r.ReadPointerChain(a)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestReadSpan_FillsCallerStorage(t *testing.T) {
	mem := fakemem.New()
	r := memory.NewReader(mem)
	addr := mem.Alloc(16)
	mem.PutFloat32s(addr, 1, 2, 3, 4)

	dst := make([]float32, 4)
	require.NoError(t, memory.ReadSpan(r, addr, dst, true))
	assert.Equal(t, []float32{1, 2, 3, 4}, dst)

	require.NoError(t, memory.ReadSpanVerified(r, addr, dst[:2]))
	assert.Equal(t, []float32{1, 2}, dst[:2])

	empty, err := memory.ReadArray[float32](r, addr, 0, false)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = memory.ReadArray[float32](r, addr, -1, false)
	assert.ErrorIs(t, err, memory.ErrCorruptStructure)
}

func TestSizeOf_RejectsVariableTypes(t *testing.T) {
	_, err := memory.SizeOf[[]int32]()
	assert.Error(t, err)

	n, err := memory.SizeOf[vec3]()
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestReader_WithAddressRange(t *testing.T) {
	mem := fakemem.New()
	addr := mem.Alloc(8)
	r := memory.NewReader(mem, memory.WithAddressRange(memory.AddressRange{Min: addr.Add(8), Max: math.MaxInt64}))

	_, err := r.ReadBytes(addr, 8, false)
	assert.True(t, errors.Is(err, memory.ErrInvalidAddress))
	assert.False(t, r.Valid(addr))
}
