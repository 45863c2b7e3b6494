package memory

import "fmt"

// ListLayout describes a runtime List<T> of references: a pointer to the
// backing array, an int32 element count, and the offset of the first
// element inside the array object.
type ListLayout struct {
	ItemsOffset uint32 `yaml:"itemsOffset" json:"itemsOffset"`
	SizeOffset  uint32 `yaml:"sizeOffset" json:"sizeOffset"`
	DataOffset  uint32 `yaml:"dataOffset" json:"dataOffset"`
}

// HeaderSize is the number of bytes needed to decode a list header.
func (l ListLayout) HeaderSize() int {
	end := l.ItemsOffset + 8
	if s := l.SizeOffset + 4; s > end {
		end = s
	}
	return int(end)
}

// DecodeListHeader extracts the backing array and count from a list header.
// Counts outside [0, max] are reported as ErrCorruptStructure.
func DecodeListHeader(rec Record, lay ListLayout, max int) (items Address, count int, err error) {
	n, err := rec.Int32(lay.SizeOffset)
	if err != nil {
		return 0, 0, err
	}
	if n < 0 || int(n) > max {
		return 0, 0, fmt.Errorf("%w: list count %d at %s (max %d)", ErrCorruptStructure, n, rec.Base, max)
	}
	if n == 0 {
		return 0, 0, nil
	}
	items, err = rec.Pointer(lay.ItemsOffset)
	if err != nil {
		return 0, 0, err
	}
	return items, int(n), nil
}

// ReadList reads the element pointers of a runtime list at addr. Null and
// invalid elements are skipped.
func (r *Reader) ReadList(addr Address, lay ListLayout, max int) ([]Address, error) {
	rec, err := r.ReadRecord(addr, lay.HeaderSize(), false)
	if err != nil {
		return nil, err
	}
	items, count, err := DecodeListHeader(rec, lay, max)
	if err != nil || count == 0 {
		return nil, err
	}
	raw, err := ReadArray[uint64](r, items.Add(uint64(lay.DataOffset)), count, false)
	if err != nil {
		return nil, err
	}
	return r.FilterValid(raw), nil
}

// FilterValid converts raw pointer values to addresses, dropping those that
// fail validation.
func (r *Reader) FilterValid(raw []uint64) []Address {
	out := make([]Address, 0, len(raw))
	for _, v := range raw {
		if a := Address(v); r.valid.Valid(a) {
			out = append(out, a)
		}
	}
	return out
}
