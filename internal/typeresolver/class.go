package typeresolver

import (
	"errors"
	"fmt"

	"github.com/memsync/memsync/internal/memory"
)

// maxParentDepth bounds the walk up a class's inheritance chain.
const maxParentDepth = 32

// Class is a decoded class descriptor.
type Class struct {
	Addr        memory.Address
	Name        string
	Namespace   string
	Parent      memory.Address
	Flags       uint32
	Kind        uint8
	RuntimeInfo memory.Address
	VTableSize  int32

	fields      memory.Address
	fieldCount  int32
	methods     memory.Address
	methodCount int32
}

// FullName returns Namespace.Name, or Name for the global namespace.
func (c Class) FullName() string {
	if c.Namespace == "" {
		return c.Name
	}
	return c.Namespace + "." + c.Name
}

// Field is a field descriptor. Offset is relative to the object base for
// instance fields and to the static storage for static ones.
type Field struct {
	Name   string
	Offset int32
}

// Method is a method descriptor.
type Method struct {
	Name string
	Addr memory.Address
}

func (s *Resolver) readName(rec memory.Record, off uint32) (string, error) {
	p, err := rec.RawPointer(off)
	if err != nil || p.IsZero() {
		return "", err
	}
	return s.r.ReadString(p, s.lay.MaxNameLength, memory.UTF8, true)
}

// ReadClass decodes the class descriptor at addr.
func (s *Resolver) ReadClass(addr memory.Address) (Class, error) {
	lay := s.lay.Class
	rec, err := s.r.ReadRecord(addr, lay.Size, true)
	if err != nil {
		return Class{}, fmt.Errorf("read class %s: %w", addr, err)
	}

	c := Class{Addr: addr}
	if c.Name, err = s.readName(rec, lay.Name); err != nil {
		return Class{}, fmt.Errorf("class %s name: %w", addr, err)
	}
	if c.Namespace, err = s.readName(rec, lay.Namespace); err != nil {
		return Class{}, fmt.Errorf("class %s namespace: %w", addr, err)
	}

	fields := []struct {
		dst *int32
		off uint32
	}{
		{&c.VTableSize, lay.VTableSize},
		{&c.fieldCount, lay.FieldCount},
		{&c.methodCount, lay.MethodCount},
	}
	for _, f := range fields {
		if *f.dst, err = rec.Int32(f.off); err != nil {
			return Class{}, err
		}
	}
	if c.Flags, err = rec.Uint32(lay.Flags); err != nil {
		return Class{}, err
	}
	if c.Kind, err = rec.Uint8(lay.Kind); err != nil {
		return Class{}, err
	}
	c.Kind &= lay.KindMask
	if c.Parent, err = rec.RawPointer(lay.Parent); err != nil {
		return Class{}, err
	}
	if c.RuntimeInfo, err = rec.RawPointer(lay.RuntimeInfo); err != nil {
		return Class{}, err
	}
	if c.fields, err = rec.RawPointer(lay.Fields); err != nil {
		return Class{}, err
	}
	if c.methods, err = rec.RawPointer(lay.Methods); err != nil {
		return Class{}, err
	}
	return c, nil
}

func (s *Resolver) checkCount(c Class, what string, n int32) error {
	if n < 0 || int(n) > s.lay.Class.MaxMembers {
		return fmt.Errorf("%w: class %s has %d %s", memory.ErrCorruptStructure, c.FullName(), n, what)
	}
	return nil
}

// FindField searches c and then its ancestors for a field named name.
func (s *Resolver) FindField(c Class, name string) (Field, error) {
	for depth := 0; depth < maxParentDepth; depth++ {
		f, err := s.findOwnField(c, name)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, memory.ErrNotFound) {
			return Field{}, err
		}
		if !s.r.Valid(c.Parent) {
			break
		}
		if c, err = s.ReadClass(c.Parent); err != nil {
			return Field{}, err
		}
	}
	return Field{}, fmt.Errorf("field %q: %w", name, memory.ErrNotFound)
}

func (s *Resolver) findOwnField(c Class, name string) (Field, error) {
	if err := s.checkCount(c, "fields", c.fieldCount); err != nil {
		return Field{}, err
	}
	if c.fieldCount == 0 || !s.r.Valid(c.fields) {
		return Field{}, memory.ErrNotFound
	}
	lay := s.lay.Field
	stride := int(lay.Stride)
	buf, err := s.r.ReadBytes(c.fields, stride*int(c.fieldCount), true)
	if err != nil {
		return Field{}, fmt.Errorf("class %s fields: %w", c.FullName(), err)
	}
	for i := 0; i < int(c.fieldCount); i++ {
		at := c.fields.Add(uint64(i * stride))
		rec := memory.NewRecord(at, buf[i*stride:(i+1)*stride], s.r.Range())
		fname, err := s.readName(rec, lay.Name)
		if err != nil || fname != name {
			continue
		}
		off, err := rec.Int32(lay.Offset)
		if err != nil {
			return Field{}, err
		}
		return Field{Name: fname, Offset: off}, nil
	}
	return Field{}, memory.ErrNotFound
}

// FindMethod searches c's own method table for name.
func (s *Resolver) FindMethod(c Class, name string) (Method, error) {
	if err := s.checkCount(c, "methods", c.methodCount); err != nil {
		return Method{}, err
	}
	if c.methodCount > 0 && s.r.Valid(c.methods) {
		ptrs, err := memory.ReadArray[uint64](s.r, c.methods, int(c.methodCount), true)
		if err != nil {
			return Method{}, fmt.Errorf("class %s methods: %w", c.FullName(), err)
		}
		for _, p := range s.r.FilterValid(ptrs) {
			namePtr, err := s.r.ReadPointer(p.Add(uint64(s.lay.Method.Name)), true)
			if err != nil {
				continue
			}
			mname, err := s.r.ReadString(namePtr, s.lay.MaxNameLength, memory.UTF8, true)
			if err == nil && mname == name {
				return Method{Name: mname, Addr: p}, nil
			}
		}
	}
	return Method{}, fmt.Errorf("method %q in %s: %w", name, c.FullName(), memory.ErrNotFound)
}
