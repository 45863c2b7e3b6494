// Package fakeworld lays out synthetic runtime metadata and game objects in
// a fakemem address space, following a layout.Layout. It backs the tests
// of every package above the memory layer.
package fakeworld

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/memory/fakemem"
)

const (
	// PID is the process id registered for the synthetic process.
	PID uint32 = 4242

	// ModuleBase is where the runtime module is mapped.
	ModuleBase memory.Address = 0x7FF6_1000_0000

	objectSize  = 0x800
	bucketCount = 8
	numCaches   = 3
)

// Builder owns a synthetic process image.
type Builder struct {
	Mem        *fakemem.Memory
	Layout     *layout.Layout
	ModuleBase memory.Address

	caches  []memory.Address
	buckets []memory.Address
	heads   [][]memory.Address
	next    int
	links   map[memory.Address]memory.Address

	world      memory.Address
	worldClass memory.Address
	static     memory.Address
	lists      map[string]memory.Address
}

// New creates an empty process image for l and registers the process and
// runtime module with the fake locator.
func New(l *layout.Layout) *Builder {
	b := &Builder{
		Mem:    fakemem.New(),
		Layout: l,
		links:  make(map[memory.Address]memory.Address),
		lists:  make(map[string]memory.Address),
	}
	b.ModuleBase = ModuleBase
	b.Mem.AddProcess(l.Process, PID)
	b.Mem.AddModule(PID, l.Runtime.Module, b.ModuleBase)

	rt := l.Runtime
	table := b.ModuleBase.Add(uint64(rt.CacheTable))
	b.Mem.Write(table, make([]byte, 8*rt.CacheTableSize))
	for i := 0; i < numCaches; i++ {
		cache := b.Mem.Alloc(int(rt.CacheHashTable) + 8)
		hdr := b.Mem.Alloc(int(max(rt.HashSize+4, rt.HashEntries+4, rt.HashBuckets+8)))
		buckets := b.Mem.Alloc(8 * bucketCount)
		b.Mem.PutPointer(cache.Add(uint64(rt.CacheHashTable)), hdr)
		b.Mem.PutInt32(hdr.Add(uint64(rt.HashSize)), bucketCount)
		b.Mem.PutPointer(hdr.Add(uint64(rt.HashBuckets)), buckets)
		// Leave a null slot between caches.
		b.Mem.PutPointer(table.Add(uint64(16*i)), cache)

		b.caches = append(b.caches, cache)
		b.buckets = append(b.buckets, buckets)
		b.heads = append(b.heads, make([]memory.Address, bucketCount))
	}
	return b
}

// String allocates a NUL-terminated string with room for a full-length
// name read.
func (b *Builder) String(s string) memory.Address {
	addr := b.Mem.Alloc(max(len(s)+1, b.Layout.Runtime.MaxNameLength))
	b.Mem.PutCString(addr, s)
	return addr
}

// ManagedString allocates a runtime string object.
func (b *Builder) ManagedString(s string) memory.Address {
	lay := b.Layout.Strings
	units := len([]rune(s))
	obj := b.Mem.Alloc(int(lay.CharsOffset) + 2*units + 2)
	b.Mem.PutInt32(obj.Add(uint64(lay.LengthOffset)), int32(len([]rune(s))))
	b.Mem.PutUTF16(obj.Add(uint64(lay.CharsOffset)), s)
	return obj
}

// Object allocates a zeroed object large enough for every layout offset.
func (b *Builder) Object() memory.Address {
	return b.Mem.Alloc(objectSize)
}

// Link makes the pointer path offsets from base end at target, allocating
// intermediate objects. Intermediate objects already created by an earlier
// Link through the same slot are reused.
func (b *Builder) Link(base memory.Address, offsets []uint32, target memory.Address) {
	if len(offsets) == 0 {
		panic("fakeworld: empty pointer path")
	}
	cur := base
	for i, off := range offsets {
		slot := cur.Add(uint64(off))
		if i == len(offsets)-1 {
			b.Mem.PutPointer(slot, target)
			b.links[slot] = target
			return
		}
		obj, ok := b.links[slot]
		if !ok {
			obj = b.Object()
			b.Mem.PutPointer(slot, obj)
			b.links[slot] = obj
		}
		cur = obj
	}
}

// ClassSpec describes a synthetic class.
type ClassSpec struct {
	Name       string
	Namespace  string
	GenericArg string
	Inited     bool
	Error      bool
	Kind       uint8
	VTableSize int32
	Fields     map[string]int32
	Methods    []string
	Parent     memory.Address
}

// Class writes a class record and inserts it into the runtime's caches. It
// returns the class address and its static field storage.
func (b *Builder) Class(spec ClassSpec) (class, static memory.Address) {
	rt := b.Layout.Runtime
	cl := rt.Class

	class = b.Mem.Alloc(cl.Size)
	b.Mem.PutPointer(class.Add(uint64(cl.Name)), b.String(spec.Name))
	if spec.Namespace != "" {
		b.Mem.PutPointer(class.Add(uint64(cl.Namespace)), b.String(spec.Namespace))
	}
	b.Mem.PutPointer(class.Add(uint64(cl.Parent)), spec.Parent)

	var flags uint32
	if spec.Inited {
		flags |= cl.InitedMask
	}
	if spec.Error {
		flags |= cl.ErrorMask
	}
	b.Mem.WriteValue(class.Add(uint64(cl.Flags)), flags)
	b.Mem.Write(class.Add(uint64(cl.Kind)), []byte{spec.Kind})
	b.Mem.PutInt32(class.Add(uint64(cl.VTableSize)), spec.VTableSize)

	if spec.GenericArg != "" {
		arg := b.Mem.Alloc(cl.Size)
		b.Mem.PutPointer(arg.Add(uint64(cl.Name)), b.String(spec.GenericArg))
		b.Link(class, cl.GenericArg, arg)
	}

	info := b.Object()
	vtable := b.Mem.Alloc(int(rt.VTableHeader) + 8*int(spec.VTableSize) + 8)
	static = b.Object()
	b.Mem.PutPointer(class.Add(uint64(cl.RuntimeInfo)), info)
	b.Mem.PutPointer(info.Add(uint64(rt.DomainVTables)+8*uint64(rt.DomainID)), vtable)
	b.Mem.PutPointer(vtable.Add(uint64(rt.VTableHeader)+8*uint64(spec.VTableSize)), static)

	if len(spec.Fields) > 0 {
		f := rt.Field
		arr := b.Mem.Alloc(int(f.Stride) * len(spec.Fields))
		i := 0
		for name, off := range spec.Fields {
			at := arr.Add(uint64(i) * uint64(f.Stride))
			b.Mem.PutPointer(at.Add(uint64(f.Name)), b.String(name))
			b.Mem.PutInt32(at.Add(uint64(f.Offset)), off)
			i++
		}
		b.Mem.PutPointer(class.Add(uint64(cl.Fields)), arr)
		b.Mem.PutInt32(class.Add(uint64(cl.FieldCount)), int32(len(spec.Fields)))
	}
	if len(spec.Methods) > 0 {
		arr := b.Mem.Alloc(8 * len(spec.Methods))
		for i, name := range spec.Methods {
			m := b.Object()
			b.Mem.PutPointer(m.Add(uint64(rt.Method.Name)), b.String(name))
			b.Mem.PutPointer(arr.Add(uint64(8*i)), m)
		}
		b.Mem.PutPointer(class.Add(uint64(cl.Methods)), arr)
		b.Mem.PutInt32(class.Add(uint64(cl.MethodCount)), int32(len(spec.Methods)))
	}

	b.insert(class)
	return class, static
}

// insert chains class into the next bucket, round robin across caches.
func (b *Builder) insert(class memory.Address) {
	cache := b.next % numCaches
	bucket := (b.next / numCaches) % bucketCount
	b.next++

	head := b.heads[cache][bucket]
	b.Mem.PutPointer(class.Add(uint64(b.Layout.Runtime.Class.Next)), head)
	b.heads[cache][bucket] = class
	b.Mem.PutPointer(b.buckets[cache].Add(uint64(8*bucket)), class)
}

// Singleton registers an initialized Singleton<arg> class and returns its
// static storage.
func (b *Builder) Singleton(arg string) (class, static memory.Address) {
	return b.Class(ClassSpec{
		Name:       "Singleton`1",
		Namespace:  "Comfort.Common",
		GenericArg: arg,
		Inited:     true,
		Kind:       b.Layout.Runtime.Class.GenericInstKind,
		VTableSize: 4,
	})
}

// SetInstance stores instance in a singleton's static storage.
func (b *Builder) SetInstance(static, instance memory.Address) {
	b.Mem.PutPointer(static.Add(uint64(b.Layout.Runtime.InstanceOffset)), instance)
}

// InstanceSlot returns the address of the world singleton's instance
// pointer. Zero before World is called.
func (b *Builder) InstanceSlot() memory.Address {
	if b.static.IsZero() {
		return 0
	}
	return b.static.Add(uint64(b.Layout.Runtime.InstanceOffset))
}

// World creates the world singleton and an instance with empty entity
// collections. It returns the world instance.
func (b *Builder) World(location string) memory.Address {
	w := b.Layout.World
	if b.static.IsZero() {
		b.worldClass, b.static = b.Singleton(w.Singleton)
	}
	b.world = b.Object()
	if len(w.Location) > 0 {
		b.Link(b.world, w.Location, b.ManagedString(location))
	}
	clear(b.lists)
	for name := range w.Collections {
		b.SetCollection(name)
	}
	// Instance last: the world may be polled concurrently.
	b.SetInstance(b.static, b.world)
	return b.world
}

// EndWorld clears the singleton's instance pointer.
func (b *Builder) EndWorld() {
	b.SetInstance(b.static, 0)
	b.world = 0
}

// SetCollection rewrites a world collection with a freshly allocated
// backing array holding addrs.
func (b *Builder) SetCollection(name string, addrs ...memory.Address) {
	c, ok := b.Layout.World.Collections[name]
	if !ok {
		panic(fmt.Sprintf("fakeworld: unknown collection %q", name))
	}
	lay := b.Layout.Lists
	list, ok := b.lists[name]
	if !ok {
		list = b.Object()
		b.lists[name] = list
		b.Link(b.world, c.Path, list)
	}
	items := b.Mem.Alloc(int(lay.DataOffset) + 8*len(addrs) + 8)
	for i, a := range addrs {
		b.Mem.PutPointer(items.Add(uint64(lay.DataOffset)+uint64(8*i)), a)
	}
	b.Mem.PutPointer(list.Add(uint64(lay.ItemsOffset)), items)
	b.Mem.PutInt32(list.Add(uint64(lay.SizeOffset)), int32(len(addrs)))
}

// Vertex is one TRS node of a synthetic hierarchy.
type Vertex struct {
	T mgl32.Vec3
	R mgl32.Quat
	S mgl32.Vec3
}

// Identity returns a vertex translated by t with no rotation and unit scale.
func Identity(t mgl32.Vec3) Vertex {
	return Vertex{T: t, R: mgl32.QuatIdent(), S: mgl32.Vec3{1, 1, 1}}
}

// Hierarchy writes a transform hierarchy and an access record for node
// index. It returns the access record and the vertex array.
func (b *Builder) Hierarchy(vertices []Vertex, parents []int32, index int32) (access, verts memory.Address) {
	t := b.Layout.Transform
	verts = b.Mem.Alloc(48 * len(vertices))
	b.WriteVertices(verts, vertices)
	par := b.Mem.Alloc(4*len(parents) + 4)
	for i, p := range parents {
		b.Mem.PutInt32(par.Add(uint64(4*i)), p)
	}
	hier := b.Object()
	b.Mem.PutPointer(hier.Add(uint64(t.Vertices)), verts)
	b.Mem.PutPointer(hier.Add(uint64(t.Parents)), par)

	access = b.Object()
	b.Mem.PutPointer(access.Add(uint64(t.AccessHierarchy)), hier)
	b.Mem.PutInt32(access.Add(uint64(t.AccessIndex)), index)
	return access, verts
}

// WriteVertices overwrites a vertex array in place.
func (b *Builder) WriteVertices(verts memory.Address, vertices []Vertex) {
	for i, v := range vertices {
		b.Mem.PutFloat32s(verts.Add(uint64(48*i)),
			v.T[0], v.T[1], v.T[2], 0,
			v.R.V[0], v.R.V[1], v.R.V[2], v.R.W,
			v.S[0], v.S[1], v.S[2], 0)
	}
}

// Entity is a synthetic game object.
type Entity struct {
	Addr     memory.Address
	Access   memory.Address
	Vertices memory.Address
}

// EntitySpec describes a synthetic game object.
type EntitySpec struct {
	Kind     string
	Name     string
	Side     int32
	Position mgl32.Vec3
}

// Entity writes an object of the given kind as the child of an identity
// root node, so its world position is spec.Position.
func (b *Builder) Entity(spec EntitySpec) Entity {
	k, ok := b.Layout.Kind(spec.Kind)
	if !ok {
		panic(fmt.Sprintf("fakeworld: unknown kind %q", spec.Kind))
	}
	e := Entity{Addr: b.Object()}
	e.Access, e.Vertices = b.Hierarchy(
		[]Vertex{Identity(mgl32.Vec3{}), Identity(spec.Position)},
		[]int32{-1, 0},
		1,
	)
	b.Link(e.Addr, k.Transform, e.Access)
	if len(k.Name) > 0 {
		b.Link(e.Addr, k.Name, b.ManagedString(spec.Name))
	}
	if k.Side != nil {
		b.Mem.PutInt32(e.Addr.Add(uint64(*k.Side)), spec.Side)
	}
	return e
}

// Move changes an entity's world position.
func (b *Builder) Move(e Entity, pos mgl32.Vec3) {
	b.WriteVertices(e.Vertices.Add(48), []Vertex{Identity(pos)})
}

// Destroy sets an entity's destroyed flag.
func (b *Builder) Destroy(e Entity, kind string) {
	k, _ := b.Layout.Kind(kind)
	if k.Destroyed == nil {
		panic(fmt.Sprintf("fakeworld: kind %q has no destroyed flag", kind))
	}
	b.Mem.Write(e.Addr.Add(uint64(*k.Destroyed)), []byte{1})
}
