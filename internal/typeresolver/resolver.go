// Package typeresolver locates runtime singletons and class metadata by
// walking the managed runtime's own class tables in remote memory.
package typeresolver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/scatter"
)

// maxCacheTable bounds the instantiation cache table regardless of layout.
const maxCacheTable = 1 << 16

// Singleton is the result of a lookup for one generic argument name.
type Singleton struct {
	Name       string
	Found      bool
	Class      memory.Address
	StaticData memory.Address
}

// Resolver walks the runtime metadata of one attached process.
type Resolver struct {
	r       *memory.Reader
	lay     layout.Runtime
	base    memory.Address
	pattern *regexp.Regexp
	metrics *scatter.Metrics
	log     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMetrics reports the resolver's scatter batches to m.
func WithMetrics(m *scatter.Metrics) Option {
	return func(s *Resolver) {
		s.metrics = m
	}
}

// WithLogger sets the logger used for scan summaries.
func WithLogger(l *slog.Logger) Option {
	return func(s *Resolver) {
		s.log = l
	}
}

// New creates a resolver for the runtime module loaded at moduleBase.
func New(r *memory.Reader, lay layout.Runtime, moduleBase memory.Address, opts ...Option) (*Resolver, error) {
	pattern, err := regexp.Compile(lay.SingletonPattern)
	if err != nil {
		return nil, fmt.Errorf("singleton pattern: %w", err)
	}
	s := &Resolver{
		r:       r,
		lay:     lay,
		base:    moduleBase,
		pattern: pattern,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Resolver) batch(extraRounds int) *scatter.Batch {
	return scatter.New(s.r,
		scatter.WithMaxRounds(scatter.DefaultMaxRounds+extraRounds),
		scatter.WithMetrics(s.metrics),
	)
}

// candidate is a class that passed the flag and pattern filters.
type candidate struct {
	class memory.Address
	rec   memory.Record
}

// scan accumulates the state of one table walk.
type scan struct {
	s       *Resolver
	want    map[string]bool
	visited map[memory.Address]bool
	found   map[string]candidate
	classes int
	err     error
}

func (sc *scan) fail(err error) []scatter.Request {
	if sc.err == nil {
		sc.err = err
	}
	return nil
}

// FindSingletons scans every instantiation cache once and returns a result
// for each requested name. Names without a match are reported with
// Found=false.
func (s *Resolver) FindSingletons(ctx context.Context, names ...string) (map[string]Singleton, error) {
	out := make(map[string]Singleton, len(names))
	sc := &scan{
		s:       s,
		want:    make(map[string]bool, len(names)),
		visited: make(map[memory.Address]bool),
		found:   make(map[string]candidate),
	}
	for _, n := range names {
		sc.want[n] = true
		out[n] = Singleton{Name: n}
	}
	if len(names) == 0 {
		return out, nil
	}

	if s.lay.CacheTableSize <= 0 || s.lay.CacheTableSize > maxCacheTable {
		return nil, fmt.Errorf("%w: cache table size %d", memory.ErrCorruptStructure, s.lay.CacheTableSize)
	}
	table, err := memory.ReadArray[uint64](s.r, s.base.Add(uint64(s.lay.CacheTable)), s.lay.CacheTableSize, false)
	if err != nil {
		return nil, fmt.Errorf("read cache table: %w", err)
	}
	caches := s.r.FilterValid(table)

	b := s.batch(s.lay.MaxChain)
	for _, cache := range caches {
		b.Round(0).Add(scatter.Pointer(cache.Add(uint64(s.lay.CacheHashTable)), false, sc.header))
	}
	if err := b.Execute(ctx); err != nil {
		return nil, fmt.Errorf("scan class caches: %w", err)
	}
	if sc.err != nil {
		return nil, sc.err
	}

	if err := s.resolveStatics(ctx, sc.found, out); err != nil {
		return nil, err
	}

	s.log.Debug("Singleton scan complete",
		"caches", len(caches),
		"classes", sc.classes,
		"requested", len(names),
		"found", len(sc.found))
	return out, nil
}

// header reads the hash table header and then its bucket array.
func (sc *scan) header(hdr memory.Address) []scatter.Request {
	lay := sc.s.lay
	size := int(max(lay.HashSize+4, lay.HashEntries+4, lay.HashBuckets+8))
	return []scatter.Request{{
		Addr: hdr,
		Size: size,
		Then: func(data []byte) []scatter.Request {
			rec := memory.NewRecord(hdr, data, sc.s.r.Range())
			n, err := rec.Int32(lay.HashSize)
			if err != nil {
				return sc.fail(err)
			}
			if n < 0 || int(n) > lay.MaxBuckets {
				return sc.fail(fmt.Errorf("%w: hash table at %s has %d buckets (max %d)",
					memory.ErrCorruptStructure, hdr, n, lay.MaxBuckets))
			}
			if n == 0 {
				return nil
			}
			buckets, err := rec.Pointer(lay.HashBuckets)
			if err != nil {
				return nil
			}
			return []scatter.Request{scatter.Span(buckets, int(n), false, sc.buckets)}
		},
	}}
}

func (sc *scan) buckets(slots []uint64) []scatter.Request {
	var next []scatter.Request
	for _, v := range slots {
		if p := memory.Address(v); sc.s.r.Valid(p) {
			next = append(next, sc.class(p, 0)...)
		}
	}
	return next
}

// class reads one class record and follows the bucket chain.
func (sc *scan) class(addr memory.Address, depth int) []scatter.Request {
	if sc.visited[addr] {
		return nil
	}
	if depth >= sc.s.lay.MaxChain {
		return sc.fail(fmt.Errorf("%w: bucket chain longer than %d at %s",
			memory.ErrCorruptStructure, sc.s.lay.MaxChain, addr))
	}
	sc.visited[addr] = true

	lay := sc.s.lay.Class
	return []scatter.Request{{
		Addr: addr,
		Size: lay.Size,
		Then: func(data []byte) []scatter.Request {
			sc.classes++
			rec := memory.NewRecord(addr, data, sc.s.r.Range())

			var next []scatter.Request
			if p, err := rec.RawPointer(lay.Next); err == nil && sc.s.r.Valid(p) {
				next = sc.class(p, depth+1)
			}
			if sc.s.isSingletonClass(rec) {
				next = append(next, sc.name(rec)...)
			}
			return next
		},
	}}
}

// name reads the class name and, on a pattern match, the generic argument.
func (sc *scan) name(rec memory.Record) []scatter.Request {
	lay := sc.s.lay
	namePtr, err := rec.Pointer(lay.Class.Name)
	if err != nil {
		return nil
	}
	return []scatter.Request{
		scatter.String(namePtr, lay.MaxNameLength, memory.UTF8, func(name string) []scatter.Request {
			if !sc.s.pattern.MatchString(name) {
				return nil
			}
			return scatter.Chain(rec.Base, lay.Class.GenericArg, func(arg memory.Address) []scatter.Request {
				return []scatter.Request{
					scatter.Pointer(arg.Add(uint64(lay.Class.Name)), false, func(p memory.Address) []scatter.Request {
						return []scatter.Request{
							scatter.String(p, lay.MaxNameLength, memory.UTF8, scatter.Done(func(argName string) {
								if _, dup := sc.found[argName]; sc.want[argName] && !dup {
									sc.found[argName] = candidate{class: rec.Base, rec: rec}
								}
							})),
						}
					}),
				}
			})
		}),
	}
}

func (s *Resolver) isSingletonClass(rec memory.Record) bool {
	lay := s.lay.Class
	flags, err := rec.Uint32(lay.Flags)
	if err != nil {
		return false
	}
	if flags&lay.InitedMask == 0 || flags&lay.ErrorMask != 0 {
		return false
	}
	kind, err := rec.Uint8(lay.Kind)
	if err != nil {
		return false
	}
	return kind&lay.KindMask == lay.GenericInstKind
}

// resolveStatics follows runtime info to the domain vtable and the static
// field storage behind it for every matched class.
func (s *Resolver) resolveStatics(ctx context.Context, found map[string]candidate, out map[string]Singleton) error {
	if len(found) == 0 {
		return nil
	}
	b := s.batch(0)
	for name, c := range found {
		info, err := c.rec.Pointer(s.lay.Class.RuntimeInfo)
		if err != nil {
			continue
		}
		vtSize, err := c.rec.Int32(s.lay.Class.VTableSize)
		if err != nil {
			return err
		}
		if vtSize < 0 || int(vtSize) > s.lay.Class.MaxMembers {
			return fmt.Errorf("%w: class %s has vtable size %d", memory.ErrCorruptStructure, c.class, vtSize)
		}
		slot := info.Add(uint64(s.lay.DomainVTables) + 8*uint64(s.lay.DomainID))
		staticOff := uint64(s.lay.VTableHeader) + 8*uint64(vtSize)

		b.Round(0).Add(scatter.Pointer(slot, false, func(vtable memory.Address) []scatter.Request {
			return []scatter.Request{
				scatter.Pointer(vtable.Add(staticOff), false, scatter.Done(func(data memory.Address) {
					if s.r.Valid(data) {
						out[name] = Singleton{Name: name, Found: true, Class: c.class, StaticData: data}
					}
				})),
			}
		}))
	}
	if err := b.Execute(ctx); err != nil {
		return fmt.Errorf("resolve static storage: %w", err)
	}
	return nil
}

// Instance reads the singleton's instance pointer from its static storage.
func (s *Resolver) Instance(ctx context.Context, sg Singleton) (memory.Address, error) {
	if !sg.Found {
		return 0, fmt.Errorf("singleton %q: %w", sg.Name, memory.ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p, err := s.r.ReadPointerVerified(sg.StaticData.Add(uint64(s.lay.InstanceOffset)))
	if err != nil {
		return 0, fmt.Errorf("singleton %q instance: %w", sg.Name, err)
	}
	return p, nil
}
