// Package layout holds the versioned offset table describing the remote
// runtime and game structures. Offsets are data, never code: a new game
// build ships a new layout file.
package layout

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/memsync/memsync/internal/memory"
)

//go:embed layout.schema.json
var schemaJSON string

//go:embed default.yaml
var defaultYAML []byte

// Layout is one complete offset table.
type Layout struct {
	Version   string              `yaml:"version" json:"version"`
	Process   string              `yaml:"process" json:"process"`
	Strings   memory.StringLayout `yaml:"strings" json:"strings"`
	Lists     memory.ListLayout   `yaml:"lists" json:"lists"`
	Runtime   Runtime             `yaml:"runtime" json:"runtime"`
	Transform Transform           `yaml:"transform" json:"transform"`
	World     World               `yaml:"world" json:"world"`
	Kinds     map[string]Kind     `yaml:"kinds" json:"kinds"`
}

// Runtime describes the managed runtime's class metadata.
type Runtime struct {
	Module string `yaml:"module" json:"module"`

	// CacheTable is the module-relative address of an array of pointers to
	// generic instantiation caches. CacheTableSize slots are read.
	CacheTable     uint32 `yaml:"cacheTable" json:"cacheTable"`
	CacheTableSize int    `yaml:"cacheTableSize" json:"cacheTableSize"`
	CacheHashTable uint32 `yaml:"cacheHashTable" json:"cacheHashTable"`

	HashSize    uint32 `yaml:"hashSize" json:"hashSize"`
	HashEntries uint32 `yaml:"hashEntries" json:"hashEntries"`
	HashBuckets uint32 `yaml:"hashBuckets" json:"hashBuckets"`
	MaxBuckets  int    `yaml:"maxBuckets" json:"maxBuckets"`
	MaxChain    int    `yaml:"maxChain" json:"maxChain"`

	Class  Class  `yaml:"class" json:"class"`
	Field  Field  `yaml:"field" json:"field"`
	Method Method `yaml:"method" json:"method"`

	// DomainVTables is the offset of the per-domain vtable array inside a
	// class's runtime info. The static field data pointer follows the
	// vtable's VTableHeader and vtableSize method slots.
	DomainVTables  uint32 `yaml:"domainVTables" json:"domainVTables"`
	DomainID       uint32 `yaml:"domainId" json:"domainId"`
	VTableHeader   uint32 `yaml:"vtableHeader" json:"vtableHeader"`
	InstanceOffset uint32 `yaml:"instanceOffset" json:"instanceOffset"`

	SingletonPattern string `yaml:"singletonPattern" json:"singletonPattern"`
	MaxNameLength    int    `yaml:"maxNameLength" json:"maxNameLength"`
}

// Class is the class descriptor record.
type Class struct {
	Size            int      `yaml:"size" json:"size"`
	Name            uint32   `yaml:"name" json:"name"`
	Namespace       uint32   `yaml:"namespace" json:"namespace"`
	Parent          uint32   `yaml:"parent" json:"parent"`
	Flags           uint32   `yaml:"flags" json:"flags"`
	InitedMask      uint32   `yaml:"initedMask" json:"initedMask"`
	ErrorMask       uint32   `yaml:"errorMask" json:"errorMask"`
	Kind            uint32   `yaml:"kind" json:"kind"`
	KindMask        uint8    `yaml:"kindMask" json:"kindMask"`
	GenericInstKind uint8    `yaml:"genericInstKind" json:"genericInstKind"`
	Next            uint32   `yaml:"next" json:"next"`
	GenericArg      []uint32 `yaml:"genericArg" json:"genericArg"`
	RuntimeInfo     uint32   `yaml:"runtimeInfo" json:"runtimeInfo"`
	VTableSize      uint32   `yaml:"vtableSize" json:"vtableSize"`
	Fields          uint32   `yaml:"fields" json:"fields"`
	FieldCount      uint32   `yaml:"fieldCount" json:"fieldCount"`
	Methods         uint32   `yaml:"methods" json:"methods"`
	MethodCount     uint32   `yaml:"methodCount" json:"methodCount"`
	MaxMembers      int      `yaml:"maxMembers" json:"maxMembers"`
}

// Field is one entry of a class's inline field array.
type Field struct {
	Stride uint32 `yaml:"stride" json:"stride"`
	Name   uint32 `yaml:"name" json:"name"`
	Offset uint32 `yaml:"offset" json:"offset"`
}

// Method is the method descriptor reached through a class's method
// pointer array.
type Method struct {
	Name uint32 `yaml:"name" json:"name"`
}

// Transform describes the engine's transform access record and hierarchy.
type Transform struct {
	AccessIndex     uint32 `yaml:"accessIndex" json:"accessIndex"`
	AccessHierarchy uint32 `yaml:"accessHierarchy" json:"accessHierarchy"`
	Vertices        uint32 `yaml:"vertices" json:"vertices"`
	Parents         uint32 `yaml:"parents" json:"parents"`
	MaxIndex        int    `yaml:"maxIndex" json:"maxIndex"`
	MaxDepth        int    `yaml:"maxDepth" json:"maxDepth"`
}

// World locates the world singleton and its entity collections.
type World struct {
	Singleton   string                `yaml:"singleton" json:"singleton"`
	Location    []uint32              `yaml:"location" json:"location"`
	Collections map[string]Collection `yaml:"collections" json:"collections"`
}

// Collection is a runtime list of entities reached from the world instance
// through Path pointer hops.
type Collection struct {
	Path []uint32 `yaml:"path" json:"path"`
	Max  int      `yaml:"max" json:"max"`
}

// Kind describes how to read one kind of entity.
type Kind struct {
	Transform []uint32 `yaml:"transform" json:"transform"`
	Name      []uint32 `yaml:"name" json:"name"`
	Side      *uint32  `yaml:"side,omitempty" json:"side,omitempty"`
	Destroyed *uint32  `yaml:"destroyed,omitempty" json:"destroyed,omitempty"`
}

// ValidationError carries schema violations of a layout document.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid layout: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var schema = jsonschema.MustCompileString("layout.schema.json", schemaJSON)

// Parse validates and decodes a YAML layout document.
func Parse(data []byte) (*Layout, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	// The validator expects JSON-shaped values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert layout: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var jsonDoc any
	if err := dec.Decode(&jsonDoc); err != nil {
		return nil, fmt.Errorf("convert layout: %w", err)
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return nil, &ValidationError{Err: err}
	}

	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode layout: %w", err)
	}
	if _, err := regexp.Compile(l.Runtime.SingletonPattern); err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("singletonPattern: %w", err)}
	}
	return &l, nil
}

// Load reads a layout file. An empty path selects the built-in default.
func Load(path string) (*Layout, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in layout.
func Default() (*Layout, error) {
	return Parse(defaultYAML)
}

// DefaultYAML returns the built-in layout document.
func DefaultYAML() []byte {
	return bytes.Clone(defaultYAML)
}

// Kind returns the entity layout for name.
func (l *Layout) Kind(name string) (Kind, bool) {
	k, ok := l.Kinds[name]
	return k, ok
}
