package codegen

import (
	"encoding/binary"
	"hash"
)

// SourcePosition is a line/column pair within a module's source.
type SourcePosition struct {
	Line   int
	Column int
}

// RealLocation is the full source-location record, reconstructed on demand
// from the compact form dependencies carry.
type RealLocation struct {
	Start SourcePosition
	End   SourcePosition
	Name  string
	Index int
}

// compactLoc stores a source location as four integers plus an optional
// name/index. Dependencies are created in large numbers; the nested record is
// only materialized when asked for.
type compactLoc struct {
	startLine, startCol int32
	endLine, endCol     int32
	name                string
	index               int32
}

func (l compactLoc) location() RealLocation {
	return RealLocation{
		Start: SourcePosition{Line: int(l.startLine), Column: int(l.startCol)},
		End:   SourcePosition{Line: int(l.endLine), Column: int(l.endCol)},
		Name:  l.name,
		Index: int(l.index),
	}
}

// Dependency is a directed edge from an owning module to a request. Type and
// category are open string tags; new dependency kinds register their own
// template under their type tag.
type Dependency interface {
	// Type identifies the dependency kind, e.g. "cjs require" or "entry".
	Type() string
	// Category groups kinds for resolve-option selection, e.g. "commonjs".
	Category() string
	// ResourceIdentifier is the dependency's identity for resolution
	// purposes, distinct from its graph position. Empty means the
	// dependency does not resolve to a resource.
	ResourceIdentifier() string
	// Weak dependencies do not force the referenced module to be built.
	Weak() bool
	// Optional dependencies turn resolution failures into warnings.
	Optional() bool
	// ReferencedExports lists the exports used through this edge, for
	// unused-code elimination. Nil means "all".
	ReferencedExports() []string
	// Location reconstructs the source location record.
	Location() RealLocation
	// UpdateHash feeds the dependency's identity into a build hash.
	UpdateHash(h hash.Hash)
}

// BaseDependency carries the attributes shared by all dependency kinds.
// Concrete kinds embed it.
type BaseDependency struct {
	loc      compactLoc
	weak     bool
	optional bool
}

// SetLoc records the compact source location.
func (d *BaseDependency) SetLoc(startLine, startCol, endLine, endCol int) {
	d.loc = compactLoc{
		startLine: int32(startLine), startCol: int32(startCol),
		endLine: int32(endLine), endCol: int32(endCol),
	}
}

// SetLocName records the optional location name and index.
func (d *BaseDependency) SetLocName(name string, index int) {
	d.loc.name = name
	d.loc.index = int32(index)
}

// SetWeak marks the dependency weak.
func (d *BaseDependency) SetWeak(weak bool) { d.weak = weak }

// SetOptional marks the dependency optional.
func (d *BaseDependency) SetOptional(optional bool) { d.optional = optional }

func (d *BaseDependency) Weak() bool                 { return d.weak }
func (d *BaseDependency) Optional() bool             { return d.optional }
func (d *BaseDependency) ReferencedExports() []string { return nil }
func (d *BaseDependency) Location() RealLocation     { return d.loc.location() }

func hashLoc(h hash.Hash, loc compactLoc) {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(loc.startLine))
	binary.LittleEndian.PutUint32(buf[4:], uint32(loc.startCol))
	binary.LittleEndian.PutUint32(buf[8:], uint32(loc.endLine))
	binary.LittleEndian.PutUint32(buf[12:], uint32(loc.endCol))
	h.Write(buf[:])
}

// ModuleDependency is a request for another module, created while parsing the
// owning module's source.
type ModuleDependency struct {
	BaseDependency
	Request  string
	category string
	kind     string
	// Range is the byte range of the request expression in the owning
	// module's source, replaced during code generation.
	RangeStart int
	RangeEnd   int
}

// NewModuleDependency creates a module dependency of the given kind and
// category, e.g. ("cjs require", "commonjs").
func NewModuleDependency(kind, category, request string) *ModuleDependency {
	return &ModuleDependency{kind: kind, category: category, Request: request}
}

func (d *ModuleDependency) Type() string     { return d.kind }
func (d *ModuleDependency) Category() string { return d.category }

func (d *ModuleDependency) ResourceIdentifier() string {
	return "module" + d.category + "|" + d.Request
}

func (d *ModuleDependency) UpdateHash(h hash.Hash) {
	h.Write([]byte(d.kind))
	h.Write([]byte(d.Request))
	hashLoc(h, d.loc)
}

// EntryDependency is synthesized for each configured entry point; it has no
// owning module.
type EntryDependency struct {
	ModuleDependency
	Name string
}

// NewEntryDependency creates the dependency for a named entry point.
func NewEntryDependency(name, request string) *EntryDependency {
	d := &EntryDependency{Name: name}
	d.kind = "entry"
	d.category = "esm"
	d.Request = request
	return d
}

// ConstDependency replaces a byte range with a constant expression during
// code generation. It resolves to nothing.
type ConstDependency struct {
	BaseDependency
	Expression string
	RangeStart int
	RangeEnd   int
	// Requirements lists runtime capabilities the expression relies on.
	Requirements []string
}

// NewConstDependency creates a constant-replacement dependency.
func NewConstDependency(expression string, rangeStart, rangeEnd int) *ConstDependency {
	return &ConstDependency{Expression: expression, RangeStart: rangeStart, RangeEnd: rangeEnd}
}

func (d *ConstDependency) Type() string               { return "const" }
func (d *ConstDependency) Category() string           { return "unknown" }
func (d *ConstDependency) ResourceIdentifier() string { return "" }

func (d *ConstDependency) UpdateHash(h hash.Hash) {
	h.Write([]byte("const"))
	h.Write([]byte(d.Expression))
	hashLoc(h, d.loc)
}
