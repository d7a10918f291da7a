package codegen

// Runtime capability names a DependencyTemplate may register while generating
// code. The bundle runtime only includes what was requested.
const (
	RuntimeRequire       = "require"
	RuntimeModule        = "module"
	RuntimeExports       = "exports"
	RuntimeDefineExports = "defineExports"
)

// RuntimeRequirements accumulates the runtime capabilities needed by the
// code generated for one module or chunk.
type RuntimeRequirements map[string]struct{}

// NewRuntimeRequirements returns an empty accumulator.
func NewRuntimeRequirements() RuntimeRequirements {
	return make(RuntimeRequirements)
}

// Add registers a capability.
func (r RuntimeRequirements) Add(req string) { r[req] = struct{}{} }

// Has reports whether a capability was registered.
func (r RuntimeRequirements) Has(req string) bool {
	_, ok := r[req]
	return ok
}

// Merge adds all capabilities from other.
func (r RuntimeRequirements) Merge(other RuntimeRequirements) {
	for req := range other {
		r[req] = struct{}{}
	}
}

// TemplateContext is the shared state a DependencyTemplate mutates besides
// the source buffer: the runtime-requirement accumulator and the current
// module's init-fragment list.
type TemplateContext struct {
	Module Module
	// ModuleID maps a dependency's resource identifier to the id assigned
	// to the resolved module; ok is false for unresolved edges.
	ModuleID func(dep Dependency) (id string, ok bool)

	RuntimeRequirements RuntimeRequirements
	InitFragments       *[]InitFragment
}

// AddInitFragment appends a fragment to the current module's list.
func (c *TemplateContext) AddInitFragment(f InitFragment) {
	*c.InitFragments = append(*c.InitFragments, f)
}

// DependencyTemplate generates code for one dependency kind. One stateless
// instance per kind is registered and reused across the whole compilation;
// implementations must not hold per-call state.
type DependencyTemplate interface {
	Apply(dep Dependency, source *ReplaceSource, ctx *TemplateContext) error
}

// DependencyTemplates maps dependency type tags to their templates.
type DependencyTemplates struct {
	m map[string]DependencyTemplate
}

// NewDependencyTemplates returns an empty template registry.
func NewDependencyTemplates() *DependencyTemplates {
	return &DependencyTemplates{m: make(map[string]DependencyTemplate)}
}

// Set registers the template for a dependency type tag.
func (t *DependencyTemplates) Set(depType string, tmpl DependencyTemplate) {
	t.m[depType] = tmpl
}

// Get returns the template for a dependency type tag.
func (t *DependencyTemplates) Get(depType string) (DependencyTemplate, bool) {
	tmpl, ok := t.m[depType]
	return tmpl, ok
}
