package compilation

import (
	"fmt"
	"strconv"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/codegen"
)

// RegisterDefaultTemplates installs the templates for the dependency kinds
// the parser produces.
func RegisterDefaultTemplates(t *codegen.DependencyTemplates) {
	ref := &moduleReferenceTemplate{}
	t.Set("cjs require", ref)
	t.Set("import()", ref)
	t.Set("esm import", &esmImportTemplate{moduleReferenceTemplate: ref})
	t.Set("const", &constTemplate{})
}

// moduleReferenceTemplate rewrites the request literal of a module
// dependency into the id of the resolved module.
type moduleReferenceTemplate struct{}

func (tmpl *moduleReferenceTemplate) Apply(dep codegen.Dependency, source *codegen.ReplaceSource, ctx *codegen.TemplateContext) error {
	md, ok := dep.(*codegen.ModuleDependency)
	if !ok {
		return berrors.Newf(berrors.CategoryInternal, "module reference template applied to %s dependency", dep.Type())
	}
	id, resolved := ctx.ModuleID(dep)
	if !resolved {
		if md.Weak() || md.Optional() {
			source.Replace(md.RangeStart, md.RangeEnd, "null")
			return nil
		}
		return berrors.Newf(berrors.CategoryInternal, "no module id for request %q", md.Request).
			WithModule(ctx.Module.Identifier())
	}
	source.Replace(md.RangeStart, md.RangeEnd, strconv.Quote(id))
	ctx.RuntimeRequirements.Add(codegen.RuntimeRequire)
	return nil
}

// esmImportTemplate additionally hoists the import into a prologue fragment,
// deduplicated per target module.
type esmImportTemplate struct {
	*moduleReferenceTemplate
}

func (tmpl *esmImportTemplate) Apply(dep codegen.Dependency, source *codegen.ReplaceSource, ctx *codegen.TemplateContext) error {
	if err := tmpl.moduleReferenceTemplate.Apply(dep, source, ctx); err != nil {
		return err
	}
	if id, ok := ctx.ModuleID(dep); ok {
		ctx.AddInitFragment(codegen.NewKeptFirstFragment(
			fmt.Sprintf("var __import_%s__ = require(%s);\n", id, strconv.Quote(id)),
			codegen.FragmentStageImports, 0,
			"esm import "+id,
		))
	}
	return nil
}

// constTemplate substitutes a fixed expression for the recorded range.
type constTemplate struct{}

func (tmpl *constTemplate) Apply(dep codegen.Dependency, source *codegen.ReplaceSource, ctx *codegen.TemplateContext) error {
	cd, ok := dep.(*codegen.ConstDependency)
	if !ok {
		return berrors.Newf(berrors.CategoryInternal, "const template applied to %s dependency", dep.Type())
	}
	source.Replace(cd.RangeStart, cd.RangeEnd, cd.Expression)
	for _, req := range cd.Requirements {
		ctx.RuntimeRequirements.Add(req)
	}
	return nil
}
