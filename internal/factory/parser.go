package factory

import (
	"regexp"
	"sort"

	"git.home.luguber.info/inful/bundler/internal/codegen"
)

// The parser is a lexical scan, not a full syntax pass. It finds the request
// literals of require calls, import statements and dynamic imports and
// records their byte ranges so dependency templates can rewrite them in
// place.
var (
	requireRe       = regexp.MustCompile(`require\s*\(\s*["']([^"']+)["']\s*\)`)
	importFromRe    = regexp.MustCompile(`import\s+(?:[\w$*{}\s,]+?\s+from\s+)?["']([^"']+)["']`)
	dynamicImportRe = regexp.MustCompile(`import\s*\(\s*["']([^"']+)["']\s*\)`)
)

type depKind struct {
	kind     string
	category string
}

func parseDependencies(source []byte) []codegen.Dependency {
	type match struct {
		depKind
		request    string
		start, end int // byte range of the quoted literal
	}
	var matches []match
	seen := make(map[int]bool)

	collect := func(re *regexp.Regexp, dk depKind) {
		for _, idx := range re.FindAllSubmatchIndex(source, -1) {
			// idx[2]/idx[3] delimit the request literal; widen by one byte
			// on each side to cover the quotes.
			start, end := idx[2]-1, idx[3]+1
			if seen[start] {
				continue
			}
			seen[start] = true
			matches = append(matches, match{
				depKind: dk,
				request: string(source[idx[2]:idx[3]]),
				start:   start,
				end:     end,
			})
		}
	}

	// Dynamic imports first so the plain import pattern cannot claim them.
	collect(dynamicImportRe, depKind{kind: "import()", category: "esm"})
	collect(importFromRe, depKind{kind: "esm import", category: "esm"})
	collect(requireRe, depKind{kind: "cjs require", category: "commonjs"})

	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	deps := make([]codegen.Dependency, 0, len(matches))
	for _, m := range matches {
		dep := codegen.NewModuleDependency(m.kind, m.category, m.request)
		dep.RangeStart = m.start
		dep.RangeEnd = m.end - 1
		line, col := positionAt(source, m.start)
		endLine, endCol := positionAt(source, m.end)
		dep.SetLoc(line, col, endLine, endCol)
		deps = append(deps, dep)
	}
	return deps
}

func positionAt(source []byte, offset int) (line, col int) {
	line = 1
	lineStart := 0
	for i := 0; i < offset && i < len(source); i++ {
		if source[i] == '\n' {
			line++
			lineStart = i + 1
		}
	}
	return line, offset - lineStart
}

func setToSorted(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
