// Package loader decides how module paths enter the bundle graph.
//
// A path classified as AsyncBinary is never inlined. It is replaced by an
// async module that fetches and instantiates the binary when the bundle is
// evaluated and re-exports the instance exports, so importers wait on it the
// way they would on any module with top-level await. Classification is a
// pure function of the path.
package loader

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Kind is the module kind assigned during graph resolution.
type Kind string

const (
	JavaScript  Kind = "javascript"
	AsyncBinary Kind = "asyncBinary"
)

// Classifier maps a module path to its Kind. Implementations must not do I/O.
type Classifier func(modulePath string) Kind

// ExtensionClassifier returns a Classifier that marks paths ending in one of
// exts (case-insensitive, leading dot optional) as AsyncBinary.
func ExtensionClassifier(exts ...string) Classifier {
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}

	return func(modulePath string) Kind {
		if _, ok := set[Ext(modulePath)]; ok {
			return AsyncBinary
		}
		return JavaScript
	}
}

// Ext returns the lower-cased extension of p, ignoring any query or fragment.
func Ext(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	p = strings.ReplaceAll(p, `\`, "/")

	return strings.ToLower(path.Ext(p))
}

// Policy applies a Classifier and renders deferred-instantiation stubs.
type Policy struct {
	classify Classifier
}

// NewPolicy wraps c. A nil classifier treats everything as JavaScript.
func NewPolicy(c Classifier) *Policy {
	if c == nil {
		c = func(string) Kind { return JavaScript }
	}

	return &Policy{classify: c}
}

// Classify returns the Kind for modulePath.
func (p *Policy) Classify(modulePath string) Kind {
	return p.classify(modulePath)
}

// IsAsync reports whether modulePath must be loaded asynchronously.
func (p *Policy) IsAsync(modulePath string) bool {
	return p.classify(modulePath) == AsyncBinary
}

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

const instantiateSource = `function instantiate(imports) {
  const href = new URL(url, import.meta.url);
  const viaBuffer = () =>
    fetch(href)
      .then((res) => res.arrayBuffer())
      .then((bytes) => WebAssembly.instantiate(bytes, imports));
  return typeof WebAssembly.instantiateStreaming === "function"
    ? WebAssembly.instantiateStreaming(fetch(href), imports).catch(viaBuffer)
    : viaBuffer();
}
`

// Stub returns the async module that stands in for the binary at
// binaryImport. Its namespace carries the instance exports; importers are
// suspended until instantiation completes. Every module the binary imports
// from is imported by the stub and passed in the import object.
func (p *Policy) Stub(binaryImport string, iface *Interface) string {
	if iface == nil {
		iface = &Interface{}
	}

	var b strings.Builder

	fmt.Fprintf(&b, "import url from %s;\n", quote(binaryImport))
	for i, module := range iface.ImportModules {
		fmt.Fprintf(&b, "import * as __wasm_import%d from %s;\n", i, quote(module))
	}

	b.WriteString("\n")
	b.WriteString(instantiateSource)
	b.WriteString("\nconst { instance } = await instantiate({")
	for i, module := range iface.ImportModules {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "\n  %s: __wasm_import%d", quote(module), i)
	}
	if len(iface.ImportModules) > 0 {
		b.WriteString("\n")
	}
	b.WriteString("});\n")

	if len(iface.Exports) == 0 {
		return b.String()
	}

	b.WriteString("\n")
	for i, name := range iface.Exports {
		fmt.Fprintf(&b, "const __wasm_export%d = instance.exports[%s];\n", i, quote(name))
	}

	b.WriteString("\nexport {\n")
	for i, name := range iface.Exports {
		alias := name
		if !identifier.MatchString(name) {
			alias = quote(name)
		}
		fmt.Fprintf(&b, "  __wasm_export%d as %s,\n", i, alias)
	}
	b.WriteString("};\n")

	return b.String()
}

func quote(s string) string {
	quoted, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("%q", s)
	}

	return string(quoted)
}
