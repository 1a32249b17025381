package compose

import (
	"context"
	"fmt"
	"testing"

	"github.com/latticerun/lattice/pkg/lockedapp"
)

func TestMatchesImport(t *testing.T) {
	cases := []struct {
		name   string
		dep    string
		imp    string
		expect bool
	}{
		{"plain-exact", "auth", "auth", true},
		{"plain-mismatch", "auth", "other", false},
		{"package-exact", "wasi:keyvalue/store", "wasi:keyvalue/store", true},
		{"package-interface-omitted-matches-any", "wasi:keyvalue", "wasi:keyvalue/store", true},
		{"package-interface-mismatch", "wasi:keyvalue:atomics", "wasi:keyvalue/store", false},
		{"package-version-match", "wasi:keyvalue@2.0.0", "wasi:keyvalue/store@2.0.0", true},
		{"package-version-mismatch", "wasi:keyvalue@2.0.0", "wasi:keyvalue/store@1.0.0", false},
		{"plain-vs-package-no-match", "auth", "wasi:keyvalue/store", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dep, err := ParseDependencyName(tc.dep)
			if err != nil {
				t.Fatalf("ParseDependencyName(%q): %v", tc.dep, err)
			}
			got, err := matchesImport(dep, tc.imp)
			if err != nil {
				t.Fatalf("matchesImport: %v", err)
			}
			if got != tc.expect {
				t.Fatalf("matchesImport(%q, %q) = %v, want %v", tc.dep, tc.imp, got, tc.expect)
			}
		})
	}
}

// fakeWorld/fakeGraph/fakeChecker implement the Graph seam with a plain
// in-memory map, enough to drive Composer's orchestration logic without a
// real component-model backend.
type fakeWorld struct {
	imports map[string]Type
	exports map[string]Type
}

func (w fakeWorld) Imports() map[string]Type { return w.imports }
func (w fakeWorld) Exports() map[string]Type { return w.exports }

type fakeChecker struct{}

func (fakeChecker) IsSubtype(export, imp Type) bool {
	if imp == nil {
		return true
	}
	return export == imp
}

type fakeNode struct {
	pkg  string
	args map[string]string
}

type fakeExport struct {
	node fakeNode
	name string
}

type fakeGraph struct {
	worlds     map[string]fakeWorld
	nodes      []*fakeNode
	exported   map[string]string // top-level export name -> "pkg.export"
	encodeErrs int
}

func newFakeGraph(worlds map[string]fakeWorld) *fakeGraph {
	return &fakeGraph{worlds: worlds, exported: map[string]string{}}
}

func (g *fakeGraph) RegisterPackage(name string, source []byte) (WorldID, NodeID, error) {
	n := &fakeNode{pkg: name, args: map[string]string{}}
	g.nodes = append(g.nodes, n)
	if _, ok := g.worlds[name]; !ok {
		return nil, nil, fmt.Errorf("no fake world registered for package %q", name)
	}
	return name, n, nil
}

func (g *fakeGraph) World(id WorldID) World {
	return g.worlds[id.(string)]
}

func (g *fakeGraph) AliasInstanceExport(node NodeID, exportName string) (ExportID, error) {
	n := node.(*fakeNode)
	return fakeExport{node: *n, name: exportName}, nil
}

func (g *fakeGraph) SetInstantiationArgument(node NodeID, importName string, arg ExportID) error {
	n := node.(*fakeNode)
	e := arg.(fakeExport)
	n.args[importName] = e.node.pkg + "." + e.name
	return nil
}

func (g *fakeGraph) Export(export ExportID, name string) error {
	e := export.(fakeExport)
	g.exported[name] = e.node.pkg + "." + e.name
	return nil
}

func (g *fakeGraph) Checker() SubtypeChecker { return fakeChecker{} }

func (g *fakeGraph) Encode() ([]byte, error) {
	return []byte("composed"), nil
}

type fakeLoader struct {
	bytes map[string][]byte
}

func (l fakeLoader) Load(_ context.Context, source lockedapp.LockedComponentSource) ([]byte, error) {
	if source.Source == nil {
		return nil, fmt.Errorf("no source path")
	}
	b, ok := l.bytes[*source.Source]
	if !ok {
		return nil, fmt.Errorf("no fake bytes for %q", *source.Source)
	}
	return b, nil
}

func srcOf(path string) lockedapp.LockedComponentSource {
	return lockedapp.LockedComponentSource{ContentType: "application/wasm", ContentRef: lockedapp.ContentRef{Source: &path}}
}

func TestComposeNoDependenciesReturnsRootUnmodified(t *testing.T) {
	loader := fakeLoader{bytes: map[string][]byte{"root.wasm": []byte("rootbytes")}}
	c := New(newFakeGraph(nil), loader, nil)
	comp := lockedapp.LockedComponent{ID: "root", Source: srcOf("root.wasm")}
	out, err := c.Compose(context.Background(), comp)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if string(out) != "rootbytes" {
		t.Fatalf("expected root bytes unmodified, got %q", out)
	}
}

func TestComposeWiresMatchingDependency(t *testing.T) {
	worlds := map[string]fakeWorld{
		"root": {
			imports: map[string]Type{"auth": "auth-type"},
			exports: map[string]Type{"handle": "handle-type"},
		},
		"auth": {
			imports: map[string]Type{},
			exports: map[string]Type{"auth": "auth-type"},
		},
	}
	loader := fakeLoader{bytes: map[string][]byte{
		"root.wasm": []byte("root"),
		"auth.wasm": []byte("auth"),
	}}
	c := New(newFakeGraph(worlds), loader, nil)

	comp := lockedapp.LockedComponent{
		ID:     "root",
		Source: srcOf("root.wasm"),
		Dependencies: map[string]lockedapp.LockedComponentDependency{
			"auth": {Source: srcOf("auth.wasm")},
		},
	}
	out, err := c.Compose(context.Background(), comp)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if string(out) != "composed" {
		t.Fatalf("expected encoded composition, got %q", out)
	}
}

func TestComposeUnmatchedDependencyName(t *testing.T) {
	worlds := map[string]fakeWorld{
		"root": {imports: map[string]Type{"auth": "auth-type"}, exports: map[string]Type{}},
	}
	loader := fakeLoader{bytes: map[string][]byte{"root.wasm": []byte("root")}}
	c := New(newFakeGraph(worlds), loader, nil)

	comp := lockedapp.LockedComponent{
		ID:     "root",
		Source: srcOf("root.wasm"),
		Dependencies: map[string]lockedapp.LockedComponentDependency{
			"nope": {Source: srcOf("root.wasm")},
		},
	}
	_, err := c.Compose(context.Background(), comp)
	var cerr *Error
	if err == nil {
		t.Fatal("expected error")
	}
	if !asError(err, &cerr) || cerr.Kind != "UnmatchedDependencyName" {
		t.Fatalf("expected UnmatchedDependencyName, got %v", err)
	}
}

func TestComposeDependencyConflict(t *testing.T) {
	worlds := map[string]fakeWorld{
		"root": {
			imports: map[string]Type{"wasi:keyvalue/store": "store-type"},
			exports: map[string]Type{},
		},
		"wasi:keyvalue": {exports: map[string]Type{"wasi:keyvalue/store": "store-type"}},
	}
	loader := fakeLoader{bytes: map[string][]byte{
		"root.wasm": []byte("root"), "a.wasm": []byte("a"), "b.wasm": []byte("b"),
	}}
	c := New(newFakeGraph(worlds), loader, nil)

	comp := lockedapp.LockedComponent{
		ID:     "root",
		Source: srcOf("root.wasm"),
		Dependencies: map[string]lockedapp.LockedComponentDependency{
			"wasi:keyvalue":       {Source: srcOf("a.wasm")},
			"wasi:keyvalue/store": {Source: srcOf("b.wasm")},
		},
	}
	_, err := c.Compose(context.Background(), comp)
	var cerr *Error
	if !asError(err, &cerr) || cerr.Kind != "DependencyConflicts" {
		t.Fatalf("expected DependencyConflicts, got %v", err)
	}
}

func TestComposeSubtypeMismatch(t *testing.T) {
	worlds := map[string]fakeWorld{
		"root": {imports: map[string]Type{"auth": "auth-type"}, exports: map[string]Type{}},
		"auth": {exports: map[string]Type{"auth": "wrong-type"}},
	}
	loader := fakeLoader{bytes: map[string][]byte{"root.wasm": []byte("root"), "a.wasm": []byte("a")}}
	c := New(newFakeGraph(worlds), loader, nil)

	comp := lockedapp.LockedComponent{
		ID:     "root",
		Source: srcOf("root.wasm"),
		Dependencies: map[string]lockedapp.LockedComponentDependency{
			"auth": {Source: srcOf("a.wasm")},
		},
	}
	_, err := c.Compose(context.Background(), comp)
	if err == nil {
		t.Fatal("expected a subtype mismatch error")
	}
}

func asError(err error, target **Error) bool {
	ce, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = ce
	return true
}
