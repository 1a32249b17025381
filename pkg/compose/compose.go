// Package compose implements the dependency composer: it plugs a locked
// component's dependencies into its imports, subtype-checks every plug,
// and produces a single linked component. The component-model graph
// itself (package registration, world types, subtype checking, and the
// final byte-level encode) is treated the way §1 treats the WebAssembly
// engine: an opaque collaborator behind the Graph interface. No Go
// library in the example pack (or the wider ecosystem) implements the
// wac-graph component-composition algebra the original Rust composer
// builds on, so Graph is the seam a real composition backend plugs into;
// this package owns only the name-matching, conflict-detection, and
// deny-all-adapter orchestration logic, which is genuinely host logic
// regardless of backend.
package compose

import (
	"context"
	"fmt"
	"sort"

	"github.com/latticerun/lattice/pkg/lockedapp"
)

// Type is an opaque component-model type handle (e.g. an instance type
// or function type) as produced by a Graph implementation.
type Type interface{}

// WorldID and NodeID are opaque identifiers into a Graph's internal
// package/instantiation tables.
type WorldID interface{}
type NodeID interface{}
type ExportID interface{}

// World exposes the import/export surface of a registered package.
type World interface {
	Imports() map[string]Type
	Exports() map[string]Type
}

// SubtypeChecker decides whether an export's type may satisfy an
// import's type, mirroring wac-graph's SubtypeChecker.
type SubtypeChecker interface {
	IsSubtype(export Type, imp Type) bool
}

// Graph is the composition backend: package registration, instantiation,
// export aliasing, and final encoding. A production binding wires this
// to whatever component-composition library or out-of-process tool the
// host embeds; compose.go never touches bytes directly.
type Graph interface {
	// RegisterPackage registers component bytes as a package and returns
	// its world id plus an instantiation node for it.
	RegisterPackage(name string, source []byte) (WorldID, NodeID, error)
	World(id WorldID) World
	// AliasInstanceExport aliases one export of an instantiated node,
	// returning a handle usable as an instantiation argument or a
	// top-level export.
	AliasInstanceExport(node NodeID, exportName string) (ExportID, error)
	SetInstantiationArgument(node NodeID, importName string, arg ExportID) error
	Export(export ExportID, name string) error
	Checker() SubtypeChecker
	// Encode serializes the graph into a single composed component.
	Encode() ([]byte, error)
}

// SourceLoader fetches the raw bytes for a locked component source,
// across whatever embedding (local file, content cache, inline bytes)
// the host uses.
type SourceLoader interface {
	Load(ctx context.Context, source lockedapp.LockedComponentSource) ([]byte, error)
}

// DenyAllAdapter plugs a "deny-all" capability adapter onto a dependency
// package when its inherited configuration is the empty set. A missing
// plug point (the dependency imports nothing the adapter provides) is
// not an error - it is silently skipped, per §4.F step 3.
type DenyAllAdapter interface {
	// Apply returns adapted bytes, or ok=false if nothing needed plugging.
	Apply(packageName string, source []byte) (adapted []byte, ok bool, err error)
}

// Error is the composer's fatal, load-time error taxonomy.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func errUnmatchedDependency(componentID string, dep DependencyName) error {
	return &Error{
		Kind:    "UnmatchedDependencyName",
		Message: fmt.Sprintf("dependency %q doesn't match any imports of component %q", dep, componentID),
	}
}

func errDependencyConflicts(componentID string, conflicts map[string][]DependencyName) error {
	keys := make([]string, 0, len(conflicts))
	for k := range conflicts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msg := fmt.Sprintf("component %q has dependency conflicts: ", componentID)
	for i, importName := range keys {
		if i > 0 {
			msg += "; "
		}
		names := make([]string, 0, len(conflicts[importName]))
		for _, n := range conflicts[importName] {
			names = append(names, n.String())
		}
		msg += fmt.Sprintf("import %q satisfied by dependencies: %v", importName, names)
	}
	return &Error{Kind: "DependencyConflicts", Message: msg}
}

func errMissingExport(dep DependencyName, exportName, importName string) error {
	return &Error{
		Kind: "MissingExport",
		Message: fmt.Sprintf("dependency %q doesn't export %q to satisfy import %q",
			dep, exportName, importName),
	}
}

// Composer links a locked component's dependency graph into a single
// component, per §4.F.
type Composer struct {
	graph  Graph
	loader SourceLoader
	adapt  DenyAllAdapter
}

// New constructs a Composer over the given backend collaborators.
func New(graph Graph, loader SourceLoader, adapt DenyAllAdapter) *Composer {
	return &Composer{graph: graph, loader: loader, adapt: adapt}
}

type dependencyInfo struct {
	name       DependencyName
	node       NodeID
	world      WorldID
	exportName *string
}

// Compose links component against its declared dependencies and returns
// the fully linked component bytes. With no dependencies, the root's own
// bytes are returned unmodified (§4.F: "If there are no dependencies,
// return the root bytes unmodified").
func (c *Composer) Compose(ctx context.Context, component lockedapp.LockedComponent) ([]byte, error) {
	rootBytes, err := c.loader.Load(ctx, component.Source)
	if err != nil {
		return nil, fmt.Errorf("compose: loading root component %q: %w", component.ID, err)
	}
	if len(component.Dependencies) == 0 {
		return rootBytes, nil
	}

	rootWorldID, rootNode, err := c.graph.RegisterPackage(component.ID, rootBytes)
	if err != nil {
		return nil, fmt.Errorf("compose: registering root package: %w", err)
	}

	prepared, err := c.prepareDependencies(ctx, component.ID, rootWorldID, component.Dependencies)
	if err != nil {
		return nil, err
	}

	arguments, err := c.buildInstantiationArguments(rootWorldID, prepared)
	if err != nil {
		return nil, err
	}

	for importName, exportID := range arguments {
		if err := c.graph.SetInstantiationArgument(rootNode, importName, exportID); err != nil {
			return nil, fmt.Errorf("compose: setting instantiation argument %q: %w", importName, err)
		}
	}

	if err := c.exportAll(rootWorldID, rootNode); err != nil {
		return nil, fmt.Errorf("compose: re-exporting root exports: %w", err)
	}

	bytes, err := c.graph.Encode()
	if err != nil {
		return nil, fmt.Errorf("compose: encoding composition graph: %w", err)
	}
	return bytes, nil
}

func (c *Composer) prepareDependencies(
	ctx context.Context,
	componentID string,
	rootWorldID WorldID,
	deps map[string]lockedapp.LockedComponentDependency,
) (map[string]dependencyInfo, error) {
	importNames := make([]string, 0, len(c.graph.World(rootWorldID).Imports()))
	for name := range c.graph.World(rootWorldID).Imports() {
		importNames = append(importNames, name)
	}
	sort.Strings(importNames)

	// Deterministic iteration over the dependency map keeps conflict
	// reports reproducible across runs.
	depKeys := make([]string, 0, len(deps))
	for k := range deps {
		depKeys = append(depKeys, k)
	}
	sort.Strings(depKeys)

	mappings := make(map[string][]dependencyInfo)
	for _, rawName := range depKeys {
		depName, err := ParseDependencyName(rawName)
		if err != nil {
			return nil, fmt.Errorf("compose: %w", err)
		}

		var matched []string
		for _, imp := range importNames {
			ok, err := matchesImport(depName, imp)
			if err != nil {
				return nil, fmt.Errorf("compose: %w", err)
			}
			if ok {
				matched = append(matched, imp)
			}
		}
		if len(matched) == 0 {
			return nil, errUnmatchedDependency(componentID, depName)
		}

		info, err := c.registerDependency(ctx, depName, deps[rawName])
		if err != nil {
			return nil, err
		}
		for _, imp := range matched {
			mappings[imp] = append(mappings[imp], info)
		}
	}

	conflicts := make(map[string][]DependencyName)
	prepared := make(map[string]dependencyInfo)
	for imp, infos := range mappings {
		if len(infos) > 1 {
			names := make([]DependencyName, len(infos))
			for i, in := range infos {
				names[i] = in.name
			}
			conflicts[imp] = names
			continue
		}
		prepared[imp] = infos[0]
	}
	if len(conflicts) > 0 {
		return nil, errDependencyConflicts(componentID, conflicts)
	}
	return prepared, nil
}

func (c *Composer) registerDependency(
	ctx context.Context,
	name DependencyName,
	dep lockedapp.LockedComponentDependency,
) (dependencyInfo, error) {
	source, err := c.loader.Load(ctx, dep.Source)
	if err != nil {
		return dependencyInfo{}, fmt.Errorf("compose: loading dependency %q: %w", name, err)
	}

	packageName := name.Plain
	if name.IsPackage() {
		packageName = name.Package
	}

	if dep.Inherit.IsNone() && c.adapt != nil {
		adapted, ok, err := c.adapt.Apply(packageName, source)
		if err != nil {
			return dependencyInfo{}, fmt.Errorf("compose: applying deny-all adapter to %q: %w", name, err)
		}
		if ok {
			source = adapted
		}
	}

	worldID, node, err := c.graph.RegisterPackage(packageName, source)
	if err != nil {
		return dependencyInfo{}, fmt.Errorf("compose: registering dependency %q: %w", name, err)
	}

	var exportName *string
	if dep.Export != nil {
		exportName = dep.Export
	}
	return dependencyInfo{name: name, node: node, world: worldID, exportName: exportName}, nil
}

func (c *Composer) buildInstantiationArguments(
	rootWorldID WorldID,
	deps map[string]dependencyInfo,
) (map[string]ExportID, error) {
	checker := c.graph.Checker()
	rootWorld := c.graph.World(rootWorldID)

	importNames := make([]string, 0, len(deps))
	for k := range deps {
		importNames = append(importNames, k)
	}
	sort.Strings(importNames)

	arguments := make(map[string]ExportID, len(deps))
	for _, importName := range importNames {
		info := deps[importName]
		depWorld := c.graph.World(info.world)

		exportName := importName
		if info.exportName != nil {
			exportName = *info.exportName
		}
		exportTy, ok := depWorld.Exports()[exportName]
		if !ok {
			return nil, errMissingExport(info.name, exportName, importName)
		}

		importTy, ok := rootWorld.Imports()[importName]
		if !ok {
			return nil, fmt.Errorf("compose: internal error: import %q vanished from root world", importName)
		}
		if !checker.IsSubtype(exportTy, importTy) {
			return nil, fmt.Errorf(
				"compose: dependency %q exports %q which is not compatible with import %q",
				info.name, exportName, importName,
			)
		}

		exportID, err := c.graph.AliasInstanceExport(info.node, exportName)
		if err != nil {
			return nil, fmt.Errorf("compose: aliasing export %q of %q: %w", exportName, info.name, err)
		}
		arguments[importName] = exportID
	}
	return arguments, nil
}

func (c *Composer) exportAll(worldID WorldID, node NodeID) error {
	world := c.graph.World(worldID)
	names := make([]string, 0, len(world.Exports()))
	for name := range world.Exports() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		exportID, err := c.graph.AliasInstanceExport(node, name)
		if err != nil {
			return err
		}
		if err := c.graph.Export(exportID, name); err != nil {
			return err
		}
	}
	return nil
}
