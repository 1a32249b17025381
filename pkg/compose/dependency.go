package compose

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// DependencyName is a parsed component dependency name: either a plain
// kebab-case name, or a package-form name with an optional interface and
// version selector (`<package>[/<interface>][@<version>]`, where the
// package is `<namespace>:<name>`; `<namespace>:<name>:<interface>` is
// accepted as another spelling of the interface form).
type DependencyName struct {
	Plain     string
	Package   string
	Interface string
	Version   *semver.Version
	isPackage bool
}

// IsPackage reports whether this is the `<package>[/<interface>][@<version>]` form.
func (d DependencyName) IsPackage() bool { return d.isPackage }

func (d DependencyName) String() string {
	if !d.isPackage {
		return d.Plain
	}
	s := d.Package
	if d.Interface != "" {
		s += "/" + d.Interface
	}
	if d.Version != nil {
		s += "@" + d.Version.String()
	}
	return s
}

// ParseDependencyName parses a manifest dependency key.
func ParseDependencyName(raw string) (DependencyName, error) {
	if !strings.ContainsAny(raw, ":@") {
		if raw == "" {
			return DependencyName{}, fmt.Errorf("compose: empty dependency name")
		}
		return DependencyName{Plain: raw}, nil
	}

	rest := raw
	var version *semver.Version
	if idx := strings.LastIndex(rest, "@"); idx >= 0 {
		v, err := semver.NewVersion(rest[idx+1:])
		if err != nil {
			return DependencyName{}, fmt.Errorf("compose: invalid version in dependency name %q: %w", raw, err)
		}
		version = v
		rest = rest[:idx]
	}

	pkg := rest
	iface := ""
	if idx := strings.Index(rest, "/"); idx >= 0 {
		pkg = rest[:idx]
		iface = rest[idx+1:]
	} else if strings.Count(rest, ":") > 1 {
		idx := strings.LastIndex(rest, ":")
		pkg = rest[:idx]
		iface = rest[idx+1:]
	}
	if pkg == "" {
		return DependencyName{}, fmt.Errorf("compose: invalid dependency name %q", raw)
	}
	return DependencyName{Package: pkg, Interface: iface, Version: version, isPackage: true}, nil
}

// importName mirrors an import name as it would appear in a component
// world: either a plain kebab identifier, or `<package>/<interface>[@<version>]`.
type importName struct {
	plain     string
	pkg       string
	iface     string
	version   *semver.Version
	isPackage bool
}

func parseImportName(raw string) (importName, error) {
	if !strings.ContainsAny(raw, ":/") {
		return importName{plain: raw}, nil
	}
	pkg, rest, ok := strings.Cut(raw, "/")
	if !ok {
		return importName{}, fmt.Errorf("compose: invalid import name %q", raw)
	}
	iface := rest
	var version *semver.Version
	if idx := strings.Index(rest, "@"); idx >= 0 {
		iface = rest[:idx]
		v, err := semver.NewVersion(rest[idx+1:])
		if err != nil {
			return importName{}, fmt.Errorf("compose: invalid version in import name %q: %w", raw, err)
		}
		version = v
	}
	return importName{pkg: pkg, iface: iface, version: version, isPackage: true}, nil
}

// matchesImport reports whether a dependency name satisfies an import,
// per the composer's name-matching rule: a plain name matches a plain
// import of equal value; a package-form name matches iff package,
// interface (if specified), and version (if specified) all equal the
// import's.
func matchesImport(dep DependencyName, rawImport string) (bool, error) {
	imp, err := parseImportName(rawImport)
	if err != nil {
		return false, err
	}
	if !dep.isPackage && !imp.isPackage {
		return dep.Plain == imp.plain, nil
	}
	if dep.isPackage != imp.isPackage {
		return false, nil
	}
	if dep.Package != imp.pkg {
		return false, nil
	}
	if dep.Interface != "" && dep.Interface != imp.iface {
		return false, nil
	}
	if dep.Version != nil && (imp.version == nil || !dep.Version.Equal(imp.version)) {
		return false, nil
	}
	return true, nil
}
