// Package devwatch classifies filesystem events for the dev-loop reload
// signal: which changes belong to the manifest, to component sources, or
// to build artifacts, and which should be ignored outright. It is
// deliberately backend-agnostic — it accepts whatever raw events an
// embedder's filesystem watcher produces and answers one question, "does
// this warrant a reload," without importing a watcher library itself (none
// of the example repos in this pack pull one in).
package devwatch

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// EventKind is the minimal classification of a raw filesystem event this
// filter cares about; anything else (metadata-only changes, chmod, etc.)
// is not a valid kind and is always rejected.
type EventKind int

const (
	EventOther EventKind = iota
	EventCreate
	EventModifyContent
	EventModifyName
	EventRemove
)

// Event is one raw filesystem notification, reduced to what Filter needs:
// the path and the kind of change observed.
type Event struct {
	Path string
	Kind EventKind
}

// Pattern is a compiled glob pattern rooted at an absolute directory.
type Pattern struct {
	Glob string
}

// Match reports whether path matches this glob. It first tries
// path/filepath.Match against the whole path; failing that, it matches the
// glob's last element against the path's base name, so a pattern such as
// "*.swp" or "**/*.rs" matches files in any directory. The fallback does
// not look at the glob's directory part: a pattern rooted at one directory
// also matches a same-named file elsewhere.
func (p Pattern) Match(path string) bool {
	if ok, _ := filepath.Match(p.Glob, path); ok {
		return true
	}
	// filepath.Match doesn't support "**"; approximate recursive globs by
	// matching the glob's last element against the base name, which
	// covers the common "**/*.rs"-style source pattern.
	base := filepath.Base(path)
	collapsed := filepath.Base(p.Glob)
	ok, _ := filepath.Match(collapsed, base)
	return ok
}

// NewPattern builds a Pattern by joining glob onto root, matching the
// reference implementation's WatchPattern::new (it anchors every relative
// glob at the app directory).
func NewPattern(root, glob string) Pattern {
	if filepath.IsAbs(glob) {
		return Pattern{Glob: glob}
	}
	return Pattern{Glob: filepath.Join(root, glob)}
}

// DefaultIgnorePatterns mirrors Filter::default_ignore_patterns: vim swap
// files are always ignored.
func DefaultIgnorePatterns() []Pattern {
	return []Pattern{{Glob: "*.swp"}}
}

// Config declares the pattern sets a Filter classifies changes against.
type Config struct {
	ManifestPattern  Pattern
	SourcePatterns   []Pattern
	ArtifactPatterns []Pattern
	IgnorePatterns   []Pattern
}

// Filter decides whether a raw filesystem event should trigger a reload,
// and classifies which pattern set (manifest/source/artifact) it matched.
type Filter struct {
	config          Config
	processStart    time.Time
	modifiedAtMu    sync.Mutex
	modifiedAt      map[string]time.Time
	crossCheckMtime bool // only meaningful on macOS; exposed for testing
}

// New constructs a Filter. crossCheckMtime defaults to true only when
// running on darwin, matching the reference's cfg!(target_os = "macos")
// guard against spurious copy-generated modify events.
func New(config Config) *Filter {
	return &Filter{
		config:          config,
		processStart:    time.Now(),
		modifiedAt:      map[string]time.Time{},
		crossCheckMtime: runtime.GOOS == "darwin",
	}
}

// MatchesManifestPattern reports whether any path in the event matches the
// manifest pattern.
func (f *Filter) MatchesManifestPattern(path string) bool {
	return f.config.ManifestPattern.Match(path)
}

// MatchesSourcePattern reports whether path matches any source pattern.
func (f *Filter) MatchesSourcePattern(path string) bool {
	return matchesAny(f.config.SourcePatterns, path)
}

// MatchesArtifactPattern reports whether path matches any artifact
// pattern.
func (f *Filter) MatchesArtifactPattern(path string) bool {
	return matchesAny(f.config.ArtifactPatterns, path)
}

func (f *Filter) matchesIgnorePattern(path string) bool {
	return matchesAny(f.config.IgnorePatterns, path)
}

func matchesAny(patterns []Pattern, path string) bool {
	for _, p := range patterns {
		if p.Match(path) {
			return true
		}
	}
	return false
}

func validEventKind(kind EventKind) bool {
	switch kind {
	case EventCreate, EventModifyContent, EventModifyName, EventRemove:
		return true
	default:
		return false
	}
}

// Classification names which watched pattern set a passing event belongs
// to, so the caller can decide how to react (e.g. re-parse the manifest vs
// rebuild a component).
type Classification int

const (
	ClassManifest Classification = iota
	ClassSource
	ClassArtifact
)

// Decision is the result of checking one event.
type Decision struct {
	Reload bool
	Class  Classification
}

// Check classifies a single event, mirroring Filterer::check_event's
// ordered rejection chain: invalid kind, then ignore patterns, then
// "doesn't match anything watched", then (on macOS) a spurious-mtime
// cross-check for every event kind except removal.
func (f *Filter) Check(ev Event) Decision {
	if !validEventKind(ev.Kind) {
		return Decision{Reload: false}
	}
	if f.matchesIgnorePattern(ev.Path) {
		return Decision{Reload: false}
	}

	var class Classification
	switch {
	case f.MatchesManifestPattern(ev.Path):
		class = ClassManifest
	case f.MatchesSourcePattern(ev.Path):
		class = ClassSource
	case f.MatchesArtifactPattern(ev.Path):
		class = ClassArtifact
	default:
		return Decision{Reload: false}
	}

	if f.crossCheckMtime && ev.Kind != EventRemove {
		modified, err := f.pathActuallyModified(ev.Path)
		if err != nil || !modified {
			return Decision{Reload: false}
		}
	}

	return Decision{Reload: true, Class: class}
}

// pathActuallyModified cross-checks a file's on-disk mtime against the
// last mtime this Filter observed for the same path (or process start, if
// this is the first time it's seen), defeating macOS's spurious
// copy-generated modify events (the same file can be notified as modified
// without its content actually changing when a tool replaces it via a
// temp-file-then-rename copy).
func (f *Filter) pathActuallyModified(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	mtime := info.ModTime()

	f.modifiedAtMu.Lock()
	defer f.modifiedAtMu.Unlock()

	base, ok := f.modifiedAt[path]
	if !ok {
		base = f.processStart
	}
	if mtime.After(base) {
		f.modifiedAt[path] = mtime
		return true, nil
	}
	return false, nil
}
