// Package router implements path-based component routing: it turns the
// declarative route patterns authored per HTTP trigger (literal segments,
// named wildcards, and a single trailing catch-all) into a matcher that
// picks the most specific pattern for an incoming request path, the way
// the trigger's own best-match dispatch does.
package router

import (
	"fmt"
	"strings"
)

// segmentKind classifies one path-pattern segment.
type segmentKind int

const (
	segLiteral segmentKind = iota
	segNamed
	segCatchAll // the bare "*" wildcard
	segTrailing // "/..." - must be the final segment
)

type segment struct {
	kind segmentKind
	text string // literal text, or the captured name for segNamed
}

type compiledRoute struct {
	componentID string
	rawRoute    string
	method      string // canonical upper-case; "" matches any method
	segments    []segment
	literalLen  int // length of the literal prefix; ranking uses per-segment priority instead
}

// DuplicateRoute reports a route pattern that was registered more than
// once; only the first registration is ever matched.
type DuplicateRoute struct {
	ReplacedID  string
	EffectiveID string
	Pattern     string
}

// Match is the outcome of a successful route lookup.
type Match struct {
	ComponentID      string
	RawRoute         string
	BasedRoute       string
	NamedWildcards   map[string]string
	TrailingWildcard string
	hasTrailing      bool
}

// HasTrailingWildcard reports whether the match consumed a "/..." suffix,
// distinguishing an empty trailing match from no catch-all at all.
func (m Match) HasTrailingWildcard() bool { return m.hasTrailing }

// ErrNoMatch is returned by Route when no registered pattern matches.
var ErrNoMatch = fmt.Errorf("router: no matching route")

// ErrMethodNotAllowed is returned by RouteMethod when the path matches a
// registered pattern but no registration accepts the request method; the
// trigger translates it to a 405 rather than a 404.
var ErrMethodNotAllowed = fmt.Errorf("router: method not allowed")

// Entry is one route registration: a pattern bound to a component, with
// an optional method restriction. An empty Method matches every method.
type Entry struct {
	ComponentID string
	Pattern     string
	Method      string
}

// Router resolves request paths to component ids via longest-prefix /
// named-wildcard / catch-all precedence.
type Router struct {
	base   string
	routes []compiledRoute
}

// Build compiles the given entries into a Router, along with a report of
// any (method, pattern) pair registered more than once. Base is prepended
// when reporting BasedRoute but never affects matching - per the design
// note, the legacy trigger "base" field is informational only.
func Build(base string, entries []Entry) (*Router, []DuplicateRoute, error) {
	r := &Router{base: base}
	seen := make(map[string]string, len(entries))
	var dups []DuplicateRoute
	for _, e := range entries {
		segs, err := compile(e.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("router: invalid pattern %q: %w", e.Pattern, err)
		}
		method := strings.ToUpper(e.Method)
		key := method + " " + e.Pattern
		if existing, ok := seen[key]; ok {
			dups = append(dups, DuplicateRoute{
				ReplacedID:  e.ComponentID,
				EffectiveID: existing,
				Pattern:     e.Pattern,
			})
			continue
		}
		seen[key] = e.ComponentID
		r.routes = append(r.routes, compiledRoute{
			componentID: e.ComponentID,
			rawRoute:    e.Pattern,
			method:      method,
			segments:    segs,
			literalLen:  literalPrefixLen(segs),
		})
	}
	return r, dups, nil
}

func compile(pattern string) ([]segment, error) {
	trimmed := strings.TrimPrefix(pattern, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return []segment{}, nil
	}
	if trimmed == "*" {
		return []segment{{kind: segCatchAll}}, nil
	}
	parts := strings.Split(trimmed, "/")
	segs := make([]segment, 0, len(parts))
	for i, p := range parts {
		switch {
		case p == "...":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("'/...' must be the final segment")
			}
			segs = append(segs, segment{kind: segTrailing})
		case strings.HasPrefix(p, ":"):
			name := strings.TrimPrefix(p, ":")
			if name == "" {
				return nil, fmt.Errorf("named wildcard must have a name")
			}
			segs = append(segs, segment{kind: segNamed, text: name})
		case p == "*":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("'*' must be the final segment")
			}
			segs = append(segs, segment{kind: segCatchAll})
		default:
			segs = append(segs, segment{kind: segLiteral, text: p})
		}
	}
	return segs, nil
}

func literalPrefixLen(segs []segment) int {
	n := 0
	for _, s := range segs {
		if s.kind != segLiteral {
			break
		}
		n += len(s.text) + 1
	}
	return n
}

// candidate is an internal scored match used to pick the best result.
// priority holds one score per consumed request-path position: a literal
// segment scores highest, a named wildcard scores next, and any segment
// covered by a trailing/bare catch-all scores lowest. Comparing these
// vectors position-by-position (most significant position first) is what
// makes "/posts/*" beat "/:a/:b" for "/posts/2": both match completely,
// but the first position is an exact literal in one and a capture in the
// other, so the literal wins - recovering every precedence rule in the
// spec as a side effect of a single scoring rule instead of four.
type candidate struct {
	route          *compiledRoute
	params         map[string]string
	trailing       string
	hasTrail       bool
	priority       []int
	methodSpecific bool
}

const (
	priorityWildcard = 0
	priorityNamed    = 1
	priorityLiteral  = 2
)

// Route resolves a request path to its best-matching component without
// regard to method, for callers (like startup diagnostics) that only care
// about path coverage.
//
// Precedence: exact literal match, then named-wildcard match with the
// longer literal prefix, then trailing catch-all ("/...") with the
// longer literal prefix, then the bare "*" catch-all last.
func (r *Router) Route(path string) (Match, error) {
	best, matchedPath := r.bestMatch("", path)
	if best == nil {
		if matchedPath {
			return Match{}, ErrMethodNotAllowed
		}
		return Match{}, ErrNoMatch
	}
	return r.toMatch(best), nil
}

// RouteMethod resolves (method, path) to its best-matching component.
// A method-specific registration always beats an equally-specific
// method-agnostic one, so an agnostic wildcard can never shadow a
// method-bound exact route. HEAD falls back to GET when no HEAD-specific
// registration matches. A path that matches only under other methods
// fails with ErrMethodNotAllowed rather than ErrNoMatch.
func (r *Router) RouteMethod(method, path string) (Match, error) {
	m := strings.ToUpper(method)
	best, matchedPath := r.bestMatch(m, path)
	if best == nil && m == "HEAD" {
		var getMatched bool
		best, getMatched = r.bestMatch("GET", path)
		matchedPath = matchedPath || getMatched
	}
	if best == nil {
		if matchedPath {
			return Match{}, ErrMethodNotAllowed
		}
		return Match{}, ErrNoMatch
	}
	return r.toMatch(best), nil
}

// bestMatch scans every registration, keeping the best candidate whose
// method admits the request ("" admits everything on both sides). The
// second return reports whether any registration matched the path at
// all, which is what separates a 404 from a 405.
func (r *Router) bestMatch(method, path string) (*candidate, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	var reqSegs []string
	if trimmed != "" {
		reqSegs = strings.Split(trimmed, "/")
	}

	var best *candidate
	matchedPath := false
	for i := range r.routes {
		rt := &r.routes[i]
		cand, ok := matchRoute(rt, reqSegs)
		if !ok {
			continue
		}
		matchedPath = true
		if method != "" && rt.method != "" && rt.method != method {
			continue
		}
		cand.route = rt
		cand.methodSpecific = rt.method != ""
		if best == nil || betterThan(&cand, best) {
			c := cand
			best = &c
		}
	}
	return best, matchedPath
}

func (r *Router) toMatch(best *candidate) Match {
	return Match{
		ComponentID:      best.route.componentID,
		RawRoute:         best.route.rawRoute,
		BasedRoute:       joinBase(r.base, best.route.rawRoute),
		NamedWildcards:   best.params,
		TrailingWildcard: best.trailing,
		hasTrailing:      best.hasTrail,
	}
}

// betterThan reports whether candidate a outranks b: the first priority
// position where they differ decides, higher score wins; on a full tie a
// method-specific registration outranks a method-agnostic one.
func betterThan(a, b *candidate) bool {
	n := len(a.priority)
	if len(b.priority) < n {
		n = len(b.priority)
	}
	for i := 0; i < n; i++ {
		if a.priority[i] != b.priority[i] {
			return a.priority[i] > b.priority[i]
		}
	}
	if len(a.priority) != len(b.priority) {
		return len(a.priority) > len(b.priority)
	}
	return a.methodSpecific && !b.methodSpecific
}

func matchRoute(rt *compiledRoute, reqSegs []string) (candidate, bool) {
	segs := rt.segments

	if len(segs) == 1 && segs[0].kind == segCatchAll {
		priority := make([]int, len(reqSegs))
		return candidate{
			priority: priority,
			trailing: strings.Join(reqSegs, "/"),
			hasTrail: true,
		}, true
	}

	params := map[string]string{}
	priority := make([]int, 0, len(reqSegs))
	for i, s := range segs {
		switch s.kind {
		case segTrailing, segCatchAll:
			rest := reqSegs[i:]
			for range rest {
				priority = append(priority, priorityWildcard)
			}
			return candidate{
				priority: priority,
				params:   params,
				trailing: strings.Join(rest, "/"),
				hasTrail: true,
			}, true
		case segLiteral:
			if i >= len(reqSegs) || reqSegs[i] != s.text {
				return candidate{}, false
			}
			priority = append(priority, priorityLiteral)
		case segNamed:
			if i >= len(reqSegs) {
				return candidate{}, false
			}
			params[s.text] = reqSegs[i]
			priority = append(priority, priorityNamed)
		}
	}
	if len(segs) != len(reqSegs) {
		return candidate{}, false
	}
	return candidate{priority: priority, params: params}, true
}

func joinBase(base, route string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return base + route
}

// Base returns the informational base prefix this router was built with.
// Per the design note on the legacy "base" field, it never affects
// matching and exists purely for callers that want to report it (e.g. the
// HTTP trigger's SPIN_BASE_PATH/X_BASE_PATH env vars).
func (r *Router) Base() string { return r.base }

// Routes returns every compiled registration, in registration order, for
// diagnostics (e.g. startup route listings).
func (r *Router) Routes() []Entry {
	out := make([]Entry, len(r.routes))
	for i, rt := range r.routes {
		out[i] = Entry{ComponentID: rt.componentID, Pattern: rt.rawRoute, Method: rt.method}
	}
	return out
}
