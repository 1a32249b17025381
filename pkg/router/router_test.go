package router

import "testing"

func build(t *testing.T, base string, entries ...Entry) *Router {
	t.Helper()
	r, _, err := Build(base, entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return r
}

func TestExactLiteralBeatsWildcard(t *testing.T) {
	r := build(t, "/", Entry{ComponentID: "exact", Pattern: "/foo"}, Entry{ComponentID: "wild", Pattern: "/:x"})
	m, err := r.Route("/foo")
	if err != nil {
		t.Fatal(err)
	}
	if m.ComponentID != "exact" {
		t.Fatalf("expected exact, got %s", m.ComponentID)
	}
}

func TestCatchAllBeatsNamedWildcardsWithLongerPrefix(t *testing.T) {
	// Scenario 4 from spec.md §8.
	r := build(t, "/", Entry{ComponentID: "ab", Pattern: "/:a/:b"}, Entry{ComponentID: "posts", Pattern: "/posts/*"})
	m, err := r.Route("/posts/2")
	if err != nil {
		t.Fatal(err)
	}
	if m.ComponentID != "posts" {
		t.Fatalf("expected posts (/posts/* wins via longer literal prefix), got %s", m.ComponentID)
	}
}

func TestTrailingCatchAllCapturesRemainder(t *testing.T) {
	r := build(t, "/", Entry{ComponentID: "files", Pattern: "/assets/..."})
	m, err := r.Route("/assets/img/logo.png")
	if err != nil {
		t.Fatal(err)
	}
	if !m.HasTrailingWildcard() || m.TrailingWildcard != "img/logo.png" {
		t.Fatalf("unexpected trailing match: %+v", m)
	}
}

func TestNamedWildcardCapture(t *testing.T) {
	r := build(t, "/", Entry{ComponentID: "user", Pattern: "/users/:id"})
	m, err := r.Route("/users/42")
	if err != nil {
		t.Fatal(err)
	}
	if m.NamedWildcards["id"] != "42" {
		t.Fatalf("expected id=42, got %+v", m.NamedWildcards)
	}
}

func TestBareCatchAllIsLowestPriority(t *testing.T) {
	r := build(t, "/", Entry{ComponentID: "all", Pattern: "/*"}, Entry{ComponentID: "specific", Pattern: "/foo/bar"})
	m, err := r.Route("/foo/bar")
	if err != nil {
		t.Fatal(err)
	}
	if m.ComponentID != "specific" {
		t.Fatalf("expected specific, got %s", m.ComponentID)
	}
	m2, err := r.Route("/foo/baz")
	if err != nil {
		t.Fatal(err)
	}
	if m2.ComponentID != "all" {
		t.Fatalf("expected all, got %s", m2.ComponentID)
	}
}

func TestNoMatch(t *testing.T) {
	r := build(t, "/", Entry{ComponentID: "only", Pattern: "/only"})
	if _, err := r.Route("/nope"); err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestDuplicatePatternReported(t *testing.T) {
	entries := []Entry{
		{ComponentID: "first", Pattern: "/dup"},
		{ComponentID: "second", Pattern: "/dup"},
	}
	r, dups, err := Build("/", entries)
	if err != nil {
		t.Fatal(err)
	}
	if len(dups) != 1 || dups[0].EffectiveID != "first" || dups[0].ReplacedID != "second" {
		t.Fatalf("unexpected duplicate report: %+v", dups)
	}
	m, err := r.Route("/dup")
	if err != nil {
		t.Fatal(err)
	}
	if m.ComponentID != "first" {
		t.Fatalf("expected first registration to win, got %s", m.ComponentID)
	}
}

func TestBasedRoutePrefixesBase(t *testing.T) {
	r := build(t, "/api", Entry{ComponentID: "x", Pattern: "/foo"})
	m, err := r.Route("/foo")
	if err != nil {
		t.Fatal(err)
	}
	if m.BasedRoute != "/api/foo" {
		t.Fatalf("expected /api/foo, got %s", m.BasedRoute)
	}
}

func TestRouteMethodMismatchIs405(t *testing.T) {
	r := build(t, "/", Entry{ComponentID: "create", Pattern: "/items", Method: "POST"})
	if _, err := r.RouteMethod("DELETE", "/items"); err != ErrMethodNotAllowed {
		t.Fatalf("expected ErrMethodNotAllowed, got %v", err)
	}
	if _, err := r.RouteMethod("GET", "/nope"); err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch for unknown path, got %v", err)
	}
}

func TestRouteMethodSpecificBeatsAgnosticWildcard(t *testing.T) {
	r := build(t, "/",
		Entry{ComponentID: "catchall", Pattern: "/items/..."},
		Entry{ComponentID: "get-item", Pattern: "/items/:id", Method: "GET"},
	)
	m, err := r.RouteMethod("GET", "/items/7")
	if err != nil {
		t.Fatal(err)
	}
	if m.ComponentID != "get-item" {
		t.Fatalf("expected method-specific route to win, got %s", m.ComponentID)
	}
	m2, err := r.RouteMethod("POST", "/items/7")
	if err != nil {
		t.Fatal(err)
	}
	if m2.ComponentID != "catchall" {
		t.Fatalf("expected agnostic catch-all for POST, got %s", m2.ComponentID)
	}
}

func TestRouteMethodSpecificBeatsAgnosticOnSamePattern(t *testing.T) {
	r := build(t, "/",
		Entry{ComponentID: "any", Pattern: "/items"},
		Entry{ComponentID: "get", Pattern: "/items", Method: "GET"},
	)
	m, err := r.RouteMethod("GET", "/items")
	if err != nil {
		t.Fatal(err)
	}
	if m.ComponentID != "get" {
		t.Fatalf("expected GET-specific registration, got %s", m.ComponentID)
	}
}

func TestRouteMethodHeadFallsBackToGet(t *testing.T) {
	r := build(t, "/", Entry{ComponentID: "page", Pattern: "/page", Method: "GET"})
	m, err := r.RouteMethod("HEAD", "/page")
	if err != nil {
		t.Fatal(err)
	}
	if m.ComponentID != "page" {
		t.Fatalf("expected HEAD to fall back to GET, got %s", m.ComponentID)
	}
}
