package httptrigger

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/latticerun/lattice/pkg/router"
)

// buildEnv computes the SPIN_*/X_*/CGI environment and header injection
// table per spec.md §4.I. The same values feed both the Spin-style ABI
// (as headers added to the flat record) and the CGI ABI (as process
// environment variables); only the name prefix differs.
func buildEnv(r *http.Request, match router.Match, basePrefix string, clientAddr string) map[string]string {
	fullURL := reconstructFullURL(r)

	env := map[string]string{
		"FULL_URL":            fullURL,
		"PATH_INFO":           pathInfoFor(match),
		"RAW_PATH_INFO":       rawPathInfoFor(r, match),
		"MATCHED_ROUTE":       match.BasedRoute,
		"COMPONENT_ROUTE":     componentRouteFor(match),
		"RAW_COMPONENT_ROUTE": match.RawRoute,
		"BASE_PATH":           basePrefix,
		"CLIENT_ADDR":         clientAddr,
	}
	for name, value := range match.NamedWildcards {
		env["PATH_MATCH_"+strings.ToUpper(name)] = value
	}
	return env
}

// componentRouteFor is the component-relative route: the authored
// pattern minus a trailing catch-all suffix.
func componentRouteFor(match router.Match) string {
	route := strings.TrimSuffix(match.RawRoute, "/...")
	if route == "" {
		route = "/"
	}
	return route
}

// pathInfoFor extracts the trailing-wildcard remainder in its
// URL-decoded form (the request path net/http hands us is already
// percent-decoded); the still-encoded form is computed separately by
// rawPathInfoFor for X_RAW_PATH_INFO.
func pathInfoFor(match router.Match) string {
	if !match.HasTrailingWildcard() {
		return ""
	}
	return "/" + match.TrailingWildcard
}

// rawPathInfoFor recovers the still-percent-encoded remainder by taking
// the same number of trailing segments from the request's escaped path
// as the decoded remainder consumed.
func rawPathInfoFor(r *http.Request, match router.Match) string {
	if !match.HasTrailingWildcard() {
		return ""
	}
	if match.TrailingWildcard == "" {
		return ""
	}
	n := strings.Count(match.TrailingWildcard, "/") + 1
	escaped := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	segs := strings.Split(escaped, "/")
	if n > len(segs) {
		return "/" + escaped
	}
	return "/" + strings.Join(segs[len(segs)-n:], "/")
}

func reconstructFullURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	u := fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
	return u
}

// spinHeaders converts an env table computed with SPIN_-style semantics
// into the exact header names the inbound-HTTP ABI's flat record uses.
func spinHeaders(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out["SPIN_"+k] = v
	}
	return out
}

// cgiEnv builds the full CGI environment for a request, combining the
// computed env table (as X_*/PATH_INFO-prefixed names) with the standard
// CGI/1.1 variables and every inbound header as HTTP_<NAME>, excluding
// Authorization and Connection per spec.md §4.I.
func cgiEnv(r *http.Request, match router.Match, basePrefix, clientAddr, scriptName string) map[string]string {
	computed := buildEnv(r, match, basePrefix, clientAddr)
	env := map[string]string{
		"X_FULL_URL":            computed["FULL_URL"],
		"PATH_INFO":             computed["PATH_INFO"],
		"X_RAW_PATH_INFO":       computed["RAW_PATH_INFO"],
		"X_MATCHED_ROUTE":       computed["MATCHED_ROUTE"],
		"X_COMPONENT_ROUTE":     computed["COMPONENT_ROUTE"],
		"X_RAW_COMPONENT_ROUTE": computed["RAW_COMPONENT_ROUTE"],
		"X_BASE_PATH":           computed["BASE_PATH"],
		"X_CLIENT_ADDR":         computed["CLIENT_ADDR"],
		"AUTH_TYPE":             "",
		"CONTENT_LENGTH":        strconv.FormatInt(r.ContentLength, 10),
		"CONTENT_TYPE":          r.Header.Get("Content-Type"),
		"GATEWAY_INTERFACE":     "CGI/1.1",
		"QUERY_STRING":          r.URL.RawQuery,
		"REMOTE_ADDR":           clientAddr,
		"REMOTE_HOST":           clientAddr,
		"REMOTE_USER":           "",
		"REQUEST_METHOD":        r.Method,
		"SCRIPT_NAME":           scriptName,
		"SERVER_NAME":           r.URL.Hostname(),
		"SERVER_PORT":           r.URL.Port(),
		"SERVER_PROTOCOL":       r.Proto,
		"SERVER_SOFTWARE":       "lattice",
	}
	for name, value := range match.NamedWildcards {
		env["X_PATH_MATCH_"+strings.ToUpper(name)] = value
	}
	for name, values := range r.Header {
		upper := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if upper == "AUTHORIZATION" || upper == "CONNECTION" {
			continue
		}
		env["HTTP_"+upper] = strings.Join(values, ", ")
	}
	return env
}
