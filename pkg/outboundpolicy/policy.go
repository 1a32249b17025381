// Package outboundpolicy implements the outbound allow-list: parsing
// `<scheme>://<host>[:<port>]` entries and deciding whether a guest's
// outbound request is permitted. Decomposition is by tagged variant
// (SchemeConfig/HostConfig/PortConfig), not dynamic dispatch, per the
// kernel's preference for enums over trait objects in this one spot.
package outboundpolicy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// wellKnownPort returns the default port associated with a scheme, or
// false if the scheme has none.
func wellKnownPort(scheme string) (uint16, bool) {
	switch scheme {
	case "http":
		return 80, true
	case "https":
		return 443, true
	case "postgres":
		return 5432, true
	case "mysql":
		return 3306, true
	case "redis":
		return 6379, true
	default:
		return 0, false
	}
}

// SchemeConfig is Any or an explicit list of alphabetic scheme names.
type SchemeConfig struct {
	any    bool
	values []string
}

func parseSchemeConfig(scheme string) (SchemeConfig, error) {
	if scheme == "*" {
		return SchemeConfig{any: true}, nil
	}
	if strings.HasPrefix(scheme, "{") {
		return SchemeConfig{}, fmt.Errorf("scheme lists are not yet supported")
	}
	for _, c := range scheme {
		if !isAlpha(c) {
			return SchemeConfig{}, fmt.Errorf("scheme %q contains non alphabetic character", scheme)
		}
	}
	return SchemeConfig{values: []string{scheme}}, nil
}

func isAlpha(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// AllowsAny reports whether this SchemeConfig is the wildcard "*".
func (s SchemeConfig) AllowsAny() bool { return s.any }

func (s SchemeConfig) allows(scheme string) bool {
	if s.any {
		return true
	}
	for _, v := range s.values {
		if v == scheme {
			return true
		}
	}
	return false
}

// HostConfig is Any, ToSelf ("self"), an explicit host list, or a CIDR.
type HostConfig struct {
	any    bool
	toSelf bool
	values []string
	cidr   *net.IPNet
}

func parseHostConfig(host string) (HostConfig, error) {
	host = strings.TrimSpace(host)
	if host == "*" {
		return HostConfig{any: true}, nil
	}
	if host == "self" {
		return HostConfig{toSelf: true}, nil
	}
	if strings.HasPrefix(host, "{") {
		return HostConfig{}, fmt.Errorf("host lists are not yet supported")
	}
	if _, ipnet, err := net.ParseCIDR(host); err == nil {
		return HostConfig{cidr: ipnet}, nil
	}
	if parts := strings.SplitN(host, "/", 2); len(parts) == 2 && parts[1] != "" {
		return HostConfig{}, fmt.Errorf("hosts must not contain paths")
	}
	return HostConfig{values: []string{host}}, nil
}

func (h HostConfig) allows(host string) bool {
	switch {
	case h.any:
		return true
	case h.toSelf:
		return false
	case h.cidr != nil:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return h.cidr.Contains(ip)
	default:
		for _, v := range h.values {
			if v == host {
				return true
			}
		}
		return false
	}
}

func (h HostConfig) allowsRelative() bool {
	return h.any || h.toSelf
}

// IndividualPortConfig is either an exact port or a half-open range
// [start, end).
type IndividualPortConfig struct {
	port       uint16
	isRange    bool
	rangeStart uint16
	rangeEnd   uint16
}

func parseIndividualPort(port string) (IndividualPortConfig, error) {
	if start, end, ok := strings.Cut(port, ".."); ok {
		s, err := strconv.ParseUint(start, 10, 16)
		if err != nil {
			return IndividualPortConfig{}, fmt.Errorf("port range %q contains non-number", port)
		}
		e, err := strconv.ParseUint(end, 10, 16)
		if err != nil {
			return IndividualPortConfig{}, fmt.Errorf("port range %q contains non-number", port)
		}
		return IndividualPortConfig{isRange: true, rangeStart: uint16(s), rangeEnd: uint16(e)}, nil
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return IndividualPortConfig{}, fmt.Errorf("port %q is not a number", port)
	}
	return IndividualPortConfig{port: uint16(p)}, nil
}

func (p IndividualPortConfig) allows(port uint16) bool {
	if p.isRange {
		return port >= p.rangeStart && port < p.rangeEnd
	}
	return p.port == port
}

// PortConfig is Any or an explicit list of ports/ranges.
type PortConfig struct {
	any    bool
	values []IndividualPortConfig
}

func parsePortConfig(port, scheme string) (PortConfig, error) {
	if port == "" {
		wk, ok := wellKnownPort(scheme)
		if !ok {
			return PortConfig{}, fmt.Errorf("no port was provided and the scheme %q does not have a known default port number", scheme)
		}
		return PortConfig{values: []IndividualPortConfig{{port: wk}}}, nil
	}
	if port == "*" {
		return PortConfig{any: true}, nil
	}
	if strings.HasPrefix(port, "{") {
		return PortConfig{}, fmt.Errorf("port lists are not yet supported")
	}
	p, err := parseIndividualPort(port)
	if err != nil {
		return PortConfig{}, err
	}
	return PortConfig{values: []IndividualPortConfig{p}}, nil
}

func (p PortConfig) allows(port *uint16, scheme string) bool {
	if p.any {
		return true
	}
	resolved := port
	if resolved == nil {
		if wk, ok := wellKnownPort(scheme); ok {
			resolved = &wk
		} else {
			return false
		}
	}
	for _, v := range p.values {
		if v.allows(*resolved) {
			return true
		}
	}
	return false
}

// AllowedHostConfig is one parsed `<scheme>://<host>[:<port>]` entry.
type AllowedHostConfig struct {
	original string
	scheme   SchemeConfig
	host     HostConfig
	port     PortConfig
}

// ParseAllowedHostConfig parses a single allow-list entry.
func ParseAllowedHostConfig(raw string) (AllowedHostConfig, error) {
	original := raw
	trimmed := strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(trimmed, "://")
	if !ok {
		return AllowedHostConfig{}, fmt.Errorf("%q does not contain a scheme (e.g., 'http://' or '*://')", trimmed)
	}

	host, portPart, hasColon := strings.Cut(rest, ":")
	if !hasColon {
		portPart = ""
		host = rest
	}

	port := portPart
	if idx := strings.Index(portPart, "/"); idx >= 0 {
		path := portPart[idx+1:]
		if path != "" {
			return AllowedHostConfig{}, fmt.Errorf("%q has a path but is not allowed to", trimmed)
		}
		port = portPart[:idx]
	}

	sc, err := parseSchemeConfig(scheme)
	if err != nil {
		return AllowedHostConfig{}, err
	}
	hc, err := parseHostConfig(host)
	if err != nil {
		return AllowedHostConfig{}, err
	}
	pc, err := parsePortConfig(port, scheme)
	if err != nil {
		return AllowedHostConfig{}, err
	}

	return AllowedHostConfig{original: original, scheme: sc, host: hc, port: pc}, nil
}

func (a AllowedHostConfig) allows(u OutboundURL) bool {
	return a.scheme.allows(u.Scheme) && a.host.allows(u.Host) && a.port.allows(u.Port, u.Scheme)
}

func (a AllowedHostConfig) allowsRelative(schemes []string) bool {
	for _, s := range schemes {
		if a.scheme.allows(s) {
			return a.host.allowsRelative()
		}
	}
	return false
}

func (a AllowedHostConfig) String() string { return a.original }

// AllowedHostsConfig is the full configured allow-list for a component:
// either unconditional All, or a specific set of parsed entries.
type AllowedHostsConfig struct {
	all   bool
	hosts []AllowedHostConfig
}

// AllAllowed is the allow-list that permits every outbound request.
func AllAllowed() AllowedHostsConfig {
	return AllowedHostsConfig{all: true}
}

// Parse parses a list of allow-list entries. The magic literal
// "insecure:allow-all" is rejected; callers wanting "allow everything"
// must author "*://*:*" explicitly.
func Parse(hosts []string) (AllowedHostsConfig, error) {
	if len(hosts) == 1 && hosts[0] == "insecure:allow-all" {
		return AllowedHostsConfig{}, fmt.Errorf("'insecure:allow-all' is not allowed - use '*://*:*' instead if you really want to allow all outbound traffic")
	}
	for _, h := range hosts {
		if h == "insecure:allow-all" {
			return AllowedHostsConfig{}, fmt.Errorf("'insecure:allow-all' is not allowed - use '*://*:*' instead if you really want to allow all outbound traffic")
		}
	}
	parsed := make([]AllowedHostConfig, 0, len(hosts))
	for _, h := range hosts {
		cfg, err := ParseAllowedHostConfig(h)
		if err != nil {
			return AllowedHostsConfig{}, err
		}
		parsed = append(parsed, cfg)
	}
	return AllowedHostsConfig{hosts: parsed}, nil
}

// Allows reports whether the given absolute URL is permitted.
func (c AllowedHostsConfig) Allows(u OutboundURL) bool {
	if c.all {
		return true
	}
	for _, h := range c.hosts {
		if h.allows(u) {
			return true
		}
	}
	return false
}

// AllowsRelativeURL reports whether a relative (self-chaining) outbound
// request using one of the given schemes is permitted.
func (c AllowedHostsConfig) AllowsRelativeURL(schemes []string) bool {
	if c.all {
		return true
	}
	for _, h := range c.hosts {
		if h.allowsRelative(schemes) {
			return true
		}
	}
	return false
}

// SuggestedEntry renders the copy-pastable allow-list line emitted on
// first outbound denial, per the external-interfaces diagnostic format.
func SuggestedEntry(u OutboundURL) string {
	if u.Port != nil {
		return fmt.Sprintf("allowed_outbound_hosts = [%q]", fmt.Sprintf("%s://%s:%d", u.Scheme, u.Host, *u.Port))
	}
	return fmt.Sprintf("allowed_outbound_hosts = [%q] ($PORT is the correct port number)", fmt.Sprintf("%s://%s:$PORT", u.Scheme, u.Host))
}

// OutboundURL is a parsed scheme/host/port decomposition of a guest's
// outbound request target.
type OutboundURL struct {
	Scheme   string
	Host     string
	Port     *uint16
	original string
}

func (u OutboundURL) String() string { return u.original }

// ParseOutboundURL parses a possibly-relative URL string, falling back
// to prefixing it with the given default scheme when it lacks an
// authority, mirroring the two-attempt parse used for self-chaining
// and userinfo-bearing connection strings.
func ParseOutboundURL(raw, scheme string) (OutboundURL, error) {
	original := raw
	encoded := encodeUserinfo(raw)

	parsed, err := url.Parse(encoded)
	if err != nil || parsed.Hostname() == "" {
		secondTry, secondErr := url.Parse(scheme + "://" + encoded)
		if secondErr == nil && secondTry.Hostname() != "" {
			parsed = secondTry
			err = nil
		} else if err == nil {
			err = fmt.Errorf("%q does not have a host component", raw)
		}
	}
	if err != nil {
		return OutboundURL{}, err
	}
	if parsed.Hostname() == "" {
		return OutboundURL{}, fmt.Errorf("%q does not have a host component", raw)
	}

	var port *uint16
	if p := parsed.Port(); p != "" {
		v, perr := strconv.ParseUint(p, 10, 16)
		if perr != nil {
			return OutboundURL{}, fmt.Errorf("invalid port in %q: %w", raw, perr)
		}
		pv := uint16(v)
		port = &pv
	}

	return OutboundURL{
		Scheme:   parsed.Scheme,
		Host:     parsed.Hostname(),
		Port:     port,
		original: original,
	}, nil
}

// encodeUserinfo percent-encodes a bare "user:pass#frag@host" userinfo
// segment so that special characters (like '#') in connection-string
// style URLs do not get misparsed as a fragment delimiter.
func encodeUserinfo(raw string) string {
	at := strings.Index(raw, "@")
	if at < 0 {
		return raw
	}
	schemeEnd := 0
	if idx := strings.Index(raw, "://"); idx >= 0 {
		schemeEnd = idx + 3
	}
	if schemeEnd > at {
		return raw
	}
	userinfo := raw[schemeEnd:at]
	return raw[:schemeEnd] + url.QueryEscape(userinfo) + raw[at:]
}
