// Package outbound implements the outbound HTTP interceptor: every
// request a guest issues passes through here before it reaches the
// network, so self-origin rewriting, the allow-list check, and per-host
// TLS selection all happen in one place regardless of which component-
// model ABI the guest used to issue the request.
package outbound

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	hosttls "github.com/latticerun/lattice/pkg/crypto/tls"
	"github.com/latticerun/lattice/pkg/observability"
	"github.com/latticerun/lattice/pkg/outboundpolicy"
	"golang.org/x/time/rate"
)

// ErrorCode mirrors the wasi-http error-code taxonomy that outbound
// failures are mapped onto, so the three ABI variants the trigger
// supports can each translate it into their own wire representation.
type ErrorCode string

const (
	ErrCodeHTTPRequestDenied     ErrorCode = "http-request-denied"
	ErrCodeHTTPRequestURIInvalid ErrorCode = "http-request-uri-invalid"
	ErrCodeConnectionTimeout     ErrorCode = "connection-timeout"
	ErrCodeConnectionRefused     ErrorCode = "connection-refused"
	ErrCodeDNSError              ErrorCode = "dns-error"
	ErrCodeTLSProtocolError      ErrorCode = "tls-protocol-error"
	ErrCodeHTTPProtocolError     ErrorCode = "http-protocol-error"
	ErrCodeInternalError         ErrorCode = "internal-error"
)

// Error wraps an ErrorCode with a human message, the Go-idiomatic
// counterpart to wasmtime-wasi-http's ErrorCode enum.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SelfOrigin describes how to resolve a relative outbound request back
// to this host's own listener, the way the HTTP trigger's "self" request
// chaining works for components calling their own app.
type SelfOrigin struct {
	UseTLS bool
	Host   string // authority, e.g. "127.0.0.1:3000"
}

func (o SelfOrigin) hostHeader() string { return o.Host }

func (o SelfOrigin) rewrite(req *http.Request) {
	req.Host = o.hostHeader()
	req.URL.Scheme = "http"
	if o.UseTLS {
		req.URL.Scheme = "https"
	}
	req.URL.Host = o.Host
}

// Interceptor lets a caller rewrite or short-circuit an outbound request
// before policy checks run (used for tests and for host-injected request
// shaping); returning handled=true bypasses the network entirely, and the
// returned response and error go straight back to the caller.
type Interceptor interface {
	Intercept(req *http.Request) (*http.Response, bool, error)
}

// TLSConfigSource resolves a per-host TLS client config, mirroring the
// component_tls_configs table keyed by host in the reference factor.
type TLSConfigSource interface {
	ClientConfigFor(host string) *tls.Config
}

// staticTLSConfigs is the simplest TLSConfigSource: one config for every
// host that doesn't have an explicit override.
type staticTLSConfigs struct {
	perHost map[string]*tls.Config
	byDefault *tls.Config
}

// NewStaticTLSConfigs builds a TLSConfigSource from a per-host override
// map plus a fallback, grounded on pkg/crypto/tls's ClientConfig builder.
func NewStaticTLSConfigs(perHost map[string]*tls.Config) TLSConfigSource {
	return staticTLSConfigs{perHost: perHost, byDefault: hosttls.ClientConfig("")}
}

func (s staticTLSConfigs) ClientConfigFor(host string) *tls.Config {
	if cfg, ok := s.perHost[host]; ok {
		return cfg
	}
	cfg := *s.byDefault
	cfg.ServerName = host
	return &cfg
}

// Timeouts holds the connect/first-byte/between-bytes timeout triplet
// wasi-http configures per request. Connect bounds dialing and FirstByte
// bounds the wait for response headers. BetweenBytes is applied as the
// transport's idle-connection timeout; it does not bound the gap between
// bytes while a response body is read.
type Timeouts struct {
	Connect      time.Duration
	FirstByte    time.Duration
	BetweenBytes time.Duration
}

// DefaultTimeouts matches the reference implementation's defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 30 * time.Second, FirstByte: 60 * time.Second, BetweenBytes: 10 * time.Second}
}

// HostRateLimiter bounds how often this instance may open new connections
// to a given host, independent of the allow-list decision: a host can be
// permitted and still rate-limited, the way a noisy-neighbor component
// shouldn't be able to hammer a shared downstream even within its own
// allow-list.
type HostRateLimiter struct {
	mu       chan struct{} // 1-buffered mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewHostRateLimiter builds a limiter allowing ratePerSecond connection
// attempts per host, bursting up to burst.
func NewHostRateLimiter(ratePerSecond float64, burst int) *HostRateLimiter {
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &HostRateLimiter{mu: mu, limiters: map[string]*rate.Limiter{}, limit: rate.Limit(ratePerSecond), burst: burst}
}

// Wait blocks until a connection attempt to host is permitted, or ctx is
// done.
func (h *HostRateLimiter) Wait(ctx context.Context, host string) error {
	<-h.mu
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[host] = l
	}
	h.mu <- struct{}{}
	return l.Wait(ctx)
}

// Client issues outbound HTTP requests on behalf of a component instance,
// enforcing self-origin rewriting, the allow-list, and per-host TLS
// selection before any byte reaches the network.
type Client struct {
	Policy      outboundpolicy.AllowedHostsConfig
	Origin      *SelfOrigin // nil if this instance has no self-chaining origin configured
	TLS         TLSConfigSource
	Interceptor Interceptor
	Timeouts    Timeouts
	RateLimiter *HostRateLimiter        // nil disables rate limiting
	Metrics     *observability.Provider // nil disables decision metrics
}

// Send performs one outbound request, applying the full pipeline the
// reference factor's send_request/send_request_impl applies: interceptor
// first, then self-origin rewrite or absolute-URL allow-list check, then
// the network round trip with phase timeouts.
func (c *Client) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.Interceptor != nil {
		if resp, handled, err := c.Interceptor.Intercept(req); handled {
			return resp, err
		}
	}

	isRelative := req.URL.Host == ""
	if isRelative {
		if !c.Policy.AllowsRelativeURL([]string{"http", "https"}) {
			c.Metrics.RecordOutboundDecision(ctx, "self", false)
			return nil, c.handleNotAllowed(req, true, nil)
		}
		if c.Origin == nil {
			return nil, newError(ErrCodeInternalError, "cannot send relative outbound request; no self origin configured")
		}
		c.Metrics.RecordOutboundDecision(ctx, "self", true)
		c.Origin.rewrite(req)
	} else {
		outboundURL, err := outboundpolicy.ParseOutboundURL(req.URL.String(), "https")
		if err != nil {
			return nil, newError(ErrCodeHTTPRequestURIInvalid, "%v", err)
		}
		if !c.Policy.Allows(outboundURL) {
			c.Metrics.RecordOutboundDecision(ctx, outboundURL.Host, false)
			return nil, c.handleNotAllowed(req, false, &outboundURL)
		}
		c.Metrics.RecordOutboundDecision(ctx, outboundURL.Host, true)
	}

	return c.roundTrip(ctx, req)
}

// denyDiagnosticOnce gates the first-denial-per-process stderr hint.
var denyDiagnosticOnce sync.Once

// handleNotAllowed mirrors handle_not_allowed's copy-pastable diagnostic:
// distinct wording for a relative (self) request vs. an absolute host,
// using outboundpolicy.SuggestedEntry to name the exact allow-list line
// that would have permitted the absolute-URL case. On the first denial in
// this process the suggestion is also emitted to stderr so an operator
// watching the logs can paste it straight into the manifest.
func (c *Client) handleNotAllowed(req *http.Request, isRelative bool, outboundURL *outboundpolicy.OutboundURL) *Error {
	if isRelative {
		return newError(ErrCodeHTTPRequestDenied,
			"request to self not allowed; this component has no relative outbound permission")
	}
	entry := outboundpolicy.SuggestedEntry(*outboundURL)
	denyDiagnosticOnce.Do(func() {
		fmt.Fprintf(os.Stderr, "To allow requests like this one, add to the component manifest:\n\n%s\n\n", entry)
	})
	return newError(ErrCodeHTTPRequestDenied,
		"request to %q not allowed; add %s to the manifest component section",
		fmt.Sprintf("%s://%s", req.URL.Scheme, req.URL.Host), entry)
}

// roundTrip is a Go-idiomatic rendering of send_request_handler: connect
// under a timeout, optionally negotiate TLS with a per-host config,
// speak HTTP/1.1, and bound the wait for a first response byte.
func (c *Client) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		if req.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	authority := net.JoinHostPort(host, port)

	if portNum, err := strconv.Atoi(port); err == nil {
		observability.SpanFromContext(ctx).SetAttributes(observability.ServerAttributes(host, portNum)...)
	}

	dialer := &net.Dialer{Timeout: c.Timeouts.Connect}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if c.RateLimiter != nil {
				if err := c.RateLimiter.Wait(ctx, host); err != nil {
					return nil, err
				}
			}
			return dialer.DialContext(ctx, network, authority)
		},
		ResponseHeaderTimeout: c.Timeouts.FirstByte,
		IdleConnTimeout:       c.Timeouts.BetweenBytes,
		ForceAttemptHTTP2:     false,
	}
	if req.URL.Scheme == "https" {
		var cfg *tls.Config
		if c.TLS != nil {
			cfg = c.TLS.ClientConfigFor(host)
		} else {
			cfg = hosttls.ClientConfig(host)
		}
		transport.TLSClientConfig = cfg
	}

	client := &http.Client{Transport: transport}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, mapTransportError(err)
	}
	return resp, nil
}

// mapTransportError translates Go's transport-layer errors onto the
// shared ErrorCode taxonomy, the Go equivalent of hyper_request_error and
// the io::ErrorKind switch in send_request_handler.
func mapTransportError(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(ErrCodeConnectionTimeout, "%v", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newError(ErrCodeDNSError, "%v", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return newError(ErrCodeConnectionRefused, "%v", err)
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:") {
		return newError(ErrCodeTLSProtocolError, "%v", err)
	}
	return newError(ErrCodeHTTPProtocolError, "%v", err)
}

// ParseAuthority is a small helper for the trigger layer to validate a
// Host header/URI-authority pair before constructing a SelfOrigin.
func ParseAuthority(hostHeader string) (host string, port string, err error) {
	h, p, err := net.SplitHostPort(hostHeader)
	if err != nil {
		if !strings.Contains(hostHeader, ":") {
			return hostHeader, "", nil
		}
		return "", "", fmt.Errorf("outbound: invalid authority %q: %w", hostHeader, err)
	}
	if _, convErr := strconv.Atoi(p); convErr != nil {
		return "", "", fmt.Errorf("outbound: invalid port in authority %q", hostHeader)
	}
	return h, p, nil
}
