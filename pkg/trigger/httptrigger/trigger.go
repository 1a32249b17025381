// Package httptrigger implements the HTTP trigger: a TCP server that
// accepts HTTP/1.1 connections, resolves the request to a component via
// the router, and invokes one of three guest ABIs depending on which
// export the component presents. It owns request/response shaping only;
// the actual guest invocation is delegated to an injected Invoker so this
// package stays agnostic to how a component is compiled and run.
package httptrigger

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/latticerun/lattice/pkg/observability"
	"github.com/latticerun/lattice/pkg/router"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ServiceChainingSuffix is the reserved host suffix used for local
// service-to-service chaining; a Host header naming it is stripped
// before the request reaches a guest, the same way a reverse proxy would
// strip a hop-by-hop-only routing header.
const ServiceChainingSuffix = ".spin.internal"

// The two well-known paths the trigger serves directly, bypassing
// routing entirely.
const (
	wellKnownHealthPath = "/.well-known/spin/health"
	wellKnownInfoPath   = "/.well-known/spin/info"
)

// ABI identifies which guest export shape a component presents.
type ABI int

const (
	ABIUnknown ABI = iota
	ABISpinHTTP
	ABIWasiHTTP
	ABICGI
)

func (a ABI) String() string {
	switch a {
	case ABISpinHTTP:
		return "spin-http"
	case ABIWasiHTTP:
		return "wasi-http"
	case ABICGI:
		return "cgi"
	default:
		return "unknown"
	}
}

// Route associates a component with the pattern it was registered
// under, resolved from the locked app's trigger configuration.
type Route struct {
	ComponentID string
	Pattern     string
	ABI         ABI
}

// Invoker dispatches one inbound HTTP request to a bound component
// instance and returns the component's response. Implementations choose
// the wire representation appropriate to the ABI (flat Spin record,
// wasi-http component-model call, or CGI stdin/stdout/env).
type Invoker interface {
	Invoke(ctx context.Context, componentID string, abi ABI, req *InvocationRequest) (*InvocationResponse, error)
}

// InvocationRequest carries everything a guest ABI needs, assembled once
// by the trigger regardless of which ABI ultimately consumes it.
type InvocationRequest struct {
	Method  string
	URI     string
	Headers http.Header
	Body    []byte
	Env     map[string]string // precomputed SPIN_*/X_*/CGI vars, see envtable.go
}

// InvocationResponse is the guest's answer, already decoded from
// whichever wire format the ABI used (including CGI response parsing).
type InvocationResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// AppInfo describes the running application for the `/info` well-known
// path.
type AppInfo struct {
	Components []ComponentInfo `json:"components"`
}

// ComponentInfo is one entry in AppInfo.
type ComponentInfo struct {
	ID    string `json:"id"`
	Route string `json:"route"`
}

// Config configures a Server.
type Config struct {
	Addr    string // e.g. "127.0.0.1:3000"
	TLSCert string // PEM cert path; both or neither of TLSCert/TLSKey
	TLSKey  string // PKCS#8 key path
	Logger  *slog.Logger
	Metrics *observability.Provider // nil disables request metrics
}

// Server is the HTTP trigger's TCP listener and request dispatcher.
type Server struct {
	cfg       Config
	router    *router.Router
	routes    map[string]Route // componentID -> Route, for /info
	invoker   Invoker
	tlsConfig *tls.Config
	logger    *slog.Logger
	info      AppInfo

	httpServer *http.Server
}

// New builds a Server. tlsConfig may be nil to serve plaintext HTTP.
func New(cfg Config, rtr *router.Router, routes []Route, invoker Invoker, tlsConfig *tls.Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	byID := make(map[string]Route, len(routes))
	info := AppInfo{Components: make([]ComponentInfo, 0, len(routes))}
	for _, r := range routes {
		byID[r.ComponentID] = r
		info.Components = append(info.Components, ComponentInfo{ID: r.ComponentID, Route: r.Pattern})
	}

	s := &Server{
		cfg:       cfg,
		router:    rtr,
		routes:    byID,
		invoker:   invoker,
		tlsConfig: tlsConfig,
		logger:    logger.With("component", "httptrigger"),
		info:      info,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    tlsConfig,
	}
	return s
}

// ListenAndServe binds the configured address and serves until the
// server is shut down or a fatal accept error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("httptrigger: bind %s: %w", s.cfg.Addr, err)
	}
	s.printStartupMessage()
	if s.tlsConfig != nil {
		return s.httpServer.ServeTLS(ln, "", "")
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) printStartupMessage() {
	scheme := "http"
	if s.tlsConfig != nil {
		scheme = "https"
	}
	s.logger.Info("serving application", "url", fmt.Sprintf("%s://%s", scheme, s.cfg.Addr))
	for _, r := range s.routes {
		s.logger.Info("route registered", "component", r.ComponentID, "route", r.Pattern)
	}
}

// ServeHTTP implements http.Handler: well-known paths, header stripping,
// authority reconciliation, routing, ABI dispatch, per §4.I.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	requestID := uuid.NewString()
	logger := s.logger.With("request_id", requestID)

	if isServiceChainingHost(r.Host) {
		// net/http moves the Host header into r.Host, so clear it there.
		r.Host = ""
	}

	reconciled, err := reconcileURI(r)
	if err != nil {
		logger.Warn("rejecting request with conflicting host/authority", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	r.URL = reconciled

	switch r.URL.Path {
	case wellKnownHealthPath:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	case wellKnownInfoPath:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(s.info)
		return
	}

	match, err := s.router.RouteMethod(r.Method, r.URL.Path)
	if err != nil {
		if errors.Is(err, router.ErrMethodNotAllowed) {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		http.NotFound(w, r)
		return
	}

	route, ok := s.routes[match.ComponentID]
	if !ok {
		http.NotFound(w, r)
		return
	}

	s.handleTriggerRoute(ctx, w, r, match, route, logger)
}

func isServiceChainingHost(host string) bool {
	h := host
	if i := strings.IndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	return strings.HasSuffix(h, ServiceChainingSuffix)
}

// reconcileURI combines the server's scheme with an authority derived
// from the Host header or the URI's own authority, rejecting the
// request if both are present and disagree (set_req_uri).
func reconcileURI(r *http.Request) (*url.URL, error) {
	hostHeader := r.Host
	uriAuthority := r.URL.Host
	if hostHeader != "" && uriAuthority != "" && hostHeader != uriAuthority {
		return nil, fmt.Errorf("host header %q disagrees with request-target authority %q", hostHeader, uriAuthority)
	}
	authority := uriAuthority
	if authority == "" {
		authority = hostHeader
	}
	out := *r.URL
	out.Scheme = "http"
	if r.TLS != nil {
		out.Scheme = "https"
	}
	out.Host = authority
	return &out, nil
}
