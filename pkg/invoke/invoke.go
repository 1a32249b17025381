// Package invoke wires a locked application's components to the HTTP
// trigger's Invoker interface: it resolves each component's wasm bytes
// from the content cache, binds a capability-scoped instance via
// pkg/factors, and runs the module to completion the same way
// pkg/runtime/sandbox's WASI sandbox does (stdin in, stdout out),
// framing the HTTP request/response on stdio since none of the guest
// ABIs this host serves are invoked through a typed host-call surface.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/latticerun/lattice/pkg/factors"
	"github.com/latticerun/lattice/pkg/llm"
	"github.com/latticerun/lattice/pkg/lockedapp"
	"github.com/latticerun/lattice/pkg/outbound"
	"github.com/latticerun/lattice/pkg/outboundpolicy"
	"github.com/latticerun/lattice/pkg/trigger/httptrigger"
	"github.com/latticerun/lattice/pkg/variables"
	"github.com/tetratelabs/wazero"
)

// wireFrame is the stdio-encoded request/response envelope shared by all
// three ABIs. For the CGI ABI the guest sees a plain CGI byte stream
// instead (env carries the CGI variables; stdin is the raw body) to stay
// compatible with real CGI-style wasm binaries; the Spin and wasi-http
// ABIs see this JSON frame on stdin and are expected to write one back
// on stdout, since wazero does not implement the component-model calling
// convention those ABIs specify in their native binary form.
type wireFrame struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Headers map[string][]string `json:"headers"`
	Body    []byte            `json:"body"`
}

type wireResponseFrame struct {
	Status  int               `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// Component bundles everything the runner needs for one locked component:
// its resolved wasm path and the capability facets the binder wires in.
type Component struct {
	Locked        lockedapp.LockedComponent
	WasmPath      string
	AllowedHosts  outboundpolicy.AllowedHostsConfig
	AllowedStores []string
	AllowedModels []string
	Preopen       []factors.PreopenDir
	Variables     *variables.PreparedResolver
	LLMClient     llm.Client
}

// Runner implements httptrigger.Invoker over a fixed set of locked
// components. Each invocation binds a fresh instance with its own wazero
// runtime and compiles the component's module against that runtime, so
// compiled modules are not reused across invocations.
type Runner struct {
	binder     *factors.Binder
	logger     *slog.Logger
	components map[string]*Component

	// Origin is the scheme/authority this host's own listener is
	// reachable at, used to resolve relative outbound URLs a guest
	// issues for self-chaining. Nil disables relative requests.
	Origin *outbound.SelfOrigin

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
	runtimes map[string]wazero.Runtime
}

// NewRunner builds a Runner over the given binder and component set.
func NewRunner(binder *factors.Binder, logger *slog.Logger, components map[string]*Component) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		binder:     binder,
		logger:     logger.With("component", "invoke"),
		components: components,
		compiled:   make(map[string]wazero.CompiledModule),
		runtimes:   make(map[string]wazero.Runtime),
	}
}

// Invoke implements httptrigger.Invoker.
func (r *Runner) Invoke(ctx context.Context, componentID string, abi httptrigger.ABI, req *httptrigger.InvocationRequest) (*httptrigger.InvocationResponse, error) {
	comp, ok := r.components[componentID]
	if !ok {
		return nil, fmt.Errorf("invoke: unknown component %q", componentID)
	}

	var stdin []byte
	var err error
	switch abi {
	case httptrigger.ABICGI:
		stdin = req.Body
	default:
		stdin, err = json.Marshal(wireFrame{
			Method:  req.Method,
			URI:     req.URI,
			Headers: map[string][]string(req.Headers),
			Body:    req.Body,
		})
		if err != nil {
			return nil, fmt.Errorf("invoke: encoding request frame: %w", err)
		}
	}

	state, err := r.binder.Bind(ctx, factors.BindOptions{
		ComponentID:   componentID,
		Env:           req.Env,
		Preopen:       comp.Preopen,
		AllowedStores: comp.AllowedStores,
		AllowedHosts:  comp.AllowedHosts,
		SelfOrigin:    r.Origin,
		Variables:     comp.Variables,
		AllowedModels: comp.AllowedModels,
		LLMClient:     comp.LLMClient,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke: binding %s: %w", componentID, err)
	}
	defer func() { _ = state.Close(ctx) }()

	compiled, err := r.compile(ctx, state.Runtime(), comp)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	modCfg := state.ModuleConfig().
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	mod, err := state.Runtime().InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		r.logger.Error("guest invocation failed", "component", componentID, "stderr", stderr.String(), "error", err)
		return nil, fmt.Errorf("invoke: running %s: %w", componentID, err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if abi == httptrigger.ABICGI {
		return &httptrigger.InvocationResponse{Status: 0, Body: stdout.Bytes()}, nil
	}

	var frame wireResponseFrame
	if err := json.Unmarshal(stdout.Bytes(), &frame); err != nil {
		return nil, fmt.Errorf("invoke: decoding response frame from %s: %w (stderr: %s)", componentID, err, stderr.String())
	}
	return &httptrigger.InvocationResponse{
		Status:  frame.Status,
		Headers: http.Header(frame.Headers),
		Body:    frame.Body,
	}, nil
}

// compile compiles a component's module against its bound instance's
// runtime and caches the result. wazero compiled modules are
// runtime-scoped, so the cache key pairs the component id with the
// runtime that produced it; since Bind creates a new runtime for every
// invocation, a cached module is returned only when the same runtime is
// passed in again.
func (r *Runner) compile(ctx context.Context, rt wazero.Runtime, comp *Component) (wazero.CompiledModule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cm, ok := r.compiled[comp.Locked.ID]; ok {
		if existingRT, ok := r.runtimes[comp.Locked.ID]; ok && existingRT == rt {
			return cm, nil
		}
	}

	wasmBytes, err := os.ReadFile(comp.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("invoke: reading wasm for %s: %w", comp.Locked.ID, err)
	}
	cm, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("invoke: compiling %s: %w", comp.Locked.ID, err)
	}
	r.compiled[comp.Locked.ID] = cm
	r.runtimes[comp.Locked.ID] = rt
	return cm, nil
}

// Close releases the most recently compiled module of each component.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, cm := range r.compiled {
		if err := cm.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invoke: closing %s: %w", id, err)
		}
	}
	return firstErr
}

// ResolveWasmPath converts a file:// content-ref source into a local
// filesystem path, the form every locked component source takes once the
// manifest loader has resolved and cached it.
func ResolveWasmPath(source *string) (string, error) {
	if source == nil {
		return "", fmt.Errorf("invoke: component source has no content ref")
	}
	if !strings.HasPrefix(*source, "file://") {
		return "", fmt.Errorf("invoke: unsupported content ref scheme in %q", *source)
	}
	u, err := url.Parse(*source)
	if err != nil {
		return "", fmt.Errorf("invoke: parsing content ref %q: %w", *source, err)
	}
	return u.Path, nil
}
