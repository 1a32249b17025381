// Package factors implements the capability binder: it assembles a
// per-invocation InstanceState from a locked component, wires it into a
// wazero module instantiation, and enforces the resource limits and
// cooperative-yield cadence that bound what a guest can do once running.
// The name echoes the original "factor" terminology for a pluggable
// capability (WASI, outbound HTTP, key-value, variables) bound into an
// instance at invocation time.
package factors

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/latticerun/lattice/pkg/kv"
	"github.com/latticerun/lattice/pkg/llm"
	"github.com/latticerun/lattice/pkg/observability"
	"github.com/latticerun/lattice/pkg/outbound"
	"github.com/latticerun/lattice/pkg/outboundpolicy"
	"github.com/latticerun/lattice/pkg/variables"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// PreopenDir is a single WASI preopened directory with explicit
// read/write permission, mirroring the filesystem-mount model in the
// locked app ("copy" vs "direct" placements both resolve to a concrete
// host directory by the time they reach the binder).
type PreopenDir struct {
	GuestPath string
	HostPath  string
	Writable  bool
}

// WASIConfig is the subset of per-instance WASI context the binder
// assembles: environment, CLI args, preopens, and stdio, deny-by-default
// for anything not explicitly listed, per the sandbox's "no ambient
// authority" posture.
type WASIConfig struct {
	Env     map[string]string
	Args    []string
	Preopen []PreopenDir
	Stdin   []byte
}

// Limits bounds what a single instance may consume.
type Limits struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
	YieldInterval    time.Duration
	EpochTickInterval time.Duration
}

// InstanceState aggregates everything a single component invocation
// needs: WASI context, outbound-HTTP context, key-value dispatch,
// variable resolution, and the epoch/limit machinery that bounds it.
type InstanceState struct {
	ComponentID string
	WASI        WASIConfig
	Outbound    *outbound.Client
	KV          *kv.Dispatch
	Variables   *variables.PreparedResolver
	LLM         *llm.Gated // nil if the host has no LLM client configured
	Limits      Limits

	runtime  wazero.Runtime
	schedule EpochSchedule
	ticker   *EpochTicker
	logger   *slog.Logger
}

// Binder constructs InstanceState values for a locked component,
// wiring the shared collaborators (KV store manager, variable provider
// chain, outbound policy) that don't change across invocations of the
// same component.
type Binder struct {
	logger     *slog.Logger
	kvManager  kv.StoreManager
	defaultCfg Limits

	// OutboundTLS, OutboundRateLimiter, and Metrics are shared across
	// every instance this binder produces; all may be left nil.
	OutboundTLS         outbound.TLSConfigSource
	OutboundRateLimiter *outbound.HostRateLimiter
	Metrics             *observability.Provider
}

// NewBinder constructs a Binder over the given shared collaborators.
func NewBinder(logger *slog.Logger, kvManager kv.StoreManager, defaults Limits) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{logger: logger.With("component", "factors"), kvManager: kvManager, defaultCfg: defaults}
}

// BindOptions carries the per-component facets resolved by the manifest
// loader and variable resolver ahead of instantiation.
type BindOptions struct {
	ComponentID   string
	Env           map[string]string
	Args          []string
	Preopen       []PreopenDir
	AllowedStores []string
	AllowedHosts  outboundpolicy.AllowedHostsConfig
	SelfOrigin    *outbound.SelfOrigin // nil if the instance has no self-chaining origin
	Interceptor   outbound.Interceptor // optional short-circuit before policy checks
	Variables     *variables.PreparedResolver
	AllowedModels []string   // component's locked ai_models list
	Model         string     // model requested for this invocation, if any
	LLMClient     llm.Client // nil if the host has no LLM backend configured
	Limits        *Limits    // nil uses Binder defaults
}

// Bind builds an InstanceState for one invocation, binding WASI, outbound
// HTTP, key-value dispatch, and the variable resolver to concrete,
// capability-scoped values and starting its epoch ticker.
func (b *Binder) Bind(ctx context.Context, opts BindOptions) (*InstanceState, error) {
	limits := b.defaultCfg
	if opts.Limits != nil {
		limits = *opts.Limits
	}

	schedule := NewEpochSchedule(b.logger, limits.YieldInterval, limits.EpochTickInterval)

	dispatch := kv.NewDispatch(opts.AllowedStores, b.kvManager)

	var gated *llm.Gated
	if opts.LLMClient != nil {
		gated = &llm.Gated{
			Client: opts.LLMClient,
			Gate:   llm.NewModelGate(opts.AllowedModels),
			Model:  opts.Model,
		}
	}

	state := &InstanceState{
		ComponentID: opts.ComponentID,
		WASI: WASIConfig{
			Env:     opts.Env,
			Args:    opts.Args,
			Preopen: opts.Preopen,
		},
		Outbound: &outbound.Client{
			Policy:      opts.AllowedHosts,
			Origin:      opts.SelfOrigin,
			TLS:         b.OutboundTLS,
			Interceptor: opts.Interceptor,
			Timeouts:    outbound.DefaultTimeouts(),
			RateLimiter: b.OutboundRateLimiter,
			Metrics:     b.Metrics,
		},
		KV:        dispatch,
		Variables: opts.Variables,
		LLM:       gated,
		Limits:    limits,
		schedule:  schedule,
		logger:    b.logger.With("instance", opts.ComponentID),
	}
	state.ticker = StartEpochTicker(schedule)

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.MemoryLimitBytes > 0 {
		pages := uint32(limits.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		state.ticker.Stop()
		return nil, fmt.Errorf("factors: instantiating WASI: %w", err)
	}
	state.runtime = r

	return state, nil
}

// ModuleConfig builds the wazero module configuration for this instance:
// deny-by-default filesystem (only the explicit preopens are mounted),
// explicit env/args, and captured stdio.
func (s *InstanceState) ModuleConfig() wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(s.ComponentID).
		WithStdin(bytes.NewReader(s.WASI.Stdin)).
		WithArgs(s.WASI.Args...)
	for k, v := range s.WASI.Env {
		cfg = cfg.WithEnv(k, v)
	}
	fsCfg := wazero.NewFSConfig()
	for _, p := range s.WASI.Preopen {
		// wazero mounts are read-write by default; a read-only preopen
		// is mounted with WithReadOnlyDirMount when Writable is false.
		if p.Writable {
			fsCfg = fsCfg.WithDirMount(p.HostPath, p.GuestPath)
		} else {
			fsCfg = fsCfg.WithReadOnlyDirMount(p.HostPath, p.GuestPath)
		}
	}
	if len(s.WASI.Preopen) > 0 {
		cfg = cfg.WithFSConfig(fsCfg)
	}
	return cfg
}

// Close releases the instance's wazero runtime and stops its epoch
// ticker. Callers invoke this once per InstanceState, after the
// component invocation(s) it was bound for complete.
func (s *InstanceState) Close(ctx context.Context) error {
	s.ticker.Stop()
	if s.runtime == nil {
		return nil
	}
	return s.runtime.Close(ctx)
}

// Runtime exposes the instance's wazero runtime for module
// compilation/instantiation by the caller (the HTTP trigger or CLI
// invoker), keeping this package from needing to know which ABI variant
// is being invoked.
func (s *InstanceState) Runtime() wazero.Runtime { return s.runtime }

// YieldPoints exposes the instance's epoch yield signal so a multi-call
// dispatcher (e.g. one serving several pipelined requests against the
// same instance) can insert a fairness checkpoint between calls.
func (s *InstanceState) YieldPoints() <-chan struct{} {
	if s.ticker == nil {
		return nil
	}
	return s.ticker.Yield()
}
