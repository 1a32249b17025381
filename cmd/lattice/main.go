// Command lattice runs the component hosting kernel: it loads a declarative
// application manifest, binds each component's capabilities, and serves the
// application's HTTP trigger.
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/latticerun/lattice/pkg/compose"
	"github.com/latticerun/lattice/pkg/config"
	tlsutil "github.com/latticerun/lattice/pkg/crypto/tls"
	"github.com/latticerun/lattice/pkg/factors"
	"github.com/latticerun/lattice/pkg/invoke"
	"github.com/latticerun/lattice/pkg/kv"
	"github.com/latticerun/lattice/pkg/llm"
	"github.com/latticerun/lattice/pkg/lockedapp"
	"github.com/latticerun/lattice/pkg/manifest"
	"github.com/latticerun/lattice/pkg/observability"
	"github.com/latticerun/lattice/pkg/outbound"
	"github.com/latticerun/lattice/pkg/outboundpolicy"
	"github.com/latticerun/lattice/pkg/router"
	"github.com/latticerun/lattice/pkg/trigger/httptrigger"
	"github.com/latticerun/lattice/pkg/variables"
	"github.com/redis/go-redis/v9"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		args = []string{"run"}
	}

	switch args[0] {
	case "run":
		return runServe(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		// Legacy invocation: flags given directly with no subcommand.
		if len(args[0]) > 0 && args[0][0] == '-' {
			return runServe(args)
		}
		fmt.Fprintf(os.Stderr, "lattice: unknown command %q\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: lattice <run|validate|doctor> [flags]")
	fmt.Fprintln(os.Stderr, "  run      start the HTTP trigger for a manifest (default)")
	fmt.Fprintln(os.Stderr, "  validate load and compose a manifest without serving")
	fmt.Fprintln(os.Stderr, "  doctor   report resolved configuration and exit")
}

func runDoctor(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lattice doctor: %v\n", err)
		return 1
	}
	fmt.Printf("listen_addr=%s tls=%v log_level=%s watch=%v\n", cfg.ListenAddr, cfg.TLSCert != "", cfg.LogLevel, cfg.Watch)
	return 0
}

func runValidate(args []string) int {
	manifestPath := "spin.toml"
	if len(args) > 0 {
		manifestPath = args[0]
	}
	logger := newLogger("info")
	ctx := context.Background()
	app, err := loadApp(ctx, manifestPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lattice validate: %v\n", err)
		return 1
	}
	if _, err := buildComponents(ctx, app, composedDir()); err != nil {
		fmt.Fprintf(os.Stderr, "lattice validate: %v\n", err)
		return 1
	}
	fmt.Printf("ok: %d component(s), %d trigger(s)\n", len(app.Components), len(app.Triggers))
	return 0
}

func runServe(args []string) int {
	manifestPath := "spin.toml"
	flagArgs := args
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		manifestPath = args[0]
		flagArgs = args[1:]
	}

	cfg, err := config.Load(flagArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lattice: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		logger.Error("initializing observability", "error", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	for {
		code, reload := serveOnce(ctx, cfg, manifestPath, logger, provider)
		if !reload {
			return code
		}
		logger.Info("change detected, reloading application", "manifest", manifestPath)
	}
}

// serveOnce loads the app and serves it until shutdown or, in watch mode,
// until a relevant file changes. The second return reports whether the
// caller should reload and go again.
func serveOnce(ctx context.Context, cfg *config.Config, manifestPath string, logger *slog.Logger, metrics *observability.Provider) (int, bool) {
	app, err := loadApp(ctx, manifestPath, logger)
	if err != nil {
		logger.Error("loading manifest", "error", err)
		return 1, false
	}

	storeManager, closeStores, err := buildStoreManager()
	if err != nil {
		logger.Error("building key-value store manager", "error", err)
		return 1, false
	}
	defer closeStores()

	binder := factors.NewBinder(logger, storeManager, factors.Limits{
		MemoryLimitBytes:  256 * 1024 * 1024,
		CPUTimeLimit:      30 * time.Second,
		YieldInterval:     10 * time.Millisecond,
		EpochTickInterval: 10 * time.Millisecond,
	})
	binder.OutboundTLS = outbound.NewStaticTLSConfigs(nil)
	binder.OutboundRateLimiter = outbound.NewHostRateLimiter(100, 200)
	binder.Metrics = metrics

	components, err := buildComponents(ctx, app, composedDir())
	if err != nil {
		logger.Error("resolving components", "error", err)
		return 1, false
	}

	rtr, routes, dups, err := buildRouter(app)
	if err != nil {
		logger.Error("building router", "error", err)
		return 1, false
	}
	for _, d := range dups {
		logger.Warn("duplicate route pattern", "pattern", d.Pattern, "kept", d.EffectiveID, "dropped", d.ReplacedID)
	}

	runner := invoke.NewRunner(binder, logger, components)
	runner.Origin = &outbound.SelfOrigin{UseTLS: cfg.TLSCert != "", Host: cfg.ListenAddr}
	defer func() { _ = runner.Close(context.Background()) }()

	var tlsConf *tls.Config
	if cfg.TLSCert != "" {
		tlsConf, err = tlsutil.ServerConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Error("loading TLS material", "error", err)
			return 1, false
		}
	}

	serverCfg := httptrigger.Config{Addr: cfg.ListenAddr, TLSCert: cfg.TLSCert, TLSKey: cfg.TLSKey, Logger: logger, Metrics: metrics}
	srv := httptrigger.New(serverCfg, rtr, routes, runner, tlsConf)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	var reloadCh <-chan struct{}
	if cfg.Watch {
		reloadCh = watchChanges(watchCtx, manifestPath, app, logger)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	shutdown := func() bool {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
			return false
		}
		return true
	}

	select {
	case <-ctx.Done():
		if !shutdown() {
			return 1, false
		}
		return 0, false
	case <-reloadCh:
		if !shutdown() {
			return 1, false
		}
		return 0, true
	case err := <-errCh:
		if err != nil {
			logger.Error("serving", "error", err)
			return 1, false
		}
		return 0, false
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadApp(ctx context.Context, manifestPath string, logger *slog.Logger) (*lockedapp.LockedApp, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := manifest.ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	cacheRoot := os.Getenv("LATTICE_CACHE_DIR")
	if cacheRoot == "" {
		cacheRoot = ".lattice/wasm"
	}
	stagingRoot := os.Getenv("LATTICE_STAGING_DIR")
	if stagingRoot == "" {
		stagingRoot = ".lattice/staging"
	}
	loader := manifest.NewLoader(filepath.Dir(manifestPath), cacheRoot, stagingRoot)

	app, err := loader.Load(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("loading: %w", err)
	}
	return app, nil
}

func composedDir() string {
	if d := os.Getenv("LATTICE_COMPOSED_DIR"); d != "" {
		return d
	}
	return ".lattice/composed"
}

func buildComponents(ctx context.Context, app *lockedapp.LockedApp, composedDir string) (map[string]*invoke.Component, error) {
	resolver, err := variables.NewProviderResolver(toVariables(app.Variables))
	if err != nil {
		return nil, err
	}
	resolver.AddProvider(variables.NewEnvProvider(""))
	for _, lc := range app.Components {
		if err := resolver.AddComponentVariables(lc.ID, lc.Config); err != nil {
			return nil, fmt.Errorf("component %s: %w", lc.ID, err)
		}
	}
	prepared, err := resolver.Prepare(ctx)
	if err != nil {
		return nil, err
	}

	composer := compose.New(compose.NewUnlinkedGraph(), compose.FileSourceLoader{}, nil)

	out := make(map[string]*invoke.Component, len(app.Components))
	for _, lc := range app.Components {
		var wasmPath string
		if len(lc.Dependencies) > 0 {
			composed, err := composer.Compose(ctx, lc)
			if err != nil {
				return nil, fmt.Errorf("component %s: %w", lc.ID, err)
			}
			if err := os.MkdirAll(composedDir, 0o755); err != nil {
				return nil, fmt.Errorf("component %s: %w", lc.ID, err)
			}
			wasmPath = filepath.Join(composedDir, lc.ID+".wasm")
			if err := os.WriteFile(wasmPath, composed, 0o644); err != nil {
				return nil, fmt.Errorf("component %s: %w", lc.ID, err)
			}
		} else {
			wasmPath, err = invoke.ResolveWasmPath(lc.Source.Source)
			if err != nil {
				return nil, fmt.Errorf("component %s: %w", lc.ID, err)
			}
		}

		allowedHosts, err := outboundpolicy.Parse(decodeStringSlice(lc.Metadata["allowed_outbound_hosts"]))
		if err != nil {
			return nil, fmt.Errorf("component %s: outbound policy: %w", lc.ID, err)
		}

		preopens := make([]factors.PreopenDir, 0, len(lc.Files))
		for _, f := range lc.Files {
			path, err := invoke.ResolveWasmPath(f.Source)
			if err != nil {
				return nil, fmt.Errorf("component %s: file mount: %w", lc.ID, err)
			}
			preopens = append(preopens, factors.PreopenDir{GuestPath: f.Path, HostPath: path, Writable: true})
		}

		out[lc.ID] = &invoke.Component{
			Locked:        lc,
			WasmPath:      wasmPath,
			AllowedHosts:  allowedHosts,
			AllowedStores: decodeStringSlice(lc.Metadata["key_value_stores"]),
			AllowedModels: decodeStringSlice(lc.Metadata["ai_models"]),
			Preopen:       preopens,
			Variables:     prepared,
			LLMClient:     defaultLLMClient(),
		}
	}
	return out, nil
}

// defaultLLMClient wires an OpenAI-backed engine when the operator has
// configured an API key; components with no declared ai_models never
// reach it regardless (factors.Bind only gates the model the component
// actually requests).
func defaultLLMClient() llm.Client {
	apiKey := os.Getenv("LATTICE_LLM_OPENAI_API_KEY")
	if apiKey == "" {
		return nil
	}
	model := os.Getenv("LATTICE_LLM_OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return llm.NewOpenAIClient(apiKey, model)
}

func toVariables(vars map[string]lockedapp.Variable) map[string]variables.Variable {
	out := make(map[string]variables.Variable, len(vars))
	for k, v := range vars {
		out[k] = variables.Variable{Default: v.Default, Secret: v.Secret}
	}
	return out
}

func decodeStringSlice(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

type httpTriggerConfig struct {
	ID        string                 `json:"ID"`
	Component string                 `json:"Component"`
	Config    map[string]interface{} `json:"Config"`
}

func buildRouter(app *lockedapp.LockedApp) (*router.Router, []httptrigger.Route, []router.DuplicateRoute, error) {
	var entries []router.Entry
	var routes []httptrigger.Route

	for _, t := range app.Triggers {
		if t.TriggerType != "http" {
			continue
		}
		var tc httpTriggerConfig
		if err := json.Unmarshal(t.TriggerConfig, &tc); err != nil {
			return nil, nil, nil, fmt.Errorf("trigger %s: %w", t.ID, err)
		}
		pattern, _ := tc.Config["route"].(string)
		if pattern == "" {
			pattern = "/..."
		}
		entries = append(entries, router.Entry{ComponentID: tc.Component, Pattern: pattern})
		routes = append(routes, httptrigger.Route{ComponentID: tc.Component, Pattern: pattern, ABI: triggerABI(tc.Config)})
	}

	rtr, dups, err := router.Build("", entries)
	if err != nil {
		return nil, nil, nil, err
	}
	return rtr, routes, dups, nil
}

// triggerABI picks the handler ABI from the trigger's executor config:
// `executor = { type = "wagi" }` selects the CGI-style ABI, anything else
// gets the platform inbound-HTTP ABI (wasi-http components answer the
// same frame shape through the invoker).
func triggerABI(cfg map[string]interface{}) httptrigger.ABI {
	executor, ok := cfg["executor"].(map[string]interface{})
	if !ok {
		return httptrigger.ABISpinHTTP
	}
	if t, _ := executor["type"].(string); t == "wagi" {
		return httptrigger.ABICGI
	}
	return httptrigger.ABISpinHTTP
}

func buildStoreManager() (kv.StoreManager, func(), error) {
	noop := func() {}

	if redisURL := os.Getenv("LATTICE_KV_REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("parsing LATTICE_KV_REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		store := kv.NewRedisStore(client, "lattice")
		manager := kv.NewStaticStoreManager(map[string]kv.Store{"default": store}, map[string]string{"default": "redis"})
		return manager, func() { _ = client.Close() }, nil
	}

	if sqlitePath := os.Getenv("LATTICE_KV_SQLITE_PATH"); sqlitePath != "" {
		db, err := sql.Open("sqlite", sqlitePath)
		if err != nil {
			return nil, noop, fmt.Errorf("opening sqlite kv store: %w", err)
		}
		store, err := kv.NewSQLiteStore(db)
		if err != nil {
			return nil, noop, fmt.Errorf("migrating sqlite kv store: %w", err)
		}
		manager := kv.NewStaticStoreManager(map[string]kv.Store{"default": store}, map[string]string{"default": "sqlite"})
		return manager, func() { _ = db.Close() }, nil
	}

	store := kv.NewMemoryStore()
	manager := kv.NewStaticStoreManager(map[string]kv.Store{"default": store}, map[string]string{"default": "memory"})
	return manager, noop, nil
}
