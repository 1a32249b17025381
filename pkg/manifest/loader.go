package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/latticerun/lattice/pkg/lockedapp"
)

// MaxFileLoadingConcurrency bounds the number of in-flight remote source
// downloads, so a manifest with many remote components cannot exhaust
// file descriptors. Copy-strategy file mounts are local copies and do not
// take this bound.
const MaxFileLoadingConcurrency = 16

// ContentCache is a content-addressed store for downloaded Wasm sources,
// laid out as <root>/wasm/<sha256>.
type ContentCache struct {
	Root string
}

// Path returns the on-disk path a blob with the given hex sha256 digest
// would occupy, creating the containing directory.
func (c ContentCache) Path(digestHex string) (string, error) {
	dir := filepath.Join(c.Root, "wasm")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("manifest: create content cache dir: %w", err)
	}
	return filepath.Join(dir, digestHex), nil
}

// Loader resolves a parsed AppManifest, relative to the directory it was
// read from, into a fully resolved lockedapp.LockedApp: downloading and
// verifying remote sources, materializing file mounts, and reshaping
// declarative fields into their locked equivalents.
type Loader struct {
	// ManifestDir is the directory the manifest file lives in; local
	// component sources and file mount patterns resolve relative to it.
	ManifestDir string
	// Cache stores downloaded remote sources, content-addressed by digest.
	Cache ContentCache
	// StagingDir holds copy-strategy file mount staging directories, one
	// subdirectory per component.
	StagingDir string
	// HTTPClient fetches remote sources; defaults to http.DefaultClient.
	HTTPClient *http.Client

	sem chan struct{}
}

// NewLoader builds a Loader with the default bounded download concurrency.
func NewLoader(manifestDir, cacheRoot, stagingDir string) *Loader {
	return &Loader{
		ManifestDir: manifestDir,
		Cache:       ContentCache{Root: cacheRoot},
		StagingDir:  stagingDir,
		HTTPClient:  http.DefaultClient,
		sem:         make(chan struct{}, MaxFileLoadingConcurrency),
	}
}

func (l *Loader) acquire(ctx context.Context) error {
	if l.sem == nil {
		l.sem = make(chan struct{}, MaxFileLoadingConcurrency)
	}
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loader) release() { <-l.sem }

// Load resolves m into a LockedApp. Components are processed independently;
// remote fetches within a single Load call share the loader's concurrency
// permit.
func (l *Loader) Load(ctx context.Context, m *AppManifest) (*lockedapp.LockedApp, error) {
	app := &lockedapp.LockedApp{
		Metadata: map[string]json.RawMessage{
			"name":        mustJSON(m.Application.Name),
			"version":     mustJSON(m.Application.Version),
			"description": mustJSON(m.Application.Description),
			"authors":     mustJSON(m.Application.Authors),
		},
		Variables:  map[string]lockedapp.Variable{},
		Components: make([]lockedapp.LockedComponent, 0, len(m.Components)),
	}

	for name, v := range m.Variables {
		if v.Required == (v.Default != nil) {
			return nil, fmt.Errorf("manifest: variable %q must set exactly one of required/default", name)
		}
		app.Variables[name] = lockedapp.Variable{Default: v.Default, Secret: v.Secret}
	}

	ids := make([]string, 0, len(m.Components))
	for id := range m.Components {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("manifest: duplicate component id %q", id)
		}
		seen[id] = struct{}{}

		lc, err := l.loadComponent(ctx, id, m.Components[id])
		if err != nil {
			return nil, fmt.Errorf("manifest: component %q: %w", id, err)
		}
		app.Components = append(app.Components, *lc)
	}

	for triggerType, decls := range m.Triggers {
		for _, d := range decls {
			cfg, err := json.Marshal(d)
			if err != nil {
				return nil, fmt.Errorf("manifest: encode trigger %q config: %w", triggerType, err)
			}
			id := d.ID
			if id == "" {
				id = triggerType
			}
			app.Triggers = append(app.Triggers, lockedapp.LockedTrigger{
				ID:            id,
				TriggerType:   triggerType,
				TriggerConfig: cfg,
			})
		}
	}

	return app, nil
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

func (l *Loader) loadComponent(ctx context.Context, id string, cm ComponentManifest) (*lockedapp.LockedComponent, error) {
	src, err := l.resolveSource(ctx, cm.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	files, err := l.resolveFiles(id, cm)
	if err != nil {
		return nil, fmt.Errorf("files: %w", err)
	}

	deps := map[string]lockedapp.LockedComponentDependency{}
	for name, d := range cm.Dependencies {
		dsrc, err := l.resolveSource(ctx, d.Source)
		if err != nil {
			return nil, fmt.Errorf("dependency %q source: %w", name, err)
		}
		inherit, err := parseInherit(d.Inherit)
		if err != nil {
			return nil, fmt.Errorf("dependency %q inherit: %w", name, err)
		}
		var export *string
		if d.Export != "" {
			e := d.Export
			export = &e
		}
		deps[name] = lockedapp.LockedComponentDependency{Source: *dsrc, Export: export, Inherit: inherit}
	}

	metadata := map[string]json.RawMessage{}
	if cm.Description != "" {
		metadata["description"] = mustJSON(cm.Description)
	}
	if len(cm.AllowedHosts) > 0 {
		metadata["allowed_outbound_hosts"] = mustJSON(cm.AllowedHosts)
	}
	if len(cm.KeyValueStores) > 0 {
		metadata["key_value_stores"] = mustJSON(cm.KeyValueStores)
	}
	if len(cm.SqliteDatabases) > 0 {
		metadata["databases"] = mustJSON(cm.SqliteDatabases)
	}
	if len(cm.AIModels) > 0 {
		metadata["ai_models"] = mustJSON(cm.AIModels)
	}

	return &lockedapp.LockedComponent{
		ID:           id,
		Metadata:     metadata,
		Source:       lockedapp.LockedComponentSource{ContentType: "application/wasm", ContentRef: *src},
		Env:          cm.Environment,
		Files:        files,
		Config:       cm.Variables,
		Dependencies: deps,
	}, nil
}

func parseInherit(raw interface{}) (lockedapp.InheritConfiguration, error) {
	switch v := raw.(type) {
	case nil:
		return lockedapp.InheritSome(nil), nil
	case bool:
		if v {
			return lockedapp.InheritAll(), nil
		}
		return lockedapp.InheritSome(nil), nil
	case string:
		if v == "all" {
			return lockedapp.InheritAll(), nil
		}
		return lockedapp.InheritConfiguration{}, fmt.Errorf("unrecognized inherit string %q", v)
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return lockedapp.InheritConfiguration{}, fmt.Errorf("inherit list entries must be strings")
			}
			names = append(names, s)
		}
		return lockedapp.InheritSome(names), nil
	default:
		return lockedapp.InheritConfiguration{}, fmt.Errorf("unrecognized inherit value %#v", raw)
	}
}

// resolveSource turns a declarative ComponentSource into a ContentRef,
// downloading and digest-verifying remote sources into the content cache.
func (l *Loader) resolveSource(ctx context.Context, cs ComponentSource) (*lockedapp.ContentRef, error) {
	switch {
	case cs.IsRemote():
		return l.fetchRemote(ctx, cs.Remote, cs.Digest)
	case cs.Local != "":
		abs := cs.Local
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(l.ManifestDir, cs.Local)
		}
		abs, err := filepath.Abs(abs)
		if err != nil {
			return nil, err
		}
		digest, err := sha256File(abs)
		if err != nil {
			return nil, err
		}
		url := "file://" + abs
		return &lockedapp.ContentRef{Source: &url, Digest: &digest}, nil
	default:
		return nil, fmt.Errorf("component source names neither a local path nor a remote url")
	}
}

func (l *Loader) fetchRemote(ctx context.Context, url, wantDigest string) (*lockedapp.ContentRef, error) {
	if wantDigest == "" {
		return nil, fmt.Errorf("remote source %q requires a sha256 digest", url)
	}
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()

	cachePath, err := l.Cache.Path(wantDigest)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cachePath); err == nil {
		u := "file://" + cachePath
		d := wantDigest
		return &lockedapp.ContentRef{Source: &u, Digest: &d}, nil
	}

	body, err := l.openRemote(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	h := sha256.New()
	tmp, err := os.CreateTemp(filepath.Dir(cachePath), "download-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(io.MultiWriter(tmp, h), body); err != nil {
		tmp.Close()
		return nil, err
	}
	tmp.Close()

	got := hex.EncodeToString(h.Sum(nil))
	if got != wantDigest {
		return nil, fmt.Errorf("fetch %s: digest mismatch: want %s, got %s", url, wantDigest, got)
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		return nil, err
	}
	u := "file://" + cachePath
	return &lockedapp.ContentRef{Source: &u, Digest: &wantDigest}, nil
}

// openRemote dispatches on scheme: s3://, gs:// reach their respective
// cloud SDKs (set up lazily so a plain http(s) manifest never needs
// cloud credentials); everything else goes through HTTPClient.
func (l *Loader) openRemote(ctx context.Context, url string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(url, "s3://"):
		return openS3(ctx, url)
	case strings.HasPrefix(url, "gs://"):
		return openGCS(ctx, url)
	default:
		return l.openHTTP(ctx, url)
	}
}

func (l *Loader) openHTTP(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := l.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// resolveFiles materializes a component's file mounts into ContentPaths.
// If any mount names an explicit source/destination placement, every mount
// takes the direct strategy (validate existing directory, mount the
// canonicalized host path directly) and exclude_files is an error;
// otherwise the copy strategy applies (glob + exclude, staged into a
// per-component directory, one mount at "/").
func (l *Loader) resolveFiles(id string, cm ComponentManifest) ([]lockedapp.ContentPath, error) {
	if len(cm.Files) == 0 {
		return nil, nil
	}

	hasPlacement := false
	for _, f := range cm.Files {
		if f.IsPlacement() {
			hasPlacement = true
		}
	}
	if hasPlacement {
		if len(cm.ExcludeFiles) > 0 {
			return nil, fmt.Errorf("exclude_files cannot be honored with direct (source/destination) file mounts")
		}
		return l.resolveDirectMounts(cm.Files)
	}
	return l.resolveCopyMounts(id, cm)
}

func (l *Loader) resolveDirectMounts(mounts []WasiFilesMount) ([]lockedapp.ContentPath, error) {
	out := make([]lockedapp.ContentPath, 0, len(mounts))
	for _, m := range mounts {
		abs := m.Source
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(l.ManifestDir, m.Source)
		}
		abs, err := filepath.Abs(abs)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("direct mount %q: %w", m.Source, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("direct mount %q: not a directory", m.Source)
		}
		dest := m.Destination
		if dest == "" {
			dest = "/"
		}
		url := "file://" + abs
		out = append(out, lockedapp.ContentPath{ContentRef: lockedapp.ContentRef{Source: &url}, Path: dest})
	}
	return out, nil
}

func (l *Loader) resolveCopyMounts(id string, cm ComponentManifest) ([]lockedapp.ContentPath, error) {
	matched := map[string]struct{}{}
	for _, m := range cm.Files {
		pattern := filepath.Join(l.ManifestDir, m.Pattern)
		hits, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", m.Pattern, err)
		}
		for _, h := range hits {
			matched[h] = struct{}{}
		}
	}
	for _, excl := range cm.ExcludeFiles {
		pattern := filepath.Join(l.ManifestDir, excl)
		hits, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob exclude %q: %w", excl, err)
		}
		for _, h := range hits {
			delete(matched, h)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	stageDir := filepath.Join(l.StagingDir, sanitizeComponentName(id))
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(matched))
	for n := range matched {
		names = append(names, n)
	}
	sort.Strings(names)

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, src := range names {
		rel, err := filepath.Rel(l.ManifestDir, src)
		if err != nil {
			return nil, err
		}
		dst := filepath.Join(stageDir, rel)
		wg.Add(1)
		go func(i int, src, dst string) {
			defer wg.Done()
			errs[i] = copyFile(src, dst)
		}(i, src, dst)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	url := "file://" + stageDir
	return []lockedapp.ContentPath{{ContentRef: lockedapp.ContentRef{Source: &url}, Path: "/"}}, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func sanitizeComponentName(s string) string {
	if s == "" {
		return "component"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == ' ' {
			return '-'
		}
		return r
	}, s)
}
